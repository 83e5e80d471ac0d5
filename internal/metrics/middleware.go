package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the final status code
// and to remain a valid http.Flusher for streamed responses.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Observe records one completed dispatch: provider is the resolved provider
// identifier ("" for requests that never resolved one, e.g. malformed
// paths), statusCode is the final status returned to the client.
func Observe(provider string, statusCode int, elapsed time.Duration) {
	if provider == "" {
		provider = "unknown"
	}
	RequestsTotal.WithLabelValues(provider, statusClass(statusCode)).Inc()
	LatencySeconds.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func statusClass(code int) string {
	switch {
	case code == http.StatusServiceUnavailable:
		return "no_healthy_keys"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return strconv.Itoa(code)
	}
}

// WrapFlusher ensures the returned ResponseWriter still satisfies
// http.Flusher after status capture, which the SSE forwarder requires.
func WrapFlusher(w http.ResponseWriter) http.ResponseWriter {
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}
