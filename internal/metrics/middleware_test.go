package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveRecordsProviderAndStatusClass(t *testing.T) {
	Observe("openai", 503, 10*time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("openai", "no_healthy_keys")))
}

func TestObserveDefaultsUnknownProvider(t *testing.T) {
	Observe("", 200, time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("unknown", "2xx")))
}

func TestWrapFlusherSatisfiesFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	w := WrapFlusher(rec)
	_, ok := w.(interface{ Flush() })
	require.True(t, ok)
}
