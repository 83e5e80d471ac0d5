// Package provider implements the per-provider HTTP shape: building a cheap
// probe request, building a proxied request against an inbound client
// request, and extracting a normalized error payload from a failed
// response. It is the "OpenAI-like vs Gemini" tagged-variant capability set
// named C1 in the design.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// Key is an opaque provider credential. Hash is its storage identity
// (provider_id, key_hash); Secret is the raw credential sent upstream.
type Key struct {
	Hash   string
	Secret string
}

// CheckResult describes the outcome of one probe or proxied attempt. The
// probe and dispatch engines do not construct it; they report an attempt's
// outcome as an (ok, taxonomy.ErrorReason) pair.
type CheckResult struct {
	OK         bool
	StatusCode int
	LatencyMS  int64
}

// hopByHopHeaders are stripped when forwarding, per RFC 7230 §6.1, matching
// what any correct reverse proxy must not copy verbatim.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Authorization":       true, // replaced with the pooled key's own auth
	"Host":                true,
}

// Provider is the fixed capability set every variant implements.
type Provider interface {
	// Kind identifies the variant ("openai_like" or "gemini").
	Kind() string

	// BuildProbeRequest returns a minimal, cheap request that exercises
	// authentication and model access for key, against model.
	BuildProbeRequest(ctx context.Context, key Key, model string) (*http.Request, error)

	// BuildProxyRequest rewrites an inbound client request into an outbound
	// upstream request authenticated with key, targeting model.
	BuildProxyRequest(ctx context.Context, key Key, model string, inboundBody []byte, inboundHeader http.Header) (*http.Request, error)
}

// ExtractError parses body into a normalized error payload for the
// classifier: JSON when contentType indicates JSON or body looks like a
// JSON object, otherwise a synthetic {"raw": "..."} wrapper.
func ExtractError(contentType string, body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	looksJSON := strings.Contains(contentType, "json") || (len(trimmed) > 0 && trimmed[0] == '{')
	if !looksJSON {
		wrapped, err := json.Marshal(map[string]string{"raw": string(trimmed)})
		if err != nil {
			return []byte(`{"raw":""}`)
		}
		return wrapped
	}
	return trimmed
}

// CopyForwardHeaders copies src into dst, skipping hop-by-hop headers.
func CopyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// ReadAndClose drains and closes body, returning its bytes.
func ReadAndClose(body io.ReadCloser) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}
