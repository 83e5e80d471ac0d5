package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// OpenAILike implements the OpenAI-compatible request shape shared by every
// provider whose chat completions endpoint mirrors OpenAI's own.
type OpenAILike struct {
	BaseURL string
}

// NewOpenAILike constructs an OpenAILike adapter for baseURL.
func NewOpenAILike(baseURL string) *OpenAILike {
	return &OpenAILike{BaseURL: strings.TrimSuffix(baseURL, "/")}
}

func (p *OpenAILike) Kind() string { return "openai_like" }

// BuildProbeRequest issues a minimal chat completion that exercises
// authentication and model access without generating real output.
func (p *OpenAILike) BuildProbeRequest(ctx context.Context, key Key, model string) (*http.Request, error) {
	body, err := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": "ping"},
		},
		"max_tokens": 1,
		"stream":     false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal probe body: %w", err)
	}

	url := p.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	return req, nil
}

// BuildProxyRequest forwards the client's chat-completions body verbatim
// except for model substitution, with the pooled key's own authorization.
func (p *OpenAILike) BuildProxyRequest(ctx context.Context, key Key, model string, inboundBody []byte, inboundHeader http.Header) (*http.Request, error) {
	body, err := substituteModel(inboundBody, model)
	if err != nil {
		return nil, err
	}

	url := p.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build proxy request: %w", err)
	}
	CopyForwardHeaders(req.Header, inboundHeader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	return req, nil
}

// substituteModel rewrites the top-level "model" field of a JSON body. The
// body is decoded into a generic map and re-encoded, so the other fields keep
// their names but not their original key order or whitespace, and numbers
// round-trip through float64.
func substituteModel(body []byte, model string) ([]byte, error) {
	if model == "" {
		return body, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse inbound body: %w", err)
	}
	parsed["model"] = model
	out, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("re-marshal inbound body: %w", err)
	}
	return out, nil
}
