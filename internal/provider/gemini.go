package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
)

// Gemini implements Google's Gemini REST shape, where the key travels as a
// query parameter rather than an Authorization header and the model is part
// of the URL path rather than the request body.
type Gemini struct {
	BaseURL string
}

// NewGemini constructs a Gemini adapter for baseURL.
func NewGemini(baseURL string) *Gemini {
	return &Gemini{BaseURL: strings.TrimSuffix(baseURL, "/")}
}

func (p *Gemini) Kind() string { return "gemini" }

// BuildProbeRequest issues a minimal generateContent call.
func (p *Gemini) BuildProbeRequest(ctx context.Context, key Key, model string) (*http.Request, error) {
	body, err := json.Marshal(map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": "ping"}}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal probe body: %w", err)
	}

	reqURL := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.BaseURL, url.PathEscape(model), url.QueryEscape(key.Secret))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// BuildProxyRequest forwards the client's generateContent/streamGenerateContent
// body verbatim, binding the pooled key via the query string.
func (p *Gemini) BuildProxyRequest(ctx context.Context, key Key, model string, inboundBody []byte, inboundHeader http.Header) (*http.Request, error) {
	return p.buildRequest(ctx, key, model, "generateContent", inboundBody, inboundHeader)
}

// BuildStreamProxyRequest is the streaming counterpart, targeting
// streamGenerateContent instead of generateContent.
func (p *Gemini) BuildStreamProxyRequest(ctx context.Context, key Key, model string, inboundBody []byte, inboundHeader http.Header) (*http.Request, error) {
	return p.buildRequest(ctx, key, model, "streamGenerateContent", inboundBody, inboundHeader)
}

func (p *Gemini) buildRequest(ctx context.Context, key Key, model, action string, inboundBody []byte, inboundHeader http.Header) (*http.Request, error) {
	reqURL := fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
		p.BaseURL, url.PathEscape(model), action, url.QueryEscape(key.Secret))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(inboundBody))
	if err != nil {
		return nil, fmt.Errorf("build proxy request: %w", err)
	}
	CopyForwardHeaders(req.Header, inboundHeader)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
