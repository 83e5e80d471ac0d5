package dispatch

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/llmgate/keygateway/internal/config"
	"github.com/llmgate/keygateway/internal/provider"
)

// maxDebugBodyLog caps how much of a request/response body debug logging
// records, per the debug_mode: full_body cap named in §5.
const maxDebugBodyLog = 10 * 1024

// Routes registers the Dispatch Engine's inbound HTTP surface on mux.
func (d *Dispatcher) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/{provider}/chat/completions", d.OpenAIChatCompletions)
	mux.HandleFunc("POST /v1beta/models/{modelAction}", d.GeminiGenerateContent)
}

// OpenAIChatCompletions serves the OpenAI-compatible chat completions route,
// where the target provider is named directly in the path.
func (d *Dispatcher) OpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	logger := d.logger.With("request_id", requestID)

	cfg := d.cfgManager.Get()
	if !authenticate(r, cfg.Gateway.AuthToken) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	providerName := r.PathValue("provider")
	pcfg, ok := cfg.Providers[providerName]
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "unknown_provider")
		return
	}
	if pcfg.Kind != "openai_like" {
		writeJSONError(w, http.StatusBadRequest, "provider_kind_mismatch")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read_body_failed")
		return
	}
	defer r.Body.Close()

	model, streamRequested, err := parseOpenAIBody(body)
	if err != nil || model == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_model")
		return
	}

	prov, err := provider.New(pcfg.Kind, pcfg.BaseURL)
	if err != nil {
		logger.Error("dispatch: provider construction failed", "provider", providerName, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	debugLog(logger, cfg, pcfg, providerName, body)

	wantsStream := streamRequested &&
		pcfg.EffectiveStreamingMode(cfg.Gateway.StreamingMode) == "auto" &&
		pcfg.EffectiveDebugMode(cfg.Gateway.DebugMode) == "disabled"

	d.run(r.Context(), w, dispatchRequest{
		providerName: providerName,
		providerCfg:  pcfg,
		model:        model,
		wantsStream:  wantsStream,
		buildOnce: func(ctx context.Context, key provider.Key) (*http.Request, error) {
			return prov.BuildProxyRequest(ctx, key, model, body, r.Header)
		},
	})
}

// GeminiGenerateContent serves both Gemini REST actions. The provider isn't
// named in the path (Gemini's own API doesn't carry one); the gateway routes
// to whichever configured provider is of kind "gemini".
func (d *Dispatcher) GeminiGenerateContent(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	logger := d.logger.With("request_id", requestID)

	cfg := d.cfgManager.Get()
	if !authenticate(r, cfg.Gateway.AuthToken) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	modelAction := r.PathValue("modelAction")
	model, action, ok := strings.Cut(modelAction, ":")
	if !ok || model == "" {
		writeJSONError(w, http.StatusBadRequest, "malformed_model_action")
		return
	}
	if action != "generateContent" && action != "streamGenerateContent" {
		writeJSONError(w, http.StatusBadRequest, "unsupported_action")
		return
	}

	providerName, pcfg, ok := resolveGeminiProvider(cfg)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "no_gemini_provider_configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read_body_failed")
		return
	}
	defer r.Body.Close()

	prov, err := provider.New(pcfg.Kind, pcfg.BaseURL)
	if err != nil {
		logger.Error("dispatch: provider construction failed", "provider", providerName, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	gem, _ := prov.(*provider.Gemini)

	debugLog(logger, cfg, pcfg, providerName, body)

	wantsStream := action == "streamGenerateContent" &&
		pcfg.EffectiveStreamingMode(cfg.Gateway.StreamingMode) == "auto" &&
		pcfg.EffectiveDebugMode(cfg.Gateway.DebugMode) == "disabled"

	req := dispatchRequest{
		providerName: providerName,
		providerCfg:  pcfg,
		model:        model,
		wantsStream:  wantsStream,
		buildOnce: func(ctx context.Context, key provider.Key) (*http.Request, error) {
			return prov.BuildProxyRequest(ctx, key, model, body, r.Header)
		},
	}
	if gem != nil {
		req.buildStream = func(ctx context.Context, key provider.Key) (*http.Request, error) {
			return gem.BuildStreamProxyRequest(ctx, key, model, body, r.Header)
		}
	}

	d.run(r.Context(), w, req)
}

// resolveGeminiProvider picks the first configured provider of kind "gemini".
// Map iteration order is randomized, so with more than one configured this
// pick is arbitrary; operators running multiple Gemini-kind providers should
// split them across gateway instances until the route carries a provider
// selector of its own.
func resolveGeminiProvider(cfg *config.Config) (string, config.ProviderConfig, bool) {
	for name, p := range cfg.Providers {
		if p.Kind == "gemini" {
			return name, p, true
		}
	}
	return "", config.ProviderConfig{}, false
}

// parseOpenAIBody extracts the top-level "model" and "stream" fields without
// fully decoding the request into a typed struct, so unrecognized fields
// pass through untouched to the upstream provider.
func parseOpenAIBody(body []byte) (model string, stream bool, err error) {
	var partial struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &partial); err != nil {
		return "", false, fmt.Errorf("parse request body: %w", err)
	}
	return partial.Model, partial.Stream, nil
}

// authenticate checks the shared static bearer token configured as
// gateway.auth_token. An empty configured token disables authentication,
// matching a local/dev deployment.
func authenticate(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// debugLog logs the inbound request body when debug_mode calls for it,
// truncated to maxDebugBodyLog. headers_only logs no body at all.
func debugLog(logger *slog.Logger, cfg *config.Config, pcfg config.ProviderConfig, providerName string, body []byte) {
	mode := pcfg.EffectiveDebugMode(cfg.Gateway.DebugMode)
	switch mode {
	case "full_body":
		logged := body
		truncated := false
		if len(logged) > maxDebugBodyLog {
			logged = logged[:maxDebugBodyLog]
			truncated = true
		}
		logger.Debug("dispatch: inbound request", "provider", providerName, "body", string(logged), "truncated", truncated)
	case "headers_only":
		logger.Debug("dispatch: inbound request", "provider", providerName, "body_size", len(body))
	default:
	}
}
