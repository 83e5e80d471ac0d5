// Package dispatch implements the Dispatch Engine ("Conductor", C4): per
// request key selection, streaming proxy, and the retry-vs-fail decision
// loop of §4.4.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/llmgate/keygateway/internal/config"
	"github.com/llmgate/keygateway/internal/keycache"
	"github.com/llmgate/keygateway/internal/metrics"
	"github.com/llmgate/keygateway/internal/provider"
	"github.com/llmgate/keygateway/internal/streaming"
	"github.com/llmgate/keygateway/internal/taxonomy"
)

// Dispatcher serves inbound gateway HTTP requests end to end. It reads
// configuration through cfgManager on every request so a hot-reloaded
// providers.yaml takes effect without a restart.
type Dispatcher struct {
	cfgManager *config.Manager
	cache      *keycache.Cache
	logger     *slog.Logger

	classifiers atomic.Pointer[map[string]*taxonomy.Classifier]
	// httpClients holds one *http.Client per distinct outbound_proxy_url
	// configured across providers, keyed by that URL string; "" is the
	// direct-connection client shared by every provider that sets no proxy.
	httpClients atomic.Pointer[map[string]*http.Client]
}

// New constructs a Dispatcher and compiles the initial classifier set. It
// also registers a config-change callback so classifiers and outbound
// clients stay in sync with a hot-reloaded providers.yaml.
func New(cfgManager *config.Manager, cache *keycache.Cache, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfgManager: cfgManager,
		cache:      cache,
		logger:     logger,
	}

	if err := d.rebuildClassifiers(cfgManager.Get()); err != nil {
		return nil, err
	}
	if err := d.rebuildHTTPClients(cfgManager.Get()); err != nil {
		return nil, err
	}
	cfgManager.OnChange(func(cfg *config.Config) {
		if err := d.rebuildClassifiers(cfg); err != nil {
			d.logger.Error("dispatch: failed to rebuild classifiers after reload, keeping previous ruleset", "error", err)
		}
		if err := d.rebuildHTTPClients(cfg); err != nil {
			d.logger.Error("dispatch: failed to rebuild outbound clients after reload, keeping previous pool", "error", err)
		}
	})

	return d, nil
}

func (d *Dispatcher) rebuildClassifiers(cfg *config.Config) error {
	classifiers, err := cfg.BuildClassifiers()
	if err != nil {
		return err
	}
	d.classifiers.Store(&classifiers)
	return nil
}

func (d *Dispatcher) classifierFor(providerName string) *taxonomy.Classifier {
	m := *d.classifiers.Load()
	return m[providerName]
}

// rebuildHTTPClients builds one *http.Client per distinct outbound proxy
// endpoint named across cfg.Providers, matching §5's "one client per
// outbound-proxy endpoint" requirement. Every client shares the same
// transport tuning (connect timeout, request timeout, idle-conn limits);
// only the Transport.Proxy func differs.
func (d *Dispatcher) rebuildHTTPClients(cfg *config.Config) error {
	retry := cfg.Gateway.RetryPolicy
	clients := map[string]*http.Client{"": newOutboundClient(retry, nil)}

	for name, pcfg := range cfg.Providers {
		if pcfg.OutboundProxyURL == "" {
			continue
		}
		if _, ok := clients[pcfg.OutboundProxyURL]; ok {
			continue
		}
		proxyURL, err := url.Parse(pcfg.OutboundProxyURL)
		if err != nil {
			return fmt.Errorf("provider %s: parse outbound_proxy_url: %w", name, err)
		}
		clients[pcfg.OutboundProxyURL] = newOutboundClient(retry, http.ProxyURL(proxyURL))
	}

	d.httpClients.Store(&clients)
	return nil
}

func newOutboundClient(retry config.RetryPolicyConfig, proxy func(*http.Request) (*url.URL, error)) *http.Client {
	dialer := &net.Dialer{Timeout: retry.ConnectTimeout}
	return &http.Client{
		Timeout: retry.RequestTimeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 100,
			DialContext:         dialer.DialContext,
			Proxy:               proxy,
		},
	}
}

// httpClientFor returns the outbound client bound to pcfg's proxy endpoint,
// falling back to the direct-connection client if none is configured or the
// pool hasn't picked up a just-added proxy yet.
func (d *Dispatcher) httpClientFor(pcfg config.ProviderConfig) *http.Client {
	m := *d.httpClients.Load()
	if c, ok := m[pcfg.OutboundProxyURL]; ok {
		return c
	}
	return m[""]
}

// outcome is the classified result of one upstream attempt, kept around so
// the exhausted-retries path can surface the last response verbatim.
type outcome struct {
	statusCode int
	header     http.Header
	body       []byte
	hadResponse bool
}

// dispatchRequest bundles everything one dispatch call needs to run the
// key-selection retry loop; buildOnce/buildStream close over the inbound
// body and headers already parsed by the caller's handler.
type dispatchRequest struct {
	providerName string
	providerCfg  config.ProviderConfig
	model        string
	wantsStream  bool
	buildStream  func(ctx context.Context, key provider.Key) (*http.Request, error)
	buildOnce    func(ctx context.Context, key provider.Key) (*http.Request, error)
}

// run executes the key-selection retry loop of §4.4 and writes the final
// result to w.
func (d *Dispatcher) run(ctx context.Context, w http.ResponseWriter, req dispatchRequest) {
	start := time.Now()
	cfg := d.cfgManager.Get()
	resolvedModel := req.providerCfg.ResolvedModel(req.model)
	classifier := d.classifierFor(req.providerName)
	healthPolicy := req.providerCfg.HealthPolicy(cfg.Worker.HealthPolicy)

	maxAttempts := cfg.Gateway.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	tried := make(map[string]bool)
	var last outcome
	attempts := 0

	for attempts < maxAttempts {
		attempts++

		row, ok, err := d.cache.Acquire(ctx, req.providerName, resolvedModel, tried)
		if err != nil {
			d.logger.Error("dispatch: cache acquire failed", "provider", req.providerName, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal_error")
			metrics.Observe(req.providerName, http.StatusInternalServerError, time.Since(start))
			return
		}
		if !ok {
			w.Header().Set("Retry-After", "30")
			writeJSONError(w, http.StatusServiceUnavailable, "no_healthy_keys")
			metrics.Observe(req.providerName, http.StatusServiceUnavailable, time.Since(start))
			return
		}

		key := provider.Key{Hash: row.KeyHash, Secret: row.KeySecret}

		buildFn := req.buildOnce
		if req.wantsStream && req.buildStream != nil {
			buildFn = req.buildStream
		}
		httpReq, err := buildFn(ctx, key)
		if err != nil {
			d.logger.Error("dispatch: build request failed", "provider", req.providerName, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal_error")
			metrics.Observe(req.providerName, http.StatusInternalServerError, time.Since(start))
			return
		}

		resp, doErr := d.httpClientFor(req.providerCfg).Do(httpReq)
		if doErr != nil {
			reason := taxonomy.ClassifyTransport(doErr)
			d.markBad(ctx, req.providerName, resolvedModel, row.KeyHash, reason, healthPolicy)
			tried[row.KeyHash] = true
			last = outcome{}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			d.forwardSuccess(ctx, w, resp, req.wantsStream, cfg)
			metrics.Observe(req.providerName, resp.StatusCode, time.Since(start))
			return
		}

		// Error bodies are buffered up to the hard cap before classification —
		// an upstream returning an unbounded error body must not blow up
		// per-request memory just to get classified.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, taxonomy.MaxBufferedBody))
		resp.Body.Close()
		extracted := provider.ExtractError(resp.Header.Get("Content-Type"), body)
		reason := classifier.Classify(resp.StatusCode, extracted)

		last = outcome{statusCode: resp.StatusCode, header: resp.Header, body: body, hadResponse: true}

		switch {
		case reason.IsFatal():
			d.markBad(ctx, req.providerName, resolvedModel, row.KeyHash, reason, healthPolicy)
			tried[row.KeyHash] = true
			continue

		case reason.IsRetryable():
			d.markBad(ctx, req.providerName, resolvedModel, row.KeyHash, reason, healthPolicy)
			tried[row.KeyHash] = true
			sleepRetryAfter(ctx, resp.Header)
			continue

		case reason == taxonomy.BadRequest:
			d.surface(w, last, attempts-1)
			metrics.Observe(req.providerName, last.statusCode, time.Since(start))
			return

		default: // taxonomy.Unknown: retry-wise treated as BAD_REQUEST, soft-marked per the canonical Open Question decision.
			d.markBad(ctx, req.providerName, resolvedModel, row.KeyHash, reason, healthPolicy)
			d.surface(w, last, attempts-1)
			metrics.Observe(req.providerName, last.statusCode, time.Since(start))
			return
		}
	}

	if last.hadResponse {
		d.surface(w, last, attempts-1)
		metrics.Observe(req.providerName, last.statusCode, time.Since(start))
		return
	}

	writeJSONError(w, http.StatusBadGateway, "upstream_unreachable")
	metrics.Observe(req.providerName, http.StatusBadGateway, time.Since(start))
}

func (d *Dispatcher) markBad(ctx context.Context, providerName, resolvedModel, keyHash string, reason taxonomy.ErrorReason, policy config.HealthPolicyConfig) {
	if err := d.cache.MarkBad(ctx, providerName, resolvedModel, keyHash, reason, policy); err != nil {
		d.logger.Error("dispatch: mark_bad failed", "provider", providerName, "key_hash", keyHash, "reason", reason, "error", err)
	}
}

func (d *Dispatcher) forwardSuccess(ctx context.Context, w http.ResponseWriter, resp *http.Response, wantsStream bool, cfg *config.Config) {
	defer resp.Body.Close()

	if !wantsStream {
		provider.CopyForwardHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		body, _ := provider.ReadAndClose(resp.Body)
		_, _ = w.Write(body)
		return
	}

	forwarder, err := streaming.NewForwarder(streaming.Config{
		Upstream:    resp.Body,
		Downstream:  w,
		ClientCtx:   ctx,
		IdleTimeout: cfg.Gateway.RetryPolicy.StreamIdleTimeout,
	})
	if err != nil {
		d.logger.Error("dispatch: forwarder setup failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := forwarder.Forward(); err != nil {
		d.logger.Warn("dispatch: stream terminated", "error", err)
	}
}

// surface writes the last upstream response verbatim, per §7's user-visible
// failure behavior for exhausted retries.
func (d *Dispatcher) surface(w http.ResponseWriter, last outcome, retries int) {
	provider.CopyForwardHeaders(w.Header(), last.header)
	w.Header().Set("X-Gateway-Retries", strconv.Itoa(retries))
	w.WriteHeader(last.statusCode)
	_, _ = w.Write(last.body)
}

func sleepRetryAfter(ctx context.Context, header http.Header) {
	d := parseRetryAfter(header)
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// parseRetryAfter honors an upstream Retry-After header, capped at 5s.
func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
