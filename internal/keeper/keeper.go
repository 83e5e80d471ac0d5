// Package keeper implements the Probe Engine (C5): a scheduler per
// provider×model that continuously validates keys, runs a verification
// loop on transient failures, and applies time-bounded penalties.
package keeper

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/llmgate/keygateway/internal/config"
	"github.com/llmgate/keygateway/internal/metrics"
	"github.com/llmgate/keygateway/internal/provider"
	"github.com/llmgate/keygateway/internal/repository"
	"github.com/llmgate/keygateway/internal/resilience"
	"github.com/llmgate/keygateway/internal/taxonomy"
)

const defaultProbeTimeout = 10 * time.Second

// target is one scheduled unit of work: a provider paired with the model
// used to build probe requests and the resolved model that identifies the
// pool/repository rows those probes update. For shared-key providers the
// resolved model collapses to the sentinel while the probe model stays a
// concrete representative model.
type target struct {
	providerName string
	providerCfg  config.ProviderConfig
	probeModel   string
	resolvedModel string
}

// Keeper runs the probe schedulers for every configured provider.
type Keeper struct {
	worker      config.WorkerConfig
	providers   map[string]config.ProviderConfig
	classifiers map[string]*taxonomy.Classifier
	repo        repository.Repository
	logger      *slog.Logger
	// httpClients holds one *http.Client per distinct outbound_proxy_url
	// configured across providers, keyed by that URL string; "" is the
	// direct-connection client used by every provider that sets no proxy.
	httpClients map[string]*http.Client
}

// New constructs a Keeper. classifiers must contain one entry per provider
// name in providers, matching config.Config.BuildClassifiers's output.
func New(worker config.WorkerConfig, providers map[string]config.ProviderConfig, classifiers map[string]*taxonomy.Classifier, repo repository.Repository, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		worker:      worker,
		providers:   providers,
		classifiers: classifiers,
		repo:        repo,
		logger:      logger,
		httpClients: buildProbeClients(providers),
	}
}

// buildProbeClients builds one probe *http.Client per distinct outbound
// proxy endpoint named across providers, matching §5's "one client per
// outbound-proxy endpoint" requirement. A provider with a malformed
// outbound_proxy_url falls back to the direct-connection client; the probe
// loop already tolerates and logs individual request failures, so a bad
// proxy URL degrades to unproxied probing rather than blocking startup.
func buildProbeClients(providers map[string]config.ProviderConfig) map[string]*http.Client {
	clients := map[string]*http.Client{"": newProbeClient(nil)}
	for _, pcfg := range providers {
		if pcfg.OutboundProxyURL == "" {
			continue
		}
		if _, ok := clients[pcfg.OutboundProxyURL]; ok {
			continue
		}
		proxyURL, err := url.Parse(pcfg.OutboundProxyURL)
		if err != nil {
			continue
		}
		clients[pcfg.OutboundProxyURL] = newProbeClient(http.ProxyURL(proxyURL))
	}
	return clients
}

func newProbeClient(proxy func(*http.Request) (*url.URL, error)) *http.Client {
	return &http.Client{
		Timeout: defaultProbeTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: defaultProbeTimeout}).DialContext,
			Proxy:       proxy,
		},
	}
}

func (k *Keeper) httpClientFor(pcfg config.ProviderConfig) *http.Client {
	if c, ok := k.httpClients[pcfg.OutboundProxyURL]; ok {
		return c
	}
	return k.httpClients[""]
}

// Start runs one scheduler goroutine per provider×model until ctx is
// canceled. It blocks until every scheduler has exited.
func (k *Keeper) Start(ctx context.Context) {
	targets := k.buildTargets()

	done := make(chan struct{}, len(targets))
	for _, t := range targets {
		go func(t target) {
			defer func() { done <- struct{}{} }()
			k.runScheduler(ctx, t)
		}(t)
	}
	for range targets {
		<-done
	}
}

// buildTargets expands the provider table into one scheduler target per
// model, collapsing shared-key providers onto their single representative
// model + sentinel resolved model.
func (k *Keeper) buildTargets() []target {
	var out []target
	for name, p := range k.providers {
		if len(p.Models) == 0 {
			continue
		}
		if p.SharedKeyStatus {
			out = append(out, target{
				providerName:  name,
				providerCfg:   p,
				probeModel:    p.Models[0],
				resolvedModel: config.AllModelsSentinel,
			})
			continue
		}
		for _, model := range p.Models {
			out = append(out, target{
				providerName:  name,
				providerCfg:   p,
				probeModel:    model,
				resolvedModel: model,
			})
		}
	}
	return out
}

func (k *Keeper) runScheduler(ctx context.Context, t target) {
	interval := time.Duration(k.worker.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	concurrency := k.worker.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	sem := resilience.NewSemaphore(concurrency)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	k.runCycle(ctx, t, sem)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.runCycle(ctx, t, sem)
		}
	}
}

func (k *Keeper) runCycle(ctx context.Context, t target, sem *resilience.Semaphore) {
	rows, err := k.repo.ListAll(ctx, t.providerName, t.resolvedModel)
	if err != nil {
		k.logger.Error("keeper: list keys failed", "provider", t.providerName, "model", t.resolvedModel, "error", err)
		return
	}

	prov, err := provider.New(t.providerCfg.Kind, t.providerCfg.BaseURL)
	if err != nil {
		k.logger.Error("keeper: unknown provider kind", "provider", t.providerName, "kind", t.providerCfg.Kind, "error", err)
		return
	}
	classifier := k.classifiers[t.providerName]

	var wg sync.WaitGroup
	for _, row := range rows {
		if err := sem.Acquire(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(row repository.KeyRow) {
			defer sem.Release()
			defer wg.Done()
			// A single key's probe failing to complete never cancels the
			// scheduler or any sibling probe.
			k.probeKey(ctx, t, prov, classifier, row)
		}(row)
	}
	wg.Wait()
}

// probeKey implements the per-key probe protocol of §4.5.
func (k *Keeper) probeKey(ctx context.Context, t target, prov provider.Provider, classifier *taxonomy.Classifier, row repository.KeyRow) {
	policy := t.providerCfg.HealthPolicy(k.worker.HealthPolicy)

	ok, reason := k.attempt(ctx, t, prov, classifier, row, t.probeModel)
	reasonLabel := string(reason)
	if ok {
		reasonLabel = "OK"
	}
	metrics.WorkerProbeTotal.WithLabelValues(t.providerName, reasonLabel).Inc()

	if ok {
		k.transitionValid(ctx, t, row)
		return
	}

	switch {
	case reason.IsFatal():
		k.logger.Warn("keeper: fast-fail", "provider", t.providerName, "model", t.resolvedModel, "reason", reason)
		k.penalize(ctx, t, row, repository.StatusInvalid, reason, policy.DurationFor(reason))

	case reason.IsRetryable():
		k.runVerificationLoop(ctx, t, prov, classifier, row, reason, policy)

	default: // BAD_REQUEST, UNKNOWN: no verification, soft-bad per the canonical Open Question decision.
		k.penalize(ctx, t, row, repository.StatusPenalized, reason, policy.DurationFor(reason))
	}
}

func (k *Keeper) runVerificationLoop(ctx context.Context, t target, prov provider.Provider, classifier *taxonomy.Classifier, row repository.KeyRow, firstReason taxonomy.ErrorReason, policy config.HealthPolicyConfig) {
	delay := time.Duration(k.worker.VerificationDelaySec) * time.Second
	if delay <= 0 {
		delay = 65 * time.Second
	}
	attempts := k.worker.VerificationAttempts
	if attempts <= 0 {
		attempts = 3
	}

	lastReason := firstReason
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		ok, reason := k.attempt(ctx, t, prov, classifier, row, t.probeModel)
		if ok {
			k.transitionValid(ctx, t, row)
			return
		}
		lastReason = reason
	}

	k.penalize(ctx, t, row, repository.StatusPenalized, lastReason, policy.DurationFor(lastReason))
}

// transitionValid records a successful probe. A key that was already VALID
// stays VALID with nothing else to change, so it gets the cheap
// last_checked_at-only write instead of rewriting status/reason/penalty
// through UpdateKeyStatus; only an actual recovery (INVALID/PENALIZED ->
// VALID) needs the full upsert.
func (k *Keeper) transitionValid(ctx context.Context, t target, row repository.KeyRow) {
	if row.Status == repository.StatusValid {
		if err := k.repo.TouchChecked(ctx, t.providerName, row.KeyHash, t.resolvedModel, time.Now()); err != nil {
			k.logger.Error("keeper: touch checked failed", "provider", t.providerName, "key_hash", row.KeyHash, "error", err)
		}
		return
	}
	if err := k.repo.UpdateKeyStatus(ctx, t.providerName, row.KeyHash, t.resolvedModel, repository.StatusValid, nil, nil); err != nil {
		k.logger.Error("keeper: persist VALID failed", "provider", t.providerName, "key_hash", row.KeyHash, "error", err)
	}
}

func (k *Keeper) penalize(ctx context.Context, t target, row repository.KeyRow, status repository.Status, reason taxonomy.ErrorReason, duration time.Duration) {
	until := time.Now().Add(duration)
	if err := k.repo.UpdateKeyStatus(ctx, t.providerName, row.KeyHash, t.resolvedModel, status, &reason, &until); err != nil {
		k.logger.Error("keeper: persist penalty failed", "provider", t.providerName, "key_hash", row.KeyHash, "error", err)
	}
}

// attempt issues a single probe request and classifies its outcome.
// Exceptions never escape this method — I/O failures fold into
// NETWORK_ERROR/TIMEOUT via taxonomy.ClassifyTransport.
func (k *Keeper) attempt(ctx context.Context, t target, prov provider.Provider, classifier *taxonomy.Classifier, row repository.KeyRow, model string) (bool, taxonomy.ErrorReason) {
	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	key := provider.Key{Hash: row.KeyHash, Secret: row.KeySecret}
	req, err := prov.BuildProbeRequest(probeCtx, key, model)
	if err != nil {
		k.logger.Error("keeper: build probe request failed", "error", err)
		return false, taxonomy.Unknown
	}

	resp, err := k.httpClientFor(t.providerCfg).Do(req)
	if err != nil {
		return false, taxonomy.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, taxonomy.MaxBufferedBody))
	if err != nil {
		return false, taxonomy.NetworkError
	}
	extracted := provider.ExtractError(resp.Header.Get("Content-Type"), body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// A 200 with a JSON error body is only a failure if a configured
		// rule for status_code 200 says so; otherwise 2xx is success.
		if reason, matched := classifier.MatchRule(resp.StatusCode, extracted); matched {
			return false, reason
		}
		return true, ""
	}

	return false, classifier.Classify(resp.StatusCode, extracted)
}
