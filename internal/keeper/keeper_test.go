package keeper

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llmgate/keygateway/internal/config"
	"github.com/llmgate/keygateway/internal/repository"
	"github.com/llmgate/keygateway/internal/resilience"
	"github.com/llmgate/keygateway/internal/taxonomy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testWorkerConfig uses a 1s verification delay: the keeper treats 0 as
// "use the 65s default", so tests that exercise the verification loop need
// a small positive value to stay fast.
func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		IntervalSec:          1,
		Concurrency:          4,
		VerificationAttempts: 2,
		VerificationDelaySec: 1,
		HealthPolicy:         config.DefaultHealthPolicy(),
	}
}

func TestProbeKeySuccessTransitionsValid(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "openai", KeyHash: "k1", KeySecret: "s1", Model: "gpt-4", Status: repository.StatusUnchecked})

	providers := map[string]config.ProviderConfig{
		"openai": {Kind: "openai_like", BaseURL: upstream.URL, Models: []string{"gpt-4"}},
	}
	classifiers, err := (&config.Config{Providers: providers}).BuildClassifiers()
	require.NoError(t, err)

	k := New(testWorkerConfig(), providers, classifiers, repo, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	k.runCycle(ctx, target{providerName: "openai", providerCfg: providers["openai"], probeModel: "gpt-4", resolvedModel: "gpt-4"}, resilience.NewSemaphore(4))

	rows, err := repo.ListAll(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, repository.StatusValid, rows[0].Status)
}

func TestProbeKeyFatalReasonFastFailsToInvalid(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer upstream.Close()

	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "openai", KeyHash: "k1", KeySecret: "s1", Model: "gpt-4", Status: repository.StatusValid})

	providers := map[string]config.ProviderConfig{
		"openai": {Kind: "openai_like", BaseURL: upstream.URL, Models: []string{"gpt-4"}},
	}
	classifiers, err := (&config.Config{Providers: providers}).BuildClassifiers()
	require.NoError(t, err)

	k := New(testWorkerConfig(), providers, classifiers, repo, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	k.runCycle(ctx, target{providerName: "openai", providerCfg: providers["openai"], probeModel: "gpt-4", resolvedModel: "gpt-4"}, resilience.NewSemaphore(4))

	rows, err := repo.ListAll(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, repository.StatusInvalid, rows[0].Status)
	require.NotNil(t, rows[0].Reason)
	require.Equal(t, taxonomy.InvalidKey, *rows[0].Reason)
	require.NotNil(t, rows[0].PenaltyUntil)
	require.True(t, rows[0].PenaltyUntil.After(time.Now().Add(9*24*time.Hour)))
}

func TestProbeKey200WithErrorBodyHonorsStatus200Rule(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"error":{"type":"insufficient_quota"}}`))
	}))
	defer upstream.Close()

	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "openai", KeyHash: "k1", KeySecret: "s1", Model: "gpt-4", Status: repository.StatusValid})

	providers := map[string]config.ProviderConfig{
		"openai": {
			Kind:    "openai_like",
			BaseURL: upstream.URL,
			Models:  []string{"gpt-4"},
			GatewayPolicy: config.ProviderGatewayPolicy{
				ErrorParsing: config.ErrorParsingConfig{
					Enabled: true,
					Rules: []taxonomy.RuleSpec{
						{StatusCode: 200, ErrorPath: "error.type", MatchPattern: "insufficient_quota", MapTo: "NO_QUOTA", Priority: 10},
					},
				},
			},
		},
	}
	classifiers, err := (&config.Config{Providers: providers}).BuildClassifiers()
	require.NoError(t, err)

	k := New(testWorkerConfig(), providers, classifiers, repo, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	k.runCycle(ctx, target{providerName: "openai", providerCfg: providers["openai"], probeModel: "gpt-4", resolvedModel: "gpt-4"}, resilience.NewSemaphore(4))

	rows, err := repo.ListAll(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, repository.StatusInvalid, rows[0].Status)
	require.NotNil(t, rows[0].Reason)
	require.Equal(t, taxonomy.NoQuota, *rows[0].Reason)
}

func TestProbeKey200WithoutMatchingRuleIsSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"error":{"type":"something_unrelated"}}`))
	}))
	defer upstream.Close()

	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "openai", KeyHash: "k1", KeySecret: "s1", Model: "gpt-4", Status: repository.StatusUnchecked})

	providers := map[string]config.ProviderConfig{
		"openai": {
			Kind:    "openai_like",
			BaseURL: upstream.URL,
			Models:  []string{"gpt-4"},
			GatewayPolicy: config.ProviderGatewayPolicy{
				ErrorParsing: config.ErrorParsingConfig{
					Enabled: true,
					Rules: []taxonomy.RuleSpec{
						{StatusCode: 200, ErrorPath: "error.type", MatchPattern: "insufficient_quota", MapTo: "NO_QUOTA", Priority: 10},
					},
				},
			},
		},
	}
	classifiers, err := (&config.Config{Providers: providers}).BuildClassifiers()
	require.NoError(t, err)

	k := New(testWorkerConfig(), providers, classifiers, repo, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	k.runCycle(ctx, target{providerName: "openai", providerCfg: providers["openai"], probeModel: "gpt-4", resolvedModel: "gpt-4"}, resilience.NewSemaphore(4))

	rows, err := repo.ListAll(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, repository.StatusValid, rows[0].Status)
}

func TestRunVerificationLoopRecoversOnLaterSuccess(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"overloaded"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "openai", KeyHash: "k1", KeySecret: "s1", Model: "gpt-4", Status: repository.StatusValid})

	providers := map[string]config.ProviderConfig{
		"openai": {Kind: "openai_like", BaseURL: upstream.URL, Models: []string{"gpt-4"}},
	}
	classifiers, err := (&config.Config{Providers: providers}).BuildClassifiers()
	require.NoError(t, err)

	k := New(testWorkerConfig(), providers, classifiers, repo, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	k.runCycle(ctx, target{providerName: "openai", providerCfg: providers["openai"], probeModel: "gpt-4", resolvedModel: "gpt-4"}, resilience.NewSemaphore(4))

	rows, err := repo.ListAll(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, repository.StatusValid, rows[0].Status)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestRunVerificationLoopExhaustsAndPenalizes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer upstream.Close()

	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "openai", KeyHash: "k1", KeySecret: "s1", Model: "gpt-4", Status: repository.StatusValid})

	providers := map[string]config.ProviderConfig{
		"openai": {Kind: "openai_like", BaseURL: upstream.URL, Models: []string{"gpt-4"}},
	}
	classifiers, err := (&config.Config{Providers: providers}).BuildClassifiers()
	require.NoError(t, err)

	k := New(testWorkerConfig(), providers, classifiers, repo, discardLogger())

	// Two verification attempts with a 1s delay each need more than 2s.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	k.runCycle(ctx, target{providerName: "openai", providerCfg: providers["openai"], probeModel: "gpt-4", resolvedModel: "gpt-4"}, resilience.NewSemaphore(4))

	rows, err := repo.ListAll(ctx, "openai", "gpt-4")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, repository.StatusPenalized, rows[0].Status)
	require.NotNil(t, rows[0].Reason)
	require.Equal(t, taxonomy.RateLimited, *rows[0].Reason)
}

func TestBuildTargetsCollapsesSharedKeyProviderToOneTarget(t *testing.T) {
	providers := map[string]config.ProviderConfig{
		"shared": {Kind: "openai_like", BaseURL: "https://x", Models: []string{"a", "b", "c"}, SharedKeyStatus: true},
		"plain":  {Kind: "openai_like", BaseURL: "https://y", Models: []string{"d", "e"}},
	}
	classifiers, err := (&config.Config{Providers: providers}).BuildClassifiers()
	require.NoError(t, err)

	k := New(testWorkerConfig(), providers, classifiers, repository.NewMemory(), discardLogger())
	targets := k.buildTargets()

	var sharedCount, plainCount int
	for _, tg := range targets {
		switch tg.providerName {
		case "shared":
			sharedCount++
			require.Equal(t, config.AllModelsSentinel, tg.resolvedModel)
			require.Equal(t, "a", tg.probeModel)
		case "plain":
			plainCount++
		}
	}
	require.Equal(t, 1, sharedCount)
	require.Equal(t, 2, plainCount)
}
