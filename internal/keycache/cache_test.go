package keycache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmgate/keygateway/internal/config"
	"github.com/llmgate/keygateway/internal/repository"
	"github.com/llmgate/keygateway/internal/taxonomy"
)

func seedThreeKeys(repo *repository.Memory, provider, model string) {
	for _, h := range []string{"k1", "k2", "k3"} {
		repo.Seed(repository.KeyRow{Provider: provider, KeyHash: h, KeySecret: "secret-" + h, Model: model, Status: repository.StatusValid})
	}
}

func TestAcquireRotationFairness(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	seedThreeKeys(repo, "openai", "gpt-4")
	c := New(repo)

	var got []string
	for i := 0; i < 9; i++ {
		row, ok, err := c.Acquire(ctx, "openai", "gpt-4", nil)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, row.KeyHash)
	}
	require.Equal(t, []string{"k1", "k2", "k3", "k1", "k2", "k3", "k1", "k2", "k3"}, got)
}

func TestAcquireExhaustedPoolAfterMarkBad(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "foo", KeyHash: "only", Model: "gpt-4", Status: repository.StatusValid})
	c := New(repo)

	row, ok, err := c.Acquire(ctx, "foo", "gpt-4", nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "only", row.KeyHash)

	require.NoError(t, c.MarkBad(ctx, "foo", "gpt-4", "only", taxonomy.InvalidKey, config.DefaultHealthPolicy()))

	_, ok, err = c.Acquire(ctx, "foo", "gpt-4", nil)
	require.NoError(t, err)
	require.False(t, ok, "pool must be empty after its only key is marked bad")
}

func TestMarkBadPersistsInvalidStatusForFatalReason(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "p", KeyHash: "k1", Model: "m", Status: repository.StatusValid})
	c := New(repo)

	_, _, err := c.Acquire(ctx, "p", "m", nil)
	require.NoError(t, err)
	require.NoError(t, c.MarkBad(ctx, "p", "m", "k1", taxonomy.InvalidKey, config.DefaultHealthPolicy()))

	rows, err := repo.ListAll(ctx, "p", "m")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, repository.StatusInvalid, rows[0].Status)
}

func TestMarkBadPersistsPenalizedStatusForRetryableReason(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "p", KeyHash: "k1", Model: "m", Status: repository.StatusValid})
	c := New(repo)

	_, _, err := c.Acquire(ctx, "p", "m", nil)
	require.NoError(t, err)
	require.NoError(t, c.MarkBad(ctx, "p", "m", "k1", taxonomy.RateLimited, config.DefaultHealthPolicy()))

	rows, err := repo.ListAll(ctx, "p", "m")
	require.NoError(t, err)
	require.Equal(t, repository.StatusPenalized, rows[0].Status)
}

func TestMarkBadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "p", KeyHash: "k1", Model: "m", Status: repository.StatusValid})
	c := New(repo)

	require.NoError(t, c.MarkBad(ctx, "p", "m", "k1", taxonomy.InvalidKey, config.DefaultHealthPolicy()))
	require.NoError(t, c.MarkBad(ctx, "p", "m", "k1", taxonomy.InvalidKey, config.DefaultHealthPolicy()))

	rows, err := repo.ListAll(ctx, "p", "m")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestAcquireExcludesTriedHashes(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	seedThreeKeys(repo, "p", "m")
	c := New(repo)

	row, ok, err := c.Acquire(ctx, "p", "m", map[string]bool{"k1": true, "k2": true})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "k3", row.KeyHash)
}

func TestSharedKeyCollapsingUsesSinglePool(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "qwen", KeyHash: "shared", Model: config.AllModelsSentinel, Status: repository.StatusValid})
	c := New(repo)

	shared := config.ProviderConfig{SharedKeyStatus: true}
	require.NoError(t, c.MarkBad(ctx, "qwen", shared.ResolvedModel("model-a"), "shared", taxonomy.InvalidKey, config.DefaultHealthPolicy()))

	for _, model := range []string{"model-a", "model-b"} {
		_, ok, err := c.Acquire(ctx, "qwen", shared.ResolvedModel(model), nil)
		require.NoError(t, err)
		require.False(t, ok, "shared pool must reflect the single mark_bad across every model")
	}
}

func TestRefreshForcesLazyReload(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	repo.Seed(repository.KeyRow{Provider: "p", KeyHash: "k1", Model: "m", Status: repository.StatusValid})
	c := New(repo)

	_, ok, err := c.Acquire(ctx, "p", "m", nil)
	require.NoError(t, err)
	require.True(t, ok)

	repo.Seed(repository.KeyRow{Provider: "p", KeyHash: "k2", Model: "m", Status: repository.StatusValid})
	c.Refresh("p", "m")

	var got []string
	for i := 0; i < 2; i++ {
		row, ok, err := c.Acquire(ctx, "p", "m", nil)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, row.KeyHash)
	}
	require.ElementsMatch(t, []string{"k1", "k2"}, got, "reload should surface both keys now present in the repository")
}
