// Package keycache implements the Key Cache (C3): per-process, per-(provider,
// resolved model) pools of currently-eligible keys, lazily populated from the
// Repository and mutated only through Acquire/MarkBad/Refresh.
package keycache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llmgate/keygateway/internal/config"
	"github.com/llmgate/keygateway/internal/metrics"
	"github.com/llmgate/keygateway/internal/repository"
	"github.com/llmgate/keygateway/internal/taxonomy"
)

// poolKey identifies one pool: a provider paired with either a literal model
// or the __ALL_MODELS__ sentinel for shared-key providers.
type poolKey struct {
	provider string
	model    string
}

// pool is the deque backing one (provider, resolved model) entry. Order is
// rotation order; the mutex serializes mutations to this pool only, never
// blocking operations on unrelated pools.
type pool struct {
	mu     sync.Mutex
	loaded bool
	keys   []repository.KeyRow
}

// Cache is the process-wide Key Cache. Safe for concurrent use.
type Cache struct {
	repo repository.Repository

	mapMu sync.Mutex
	pools map[poolKey]*pool
}

// New constructs an empty Cache backed by repo.
func New(repo repository.Repository) *Cache {
	return &Cache{
		repo:  repo,
		pools: make(map[poolKey]*pool),
	}
}

func (c *Cache) poolFor(provider, resolvedModel string) *pool {
	key := poolKey{provider, resolvedModel}

	c.mapMu.Lock()
	p, ok := c.pools[key]
	if !ok {
		p = &pool{}
		c.pools[key] = p
	}
	c.mapMu.Unlock()

	return p
}

// Acquire resolves the pool for (provider, resolvedModel), lazily loading it
// from the Repository if empty or never loaded, then returns the head key
// rotated to the tail. Keys already tried in this request (excluded) are
// skipped without being removed from the pool. Returns ok=false when no
// eligible, non-excluded key exists.
func (c *Cache) Acquire(ctx context.Context, provider, resolvedModel string, excluded map[string]bool) (repository.KeyRow, bool, error) {
	p := c.poolFor(provider, resolvedModel)

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded || len(p.keys) == 0 {
		if err := c.reload(ctx, p, provider, resolvedModel); err != nil {
			return repository.KeyRow{}, false, err
		}
	}
	metrics.KeyPoolSize.WithLabelValues(provider, resolvedModel).Set(float64(len(p.keys)))

	for i, row := range p.keys {
		if excluded != nil && excluded[row.KeyHash] {
			continue
		}
		p.keys = append(p.keys[:i:i], p.keys[i+1:]...)
		p.keys = append(p.keys, row)
		return row, true, nil
	}
	return repository.KeyRow{}, false, nil
}

// reload populates p from the Repository. Caller must hold p.mu.
func (c *Cache) reload(ctx context.Context, p *pool, provider, resolvedModel string) error {
	rows, err := c.repo.ListEligible(ctx, provider, resolvedModel, time.Now())
	if err != nil {
		return fmt.Errorf("load pool %s/%s: %w", provider, resolvedModel, err)
	}
	p.keys = rows
	p.loaded = true
	return nil
}

// MarkBad removes keyHash from the pool (idempotent), persists the new
// status derived from reason via the Repository, and applies the penalty
// duration named by policy. FATAL reasons are recorded as INVALID (long-term
// ineligibility); every other reason is recorded as PENALIZED.
func (c *Cache) MarkBad(ctx context.Context, provider, resolvedModel, keyHash string, reason taxonomy.ErrorReason, policy config.HealthPolicyConfig) error {
	p := c.poolFor(provider, resolvedModel)

	p.mu.Lock()
	for i, row := range p.keys {
		if row.KeyHash == keyHash {
			p.keys = append(p.keys[:i:i], p.keys[i+1:]...)
			break
		}
	}
	remaining := len(p.keys)
	p.mu.Unlock()
	metrics.KeyPoolSize.WithLabelValues(provider, resolvedModel).Set(float64(remaining))

	status := repository.StatusPenalized
	if reason.IsFatal() {
		status = repository.StatusInvalid
	}
	penaltyUntil := time.Now().Add(policy.DurationFor(reason))
	return c.repo.UpdateKeyStatus(ctx, provider, keyHash, resolvedModel, status, &reason, &penaltyUntil)
}

// Refresh drops the pool entry for (provider, resolvedModel), forcing a
// lazy reload from the Repository on the next Acquire.
func (c *Cache) Refresh(provider, resolvedModel string) {
	p := c.poolFor(provider, resolvedModel)
	p.mu.Lock()
	p.loaded = false
	p.keys = nil
	p.mu.Unlock()
}
