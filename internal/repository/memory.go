package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/llmgate/keygateway/internal/taxonomy"
)

type memoryKey struct {
	provider, keyHash, model string
}

// Memory is an in-process Repository used by tests and by single-node
// deployments that opt out of Postgres persistence.
type Memory struct {
	mu   sync.Mutex
	rows map[memoryKey]KeyRow
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{rows: make(map[memoryKey]KeyRow)}
}

// Seed inserts row directly, bypassing status-transition rules; intended for
// test setup.
func (m *Memory) Seed(row KeyRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[memoryKey{row.Provider, row.KeyHash, row.Model}] = row
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// ListEligible returns the eligible rows ordered by key hash, so a freshly
// loaded pool has a deterministic rotation order.
func (m *Memory) ListEligible(ctx context.Context, provider, resolvedModel string, now time.Time) ([]KeyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []KeyRow
	for k, row := range m.rows {
		if k.provider != provider || k.model != resolvedModel {
			continue
		}
		if row.Eligible(now) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyHash < out[j].KeyHash })
	return out, nil
}

func (m *Memory) ListAll(ctx context.Context, provider, resolvedModel string) ([]KeyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []KeyRow
	for k, row := range m.rows {
		if k.provider != provider || k.model != resolvedModel {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *Memory) UpdateKeyStatus(ctx context.Context, provider, keyHash, resolvedModel string, status Status, reason *taxonomy.ErrorReason, penaltyUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey{provider, keyHash, resolvedModel}
	row := m.rows[key]
	now := time.Now()
	if row.LastCheckedAt != nil && row.LastCheckedAt.After(now) {
		return nil
	}
	row.Provider, row.KeyHash, row.Model = provider, keyHash, resolvedModel
	row.Status = status
	row.Reason = reason
	row.PenaltyUntil = penaltyUntil
	row.LastCheckedAt = &now
	m.rows[key] = row
	return nil
}

func (m *Memory) TouchChecked(ctx context.Context, provider, keyHash, resolvedModel string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey{provider, keyHash, resolvedModel}
	row, ok := m.rows[key]
	if !ok {
		return nil
	}
	row.LastCheckedAt = &now
	m.rows[key] = row
	return nil
}
