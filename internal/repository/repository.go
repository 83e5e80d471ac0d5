// Package repository defines the Repository contract (C6): the persistence
// operations the Key Cache and Probe Engine consume to read and mutate key
// health state. The relational storage layer itself is treated as an
// opaque implementation behind this interface.
package repository

import (
	"context"
	"time"

	"github.com/llmgate/keygateway/internal/taxonomy"
)

// Status is a key's coarse health state.
type Status string

const (
	StatusUnchecked Status = "UNCHECKED"
	StatusValid     Status = "VALID"
	StatusPenalized Status = "PENALIZED"
	StatusInvalid   Status = "INVALID"
)

// KeyRow is one persisted (provider, key_hash, model) row.
type KeyRow struct {
	Provider      string
	KeyHash       string
	KeySecret     string
	Model         string
	Status        Status
	Reason        *taxonomy.ErrorReason
	PenaltyUntil  *time.Time
	LastCheckedAt *time.Time
}

// Eligible reports whether the row currently qualifies for the live pool:
// not INVALID, and either never penalized or the penalty has elapsed.
func (k KeyRow) Eligible(now time.Time) bool {
	if k.Status == StatusInvalid {
		return false
	}
	if k.PenaltyUntil == nil {
		return true
	}
	return !k.PenaltyUntil.After(now)
}

// Repository is the persistence contract consumed by C3 (Key Cache) and C5
// (Probe Engine). Point updates to distinct keys must not conflict with one
// another; concurrent updates to the same key are last-write-wins on
// last_checked_at.
type Repository interface {
	// ListEligible returns rows for (provider, resolvedModel) that are not
	// INVALID and whose penalty (if any) has elapsed as of now.
	ListEligible(ctx context.Context, provider, resolvedModel string, now time.Time) ([]KeyRow, error)

	// ListAll returns every row for (provider, resolvedModel), used by the
	// probe scheduler to iterate the full rotation, penalized keys included.
	ListAll(ctx context.Context, provider, resolvedModel string) ([]KeyRow, error)

	// UpdateKeyStatus upserts the row identified by
	// (provider, keyHash, resolvedModel) with a new status/reason/penalty.
	UpdateKeyStatus(ctx context.Context, provider, keyHash, resolvedModel string, status Status, reason *taxonomy.ErrorReason, penaltyUntil *time.Time) error

	// TouchChecked records that a probe examined the key at now, without
	// otherwise changing its status.
	TouchChecked(ctx context.Context, provider, keyHash, resolvedModel string, now time.Time) error

	// Ping reports whether the underlying store is reachable, backing
	// GET /healthz.
	Ping(ctx context.Context) error
}
