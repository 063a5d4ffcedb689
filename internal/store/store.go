// Package store defines the Timer Store contract: a durable table of timer
// instances keyed by (tenant_id, id), used by the kernel for rehydration on
// start and for recording every status transition.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/minoots-io/horology-kernel/internal/timer"
)

// ErrNotFound is returned by Get when no timer exists for the given key.
var ErrNotFound = errors.New("store: timer not found")

// Store is implemented by both the in-memory store (memstore) and the
// GORM-backed durable store (gormstore). upsert must be atomic per-row and
// visible to subsequent reads on the same connection.
type Store interface {
	// LoadActive returns every timer whose status is not in the terminal
	// set. Called once at kernel start for rehydration. Order unspecified.
	LoadActive(ctx context.Context) ([]*timer.Instance, error)

	// Upsert idempotently writes the full instance.
	Upsert(ctx context.Context, t *timer.Instance) error

	// Get returns a single timer by its globally-unique id, scoped to the
	// given tenant. Returns ErrNotFound if absent or tenant-mismatched.
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*timer.Instance, error)
}
