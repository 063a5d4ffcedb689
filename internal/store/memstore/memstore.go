// Package memstore is an in-memory Store implementation for single-node
// deployments and tests. It has no durability: restarting the process loses
// all state.
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/minoots-io/horology-kernel/internal/store"
	"github.com/minoots-io/horology-kernel/internal/timer"
)

type key struct {
	tenantID string
	id       uuid.UUID
}

// Store is a mutex-guarded map satisfying store.Store.
type Store struct {
	mu    sync.RWMutex
	rows  map[key]*timer.Instance
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{rows: make(map[key]*timer.Instance)}
}

func (s *Store) LoadActive(ctx context.Context) ([]*timer.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*timer.Instance, 0, len(s.rows))
	for _, t := range s.rows {
		if !t.Status.Terminal() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, t *timer.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[key{tenantID: t.TenantID, id: t.ID}] = t.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, tenantID string, id uuid.UUID) (*timer.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.rows[key{tenantID: tenantID, id: id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Clone(), nil
}
