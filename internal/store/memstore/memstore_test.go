package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minoots-io/horology-kernel/internal/store"
	"github.com/minoots-io/horology-kernel/internal/timer"
)

func TestStore_UpsertAndGet(t *testing.T) {
	s := New()
	inst := &timer.Instance{ID: uuid.New(), TenantID: "tenant-a", Status: timer.StatusScheduled, FireAt: time.Now()}

	require.NoError(t, s.Upsert(context.Background(), inst))

	got, err := s.Get(context.Background(), "tenant-a", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)

	// Get returns a clone: mutating it must not affect the stored row.
	got.Status = timer.StatusCancelled
	reread, err := s.Get(context.Background(), "tenant-a", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, timer.StatusScheduled, reread.Status)
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "tenant-a", uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_LoadActiveExcludesTerminalTimers(t *testing.T) {
	s := New()
	scheduled := &timer.Instance{ID: uuid.New(), TenantID: "tenant-a", Status: timer.StatusScheduled}
	settled := &timer.Instance{ID: uuid.New(), TenantID: "tenant-a", Status: timer.StatusSettled}
	require.NoError(t, s.Upsert(context.Background(), scheduled))
	require.NoError(t, s.Upsert(context.Background(), settled))

	active, err := s.LoadActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, scheduled.ID, active[0].ID)
}
