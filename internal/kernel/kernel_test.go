package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minoots-io/horology-kernel/internal/broadcast"
	"github.com/minoots-io/horology-kernel/internal/commandlog"
	"github.com/minoots-io/horology-kernel/internal/commandlog/memlog"
	"github.com/minoots-io/horology-kernel/internal/eventsigner"
	"github.com/minoots-io/horology-kernel/internal/leadership"
	"github.com/minoots-io/horology-kernel/internal/store/memstore"
	"github.com/minoots-io/horology-kernel/internal/timer"
)

func newTestKernel(t *testing.T, leader *leadership.Handle) *Kernel {
	t.Helper()
	k, _ := newTestKernelWithLog(t, leader)
	return k
}

func newTestKernelWithLog(t *testing.T, leader *leadership.Handle) (*Kernel, *memlog.Log) {
	t.Helper()
	signer, err := eventsigner.New("test-secret")
	require.NoError(t, err)

	cmdLog := memlog.New()
	k, err := New(context.Background(), Config{
		Store:      memstore.New(),
		CommandLog: cmdLog,
		Leader:     leader,
		Signer:     signer,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return k, cmdLog
}

func waitForEnvelope(t *testing.T, sub *broadcast.Subscription, eventType string, timeout time.Duration) *eventsigner.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-sub.C():
			if msg.Envelope != nil && msg.Envelope.Event.Type == eventType {
				return msg.Envelope
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s envelope", eventType)
			return nil
		}
	}
}

func TestKernel_ScheduleFires(t *testing.T) {
	k := newTestKernel(t, nil)
	sub := k.Subscribe()
	defer sub.Close()

	inst, err := k.Schedule(context.Background(), timer.Spec{
		TenantID: "tenant-a",
		Duration: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, timer.StatusScheduled, inst.Status)

	waitForEnvelope(t, sub, "Scheduled", time.Second)
	waitForEnvelope(t, sub, "Fired", time.Second)
	waitForEnvelope(t, sub, "Settled", time.Second)

	got := k.Get("tenant-a", inst.ID)
	require.NotNil(t, got)
	assert.Equal(t, timer.StatusSettled, got.Status)
	assert.NotNil(t, got.FiredAt)
	assert.NotNil(t, got.SettledAt)
}

func TestKernel_CancelBeforeFirePreventsFiring(t *testing.T) {
	k := newTestKernel(t, nil)
	sub := k.Subscribe()
	defer sub.Close()

	inst, err := k.Schedule(context.Background(), timer.Spec{
		TenantID: "tenant-a",
		Duration: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	waitForEnvelope(t, sub, "Scheduled", time.Second)

	cancelled, err := k.Cancel(context.Background(), "tenant-a", inst.ID, "no longer needed", "operator")
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, timer.StatusCancelled, cancelled.Status)

	waitForEnvelope(t, sub, "Cancelled", time.Second)

	// Wait past the original fire_at; the cancelled timer must not have fired.
	time.Sleep(300 * time.Millisecond)

	got := k.Get("tenant-a", inst.ID)
	require.NotNil(t, got)
	assert.Equal(t, timer.StatusCancelled, got.Status)
}

func TestKernel_CancelIsIdempotentOnTerminalTimer(t *testing.T) {
	k := newTestKernel(t, nil)

	inst, err := k.Schedule(context.Background(), timer.Spec{TenantID: "tenant-a", Duration: time.Hour})
	require.NoError(t, err)

	first, err := k.Cancel(context.Background(), "tenant-a", inst.ID, "reason", "op")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := k.Cancel(context.Background(), "tenant-a", inst.ID, "different reason", "op")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.StateVersion, second.StateVersion)
	assert.Equal(t, "reason", second.CancelReason)
}

func TestKernel_TenantIsolation(t *testing.T) {
	k := newTestKernel(t, nil)

	inst, err := k.Schedule(context.Background(), timer.Spec{TenantID: "tenant-a", Duration: time.Hour})
	require.NoError(t, err)

	assert.Nil(t, k.Get("tenant-b", inst.ID))

	cancelled, err := k.Cancel(context.Background(), "tenant-b", inst.ID, "reason", "op")
	require.NoError(t, err)
	assert.Nil(t, cancelled)

	assert.Empty(t, k.List("tenant-b"))
	assert.Len(t, k.List("tenant-a"), 1)
}

func TestKernel_DurationBounds(t *testing.T) {
	k := newTestKernel(t, nil)
	k.maxDur = time.Minute

	_, err := k.Schedule(context.Background(), timer.Spec{TenantID: "tenant-a", Duration: -time.Second})
	require.Error(t, err)
	assert.Equal(t, timer.ErrInvalidDuration, err.(*timer.KernelError).Kind)

	_, err = k.Schedule(context.Background(), timer.Spec{TenantID: "tenant-a", Duration: time.Hour})
	require.Error(t, err)
	assert.Equal(t, timer.ErrInvalidDuration, err.(*timer.KernelError).Kind)

	_, err = k.Schedule(context.Background(), timer.Spec{TenantID: "tenant-a", FireAt: time.Now().Add(-time.Second)})
	require.Error(t, err)
	assert.Equal(t, timer.ErrInvalidFireTime, err.(*timer.KernelError).Kind)
}

func TestKernel_NotLeaderRejectsWrites(t *testing.T) {
	handle := leadership.NewHandle() // starts as follower
	k := newTestKernel(t, handle)

	_, err := k.Schedule(context.Background(), timer.Spec{TenantID: "tenant-a", Duration: time.Minute})
	require.Error(t, err)
	assert.Equal(t, timer.ErrNotLeader, err.(*timer.KernelError).Kind)

	_, err = k.Cancel(context.Background(), "tenant-a", uuid.New(), "reason", "op")
	require.Error(t, err)
	assert.Equal(t, timer.ErrNotLeader, err.(*timer.KernelError).Kind)
}

func TestKernel_FireTaskPanicRecordsFailed(t *testing.T) {
	k, cmdLog := newTestKernelWithLog(t, nil)

	inst, err := k.Schedule(context.Background(), timer.Spec{TenantID: "tenant-a", Duration: time.Hour})
	require.NoError(t, err)

	k.failTimer(inst.ID, inst.TenantID, "panic: boom")

	got := k.Get("tenant-a", inst.ID)
	require.NotNil(t, got)
	assert.Equal(t, timer.StatusFailed, got.Status)
	assert.Equal(t, "panic: boom", got.FailureReason)

	var found *commandlog.Record
	for _, rec := range cmdLog.Records() {
		if rec.Kind == commandlog.KindFail {
			rec := rec
			found = &rec
		}
	}
	require.NotNil(t, found, "expected a KindFail record in the command log")
	require.NotNil(t, found.Timer)
	assert.Equal(t, timer.StatusFailed, found.Timer.Status)
}

func TestKernel_RestoreFiresArmedAndScheduledTimers(t *testing.T) {
	backing := memstore.New()
	signer, err := eventsigner.New("test-secret")
	require.NoError(t, err)

	scheduled := &timer.Instance{
		ID:        uuid.New(),
		TenantID:  "tenant-a",
		Name:      "scheduled-survivor",
		CreatedAt: time.Now().UTC(),
		FireAt:    time.Now().UTC().Add(10 * time.Millisecond),
		Status:    timer.StatusScheduled,
	}
	armed := &timer.Instance{
		ID:        uuid.New(),
		TenantID:  "tenant-a",
		Name:      "armed-survivor",
		CreatedAt: time.Now().UTC(),
		FireAt:    time.Now().UTC().Add(10 * time.Millisecond),
		Status:    timer.StatusArmed,
	}
	require.NoError(t, backing.Upsert(context.Background(), scheduled))
	require.NoError(t, backing.Upsert(context.Background(), armed))

	k, err := New(context.Background(), Config{
		Store:  backing,
		Signer: signer,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	sub := k.Subscribe()
	defer sub.Close()

	require.NoError(t, k.Restore(context.Background()))

	seen := map[uuid.UUID]bool{}
	deadline := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case msg := <-sub.C():
			if msg.Envelope != nil && msg.Envelope.Event.Type == "Fired" {
				data, ok := msg.Envelope.Event.Data.(*timer.Instance)
				if ok {
					seen[data.ID] = true
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for both restored timers to fire, saw %d", len(seen))
		}
	}

	assert.True(t, seen[scheduled.ID])
	assert.True(t, seen[armed.ID])
}
