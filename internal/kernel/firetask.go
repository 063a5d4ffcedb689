package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/minoots-io/horology-kernel/internal/commandlog"
	"github.com/minoots-io/horology-kernel/internal/timer"
)

// spawnFireTask starts the per-timer state machine in its own goroutine.
// The goroutine holds only handles — store, command log, leader handle,
// signer, jitter monitor, broadcaster — never a reference into the index
// map itself, so it never needs the write lock to be held across I/O.
func (k *Kernel) spawnFireTask(id uuid.UUID, tenantID string) {
	go k.runFireTask(id, tenantID)
}

func (k *Kernel) runFireTask(id uuid.UUID, tenantID string) {
	logger := k.logger.With(zap.String("timer_id", id.String()), zap.String("tenant_id", tenantID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("fire task panicked; recording Failed", zap.Any("panic", r))
			k.failTimer(id, tenantID, fmt.Sprintf("panic: %v", r))
		}
	}()

	// 1. Leader check. Orphan tasks from a former leader must never fire.
	if !k.isLeader() {
		return
	}

	// 2. Arm. A timer already Armed (e.g. restored after a crash between
	// Arm and Fire) is left as-is; only a fresh Scheduled timer transitions.
	fireAt, ok := k.arm(id)
	if !ok {
		return
	}

	// 3. Sleep until fire time, honoring both process shutdown and the
	// kernel's own context.
	remaining := time.Until(fireAt)
	if remaining > 0 {
		wait := time.NewTimer(remaining)
		defer wait.Stop()
		select {
		case <-wait.C:
		case <-k.root.Done():
			return
		}
	}

	// 4. Re-check leadership after the sleep; a changeover during the sleep
	// must not let this node fire.
	if !k.isLeader() {
		return
	}

	// 5. Transition to Fired.
	fired, ok := k.transitionFired(id)
	if !ok {
		return
	}

	// 6. Jitter sample.
	if k.jitter != nil {
		k.jitter.Record(fireAt, *fired.FiredAt, id, tenantID)
		k.metrics.jitterHint.Set(float64(k.jitter.CompensationHintMS()))
	}

	// 7. Persist before emitting: no envelope is ever observed for a
	// transition that was not durably written.
	ctx := k.root
	if err := k.store.Upsert(ctx, fired); err != nil {
		logger.Error("store upsert failed after Fired transition; abandoning without emitting", zap.Error(err))
		return
	}
	k.appendCommand(ctx, commandlog.Record{
		Kind:       commandlog.KindFire,
		Fire:       &commandlog.FirePayload{TimerID: id, TenantID: tenantID, FiredAt: *fired.FiredAt},
		RecordedAt: *fired.FiredAt,
	})
	k.emit(tenantID, "Fired", fired.Clone(), fired.DedupeKey())
	k.metrics.fired.Inc()

	// 8. Transition to Settled.
	settled, ok := k.transitionSettled(id)
	if !ok {
		return
	}

	// 9. Persist, emit, append.
	if err := k.store.Upsert(ctx, settled); err != nil {
		logger.Error("store upsert failed after Settled transition; abandoning without emitting", zap.Error(err))
		return
	}
	k.appendCommand(ctx, commandlog.Record{Kind: commandlog.KindSettle, Timer: settled.Clone(), RecordedAt: *settled.SettledAt})
	k.emit(tenantID, "Settled", settled.Clone(), settled.DedupeKey())
	k.metrics.settled.Inc()
}

// arm transitions a Scheduled timer to Armed and returns its fire_at. A
// timer already Armed (restored mid-flight) is returned unchanged. Any
// other status means the timer was cancelled or otherwise left Scheduled
// behind — the task exits.
func (k *Kernel) arm(id uuid.UUID) (time.Time, bool) {
	k.mu.Lock()
	inst, ok := k.index[id]
	if !ok {
		k.mu.Unlock()
		return time.Time{}, false
	}

	switch inst.Status {
	case timer.StatusScheduled:
		inst.Status = timer.StatusArmed
		inst.StateVersion++
		snapshot := inst.Clone()
		k.mu.Unlock()
		if err := k.store.Upsert(k.root, snapshot); err != nil {
			k.logger.Warn("store upsert failed after Armed transition",
				zap.String("timer_id", id.String()), zap.Error(err))
		}
		return snapshot.FireAt, true
	case timer.StatusArmed:
		fireAt := inst.FireAt
		k.mu.Unlock()
		return fireAt, true
	default:
		k.mu.Unlock()
		return time.Time{}, false
	}
}

func (k *Kernel) transitionFired(id uuid.UUID) (*timer.Instance, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	inst, ok := k.index[id]
	if !ok || inst.Status.Terminal() {
		return nil, false
	}

	now := time.Now().UTC()
	inst.Status = timer.StatusFired
	inst.FiredAt = &now
	inst.StateVersion++
	return inst.Clone(), true
}

func (k *Kernel) transitionSettled(id uuid.UUID) (*timer.Instance, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	inst, ok := k.index[id]
	if !ok || inst.Status.Terminal() {
		return nil, false
	}

	now := time.Now().UTC()
	inst.Status = timer.StatusSettled
	inst.SettledAt = &now
	inst.StateVersion++
	return inst.Clone(), true
}

// failTimer records a panic recovery as a Failed transition, unless the
// timer has already reached a terminal state.
func (k *Kernel) failTimer(id uuid.UUID, tenantID, reason string) {
	k.mu.Lock()
	inst, ok := k.index[id]
	if !ok || inst.Status.Terminal() {
		k.mu.Unlock()
		return
	}
	inst.Status = timer.StatusFailed
	inst.FailureReason = reason
	inst.StateVersion++
	snapshot := inst.Clone()
	k.mu.Unlock()

	if err := k.store.Upsert(k.root, snapshot); err != nil {
		k.logger.Warn("store upsert failed after Failed transition",
			zap.String("timer_id", id.String()), zap.Error(err))
	}
	k.appendCommand(context.Background(), commandlog.Record{Kind: commandlog.KindFail, Timer: snapshot.Clone(), RecordedAt: time.Now().UTC()})
	k.metrics.failed.Inc()
}
