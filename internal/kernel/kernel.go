// Package kernel implements the Timer Kernel: the in-memory timer index,
// the per-timer fire-task state machine, and the operations (schedule,
// cancel, get, list, subscribe, restore) that make up the kernel's typed
// in-process API.
//
// Shared state lives in a reference-held struct behind a single read/write
// lock; spawned fire tasks hold only handles (store, command log, leader
// handle, signer, jitter monitor, broadcaster), never owned copies of the
// index, mirroring the "ownership-agnostic kernel state shared by a
// cloneable handle" pattern the original system is built around.
package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/minoots-io/horology-kernel/internal/broadcast"
	"github.com/minoots-io/horology-kernel/internal/commandlog"
	"github.com/minoots-io/horology-kernel/internal/eventsigner"
	"github.com/minoots-io/horology-kernel/internal/jitter"
	"github.com/minoots-io/horology-kernel/internal/leadership"
	"github.com/minoots-io/horology-kernel/internal/store"
	"github.com/minoots-io/horology-kernel/internal/timer"
)

// DefaultMaxDuration is the upper bound on a timer's effective delay when
// Config.MaxDuration is zero.
const DefaultMaxDuration = 30 * 24 * time.Hour

// Config collects the Timer Kernel's dependencies. Store and Signer are
// required; CommandLog, Leader, and Jitter are optional.
type Config struct {
	Store       store.Store
	CommandLog  commandlog.Log // nil disables the audit trail
	Leader      *leadership.Handle // nil means every node is always leader
	Signer      *eventsigner.Signer
	Jitter      *jitter.Monitor // nil disables compensation
	MaxDuration time.Duration
	Logger      *zap.Logger
}

// Kernel is safe for concurrent use. Construct with New, then Restore once
// at startup to rehydrate non-terminal timers from the store.
type Kernel struct {
	store      store.Store
	commandLog commandlog.Log
	leader     *leadership.Handle
	signer     *eventsigner.Signer
	jitter     *jitter.Monitor
	maxDur     time.Duration
	logger     *zap.Logger

	broker *broadcast.Broker
	root   context.Context

	mu    sync.RWMutex
	index map[uuid.UUID]*timer.Instance

	metrics *Metrics
}

// New constructs a Kernel. root bounds the lifetime of every spawned fire
// task — cancelling it aborts all in-flight fire-task work, matching the
// "process shutdown aborts the fire tasks" concurrency rule.
func New(root context.Context, cfg Config) (*Kernel, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("kernel: store is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("kernel: signer is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("kernel: logger is required")
	}
	maxDur := cfg.MaxDuration
	if maxDur <= 0 {
		maxDur = DefaultMaxDuration
	}

	return &Kernel{
		store:      cfg.Store,
		commandLog: cfg.CommandLog,
		leader:     cfg.Leader,
		signer:     cfg.Signer,
		jitter:     cfg.Jitter,
		maxDur:     maxDur,
		logger:     cfg.Logger.Named("kernel"),
		broker:     broadcast.New(),
		root:       root,
		index:      make(map[uuid.UUID]*timer.Instance),
		metrics:    newMetrics(),
	}, nil
}

// Collectors returns the kernel's prometheus collectors for registration on
// an admin HTTP server.
func (k *Kernel) Collectors() []prometheus.Collector {
	return k.metrics.collectors()
}

func (k *Kernel) isLeader() bool {
	if k.leader == nil {
		return true
	}
	return k.leader.IsLeader()
}

// Schedule validates and persists a new timer, then spawns its fire task.
// Persistence happens before the timer becomes visible to Get/List and
// before any envelope is emitted, so no event is ever observed for a row
// that was not durably written.
func (k *Kernel) Schedule(ctx context.Context, spec timer.Spec) (*timer.Instance, error) {
	if !k.isLeader() {
		return nil, timer.NewKernelError(timer.ErrNotLeader, "node is not the leader")
	}

	now := time.Now().UTC()

	fireAt, durationMS, err := k.resolveFireAt(spec, now)
	if err != nil {
		return nil, err
	}

	if k.jitter != nil {
		adjusted := k.jitter.AdjustFireAt(now, fireAt)
		if adjusted.Before(fireAt) {
			fireAt = adjusted
			durationMS = fireAt.Sub(now).Milliseconds()
		}
	}

	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("timer-%d", now.UnixMilli())
	}

	inst := &timer.Instance{
		ID:           uuid.New(),
		TenantID:     spec.TenantID,
		RequestedBy:  spec.RequestedBy,
		Name:         name,
		DurationMS:   durationMS,
		CreatedAt:    now,
		FireAt:       fireAt,
		Status:       timer.StatusScheduled,
		Metadata:     spec.Metadata,
		ActionBundle: spec.ActionBundle,
		AgentBinding: spec.AgentBinding,
		Labels:       spec.Labels,
		StateVersion: 0,
	}

	k.mu.RLock()
	_, exists := k.index[inst.ID]
	k.mu.RUnlock()
	if exists {
		return nil, timer.NewKernelError(timer.ErrDuplicateTimer, "generated id collided with an existing timer")
	}

	if err := k.store.Upsert(ctx, inst); err != nil {
		return nil, timer.WrapKernelError(timer.ErrPersistence, "schedule: store upsert", err)
	}
	k.appendCommand(ctx, commandlog.Record{Kind: commandlog.KindSchedule, Timer: inst.Clone(), RecordedAt: now})

	k.mu.Lock()
	k.index[inst.ID] = inst.Clone()
	k.mu.Unlock()

	k.emit(inst.TenantID, "Scheduled", inst.Clone(), inst.DedupeKey())
	k.metrics.scheduled.Inc()

	k.spawnFireTask(inst.ID, inst.TenantID)

	return inst.Clone(), nil
}

func (k *Kernel) resolveFireAt(spec timer.Spec, now time.Time) (time.Time, int64, error) {
	var fireAt time.Time
	var durationMS int64

	if !spec.FireAt.IsZero() {
		if !spec.FireAt.After(now) {
			return time.Time{}, 0, timer.NewKernelError(timer.ErrInvalidFireTime, "fire_at must be in the future")
		}
		fireAt = spec.FireAt
		durationMS = fireAt.Sub(now).Milliseconds()
	} else {
		if spec.Duration <= 0 {
			return time.Time{}, 0, timer.NewKernelError(timer.ErrInvalidDuration, "duration_ms must be strictly positive")
		}
		durationMS = spec.Duration.Milliseconds()
		fireAt = now.Add(spec.Duration)
	}

	if durationMS > k.maxDur.Milliseconds() {
		return time.Time{}, 0, timer.NewKernelError(timer.ErrInvalidDuration, "effective delay exceeds the configured maximum")
	}

	return fireAt, durationMS, nil
}

// Cancel marks a timer cancelled. Already-terminal timers, and timers that
// have already Fired, are returned unchanged (idempotent); tenant mismatch and missing id are both reported
// as "not found" to avoid existence probes across tenants.
func (k *Kernel) Cancel(ctx context.Context, tenantID string, id uuid.UUID, reason, cancelledBy string) (*timer.Instance, error) {
	if !k.isLeader() {
		return nil, timer.NewKernelError(timer.ErrNotLeader, "node is not the leader")
	}

	k.mu.Lock()
	inst, ok := k.index[id]
	if !ok || inst.TenantID != tenantID {
		k.mu.Unlock()
		return nil, nil
	}
	if inst.Status.Terminal() || inst.Status == timer.StatusFired {
		snapshot := inst.Clone()
		k.mu.Unlock()
		return snapshot, nil
	}

	now := time.Now().UTC()
	inst.Status = timer.StatusCancelled
	inst.CancelledAt = &now
	inst.CancelReason = reason
	inst.CancelledBy = cancelledBy
	inst.StateVersion++
	snapshot := inst.Clone()
	k.mu.Unlock()

	if err := k.store.Upsert(ctx, snapshot); err != nil {
		return nil, timer.WrapKernelError(timer.ErrPersistence, "cancel: store upsert", err)
	}
	k.appendCommand(ctx, commandlog.Record{Kind: commandlog.KindCancel, Timer: snapshot.Clone(), RecordedAt: now})

	k.emit(snapshot.TenantID, "Cancelled", snapshot.Clone(), snapshot.DedupeKey())
	k.metrics.cancelled.Inc()

	return snapshot, nil
}

// Get returns a timer scoped to tenantID, or nil if absent or owned by a
// different tenant.
func (k *Kernel) Get(tenantID string, id uuid.UUID) *timer.Instance {
	k.mu.RLock()
	defer k.mu.RUnlock()

	inst, ok := k.index[id]
	if !ok || inst.TenantID != tenantID {
		return nil
	}
	return inst.Clone()
}

// List returns every timer for tenantID, sorted ascending by FireAt.
func (k *Kernel) List(tenantID string) []*timer.Instance {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]*timer.Instance, 0)
	for _, inst := range k.index {
		if inst.TenantID == tenantID {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// Subscribe returns a fresh subscription to the envelope broadcast channel.
func (k *Kernel) Subscribe() *broadcast.Subscription {
	return k.broker.Subscribe()
}

// Restore loads every non-terminal timer from the store into the index and
// spawns a fire task for each. Each task's first action is the leader
// check, so follower nodes spawn inert tasks.
func (k *Kernel) Restore(ctx context.Context) error {
	active, err := k.store.LoadActive(ctx)
	if err != nil {
		return timer.WrapKernelError(timer.ErrPersistence, "restore: load active", err)
	}

	k.mu.Lock()
	for _, inst := range active {
		k.index[inst.ID] = inst.Clone()
	}
	k.mu.Unlock()

	for _, inst := range active {
		k.logger.Info("restoring timer",
			zap.String("timer_id", inst.ID.String()),
			zap.String("tenant_id", inst.TenantID),
			zap.String("status", string(inst.Status)),
		)
		k.spawnFireTask(inst.ID, inst.TenantID)
	}

	return nil
}

func (k *Kernel) appendCommand(ctx context.Context, rec commandlog.Record) {
	if k.commandLog == nil {
		return
	}
	if err := k.commandLog.Append(ctx, rec); err != nil {
		k.logger.Warn("command log append failed", zap.String("kind", string(rec.Kind)), zap.Error(err))
	}
}

func (k *Kernel) emit(tenantID, eventType string, data any, dedupeKey string) {
	env, err := k.signer.Sign(tenantID, dedupeKey, nil, eventType, data, time.Now())
	if err != nil {
		k.logger.Error("failed to sign envelope", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	k.broker.Publish(env)
}
