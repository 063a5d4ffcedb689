// Package timer holds the domain types shared by the timer kernel and its
// storage, replication, and signing collaborators. It has no dependencies on
// any of those packages so that they can all depend on it without forming an
// import cycle.
package timer

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle stage of a TimerInstance.
type Status string

const (
	StatusScheduled Status = "Scheduled"
	StatusArmed     Status = "Armed"
	StatusFired     Status = "Fired"
	StatusCancelled Status = "Cancelled"
	StatusFailed    Status = "Failed"
	StatusSettled   Status = "Settled"
)

// Terminal reports whether a status is one of the kernel's terminal states.
// A timer in a terminal state is never re-armed or re-fired.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusFailed, StatusSettled:
		return true
	default:
		return false
	}
}

// Spec is the caller-supplied request to schedule a new timer. Exactly one
// of Duration or FireAt must be set; the other is the zero value.
type Spec struct {
	TenantID     string
	RequestedBy  string
	Name         string
	Duration     time.Duration
	FireAt       time.Time
	Metadata     map[string]any
	Labels       map[string]string
	ActionBundle map[string]any
	AgentBinding map[string]any
}

// Instance is a durable timer record. Every mutation happens under the
// kernel's index write lock and bumps StateVersion by exactly one.
type Instance struct {
	ID           uuid.UUID
	TenantID     string
	RequestedBy  string
	Name         string
	DurationMS   int64
	CreatedAt    time.Time
	FireAt       time.Time
	Status       Status
	FiredAt      *time.Time
	CancelledAt  *time.Time
	SettledAt    *time.Time
	CancelReason string
	CancelledBy  string
	FailureReason string
	Metadata     map[string]any
	ActionBundle map[string]any
	AgentBinding map[string]any
	Labels       map[string]string
	StateVersion int64
}

// Clone returns a deep-enough copy safe to hand out of the index lock: the
// struct itself and its map fields are copied, so callers may read the
// result without racing the next mutation of the original.
func (t *Instance) Clone() *Instance {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Metadata = cloneAnyMap(t.Metadata)
	clone.ActionBundle = cloneAnyMap(t.ActionBundle)
	clone.AgentBinding = cloneAnyMap(t.AgentBinding)
	clone.Labels = cloneStringMap(t.Labels)
	if t.FiredAt != nil {
		v := *t.FiredAt
		clone.FiredAt = &v
	}
	if t.CancelledAt != nil {
		v := *t.CancelledAt
		clone.CancelledAt = &v
	}
	if t.SettledAt != nil {
		v := *t.SettledAt
		clone.SettledAt = &v
	}
	return &clone
}

// DedupeKey returns the envelope dedupe-key for the instance's current
// state_version: timer:<tenant_id>:<id>:<state_version>.
func (t *Instance) DedupeKey() string {
	return DedupeKey(t.TenantID, t.ID, t.StateVersion)
}

// DedupeKey builds the dedupe-key shape used by every emitted envelope.
func DedupeKey(tenantID string, id uuid.UUID, stateVersion int64) string {
	return "timer:" + tenantID + ":" + id.String() + ":" + strconv.FormatInt(stateVersion, 10)
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
