package gormstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/minoots-io/horology-kernel/internal/timer"
)

// row is the GORM-mapped shape of the timers table. Structured fields
// (Metadata, ActionBundle, AgentBinding, Labels) are stored as JSON text —
// GORM has no first-class map column type portable across sqlite/postgres,
// so the row marshals them the same way arkeep's EncryptedString wraps a
// transparent codec around a plain text column.
type row struct {
	TenantID      string `gorm:"column:tenant_id;primaryKey"`
	ID            string `gorm:"column:id;primaryKey"`
	RequestedBy   string `gorm:"column:requested_by"`
	Name          string `gorm:"column:name"`
	DurationMS    int64  `gorm:"column:duration_ms"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	FireAt        time.Time  `gorm:"column:fire_at"`
	Status        string     `gorm:"column:status"`
	FiredAt       *time.Time `gorm:"column:fired_at"`
	CancelledAt   *time.Time `gorm:"column:cancelled_at"`
	SettledAt     *time.Time `gorm:"column:settled_at"`
	CancelReason  string `gorm:"column:cancel_reason"`
	CancelledBy   string `gorm:"column:cancelled_by"`
	FailureReason string `gorm:"column:failure_reason"`
	Metadata      string `gorm:"column:metadata"`
	ActionBundle  string `gorm:"column:action_bundle"`
	AgentBinding  string `gorm:"column:agent_binding"`
	Labels        string `gorm:"column:labels"`
	StateVersion  int64  `gorm:"column:state_version"`
}

func (row) TableName() string { return "timers" }

func fromInstance(t *timer.Instance) (*row, error) {
	metadata, err := marshalMap(t.Metadata)
	if err != nil {
		return nil, err
	}
	actionBundle, err := marshalMap(t.ActionBundle)
	if err != nil {
		return nil, err
	}
	agentBinding, err := marshalMap(t.AgentBinding)
	if err != nil {
		return nil, err
	}
	labels, err := marshalLabels(t.Labels)
	if err != nil {
		return nil, err
	}

	return &row{
		TenantID:      t.TenantID,
		ID:            t.ID.String(),
		RequestedBy:   t.RequestedBy,
		Name:          t.Name,
		DurationMS:    t.DurationMS,
		CreatedAt:     t.CreatedAt,
		FireAt:        t.FireAt,
		Status:        string(t.Status),
		FiredAt:       t.FiredAt,
		CancelledAt:   t.CancelledAt,
		SettledAt:     t.SettledAt,
		CancelReason:  t.CancelReason,
		CancelledBy:   t.CancelledBy,
		FailureReason: t.FailureReason,
		Metadata:      metadata,
		ActionBundle:  actionBundle,
		AgentBinding:  agentBinding,
		Labels:        labels,
		StateVersion:  t.StateVersion,
	}, nil
}

func (r *row) toInstance() (*timer.Instance, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, err
	}
	metadata, err := unmarshalMap(r.Metadata)
	if err != nil {
		return nil, err
	}
	actionBundle, err := unmarshalMap(r.ActionBundle)
	if err != nil {
		return nil, err
	}
	agentBinding, err := unmarshalMap(r.AgentBinding)
	if err != nil {
		return nil, err
	}
	labels, err := unmarshalLabels(r.Labels)
	if err != nil {
		return nil, err
	}

	return &timer.Instance{
		ID:            id,
		TenantID:      r.TenantID,
		RequestedBy:   r.RequestedBy,
		Name:          r.Name,
		DurationMS:    r.DurationMS,
		CreatedAt:     r.CreatedAt,
		FireAt:        r.FireAt,
		Status:        timer.Status(r.Status),
		FiredAt:       r.FiredAt,
		CancelledAt:   r.CancelledAt,
		SettledAt:     r.SettledAt,
		CancelReason:  r.CancelReason,
		CancelledBy:   r.CancelledBy,
		FailureReason: r.FailureReason,
		Metadata:      metadata,
		ActionBundle:  actionBundle,
		AgentBinding:  agentBinding,
		Labels:        labels,
		StateVersion:  r.StateVersion,
	}, nil
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalLabels(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalLabels(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
