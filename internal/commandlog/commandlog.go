// Package commandlog defines the Command Log contract: an append-only,
// write-ahead audit trail of Schedule/Cancel/Fire/Settle records. It is the
// secondary recovery source; primary recovery is always from the Timer
// Store.
package commandlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/minoots-io/horology-kernel/internal/timer"
)

// Kind tags the shape of Record.Payload.
type Kind string

const (
	KindSchedule Kind = "Schedule"
	KindCancel   Kind = "Cancel"
	KindFire     Kind = "Fire"
	KindSettle   Kind = "Settle"
	KindFail     Kind = "Fail"
)

// Record is one entry in the command log. Payload holds the kind-specific
// fields; only one of Timer / Fire is populated, selected by Kind.
type Record struct {
	Kind      Kind
	Timer     *timer.Instance // Schedule, Cancel, Settle
	Fire      *FirePayload    // Fire
	RecordedAt time.Time
}

// FirePayload is the minimal payload recorded for a Fire command — the full
// instance is not needed because Settle immediately follows with the full
// snapshot.
type FirePayload struct {
	TimerID  uuid.UUID
	TenantID string
	FiredAt  time.Time
}

// Log is implemented by the in-memory (memlog) and GORM-backed (gormlog)
// command logs.
type Log interface {
	// Append persists a record. Records are persisted in call order on a
	// single leader; across leader changeovers the log may have gaps but
	// never lose a committed prefix.
	Append(ctx context.Context, rec Record) error
}
