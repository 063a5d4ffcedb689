// Package jitter maintains a window-smoothed estimate of observed
// fire-time error (actual minus scheduled, in milliseconds) and computes a
// bounded compensation hint used to shift a timer's next fire instant
// slightly earlier to counteract systemic scheduling lag.
//
// Constants and algorithm mirror the original implementation's telemetry
// jitter monitor exactly.
package jitter

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultWindow is the number of samples retained for the running mean.
	DefaultWindow = 64
	// MinLeadMS is the minimum lead time, in milliseconds, that
	// AdjustFireAt will ever return relative to now.
	MinLeadMS = 5
	// MaxCompensationMS bounds the compensation hint in either direction.
	MaxCompensationMS = 500
)

// Sample is one recorded observation.
type Sample struct {
	TimerID    uuid.UUID
	TenantID   string
	DeltaMS    int64
	RecordedAt time.Time
}

// Monitor is safe for concurrent use by multiple fire tasks.
type Monitor struct {
	mu      sync.Mutex
	window  int
	samples []int64 // sliding window, oldest first
	sum     int64
}

// New returns a Monitor retaining at most window samples. A non-positive
// window is floored to 1.
func New(window int) *Monitor {
	if window < 1 {
		window = 1
	}
	return &Monitor{window: window}
}

// NewDefault returns a Monitor using DefaultWindow.
func NewDefault() *Monitor {
	return New(DefaultWindow)
}

// Record appends a new delta sample (actual - scheduled) and returns it.
func (m *Monitor) Record(scheduled, actual time.Time, timerID uuid.UUID, tenantID string) Sample {
	deltaMS := actual.Sub(scheduled).Milliseconds()

	m.mu.Lock()
	m.samples = append(m.samples, deltaMS)
	m.sum += deltaMS
	if len(m.samples) > m.window {
		expired := m.samples[0]
		m.samples = m.samples[1:]
		m.sum -= expired
	}
	m.mu.Unlock()

	return Sample{
		TimerID:    timerID,
		TenantID:   tenantID,
		DeltaMS:    deltaMS,
		RecordedAt: time.Now().UTC(),
	}
}

// CompensationHintMS returns the current mean delta, clamped to
// [-MaxCompensationMS, +MaxCompensationMS]. Zero if no samples recorded yet.
func (m *Monitor) CompensationHintMS() int64 {
	m.mu.Lock()
	n := len(m.samples)
	sum := m.sum
	m.mu.Unlock()

	if n == 0 {
		return 0
	}

	average := float64(sum) / float64(n)
	if average > MaxCompensationMS {
		return MaxCompensationMS
	}
	if average < -MaxCompensationMS {
		return -MaxCompensationMS
	}
	return roundToInt64(average)
}

// AdjustFireAt returns max(now+MinLeadMS, target-hint), so the adjustment
// never places the fire instant in the past.
func (m *Monitor) AdjustFireAt(now, target time.Time) time.Time {
	hint := m.CompensationHintMS()
	candidate := target.Add(-time.Duration(hint) * time.Millisecond)
	minimum := now.Add(MinLeadMS * time.Millisecond)
	if candidate.Before(minimum) {
		return minimum
	}
	return candidate
}

func roundToInt64(f float64) int64 {
	if f >= 0 {
		return int64(f + 0.5)
	}
	return -int64(-f + 0.5)
}
