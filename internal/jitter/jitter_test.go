package jitter

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMonitor_AveragesSamplesWithClampedCompensation(t *testing.T) {
	m := New(3)
	now := time.Now()
	timerID := uuid.New()

	for _, offset := range []int64{10, 20, 30} {
		m.Record(now, now.Add(time.Duration(offset)*time.Millisecond), timerID, "tenant")
	}
	assert.Equal(t, int64(20), m.CompensationHintMS())

	// Window is 3, so this pushes out the 10ms sample; the outlier should
	// still be clamped to MaxCompensationMS.
	m.Record(now, now.Add(5000*time.Millisecond), timerID, "tenant")
	assert.Equal(t, int64(MaxCompensationMS), m.CompensationHintMS())
}

func TestMonitor_AdjustFireAtNeverReturnsPastNow(t *testing.T) {
	m := NewDefault()
	now := time.Now()
	scheduled := now.Add(100 * time.Millisecond)

	// Negative jitter (firing early) gives a negative hint, which moves the
	// adjusted fire time later; the result still respects the minimum lead.
	m.Record(scheduled, scheduled.Add(-80*time.Millisecond), uuid.New(), "tenant")

	adjusted := m.AdjustFireAt(now, scheduled)
	assert.True(t, !adjusted.Before(now.Add(MinLeadMS*time.Millisecond)))
}

func TestMonitor_NoSamplesNoAdjustment(t *testing.T) {
	m := NewDefault()
	now := time.Now()
	target := now.Add(time.Second)
	assert.Equal(t, target, m.AdjustFireAt(now, target))
}
