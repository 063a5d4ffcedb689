package gormlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minoots-io/horology-kernel/internal/commandlog"
	"github.com/minoots-io/horology-kernel/internal/dbsupport"
	"github.com/minoots-io/horology-kernel/internal/timer"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(dbsupport.ConnConfig{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return l
}

func TestLog_AppendScheduleRecord(t *testing.T) {
	l := newTestLog(t)

	inst := &timer.Instance{ID: uuid.New(), TenantID: "tenant-a", Status: timer.StatusScheduled}
	err := l.Append(context.Background(), commandlog.Record{
		Kind:       commandlog.KindSchedule,
		Timer:      inst,
		RecordedAt: time.Now(),
	})
	require.NoError(t, err)

	var rows []row
	require.NoError(t, l.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, string(commandlog.KindSchedule), rows[0].Kind)
}

func TestLog_AppendFireRecordUsesFirePayload(t *testing.T) {
	l := newTestLog(t)

	err := l.Append(context.Background(), commandlog.Record{
		Kind: commandlog.KindFire,
		Fire: &commandlog.FirePayload{TimerID: uuid.New(), TenantID: "tenant-a", FiredAt: time.Now()},
		RecordedAt: time.Now(),
	})
	require.NoError(t, err)

	var rows []row
	require.NoError(t, l.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, string(commandlog.KindFire), rows[0].Kind)
	assert.Contains(t, rows[0].Payload, "tenant-a")
}
