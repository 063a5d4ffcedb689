package memlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minoots-io/horology-kernel/internal/commandlog"
	"github.com/minoots-io/horology-kernel/internal/timer"
)

func TestLog_AppendPreservesOrder(t *testing.T) {
	l := New()

	require.NoError(t, l.Append(context.Background(), commandlog.Record{
		Kind: commandlog.KindSchedule, Timer: &timer.Instance{}, RecordedAt: time.Now(),
	}))
	require.NoError(t, l.Append(context.Background(), commandlog.Record{
		Kind: commandlog.KindCancel, Timer: &timer.Instance{}, RecordedAt: time.Now(),
	}))

	records := l.Records()
	require.Len(t, records, 2)
	assert.Equal(t, commandlog.KindSchedule, records[0].Kind)
	assert.Equal(t, commandlog.KindCancel, records[1].Kind)
}
