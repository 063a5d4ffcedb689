package leadership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minoots-io/horology-kernel/internal/dbsupport"
)

// newTestCoordinator builds a Coordinator against a private in-memory
// sqlite database, mirroring the Rust original's tokio integration tests
// but skipping the wait-for-condition polling style in favor of
// require.Eventually, which is what cuemby-warren's unit tests use.
func newTestCoordinator(t *testing.T, nodeID string) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorConfig{
		ConnConfig: dbsupport.ConnConfig{
			Driver: "sqlite",
			DSN:    ":memory:",
			Logger: zap.NewNop(),
		},
		NodeID:            nodeID,
		HeartbeatInterval: 20 * time.Millisecond,
		ElectionTimeout:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestCoordinator_SingleNodeBecomesLeader(t *testing.T) {
	c := newTestCoordinator(t, "node-a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := c.Start(ctx)
	defer handle.Close()

	require.Eventually(t, handle.IsLeader, 2*time.Second, 10*time.Millisecond,
		"the only node in the group should win leadership")
}

func TestCoordinator_StepsDownWhenHeartbeatRowDisappears(t *testing.T) {
	c := newTestCoordinator(t, "node-a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handle := c.Start(ctx)
	defer handle.Close()

	require.Eventually(t, handle.IsLeader, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.db.Exec("DELETE FROM kernel_raft_state").Error)

	require.Eventually(t, func() bool { return !handle.IsLeader() }, 2*time.Second, 10*time.Millisecond,
		"a missing leader row should make the heartbeat loop step down")
}

func TestHandle_CloseStopsLoops(t *testing.T) {
	c := newTestCoordinator(t, "node-a")
	ctx := context.Background()

	handle := c.Start(ctx)
	require.Eventually(t, handle.IsLeader, 2*time.Second, 10*time.Millisecond)

	handle.Close()
	assert.False(t, handle.IsLeader())

	select {
	case <-handle.Done():
	default:
		t.Fatal("expected Done() to be closed after Close")
	}
}
