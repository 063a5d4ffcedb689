package leadership

import "time"

// coordinatorRow is the single-row durable leader-state table
// kernel_raft_state(id, leader_id, term, heartbeat_at), exactly as the
// original's PostgresRaftCoordinator defines it. The PK is a constant
// boolean-ish sentinel so there is always at most one row.
type coordinatorRow struct {
	ID          bool      `gorm:"column:id;primaryKey"`
	LeaderID    string    `gorm:"column:leader_id"`
	Term        int64     `gorm:"column:term"`
	HeartbeatAt time.Time `gorm:"column:heartbeat_at"`
}

func (coordinatorRow) TableName() string { return "kernel_raft_state" }
