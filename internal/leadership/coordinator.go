package leadership

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/minoots-io/horology-kernel/internal/dbsupport"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// CoordinatorConfig configures the single-row durable consensus variant.
type CoordinatorConfig struct {
	dbsupport.ConnConfig
	NodeID            string
	HeartbeatInterval time.Duration
	ElectionTimeout   time.Duration
}

// Coordinator implements Replication Supervisor variant (A): single-row
// consensus over a durable store, exactly as the original's
// PostgresRaftCoordinator: a heartbeat loop refreshing the row while
// leading, and an election loop that reads the row every jittered
// election-timeout interval and applies the takeover rules.
type Coordinator struct {
	db                *gorm.DB
	nodeID            string
	heartbeatInterval time.Duration
	electionTimeout   time.Duration
	logger            *zap.Logger
}

// NewCoordinator opens the durable connection, applies the leader-state
// migration, and returns a ready-to-Start Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("leadership: node id is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = 10 * time.Second
	}

	database, sqlDB, driver, err := dbsupport.Open(cfg.ConnConfig, "leadership")
	if err != nil {
		return nil, err
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("leadership: failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("leadership: failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return nil, fmt.Errorf("leadership: failed to create migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return nil, fmt.Errorf("leadership: failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return nil, fmt.Errorf("leadership: failed to create migrator: %w", err)
		}
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("leadership: migrations failed: %w", err)
	}

	return &Coordinator{
		db:                database,
		nodeID:            cfg.NodeID,
		heartbeatInterval: cfg.HeartbeatInterval,
		electionTimeout:   cfg.ElectionTimeout,
		logger:            cfg.Logger.Named("leadership.coordinator"),
	}, nil
}

// Start launches the heartbeat and election loops and returns the Handle
// they drive. The loops exit when ctx is done or Handle.Close is called.
func (c *Coordinator) Start(ctx context.Context) *Handle {
	handle := NewHandle()

	go c.heartbeatLoop(ctx, handle)
	go c.electionLoop(ctx, handle)

	return handle
}

func (c *Coordinator) heartbeatLoop(ctx context.Context, handle *Handle) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-handle.Done():
			return
		case <-ticker.C:
			if !handle.IsLeader() {
				continue
			}
			result := c.db.WithContext(ctx).
				Model(&coordinatorRow{}).
				Where("id = ? AND leader_id = ?", true, c.nodeID).
				Update("heartbeat_at", time.Now().UTC())
			if result.Error != nil {
				c.logger.Error("heartbeat update failed", zap.Error(result.Error))
				handle.SetLeader(false)
				continue
			}
			if result.RowsAffected == 0 {
				c.logger.Warn("heartbeat found no matching leader row; stepping down")
				handle.SetLeader(false)
			}
		}
	}
}

func (c *Coordinator) electionLoop(ctx context.Context, handle *Handle) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-handle.Done():
			return
		case <-time.After(jitteredInterval(c.electionTimeout)):
			if err := c.runElectionRound(ctx, handle); err != nil {
				c.logger.Error("election round failed", zap.Error(err))
			}
		}
	}
}

// runElectionRound mirrors the original's run_election_round exactly.
func (c *Coordinator) runElectionRound(ctx context.Context, handle *Handle) error {
	var row coordinatorRow
	err := c.db.WithContext(ctx).First(&row, "id = ?", true).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		inserted := coordinatorRow{ID: true, LeaderID: c.nodeID, Term: 1, HeartbeatAt: time.Now().UTC()}
		result := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&inserted)
		if result.Error != nil {
			return result.Error
		}
		handle.SetLeader(result.RowsAffected > 0)
		return nil

	case err != nil:
		return err
	}

	fresh := time.Since(row.HeartbeatAt) < c.electionTimeout

	switch {
	case row.LeaderID == c.nodeID:
		if fresh {
			handle.SetLeader(true)
			return nil
		}
		won, err := c.takeover(ctx, row.Term+1, true)
		if err != nil {
			return err
		}
		handle.SetLeader(won)
		return nil

	case fresh:
		handle.SetLeader(false)
		return nil

	default:
		won, err := c.takeover(ctx, row.Term+1, false)
		if err != nil {
			return err
		}
		handle.SetLeader(won)
		return nil
	}
}

// takeover performs the conditional UPDATE that decides a leadership race:
// it only succeeds if allowCurrent is true (we already held the seat) or
// the row's heartbeat has gone stale since we last read it.
func (c *Coordinator) takeover(ctx context.Context, term int64, allowCurrent bool) (bool, error) {
	query := c.db.WithContext(ctx).
		Model(&coordinatorRow{}).
		Where("id = ?", true)

	if allowCurrent {
		query = query.Where("leader_id = ? OR heartbeat_at < ?", c.nodeID, time.Now().UTC().Add(-c.electionTimeout))
	} else {
		query = query.Where("heartbeat_at < ?", time.Now().UTC().Add(-c.electionTimeout))
	}

	result := query.Updates(map[string]any{
		"leader_id":    c.nodeID,
		"term":         term,
		"heartbeat_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// jitteredInterval multiplies base by a random factor in [0.6, 1.2), floored
// at 100ms, exactly as the original's jittered_interval.
func jitteredInterval(base time.Duration) time.Duration {
	factor := 0.6 + rand.Float64()*0.6
	d := time.Duration(float64(base) * factor)
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}
