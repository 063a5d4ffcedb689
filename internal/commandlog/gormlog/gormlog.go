// Package gormlog is the durable Command Log backend: one append-only GORM
// table, tagged by Kind with a JSON payload column, mirroring the shape
// arkeep's JobLog table uses for per-job audit lines (see
// repositories.JobRepository.BulkCreateLogs).
package gormlog

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/minoots-io/horology-kernel/internal/commandlog"
	"github.com/minoots-io/horology-kernel/internal/dbsupport"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type row struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Kind       string    `gorm:"column:kind"`
	Payload    string    `gorm:"column:payload"`
	RecordedAt time.Time `gorm:"column:recorded_at"`
}

func (row) TableName() string { return "command_log" }

// Log is the GORM-backed commandlog.Log implementation.
type Log struct {
	db *gorm.DB
}

// New opens a database connection, applies pending migrations, and returns
// a ready-to-use Log. It is independent of gormstore's connection — a
// deployment MAY point the store and the command log at different DSNs.
func New(cfg dbsupport.ConnConfig) (*Log, error) {
	database, sqlDB, driver, err := dbsupport.Open(cfg, "gormlog")
	if err != nil {
		return nil, err
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("gormlog: failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("gormlog: failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return nil, fmt.Errorf("gormlog: failed to create migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return nil, fmt.Errorf("gormlog: failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return nil, fmt.Errorf("gormlog: failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("gormlog: migrations failed: %w", err)
	}
	cfg.Logger.Info("command log migrations applied successfully")

	return &Log{db: database}, nil
}

func (l *Log) Append(ctx context.Context, rec commandlog.Record) error {
	var payload any
	switch rec.Kind {
	case commandlog.KindFire:
		payload = rec.Fire
	default:
		payload = rec.Timer
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("commandlog: encode: %w", err)
	}

	r := row{
		ID:         uuid.NewString(),
		Kind:       string(rec.Kind),
		Payload:    string(b),
		RecordedAt: rec.RecordedAt.UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&r).Error; err != nil {
		return fmt.Errorf("commandlog: append: %w", err)
	}
	return nil
}
