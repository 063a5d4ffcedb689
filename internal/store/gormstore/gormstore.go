// Package gormstore is the durable Timer Store backend. It opens a GORM
// connection via dbsupport.Open (the dual-driver strategy arkeep's
// internal/db uses: pure-Go SQLite or pooled Postgres) and applies its own
// embedded migrations, independent of any other component's schema.
package gormstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/minoots-io/horology-kernel/internal/dbsupport"
	"github.com/minoots-io/horology-kernel/internal/store"
	"github.com/minoots-io/horology-kernel/internal/timer"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the GORM-backed store.Store implementation.
type Store struct {
	db *gorm.DB
}

// New opens a database connection, applies pending migrations, and returns
// a ready-to-use Store.
func New(cfg dbsupport.ConnConfig) (*Store, error) {
	database, sqlDB, driver, err := dbsupport.Open(cfg, "gormstore")
	if err != nil {
		return nil, err
	}

	if err := runMigrations(sqlDB, driver, cfg.Logger); err != nil {
		return nil, fmt.Errorf("gormstore: migrations failed: %w", err)
	}

	return &Store{db: database}, nil
}

func (s *Store) LoadActive(ctx context.Context) ([]*timer.Instance, error) {
	var rows []row
	terminal := []string{string(timer.StatusCancelled), string(timer.StatusFailed), string(timer.StatusSettled)}
	if err := s.db.WithContext(ctx).
		Where("status NOT IN ?", terminal).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: load active: %w", err)
	}

	out := make([]*timer.Instance, 0, len(rows))
	for i := range rows {
		inst, err := rows[i].toInstance()
		if err != nil {
			return nil, fmt.Errorf("store: load active: decode %s: %w", rows[i].ID, err)
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, t *timer.Instance) error {
	r, err := fromInstance(t)
	if err != nil {
		return fmt.Errorf("store: upsert: encode: %w", err)
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "id"}},
			UpdateAll: true,
		}).
		Create(r).Error
	if err != nil {
		return fmt.Errorf("store: upsert: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tenantID string, id uuid.UUID) (*timer.Instance, error) {
	var r row
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id.String()).
		First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return r.toInstance()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate

	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}

	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("timer store migrations applied successfully")
	return nil
}
