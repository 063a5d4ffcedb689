// Package dbsupport holds GORM plumbing shared by the Timer Store, Command
// Log, and Coordinator backends: a zap-backed gormlogger.Interface and the
// dual sqlite/postgres connection-opening routine they all need.
package dbsupport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	_ "modernc.org/sqlite"
)

// zapGORMLogger adapts a *zap.Logger to gormlogger.Interface so every GORM
// internal message is routed through the application logger.
type zapGORMLogger struct {
	log                       *zap.Logger
	level                     gormlogger.LogLevel
	slowQueryThreshold        time.Duration
	ignoreRecordNotFoundError bool
}

// NewLogger returns a gormlogger.Interface backed by the given *zap.Logger.
// Slow queries (>200ms) are logged as warnings at every level except Silent.
func NewLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &zapGORMLogger{
		log:                       log.WithOptions(zap.AddCallerSkip(3)),
		level:                     level,
		slowQueryThreshold:        200 * time.Millisecond,
		ignoreRecordNotFoundError: true,
	}
}

func (l *zapGORMLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *zapGORMLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !(l.ignoreRecordNotFoundError && errors.Is(err, gorm.ErrRecordNotFound)):
		l.log.Error("gorm query error", append(fields, zap.Error(err))...)
	case l.slowQueryThreshold > 0 && elapsed > l.slowQueryThreshold:
		l.log.Warn("gorm slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("gorm query", fields...)
	}
}

// ConnConfig is the shared shape of every component's connection config.
type ConnConfig struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Open opens a GORM connection using the dual sqlite/postgres strategy:
// pure-Go sqlite (modernc, single writer) or pooled postgres. It does not
// run migrations — callers run their own embedded migration set against the
// returned *sql.DB before using the *gorm.DB for queries.
func Open(cfg ConnConfig, component string) (*gorm.DB, *sql.DB, string, error) {
	if cfg.Logger == nil {
		return nil, nil, "", fmt.Errorf("%s: logger is required", component)
	}

	gormCfg := &gorm.Config{Logger: NewLogger(cfg.Logger, cfg.LogLevel)}

	switch cfg.Driver {
	case "sqlite", "":
		sqlDB, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, nil, "", fmt.Errorf("%s: failed to open sqlite: %w", component, err)
		}
		sqlDB.SetMaxOpenConns(1)

		database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, nil, "", fmt.Errorf("%s: failed to initialize gorm with sqlite: %w", component, err)
		}
		return database, sqlDB, "sqlite", nil

	case "postgres":
		database, err := gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, nil, "", fmt.Errorf("%s: failed to open postgres: %w", component, err)
		}
		sqlDB, err := database.DB()
		if err != nil {
			return nil, nil, "", fmt.Errorf("%s: failed to get sql.DB: %w", component, err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		return database, sqlDB, "postgres", nil

	default:
		return nil, nil, "", fmt.Errorf("%s: unsupported driver %q, use \"sqlite\" or \"postgres\"", component, cfg.Driver)
	}
}
