package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/minoots-io/horology-kernel/internal/commandlog"
	"github.com/minoots-io/horology-kernel/internal/commandlog/gormlog"
	"github.com/minoots-io/horology-kernel/internal/commandlog/memlog"
	"github.com/minoots-io/horology-kernel/internal/dbsupport"
	"github.com/minoots-io/horology-kernel/internal/eventsigner"
	"github.com/minoots-io/horology-kernel/internal/jitter"
	"github.com/minoots-io/horology-kernel/internal/kernel"
	"github.com/minoots-io/horology-kernel/internal/leadership"
	"github.com/minoots-io/horology-kernel/internal/store"
	"github.com/minoots-io/horology-kernel/internal/store/gormstore"
	"github.com/minoots-io/horology-kernel/internal/store/memstore"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	adminAddr    string
	dbDriver     string
	dbDSN        string
	logDSN       string // command log DSN; empty means share dbDSN
	eventSecret  string
	logLevel     string
	maxDuration  time.Duration
	jitterWindow int
	ephemeral    bool // memstore/memlog instead of GORM backends

	leaderMode string // "none", "coordinator", "raft"
	nodeID     string

	raftBindAddr string
	raftDataDir  string
	raftPeers    string // "id1=addr1,id2=addr2"

	heartbeatInterval time.Duration
	electionTimeout   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "kerneld",
		Short: "horology-kernel — multi-tenant timer kernel",
		Long: `kerneld schedules, durably records, and fires signed timers for many
tenants, broadcasting lifecycle events to downstream subscribers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.adminAddr, "admin-addr", envOrDefault("HORO_ADMIN_ADDR", ":8090"), "admin HTTP server listen address (healthz/readyz/metrics)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("HORO_DB_DRIVER", "sqlite"), "database driver for the Timer Store (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("HORO_DB_DSN", "./horology.db"), "Timer Store DSN or file path for sqlite")
	root.PersistentFlags().StringVar(&cfg.logDSN, "log-dsn", envOrDefault("HORO_LOG_DSN", ""), "Command Log DSN; empty shares --db-dsn")
	root.PersistentFlags().StringVar(&cfg.eventSecret, "event-secret", envOrDefault("HORO_EVENT_SECRET", ""), "HMAC secret for signed event envelopes (required in production)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("HORO_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.maxDuration, "max-duration", envDurationOrDefault("HORO_MAX_DURATION", kernel.DefaultMaxDuration), "maximum allowed timer delay")
	root.PersistentFlags().IntVar(&cfg.jitterWindow, "jitter-window", envIntOrDefault("HORO_JITTER_WINDOW", jitter.DefaultWindow), "number of fire-delta samples the jitter monitor retains")
	root.PersistentFlags().BoolVar(&cfg.ephemeral, "ephemeral", envOrDefault("HORO_EPHEMERAL", "false") == "true", "use in-memory store and command log instead of GORM backends (dev/test only)")

	root.PersistentFlags().StringVar(&cfg.leaderMode, "leader-mode", envOrDefault("HORO_LEADER_MODE", "none"), "replication supervisor: none, coordinator, or raft")
	root.PersistentFlags().StringVar(&cfg.nodeID, "node-id", envOrDefault("HORO_NODE_ID", ""), "this node's identity, required when --leader-mode is not none")

	root.PersistentFlags().StringVar(&cfg.raftBindAddr, "raft-bind-addr", envOrDefault("HORO_RAFT_BIND_ADDR", "127.0.0.1:7000"), "raft transport bind address")
	root.PersistentFlags().StringVar(&cfg.raftDataDir, "raft-data-dir", envOrDefault("HORO_RAFT_DATA_DIR", "./data/raft"), "raft log/stable/snapshot store directory")
	root.PersistentFlags().StringVar(&cfg.raftPeers, "raft-peers", envOrDefault("HORO_RAFT_PEERS", ""), "raft bootstrap peers as id1=addr1,id2=addr2 (include self)")

	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", envDurationOrDefault("HORO_HEARTBEAT_INTERVAL", 2*time.Second), "coordinator heartbeat interval")
	root.PersistentFlags().DurationVar(&cfg.electionTimeout, "election-timeout", envDurationOrDefault("HORO_ELECTION_TIMEOUT", 10*time.Second), "coordinator/election timeout before a leader is considered stale")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kerneld %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting kerneld",
		zap.String("version", version),
		zap.String("admin_addr", cfg.adminAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("leader_mode", cfg.leaderMode),
		zap.Bool("ephemeral", cfg.ephemeral),
	)

	timerStore, cmdLog, closeBackends, err := buildBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackends()

	signer, err := buildSigner(cfg, logger)
	if err != nil {
		return err
	}

	leaderHandle, stopLeadership, err := buildLeadership(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopLeadership()

	k, err := kernel.New(ctx, kernel.Config{
		Store:       timerStore,
		CommandLog:  cmdLog,
		Leader:      leaderHandle,
		Signer:      signer,
		Jitter:      jitter.New(cfg.jitterWindow),
		MaxDuration: cfg.maxDuration,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to construct kernel: %w", err)
	}

	if err := k.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore timers: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(k.Collectors()...)

	adminSrv := &http.Server{
		Addr:         cfg.adminAddr,
		Handler:      newAdminRouter(registry, logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		logger.Info("admin server listening", zap.String("addr", cfg.adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down kerneld")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server graceful shutdown error", zap.Error(err))
	}

	logger.Info("kerneld stopped")
	return nil
}

// buildBackends constructs the Timer Store and Command Log, either
// in-memory (--ephemeral) or GORM-backed. The command log shares the store's
// connection settings unless --log-dsn overrides it, since the two are
// independent collaborators by design (spec §4.2).
func buildBackends(cfg *config, logger *zap.Logger) (store.Store, commandlog.Log, func(), error) {
	if cfg.ephemeral {
		logger.Warn("running with in-memory store and command log; all state is lost on restart")
		return memstore.New(), memlog.New(), func() {}, nil
	}

	s, err := gormstore.New(dbsupport.ConnConfig{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open timer store: %w", err)
	}

	logDSN := cfg.logDSN
	if logDSN == "" {
		logDSN = cfg.dbDSN
	}
	l, err := gormlog.New(dbsupport.ConnConfig{
		Driver:   cfg.dbDriver,
		DSN:      logDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		s.Close() //nolint:errcheck
		return nil, nil, nil, fmt.Errorf("failed to open command log: %w", err)
	}

	return s, l, func() { s.Close() }, nil
}

func buildSigner(cfg *config, logger *zap.Logger) (*eventsigner.Signer, error) {
	secret := cfg.eventSecret
	if secret == "" {
		logger.Warn("no event secret configured; falling back to the development secret — do not use in production")
		secret = eventsigner.DevSecret
	}
	return eventsigner.New(secret)
}

// buildLeadership constructs the configured Replication Supervisor variant
// and returns the Handle every kernel operation reads plus a stop function.
// "none" returns a nil Handle, which Kernel treats as "every node leads".
func buildLeadership(ctx context.Context, cfg *config, logger *zap.Logger) (*leadership.Handle, func(), error) {
	switch cfg.leaderMode {
	case "", "none":
		return nil, func() {}, nil

	case "coordinator":
		if cfg.nodeID == "" {
			return nil, nil, fmt.Errorf("--node-id is required when --leader-mode=coordinator")
		}
		coord, err := leadership.NewCoordinator(leadership.CoordinatorConfig{
			ConnConfig: dbsupport.ConnConfig{
				Driver:   cfg.dbDriver,
				DSN:      cfg.dbDSN,
				Logger:   logger,
				LogLevel: gormLogLevel(cfg.logLevel),
			},
			NodeID:            cfg.nodeID,
			HeartbeatInterval: cfg.heartbeatInterval,
			ElectionTimeout:   cfg.electionTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to construct coordinator: %w", err)
		}
		handle := coord.Start(ctx)
		return handle, func() { handle.Close() }, nil

	case "raft":
		if cfg.nodeID == "" {
			return nil, nil, fmt.Errorf("--node-id is required when --leader-mode=raft")
		}
		peers, err := parseRaftPeers(cfg.raftPeers)
		if err != nil {
			return nil, nil, err
		}
		sup, err := leadership.NewRaftSupervisor(leadership.RaftConfig{
			NodeID:   cfg.nodeID,
			BindAddr: cfg.raftBindAddr,
			DataDir:  cfg.raftDataDir,
			Peers:    peers,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to construct raft supervisor: %w", err)
		}
		done := make(chan struct{})
		handle := sup.Start(done)
		return handle, func() {
			close(done)
			handle.Close()
			if err := sup.Shutdown(); err != nil {
				logger.Warn("raft shutdown error", zap.Error(err))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unrecognized --leader-mode %q, use none, coordinator, or raft", cfg.leaderMode)
	}
}

func parseRaftPeers(spec string) ([]leadership.RaftPeer, error) {
	if spec == "" {
		return nil, nil
	}
	parts := strings.Split(spec, ",")
	peers := make([]leadership.RaftPeer, 0, len(parts))
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("invalid --raft-peers entry %q, expected id=addr", p)
		}
		peers = append(peers, leadership.RaftPeer{ID: kv[0], Addr: kv[1]})
	}
	return peers, nil
}

// newAdminRouter exposes only ops surface: no timer CRUD lives here, since
// the HTTP/RPC adapter applications are an external collaborator out of
// scope for the kernel itself.
func newAdminRouter(registry *prometheus.Registry, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return r
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
