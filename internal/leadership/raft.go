package leadership

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// noopFSM is a Raft FSM that replicates nothing: horology-kernel uses Raft
// only to elect a leader, not to replicate timer state (that is the Timer
// Store's job). Every Apply/Snapshot/Restore is a no-op, mirroring the
// original's RaftSupervisor design intent of a leadership-only consensus
// engine.
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{} { return nil }

func (noopFSM) Snapshot() (raft.FSMSnapshot, error) { return noopSnapshot{}, nil }

func (noopFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }

func (noopSnapshot) Release() {}

// RaftPeer is one member of the consensus peer group.
type RaftPeer struct {
	ID   string
	Addr string
}

// RaftConfig configures Replication Supervisor variant (B): a real Raft
// peer group used purely to elect a leader.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Peers    []RaftPeer // includes self; used for the initial bootstrap only
	Logger   *zap.Logger
}

// RaftSupervisor wraps a hashicorp/raft node, observing LeaderCh() to drive
// a Handle. Grounded on cuemby-warren's pkg/manager Manager.Bootstrap wiring
// (TCP transport, BoltDB log/stable store, file snapshot store).
type RaftSupervisor struct {
	raft   *raft.Raft
	logger *zap.Logger
}

// NewRaftSupervisor builds and bootstraps (if the data directory is empty) a
// Raft node for cfg.NodeID.
func NewRaftSupervisor(cfg RaftConfig) (*RaftSupervisor, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("leadership: failed to create raft data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("leadership: failed to resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("leadership: failed to create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("leadership: failed to create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("leadership: failed to create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("leadership: failed to create raft stable store: %w", err)
	}

	fsm := noopFSM{}
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("leadership: failed to create raft node: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return nil, fmt.Errorf("leadership: failed to inspect raft state: %w", err)
	}
	if !hasState && len(cfg.Peers) > 0 {
		servers := make([]raft.Server, 0, len(cfg.Peers))
		for _, p := range cfg.Peers {
			servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Addr)})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("leadership: failed to bootstrap raft cluster: %w", err)
		}
	}

	return &RaftSupervisor{raft: r, logger: cfg.Logger.Named("leadership.raft")}, nil
}

// Start watches raft.LeaderCh() and mirrors it onto a Handle. The goroutine
// exits when done is closed or Handle.Close is called; Raft itself keeps
// running until Shutdown is called separately.
func (s *RaftSupervisor) Start(done <-chan struct{}) *Handle {
	handle := NewHandle()
	handle.SetLeader(s.raft.State() == raft.Leader)

	go func() {
		for {
			select {
			case isLeader, ok := <-s.raft.LeaderCh():
				if !ok {
					return
				}
				handle.SetLeader(isLeader)
				s.logger.Info("raft leadership transition", zap.Bool("is_leader", isLeader))
			case <-done:
				return
			case <-handle.Done():
				return
			}
		}
	}()

	return handle
}

// Shutdown stops the underlying Raft node.
func (s *RaftSupervisor) Shutdown() error {
	return s.raft.Shutdown().Error()
}
