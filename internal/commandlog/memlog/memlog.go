// Package memlog is an in-memory Log for single-node deployments and tests.
// Entries are lost on restart — callers relying on durability need gormlog.
package memlog

import (
	"context"
	"sync"

	"github.com/minoots-io/horology-kernel/internal/commandlog"
)

// Log is a mutex-guarded slice satisfying commandlog.Log.
type Log struct {
	mu      sync.Mutex
	records []commandlog.Record
}

// New returns an empty in-memory command log.
func New() *Log {
	return &Log{}
}

func (l *Log) Append(ctx context.Context, rec commandlog.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// Records returns a snapshot of everything appended so far, oldest first.
// Exposed for tests that assert on the audit trail.
func (l *Log) Records() []commandlog.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]commandlog.Record, len(l.records))
	copy(out, l.records)
	return out
}
