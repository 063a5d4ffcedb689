// Package leadership provides the Leader Handle primitive and the two
// Replication Supervisor variants that drive it: a single-row Coordinator
// over a durable store, and a Raft-backed Supervisor for a real consensus
// peer group.
package leadership

import (
	"sync"
	"sync/atomic"
)

// Handle is a two-state {leader, follower} primitive with a shutdown
// notification, read lock-free by every kernel operation and mutated only
// by the replication supervisor that owns it.
//
// Go has no destructors, so the Rust original's Drop-triggered shutdown
// becomes an explicit Close: callers that construct a Handle's owning
// supervisor are responsible for calling Close when the node is shutting
// down.
type Handle struct {
	leader atomic.Bool

	mu       sync.Mutex
	shutdown chan struct{}
	closed   bool
}

// NewHandle returns a Handle starting as a follower.
func NewHandle() *Handle {
	return &Handle{shutdown: make(chan struct{})}
}

// IsLeader is a lock-free read safe to call from any kernel operation.
func (h *Handle) IsLeader() bool {
	return h.leader.Load()
}

// SetLeader is called only by the owning replication supervisor.
func (h *Handle) SetLeader(v bool) {
	h.leader.Store(v)
}

// Done returns a channel closed once Close has been called.
func (h *Handle) Done() <-chan struct{} {
	return h.shutdown
}

// Close signals shutdown exactly once and flips the handle to follower.
// Safe to call multiple times or concurrently.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.shutdown)
	}
	h.leader.Store(false)
}
