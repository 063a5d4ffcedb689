// Package broadcast is a bounded-capacity pub/sub fan-out of signed event
// envelopes. It is modeled on the subscriber-registry pattern of a
// zap-logged event broker (buffered per-subscriber channel, best-effort
// delivery) but adds an explicit "lagged" signal instead of a silent drop:
// a subscriber who falls behind is told so on its next receive, rather than
// losing envelopes invisibly.
package broadcast

import (
	"sync"

	"github.com/minoots-io/horology-kernel/internal/eventsigner"
)

// bufferSize is the per-subscriber channel capacity.
const bufferSize = 64

// Message is delivered to subscribers. Lagged is true when one or more
// envelopes were dropped before this one because the subscriber's buffer
// was full; Envelope is nil in that case.
type Message struct {
	Envelope *eventsigner.Envelope
	Lagged   bool
}

// Subscription is a handle returned by Broker.Subscribe.
type Subscription struct {
	ch     chan Message
	broker *Broker
}

// C returns the channel to receive messages on.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close unregisters the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// Broker is safe for concurrent Publish/Subscribe/unsubscribe.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]bool
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{subscribers: make(map[*Subscription]bool)}
}

// Subscribe registers a fresh subscriber and returns its handle.
func (b *Broker) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Message, bufferSize)}
	sub.broker = b

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish offers the envelope to every current subscriber. Delivery is
// best-effort: a subscriber whose buffer is full does not block the
// publisher and instead has a Lagged message queued for its next receive
// (replacing whichever message it would have displaced, so one lag
// notification always eventually reaches it without unbounded queuing).
func (b *Broker) Publish(env *eventsigner.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- Message{Envelope: env}:
		default:
			b.markLagged(sub)
		}
	}
}

// markLagged drops the oldest queued message, if any, to make room for a
// Lagged marker, so a slow subscriber is guaranteed to observe the gap
// signal rather than silently missing envelopes forever.
func (b *Broker) markLagged(sub *Subscription) {
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- Message{Lagged: true}:
	default:
	}
}
