package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minoots-io/horology-kernel/internal/eventsigner"
)

func TestBroker_DeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	env := &eventsigner.Envelope{DedupeKey: "timer:t:1:0"}
	b.Publish(env)

	msg := <-sub.C()
	require.NotNil(t, msg.Envelope)
	assert.Equal(t, "timer:t:1:0", msg.Envelope.DedupeKey)
	assert.False(t, msg.Lagged)
}

func TestBroker_NoSubscribersIsFine(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() {
		b.Publish(&eventsigner.Envelope{})
	})
}

func TestBroker_SlowSubscriberObservesLag(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < bufferSize+5; i++ {
		b.Publish(&eventsigner.Envelope{DedupeKey: "timer:t:1:" + string(rune('0'+i%10))})
	}

	sawLag := false
	for i := 0; i < bufferSize; i++ {
		msg := <-sub.C()
		if msg.Lagged {
			sawLag = true
			break
		}
	}
	assert.True(t, sawLag, "expected a lag signal after overflowing the buffer")
}

func TestSubscription_CloseClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
}
