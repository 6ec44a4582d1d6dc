package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToMatchingSubscriber(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	sub := bus.Subscribe(EventCacheHit)
	defer sub.Close()

	bus.Publish(EventCacheHit, nil)
	bus.Publish(EventCacheMiss, nil) // not subscribed

	evt := <-sub.Events()
	assert.Equal(t, EventCacheHit, evt.Type)
	assert.False(t, evt.Timestamp.IsZero())

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event %s", evt.Type)
	default:
	}
}

func TestBusSubscribeAllTypes(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(EventRoutingDecision, nil)
	bus.Publish(EventAgentQuarantined, nil)

	assert.Equal(t, EventRoutingDecision, (<-sub.Events()).Type)
	assert.Equal(t, EventAgentQuarantined, (<-sub.Events()).Type)
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	sub := bus.Subscribe(EventOperationCompleted, EventEventsDropped)
	defer sub.Close()

	// Fill the buffer and overflow by one.
	bus.Publish(EventOperationCompleted, 1)
	bus.Publish(EventOperationCompleted, 2)
	bus.Publish(EventOperationCompleted, 3)

	// Oldest (payload 1) was dropped to make room for 3.
	first := <-sub.Events()
	require.Equal(t, EventOperationCompleted, first.Type)
	assert.Equal(t, 2, first.Payload)

	second := <-sub.Events()
	assert.Equal(t, 3, second.Payload)

	// Next publish flushes the events_dropped notice first.
	bus.Publish(EventOperationCompleted, 4)
	notice := <-sub.Events()
	require.Equal(t, EventEventsDropped, notice.Type)
	assert.Equal(t, DroppedPayload{Count: 1}, notice.Payload)
	assert.Equal(t, 4, (<-sub.Events()).Payload)
}

func TestBusCloseClosesSubscriberChannels(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe()

	bus.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after close is a no-op, not a panic.
	assert.NotPanics(t, func() { bus.Publish(EventCacheHit, nil) })
}

func TestSubscriptionCloseTwiceDoesNotPanic(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	sub := bus.Subscribe()
	sub.Close()
	assert.NotPanics(t, func() { sub.Close() })
}
