package events

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// Bus is an in-process publish/subscribe event bus. Publish never blocks:
// when a subscriber's buffer is full the oldest buffered event is dropped
// and an events_dropped notice is delivered before the next event that
// fits.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
	closed     bool
}

// Subscription is one subscriber's view of the bus. Close it when done to
// release the channel.
type Subscription struct {
	bus   *Bus
	ch    chan Event
	types map[EventType]struct{} // empty set means all events

	mu      sync.Mutex
	dropped int
	closed  bool
}

// NewBus creates an event bus with the given per-subscriber buffer size.
// Sizes below 1 fall back to DefaultBufferSize.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a subscriber for the given event types. With no types
// the subscriber receives every event.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	s := &Subscription{
		bus:   b,
		ch:    make(chan Event, b.bufferSize),
		types: make(map[EventType]struct{}, len(types)),
	}
	for _, t := range types {
		s.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.closed = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Events returns the subscriber's receive channel. The channel is closed
// when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Publish delivers an event to all matching subscribers. It never blocks.
func (b *Bus) Publish(t EventType, payload any) {
	evt := Event{Type: t, Timestamp: time.Now(), Payload: payload}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.matches(t) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(evt)
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
	}
}

func (s *Subscription) matches(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// deliver enqueues an event, dropping the oldest buffered event when the
// channel is full. A pending events_dropped notice is flushed first so the
// subscriber learns about the gap in order.
func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.dropped > 0 {
		notice := Event{
			Type:      EventEventsDropped,
			Timestamp: time.Now(),
			Payload:   DroppedPayload{Count: s.dropped},
		}
		select {
		case s.ch <- notice:
			s.dropped = 0
		default:
			// Still full; the gap keeps growing.
		}
	}

	select {
	case s.ch <- evt:
		return
	default:
	}

	// Buffer full: drop the oldest event to make room.
	select {
	case <-s.ch:
		s.dropped++
	default:
	}
	select {
	case s.ch <- evt:
	default:
		s.dropped++
		slog.Debug("Event dropped for slow subscriber", "type", evt.Type)
	}
}
