package memory

import (
	"context"
	"sync"

	"github.com/keywarden/keywarden/internal/domain/audit"
)

// DefaultEventCapacity bounds the in-memory event ring.
const DefaultEventCapacity = 1000

// EventSink implements audit.EventSink with a bounded in-memory ring.
// The newest events win; older ones are evicted FIFO. It doubles as the
// audit.EventReader behind the recent-events query surface.
type EventSink struct {
	mu       sync.RWMutex
	events   []audit.Event
	capacity int
}

// NewEventSink creates an event ring with the default capacity.
func NewEventSink() *EventSink {
	return NewEventSinkWithCapacity(DefaultEventCapacity)
}

// NewEventSinkWithCapacity creates an event ring holding up to capacity
// events.
func NewEventSinkWithCapacity(capacity int) *EventSink {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventSink{capacity: capacity}
}

// Append stores events in order, evicting the oldest past capacity.
func (s *EventSink) Append(_ context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, events...)
	if excess := len(s.events) - s.capacity; excess > 0 {
		s.events = append([]audit.Event(nil), s.events[excess:]...)
	}
	return nil
}

// Flush is a no-op for the in-memory sink.
func (s *EventSink) Flush(context.Context) error { return nil }

// Close is a no-op for the in-memory sink.
func (s *EventSink) Close() error { return nil }

// Recent returns up to n most recent events, newest first.
func (s *EventSink) Recent(n int) []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	out := make([]audit.Event, n)
	for i := 0; i < n; i++ {
		out[i] = s.events[len(s.events)-1-i]
	}
	return out
}

// Len returns the number of buffered events.
func (s *EventSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Compile-time interface verification.
var (
	_ audit.EventSink   = (*EventSink)(nil)
	_ audit.EventReader = (*EventSink)(nil)
)
