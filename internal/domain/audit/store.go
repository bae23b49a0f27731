package audit

import "context"

// EventSink persists audit events for external consumers.
// Interface owned by the domain per hexagonal architecture.
// Implementations: JSONL file store (prod), in-memory ring (dev/test).
type EventSink interface {
	// Append stores events in order. Implementations must preserve the
	// append order within a single call and across calls from the same
	// goroutine.
	Append(ctx context.Context, events ...Event) error

	// Flush forces pending events to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// EventReader provides read access to recent events for query surfaces.
type EventReader interface {
	// Recent returns up to n most recent events, newest first.
	Recent(n int) []Event
}
