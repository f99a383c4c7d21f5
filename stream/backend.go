package stream

import "context"

// Backend is the capability set an EventBus delegates to: publish, subscribe,
// one-shot retrieval, and trim. In-memory and Redis Streams are the two
// concrete implementations; no inheritance, a plain capability interface
// swapped in via configuration (see Config.Backend).
type Backend interface {
	// Publish persists and fans out an event for a run. Must be safe for
	// concurrent callers.
	Publish(ctx context.Context, runID string, event Event) error

	// Subscribe opens a live subscription. If includeHistorical is true,
	// stored events with Sequence >= fromSequence are replayed before live
	// events. The returned channel closes after the
	// terminal event is delivered or the context is cancelled; the error
	// channel carries at most one error before both channels close. Callers
	// must invoke the returned cancel func to release backend resources.
	Subscribe(ctx context.Context, runID string, fromSequence int64, includeHistorical bool) (<-chan Event, <-chan error, context.CancelFunc, error)

	// GetEvents retrieves stored events with Sequence >= fromSequence,
	// ordered by sequence, without opening a live tail. limit <= 0 means no
	// limit.
	GetEvents(ctx context.Context, runID string, fromSequence int64, limit int) ([]Event, error)

	// Trim deletes all stored events for a run.
	Trim(ctx context.Context, runID string) error

	// Close releases backend resources (connections, background sweeps).
	Close(ctx context.Context) error
}
