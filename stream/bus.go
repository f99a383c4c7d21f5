package stream

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/codes"

	streamerrors "dockrion.dev/events/stream/errors"
	"dockrion.dev/events/telemetry"
)

// EventBus is a pure facade over a Backend: it owns no state of its own
// beyond the backend reference, and adds structured logging, metrics, and
// tracing around the backend's capability methods.
type EventBus struct {
	backend Backend
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// NewEventBus constructs an EventBus over the given backend. A nil logger,
// metrics recorder, or tracer falls back to a no-op implementation.
func NewEventBus(backend Backend, logger telemetry.Logger, metrics telemetry.Metrics, opts ...EventBusOption) *EventBus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	b := &EventBus{backend: backend, logger: logger, metrics: metrics, tracer: telemetry.NewNoopTracer()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EventBusOption configures an EventBus at construction time.
type EventBusOption func(*EventBus)

// WithTracer attaches a tracer so Publish/Subscribe each produce a span
// around the backend call they make.
func WithTracer(tracer telemetry.Tracer) EventBusOption {
	return func(b *EventBus) { b.tracer = tracer }
}

// Backend returns the underlying backend, e.g. for health checks.
func (b *EventBus) Backend() Backend {
	return b.backend
}

// Publish persists and fans out an event for a run. The span it opens
// covers only the write; delivery to subscribers is not recorded on any
// span.
func (b *EventBus) Publish(ctx context.Context, runID string, event Event) error {
	ctx, span := b.tracer.Start(ctx, "stream.EventBus.Publish")
	defer span.End()
	span.AddEvent("publish", "run_id", runID, "event_type", string(event.Type), "sequence", event.Sequence)

	if err := b.backend.Publish(ctx, runID, event); err != nil {
		var already *streamerrors.AlreadyTerminal
		if errors.As(err, &already) {
			b.logger.Debug(ctx, "publish after terminal dropped", "run_id", runID, "event_type", string(event.Type), "sequence", event.Sequence)
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Error(ctx, "event publish failed", "run_id", runID, "event_type", string(event.Type), "error", err.Error())
		return err
	}
	b.metrics.IncCounter("events_published_total", 1, "type", string(event.Type))
	b.logger.Debug(ctx, "event published", "run_id", runID, "event_type", string(event.Type), "sequence", event.Sequence)
	return nil
}

// Subscribe opens a subscription for a run; see Backend.Subscribe. The span
// covers only the call that opens the subscription (replay + live tail are
// a long-lived background goroutine, not a single bounded operation worth
// spanning end to end).
func (b *EventBus) Subscribe(ctx context.Context, runID string, fromSequence int64, includeHistorical bool) (<-chan Event, <-chan error, context.CancelFunc, error) {
	ctx, span := b.tracer.Start(ctx, "stream.EventBus.Subscribe")
	defer span.End()
	span.AddEvent("subscribe", "run_id", runID, "from_sequence", fromSequence)

	events, errs, cancel, err := b.backend.Subscribe(ctx, runID, fromSequence, includeHistorical)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return events, errs, cancel, err
}

// GetEvents retrieves stored events for a run; see Backend.GetEvents.
func (b *EventBus) GetEvents(ctx context.Context, runID string, fromSequence int64, limit int) ([]Event, error) {
	events, err := b.backend.GetEvents(ctx, runID, fromSequence, limit)
	if err != nil {
		b.logger.Error(ctx, "event retrieval failed", "run_id", runID, "error", err.Error())
		return nil, err
	}
	return events, nil
}

// Trim deletes all stored events for a run.
func (b *EventBus) Trim(ctx context.Context, runID string) error {
	return b.backend.Trim(ctx, runID)
}

// Close closes the underlying backend.
func (b *EventBus) Close(ctx context.Context) error {
	err := b.backend.Close(ctx)
	b.logger.Info(ctx, "event bus closed")
	return err
}
