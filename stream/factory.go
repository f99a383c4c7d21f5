package stream

import "dockrion.dev/events/telemetry"

// AdapterFactory builds the StreamContext an agent-framework adapter installs
// before invoking user code. Adapters (LangGraph, CrewAI, and similar
// integrations, out of scope here) call one of its two constructors
// depending on which pattern their caller asked for; the factory's only job
// is picking sane defaults and injecting telemetry consistently, so adapters
// never have to duplicate option wiring.
type AdapterFactory struct {
	bus     *EventBus
	filter  Filter
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// FactoryOption configures an AdapterFactory at construction time.
type FactoryOption func(*AdapterFactory)

// WithFactoryFilter overrides the default filter new contexts are built
// with.
func WithFactoryFilter(filter Filter) FactoryOption {
	return func(f *AdapterFactory) { f.filter = filter }
}

// WithFactoryLogger attaches a structured logger to every context the
// factory builds.
func WithFactoryLogger(logger telemetry.Logger) FactoryOption {
	return func(f *AdapterFactory) { f.logger = logger }
}

// WithFactoryMetrics sets the factory's metrics recorder. The contexts the
// factory builds are given its logger only, not this recorder.
func WithFactoryMetrics(metrics telemetry.Metrics) FactoryOption {
	return func(f *AdapterFactory) { f.metrics = metrics }
}

// NewAdapterFactory constructs an AdapterFactory. bus may be nil if the
// factory will only ever be asked for queue-mode (Pattern A) contexts.
func NewAdapterFactory(bus *EventBus, opts ...FactoryOption) *AdapterFactory {
	f := &AdapterFactory{
		bus:     bus,
		filter:  AllowAllFilter(),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// MakeDirectContext builds a queue-mode StreamContext (Pattern A): events
// are buffered in-process and retrieved via DrainQueuedEvents, with nothing
// written to a backend. Used when the caller streams a single in-request
// response and has no need for replay or multi-subscriber fan-out.
func (f *AdapterFactory) MakeDirectContext(runID string) *StreamContext {
	return NewQueueContext(runID, f.filter, WithLogger(f.logger))
}

// MakeBusContext builds a bus-mode StreamContext (Pattern B): events are
// published through the factory's EventBus, making them durable and
// replayable by any subscriber. Returns an error if the factory was
// constructed without a bus.
func (f *AdapterFactory) MakeBusContext(runID string) (*StreamContext, error) {
	return NewBusContext(runID, f.filter, f.bus, WithLogger(f.logger))
}
