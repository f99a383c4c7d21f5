package stream

import (
	"context"
	"fmt"
	"sync"

	streamerrors "dockrion.dev/events/stream/errors"
	"dockrion.dev/events/telemetry"
)

// Mode selects a StreamContext's sink: queue mode for direct, unstored
// streaming (Pattern A); bus mode for server-managed, replayable runs
// (Pattern B). The two are never mixed: a queue-mode context has no bus
// reference at all, so bus-only operations fail fast rather than silently
// writing into the wrong keyspace.
type Mode int

const (
	ModeQueue Mode = iota
	ModeBus
)

// defaultMaxQueueEvents bounds a queue-mode context's internal buffer before
// non-mandatory events are evicted oldest-first.
const defaultMaxQueueEvents = 1000

// StreamContext is the producer-side API agent code uses to emit events. It
// enforces filtering and sequence assignment, then multiplexes into one of
// two sinks depending on its construction mode.
type StreamContext struct {
	mu       sync.Mutex
	runID    string
	mode     Mode
	filter   Filter
	bus      *EventBus
	logger   telemetry.Logger
	nextSeq  int64
	terminal bool

	queue       []Event
	maxQueue    int
}

// ContextOption configures a StreamContext at construction time.
type ContextOption func(*StreamContext)

// WithLogger attaches a structured logger to the context.
func WithLogger(logger telemetry.Logger) ContextOption {
	return func(sc *StreamContext) { sc.logger = logger }
}

// WithMaxQueueEvents overrides the queue-mode high-water mark.
func WithMaxQueueEvents(n int) ContextOption {
	return func(sc *StreamContext) { sc.maxQueue = n }
}

// NewQueueContext builds a queue-mode StreamContext for direct, in-request
// streaming (Pattern A). Events are buffered internally and retrieved via
// DrainQueuedEvents; nothing is ever written to a backend.
func NewQueueContext(runID string, filter Filter, opts ...ContextOption) *StreamContext {
	sc := &StreamContext{
		runID:    runID,
		mode:     ModeQueue,
		filter:   filter,
		logger:   telemetry.NewNoopLogger(),
		maxQueue: defaultMaxQueueEvents,
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// NewBusContext builds a bus-mode StreamContext for server-managed async
// runs (Pattern B). bus must not be nil: a bus-mode context with no bus is a
// construction error.
func NewBusContext(runID string, filter Filter, bus *EventBus, opts ...ContextOption) (*StreamContext, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus-mode stream context for %q requires a non-nil event bus", runID)
	}
	sc := &StreamContext{
		runID:    runID,
		mode:     ModeBus,
		filter:   filter,
		bus:      bus,
		logger:   telemetry.NewNoopLogger(),
		maxQueue: defaultMaxQueueEvents,
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc, nil
}

// RunID returns the run this context is bound to.
func (sc *StreamContext) RunID() string { return sc.runID }

// Mode returns the context's sink mode.
func (sc *StreamContext) Mode() Mode { return sc.mode }

// emit applies the filter, assigns a sequence number to events that pass it,
// and dispatches to the configured sink. Filtered-out events never consume a
// sequence number: only stored events are sequenced, so the stored sequence
// stays dense. Emitting after a terminal event has been recorded is a silent
// no-op.
func (sc *StreamContext) emit(ctx context.Context, t EventType, payload Payload) (Event, bool, error) {
	ev, ok := sc.prepareEmit(t, payload)
	if !ok {
		return Event{}, false, nil
	}
	err := sc.dispatch(ctx, ev)
	return ev, true, err
}

// prepareEmit applies the filter and assigns a sequence number without
// dispatching the event to any sink. Split out from emit so a caller that
// needs to commit the event atomically alongside other state (see
// RunManager.finalize) can build it first and choose how it gets delivered.
func (sc *StreamContext) prepareEmit(t EventType, payload Payload) (Event, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.terminal {
		return Event{}, false
	}
	if !sc.filter.IsAllowed(t) {
		return Event{}, false
	}
	n := sc.nextSeq
	sc.nextSeq++
	if t.IsTerminal() {
		sc.terminal = true
	}
	return newEvent(t, sc.runID, n, payload), true
}

// dispatch delivers an already-built event to the context's configured
// sink (the internal queue in queue mode, the bus in bus mode).
func (sc *StreamContext) dispatch(ctx context.Context, ev Event) error {
	switch sc.mode {
	case ModeQueue:
		sc.enqueue(ev)
		return nil
	case ModeBus:
		return sc.bus.Publish(ctx, sc.runID, ev)
	}
	return nil
}

// enqueue inserts ev into the internal queue at its sequence position,
// evicting the oldest non-mandatory event first once maxQueue is exceeded.
// Mandatory events are never evicted: if only mandatory events remain, the
// queue is left above maxQueue and no error event is synthesized.
func (sc *StreamContext) enqueue(ev Event) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	i := len(sc.queue)
	for i > 0 && sc.queue[i-1].Sequence > ev.Sequence {
		i--
	}
	sc.queue = append(sc.queue, Event{})
	copy(sc.queue[i+1:], sc.queue[i:])
	sc.queue[i] = ev
	for len(sc.queue) > sc.maxQueue {
		evicted := false
		for i, e := range sc.queue {
			if !e.Type.IsMandatory() {
				sc.queue = append(sc.queue[:i], sc.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			// Every queued event is mandatory; stop evicting rather than
			// drop a mandatory event. This should not occur in practice
			// since mandatory events are emitted at most a handful of
			// times per run.
			break
		}
	}
}

// DrainQueuedEvents atomically removes and returns all currently queued
// events, in sequence order. Only valid in queue mode.
func (sc *StreamContext) DrainQueuedEvents() ([]Event, error) {
	if sc.mode != ModeQueue {
		return nil, streamerrors.NewQueueModeContext(sc.runID)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	drained := sc.queue
	sc.queue = nil
	return drained, nil
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// EmitStarted emits the run's "started" event.
func (sc *StreamContext) EmitStarted(ctx context.Context, agentName, framework string, metadata map[string]any) error {
	_, _, err := sc.emit(ctx, EventStarted, StartedPayload{AgentName: agentName, Framework: framework, Metadata: metadata})
	return err
}

// EmitProgress emits a "progress" event; progress is clamped to [0,1].
func (sc *StreamContext) EmitProgress(ctx context.Context, step string, progress float64, message string) error {
	_, _, err := sc.emit(ctx, EventProgress, ProgressPayload{Step: step, Progress: clampProgress(progress), Message: message})
	return err
}

// EmitCheckpoint emits a "checkpoint" event.
func (sc *StreamContext) EmitCheckpoint(ctx context.Context, name string, data map[string]any) error {
	_, _, err := sc.emit(ctx, EventCheckpoint, CheckpointPayload{Name: name, Data: data})
	return err
}

// EmitToken emits a "token" event.
func (sc *StreamContext) EmitToken(ctx context.Context, content, finishReason string) error {
	_, _, err := sc.emit(ctx, EventToken, TokenPayload{Content: content, FinishReason: finishReason})
	return err
}

// EmitStep emits a "step" event.
func (sc *StreamContext) EmitStep(ctx context.Context, nodeName string, durationMS *int64, inputKeys, outputKeys []string) error {
	_, _, err := sc.emit(ctx, EventStep, StepPayload{NodeName: nodeName, DurationMS: durationMS, InputKeys: inputKeys, OutputKeys: outputKeys})
	return err
}

// EmitComplete emits the run's "complete" event. This is the one and only
// terminal event path for a successful run.
func (sc *StreamContext) EmitComplete(ctx context.Context, output map[string]any, latencySeconds *float64, metadata map[string]any) error {
	_, _, err := sc.emit(ctx, EventComplete, CompletePayload{Output: output, LatencySeconds: latencySeconds, Metadata: metadata})
	return err
}

// EmitError emits the run's "error" terminal event.
func (sc *StreamContext) EmitError(ctx context.Context, errMsg, code string, details map[string]any) error {
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	_, _, err := sc.emit(ctx, EventError, ErrorPayload{Error: errMsg, Code: code, Details: details})
	return err
}

// EmitCancelled emits the run's "cancelled" terminal event.
func (sc *StreamContext) EmitCancelled(ctx context.Context, reason string) error {
	_, _, err := sc.emit(ctx, EventCancelled, CancelledPayload{Reason: reason})
	return err
}

// EmitHeartbeat emits a "heartbeat" event. Heartbeats are never mandatory
// and are idempotent with respect to replay.
func (sc *StreamContext) EmitHeartbeat(ctx context.Context) error {
	_, _, err := sc.emit(ctx, EventHeartbeat, HeartbeatPayload{})
	return err
}

// EmitCustom emits a "custom:<name>" event.
func (sc *StreamContext) EmitCustom(ctx context.Context, name string, data map[string]any) error {
	_, _, err := sc.emit(ctx, CustomType(name), CustomPayload{Data: data})
	return err
}

// asyncErrorCode marks an error produced by a fire-and-forget emit failure.
const asyncErrorCode = "ASYNC_EMIT_FAILED"

// captureAsyncError surfaces a fire-and-forget emit failure as a subsequent
// error event, provided the run has not already terminated. Fire-and-forget operations fire-and-forget operations never raise to the caller.
func (sc *StreamContext) captureAsyncError(ctx context.Context, op string, err error) {
	sc.logger.Warn(ctx, "async emit failed", "run_id", sc.runID, "op", op, "error", err.Error())
	sc.mu.Lock()
	terminal := sc.terminal
	sc.mu.Unlock()
	if terminal {
		return
	}
	_ = sc.EmitError(ctx, fmt.Sprintf("%s failed: %v", op, err), asyncErrorCode, nil)
}

// EmitStartedAsync is the fire-and-forget variant of EmitStarted.
func (sc *StreamContext) EmitStartedAsync(ctx context.Context, agentName, framework string, metadata map[string]any) {
	go func() {
		if err := sc.EmitStarted(ctx, agentName, framework, metadata); err != nil {
			sc.captureAsyncError(ctx, "emit_started", err)
		}
	}()
}

// EmitProgressAsync is the fire-and-forget variant of EmitProgress.
func (sc *StreamContext) EmitProgressAsync(ctx context.Context, step string, progress float64, message string) {
	go func() {
		if err := sc.EmitProgress(ctx, step, progress, message); err != nil {
			sc.captureAsyncError(ctx, "emit_progress", err)
		}
	}()
}

// EmitCheckpointAsync is the fire-and-forget variant of EmitCheckpoint.
func (sc *StreamContext) EmitCheckpointAsync(ctx context.Context, name string, data map[string]any) {
	go func() {
		if err := sc.EmitCheckpoint(ctx, name, data); err != nil {
			sc.captureAsyncError(ctx, "checkpoint", err)
		}
	}()
}

// EmitTokenAsync is the fire-and-forget variant of EmitToken.
func (sc *StreamContext) EmitTokenAsync(ctx context.Context, content, finishReason string) {
	go func() {
		if err := sc.EmitToken(ctx, content, finishReason); err != nil {
			sc.captureAsyncError(ctx, "emit_token", err)
		}
	}()
}

// EmitStepAsync is the fire-and-forget variant of EmitStep.
func (sc *StreamContext) EmitStepAsync(ctx context.Context, nodeName string, durationMS *int64, inputKeys, outputKeys []string) {
	go func() {
		if err := sc.EmitStep(ctx, nodeName, durationMS, inputKeys, outputKeys); err != nil {
			sc.captureAsyncError(ctx, "emit_step", err)
		}
	}()
}

// EmitHeartbeatAsync is the fire-and-forget variant of EmitHeartbeat.
func (sc *StreamContext) EmitHeartbeatAsync(ctx context.Context) {
	go func() {
		if err := sc.EmitHeartbeat(ctx); err != nil {
			sc.captureAsyncError(ctx, "emit_heartbeat", err)
		}
	}()
}

// EmitCompleteAsync is the fire-and-forget variant of EmitComplete.
func (sc *StreamContext) EmitCompleteAsync(ctx context.Context, output map[string]any, latencySeconds *float64, metadata map[string]any) {
	go func() {
		if err := sc.EmitComplete(ctx, output, latencySeconds, metadata); err != nil {
			sc.captureAsyncError(ctx, "emit_complete", err)
		}
	}()
}

// EmitErrorAsync is the fire-and-forget variant of EmitError.
func (sc *StreamContext) EmitErrorAsync(ctx context.Context, errMsg, code string, details map[string]any) {
	go func() {
		if err := sc.EmitError(ctx, errMsg, code, details); err != nil {
			sc.captureAsyncError(ctx, "emit_error", err)
		}
	}()
}

// EmitCancelledAsync is the fire-and-forget variant of EmitCancelled.
func (sc *StreamContext) EmitCancelledAsync(ctx context.Context, reason string) {
	go func() {
		if err := sc.EmitCancelled(ctx, reason); err != nil {
			sc.captureAsyncError(ctx, "emit_cancelled", err)
		}
	}()
}

// EmitCustomAsync is the fire-and-forget variant of EmitCustom.
func (sc *StreamContext) EmitCustomAsync(ctx context.Context, name string, data map[string]any) {
	go func() {
		if err := sc.EmitCustom(ctx, name, data); err != nil {
			sc.captureAsyncError(ctx, "emit_custom", err)
		}
	}()
}

// streamContextKey is the context.Context key under which the ambient
// StreamContext is installed. Go has no per-goroutine thread-local storage
// equivalent to a ContextVar; context.Context value propagation is the
// idiomatic substitute and never leaks across concurrent runs since each
// run's context.Context is independent.
type streamContextKey struct{}

// WithContext installs sc as the ambient StreamContext for ctx and everything
// derived from it. Callers should install this before invoking agent code
// and let it fall out of scope naturally on return.
func WithContext(ctx context.Context, sc *StreamContext) context.Context {
	return context.WithValue(ctx, streamContextKey{}, sc)
}

// FromContext retrieves the ambient StreamContext installed by WithContext,
// for agent code that was not passed the context explicitly.
func FromContext(ctx context.Context) (*StreamContext, bool) {
	sc, ok := ctx.Value(streamContextKey{}).(*StreamContext)
	return sc, ok
}
