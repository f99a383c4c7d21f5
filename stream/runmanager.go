package stream

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	streamerrors "dockrion.dev/events/stream/errors"
	"dockrion.dev/events/telemetry"
)

// clientRunIDPattern validates a caller-supplied run_id: 1-128 chars,
// alphanumeric/underscore/hyphen, no leading underscore (underscore-prefixed
// IDs are reserved for internal use).
var clientRunIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// TerminalCommitter is an optional capability a Backend/RunStore pairing
// can implement to persist a run's terminal event and its terminal run
// record as a single atomic operation, so a crash (or a concurrent reader)
// between the two writes can never observe one without the other. A
// RunManager configured with one via WithTerminalCommitter uses it in
// finalize instead of a sequential dispatch-then-save.
type TerminalCommitter interface {
	CommitTerminal(ctx context.Context, runID string, event Event, run Run) error
}

// AgentFunc is the agent callable a RunManager invokes in the background
// for a started run. It receives a context carrying the cooperative
// cancellation signal and the run's bound StreamContext (also retrievable
// via FromContext), and returns the run's result payload or an error.
type AgentFunc func(ctx context.Context, sc *StreamContext, payload any) (map[string]any, error)

// CreateOptions configures a new run at creation time.
type CreateOptions struct {
	// RunID, if non-empty, is a client-supplied run identifier. Only honored
	// when the manager is configured with AllowClientIDs; otherwise it is
	// rejected. A duplicate ID is a RunAlreadyExists error, never silently
	// overwritten.
	RunID string
	// AgentName and Framework are not read by CreateRun or Start: the
	// "started" event takes its agent name and framework from Start's
	// arguments.
	AgentName string
	Framework string
	// Filter overrides the manager's default EventsFilter for this run.
	Filter *Filter
	// TTLSeconds is stored as the run record's TTL; the manager has no
	// default of its own, so 0 leaves the record without a TTL.
	TTLSeconds int
	// Metadata is free-form run metadata, stored on the run record and sent
	// with the "started" event. It is not merged or changed at completion.
	Metadata map[string]any
}

// runHandle is the RunManager's in-process bookkeeping for one active run:
// its StreamContext, cancellation plumbing, and the terminal-transition
// synchronization that makes cancel-vs-completion first-wins.
type runHandle struct {
	sc     *StreamContext
	cancel context.CancelFunc

	terminalOnce sync.Once
	done         chan struct{}

	cancelRequested atomic.Bool
	timedOut        atomic.Bool
	cancelReason    atomic.Value // string
}

// RunManagerOption configures a RunManager at construction time.
type RunManagerOption func(*RunManager)

// WithStore overrides the RunManager's RunStore (default: an in-process
// map via NewMemRunStore).
func WithStore(store RunStore) RunManagerOption {
	return func(m *RunManager) { m.store = store }
}

// WithDefaultFilter sets the EventsFilter applied to runs that don't
// override it via CreateOptions.Filter.
func WithDefaultFilter(filter Filter) RunManagerOption {
	return func(m *RunManager) { m.defaultFilter = filter }
}

// WithHeartbeatInterval overrides the interval between heartbeat events
// emitted while a run is RUNNING.
func WithHeartbeatInterval(d time.Duration) RunManagerOption {
	return func(m *RunManager) { m.heartbeatInterval = d }
}

// WithMaxRunDuration overrides the hard cap on time spent RUNNING.
func WithMaxRunDuration(d time.Duration) RunManagerOption {
	return func(m *RunManager) { m.maxRunDuration = d }
}

// WithCancelGrace overrides how long Cancel waits for cooperative
// acknowledgement before forcing CANCELLED.
func WithCancelGrace(d time.Duration) RunManagerOption {
	return func(m *RunManager) { m.cancelGrace = d }
}

// WithAllowClientIDs toggles whether CreateOptions.RunID is honored.
func WithAllowClientIDs(allow bool) RunManagerOption {
	return func(m *RunManager) { m.allowClientIDs = allow }
}

// WithRunManagerLogger attaches a structured logger.
func WithRunManagerLogger(logger telemetry.Logger) RunManagerOption {
	return func(m *RunManager) { m.logger = logger }
}

// WithRunManagerMetrics attaches a metrics recorder.
func WithRunManagerMetrics(metrics telemetry.Metrics) RunManagerOption {
	return func(m *RunManager) { m.metrics = metrics }
}

// WithRunManagerTracer attaches a tracer so Cancel produces a span covering
// the cooperative-cancel-to-terminal path.
func WithRunManagerTracer(tracer telemetry.Tracer) RunManagerOption {
	return func(m *RunManager) { m.tracer = tracer }
}

// WithTerminalCommitter configures an atomic commit path for a run's
// terminal event and terminal record. Without one, finalize falls back to
// a sequential dispatch-then-save; see TerminalCommitter.
func WithTerminalCommitter(committer TerminalCommitter) RunManagerOption {
	return func(m *RunManager) { m.committer = committer }
}

// RunManager owns the lifecycle/state machine for runs: it creates run
// records, invokes agent code asynchronously, installs a bus-mode
// StreamContext bound to the run, routes terminal events, and handles
// cancellation and TTL.
type RunManager struct {
	bus   *EventBus
	store RunStore

	defaultFilter     Filter
	heartbeatInterval time.Duration
	maxRunDuration    time.Duration
	cancelGrace       time.Duration
	allowClientIDs    bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	committer TerminalCommitter

	mu      sync.Mutex
	handles map[string]*runHandle
}

// NewRunManager constructs a RunManager over bus,
// defaults unless overridden by options.
func NewRunManager(bus *EventBus, opts ...RunManagerOption) *RunManager {
	m := &RunManager{
		bus:               bus,
		store:             NewMemRunStore(),
		defaultFilter:     AllowAllFilter(),
		heartbeatInterval: 15 * time.Second,
		maxRunDuration:    time.Hour,
		cancelGrace:       30 * time.Second,
		allowClientIDs:    true,
		logger:            telemetry.NewNoopLogger(),
		metrics:           telemetry.NewNoopMetrics(),
		tracer:            telemetry.NewNoopTracer(),
		handles:           make(map[string]*runHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRun allocates a run_id (or validates a client-supplied one), writes
// a PENDING record, and installs the bus-mode StreamContext Start will use.
func (m *RunManager) CreateRun(ctx context.Context, opts CreateOptions) (Run, error) {
	runID := opts.RunID
	if runID != "" {
		if !m.allowClientIDs {
			return Run{}, fmt.Errorf("client-supplied run ids are disabled")
		}
		if !clientRunIDPattern.MatchString(runID) {
			return Run{}, streamerrors.NewInvalidRunID(runID, "must match ^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$")
		}
		if _, ok, err := m.store.Load(ctx, runID); err != nil {
			return Run{}, err
		} else if ok {
			return Run{}, streamerrors.NewRunAlreadyExists(runID)
		}
	} else {
		runID = uuid.NewString()
	}

	filter := m.defaultFilter
	if opts.Filter != nil {
		filter = *opts.Filter
	}
	sc, err := NewBusContext(runID, filter, m.bus)
	if err != nil {
		return Run{}, err
	}

	run := Run{
		RunID:      runID,
		Status:     RunPending,
		CreatedAt:  time.Now(),
		TTLSeconds: opts.TTLSeconds,
		Metadata:   opts.Metadata,
	}
	if err := m.store.Save(ctx, run); err != nil {
		return Run{}, err
	}

	m.mu.Lock()
	m.handles[runID] = &runHandle{sc: sc}
	m.mu.Unlock()

	m.metrics.IncCounter("runs_created_total", 1)
	return run, nil
}

// Start transitions a PENDING run to RUNNING and spawns the agent task in
// the background. agentName and framework populate the "started" event.
func (m *RunManager) Start(ctx context.Context, runID string, agentName, framework string, fn AgentFunc, payload any) error {
	m.mu.Lock()
	handle, ok := m.handles[runID]
	m.mu.Unlock()
	if !ok {
		return streamerrors.NewRunNotFound(runID)
	}

	run, ok, err := m.store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return streamerrors.NewRunNotFound(runID)
	}
	if run.Status != RunPending {
		return streamerrors.NewNotRunning(runID, string(run.Status))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle.cancel = cancel
	handle.done = make(chan struct{})

	now := time.Now()
	run.Status = RunRunning
	run.StartedAt = &now
	if err := m.store.Save(ctx, run); err != nil {
		cancel()
		return err
	}
	if err := handle.sc.EmitStarted(ctx, agentName, framework, run.Metadata); err != nil {
		m.logger.Warn(ctx, "emit started failed", "run_id", runID, "error", err.Error())
	}
	m.metrics.IncCounter("runs_started_total", 1)

	runCtx = WithContext(runCtx, handle.sc)

	timer := time.AfterFunc(m.maxRunDuration, func() {
		handle.timedOut.Store(true)
		cancel()
	})

	go m.heartbeatLoop(runCtx, handle)
	go func() {
		result, agentErr := fn(runCtx, handle.sc, payload)
		timer.Stop()
		m.finalize(handle, runID, result, agentErr)
	}()

	return nil
}

func (m *RunManager) heartbeatLoop(ctx context.Context, handle *runHandle) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = handle.sc.EmitHeartbeat(context.Background())
		}
	}
}

// finalize performs the single terminal transition for a run: whichever of
// the agent goroutine (via this function) or Cancel's grace-expiry path
// wins the handle's terminalOnce race determines the observed terminal
// event.
func (m *RunManager) finalize(handle *runHandle, runID string, result map[string]any, agentErr error) {
	handle.terminalOnce.Do(func() {
		ctx := context.Background()
		run, ok, err := m.store.Load(ctx, runID)
		if err != nil || !ok {
			return
		}
		now := time.Now()
		run.FinishedAt = &now

		var ev Event
		var built bool
		var forcedCancel *streamerrors.CancelRequested
		switch {
		case errors.As(agentErr, &forcedCancel),
			handle.cancelRequested.Load() && agentErr != nil && errors.Is(agentErr, context.Canceled):
			reason, _ := handle.cancelReason.Load().(string)
			ev, built = handle.sc.prepareEmit(EventCancelled, CancelledPayload{Reason: reason})
			run.Status = RunCancelled
			run.Error = &RunError{Message: "cancelled", Code: "CANCELLED", Details: map[string]any{"reason": reason}}
		case handle.timedOut.Load():
			ev, built = handle.sc.prepareEmit(EventError, ErrorPayload{Error: "run exceeded max_run_duration", Code: "TIMEOUT"})
			run.Status = RunFailed
			run.Error = &RunError{Message: "run exceeded max_run_duration", Code: "TIMEOUT"}
		case agentErr != nil:
			ev, built = handle.sc.prepareEmit(EventError, ErrorPayload{Error: agentErr.Error(), Code: "RUN_FAILED"})
			run.Status = RunFailed
			run.Error = &RunError{Message: agentErr.Error(), Code: "RUN_FAILED"}
		default:
			ev, built = handle.sc.prepareEmit(EventComplete, CompletePayload{Output: result})
			run.Status = RunCompleted
			run.Result = result
		}

		if err := m.commitTerminal(ctx, handle.sc, runID, ev, built, run); err != nil {
			m.logger.Error(ctx, "commit terminal run state failed", "run_id", runID, "error", err.Error())
		}
		m.metrics.IncCounter("runs_terminated_total", 1, "status", string(run.Status))
		if run.StartedAt != nil {
			m.metrics.RecordTimer("run_latency_seconds", run.FinishedAt.Sub(*run.StartedAt), "status", string(run.Status))
		}
		close(handle.done)
	})
}

// commitTerminal persists the terminal event built by finalize (if any —
// prepareEmit returns built=false when the run is already terminal or the
// event type is filtered out) together with the run's terminal record.
// With a TerminalCommitter configured, both writes land as one atomic
// operation; otherwise they are two sequential writes, in which case the
// event is dispatched first so a reader can never see the run record marked
// terminal before the terminal event itself is visible to subscribers.
func (m *RunManager) commitTerminal(ctx context.Context, sc *StreamContext, runID string, ev Event, built bool, run Run) error {
	if !built {
		return m.store.Save(ctx, run)
	}
	if m.committer != nil {
		return m.committer.CommitTerminal(ctx, runID, ev, run)
	}
	dispatchErr := sc.dispatch(ctx, ev)
	saveErr := m.store.Save(ctx, run)
	if dispatchErr != nil {
		return dispatchErr
	}
	return saveErr
}

// Cancel signals cooperative cancellation to the target run's agent task.
// If the task does not acknowledge (by returning) within the cancel grace
// period (see WithCancelGrace), the run is forced into CANCELLED regardless.
func (m *RunManager) Cancel(ctx context.Context, runID string, reason string) error {
	ctx, span := m.tracer.Start(ctx, "stream.RunManager.Cancel")
	defer span.End()
	span.AddEvent("cancel_requested", "run_id", runID, "reason", reason)

	m.mu.Lock()
	handle, ok := m.handles[runID]
	m.mu.Unlock()
	if !ok {
		err := streamerrors.NewRunNotFound(runID)
		span.RecordError(err)
		return err
	}
	if handle.cancel == nil || handle.done == nil {
		err := streamerrors.NewNotRunning(runID, string(RunPending))
		span.RecordError(err)
		return err
	}

	handle.cancelRequested.Store(true)
	handle.cancelReason.Store(reason)
	handle.cancel()

	select {
	case <-handle.done:
		span.AddEvent("cancel_acknowledged", "run_id", runID)
		return nil
	case <-time.After(m.cancelGrace):
		span.AddEvent("cancel_forced_after_grace", "run_id", runID)
		m.finalize(handle, runID, nil, streamerrors.NewCancelRequested(runID, reason))
		return nil
	}
}

// GetStatus returns a snapshot of the run's current record.
func (m *RunManager) GetStatus(ctx context.Context, runID string) (Run, error) {
	run, ok, err := m.store.Load(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if !ok {
		return Run{}, streamerrors.NewRunNotFound(runID)
	}
	return run, nil
}

// GetResult returns a terminated run's result, or its error if it failed or
// was cancelled.
func (m *RunManager) GetResult(ctx context.Context, runID string) (map[string]any, error) {
	run, err := m.GetStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsTerminal() {
		return nil, streamerrors.NewNotRunning(runID, string(run.Status))
	}
	if run.Error != nil {
		return nil, fmt.Errorf("run %q ended with error [%s]: %s", runID, run.Error.Code, run.Error.Message)
	}
	return run.Result, nil
}

// List enumerates runs, optionally filtered by status, newest-first.
func (m *RunManager) List(ctx context.Context, status *RunStatus, limit int) ([]Run, error) {
	return m.store.List(ctx, status, limit)
}

// Stats returns counts of runs by status.
func (m *RunManager) Stats(ctx context.Context) (map[RunStatus]int, error) {
	runs, err := m.store.List(ctx, nil, 0)
	if err != nil {
		return nil, err
	}
	out := map[RunStatus]int{}
	for _, r := range runs {
		out[r.Status]++
	}
	return out, nil
}

// Cleanup removes a terminal run's in-process bookkeeping (StreamContext
// handle, cancellation plumbing) without touching backend-stored events;
// those are removed separately via EventBus.Trim. Leaving a run's handle
// registered forever would leak goroutine-tracking state for every run
// across a long-lived process.
func (m *RunManager) Cleanup(ctx context.Context, runID string) error {
	run, err := m.GetStatus(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.IsTerminal() {
		return streamerrors.NewNotRunning(runID, string(run.Status))
	}
	m.mu.Lock()
	delete(m.handles, runID)
	m.mu.Unlock()
	return nil
}
