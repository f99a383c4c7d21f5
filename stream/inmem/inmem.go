// Package inmem provides the in-memory implementation of stream.Backend: a
// single-process, low-overhead reference backend with no external
// dependency, intended for development and tests. Use stream/redisstream for
// a multi-instance, replayable production deployment.
package inmem

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dockrion.dev/events/stream"
	streamerrors "dockrion.dev/events/stream/errors"
	"dockrion.dev/events/telemetry"
)

const (
	defaultMaxEventsPerRun = 1000
	defaultStreamTTL       = time.Hour
	defaultSubscriberBuf   = 256
	defaultSweepInterval   = time.Minute
)

// subscriber is one live subscription's channel registration.
type subscriber struct {
	ch chan stream.Event
}

// runState holds everything the backend tracks for one run, guarded by its
// own mutex so contention on one run never blocks another. Holding record
// and hasRecord under the same mutex as events/subscribers is what lets
// CommitTerminal apply the terminal event and the terminal run record as one
// critical section instead of two independent operations.
type runState struct {
	mu          sync.Mutex
	events      []stream.Event
	subscribers map[int64]*subscriber
	terminated  bool
	finishedAt  time.Time

	seq       int64
	record    stream.Run
	hasRecord bool
}

// Backend is the in-memory stream.Backend implementation. The zero value is
// not usable; construct with New.
type Backend struct {
	mu              sync.RWMutex
	runs            map[string]*runState
	maxEventsPerRun int
	ttl             time.Duration
	logger          telemetry.Logger
	metrics         telemetry.Metrics
	nextSubID       atomic.Int64

	sweepOnce sync.Once
	sweepStop chan struct{}
	sweepDone chan struct{}

	runSeq atomic.Int64
}

var (
	_ stream.Backend           = (*Backend)(nil)
	_ stream.RunStore          = (*Backend)(nil)
	_ stream.TerminalCommitter = (*Backend)(nil)
)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithMaxEventsPerRun overrides the per-run ring-buffer cap. Mandatory
// events are never evicted regardless of this value.
func WithMaxEventsPerRun(n int) Option {
	return func(b *Backend) { b.maxEventsPerRun = n }
}

// WithStreamTTL overrides the retention window for a terminated run's
// events before the background sweep removes them.
func WithStreamTTL(d time.Duration) Option {
	return func(b *Backend) { b.ttl = d }
}

// WithLogger attaches a structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(b *Backend) { b.metrics = metrics }
}

// New constructs an in-memory Backend and starts its TTL sweep goroutine.
// Callers must call Close to stop the sweep.
func New(opts ...Option) *Backend {
	b := &Backend{
		runs:            make(map[string]*runState),
		maxEventsPerRun: defaultMaxEventsPerRun,
		ttl:             defaultStreamTTL,
		logger:          telemetry.NewNoopLogger(),
		metrics:         telemetry.NewNoopMetrics(),
		sweepStop:       make(chan struct{}),
		sweepDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.sweepLoop()
	return b
}

func (b *Backend) getOrCreate(runID string) *runState {
	b.mu.RLock()
	rs, ok := b.runs[runID]
	b.mu.RUnlock()
	if ok {
		return rs
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok = b.runs[runID]
	if ok {
		return rs
	}
	rs = &runState{subscribers: make(map[int64]*subscriber), seq: b.runSeq.Add(1)}
	b.runs[runID] = rs
	return rs
}

// Publish appends event to the run's in-memory log and fans it out to every
// registered subscriber with a non-blocking send; a subscriber whose channel
// is full is dropped (it reconnects via fromSequence to recover).
func (b *Backend) Publish(ctx context.Context, runID string, event stream.Event) error {
	rs := b.getOrCreate(runID)

	rs.mu.Lock()
	if rs.terminated {
		rs.mu.Unlock()
		b.logger.Debug(ctx, "publish after terminal dropped", "run_id", runID, "sequence", event.Sequence)
		return streamerrors.NewAlreadyTerminal(runID)
	}
	b.appendAndFanoutLocked(rs, event)
	rs.mu.Unlock()

	b.metrics.IncCounter("inmem_events_published_total", 1, "type", string(event.Type))
	return nil
}

// appendAndFanoutLocked appends event to rs's log, evicts over-capacity
// non-mandatory events, marks rs terminated if event is terminal, and fans
// out to every live subscriber. Callers must hold rs.mu.
func (b *Backend) appendAndFanoutLocked(rs *runState, event stream.Event) {
	rs.events = append(rs.events, event)
	if over := len(rs.events) - b.maxEventsPerRun; over > 0 && b.maxEventsPerRun > 0 {
		rs.events = evictOldestNonMandatory(rs.events, over)
	}
	if event.Type.IsTerminal() {
		rs.terminated = true
		rs.finishedAt = time.Now()
	}

	var dead []int64
	for id, sub := range rs.subscribers {
		select {
		case sub.ch <- event:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		close(rs.subscribers[id].ch)
		delete(rs.subscribers, id)
	}
}

// CommitTerminal applies event (the run's terminal event) and run (the
// run's terminal record) under a single lock on the run's runState, so no
// reader can ever observe one without the other. It implements
// stream.TerminalCommitter; a Backend used this way also serves as the
// RunManager's stream.RunStore via Save/Load/List/Delete below, so both
// writes land on the same per-run critical section they read from.
func (b *Backend) CommitTerminal(ctx context.Context, runID string, event stream.Event, run stream.Run) error {
	rs := b.getOrCreate(runID)

	rs.mu.Lock()
	if !rs.terminated {
		b.appendAndFanoutLocked(rs, event)
	}
	rs.record = run.Clone()
	rs.hasRecord = true
	rs.mu.Unlock()

	b.metrics.IncCounter("inmem_events_published_total", 1, "type", string(event.Type))
	b.metrics.IncCounter("inmem_terminal_commits_total", 1, "status", string(run.Status))
	return nil
}

// evictOldestNonMandatory drops up to n oldest non-mandatory events from
// events, preserving order. If fewer than n non-mandatory events exist, the
// remaining mandatory events are kept: mandatory events are never evicted.
func evictOldestNonMandatory(events []stream.Event, n int) []stream.Event {
	out := make([]stream.Event, 0, len(events))
	dropped := 0
	for _, e := range events {
		if dropped < n && !e.Type.IsMandatory() {
			dropped++
			continue
		}
		out = append(out, e)
	}
	return out
}

// Subscribe opens a live subscription for runID. See stream.Backend.
func (b *Backend) Subscribe(ctx context.Context, runID string, fromSequence int64, includeHistorical bool) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	rs := b.getOrCreate(runID)

	rs.mu.Lock()
	var snapshot []stream.Event
	if includeHistorical {
		for _, e := range rs.events {
			if e.Sequence >= fromSequence {
				snapshot = append(snapshot, e)
			}
		}
	}
	alreadyTerminal := rs.terminated && len(snapshot) > 0 && snapshot[len(snapshot)-1].Type.IsTerminal()
	noMoreToCome := rs.terminated && len(snapshot) == 0

	id := b.nextSubID.Add(1)
	sub := &subscriber{ch: make(chan stream.Event, defaultSubscriberBuf)}
	if !alreadyTerminal && !noMoreToCome {
		rs.subscribers[id] = sub
	}
	rs.mu.Unlock()

	events := make(chan stream.Event, defaultSubscriberBuf)
	errs := make(chan error, 1)
	subCtx, cancel := context.WithCancel(ctx)

	if noMoreToCome {
		// fromSequence is past the run's terminal event: there is nothing to
		// replay and nothing more will ever be published. Close immediately
		// instead of falling into tail's live-wait branch, which would block
		// forever on a channel nothing registers or sends to.
		close(events)
		close(errs)
	} else {
		go b.tail(subCtx, sub, snapshot, events, errs)
	}

	cancelFunc := func() {
		cancel()
		rs.mu.Lock()
		if s, ok := rs.subscribers[id]; ok {
			delete(rs.subscribers, id)
			close(s.ch)
		}
		rs.mu.Unlock()
	}
	return events, errs, cancelFunc, nil
}

func (b *Backend) tail(ctx context.Context, sub *subscriber, snapshot []stream.Event, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)

	for _, e := range snapshot {
		select {
		case out <- e:
			if e.Type.IsTerminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.ch:
			if !ok {
				return
			}
			select {
			case out <- e:
				if e.Type.IsTerminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Save upserts a run record, implementing stream.RunStore. It takes the same
// per-run mutex CommitTerminal and Publish use, so a concurrent reader of
// this run's events or record never observes a torn write.
func (b *Backend) Save(_ context.Context, run stream.Run) error {
	rs := b.getOrCreate(run.RunID)
	rs.mu.Lock()
	rs.record = run.Clone()
	rs.hasRecord = true
	rs.mu.Unlock()
	return nil
}

// Load retrieves a run record by ID, implementing stream.RunStore.
func (b *Backend) Load(_ context.Context, runID string) (stream.Run, bool, error) {
	b.mu.RLock()
	rs, ok := b.runs[runID]
	b.mu.RUnlock()
	if !ok {
		return stream.Run{}, false, nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !rs.hasRecord {
		return stream.Run{}, false, nil
	}
	return rs.record.Clone(), true, nil
}

// List enumerates run records newest-first, implementing stream.RunStore.
func (b *Backend) List(_ context.Context, status *stream.RunStatus, limit int) ([]stream.Run, error) {
	b.mu.RLock()
	runs := make(map[string]*runState, len(b.runs))
	for id, rs := range b.runs {
		runs[id] = rs
	}
	b.mu.RUnlock()

	type seqRun struct {
		seq int64
		run stream.Run
	}
	var out []seqRun
	for _, rs := range runs {
		rs.mu.Lock()
		if rs.hasRecord {
			run := rs.record.Clone()
			seq := rs.seq
			rs.mu.Unlock()
			if status == nil || run.Status == *status {
				out = append(out, seqRun{seq: seq, run: run})
			}
		} else {
			rs.mu.Unlock()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	runsOut := make([]stream.Run, len(out))
	for i, sr := range out {
		runsOut[i] = sr.run
	}
	return runsOut, nil
}

// Delete removes a run record without touching its event log, implementing
// stream.RunStore. Use Trim to remove events.
func (b *Backend) Delete(_ context.Context, runID string) error {
	b.mu.RLock()
	rs, ok := b.runs[runID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	rs.mu.Lock()
	rs.record = stream.Run{}
	rs.hasRecord = false
	rs.mu.Unlock()
	return nil
}

// GetEvents retrieves stored events for runID without opening a live tail.
func (b *Backend) GetEvents(ctx context.Context, runID string, fromSequence int64, limit int) ([]stream.Event, error) {
	rs := b.getOrCreate(runID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var out []stream.Event
	for _, e := range rs.events {
		if e.Sequence >= fromSequence {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Trim deletes all stored events and closes all live subscriptions for runID.
func (b *Backend) Trim(ctx context.Context, runID string) error {
	b.mu.Lock()
	rs, ok := b.runs[runID]
	delete(b.runs, runID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	rs.mu.Lock()
	for id, sub := range rs.subscribers {
		close(sub.ch)
		delete(rs.subscribers, id)
	}
	rs.mu.Unlock()
	return nil
}

// Close stops the TTL sweep goroutine. Safe to call once; subsequent calls
// are no-ops.
func (b *Backend) Close(ctx context.Context) error {
	b.sweepOnce.Do(func() {
		close(b.sweepStop)
	})
	select {
	case <-b.sweepDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (b *Backend) sweepLoop() {
	defer close(b.sweepDone)
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.sweepStop:
			return
		case <-ticker.C:
			b.sweepExpired()
		}
	}
}

func (b *Backend) sweepExpired() {
	now := time.Now()
	var expired []string
	b.mu.RLock()
	for runID, rs := range b.runs {
		rs.mu.Lock()
		if rs.terminated && now.Sub(rs.finishedAt) > b.ttl {
			expired = append(expired, runID)
		}
		rs.mu.Unlock()
	}
	b.mu.RUnlock()
	for _, runID := range expired {
		_ = b.Trim(context.Background(), runID)
		b.logger.Debug(context.Background(), "ttl sweep removed run", "run_id", runID)
	}
}
