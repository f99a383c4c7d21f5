// Package redisstream provides the production stream.Backend: a Redis
// Streams implementation supporting multi-instance deployments, reconnecting
// subscribers, and durable replay within a configured TTL.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"dockrion.dev/events/stream"
	streamerrors "dockrion.dev/events/stream/errors"
	"dockrion.dev/events/telemetry"
)

const (
	keyPrefix              = "dockrion:"
	defaultMaxEventsPerRun = 1000
	defaultStreamTTL       = time.Hour
	defaultBlockDuration   = 5 * time.Second
	defaultWriteRetries    = 3
	defaultReadRetries     = 5
)

// streamKey returns the Redis Stream key for a run's events.
func streamKey(runID string) string { return keyPrefix + "stream:" + runID }

// TTLPolicy is an alias of stream.TTLPolicy, so WithTTLPolicy accepts the
// stream package's constants directly.
type TTLPolicy = stream.TTLPolicy

// Backend is the Redis Streams implementation of stream.Backend.
type Backend struct {
	rdb             *redis.Client
	maxEventsPerRun int64
	ttl             time.Duration
	ttlPolicy       TTLPolicy
	blockDuration   time.Duration
	logger          telemetry.Logger
	metrics         telemetry.Metrics
	readLimiter     *rate.Limiter
}

var _ stream.Backend = (*Backend)(nil)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithMaxEventsPerRun overrides the approximate per-stream cap used in the
// XADD MAXLEN ~ clause.
func WithMaxEventsPerRun(n int64) Option {
	return func(b *Backend) { b.maxEventsPerRun = n }
}

// WithStreamTTL overrides the retention window applied per TTLPolicy.
func WithStreamTTL(d time.Duration) Option {
	return func(b *Backend) { b.ttl = d }
}

// WithTTLPolicy selects fixed-post-mortem (default) or sliding TTL behavior.
func WithTTLPolicy(p TTLPolicy) Option {
	return func(b *Backend) { b.ttlPolicy = p }
}

// WithBlockDuration overrides the XREAD BLOCK window used while tailing.
func WithBlockDuration(d time.Duration) Option {
	return func(b *Backend) { b.blockDuration = d }
}

// WithLogger attaches a structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(b *Backend) { b.metrics = metrics }
}

// New constructs a Backend over an existing *redis.Client. Callers own the
// client's lifecycle (pool size, TLS, auth); this package only issues
// commands against it.
func New(rdb *redis.Client, opts ...Option) *Backend {
	b := &Backend{
		rdb:             rdb,
		maxEventsPerRun: defaultMaxEventsPerRun,
		ttl:             defaultStreamTTL,
		ttlPolicy:       stream.TTLPolicyFixedPostMortem,
		blockDuration:   defaultBlockDuration,
		logger:          telemetry.NewNoopLogger(),
		metrics:         telemetry.NewNoopMetrics(),
		readLimiter:     rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends event to the run's Redis Stream via XADD with an
// approximate MAXLEN cap, then applies the configured TTL policy. Writes are
// best-effort-once with a bounded retry budget; exhausted retries surface as
// BackendUnavailable.
func (b *Backend) Publish(ctx context.Context, runID string, event stream.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for redis stream: %w", err)
	}
	key := streamKey(runID)
	values := map[string]any{
		"seq":     event.Sequence,
		"type":    string(event.Type),
		"payload": string(payload),
		"ts":      event.Timestamp.Format(time.RFC3339Nano),
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < defaultWriteRetries; attempt++ {
		err := b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: b.maxEventsPerRun,
			Approx: true,
			Values: values,
		}).Err()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		b.metrics.IncCounter("redis_retries_total", 1, "op", "xadd")
		b.logger.Warn(ctx, "redis xadd failed, retrying", "run_id", runID, "attempt", attempt, "error", err.Error())
		time.Sleep(backoff(attempt))
	}
	b.metrics.RecordTimer("redis_roundtrip_seconds", time.Since(start), "op", "xadd")
	if lastErr != nil {
		return streamerrors.NewBackendUnavailable("redis", lastErr)
	}

	if err := b.applyTTL(ctx, key, event.Type.IsTerminal()); err != nil {
		b.logger.Warn(ctx, "redis expire failed", "run_id", runID, "error", err.Error())
	}

	b.metrics.IncCounter("redis_events_published_total", 1, "type", string(event.Type))
	return nil
}

// applyTTL sets the stream key's TTL per the configured policy: sliding
// refreshes on every publish, fixed-post-mortem sets it once on terminal.
func (b *Backend) applyTTL(ctx context.Context, key string, terminal bool) error {
	switch b.ttlPolicy {
	case stream.TTLPolicySliding:
		return b.rdb.Expire(ctx, key, b.ttl).Err()
	default:
		if terminal {
			return b.rdb.Expire(ctx, key, b.ttl).Err()
		}
		return nil
	}
}

// Subscribe opens a two-phase subscription: XRANGE replay of everything with
// seq >= fromSequence, then an XREAD BLOCK tail loop until the terminal
// event or context cancellation.
func (b *Backend) Subscribe(ctx context.Context, runID string, fromSequence int64, includeHistorical bool) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
	key := streamKey(runID)
	subCtx, cancel := context.WithCancel(ctx)

	events := make(chan stream.Event, 256)
	errs := make(chan error, 1)

	go b.runSubscription(subCtx, key, fromSequence, includeHistorical, events, errs)

	return events, errs, cancel, nil
}

func (b *Backend) runSubscription(ctx context.Context, key string, fromSequence int64, includeHistorical bool, out chan<- stream.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)

	lastID := "0"
	if includeHistorical {
		entries, err := b.xrange(ctx, key)
		if err != nil {
			errs <- err
			return
		}
		terminalSeen := false
		for _, xe := range entries {
			ev, seq, err := decodeEntry(xe.Values)
			if err != nil {
				errs <- err
				return
			}
			lastID = xe.ID
			if ev.Type.IsTerminal() {
				terminalSeen = true
			}
			if seq < fromSequence {
				continue
			}
			select {
			case out <- ev:
				if ev.Type.IsTerminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
		if terminalSeen {
			// The run's terminal event was already replayed (and skipped,
			// since fromSequence is past it): nothing more can ever arrive.
			return
		}
	} else {
		// No replay: tail only entries added after the current last one.
		latest, err := b.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil {
			errs <- streamerrors.NewBackendUnavailable("redis", err)
			return
		}
		if len(latest) > 0 {
			lastID = latest[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return
		}
		_ = b.readLimiter.Wait(ctx)
		res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Block:   b.blockDuration,
			Count:   100,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			errs <- streamerrors.NewBackendUnavailable("redis", err)
			return
		}
		for _, s := range res {
			for _, xe := range s.Messages {
				ev, seq, err := decodeEntry(xe.Values)
				if err != nil {
					errs <- err
					return
				}
				lastID = xe.ID
				if seq < fromSequence {
					continue
				}
				select {
				case out <- ev:
					if ev.Type.IsTerminal() {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (b *Backend) xrange(ctx context.Context, key string) ([]redis.XMessage, error) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < defaultReadRetries; attempt++ {
		entries, err := b.rdb.XRange(ctx, key, "-", "+").Result()
		if err == nil {
			b.metrics.RecordTimer("redis_roundtrip_seconds", time.Since(start), "op", "xrange")
			return entries, nil
		}
		lastErr = err
		b.metrics.IncCounter("redis_retries_total", 1, "op", "xrange")
		time.Sleep(backoff(attempt))
	}
	b.metrics.RecordTimer("redis_roundtrip_seconds", time.Since(start), "op", "xrange")
	return nil, streamerrors.NewBackendUnavailable("redis", lastErr)
}

// GetEvents retrieves stored events for runID without opening a live tail.
func (b *Backend) GetEvents(ctx context.Context, runID string, fromSequence int64, limit int) ([]stream.Event, error) {
	entries, err := b.xrange(ctx, streamKey(runID))
	if err != nil {
		return nil, err
	}
	var out []stream.Event
	for _, xe := range entries {
		ev, seq, err := decodeEntry(xe.Values)
		if err != nil {
			return nil, err
		}
		if seq < fromSequence {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Trim deletes the run's Redis Stream key entirely.
func (b *Backend) Trim(ctx context.Context, runID string) error {
	return b.rdb.Del(ctx, streamKey(runID)).Err()
}

// Close is a no-op: the caller owns the *redis.Client's lifecycle.
func (b *Backend) Close(ctx context.Context) error {
	return nil
}

// decodeEntry reconstructs a stream.Event and its seq field from a Redis
// Stream entry's field/value map.
func decodeEntry(values map[string]any) (stream.Event, int64, error) {
	payloadStr, _ := values["payload"].(string)
	var ev stream.Event
	if err := json.Unmarshal([]byte(payloadStr), &ev); err != nil {
		return stream.Event{}, 0, fmt.Errorf("decode redis stream entry: %w", err)
	}
	seqStr, _ := values["seq"].(string)
	seq, err := strconv.ParseInt(strings.TrimSpace(seqStr), 10, 64)
	if err != nil {
		seq = ev.Sequence
	}
	return ev, seq, nil
}

// backoff returns an exponential backoff delay for the given retry attempt,
// capped at 2 seconds.
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<attempt) * 50 * time.Millisecond
	if d > 2*time.Second {
		return 2 * time.Second
	}
	return d
}
