package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dockrion.dev/events/stream"
)

// Committer pairs a Backend and a RunStore over the same *redis.Client and
// implements stream.TerminalCommitter by folding the terminal event's XADD
// and the run record's HSET/ZADD/EXPIRE into one TxPipelined call, so both
// land in a single Redis MULTI/EXEC instead of two independent round trips.
type Committer struct {
	backend *Backend
	store   *RunStore
}

var _ stream.TerminalCommitter = (*Committer)(nil)

// NewCommitter constructs a Committer over backend and store. Both must be
// built against the same *redis.Client for the atomicity guarantee to hold.
func NewCommitter(backend *Backend, store *RunStore) *Committer {
	return &Committer{backend: backend, store: store}
}

// CommitTerminal persists event (the run's terminal event) and run (the
// run's terminal record) as a single MULTI/EXEC: XADD onto the run's stream,
// HSET + ZADD onto the run record and its index, and the policy-appropriate
// EXPIRE calls on both keys.
func (c *Committer) CommitTerminal(ctx context.Context, runID string, event stream.Event, run stream.Run) error {
	eventPayload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal terminal event for redis stream: %w", err)
	}
	runData, err := json.Marshal(toWire(run))
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	sKey := streamKey(runID)
	rKey := runKey(run.RunID)

	_, err = c.backend.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: sKey,
			MaxLen: c.backend.maxEventsPerRun,
			Approx: true,
			Values: map[string]any{
				"seq":     event.Sequence,
				"type":    string(event.Type),
				"payload": string(eventPayload),
				"ts":      event.Timestamp.Format(time.RFC3339Nano),
			},
		})
		pipe.Expire(ctx, sKey, c.backend.ttl)

		pipe.HSet(ctx, rKey, "record", string(runData))
		pipe.ZAdd(ctx, runsIndexKey, redis.Z{
			Score:  float64(run.CreatedAt.UnixNano()),
			Member: run.RunID,
		})
		if run.TTLSeconds > 0 {
			pipe.Expire(ctx, rKey, time.Duration(run.TTLSeconds)*time.Second)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.backend.metrics.IncCounter("redis_events_published_total", 1, "type", string(event.Type))
	c.backend.metrics.IncCounter("redis_terminal_commits_total", 1, "status", string(run.Status))
	return nil
}
