package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dockrion.dev/events/stream"
)

const (
	runKeyPrefix = keyPrefix + "run:"
	runsIndexKey = keyPrefix + "runs:index"
)

func runKey(runID string) string { return runKeyPrefix + runID }

// RunStore persists Run records to a Redis hash per run plus a sorted-set
// index for enumeration, so RunManager.GetStatus/List work correctly against
// a deployment spanning multiple instances.
type RunStore struct {
	rdb *redis.Client
}

var _ stream.RunStore = (*RunStore)(nil)

// NewRunStore constructs a RunStore over an existing *redis.Client.
func NewRunStore(rdb *redis.Client) *RunStore {
	return &RunStore{rdb: rdb}
}

// runRecord is the JSON shape stored in the run's Redis hash field "record".
// A single JSON blob in one hash field (rather than one hash field per
// struct field) keeps Save/Load atomic without a Lua script or WATCH.
type runRecord struct {
	RunID      string          `json:"run_id"`
	Status     stream.RunStatus `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Result     map[string]any  `json:"result,omitempty"`
	Error      *stream.RunError `json:"error,omitempty"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

func toWire(r stream.Run) runRecord {
	return runRecord{
		RunID:      r.RunID,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Result:     r.Result,
		Error:      r.Error,
		TTLSeconds: r.TTLSeconds,
		Metadata:   r.Metadata,
	}
}

func fromWire(w runRecord) stream.Run {
	return stream.Run{
		RunID:      w.RunID,
		Status:     w.Status,
		CreatedAt:  w.CreatedAt,
		StartedAt:  w.StartedAt,
		FinishedAt: w.FinishedAt,
		Result:     w.Result,
		Error:      w.Error,
		TTLSeconds: w.TTLSeconds,
		Metadata:   w.Metadata,
	}
}

// Save upserts the run's hash entry and its creation-time index entry.
func (s *RunStore) Save(ctx context.Context, run stream.Run) error {
	data, err := json.Marshal(toWire(run))
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	key := runKey(run.RunID)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "record", string(data))
		pipe.ZAdd(ctx, runsIndexKey, redis.Z{
			Score:  float64(run.CreatedAt.UnixNano()),
			Member: run.RunID,
		})
		if run.TTLSeconds > 0 && run.Status.IsTerminal() {
			pipe.Expire(ctx, key, time.Duration(run.TTLSeconds)*time.Second)
		}
		return nil
	})
	return err
}

// Load retrieves a run's hash entry.
func (s *RunStore) Load(ctx context.Context, runID string) (stream.Run, bool, error) {
	data, err := s.rdb.HGet(ctx, runKey(runID), "record").Result()
	if err == redis.Nil {
		return stream.Run{}, false, nil
	}
	if err != nil {
		return stream.Run{}, false, err
	}
	var w runRecord
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return stream.Run{}, false, fmt.Errorf("unmarshal run record: %w", err)
	}
	return fromWire(w), true, nil
}

// List enumerates runs newest-first via the runs:index sorted set, loading
// each run's hash entry in turn. Entries whose hash has expired (TTL past)
// are skipped rather than surfaced as an error.
func (s *RunStore) List(ctx context.Context, status *stream.RunStatus, limit int) ([]stream.Run, error) {
	// The whole index is read so that status filtering and expired entries
	// do not eat into limit; the loop below stops once limit runs are found.
	ids, err := s.rdb.ZRevRange(ctx, runsIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []stream.Run
	for _, id := range ids {
		run, ok, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Delete removes a run's hash entry and index membership.
func (s *RunStore) Delete(ctx context.Context, runID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, runKey(runID))
		pipe.ZRem(ctx, runsIndexKey, runID)
		return nil
	})
	return err
}
