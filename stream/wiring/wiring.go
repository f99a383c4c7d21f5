// Package wiring builds a stream.Backend from a stream.Config. It is a
// separate package, rather than a method on Config itself, because both
// concrete backends import the stream package for its interfaces and types;
// stream itself cannot import them back without a cycle.
package wiring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dockrion.dev/events/stream"
	"dockrion.dev/events/stream/inmem"
	"dockrion.dev/events/stream/redisstream"
)

// NewBackend constructs the concrete stream.Backend selected by cfg.Backend.
// For BackendRedis it builds a *redis.Client from cfg.Redis directly (Addr,
// PoolSize); the client's lifecycle then belongs to the returned Backend,
// which closes it on Close.
func NewBackend(cfg stream.Config) (stream.Backend, error) {
	backend, _, _, err := NewStack(cfg)
	return backend, err
}

// NewStack constructs the full backend/store/committer trio selected by
// cfg.Backend: the event Backend, a paired RunStore, and a RunManager
// TerminalCommitter that commits a run's terminal event and terminal record
// as one atomic operation on whichever storage the backend uses. Pass store
// and committer to stream.WithStore/stream.WithTerminalCommitter so
// RunManager.finalize never has to fall back to a non-atomic sequential
// dispatch-then-save.
func NewStack(cfg stream.Config) (stream.Backend, stream.RunStore, stream.TerminalCommitter, error) {
	switch cfg.Backend {
	case stream.BackendInMemory, "":
		b := inmem.New(
			inmem.WithMaxEventsPerRun(cfg.Redis.MaxEventsPerRun),
		)
		// inmem.Backend implements both stream.RunStore and
		// stream.TerminalCommitter over the same per-run mutex its events
		// use, so all three values below are backed by one object.
		return b, b, b, nil
	case stream.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			PoolSize: cfg.Redis.ConnectionPoolSize,
		})
		backend := redisstream.New(rdb,
			redisstream.WithMaxEventsPerRun(int64(cfg.Redis.MaxEventsPerRun)),
			redisstream.WithStreamTTL(time.Duration(cfg.Redis.StreamTTLSeconds)*time.Second),
			redisstream.WithTTLPolicy(cfg.Redis.TTLPolicy),
			redisstream.WithBlockDuration(cfg.Redis.BlockDuration),
		)
		store := redisstream.NewRunStore(rdb)
		committer := redisstream.NewCommitter(backend, store)
		return &closingBackend{Backend: backend, rdb: rdb}, store, committer, nil
	default:
		return nil, nil, nil, fmt.Errorf("wiring: unknown backend kind %q", cfg.Backend)
	}
}

// closingBackend wraps redisstream.Backend so Close also closes the
// *redis.Client this package created for it; a caller-supplied client (via
// redisstream.New directly) stays caller-owned, matching redisstream.Backend's
// own documented contract.
type closingBackend struct {
	*redisstream.Backend
	rdb *redis.Client
}

var _ stream.Backend = (*closingBackend)(nil)

func (c *closingBackend) Close(ctx context.Context) error {
	_ = c.Backend.Close(ctx)
	return c.rdb.Close()
}
