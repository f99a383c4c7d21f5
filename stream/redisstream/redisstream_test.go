package redisstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"dockrion.dev/events/stream"
)

var (
	testRedisClient *redis.Client
	testContainer   testcontainers.Container
	skipRedisTests  bool
)

func setupRedis() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		fmt.Printf("docker not available, redis stream tests will be skipped: %v\n", containerErr)
		skipRedisTests = true
		return
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		skipRedisTests = true
		return
	}
	port, err := testContainer.MappedPort(ctx, "6379")
	if err != nil {
		skipRedisTests = true
		return
	}
	testRedisClient = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	if err := testRedisClient.Ping(ctx).Err(); err != nil {
		skipRedisTests = true
	}
}

func TestMain(m *testing.M) {
	setupRedis()
	code := m.Run()
	if testContainer != nil {
		_ = testContainer.Terminate(context.Background())
	}
	if code != 0 {
		panic(fmt.Sprintf("redisstream tests exited with code %d", code))
	}
}

func requireRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipRedisTests {
		t.Skip("docker unavailable, skipping redis stream test")
	}
	return testRedisClient
}

func TestPublishAndReplay(t *testing.T) {
	rdb := requireRedis(t)
	ctx := context.Background()
	backend := New(rdb, WithMaxEventsPerRun(100))
	bus := stream.NewEventBus(backend, nil, nil)
	filter := stream.AllowAllFilter()
	sc, err := stream.NewBusContext("redis-r1", filter, bus)
	require.NoError(t, err)

	require.NoError(t, sc.EmitStarted(ctx, "agent", "fw", nil))
	require.NoError(t, sc.EmitToken(ctx, "hello", ""))
	require.NoError(t, sc.EmitComplete(ctx, map[string]any{"ok": true}, nil, nil))

	events, errs, cancel, err := bus.Subscribe(ctx, "redis-r1", 0, true)
	require.NoError(t, err)
	defer cancel()

	var got []stream.Event
	for e := range events {
		got = append(got, e)
	}
	select {
	case e := <-errs:
		require.NoError(t, e)
	default:
	}
	require.Len(t, got, 3)
	require.Equal(t, stream.EventComplete, got[2].Type)
}

func TestSubscribeFromSequenceBeyondTerminalClosesImmediately(t *testing.T) {
	rdb := requireRedis(t)
	ctx := context.Background()
	backend := New(rdb)
	bus := stream.NewEventBus(backend, nil, nil)
	filter := stream.AllowAllFilter()
	sc, err := stream.NewBusContext("redis-r3", filter, bus)
	require.NoError(t, err)

	require.NoError(t, sc.EmitStarted(ctx, "agent", "fw", nil))
	require.NoError(t, sc.EmitComplete(ctx, nil, nil, nil))

	events, errs, cancel, err := bus.Subscribe(ctx, "redis-r3", 100, true)
	require.NoError(t, err)
	defer cancel()

	select {
	case _, open := <-events:
		require.False(t, open, "expected no events delivered")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}
	select {
	case e := <-errs:
		require.NoError(t, e)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for errs channel to close")
	}
}

func TestReconnectMidRun(t *testing.T) {
	rdb := requireRedis(t)
	ctx := context.Background()
	backend := New(rdb)
	bus := stream.NewEventBus(backend, nil, nil)
	filter := stream.AllowAllFilter()
	sc, err := stream.NewBusContext("redis-r2", filter, bus)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, sc.EmitProgress(ctx, "s", float64(i)/10, ""))
	}

	events, _, cancel, err := bus.Subscribe(ctx, "redis-r2", 3, true)
	require.NoError(t, err)

	var first []stream.Event
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			first = append(first, e)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for replayed events")
		}
	}
	cancel()
	require.Equal(t, int64(3), first[0].Sequence)
	require.Equal(t, int64(4), first[1].Sequence)

	require.NoError(t, sc.EmitComplete(ctx, nil, nil, nil))

	got, err := backend.GetEvents(ctx, "redis-r2", 5, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, stream.EventComplete, got[0].Type)
}

func TestRunStoreSaveLoadList(t *testing.T) {
	rdb := requireRedis(t)
	ctx := context.Background()
	store := NewRunStore(rdb)

	run := stream.Run{RunID: "rs-1", Status: stream.RunRunning, CreatedAt: time.Now()}
	require.NoError(t, store.Save(ctx, run))

	loaded, ok, err := store.Load(ctx, "rs-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, stream.RunRunning, loaded.Status)

	list, err := store.List(ctx, nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, list)

	require.NoError(t, store.Delete(ctx, "rs-1"))
	_, ok, err = store.Load(ctx, "rs-1")
	require.NoError(t, err)
	require.False(t, ok)
}
