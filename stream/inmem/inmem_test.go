package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dockrion.dev/events/stream"
)

func mustEmit(t *testing.T, sc *stream.StreamContext, ctx context.Context) {
	t.Helper()
	require.NoError(t, sc.EmitStarted(ctx, "agent", "custom", nil))
	require.NoError(t, sc.EmitProgress(ctx, "a", 0.5, ""))
	require.NoError(t, sc.EmitToken(ctx, "hi", ""))
	require.NoError(t, sc.EmitComplete(ctx, map[string]any{"r": 1}, nil, nil))
}

func TestPublishSubscribeHappyPath(t *testing.T) {
	ctx := context.Background()
	backend := New()
	defer backend.Close(ctx)

	bus := stream.NewEventBus(backend, nil, nil)
	filter, err := stream.NewFilterFromPreset(stream.PresetDebug)
	require.NoError(t, err)
	sc, err := stream.NewBusContext("r1", filter, bus)
	require.NoError(t, err)

	mustEmit(t, sc, ctx)

	events, errs, cancel, err := bus.Subscribe(ctx, "r1", 0, true)
	require.NoError(t, err)
	defer cancel()

	var got []stream.Event
	for e := range events {
		got = append(got, e)
	}
	require.Empty(t, drain(errs))
	require.Len(t, got, 4)
	for i, e := range got {
		require.Equal(t, int64(i), e.Sequence)
	}
	require.Equal(t, stream.EventComplete, got[3].Type)
}

func TestSubscribeFromSequenceMidRun(t *testing.T) {
	ctx := context.Background()
	backend := New()
	defer backend.Close(ctx)
	bus := stream.NewEventBus(backend, nil, nil)
	filter, err := stream.NewFilterFromPreset(stream.PresetDebug)
	require.NoError(t, err)
	sc, err := stream.NewBusContext("r2", filter, bus)
	require.NoError(t, err)

	require.NoError(t, sc.EmitStarted(ctx, "a", "f", nil))
	require.NoError(t, sc.EmitProgress(ctx, "a", 0.1, ""))
	require.NoError(t, sc.EmitProgress(ctx, "b", 0.2, ""))

	events, _, cancel, err := bus.Subscribe(ctx, "r2", 2, true)
	require.NoError(t, err)
	defer cancel()

	select {
	case e := <-events:
		require.Equal(t, int64(2), e.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed event")
	}

	require.NoError(t, sc.EmitComplete(ctx, nil, nil, nil))

	select {
	case e := <-events:
		require.Equal(t, stream.EventComplete, e.Type)
		require.Equal(t, int64(3), e.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live event")
	}
}

func TestSubscribeFromSequenceBeyondTerminalClosesImmediately(t *testing.T) {
	ctx := context.Background()
	backend := New()
	defer backend.Close(ctx)
	bus := stream.NewEventBus(backend, nil, nil)
	filter := stream.AllowAllFilter()
	sc, err := stream.NewBusContext("r3", filter, bus)
	require.NoError(t, err)
	mustEmit(t, sc, ctx)

	events, errs, cancel, err := bus.Subscribe(ctx, "r3", 100, true)
	require.NoError(t, err)
	defer cancel()

	_, open := <-events
	require.False(t, open, "expected no events delivered")
	require.Empty(t, drain(errs))
}

func TestOverflowEvictsOldestNonMandatory(t *testing.T) {
	ctx := context.Background()
	backend := New(WithMaxEventsPerRun(5))
	defer backend.Close(ctx)
	bus := stream.NewEventBus(backend, nil, nil)
	filter := stream.AllowAllFilter()
	sc, err := stream.NewBusContext("r4", filter, bus)
	require.NoError(t, err)

	require.NoError(t, sc.EmitStarted(ctx, "a", "f", nil))
	for i := 0; i < 10; i++ {
		require.NoError(t, sc.EmitProgress(ctx, "s", float64(i)/10, ""))
	}
	require.NoError(t, sc.EmitComplete(ctx, nil, nil, nil))

	got, err := backend.GetEvents(ctx, "r4", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	require.Equal(t, stream.EventStarted, got[0].Type)
	require.Equal(t, stream.EventComplete, got[len(got)-1].Type)
}

func TestTrimRemovesEvents(t *testing.T) {
	ctx := context.Background()
	backend := New()
	defer backend.Close(ctx)
	require.NoError(t, backend.Publish(ctx, "r5", testEvent(0, stream.EventStarted)))
	require.NoError(t, backend.Trim(ctx, "r5"))
	got, err := backend.GetEvents(ctx, "r5", 0, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestPublishAfterTerminalIsRejected(t *testing.T) {
	ctx := context.Background()
	backend := New()
	defer backend.Close(ctx)
	require.NoError(t, backend.Publish(ctx, "r6", testEvent(0, stream.EventComplete)))
	err := backend.Publish(ctx, "r6", testEvent(1, stream.EventHeartbeat))
	require.Error(t, err)
}

func TestCommitTerminalAppliesEventAndRecordTogether(t *testing.T) {
	ctx := context.Background()
	backend := New()
	defer backend.Close(ctx)

	require.NoError(t, backend.Publish(ctx, "r7", testEvent(0, stream.EventStarted)))

	now := time.Now()
	run := stream.Run{RunID: "r7", Status: stream.RunCompleted, CreatedAt: now, FinishedAt: &now, Result: map[string]any{"ok": true}}
	event := testEvent(1, stream.EventComplete)

	require.NoError(t, backend.CommitTerminal(ctx, "r7", event, run))

	events, err := backend.GetEvents(ctx, "r7", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, stream.EventComplete, events[1].Type)

	loaded, ok, err := backend.Load(ctx, "r7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, stream.RunCompleted, loaded.Status)

	err = backend.Publish(ctx, "r7", testEvent(2, stream.EventHeartbeat))
	require.Error(t, err)
}

func TestRunStoreSaveLoadListDelete(t *testing.T) {
	ctx := context.Background()
	backend := New()
	defer backend.Close(ctx)

	now := time.Now()
	require.NoError(t, backend.Save(ctx, stream.Run{RunID: "a", Status: stream.RunPending, CreatedAt: now}))
	require.NoError(t, backend.Save(ctx, stream.Run{RunID: "b", Status: stream.RunRunning, CreatedAt: now}))

	loaded, ok, err := backend.Load(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, stream.RunPending, loaded.Status)

	_, ok, err = backend.Load(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	all, err := backend.List(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	running := stream.RunRunning
	filtered, err := backend.List(ctx, &running, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "b", filtered[0].RunID)

	require.NoError(t, backend.Delete(ctx, "a"))
	_, ok, err = backend.Load(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func testEvent(seq int64, t stream.EventType) stream.Event {
	var payload stream.Payload
	switch t {
	case stream.EventStarted:
		payload = stream.StartedPayload{AgentName: "a"}
	case stream.EventComplete:
		payload = stream.CompletePayload{}
	default:
		payload = stream.HeartbeatPayload{}
	}
	return stream.Event{ID: "evt-test", Type: t, RunID: "r", Sequence: seq, Timestamp: time.Now(), Payload: payload}
}

func drain(errs <-chan error) []error {
	var out []error
	for e := range errs {
		out = append(out, e)
	}
	return out
}
