package stream_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dockrion.dev/events/stream"
)

func TestEventTypeClassification(t *testing.T) {
	require.True(t, stream.EventComplete.IsTerminal())
	require.True(t, stream.EventError.IsTerminal())
	require.True(t, stream.EventCancelled.IsTerminal())
	require.False(t, stream.EventToken.IsTerminal())

	require.True(t, stream.EventStarted.IsMandatory())
	require.True(t, stream.EventComplete.IsMandatory())
	require.False(t, stream.EventProgress.IsMandatory())

	custom := stream.CustomType("fraud_check")
	require.True(t, custom.IsCustom())
	require.Equal(t, "fraud_check", custom.CustomName())
	require.False(t, stream.EventToken.IsCustom())
}

func TestEventMarshalRoundTrip(t *testing.T) {
	ev := stream.Event{
		ID:        "evt-1",
		Type:      stream.EventProgress,
		RunID:     "run-1",
		Sequence:  3,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Payload:   stream.ProgressPayload{Step: "fetch", Progress: 0.4, Message: "fetching"},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got stream.Event
	require.NoError(t, json.Unmarshal(data, &got))

	require.Equal(t, ev.ID, got.ID)
	require.Equal(t, ev.Type, got.Type)
	require.Equal(t, ev.RunID, got.RunID)
	require.Equal(t, ev.Sequence, got.Sequence)
	require.Equal(t, ev.Timestamp.Unix(), got.Timestamp.Unix())
	require.Equal(t, ev.Payload, got.Payload)
}

func TestEventMarshalRoundTripCustomPayload(t *testing.T) {
	ev := stream.Event{
		ID:        "evt-2",
		Type:      stream.CustomType("fraud_check"),
		RunID:     "run-1",
		Sequence:  0,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Payload:   stream.CustomPayload{Data: map[string]any{"score": 0.9}},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got stream.Event
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, ev.Type, got.Type)
	require.Equal(t, ev.Payload, got.Payload)
}

func TestEventSSEFraming(t *testing.T) {
	ev := stream.Event{
		ID:        "evt-3",
		Type:      stream.EventToken,
		RunID:     "run-1",
		Sequence:  1,
		Timestamp: time.Now().UTC(),
		Payload:   stream.TokenPayload{Content: "hi"},
	}
	sse, err := ev.SSE()
	require.NoError(t, err)
	require.Contains(t, sse, "event: token\n")
	require.Contains(t, sse, "\n\n")
	require.Contains(t, sse, `"content":"hi"`)
}
