package stream_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dockrion.dev/events/stream"
)

func TestFilterPresetMinimalAllowsOnlyMandatory(t *testing.T) {
	f, err := stream.NewFilterFromPreset(stream.PresetMinimal)
	require.NoError(t, err)

	require.True(t, f.IsAllowed(stream.EventStarted))
	require.True(t, f.IsAllowed(stream.EventComplete))
	require.False(t, f.IsAllowed(stream.EventToken))
	require.False(t, f.IsAllowed(stream.CustomType("anything")))
}

func TestFilterPresetChatAllowsTokenStepHeartbeat(t *testing.T) {
	f, err := stream.NewFilterFromPreset(stream.PresetChat)
	require.NoError(t, err)

	require.True(t, f.IsAllowed(stream.EventToken))
	require.True(t, f.IsAllowed(stream.EventStep))
	require.True(t, f.IsAllowed(stream.EventHeartbeat))
	require.False(t, f.IsAllowed(stream.EventProgress))
}

func TestFilterPresetAllAllowsEverything(t *testing.T) {
	f := stream.AllowAllFilter()
	require.True(t, f.IsAllowed(stream.EventProgress))
	require.True(t, f.IsAllowed(stream.EventCheckpoint))
	require.True(t, f.IsAllowed(stream.CustomType("whatever")))
}

func TestFilterFromListExplicitCustom(t *testing.T) {
	f, err := stream.NewFilterFromList([]string{"token", "custom:fraud_check"})
	require.NoError(t, err)

	require.True(t, f.IsAllowed(stream.EventToken))
	require.False(t, f.IsAllowed(stream.EventProgress))
	require.True(t, f.IsAllowed(stream.CustomType("fraud_check")))
	require.False(t, f.IsAllowed(stream.CustomType("other")))
}

func TestFilterFromListBareCustomAllowsAll(t *testing.T) {
	f, err := stream.NewFilterFromList([]string{"custom"})
	require.NoError(t, err)
	require.True(t, f.IsAllowed(stream.CustomType("anything")))
}

func TestFilterFromListMandatoryIsNoOpNotError(t *testing.T) {
	f, err := stream.NewFilterFromList([]string{"started", "complete"})
	require.NoError(t, err)
	require.True(t, f.IsAllowed(stream.EventStarted))
	require.False(t, f.IsAllowed(stream.EventToken))
}

func TestFilterFromListRejectsUnknownType(t *testing.T) {
	_, err := stream.NewFilterFromList([]string{"not_a_real_type"})
	require.Error(t, err)
}

func TestFilterFromPresetRejectsUnknownPreset(t *testing.T) {
	_, err := stream.NewFilterFromPreset(stream.FilterPreset("bogus"))
	require.Error(t, err)
}

func TestFilterMandatoryAlwaysAllowedRegardlessOfConfig(t *testing.T) {
	f, err := stream.NewFilterFromList(nil)
	require.NoError(t, err)
	for _, mandatory := range []stream.EventType{stream.EventStarted, stream.EventComplete, stream.EventError, stream.EventCancelled} {
		require.True(t, f.IsAllowed(mandatory))
	}
}
