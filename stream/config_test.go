package stream_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dockrion.dev/events/stream"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := stream.DefaultConfig()
	require.Equal(t, stream.BackendInMemory, cfg.Backend)
	require.Equal(t, stream.TTLPolicyFixedPostMortem, cfg.Redis.TTLPolicy)
	require.Equal(t, 1000, cfg.Redis.MaxEventsPerRun)
	require.True(t, cfg.Run.AllowClientIDs)
}

func TestDefaultConfigFilterIsChatPreset(t *testing.T) {
	cfg := stream.DefaultConfig()
	f, err := cfg.Filter()
	require.NoError(t, err)
	require.True(t, f.IsAllowed(stream.EventToken))
	require.False(t, f.IsAllowed(stream.EventProgress))
}

func TestConfigFilterExplicitOverridesPreset(t *testing.T) {
	cfg := stream.DefaultConfig()
	cfg.Events.Explicit = []string{"progress", "checkpoint"}
	f, err := cfg.Filter()
	require.NoError(t, err)
	require.True(t, f.IsAllowed(stream.EventProgress))
	require.True(t, f.IsAllowed(stream.EventCheckpoint))
	require.False(t, f.IsAllowed(stream.EventToken))
}

func TestLoadConfigOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.yaml")
	yamlDoc := `
backend: redis
redis:
  url: redis://localhost:6379/0
  max_events_per_run: 500
events:
  allowed: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg, err := stream.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, stream.BackendRedis, cfg.Backend)
	require.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	require.Equal(t, 500, cfg.Redis.MaxEventsPerRun)
	require.Equal(t, 3600, cfg.Redis.StreamTTLSeconds, "unset field keeps its default")

	f, err := cfg.Filter()
	require.NoError(t, err)
	require.True(t, f.IsAllowed(stream.EventProgress))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := stream.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
