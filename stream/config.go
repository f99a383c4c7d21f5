package stream

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendKind selects the concrete Backend implementation a Config wires up.
type BackendKind string

const (
	BackendInMemory BackendKind = "in_memory"
	BackendRedis    BackendKind = "redis"
)

// TTLPolicy selects how the Redis backend applies retention to a run's
// stream key. See Config.Redis.TTLPolicy.
type TTLPolicy string

const (
	// TTLPolicyFixedPostMortem sets the key's TTL once, when the terminal
	// event is published: a fixed post-mortem retention window.
	TTLPolicyFixedPostMortem TTLPolicy = "fixed_post_mortem"
	// TTLPolicySliding refreshes the key's TTL on every publish.
	TTLPolicySliding TTLPolicy = "sliding"
)

// RedisConfig groups the tunables specific to the Redis Streams backend.
type RedisConfig struct {
	URL                string        `yaml:"url"`
	StreamTTLSeconds   int           `yaml:"stream_ttl_seconds"`
	MaxEventsPerRun     int           `yaml:"max_events_per_run"`
	ConnectionPoolSize int           `yaml:"connection_pool_size"`
	TTLPolicy          TTLPolicy     `yaml:"ttl_policy"`
	BlockDuration      time.Duration `yaml:"block_duration"`
}

// EventsConfig groups the tunables for the default EventsFilter applied to
// runs that don't specify their own.
type EventsConfig struct {
	Allowed    string   `yaml:"allowed"`
	CustomMode string   `yaml:"custom_mode"`
	Explicit   []string `yaml:"explicit,omitempty"`
}

// RunConfig groups RunManager-level tunables not specific to a backend.
type RunConfig struct {
	AllowClientIDs bool `yaml:"allow_client_ids"`
}

// Config is the single immutable configuration record covering every
// tunable. It is loaded once at startup; no mutable
// globals derive from it. HeartbeatInterval, MaxRunDuration and
// CancelGraceSeconds are time.Duration values: in YAML they take duration
// strings such as "15s", and a bare integer is read as nanoseconds.
type Config struct {
	Backend             BackendKind   `yaml:"backend"`
	Redis               RedisConfig   `yaml:"redis"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MaxRunDuration      time.Duration `yaml:"max_run_duration"`
	CancelGraceSeconds  time.Duration `yaml:"cancel_grace_seconds"`
	Events              EventsConfig  `yaml:"events"`
	Run                 RunConfig     `yaml:"run"`
}

// DefaultConfig returns a Config with every documented default applied,
// wired to the in-memory backend. Callers override individual fields or load
// a YAML file over it via LoadConfig.
func DefaultConfig() Config {
	return Config{
		Backend: BackendInMemory,
		Redis: RedisConfig{
			StreamTTLSeconds:   3600,
			MaxEventsPerRun:    1000,
			ConnectionPoolSize: 10,
			TTLPolicy:          TTLPolicyFixedPostMortem,
			BlockDuration:      5 * time.Second,
		},
		HeartbeatInterval:  15 * time.Second,
		MaxRunDuration:     time.Hour,
		CancelGraceSeconds: 30 * time.Second,
		Events: EventsConfig{
			Allowed:    string(PresetChat),
			CustomMode: string(CustomModeNone),
		},
		Run: RunConfig{AllowClientIDs: true},
	}
}

// LoadConfig reads a YAML document at path and overlays it onto
// DefaultConfig. A missing field in the document keeps its default value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read stream config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse stream config %s: %w", path, err)
	}
	return cfg, nil
}

// Filter resolves the configured default Filter, honoring a preset name in
// Events.Allowed or falling back to an explicit list when Events.Explicit is
// set.
func (c Config) Filter() (Filter, error) {
	if len(c.Events.Explicit) > 0 {
		return NewFilterFromList(c.Events.Explicit)
	}
	if c.Events.Allowed == "" {
		return NewFilterFromPreset(PresetChat)
	}
	return NewFilterFromPreset(FilterPreset(c.Events.Allowed))
}
