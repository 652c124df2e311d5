// Package config loads and validates the node configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSegmentSizeMax is the default max bytes per log segment.
	DefaultSegmentSizeMax = 8 * 1024 * 1024

	// DefaultCacheMaxSegments is the default number of closed segments
	// that keep their full entry arrays in memory.
	DefaultCacheMaxSegments = 6

	// DefaultFlushEntries is the default entry-count flush threshold.
	DefaultFlushEntries = 128

	// DefaultFlushInterval is the default time flush threshold.
	DefaultFlushInterval = 10 * time.Millisecond

	// DefaultRPCTimeout is the default per-retry delay for the client.
	DefaultRPCTimeout = 300 * time.Millisecond

	// DefaultMaxOutstandingRequests is the default async semaphore capacity.
	DefaultMaxOutstandingRequests = 100

	// DefaultSchedulerThreads is the default retry timer pool size.
	DefaultSchedulerThreads = 3
)

// Duration is a time.Duration that unmarshals from yaml strings such as
// "10ms", or from plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dd)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogConfig configures the segmented log.
type LogConfig struct {
	// SegmentSizeMax is the max bytes per segment. A single entry larger
	// than this is appended to the open segment without rolling it first.
	SegmentSizeMax int64 `yaml:"segment_size_max"`

	// CacheMaxSegments is the max number of closed segments retaining
	// full entry arrays in memory.
	CacheMaxSegments int `yaml:"cache_max_segments"`

	// FlushEntries triggers an fsync once this many entries are pending.
	FlushEntries int `yaml:"flush_entries"`

	// FlushInterval triggers an fsync once pending entries are this old.
	FlushInterval Duration `yaml:"flush_interval"`
}

// RPCConfig configures the client transport behavior.
type RPCConfig struct {
	// Timeout is the per-retry delay for the client.
	Timeout Duration `yaml:"timeout"`
}

// AsyncConfig configures the client async pipeline.
type AsyncConfig struct {
	// MaxOutstandingRequests bounds concurrently outstanding async requests.
	MaxOutstandingRequests int `yaml:"max_outstanding_requests"`

	// SchedulerThreads is the size of the retry timer pool.
	SchedulerThreads int `yaml:"scheduler_threads"`
}

// Config is the root configuration.
type Config struct {
	Log   LogConfig   `yaml:"log"`
	RPC   RPCConfig   `yaml:"rpc"`
	Async AsyncConfig `yaml:"async"`
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			SegmentSizeMax:   DefaultSegmentSizeMax,
			CacheMaxSegments: DefaultCacheMaxSegments,
			FlushEntries:     DefaultFlushEntries,
			FlushInterval:    Duration(DefaultFlushInterval),
		},
		RPC: RPCConfig{Timeout: Duration(DefaultRPCTimeout)},
		Async: AsyncConfig{
			MaxOutstandingRequests: DefaultMaxOutstandingRequests,
			SchedulerThreads:       DefaultSchedulerThreads,
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every option for a sane value.
func (c *Config) Validate() error {
	if c.Log.SegmentSizeMax <= 0 {
		return fmt.Errorf("log.segment_size_max must be greater than 0")
	}
	if c.Log.CacheMaxSegments <= 0 {
		return fmt.Errorf("log.cache_max_segments must be greater than 0")
	}
	if c.Log.FlushEntries <= 0 {
		return fmt.Errorf("log.flush_entries must be greater than 0")
	}
	if c.Log.FlushInterval <= 0 {
		return fmt.Errorf("log.flush_interval must be greater than 0")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("rpc.timeout must be greater than 0")
	}
	if c.Async.MaxOutstandingRequests <= 0 {
		return fmt.Errorf("async.max_outstanding_requests must be greater than 0")
	}
	if c.Async.SchedulerThreads <= 0 {
		return fmt.Errorf("async.scheduler_threads must be greater than 0")
	}
	return nil
}
