// Package config loads and validates the queue's TOML configuration file,
// with optional hot-reload.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Dicklesworthstone/jobq/internal/queue"
)

// FileConfig is the on-disk TOML shape. Every field maps onto
// queue.Config, plus the ambient sections (logging, facade) that live
// outside the core queue package.
type FileConfig struct {
	// MaxConcurrentGlobal caps the number of jobs running at once across
	// the whole process.
	MaxConcurrentGlobal int `toml:"max_concurrent_global"`

	// MaxConcurrentPerAgent caps concurrent jobs sharing an agent name.
	MaxConcurrentPerAgent int `toml:"max_concurrent_per_agent"`

	// MaxConcurrentPerWorkspace caps concurrent jobs sharing a workspace.
	MaxConcurrentPerWorkspace int `toml:"max_concurrent_per_workspace"`

	// MaxQueueSize is the total admitted-but-not-yet-running capacity.
	MaxQueueSize int `toml:"max_queue_size"`

	// DefaultPriority names the priority new jobs get when unspecified.
	DefaultPriority string `toml:"default_priority"`

	// DefaultMaxRetries is how many retries a job gets when unspecified.
	DefaultMaxRetries int `toml:"default_max_retries"`

	Persistence PersistenceConfig `toml:"persistence"`
	Stream      StreamConfig      `toml:"stream"`
	Headroom    HeadroomConfig    `toml:"headroom"`
	Logging     LoggingConfig     `toml:"logging"`
	Facade      FacadeConfig      `toml:"facade"`

	// RunTimeoutSeconds bounds a single job's execution; 0 means no limit.
	RunTimeoutSeconds int `toml:"run_timeout_seconds"`

	// WorkerPollIntervalMs is how often idle workers recheck the queue.
	WorkerPollIntervalMs int `toml:"worker_poll_interval_ms"`
}

// PersistenceConfig configures the durable store.
type PersistenceConfig struct {
	// Enabled turns on SQLite-backed durability and crash recovery.
	Enabled bool `toml:"enabled"`

	// DBPath is the SQLite database file path.
	DBPath string `toml:"db_path"`

	// AutosaveIntervalSeconds is how often every job the scheduler holds is
	// flushed to disk proactively, independent of completion. 0 disables
	// autosave.
	AutosaveIntervalSeconds float64 `toml:"autosave_interval_seconds"`
}

// StreamConfig configures per-job output buffering.
type StreamConfig struct {
	// BufferSize is the maximum number of chunks held per running job.
	BufferSize int `toml:"buffer_size"`

	// DropStrategy is "drop_oldest" or "reject_newest".
	DropStrategy string `toml:"drop_strategy"`
}

// HeadroomConfig configures the resource-based admission gate.
type HeadroomConfig struct {
	// Enabled turns on memory-headroom admission checks.
	Enabled bool `toml:"enabled"`

	// Threshold is the fraction of memory used above which dispatch blocks.
	Threshold float64 `toml:"threshold"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level"`

	// JSON selects a JSON handler instead of the default text handler.
	JSON bool `toml:"json"`
}

// FacadeConfig configures the optional HTTP/WebSocket facade.
type FacadeConfig struct {
	// Enabled is decoded from the file but starts nothing: the facade runs
	// only under the `serve` command.
	Enabled bool `toml:"enabled"`

	// Addr is a listen address, e.g. ":8099", copied into the queue config's
	// FacadeAddr. The `serve` command listens on its own --addr flag.
	Addr string `toml:"addr"`
}

// Default returns the reference configuration, matching queue.DefaultConfig.
func Default() FileConfig {
	qc := queue.DefaultConfig()
	return FileConfig{
		MaxConcurrentGlobal:       qc.MaxConcurrentGlobal,
		MaxConcurrentPerAgent:     qc.MaxConcurrentPerAgent,
		MaxConcurrentPerWorkspace: qc.MaxConcurrentPerWorkspace,
		MaxQueueSize:              qc.MaxQueueSize,
		DefaultPriority:           qc.DefaultPriority.String(),
		DefaultMaxRetries:         qc.DefaultMaxRetries,
		Persistence: PersistenceConfig{
			Enabled:                 qc.EnablePersistence,
			DBPath:                  qc.StorePath,
			AutosaveIntervalSeconds: qc.AutosaveInterval.Seconds(),
		},
		Stream: StreamConfig{
			BufferSize:   qc.StreamBufferSize,
			DropStrategy: string(qc.DropStrategy),
		},
		Headroom: HeadroomConfig{
			Enabled:   qc.HeadroomEnabled,
			Threshold: qc.HeadroomThreshold,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Facade:  FacadeConfig{Enabled: false, Addr: qc.FacadeAddr},

		RunTimeoutSeconds:    int(qc.RunTimeout.Seconds()),
		WorkerPollIntervalMs: int(qc.WorkerPollInterval.Milliseconds()),
	}
}

// Load reads and decodes a TOML file at path, filling any unset fields from
// Default.
func Load(path string) (*FileConfig, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s has unrecognized keys: %v", path, undecoded)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks every field for an internally consistent, runnable
// configuration.
func Validate(cfg *FileConfig) error {
	if cfg.MaxConcurrentGlobal < 1 {
		return fmt.Errorf("max_concurrent_global must be at least 1, got %d", cfg.MaxConcurrentGlobal)
	}
	if cfg.MaxConcurrentPerAgent < 1 {
		return fmt.Errorf("max_concurrent_per_agent must be at least 1, got %d", cfg.MaxConcurrentPerAgent)
	}
	if cfg.MaxConcurrentPerWorkspace < 1 {
		return fmt.Errorf("max_concurrent_per_workspace must be at least 1, got %d", cfg.MaxConcurrentPerWorkspace)
	}
	if cfg.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be at least 1, got %d", cfg.MaxQueueSize)
	}
	switch cfg.DefaultPriority {
	case "low", "normal", "high", "urgent":
	default:
		return fmt.Errorf("default_priority must be one of low/normal/high/urgent, got %q", cfg.DefaultPriority)
	}
	if cfg.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must be non-negative, got %d", cfg.DefaultMaxRetries)
	}
	if cfg.RunTimeoutSeconds < 0 {
		return fmt.Errorf("run_timeout_seconds must be non-negative, got %d", cfg.RunTimeoutSeconds)
	}
	if cfg.WorkerPollIntervalMs < 1 {
		return fmt.Errorf("worker_poll_interval_ms must be at least 1, got %d", cfg.WorkerPollIntervalMs)
	}

	if err := validatePersistence(&cfg.Persistence); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	if err := validateStream(&cfg.Stream); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	if err := validateHeadroom(&cfg.Headroom); err != nil {
		return fmt.Errorf("headroom: %w", err)
	}
	if err := validateLogging(&cfg.Logging); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

func validatePersistence(cfg *PersistenceConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.DBPath == "" {
		return fmt.Errorf("db_path must be set when persistence is enabled")
	}
	if cfg.AutosaveIntervalSeconds < 0 {
		return fmt.Errorf("autosave_interval_seconds must be non-negative, got %f", cfg.AutosaveIntervalSeconds)
	}
	return nil
}

func validateStream(cfg *StreamConfig) error {
	if cfg.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be at least 1, got %d", cfg.BufferSize)
	}
	switch cfg.DropStrategy {
	case "drop_oldest", "reject_newest":
	default:
		return fmt.Errorf("drop_strategy must be drop_oldest or reject_newest, got %q", cfg.DropStrategy)
	}
	return nil
}

func validateHeadroom(cfg *HeadroomConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return fmt.Errorf("threshold must be in (0, 1), got %f", cfg.Threshold)
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug/info/warn/error, got %q", cfg.Level)
	}
	return nil
}

// ToQueueConfig converts the file shape into the queue package's runtime
// Config.
func (c *FileConfig) ToQueueConfig() queue.Config {
	return queue.Config{
		MaxConcurrentGlobal:       c.MaxConcurrentGlobal,
		MaxConcurrentPerAgent:     c.MaxConcurrentPerAgent,
		MaxConcurrentPerWorkspace: c.MaxConcurrentPerWorkspace,
		MaxQueueSize:              c.MaxQueueSize,
		DefaultPriority:           queue.ParsePriority(c.DefaultPriority),
		DefaultMaxRetries:         c.DefaultMaxRetries,
		EnablePersistence:         c.Persistence.Enabled,
		StorePath:                 c.Persistence.DBPath,
		AutosaveInterval:          time.Duration(c.Persistence.AutosaveIntervalSeconds * float64(time.Second)),
		StreamBufferSize:          c.Stream.BufferSize,
		DropStrategy:              queue.DropStrategy(c.Stream.DropStrategy),
		RunTimeout:                time.Duration(c.RunTimeoutSeconds) * time.Second,
		WorkerPollInterval:        time.Duration(c.WorkerPollIntervalMs) * time.Millisecond,
		HeadroomEnabled:           c.Headroom.Enabled,
		HeadroomThreshold:         c.Headroom.Threshold,
		FacadeAddr:                c.Facade.Addr,
	}
}
