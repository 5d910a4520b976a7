// Package config loads keel runtime configuration from TOML files with
// environment overrides. Hosts embedding keel call Load and hand the typed
// sections to the corresponding constructors.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/keelframe/keel"
)

type Config struct {
	Profile     string            `toml:"profile"` // "" (defaults) or "throughput"
	Queue       QueueConfig       `toml:"queue"`
	DLQ         DLQConfig         `toml:"dlq"`
	Breaker     BreakerConfig     `toml:"breaker"`
	Agent       AgentConfig       `toml:"agent"`
	Persistence PersistenceConfig `toml:"persistence"`
	Observer    ObserverConfig    `toml:"observer"`
}

type QueueConfig struct {
	MaxMemoryUsage          float64 `toml:"max_memory_usage"`
	MaxCPUUsage             float64 `toml:"max_cpu_usage"`
	BatchSize               int     `toml:"batch_size"`
	MaxConcurrent           int     `toml:"max_concurrent"`
	MaxQueueDepth           int     `toml:"max_queue_depth"`
	EnableAutoScaling       bool    `toml:"enable_auto_scaling"`
	ScaleIntervalSeconds    int     `toml:"scale_interval_seconds"`
	EnableCompression       bool    `toml:"enable_compression"`
	EnablePersistence       bool    `toml:"enable_persistence"`
	PersistCriticalEvents   bool    `toml:"persist_critical_events"`
	EnableEventStore        bool    `toml:"enable_event_store"`
	EnableGlobalConcurrency bool    `toml:"enable_global_concurrency"`
}

type DLQConfig struct {
	MaxSize                int  `toml:"max_size"`
	MaxRetentionDays       int  `toml:"max_retention_days"`
	EnableAutoCleanup      bool `toml:"enable_auto_cleanup"`
	CleanupIntervalMinutes int  `toml:"cleanup_interval_minutes"`
	AlertThreshold         int  `toml:"alert_threshold"`
	EnablePersistence      bool `toml:"enable_persistence"`
}

type BreakerConfig struct {
	FailureThreshold        int `toml:"failure_threshold"`
	RecoveryTimeoutSeconds  int `toml:"recovery_timeout_seconds"`
	SuccessThreshold        int `toml:"success_threshold"`
	OperationTimeoutSeconds int `toml:"operation_timeout_seconds"`
}

type AgentConfig struct {
	MaxIterations          int `toml:"max_iterations"`
	ThinkingTimeoutSeconds int `toml:"thinking_timeout_seconds"`
}

type PersistenceConfig struct {
	// Backend is "file", "sqlite", or "memory".
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	Fsync   bool   `toml:"fsync"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	q := keel.DefaultQueueConfig()
	d := keel.DefaultDLQConfig()
	return Config{
		Queue: QueueConfig{
			MaxMemoryUsage:          q.MaxMemoryUsage,
			MaxCPUUsage:             q.MaxCPUUsage,
			BatchSize:               q.BatchSize,
			MaxConcurrent:           q.MaxConcurrent,
			MaxQueueDepth:           q.MaxQueueDepth,
			EnableAutoScaling:       q.EnableAutoScaling,
			ScaleIntervalSeconds:    int(q.AutoScalingInterval / time.Second),
			EnableCompression:       q.EnableCompression,
			EnablePersistence:       q.EnablePersistence,
			PersistCriticalEvents:   q.PersistCriticalEvents,
			EnableEventStore:        q.EnableEventStore,
			EnableGlobalConcurrency: q.EnableGlobalConcurrency,
		},
		DLQ: DLQConfig{
			MaxSize:                d.MaxSize,
			MaxRetentionDays:       d.MaxRetentionDays,
			EnableAutoCleanup:      d.EnableAutoCleanup,
			CleanupIntervalMinutes: int(d.CleanupInterval / time.Minute),
			AlertThreshold:         d.AlertThreshold,
			EnablePersistence:      d.EnablePersistence,
		},
		Breaker: BreakerConfig{
			FailureThreshold:        5,
			RecoveryTimeoutSeconds:  60,
			SuccessThreshold:        2,
			OperationTimeoutSeconds: 60,
		},
		Agent: AgentConfig{
			MaxIterations:          15,
			ThinkingTimeoutSeconds: 60,
		},
		Persistence: PersistenceConfig{
			Backend: "file",
			Path:    "keel-snapshots.jsonl",
		},
	}
}

// Load reads config: defaults -> profile -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "keel.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if cfg.Profile == "throughput" {
		t := keel.ThroughputQueueConfig()
		cfg.Queue.MaxCPUUsage = t.MaxCPUUsage
		cfg.Queue.BatchSize = t.BatchSize
		cfg.Queue.EnableAutoScaling = t.EnableAutoScaling
	}

	// Env overrides
	if v := os.Getenv("KEEL_PERSISTENCE_PATH"); v != "" {
		cfg.Persistence.Path = v
	}
	if v := os.Getenv("KEEL_PERSISTENCE_BACKEND"); v != "" {
		cfg.Persistence.Backend = v
	}
	if os.Getenv("KEEL_OBSERVER_ENABLED") == "true" || os.Getenv("KEEL_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// QueueConfig converts the section to the runtime type. Unset thresholds
// (size ladder, dedup bound) fall back to the runtime defaults.
func (c Config) QueueConfig() keel.QueueConfig {
	cfg := keel.DefaultQueueConfig()
	cfg.MaxMemoryUsage = c.Queue.MaxMemoryUsage
	cfg.MaxCPUUsage = c.Queue.MaxCPUUsage
	cfg.BatchSize = c.Queue.BatchSize
	cfg.MaxConcurrent = c.Queue.MaxConcurrent
	cfg.MaxQueueDepth = c.Queue.MaxQueueDepth
	cfg.EnableAutoScaling = c.Queue.EnableAutoScaling
	cfg.AutoScalingInterval = time.Duration(c.Queue.ScaleIntervalSeconds) * time.Second
	cfg.EnableCompression = c.Queue.EnableCompression
	cfg.EnablePersistence = c.Queue.EnablePersistence
	cfg.PersistCriticalEvents = c.Queue.PersistCriticalEvents
	cfg.EnableEventStore = c.Queue.EnableEventStore
	cfg.EnableGlobalConcurrency = c.Queue.EnableGlobalConcurrency
	return cfg
}

// DLQConfig converts the section to the runtime type.
func (c Config) DLQConfig() keel.DLQConfig {
	return keel.DLQConfig{
		MaxSize:           c.DLQ.MaxSize,
		MaxRetentionDays:  c.DLQ.MaxRetentionDays,
		EnableAutoCleanup: c.DLQ.EnableAutoCleanup,
		CleanupInterval:   time.Duration(c.DLQ.CleanupIntervalMinutes) * time.Minute,
		AlertThreshold:    c.DLQ.AlertThreshold,
		EnablePersistence: c.DLQ.EnablePersistence,
	}
}

// BreakerOptions converts the section to breaker options.
func (c Config) BreakerOptions() []keel.BreakerOption {
	return []keel.BreakerOption{
		keel.WithFailureThreshold(c.Breaker.FailureThreshold),
		keel.WithRecoveryTimeout(time.Duration(c.Breaker.RecoveryTimeoutSeconds) * time.Second),
		keel.WithSuccessThreshold(c.Breaker.SuccessThreshold),
		keel.WithOperationTimeout(time.Duration(c.Breaker.OperationTimeoutSeconds) * time.Second),
	}
}

// AgentOptions converts the section to agent options.
func (c Config) AgentOptions() []keel.AgentOption {
	return []keel.AgentOption{
		keel.WithMaxIterations(c.Agent.MaxIterations),
		keel.WithThinkingTimeout(time.Duration(c.Agent.ThinkingTimeoutSeconds) * time.Second),
	}
}
