// Package model defines the data structures for dispatchd's configuration,
// requests, and dispatch outcomes.
package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Project Project        `yaml:"project"`
	Daemon  DaemonConfig   `yaml:"daemon"`
	Logging LoggingConfig  `yaml:"logging"`
	Queue   QueueConfig    `yaml:"queue"`
	Breaker BreakerConfig  `yaml:"breaker"`
	Limits  LimitsConfig   `yaml:"limits"`
	LLM     LLMConfig      `yaml:"llm"`
	Router  RouterConfig   `yaml:"router"`
	Agents  map[string]AgentConfig `yaml:"agents"`
}

type Project struct {
	Name string `yaml:"name"`
}

type DaemonConfig struct {
	Consumers          int `yaml:"consumers"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	ScanIntervalSec    int `yaml:"scan_interval_sec"`
	MetricsPort        int `yaml:"metrics_port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type QueueConfig struct {
	MaxSize          int `yaml:"max_size"`
	MaxRetries       int `yaml:"max_retries"`
	DequeueTimeoutMs int `yaml:"dequeue_timeout_ms"`
}

type BreakerConfig struct {
	FailureThreshold   int     `yaml:"failure_threshold"`
	RecoveryTimeoutSec float64 `yaml:"recovery_timeout_sec"`
	HalfOpenThreshold  int     `yaml:"half_open_threshold"`
}

// BucketConfig describes one token bucket: capacity tokens, refilled at
// refill_rate tokens per second.
type BucketConfig struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// UserBucketConfig binds a bucket to an (agent_type, user_id) pair.
type UserBucketConfig struct {
	AgentType  string  `yaml:"agent_type"`
	UserID     string  `yaml:"user_id"`
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

type LimitsConfig struct {
	Global map[string]BucketConfig `yaml:"global"`
	Users  []UserBucketConfig      `yaml:"users"`
}

type LLMConfig struct {
	BaseURL       string  `yaml:"base_url"`
	Model         string  `yaml:"model"`
	FallbackModel string  `yaml:"fallback_model"`
	TimeoutSec    int     `yaml:"timeout_sec"`
	Temperature   float64 `yaml:"temperature"`
}

type RouterConfig struct {
	IntentCacheTTLSec int `yaml:"intent_cache_ttl_sec"`
}

type AgentConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoadConfig reads and parses the YAML config file, then applies defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with working defaults so a minimal
// config file is enough to run the daemon.
func (c *Config) ApplyDefaults() {
	if c.Daemon.Consumers <= 0 {
		c.Daemon.Consumers = 1
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.ScanIntervalSec <= 0 {
		c.Daemon.ScanIntervalSec = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Queue.MaxSize <= 0 {
		c.Queue.MaxSize = 1000
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.DequeueTimeoutMs <= 0 {
		c.Queue.DequeueTimeoutMs = 1000
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 3
	}
	if c.Breaker.RecoveryTimeoutSec <= 0 {
		c.Breaker.RecoveryTimeoutSec = 30
	}
	if c.Breaker.HalfOpenThreshold <= 0 {
		c.Breaker.HalfOpenThreshold = 1
	}
	if c.LLM.TimeoutSec <= 0 {
		c.LLM.TimeoutSec = 60
	}
	if c.Router.IntentCacheTTLSec <= 0 {
		c.Router.IntentCacheTTLSec = 300
	}
}
