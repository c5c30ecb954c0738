// Package config loads scheduler configuration: defaults, then an
// optional YAML file, then SPACEDUCK_* environment overrides, in that
// precedence order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"spaceduck/internal/budget"
	taskdomain "spaceduck/internal/domain/task"
	"spaceduck/internal/observability"
	"spaceduck/internal/pricing"
)

// Config is the full scheduler configuration tree.
type Config struct {
	DatabasePath string          `yaml:"database_path"`
	LogLevel     string          `yaml:"log_level"`
	Scheduler    SchedulerConfig `yaml:"scheduler"`
	Queue        QueueConfig     `yaml:"queue"`
	Budget       BudgetConfig    `yaml:"budget"`
	Pricing      PricingConfig   `yaml:"pricing"`

	Metrics observability.MetricsConfig `yaml:"metrics"`
}

// SchedulerConfig tunes the heartbeat loop.
type SchedulerConfig struct {
	HeartbeatIntervalMs int64 `yaml:"heartbeat_interval_ms"`
}

// HeartbeatInterval returns the heartbeat as a duration.
func (c SchedulerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// QueueConfig tunes dispatch concurrency and the retry policy.
type QueueConfig struct {
	MaxConcurrent int64 `yaml:"max_concurrent"`
	MaxRetries    int   `yaml:"max_retries"`
	BackoffBaseMs int64 `yaml:"backoff_base_ms"`
	BackoffMaxMs  int64 `yaml:"backoff_max_ms"`
}

// BackoffBase returns the first-retry backoff as a duration.
func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the backoff cap as a duration.
func (c QueueConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// BudgetConfig holds per-run default limits and the global spend config.
type BudgetConfig struct {
	Defaults DefaultLimits       `yaml:"defaults"`
	Global   budget.GlobalConfig `yaml:"global"`
}

// DefaultLimits mirrors taskdomain.Limits with YAML tags. Zero means
// unlimited.
type DefaultLimits struct {
	MaxTokens       int     `yaml:"max_tokens"`
	MaxCostUSD      float64 `yaml:"max_cost_usd"`
	MaxWallClockMs  int64   `yaml:"max_wall_clock_ms"`
	MaxToolCalls    int     `yaml:"max_tool_calls"`
	MaxMemoryWrites int     `yaml:"max_memory_writes"`
}

// Limits converts to the domain type.
func (d DefaultLimits) Limits() taskdomain.Limits {
	return taskdomain.Limits{
		MaxTokens:       d.MaxTokens,
		MaxCostUSD:      d.MaxCostUSD,
		MaxWallClockMs:  d.MaxWallClockMs,
		MaxToolCalls:    d.MaxToolCalls,
		MaxMemoryWrites: d.MaxMemoryWrites,
	}
}

// PricingConfig carries per-model rate overrides that shadow the built-in
// table.
type PricingConfig struct {
	Overrides map[string]RateOverride `yaml:"overrides"`
}

// RateOverride mirrors pricing.Rate with YAML tags.
type RateOverride struct {
	InputPer1M           float64 `yaml:"input_per_1m"`
	OutputPer1M          float64 `yaml:"output_per_1m"`
	CacheReadDiscount    float64 `yaml:"cache_read_discount"`
	CacheWriteMultiplier float64 `yaml:"cache_write_multiplier"`
}

// Rates converts the overrides to the pricing table form.
func (p PricingConfig) Rates() map[string]pricing.Rate {
	if len(p.Overrides) == 0 {
		return nil
	}
	out := make(map[string]pricing.Rate, len(p.Overrides))
	for model, rate := range p.Overrides {
		out[model] = pricing.Rate{
			InputPer1M:           rate.InputPer1M,
			OutputPer1M:          rate.OutputPer1M,
			CacheReadDiscount:    rate.CacheReadDiscount,
			CacheWriteMultiplier: rate.CacheWriteMultiplier,
		}
	}
	return out
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		DatabasePath: "spaceduck-scheduler.db",
		LogLevel:     "info",
		Scheduler: SchedulerConfig{
			HeartbeatIntervalMs: 30_000,
		},
		Queue: QueueConfig{
			MaxConcurrent: 3,
			MaxRetries:    3,
			BackoffBaseMs: 5_000,
			BackoffMaxMs:  300_000,
		},
		Budget: BudgetConfig{
			Defaults: DefaultLimits{
				MaxTokens:      200_000,
				MaxCostUSD:     1.0,
				MaxWallClockMs: 600_000,
				MaxToolCalls:   30,
			},
			Global: budget.GlobalConfig{
				AlertThresholds: []float64{0.5, 0.8},
				OnLimitReached:  budget.PolicyAlertOnly,
			},
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path when
// non-empty, and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyEnv overlays SPACEDUCK_* environment variables. Unparseable values
// are ignored, keeping boot resilient to a bad shell profile.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SPACEDUCK_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SPACEDUCK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	setInt64 := func(name string, dst *int64) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setInt64("SPACEDUCK_HEARTBEAT_INTERVAL_MS", &cfg.Scheduler.HeartbeatIntervalMs)
	setInt64("SPACEDUCK_QUEUE_MAX_CONCURRENT", &cfg.Queue.MaxConcurrent)
	setInt("SPACEDUCK_QUEUE_MAX_RETRIES", &cfg.Queue.MaxRetries)
	setInt64("SPACEDUCK_QUEUE_BACKOFF_BASE_MS", &cfg.Queue.BackoffBaseMs)
	setInt64("SPACEDUCK_QUEUE_BACKOFF_MAX_MS", &cfg.Queue.BackoffMaxMs)
	setFloat("SPACEDUCK_BUDGET_DAILY_LIMIT_USD", &cfg.Budget.Global.DailyLimitUSD)
	setFloat("SPACEDUCK_BUDGET_MONTHLY_LIMIT_USD", &cfg.Budget.Global.MonthlyLimitUSD)
	if v := os.Getenv("SPACEDUCK_BUDGET_ON_LIMIT"); v != "" {
		cfg.Budget.Global.OnLimitReached = budget.Policy(v)
	}
}

// normalize clamps nonsense values back to usable ones.
func (c *Config) normalize() {
	if c.Scheduler.HeartbeatIntervalMs <= 0 {
		c.Scheduler.HeartbeatIntervalMs = Default().Scheduler.HeartbeatIntervalMs
	}
	if c.Queue.MaxConcurrent <= 0 {
		c.Queue.MaxConcurrent = 1
	}
	if c.Queue.MaxRetries < 0 {
		c.Queue.MaxRetries = 0
	}
	if c.Queue.BackoffBaseMs <= 0 {
		c.Queue.BackoffBaseMs = Default().Queue.BackoffBaseMs
	}
	if c.Queue.BackoffMaxMs < c.Queue.BackoffBaseMs {
		c.Queue.BackoffMaxMs = c.Queue.BackoffBaseMs
	}
	switch c.Budget.Global.OnLimitReached {
	case budget.PolicyPauseAll, budget.PolicyPauseNonCritical, budget.PolicyAlertOnly:
	default:
		c.Budget.Global.OnLimitReached = budget.PolicyAlertOnly
	}
}
