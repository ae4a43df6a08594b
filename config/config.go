// Package config supplies deployment configuration for the resilience
// core: thresholds, intervals and the allocation strategy. Configuration
// is read once at construction; the core requires no hot reload.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/datapult/resilience/adaptive"
	"github.com/datapult/resilience/circuitbreaker"
	"github.com/datapult/resilience/monitoring"
)

// Config is the root configuration for the resilience core
type Config struct {
	CircuitBreaker BreakerConfig     `yaml:"circuit_breaker"`
	Degradation    DegradationConfig `yaml:"degradation"`
	Monitor        MonitorConfig     `yaml:"monitor"`
	Adaptive       AdaptiveConfig    `yaml:"adaptive"`
	Allocator      AllocatorConfig   `yaml:"allocator"`
}

// BreakerConfig configures the default circuit breaker parameters
type BreakerConfig struct {
	FailureThreshold     int           `yaml:"failure_threshold"`
	RecoveryTimeout      time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold     int           `yaml:"success_threshold"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	SlidingWindowSize    int           `yaml:"sliding_window_size"`
	MinimumThroughput    int           `yaml:"minimum_throughput"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
}

// DegradationConfig configures the degradation manager
type DegradationConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MonitorConfig configures the resource monitor
type MonitorConfig struct {
	SampleInterval time.Duration     `yaml:"sample_interval"`
	HistorySize    int               `yaml:"history_size"`
	AlertCooldown  time.Duration     `yaml:"alert_cooldown"`
	DiskPath       string            `yaml:"disk_path"`
	WebhookURL     string            `yaml:"webhook_url"`
	Thresholds     []ThresholdConfig `yaml:"thresholds"`
}

// ThresholdConfig is the YAML shape of one resource threshold
type ThresholdConfig struct {
	Resource          string        `yaml:"resource"`
	Metric            string        `yaml:"metric"`
	Warning           float64       `yaml:"warning"`
	Critical          float64       `yaml:"critical"`
	Emergency         float64       `yaml:"emergency"`
	MinBreachDuration time.Duration `yaml:"min_breach_duration"`
	Description       string        `yaml:"description"`
}

// AdaptiveConfig configures the adaptive resource manager
type AdaptiveConfig struct {
	Strategy              string        `yaml:"strategy"`
	CycleInterval         time.Duration `yaml:"cycle_interval"`
	Horizon               time.Duration `yaml:"horizon"`
	MinAdjustment         float64       `yaml:"min_adjustment"`
	MaxAdjustmentPerCycle float64       `yaml:"max_adjustment_per_cycle"`
}

// AllocatorConfig configures the allocation controller
type AllocatorConfig struct {
	CycleInterval time.Duration `yaml:"cycle_interval"`
	MaxHistory    int           `yaml:"max_history"`
}

// Default returns the default configuration for a single-node deployment.
func Default() *Config {
	return &Config{
		CircuitBreaker: BreakerConfig{
			FailureThreshold:     5,
			RecoveryTimeout:      60 * time.Second,
			SuccessThreshold:     3,
			CallTimeout:          30 * time.Second,
			SlidingWindowSize:    10,
			MinimumThroughput:    5,
			FailureRateThreshold: 0.5,
		},
		Degradation: DegradationConfig{
			PollInterval: 10 * time.Second,
		},
		Monitor: MonitorConfig{
			SampleInterval: 10 * time.Second,
			HistorySize:    1440,
			AlertCooldown:  5 * time.Minute,
			DiskPath:       "/",
		},
		Adaptive: AdaptiveConfig{
			Strategy:              string(adaptive.StrategyBalanced),
			CycleInterval:         30 * time.Second,
			Horizon:               time.Minute,
			MinAdjustment:         0.05,
			MaxAdjustmentPerCycle: 0.30,
		},
		Allocator: AllocatorConfig{
			CycleInterval: time.Minute,
			MaxHistory:    200,
		},
	}
}

// Load reads a YAML configuration file, layering it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	b := c.CircuitBreaker
	if b.FailureRateThreshold < 0 || b.FailureRateThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_rate_threshold must be in [0, 1], got %v", b.FailureRateThreshold)
	}
	if b.SlidingWindowSize < 0 || b.MinimumThroughput < 0 {
		return fmt.Errorf("circuit_breaker window sizes cannot be negative")
	}
	if b.MinimumThroughput > b.SlidingWindowSize && b.SlidingWindowSize > 0 {
		return fmt.Errorf("circuit_breaker.minimum_throughput %d exceeds sliding_window_size %d", b.MinimumThroughput, b.SlidingWindowSize)
	}

	if c.Monitor.HistorySize < 0 {
		return fmt.Errorf("monitor.history_size cannot be negative")
	}
	for _, t := range c.Monitor.Thresholds {
		if t.Metric == "" {
			return fmt.Errorf("monitor threshold metric cannot be empty")
		}
		if t.Warning > t.Critical && t.Critical > 0 {
			return fmt.Errorf("threshold %s: warning %v exceeds critical %v", t.Metric, t.Warning, t.Critical)
		}
		if t.Critical > t.Emergency && t.Emergency > 0 {
			return fmt.Errorf("threshold %s: critical %v exceeds emergency %v", t.Metric, t.Critical, t.Emergency)
		}
	}

	a := c.Adaptive
	if !adaptive.Strategy(a.Strategy).Valid() {
		return fmt.Errorf("adaptive.strategy %q is not one of CONSERVATIVE, BALANCED, AGGRESSIVE, ADAPTIVE", a.Strategy)
	}
	if a.MinAdjustment < 0 || a.MinAdjustment > 1 {
		return fmt.Errorf("adaptive.min_adjustment must be in [0, 1], got %v", a.MinAdjustment)
	}
	if a.MaxAdjustmentPerCycle <= 0 || a.MaxAdjustmentPerCycle > 1 {
		return fmt.Errorf("adaptive.max_adjustment_per_cycle must be in (0, 1], got %v", a.MaxAdjustmentPerCycle)
	}

	return nil
}

// BreakerSettings converts the breaker section to a circuitbreaker.Config.
func (c *Config) BreakerSettings() circuitbreaker.Config {
	b := c.CircuitBreaker
	return circuitbreaker.Config{
		FailureThreshold:     b.FailureThreshold,
		RecoveryTimeout:      b.RecoveryTimeout,
		SuccessThreshold:     b.SuccessThreshold,
		CallTimeout:          b.CallTimeout,
		SlidingWindowSize:    b.SlidingWindowSize,
		MinimumThroughput:    b.MinimumThroughput,
		FailureRateThreshold: b.FailureRateThreshold,
	}
}

// MonitorThresholds converts configured thresholds, falling back to the
// monitoring defaults when none are configured.
func (c *Config) MonitorThresholds() []monitoring.ResourceThreshold {
	if len(c.Monitor.Thresholds) == 0 {
		return monitoring.DefaultThresholds()
	}
	out := make([]monitoring.ResourceThreshold, 0, len(c.Monitor.Thresholds))
	for _, t := range c.Monitor.Thresholds {
		out = append(out, monitoring.ResourceThreshold{
			Resource:          t.Resource,
			Metric:            t.Metric,
			Warning:           t.Warning,
			Critical:          t.Critical,
			Emergency:         t.Emergency,
			MinBreachDuration: t.MinBreachDuration,
			Description:       t.Description,
		})
	}
	return out
}
