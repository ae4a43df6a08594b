package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resilience.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.CircuitBreaker.RecoveryTimeout)
	assert.Equal(t, 1440, cfg.Monitor.HistorySize)
	assert.Equal(t, "BALANCED", cfg.Adaptive.Strategy)
	assert.InDelta(t, 0.30, cfg.Adaptive.MaxAdjustmentPerCycle, 1e-9)
}

func TestLoad_LayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
circuit_breaker:
  failure_threshold: 10
  recovery_timeout: 90s
adaptive:
  strategy: ADAPTIVE
monitor:
  thresholds:
    - resource: cpu
      metric: cpu_percent
      warning: 60
      critical: 80
      emergency: 90
      min_breach_duration: 15s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, 10, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 90*time.Second, cfg.CircuitBreaker.RecoveryTimeout)
	assert.Equal(t, "ADAPTIVE", cfg.Adaptive.Strategy)

	// Untouched values keep their defaults
	assert.Equal(t, 3, cfg.CircuitBreaker.SuccessThreshold)
	assert.Equal(t, 10*time.Second, cfg.Monitor.SampleInterval)

	thresholds := cfg.MonitorThresholds()
	require.Len(t, thresholds, 1)
	assert.Equal(t, "cpu_percent", thresholds[0].Metric)
	assert.Equal(t, 15*time.Second, thresholds[0].MinBreachDuration)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "circuit_breaker: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"failure rate above one", func(c *Config) { c.CircuitBreaker.FailureRateThreshold = 1.5 }},
		{"throughput exceeds window", func(c *Config) {
			c.CircuitBreaker.MinimumThroughput = 20
			c.CircuitBreaker.SlidingWindowSize = 10
		}},
		{"unknown strategy", func(c *Config) { c.Adaptive.Strategy = "TURBO" }},
		{"max adjustment above one", func(c *Config) { c.Adaptive.MaxAdjustmentPerCycle = 2 }},
		{"negative history", func(c *Config) { c.Monitor.HistorySize = -1 }},
		{"threshold ordering", func(c *Config) {
			c.Monitor.Thresholds = []ThresholdConfig{{Metric: "cpu_percent", Warning: 90, Critical: 80, Emergency: 95}}
		}},
		{"threshold without metric", func(c *Config) {
			c.Monitor.Thresholds = []ThresholdConfig{{Warning: 10}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBreakerSettings(t *testing.T) {
	cfg := Default()
	cfg.CircuitBreaker.FailureThreshold = 7

	settings := cfg.BreakerSettings()
	assert.Equal(t, 7, settings.FailureThreshold)
	assert.Equal(t, cfg.CircuitBreaker.RecoveryTimeout, settings.RecoveryTimeout)
	assert.Equal(t, cfg.CircuitBreaker.FailureRateThreshold, settings.FailureRateThreshold)
}

func TestMonitorThresholds_DefaultFallback(t *testing.T) {
	cfg := Default()
	thresholds := cfg.MonitorThresholds()
	assert.NotEmpty(t, thresholds, "empty config must fall back to built-in thresholds")
}
