package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Monitor samples telemetry on a fixed interval, keeps a bounded history,
// evaluates threshold rules and raises/clears alerts. History is owned by
// the monitor; readers get copies.
type Monitor struct {
	mu         sync.RWMutex
	provider   TelemetryProvider
	thresholds []ResourceThreshold
	logger     *slog.Logger
	prom       *promMetrics

	// Bounded FIFO history, oldest evicted at capacity
	history        []*ResourceMetrics
	maxHistorySize int
	current        *ResourceMetrics

	// Alert state: active alerts keyed by metric, dedup cooldown keyed by
	// metric|level, breach start keyed by metric|level
	activeAlerts  map[string]*ResourceAlert
	lastAlerts    map[string]time.Time
	breachStart   map[string]time.Time
	alertCooldown time.Duration
	callbacks     []AlertCallback

	// Pressure thresholds used by the adaptive manager's strategy
	pressureCPU    float64
	pressureMemory float64

	isRunning      bool
	stopChan       chan struct{}
	sampleInterval time.Duration
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

// WithThresholds replaces the default threshold set
func WithThresholds(thresholds []ResourceThreshold) MonitorOption {
	return func(m *Monitor) { m.thresholds = thresholds }
}

// WithSampleInterval sets the sampling interval
func WithSampleInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) { m.sampleInterval = interval }
}

// WithHistorySize bounds the metrics history
func WithHistorySize(size int) MonitorOption {
	return func(m *Monitor) { m.maxHistorySize = size }
}

// WithAlertCooldown sets the dedup window per (metric, level) pair
func WithAlertCooldown(cooldown time.Duration) MonitorOption {
	return func(m *Monitor) { m.alertCooldown = cooldown }
}

// NewMonitor creates a resource monitor backed by the given provider.
func NewMonitor(provider TelemetryProvider, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		provider:       provider,
		thresholds:     DefaultThresholds(),
		logger:         slog.Default(),
		maxHistorySize: 1440,
		activeAlerts:   make(map[string]*ResourceAlert),
		lastAlerts:     make(map[string]time.Time),
		breachStart:    make(map[string]time.Time),
		alertCooldown:  5 * time.Minute,
		pressureCPU:    80.0,
		pressureMemory: 85.0,
		stopChan:       make(chan struct{}),
		sampleInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAlertCallback registers a callback invoked with every new alert.
func (m *Monitor) RegisterAlertCallback(cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Start begins the sampling loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("resource monitor is already running")
	}
	m.isRunning = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	go m.sampleLoop(ctx, stop)

	m.logger.Info("Resource monitor started",
		slog.Duration("interval", m.sampleInterval),
		slog.Int("thresholds", len(m.thresholds)),
	)
	return nil
}

// Stop stops the sampling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		close(m.stopChan)
		m.isRunning = false
	}
}

func (m *Monitor) sampleLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.Collect(ctx)
		}
	}
}

// Collect performs one sampling cycle: pull a snapshot, append it to the
// history and evaluate thresholds. On a collection failure the previous
// snapshot is retained and the cycle continues.
func (m *Monitor) Collect(ctx context.Context) {
	metrics, err := m.provider.Sample(ctx)
	if err != nil {
		m.logger.Warn("Metric collection failed, retaining previous snapshot",
			slog.String("error", err.Error()),
		)
		return
	}

	m.mu.Lock()
	m.current = metrics
	m.history = append(m.history, metrics)
	if len(m.history) > m.maxHistorySize {
		m.history = m.history[len(m.history)-m.maxHistorySize:]
	}
	newAlerts := m.evaluateThresholdsLocked(metrics)
	callbacks := append([]AlertCallback(nil), m.callbacks...)
	activeCount := len(m.activeAlerts)
	m.mu.Unlock()

	if m.prom != nil {
		m.prom.observe(metrics, activeCount)
	}

	for _, alert := range newAlerts {
		for _, cb := range callbacks {
			cb(alert)
		}
	}
}

// evaluateThresholdsLocked checks every threshold against the snapshot.
// Callers must hold m.mu. Returns freshly raised alerts.
func (m *Monitor) evaluateThresholdsLocked(metrics *ResourceMetrics) []ResourceAlert {
	now := metrics.Timestamp
	var raised []ResourceAlert

	for _, t := range m.thresholds {
		value, ok := metricValue(t.Metric, metrics)
		if !ok {
			continue
		}

		level, crossed := t.level(value)
		if level == "" {
			// Below warning: clear breach tracking and any active alert.
			for _, l := range []AlertLevel{AlertWarning, AlertCritical, AlertEmergency} {
				delete(m.breachStart, breachKey(t.Metric, l))
			}
			if active, exists := m.activeAlerts[t.Metric]; exists {
				delete(m.activeAlerts, t.Metric)
				if m.prom != nil {
					m.prom.alertsCleared.Inc()
				}
				m.logger.Info("Resource alert cleared",
					slog.String("metric", t.Metric),
					slog.String("level", string(active.Level)),
					slog.Float64("value", value),
				)
			}
			continue
		}

		// Levels above the current one are no longer breached; their
		// breach timers re-arm so a later re-entry starts fresh.
		for _, l := range levelsAbove(level) {
			delete(m.breachStart, breachKey(t.Metric, l))
		}

		key := breachKey(t.Metric, level)
		start, breaching := m.breachStart[key]
		if !breaching {
			m.breachStart[key] = now
			start = now
		}
		if now.Sub(start) < t.MinBreachDuration {
			continue
		}

		// Dedup: suppress while the cooldown window for this
		// (metric, level) pair has not elapsed.
		if last, exists := m.lastAlerts[key]; exists && now.Sub(last) < m.alertCooldown {
			continue
		}

		alert := ResourceAlert{
			ID:          uuid.New().String(),
			Timestamp:   now,
			Level:       level,
			Resource:    t.Resource,
			Metric:      t.Metric,
			Value:       value,
			Threshold:   crossed,
			Description: fmt.Sprintf("%s at %.1f crossed %s threshold %.1f (%s)", t.Metric, value, level, crossed, t.Description),
			Actions:     m.recommendedActionsLocked(t, level),
		}

		m.activeAlerts[t.Metric] = &alert
		m.lastAlerts[key] = now
		raised = append(raised, alert)
		if m.prom != nil {
			m.prom.alertsRaised.Inc()
		}

		m.logger.Warn("Resource alert raised",
			slog.String("metric", t.Metric),
			slog.String("level", string(level)),
			slog.Float64("value", value),
			slog.Float64("threshold", crossed),
		)
	}

	return raised
}

// level returns the highest breached level for a value, or "" if the value
// is below the warning threshold.
func (t ResourceThreshold) level(value float64) (AlertLevel, float64) {
	switch {
	case t.Emergency > 0 && value >= t.Emergency:
		return AlertEmergency, t.Emergency
	case t.Critical > 0 && value >= t.Critical:
		return AlertCritical, t.Critical
	case t.Warning > 0 && value >= t.Warning:
		return AlertWarning, t.Warning
	default:
		return "", 0
	}
}

func breachKey(metric string, level AlertLevel) string {
	return metric + "|" + string(level)
}

func levelsAbove(level AlertLevel) []AlertLevel {
	switch level {
	case AlertWarning:
		return []AlertLevel{AlertCritical, AlertEmergency}
	case AlertCritical:
		return []AlertLevel{AlertEmergency}
	default:
		return nil
	}
}

// recommendedActionsLocked generates remediation hints for an alert.
func (m *Monitor) recommendedActionsLocked(t ResourceThreshold, level AlertLevel) []string {
	var actions []string
	switch t.Resource {
	case "cpu":
		actions = append(actions, "reduce worker concurrency", "defer non-critical background work")
		if level == AlertEmergency {
			actions = append(actions, "shed low-priority load immediately")
		}
	case "memory":
		actions = append(actions, "shrink caches and batch sizes", "trigger a cleanup pass")
		if level == AlertEmergency {
			actions = append(actions, "activate emergency degradation mode")
		}
	case "disk":
		actions = append(actions, "rotate or expire on-disk data", "verify log retention settings")
	case "process":
		actions = append(actions, "inspect goroutine and fd growth for leaks")
	default:
		actions = append(actions, "inspect recent workload changes")
	}
	return actions
}

// metricValue extracts a named metric from a snapshot.
func metricValue(metric string, m *ResourceMetrics) (float64, bool) {
	switch metric {
	case "cpu_percent":
		return m.CPUPercent, true
	case "memory_percent":
		return m.MemoryPercent, true
	case "swap_percent":
		return m.SwapPercent, true
	case "disk_percent":
		return m.DiskPercent, true
	case "load_1":
		return m.Load1, true
	case "goroutine_count":
		return float64(m.GoroutineCount), true
	case "process_memory_mb":
		return m.ProcessMemoryMB, true
	case "process_cpu_percent":
		return m.ProcessCPUPercent, true
	case "process_fds":
		return float64(m.ProcessFDs), true
	default:
		return 0, false
	}
}

// GetCurrentMetrics returns the most recent snapshot, or nil before the
// first successful collection.
func (m *Monitor) GetCurrentMetrics() *ResourceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil
	}
	snapshot := *m.current
	return &snapshot
}

// GetHistory returns snapshots from the last N minutes, oldest first.
func (m *Monitor) GetHistory(minutes int) []ResourceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
	var out []ResourceMetrics
	for _, s := range m.history {
		if s.Timestamp.After(cutoff) {
			out = append(out, *s)
		}
	}
	return out
}

// HistoryLen returns the number of snapshots currently retained.
func (m *Monitor) HistoryLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

// GetTrends returns trend summaries for CPU and memory over the last
// N minutes.
func (m *Monitor) GetTrends(minutes int) map[string]TrendStats {
	history := m.GetHistory(minutes)

	cpu := make([]float64, 0, len(history))
	memory := make([]float64, 0, len(history))
	for _, s := range history {
		cpu = append(cpu, s.CPUPercent)
		memory = append(memory, s.MemoryPercent)
	}

	return map[string]TrendStats{
		"cpu_percent":    computeTrend(cpu),
		"memory_percent": computeTrend(memory),
	}
}

// computeTrend summarizes a series with min/max/avg and a least-squares
// slope for the direction.
func computeTrend(values []float64) TrendStats {
	stats := TrendStats{Direction: "stable", Samples: len(values)}
	if len(values) == 0 {
		return stats
	}

	stats.Current = values[len(values)-1]
	stats.Min = values[0]
	stats.Max = values[0]
	sum := 0.0
	for _, v := range values {
		sum += v
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Average = sum / float64(len(values))

	if len(values) < 2 {
		return stats
	}

	// Simple linear regression over sample index
	n := float64(len(values))
	sumX, sumY, sumXY, sumX2 := 0.0, 0.0, 0.0, 0.0
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumX2 += x * x
	}
	stats.Slope = (n*sumXY - sumX*sumY) / (n*sumX2 - sumX*sumX)

	if math.Abs(stats.Slope) < 0.001 {
		stats.Direction = "stable"
	} else if stats.Slope > 0 {
		stats.Direction = "increasing"
	} else {
		stats.Direction = "decreasing"
	}
	return stats
}

// ActiveAlerts returns a copy of all currently active alerts.
func (m *Monitor) ActiveAlerts() []ResourceAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ResourceAlert, 0, len(m.activeAlerts))
	for _, a := range m.activeAlerts {
		out = append(out, *a)
	}
	return out
}

// UnderPressure reports whether the latest snapshot indicates system-wide
// resource pressure. Used by the adaptive manager's strategy.
func (m *Monitor) UnderPressure() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return false
	}
	return m.current.CPUPercent >= m.pressureCPU || m.current.MemoryPercent >= m.pressureMemory
}

// ForceCleanup triggers a best-effort reclamation pass and reports heap
// objects before and after.
func (m *Monitor) ForceCleanup() CleanupReport {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	start := time.Now()
	runtime.GC()
	runtime.ReadMemStats(&after)

	report := CleanupReport{
		HeapObjectsBefore: before.HeapObjects,
		HeapObjectsAfter:  after.HeapObjects,
		HeapAllocBeforeMB: float64(before.HeapAlloc) / bytesPerMB,
		HeapAllocAfterMB:  float64(after.HeapAlloc) / bytesPerMB,
		Duration:          time.Since(start),
	}

	m.logger.Info("Forced cleanup completed",
		slog.Uint64("objects_before", report.HeapObjectsBefore),
		slog.Uint64("objects_after", report.HeapObjectsAfter),
		slog.Duration("duration", report.Duration),
	)
	return report
}
