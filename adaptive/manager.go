package adaptive

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Tunable allocation cycle constants
const (
	defaultMinAdjustment         = 0.05 // relative change below which a quota is left alone
	defaultMaxAdjustmentPerCycle = 0.30 // cap on relative change applied in one cycle
	minHistoryPoints             = 5    // samples required before predicting
	defaultMaxUsageHistory       = 100
	defaultMaxDecisionHistory    = 500
	maxQuotaAdjustments          = 50
)

// Manager holds one quota per registered component and adjusts it each
// management cycle from predicted demand. Quotas are owned and mutated
// exclusively by the manager; readers get copies.
type Manager struct {
	mu         sync.RWMutex
	quotas     map[string]*ResourceQuota
	usageFuncs map[string]UsageFunc
	histories  map[string][]usagePoint
	demands    map[string]ResourceDemand
	decisions  []AllocationDecision

	strategy Strategy
	pressure PressureSource
	logger   *slog.Logger

	cycleInterval         time.Duration
	horizon               time.Duration
	minAdjustment         float64
	maxAdjustmentPerCycle float64
	maxUsageHistory       int
	maxDecisionHistory    int

	isRunning bool
	stopChan  chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithStrategy sets the allocation strategy
func WithStrategy(s Strategy) Option {
	return func(m *Manager) {
		if s.Valid() {
			m.strategy = s
		}
	}
}

// WithPressureSource wires the system-wide pressure signal used by the
// adaptive strategy.
func WithPressureSource(p PressureSource) Option {
	return func(m *Manager) { m.pressure = p }
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithCycleInterval sets the management cycle interval
func WithCycleInterval(interval time.Duration) Option {
	return func(m *Manager) { m.cycleInterval = interval }
}

// WithHorizon sets the demand prediction horizon
func WithHorizon(horizon time.Duration) Option {
	return func(m *Manager) { m.horizon = horizon }
}

// WithAdjustmentBounds overrides the churn-suppression threshold and the
// per-cycle change cap.
func WithAdjustmentBounds(minAdjustment, maxPerCycle float64) Option {
	return func(m *Manager) {
		if minAdjustment > 0 {
			m.minAdjustment = minAdjustment
		}
		if maxPerCycle > 0 {
			m.maxAdjustmentPerCycle = maxPerCycle
		}
	}
}

// NewManager creates an adaptive resource manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		quotas:                make(map[string]*ResourceQuota),
		usageFuncs:            make(map[string]UsageFunc),
		histories:             make(map[string][]usagePoint),
		demands:               make(map[string]ResourceDemand),
		strategy:              StrategyBalanced,
		logger:                slog.Default(),
		cycleInterval:         30 * time.Second,
		horizon:               time.Minute,
		minAdjustment:         defaultMinAdjustment,
		maxAdjustmentPerCycle: defaultMaxAdjustmentPerCycle,
		maxUsageHistory:       defaultMaxUsageHistory,
		maxDecisionHistory:    defaultMaxDecisionHistory,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterComponent registers a component with conservative default quotas
// ranked by priority (1 = critical ... 5 = optional) and an optional usage
// sampler.
func (m *Manager) RegisterComponent(name string, priority int, usage UsageFunc) error {
	if name == "" {
		return fmt.Errorf("component name cannot be empty")
	}
	if priority < 1 || priority > 5 {
		priority = 3
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.quotas[name]; exists {
		return fmt.Errorf("component %q is already registered", name)
	}

	weight := float64(6 - priority)
	m.quotas[name] = &ResourceQuota{
		Component:        name,
		Priority:         priority,
		CPUPercent:       Allocation{Min: 5, Current: 10, Max: 20 * weight},
		MemoryMB:         Allocation{Min: 128, Current: 256, Max: 512 * weight},
		DiskIOPS:         Allocation{Min: 50, Current: 100, Max: 200 * weight},
		NetworkMBps:      Allocation{Min: 5, Current: 10, Max: 25 * weight},
		AdjustmentFactor: 1.0,
	}
	if usage != nil {
		m.usageFuncs[name] = usage
	}

	m.logger.Info("Component registered with adaptive manager",
		slog.String("component", name),
		slog.Int("priority", priority),
	)
	return nil
}

// SetQuota replaces a component's quota.
func (m *Manager) SetQuota(q ResourceQuota) error {
	if q.Component == "" {
		return fmt.Errorf("quota component cannot be empty")
	}
	for _, a := range []Allocation{q.CPUPercent, q.MemoryMB, q.DiskIOPS, q.NetworkMBps} {
		if a.Min > a.Max || a.Current < a.Min || a.Current > a.Max {
			return fmt.Errorf("quota for %q violates min <= current <= max", q.Component)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	quota := q
	m.quotas[q.Component] = &quota
	return nil
}

// GetQuota returns a copy of a component's quota.
func (m *Manager) GetQuota(name string) (ResourceQuota, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.quotas[name]
	if !ok {
		return ResourceQuota{}, false
	}
	out := *q
	out.Adjustments = append([]QuotaAdjustment(nil), q.Adjustments...)
	return out, true
}

// Quotas returns a copy of every component's quota, keyed by component.
func (m *Manager) Quotas() map[string]ResourceQuota {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ResourceQuota, len(m.quotas))
	for name, q := range m.quotas {
		out[name] = *q
	}
	return out
}

// GetDemandPrediction returns the latest demand forecast for a component.
func (m *Manager) GetDemandPrediction(name string) (ResourceDemand, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.demands[name]
	return d, ok
}

// GetAllocationHistory returns allocation decisions, newest last. An empty
// name returns decisions for all components.
func (m *Manager) GetAllocationHistory(name string) []AllocationDecision {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name == "" {
		return append([]AllocationDecision(nil), m.decisions...)
	}
	var out []AllocationDecision
	for _, d := range m.decisions {
		if d.Component == name {
			out = append(out, d)
		}
	}
	return out
}

// RecordUsage appends one usage sample to a component's bounded history.
func (m *Manager) RecordUsage(name string, usage ComponentUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordUsageLocked(name, usage, time.Now())
}

func (m *Manager) recordUsageLocked(name string, usage ComponentUsage, now time.Time) {
	h := append(m.histories[name], usagePoint{timestamp: now, usage: usage})
	if len(h) > m.maxUsageHistory {
		h = h[len(h)-m.maxUsageHistory:]
	}
	m.histories[name] = h
}

// Start begins the management cycle loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("adaptive manager is already running")
	}
	m.isRunning = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	go m.cycleLoop(ctx, stop)

	m.logger.Info("Adaptive resource manager started",
		slog.String("strategy", string(m.strategy)),
		slog.Duration("interval", m.cycleInterval),
	)
	return nil
}

// Stop stops the management cycle loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		close(m.stopChan)
		m.isRunning = false
	}
}

func (m *Manager) cycleLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle performs one management cycle: record usage, predict demand and
// adjust quotas for every registered component. A failure while processing
// one component is isolated and logged; the others proceed.
func (m *Manager) RunCycle(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.quotas))
	for name := range m.quotas {
		names = append(names, name)
	}
	m.mu.RUnlock()

	underPressure := m.pressure != nil && m.pressure.UnderPressure()

	for _, name := range names {
		if err := m.processComponent(ctx, name, underPressure); err != nil {
			m.logger.Warn("Allocation cycle failed for component",
				slog.String("component", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) processComponent(ctx context.Context, name string, underPressure bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("allocation decision panicked: %v", r)
		}
	}()

	m.mu.RLock()
	usageFn := m.usageFuncs[name]
	m.mu.RUnlock()

	now := time.Now()

	if usageFn != nil {
		usage, uerr := usageFn(ctx)
		if uerr != nil {
			return fmt.Errorf("sampling usage: %w", uerr)
		}
		m.mu.Lock()
		m.recordUsageLocked(name, usage, now)
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	quota, ok := m.quotas[name]
	if !ok {
		return fmt.Errorf("component %q disappeared mid-cycle", name)
	}
	history := m.histories[name]
	if len(history) < minHistoryPoints {
		return nil
	}

	demand := predictDemand(name, history, m.horizon, m.cycleInterval, now)
	m.demands[name] = demand

	m.decideLocked(quota, "cpu_percent", &quota.CPUPercent,
		demand.PredictedCPUPercent, m.strategy.cpuBuffer(quota.Priority, underPressure), demand.Confidence, now)
	m.decideLocked(quota, "memory_mb", &quota.MemoryMB,
		demand.PredictedMemoryMB, m.strategy.memBuffer(quota.Priority, underPressure), demand.Confidence, now)

	return nil
}

// decideLocked computes a bounded allocation change for one resource
// dimension and applies it to the quota in place. Callers must hold m.mu.
func (m *Manager) decideLocked(quota *ResourceQuota, resource string, alloc *Allocation, predicted, buffer, confidence float64, now time.Time) {
	old := alloc.Current
	target := alloc.clamp(predicted * buffer)

	if old > 0 {
		relDelta := math.Abs(target-old) / old
		if relDelta < m.minAdjustment {
			return
		}
	} else if target == 0 {
		return
	}

	// Bound the magnitude of the change to the per-cycle cap
	next := target
	if old > 0 {
		maxChange := old * m.maxAdjustmentPerCycle
		if next > old+maxChange {
			next = old + maxChange
		} else if next < old-maxChange {
			next = old - maxChange
		}
	}

	factor := 1.0
	if old > 0 {
		factor = next / old
	}

	decision := AllocationDecision{
		Component:        quota.Component,
		Resource:         resource,
		OldValue:         old,
		NewValue:         next,
		AdjustmentFactor: factor,
		Rationale: fmt.Sprintf("predicted %s need %.2f, %s buffer %.2fx, target %.2f bounded to %.2f",
			resource, predicted, m.strategy, buffer, target, next),
		Confidence: confidence,
		Timestamp:  now,
	}

	alloc.Current = next
	quota.AdjustmentFactor = factor
	quota.Adjustments = append(quota.Adjustments, QuotaAdjustment{
		Timestamp: now,
		Resource:  resource,
		From:      old,
		To:        next,
	})
	if len(quota.Adjustments) > maxQuotaAdjustments {
		quota.Adjustments = quota.Adjustments[len(quota.Adjustments)-maxQuotaAdjustments:]
	}

	m.decisions = append(m.decisions, decision)
	if len(m.decisions) > m.maxDecisionHistory {
		m.decisions = m.decisions[len(m.decisions)-m.maxDecisionHistory:]
	}

	m.logger.Info("Allocation adjusted",
		slog.String("component", quota.Component),
		slog.String("resource", resource),
		slog.Float64("from", old),
		slog.Float64("to", next),
		slog.Float64("confidence", confidence),
	)
}
