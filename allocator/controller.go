// Package allocator is the actuator of the resource control loop: it reads
// quotas from the adaptive manager and pushes allocation changes into live
// components through registered capability hooks.
package allocator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/datapult/resilience/adaptive"
)

// Hooks is the capability record for one registered component: an explicit
// set of optional apply callbacks. The controller checks presence, not
// type, before invoking.
type Hooks struct {
	ApplyCPUPercent  func(percent float64) error
	ApplyMemoryMB    func(mb float64) error
	ApplyBatchSize   func(size int) error
	ApplyConcurrency func(workers int) error
}

// Registration options for one component
type Registration struct {
	// Alive reports whether the component is still reachable. Components
	// whose Alive returns false are unregistered before the next cycle.
	// A nil Alive means the component is assumed alive forever.
	Alive func() bool

	Hooks Hooks

	// BaseBatchSize and BaseConcurrency anchor the derived resource
	// types: batch scales with the memory allocation, concurrency with
	// the CPU allocation.
	BaseBatchSize   int
	BaseConcurrency int
}

// Significance thresholds per resource type: changes smaller than these
// are not pushed into components. Tunable constants.
const (
	cpuSignificance    = 1.0  // percent
	memorySignificance = 50.0 // MB
	batchSignificance  = 1
	concSignificance   = 1

	batchMemoryUnitMB = 512.0
	concCPUUnit       = 25.0

	defaultMaxHistory = 200
)

// AppliedChange is one history entry describing the changes pushed to a
// component during a cycle.
type AppliedChange struct {
	Component string                 `json:"component"`
	Changes   []string               `json:"changes"`
	Timestamp time.Time              `json:"timestamp"`
	Quota     adaptive.ResourceQuota `json:"quota"`
}

// componentEntry tracks one registered component and its last-applied
// values. The controller holds no owning reference to the component
// itself, only the liveness callback and hooks captured at registration.
type componentEntry struct {
	name         string
	reg          Registration
	lastCPU      float64
	lastMemoryMB float64
	lastBatch    int
	lastConc     int
	applied      bool
	failedApply  int64
}

// QuotaSource provides current quotas per component. Satisfied by
// adaptive.Manager.
type QuotaSource interface {
	GetQuota(name string) (adaptive.ResourceQuota, bool)
}

// Controller pushes allocation decisions into registered components.
type Controller struct {
	mu         sync.RWMutex
	components map[string]*componentEntry
	quotas     QuotaSource
	logger     *slog.Logger

	history    []AppliedChange
	maxHistory int

	isRunning     bool
	stopChan      chan struct{}
	cycleInterval time.Duration
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithCycleInterval sets the control cycle interval
func WithCycleInterval(interval time.Duration) Option {
	return func(c *Controller) { c.cycleInterval = interval }
}

// WithMaxHistory bounds the applied-change history
func WithMaxHistory(n int) Option {
	return func(c *Controller) { c.maxHistory = n }
}

// NewController creates an allocation controller reading quotas from the
// given source.
func NewController(quotas QuotaSource, opts ...Option) *Controller {
	c := &Controller{
		components:    make(map[string]*componentEntry),
		quotas:        quotas,
		logger:        slog.Default(),
		maxHistory:    defaultMaxHistory,
		stopChan:      make(chan struct{}),
		cycleInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterComponent registers a component under a name. The registration
// holds no owning reference: only the liveness callback and hooks.
func (c *Controller) RegisterComponent(name string, reg Registration) error {
	if name == "" {
		return fmt.Errorf("component name cannot be empty")
	}
	if reg.BaseBatchSize <= 0 {
		reg.BaseBatchSize = 100
	}
	if reg.BaseConcurrency <= 0 {
		reg.BaseConcurrency = 4
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.components[name]; exists {
		return fmt.Errorf("component %q is already registered", name)
	}
	c.components[name] = &componentEntry{name: name, reg: reg}

	c.logger.Info("Component registered with allocation controller",
		slog.String("component", name),
	)
	return nil
}

// UnregisterComponent removes a component.
func (c *Controller) UnregisterComponent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
}

// Start begins the control cycle loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("allocation controller is already running")
	}
	c.isRunning = true
	c.stopChan = make(chan struct{})
	stop := c.stopChan
	c.mu.Unlock()

	go c.cycleLoop(ctx, stop)

	c.logger.Info("Allocation controller started",
		slog.Duration("interval", c.cycleInterval),
	)
	return nil
}

// Stop stops the control cycle loop.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		close(c.stopChan)
		c.isRunning = false
	}
}

func (c *Controller) cycleLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			c.RunCycle()
		}
	}
}

// RunCycle purges dead components, then applies each live component's
// current quota through its hooks. A failure in one component or one
// callback is isolated from the others.
func (c *Controller) RunCycle() {
	c.purgeDead()

	c.mu.RLock()
	entries := make([]*componentEntry, 0, len(c.components))
	for _, e := range c.components {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	for _, e := range entries {
		quota, ok := c.quotas.GetQuota(e.name)
		if !ok {
			c.logger.Debug("No quota for registered component",
				slog.String("component", e.name),
			)
			continue
		}
		c.applyQuota(e, quota)
	}
}

// purgeDead unregisters components whose liveness callback reports false.
func (c *Controller) purgeDead() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, e := range c.components {
		if e.reg.Alive != nil && !e.reg.Alive() {
			delete(c.components, name)
			c.logger.Info("Unregistered dead component",
				slog.String("component", name),
			)
		}
	}
}

// applyQuota applies one component's quota through its hooks, recording a
// history entry when anything changed. Hooks run outside the controller
// lock: a hook may read controller state, and a slow hook must not block
// status readers.
func (c *Controller) applyQuota(e *componentEntry, quota adaptive.ResourceQuota) {
	c.mu.RLock()
	reg := e.reg
	lastCPU := e.lastCPU
	lastMemoryMB := e.lastMemoryMB
	lastBatch := e.lastBatch
	lastConc := e.lastConc
	applied := e.applied
	c.mu.RUnlock()

	cpu := quota.CPUPercent.Current
	memMB := quota.MemoryMB.Current
	batch := int(float64(reg.BaseBatchSize) * (memMB / batchMemoryUnitMB))
	if batch < 1 {
		batch = 1
	}
	conc := int(float64(reg.BaseConcurrency) * (cpu / concCPUUnit))
	if conc < 1 {
		conc = 1
	}

	var changes []string
	var failed int64

	if c.significantFloat(applied, cpu, lastCPU, cpuSignificance) {
		if reg.Hooks.ApplyCPUPercent != nil {
			if err := c.safeApply(e.name, "cpu_percent", func() error { return reg.Hooks.ApplyCPUPercent(cpu) }); err == nil {
				changes = append(changes, fmt.Sprintf("cpu_percent: %.1f -> %.1f", lastCPU, cpu))
				lastCPU = cpu
			} else {
				failed++
			}
		} else {
			c.logger.Debug("Component has no CPU hook, logging intended allocation",
				slog.String("component", e.name),
				slog.Float64("cpu_percent", cpu),
			)
			lastCPU = cpu
		}
	}

	if c.significantFloat(applied, memMB, lastMemoryMB, memorySignificance) {
		if reg.Hooks.ApplyMemoryMB != nil {
			if err := c.safeApply(e.name, "memory_mb", func() error { return reg.Hooks.ApplyMemoryMB(memMB) }); err == nil {
				changes = append(changes, fmt.Sprintf("memory_mb: %.0f -> %.0f", lastMemoryMB, memMB))
				lastMemoryMB = memMB
			} else {
				failed++
			}
		} else {
			c.logger.Debug("Component has no memory hook, logging intended allocation",
				slog.String("component", e.name),
				slog.Float64("memory_mb", memMB),
			)
			lastMemoryMB = memMB
		}
	}

	if c.significantInt(applied, batch, lastBatch, batchSignificance) && reg.Hooks.ApplyBatchSize != nil {
		if err := c.safeApply(e.name, "batch_size", func() error { return reg.Hooks.ApplyBatchSize(batch) }); err == nil {
			changes = append(changes, fmt.Sprintf("batch_size: %d -> %d", lastBatch, batch))
			lastBatch = batch
		} else {
			failed++
		}
	}

	if c.significantInt(applied, conc, lastConc, concSignificance) && reg.Hooks.ApplyConcurrency != nil {
		if err := c.safeApply(e.name, "concurrent_operations", func() error { return reg.Hooks.ApplyConcurrency(conc) }); err == nil {
			changes = append(changes, fmt.Sprintf("concurrent_operations: %d -> %d", lastConc, conc))
			lastConc = conc
		} else {
			failed++
		}
	}

	c.mu.Lock()
	e.lastCPU = lastCPU
	e.lastMemoryMB = lastMemoryMB
	e.lastBatch = lastBatch
	e.lastConc = lastConc
	e.applied = true
	e.failedApply += failed

	if len(changes) > 0 {
		c.history = append(c.history, AppliedChange{
			Component: e.name,
			Changes:   changes,
			Timestamp: time.Now(),
			Quota:     quota,
		})
		if len(c.history) > c.maxHistory {
			c.history = c.history[len(c.history)-c.maxHistory:]
		}
	}
	c.mu.Unlock()

	if len(changes) > 0 {
		c.logger.Info("Applied allocation changes",
			slog.String("component", e.name),
			slog.Any("changes", changes),
		)
	}
}

// significantFloat reports whether a change exceeds the significance
// threshold. The first application is always significant.
func (c *Controller) significantFloat(applied bool, next, last, threshold float64) bool {
	if !applied {
		return true
	}
	return math.Abs(next-last) >= threshold
}

func (c *Controller) significantInt(applied bool, next, last, threshold int) bool {
	if !applied {
		return true
	}
	diff := next - last
	if diff < 0 {
		diff = -diff
	}
	return diff >= threshold
}

// safeApply shields the control loop from panicking or failing hooks.
func (c *Controller) safeApply(component, resource string, apply func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply callback panicked: %v", r)
		}
		if err != nil {
			c.logger.Warn("Apply callback failed",
				slog.String("component", component),
				slog.String("resource", resource),
				slog.String("error", err.Error()),
			)
		}
	}()
	return apply()
}

// ComponentAllocation is the controller's view of one component
type ComponentAllocation struct {
	Component     string  `json:"component"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	BatchSize     int     `json:"batch_size"`
	Concurrency   int     `json:"concurrency"`
	FailedApplies int64   `json:"failed_applies"`
}

// GetAllocationStatus returns the last-applied allocation per component.
func (c *Controller) GetAllocationStatus() map[string]ComponentAllocation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]ComponentAllocation, len(c.components))
	for name, e := range c.components {
		out[name] = ComponentAllocation{
			Component:     name,
			CPUPercent:    e.lastCPU,
			MemoryMB:      e.lastMemoryMB,
			BatchSize:     e.lastBatch,
			Concurrency:   e.lastConc,
			FailedApplies: e.failedApply,
		}
	}
	return out
}

// GetComponentAllocations returns the applied-change history for one
// component, oldest first.
func (c *Controller) GetComponentAllocations(name string) []AppliedChange {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []AppliedChange
	for _, h := range c.history {
		if h.Component == name {
			out = append(out, h)
		}
	}
	return out
}

// History returns the full bounded applied-change history, oldest first.
func (c *Controller) History() []AppliedChange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]AppliedChange(nil), c.history...)
}
