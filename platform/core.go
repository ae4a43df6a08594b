// Package platform assembles the resilience core: circuit breakers,
// degradation manager, resource monitor, adaptive resource manager and
// allocation controller, wired into one control loop. A Core replaces
// process-wide singletons: construct one at startup and pass it to the
// callers that need it.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/datapult/resilience/adaptive"
	"github.com/datapult/resilience/allocator"
	"github.com/datapult/resilience/circuitbreaker"
	"github.com/datapult/resilience/config"
	"github.com/datapult/resilience/degradation"
	"github.com/datapult/resilience/monitoring"
)

// Core owns one instance of each resilience component. Control flow:
// Monitor -> (pressure) -> Adaptive -> (quotas) -> Allocator -> components;
// independently, guarded calls -> Breakers -> (state) -> Degradation.
type Core struct {
	Breakers    *circuitbreaker.Registry
	Degradation *degradation.Manager
	Monitor     *monitoring.Monitor
	Adaptive    *adaptive.Manager
	Allocator   *allocator.Controller

	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// CoreOption configures a Core
type CoreOption func(*coreOptions)

type coreOptions struct {
	logger    *slog.Logger
	telemetry monitoring.TelemetryProvider
	registry  prometheus.Registerer
	notifiers []monitoring.AlertNotifier
}

// WithCoreLogger sets the structured logger shared by all components.
func WithCoreLogger(logger *slog.Logger) CoreOption {
	return func(o *coreOptions) { o.logger = logger }
}

// WithTelemetryProvider overrides the default gopsutil host telemetry
// provider. Used by deployments with their own samplers, and by tests.
func WithTelemetryProvider(p monitoring.TelemetryProvider) CoreOption {
	return func(o *coreOptions) { o.telemetry = p }
}

// WithMetricsRegistry exports monitor metrics to the given Prometheus
// registerer.
func WithMetricsRegistry(reg prometheus.Registerer) CoreOption {
	return func(o *coreOptions) { o.registry = reg }
}

// WithNotifiers registers alert notifiers with the resource monitor.
func WithNotifiers(notifiers ...monitoring.AlertNotifier) CoreOption {
	return func(o *coreOptions) { o.notifiers = append(o.notifiers, notifiers...) }
}

// NewCore builds a fully wired resilience core from configuration.
func NewCore(cfg *config.Config, opts ...CoreOption) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &coreOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	if o.telemetry == nil {
		provider, err := monitoring.NewSystemTelemetryProvider(cfg.Monitor.DiskPath)
		if err != nil {
			return nil, fmt.Errorf("creating telemetry provider: %w", err)
		}
		o.telemetry = provider
	}

	breakers := circuitbreaker.NewRegistry(cfg.BreakerSettings())

	monitorOpts := []monitoring.MonitorOption{
		monitoring.WithLogger(o.logger),
		monitoring.WithThresholds(cfg.MonitorThresholds()),
		monitoring.WithSampleInterval(cfg.Monitor.SampleInterval),
		monitoring.WithHistorySize(cfg.Monitor.HistorySize),
		monitoring.WithAlertCooldown(cfg.Monitor.AlertCooldown),
	}
	if o.registry != nil {
		monitorOpts = append(monitorOpts, monitoring.WithPrometheus(o.registry))
	}
	monitor := monitoring.NewMonitor(o.telemetry, monitorOpts...)

	notifiers := o.notifiers
	if cfg.Monitor.WebhookURL != "" {
		notifiers = append(notifiers, monitoring.NewWebhookNotifier(
			cfg.Monitor.WebhookURL, cfg.Monitor.AlertCooldown, 3, o.logger))
	}
	if len(notifiers) > 0 {
		monitor.RegisterAlertCallback(monitoring.NotifierCallback(o.logger, notifiers...))
	}

	degradationMgr := degradation.NewManager(
		degradation.WithBreakers(breakers),
		degradation.WithLogger(o.logger),
		degradation.WithPollInterval(cfg.Degradation.PollInterval),
	)

	adaptiveMgr := adaptive.NewManager(
		adaptive.WithStrategy(adaptive.Strategy(cfg.Adaptive.Strategy)),
		adaptive.WithPressureSource(monitor),
		adaptive.WithLogger(o.logger),
		adaptive.WithCycleInterval(cfg.Adaptive.CycleInterval),
		adaptive.WithHorizon(cfg.Adaptive.Horizon),
		adaptive.WithAdjustmentBounds(cfg.Adaptive.MinAdjustment, cfg.Adaptive.MaxAdjustmentPerCycle),
	)

	allocatorCtl := allocator.NewController(adaptiveMgr,
		allocator.WithLogger(o.logger),
		allocator.WithCycleInterval(cfg.Allocator.CycleInterval),
		allocator.WithMaxHistory(cfg.Allocator.MaxHistory),
	)

	if o.registry != nil {
		registerCoreMetrics(o.registry, degradationMgr, adaptiveMgr)
	}

	return &Core{
		Breakers:    breakers,
		Degradation: degradationMgr,
		Monitor:     monitor,
		Adaptive:    adaptiveMgr,
		Allocator:   allocatorCtl,
		logger:      o.logger,
	}, nil
}

// Start launches all periodic loops. The loops stop when Stop is called
// or the given context is cancelled.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("core is already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)

	if err := c.Monitor.Start(loopCtx); err != nil {
		cancel()
		return err
	}
	if err := c.Degradation.Start(loopCtx); err != nil {
		cancel()
		c.Monitor.Stop()
		return err
	}
	if err := c.Adaptive.Start(loopCtx); err != nil {
		cancel()
		c.Monitor.Stop()
		c.Degradation.Stop()
		return err
	}
	if err := c.Allocator.Start(loopCtx); err != nil {
		cancel()
		c.Monitor.Stop()
		c.Degradation.Stop()
		c.Adaptive.Stop()
		return err
	}

	c.cancel = cancel
	c.started = true

	c.logger.Info("Resilience core started")
	return nil
}

// Stop stops all periodic loops. Safe to call more than once.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}

	c.cancel()
	c.Allocator.Stop()
	c.Adaptive.Stop()
	c.Degradation.Stop()
	c.Monitor.Stop()
	c.started = false

	c.logger.Info("Resilience core stopped")
}

// RegisterManagedComponent registers a component with both the adaptive
// manager (for quota management) and the allocation controller (for
// actuation) in one step.
func (c *Core) RegisterManagedComponent(name string, priority int, usage adaptive.UsageFunc, reg allocator.Registration) error {
	if err := c.Adaptive.RegisterComponent(name, priority, usage); err != nil {
		return err
	}
	if err := c.Allocator.RegisterComponent(name, reg); err != nil {
		return err
	}
	return nil
}
