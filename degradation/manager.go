// Package degradation aggregates per-service health into a global
// degradation mode and orchestrates fallback activation and recovery,
// keeping the platform partially functional instead of crashing.
package degradation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/datapult/resilience/circuitbreaker"
)

// ServiceStatus represents the health of one registered service
type ServiceStatus string

const (
	StatusHealthy   ServiceStatus = "HEALTHY"
	StatusDegraded  ServiceStatus = "DEGRADED"
	StatusUnhealthy ServiceStatus = "UNHEALTHY"
	StatusUnknown   ServiceStatus = "UNKNOWN"
)

// Mode is the global, discrete severity level summarizing aggregate health
type Mode int

const (
	ModeNormal Mode = iota
	ModePartial
	ModeMinimal
	ModeEmergency
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModePartial:
		return "PARTIAL"
	case ModeMinimal:
		return "MINIMAL"
	case ModeEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// Callback signatures registered per service. A non-nil error from a health
// check marks the service unhealthy and is absorbed by the manager. A nil
// error from a recovery callback confirms recovery.
type (
	HealthCheckFunc func(ctx context.Context) error
	FallbackFunc    func(ctx context.Context) error
	RecoveryFunc    func(ctx context.Context) error
)

// ServiceConfig describes one monitored service. Registered once,
// read-only thereafter.
type ServiceConfig struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"` // 1 = critical ... 5 = optional

	// CheckInterval gates how often this service's health is polled
	CheckInterval time.Duration `json:"check_interval"`

	// DegradationThreshold is the number of consecutive failed checks
	// after which the service is marked unhealthy (fewer failures mark
	// it degraded)
	DegradationThreshold int `json:"degradation_threshold"`

	// RecoveryThreshold is the number of consecutive successful checks
	// required before the service is marked healthy again
	RecoveryThreshold int `json:"recovery_threshold"`

	FallbackEnabled bool     `json:"fallback_enabled"`
	Dependencies    []string `json:"dependencies"`
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.Priority < 1 || c.Priority > 5 {
		c.Priority = 3
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.DegradationThreshold <= 0 {
		c.DegradationThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 1
	}
	return c
}

// Status is a snapshot of the global degradation state. Recomputed each
// monitoring cycle, never persisted.
type Status struct {
	Mode              string                   `json:"mode"`
	Services          map[string]ServiceStatus `json:"services"`
	ActiveFallbacks   []string                 `json:"active_fallbacks"`
	DegradedSince     *time.Time               `json:"degraded_since,omitempty"`
	PerformanceImpact float64                  `json:"performance_impact"`
	Recommendations   []string                 `json:"recommendations"`
}

// serviceState is the mutable tracking record for one service. Each state
// has its own lock so one service's check and fallback invocation are
// atomic without blocking checks of other services.
type serviceState struct {
	mu     sync.Mutex
	config ServiceConfig

	status         ServiceStatus
	failStreak     int
	successStreak  int
	lastCheck      time.Time
	fallbackActive bool

	healthCheck HealthCheckFunc
	fallback    FallbackFunc
	recovery    RecoveryFunc
}

// Manager polls per-service health and aggregates it into a global mode.
type Manager struct {
	mu       sync.RWMutex
	services map[string]*serviceState
	breakers *circuitbreaker.Registry
	logger   *slog.Logger

	mode          Mode
	degradedSince *time.Time

	isRunning    bool
	stopChan     chan struct{}
	pollInterval time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithBreakers lets the manager derive health from circuit breaker state
// for services without an explicit health check.
func WithBreakers(reg *circuitbreaker.Registry) Option {
	return func(m *Manager) { m.breakers = reg }
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithPollInterval sets how often the manager scans services for due checks
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) { m.pollInterval = interval }
}

// NewManager creates a degradation manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		services:     make(map[string]*serviceState),
		logger:       slog.Default(),
		mode:         ModeNormal,
		stopChan:     make(chan struct{}),
		pollInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterService registers a service for health monitoring.
func (m *Manager) RegisterService(cfg ServiceConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("service name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[cfg.Name]; exists {
		return fmt.Errorf("service %q is already registered", cfg.Name)
	}

	m.services[cfg.Name] = &serviceState{
		config: cfg.withDefaults(),
		status: StatusUnknown,
	}

	m.logger.Info("Service registered for degradation monitoring",
		slog.String("service", cfg.Name),
		slog.Int("priority", cfg.withDefaults().Priority),
	)
	return nil
}

// RegisterHealthCheck attaches a health check to a registered service.
func (m *Manager) RegisterHealthCheck(name string, fn HealthCheckFunc) error {
	return m.withService(name, func(s *serviceState) { s.healthCheck = fn })
}

// RegisterFallback attaches a fallback activation callback.
func (m *Manager) RegisterFallback(name string, fn FallbackFunc) error {
	return m.withService(name, func(s *serviceState) { s.fallback = fn })
}

// RegisterRecovery attaches a recovery confirmation callback.
func (m *Manager) RegisterRecovery(name string, fn RecoveryFunc) error {
	return m.withService(name, func(s *serviceState) { s.recovery = fn })
}

func (m *Manager) withService(name string, fn func(*serviceState)) error {
	m.mu.RLock()
	s, exists := m.services[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("service %q is not registered", name)
	}

	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
	return nil
}

// Start begins the background check loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("degradation manager is already running")
	}
	m.isRunning = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	go m.checkLoop(ctx, stop)

	m.logger.Info("Degradation manager started",
		slog.Duration("poll_interval", m.pollInterval),
	)
	return nil
}

// Stop stops the background check loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		close(m.stopChan)
		m.isRunning = false
	}
}

func (m *Manager) checkLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.runChecks(ctx, false)
		}
	}
}

// ForceCheck runs a check of every registered service immediately,
// ignoring each service's configured interval.
func (m *Manager) ForceCheck(ctx context.Context) {
	m.runChecks(ctx, true)
}

func (m *Manager) runChecks(ctx context.Context, force bool) {
	m.mu.RLock()
	services := make([]*serviceState, 0, len(m.services))
	for _, s := range m.services {
		services = append(services, s)
	}
	m.mu.RUnlock()

	for _, s := range services {
		m.checkService(ctx, s, force)
	}

	m.recomputeMode()
}

// checkService polls one service's health and applies any resulting status
// transition. The service's own lock makes the transition and its fallback
// or recovery invocation atomic with respect to other checks of the same
// service.
func (m *Manager) checkService(ctx context.Context, s *serviceState, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !force && now.Sub(s.lastCheck) < s.config.CheckInterval {
		return
	}
	s.lastCheck = now

	switch {
	case s.healthCheck != nil:
		err := m.safeHealthCheck(ctx, s)
		if err == nil {
			s.successStreak++
			s.failStreak = 0
			if s.status == StatusHealthy || s.successStreak >= s.config.RecoveryThreshold {
				m.applyStatusLocked(ctx, s, StatusHealthy)
			}
		} else {
			s.failStreak++
			s.successStreak = 0
			next := StatusDegraded
			if s.failStreak >= s.config.DegradationThreshold {
				next = StatusUnhealthy
			}
			m.applyStatusLocked(ctx, s, next)

			m.logger.Debug("Health check failed",
				slog.String("service", s.config.Name),
				slog.Int("fail_streak", s.failStreak),
				slog.String("error", err.Error()),
			)
		}
	case m.breakers != nil:
		if cb, ok := m.breakers.Lookup(s.config.Name); ok {
			m.applyStatusLocked(ctx, s, statusFromBreaker(cb.State()))
		} else {
			s.status = StatusUnknown
		}
	default:
		s.status = StatusUnknown
	}
}

// safeHealthCheck shields the manager from panicking health checks.
func (m *Manager) safeHealthCheck(ctx context.Context, s *serviceState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return s.healthCheck(ctx)
}

func statusFromBreaker(state circuitbreaker.State) ServiceStatus {
	switch state {
	case circuitbreaker.StateClosed:
		return StatusHealthy
	case circuitbreaker.StateHalfOpen:
		return StatusDegraded
	case circuitbreaker.StateOpen:
		return StatusUnhealthy
	default:
		return StatusUnknown
	}
}

// applyStatusLocked transitions a service to a new status, activating the
// fallback on entry into DEGRADED/UNHEALTHY and attempting recovery on
// return to HEALTHY. Callers must hold s.mu.
func (m *Manager) applyStatusLocked(ctx context.Context, s *serviceState, next ServiceStatus) {
	prev := s.status
	if prev == next {
		return
	}
	s.status = next

	m.logger.Info("Service status changed",
		slog.String("service", s.config.Name),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)

	switch next {
	case StatusDegraded, StatusUnhealthy:
		if s.config.FallbackEnabled && !s.fallbackActive && s.fallback != nil {
			if err := s.fallback(ctx); err != nil {
				m.logger.Error("Fallback activation failed",
					slog.String("service", s.config.Name),
					slog.String("error", err.Error()),
				)
			} else {
				s.fallbackActive = true
				m.logger.Warn("Fallback activated",
					slog.String("service", s.config.Name),
				)
			}
		}
	case StatusHealthy:
		if s.fallbackActive {
			recovered := true
			if s.recovery != nil {
				if err := s.recovery(ctx); err != nil {
					recovered = false
					m.logger.Warn("Recovery attempt failed, fallback stays active",
						slog.String("service", s.config.Name),
						slog.String("error", err.Error()),
					)
				}
			}
			if recovered {
				s.fallbackActive = false
				m.logger.Info("Fallback deactivated after confirmed recovery",
					slog.String("service", s.config.Name),
				)
			}
		}
	}
}

// recomputeMode derives the global mode deterministically from current
// service statuses and the active fallback set.
func (m *Manager) recomputeMode() {
	snapshot := m.snapshotServices()

	next := computeMode(snapshot)

	m.mu.Lock()
	prev := m.mode
	m.mode = next
	if next == ModeNormal {
		m.degradedSince = nil
	} else if m.degradedSince == nil {
		now := time.Now()
		m.degradedSince = &now
	}
	m.mu.Unlock()

	if prev != next {
		m.logger.Warn("Degradation mode changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
		)
	}
}

// serviceSnapshot is a consistent copy of one service's visible state
type serviceSnapshot struct {
	name           string
	priority       int
	status         ServiceStatus
	fallbackActive bool
}

func (m *Manager) snapshotServices() []serviceSnapshot {
	m.mu.RLock()
	states := make([]*serviceState, 0, len(m.services))
	for _, s := range m.services {
		states = append(states, s)
	}
	m.mu.RUnlock()

	out := make([]serviceSnapshot, 0, len(states))
	for _, s := range states {
		s.mu.Lock()
		out = append(out, serviceSnapshot{
			name:           s.config.Name,
			priority:       s.config.Priority,
			status:         s.status,
			fallbackActive: s.fallbackActive,
		})
		s.mu.Unlock()
	}
	return out
}

// computeMode is a pure function of service statuses and fallbacks.
func computeMode(services []serviceSnapshot) Mode {
	p2Unhealthy := 0
	anyFallback := false
	mode := ModeNormal

	for _, s := range services {
		if s.fallbackActive {
			anyFallback = true
		}
		switch {
		case s.priority == 1 && s.status == StatusUnhealthy:
			return ModeEmergency
		case s.priority == 1 && s.status == StatusDegraded:
			if mode < ModeMinimal {
				mode = ModeMinimal
			}
		case s.priority == 2 && s.status == StatusUnhealthy:
			p2Unhealthy++
		}
	}

	if p2Unhealthy > 1 && mode < ModeMinimal {
		mode = ModeMinimal
	}
	if (p2Unhealthy > 0 || anyFallback) && mode < ModePartial {
		mode = ModePartial
	}
	return mode
}

// Tunable impact weights. Heuristic business constants carried over from
// the original formulas.
const (
	impactWeightUnhealthy = 0.30
	impactWeightDegraded  = 0.15
)

// computeImpact scores the performance impact of current degradation, 0-1.
func computeImpact(services []serviceSnapshot) float64 {
	impact := 0.0
	for _, s := range services {
		weight := float64(6-s.priority) / 5.0
		switch s.status {
		case StatusUnhealthy:
			impact += weight * impactWeightUnhealthy
		case StatusDegraded:
			impact += weight * impactWeightDegraded
		}
	}
	if impact > 1.0 {
		impact = 1.0
	}
	return impact
}

// GetMode returns the current global degradation mode.
func (m *Manager) GetMode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// GetStatus returns a full degradation status snapshot.
func (m *Manager) GetStatus() Status {
	snapshot := m.snapshotServices()

	m.mu.RLock()
	mode := m.mode
	var degradedSince *time.Time
	if m.degradedSince != nil {
		t := *m.degradedSince
		degradedSince = &t
	}
	m.mu.RUnlock()

	services := make(map[string]ServiceStatus, len(snapshot))
	var fallbacks []string
	for _, s := range snapshot {
		services[s.name] = s.status
		if s.fallbackActive {
			fallbacks = append(fallbacks, s.name)
		}
	}

	return Status{
		Mode:              mode.String(),
		Services:          services,
		ActiveFallbacks:   fallbacks,
		DegradedSince:     degradedSince,
		PerformanceImpact: computeImpact(snapshot),
		Recommendations:   recommendations(mode, snapshot),
	}
}

// IsServiceAvailable reports whether callers may use a service directly.
// Degraded services remain available; unhealthy and unknown ones do not.
func (m *Manager) IsServiceAvailable(name string) bool {
	m.mu.RLock()
	s, exists := m.services[name]
	m.mu.RUnlock()

	if !exists {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusHealthy || s.status == StatusDegraded
}

// ShouldUseFallback reports whether a service currently has an active
// fallback that callers should route through.
func (m *Manager) ShouldUseFallback(name string) bool {
	m.mu.RLock()
	s, exists := m.services[name]
	m.mu.RUnlock()

	if !exists {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackActive
}
