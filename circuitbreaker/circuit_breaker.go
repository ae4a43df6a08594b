// Package circuitbreaker provides a circuit breaker implementation for
// guarding calls to unreliable dependencies, protecting the platform
// against cascading failures.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("resilience/circuitbreaker")

// State represents the current state of the circuit breaker
type State int

const (
	// StateClosed - circuit is closed, requests are allowed through
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected immediately
	StateOpen
	// StateHalfOpen - circuit is half-open, requests are allowed through to test recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Predefined errors
var (
	// ErrOpenState is returned when a call is rejected because the breaker is open.
	ErrOpenState = errors.New("circuit breaker is open")
	// ErrCallTimeout is returned when the guarded operation exceeds the call timeout.
	ErrCallTimeout = errors.New("operation timed out")
)

// Config holds configuration parameters for the circuit breaker.
// It is immutable once a breaker has been created.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open regardless of the sliding window
	FailureThreshold int

	// RecoveryTimeout is the period of the open state, after which the
	// next call is allowed through in half-open state
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive successes in half-open
	// state required to close the breaker
	SuccessThreshold int

	// CallTimeout bounds the execution time of each guarded operation
	CallTimeout time.Duration

	// SlidingWindowSize is the number of recent call outcomes kept for
	// failure rate calculation
	SlidingWindowSize int

	// MinimumThroughput is the minimum number of samples in the window
	// before the failure rate rule is evaluated
	MinimumThroughput int

	// FailureRateThreshold is the fraction of failed calls (0-1) in the
	// window at which the breaker opens
	FailureRateThreshold float64
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		RecoveryTimeout:      60 * time.Second,
		SuccessThreshold:     3,
		CallTimeout:          30 * time.Second,
		SlidingWindowSize:    10,
		MinimumThroughput:    5,
		FailureRateThreshold: 0.5,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = 10
	}
	if c.MinimumThroughput <= 0 {
		c.MinimumThroughput = 5
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = 0.5
	}
	return c
}

// callOutcome is a single entry in the sliding window
type callOutcome struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics holds aggregate call statistics for one circuit breaker.
// It is mutated only by the breaker that owns it.
type Metrics struct {
	TotalCalls      int64         `json:"total_calls"`
	SuccessfulCalls int64         `json:"successful_calls"`
	FailedCalls     int64         `json:"failed_calls"`
	TimeoutCalls    int64         `json:"timeout_calls"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	LastSuccessTime time.Time     `json:"last_success_time"`
	LastFailureTime time.Time     `json:"last_failure_time"`

	window []callOutcome
}

// responseTimeSmoothing is the weight given to the latest sample in the
// exponential moving average of response times.
const responseTimeSmoothing = 0.2

func (m *Metrics) record(success bool, duration time.Duration, windowSize int, now time.Time) {
	m.TotalCalls++
	if success {
		m.SuccessfulCalls++
		m.LastSuccessTime = now
	} else {
		m.FailedCalls++
		m.LastFailureTime = now
	}

	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = duration
	} else {
		m.AvgResponseTime = time.Duration(
			float64(m.AvgResponseTime)*(1-responseTimeSmoothing) + float64(duration)*responseTimeSmoothing)
	}

	m.window = append(m.window, callOutcome{Success: success, Timestamp: now})
	if len(m.window) > windowSize {
		m.window = m.window[len(m.window)-windowSize:]
	}
}

// failureRate returns the fraction of failed calls in the sliding window
// together with the number of samples it contains.
func (m *Metrics) failureRate() (float64, int) {
	if len(m.window) == 0 {
		return 0, 0
	}
	failed := 0
	for _, o := range m.window {
		if !o.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(m.window)), len(m.window)
}

// consecutiveFailures counts the failure streak at the tail of the window.
func (m *Metrics) consecutiveFailures() int {
	streak := 0
	for i := len(m.window) - 1; i >= 0; i-- {
		if m.window[i].Success {
			break
		}
		streak++
	}
	return streak
}

// Status is a point-in-time snapshot of a breaker's state, metrics and config
type Status struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Metrics         Metrics   `json:"metrics"`
	Config          Config    `json:"config"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreaker guards a single unreliable dependency. State transitions
// are serialized by an internal mutex; the guarded operation itself runs
// outside the lock, so multiple calls may execute concurrently while the
// breaker is closed.
type CircuitBreaker struct {
	name   string
	config Config

	mu              sync.Mutex
	state           State
	metrics         Metrics
	lastStateChange time.Time
	halfOpenSuccess int
	onStateChange   func(name string, from, to State)
}

// New creates a new circuit breaker with the given configuration.
// Zero-valued config fields are replaced with defaults.
func New(name string, config Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		config:          config.withDefaults(),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// OnStateChange registers a callback invoked after every state transition.
// The callback runs outside the breaker's critical section.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Call executes op through the breaker, bounded by the configured call
// timeout. It returns ErrOpenState immediately while the breaker is open,
// without invoking op. A timeout counts as a failure and is returned as
// ErrCallTimeout.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	var err error
	var timedOut bool
	select {
	case err = <-done:
		timedOut = errors.Is(err, context.DeadlineExceeded)
	case <-callCtx.Done():
		timedOut = errors.Is(callCtx.Err(), context.DeadlineExceeded)
		err = callCtx.Err()
		if timedOut {
			err = ErrCallTimeout
		}
	}

	cb.afterCall(err == nil, timedOut, time.Since(start))
	return err
}

// Execute is a convenience wrapper around Call for operations that do not
// take a context.
func (cb *CircuitBreaker) Execute(op func() error) error {
	return cb.Call(context.Background(), func(context.Context) error {
		return op()
	})
}

// State returns the current state, accounting for recovery timeout expiry.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// stateLocked derives the externally visible state. An open breaker whose
// recovery timeout has elapsed reports half-open even before the next call
// performs the transition. Callers must hold cb.mu.
func (cb *CircuitBreaker) stateLocked() State {
	if cb.state == StateOpen && time.Since(cb.lastStateChange) >= cb.config.RecoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Status returns a snapshot of the breaker's state, metrics and config.
func (cb *CircuitBreaker) Status() Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	metrics := cb.metrics
	metrics.window = append([]callOutcome(nil), cb.metrics.window...)

	return Status{
		Name:            cb.name,
		State:           cb.stateLocked().String(),
		Metrics:         metrics,
		Config:          cb.config,
		LastStateChange: cb.lastStateChange,
	}
}

// ForceOpen forces the breaker into the open state. Operational override.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateOpen, time.Now())
}

// ForceClosed forces the breaker into the closed state. Operational override.
func (cb *CircuitBreaker) ForceClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed, time.Now())
}

// ResetMetrics clears all counters and the sliding window.
func (cb *CircuitBreaker) ResetMetrics() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.metrics = Metrics{}
	cb.halfOpenSuccess = 0
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case StateOpen:
		if now.Sub(cb.lastStateChange) < cb.config.RecoveryTimeout {
			return ErrOpenState
		}
		// Recovery timeout elapsed, allow this call through as a probe.
		cb.setState(StateHalfOpen, now)
	case StateHalfOpen, StateClosed:
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(success, timedOut bool, duration time.Duration) {
	cb.mu.Lock()

	now := time.Now()
	cb.metrics.record(success, duration, cb.config.SlidingWindowSize, now)
	if timedOut {
		cb.metrics.TimeoutCalls++
	}

	switch cb.state {
	case StateClosed:
		if !success && cb.shouldTrip() {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		if success {
			cb.halfOpenSuccess++
			if cb.halfOpenSuccess >= cb.config.SuccessThreshold {
				cb.setState(StateClosed, now)
			}
		} else {
			cb.setState(StateOpen, now)
		}
	}
	cb.mu.Unlock()
}

// shouldTrip decides whether the closed breaker must open after a failure.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) shouldTrip() bool {
	if cb.metrics.consecutiveFailures() >= cb.config.FailureThreshold {
		return true
	}
	rate, samples := cb.metrics.failureRate()
	return samples >= cb.config.MinimumThroughput && rate >= cb.config.FailureRateThreshold
}

// setState performs a state transition. Callers must hold cb.mu.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.lastStateChange = now
	cb.halfOpenSuccess = 0

	if state == StateClosed {
		cb.metrics.window = cb.metrics.window[:0]
	}

	log.Infof("Circuit breaker '%s' state changed from %s to %s", cb.name, prev, state)

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, prev, state)
	}
}
