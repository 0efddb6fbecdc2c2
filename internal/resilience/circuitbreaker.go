// Package resilience provides the availability primitives that guard outbound
// calls to external services: per-service circuit breakers, TTL/LRU caches,
// and the [Registry] that owns named instances of both.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open). Unlike wrapper-only designs it exposes the
// primitive operations (CanExecute / RecordSuccess / RecordFailure /
// RecordRejected) so that callers with pre-existing call sites can integrate
// the breaker without restructuring; [CircuitBreaker.Execute] composes the
// primitives for the common case.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// in the open state and the timeout has not yet elapsed, or when the
// half-open probe budget is exhausted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state: all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected until the timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the timeout. A limited
	// number of concurrent calls are allowed through; enough successes close
	// the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages and status output.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of successes required in the half-open
	// state before the breaker closes. Default: 2.
	SuccessThreshold int

	// Timeout is how long the breaker stays open before admitting half-open
	// probes. Default: 60s.
	Timeout time.Duration

	// HalfOpenMaxCalls is the maximum number of concurrent probe calls
	// admitted in the half-open state. Default: 3.
	HalfOpenMaxCalls int
}

// CircuitStats is a snapshot of a breaker's call accounting.
type CircuitStats struct {
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	RejectedCalls   int64
	StateChanges    int64
	LastFailure     time.Time
	LastSuccess     time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenMax      int

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	halfOpenCalls int
	lastFailure   time.Time
	stats         CircuitStats
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		halfOpenMax:      cfg.HalfOpenMaxCalls,
		state:            StateClosed,
	}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// CanExecute reports whether a call may proceed.
//
// In the closed state it always returns true. In the open state it returns
// false until the timeout has elapsed since the last failure, at which point
// the breaker transitions to half-open and the call is admitted. In the
// half-open state calls are admitted while the concurrent probe count is
// below HalfOpenMaxCalls; each admission reserves one probe slot, released
// by [CircuitBreaker.RecordSuccess] or [CircuitBreaker.RecordFailure].
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.timeout {
			cb.transitionTo(StateHalfOpen)
			cb.successCount = 0
			cb.halfOpenCalls = 1
			return true
		}
		return false

	default: // StateHalfOpen
		if cb.halfOpenCalls < cb.halfOpenMax {
			cb.halfOpenCalls++
			return true
		}
		return false
	}
}

// RecordSuccess records a successful call. In the half-open state it releases
// the probe slot and closes the breaker once SuccessThreshold successes have
// accumulated; in the closed state it resets the consecutive failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalCalls++
	cb.stats.SuccessfulCalls++
	cb.stats.LastSuccess = time.Now()

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.halfOpenCalls > 0 {
			cb.halfOpenCalls--
		}
		if cb.successCount >= cb.successThreshold {
			cb.transitionTo(StateClosed)
			cb.failureCount = 0
		}
		return
	}
	cb.failureCount = 0
}

// RecordFailure records a failed call. In the half-open state any failure
// re-opens the breaker; in the closed state the breaker opens once
// FailureThreshold consecutive failures have accumulated.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.stats.TotalCalls++
	cb.stats.FailedCalls++
	cb.stats.LastFailure = now

	cb.failureCount++
	cb.lastFailure = now

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateOpen)
		cb.halfOpenCalls = 0
		return
	}
	if cb.failureCount >= cb.failureThreshold {
		cb.transitionTo(StateOpen)
	}
}

// RecordRejected records a call that was turned away because the breaker was
// open. Rejections count toward total calls but never affect state.
func (cb *CircuitBreaker) RecordRejected() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalCalls++
	cb.stats.RejectedCalls++
}

// Execute runs fn if the breaker allows it, recording the outcome. When the
// call is not admitted the rejection is recorded and [ErrCircuitOpen] is
// returned without invoking fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.CanExecute() {
		cb.RecordRejected()
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// transitionTo moves the breaker to newState. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	cb.stats.StateChanges++
	slog.Info("circuit state change",
		"name", cb.name,
		"old_state", old.String(),
		"new_state", newState.String(),
		"failure_count", cb.failureCount)
}

// State returns the current [State] of the breaker. The open → half-open
// transition happens on the next [CircuitBreaker.CanExecute] call, not here.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's call accounting.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// TimeoutRemaining returns how long until half-open probes are admitted.
// Zero when the breaker is not open or the timeout has already elapsed.
func (cb *CircuitBreaker) TimeoutRemaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.timeout - time.Since(cb.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
	slog.Info("circuit manually reset", "name", cb.name)
}
