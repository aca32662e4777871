package circuitbreaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"tripwire/detection-engine/internal/metrics"
)

// State represents the breaker state for one outbound collaborator.
type State int32

const (
	// StateClosed - normal operation, calls flow through
	StateClosed State = iota
	// StateOpen - collaborator is failing, calls fail fast
	StateOpen
	// StateHalfOpen - probing whether the collaborator recovered
	StateHalfOpen
)

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

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in half-open
	// before closing again.
	SuccessThreshold int
	// Timeout is how long to stay open before attempting half-open.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for collaborator calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards one outbound collaborator (abuse database, alert
// webhook, account service). An open breaker turns the call into an
// immediate error so the caller degrades to its fail-safe default instead
// of stalling the request path.
type CircuitBreaker struct {
	name   string
	config Config

	state        atomic.Int32
	failures     atomic.Int64
	successes    atomic.Int64
	lastFailTime atomic.Int64 // unix nanos

	mu sync.Mutex // protects state transitions
}

// New creates a closed breaker for the named collaborator.
func New(name string, config Config) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, config: config}
	cb.state.Store(int32(StateClosed))
	cb.lastFailTime.Store(time.Now().UnixNano())
	metrics.CircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// Allow reports whether a call may proceed. The returned error carries the
// retry hint when the breaker is open.
func (cb *CircuitBreaker) Allow() error {
	switch State(cb.state.Load()) {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		elapsed := time.Since(time.Unix(0, cb.lastFailTime.Load()))
		if elapsed >= cb.config.Timeout {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateOpen {
				cb.transitionTo(StateHalfOpen)
			}
			cb.mu.Unlock()
			return nil
		}
		return fmt.Errorf("circuit open for %s (retry in %v)", cb.name, (cb.config.Timeout - elapsed).Round(time.Second))
	default:
		return fmt.Errorf("circuit for %s in unknown state", cb.name)
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.failures.Store(0)
	case StateHalfOpen:
		if int(cb.successes.Add(1)) >= cb.config.SuccessThreshold {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateHalfOpen {
				cb.transitionTo(StateClosed)
				cb.failures.Store(0)
				cb.successes.Store(0)
				log.Info().Str("collaborator", cb.name).Msg("circuit breaker recovered")
			}
			cb.mu.Unlock()
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.lastFailTime.Store(time.Now().UnixNano())

	switch State(cb.state.Load()) {
	case StateClosed:
		if int(cb.failures.Add(1)) >= cb.config.FailureThreshold {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateClosed {
				cb.transitionTo(StateOpen)
				log.Error().
					Str("collaborator", cb.name).
					Int64("failures", cb.failures.Load()).
					Msg("circuit breaker opened")
			}
			cb.mu.Unlock()
		}
	case StateHalfOpen:
		// Any failure during a probe reopens immediately.
		cb.mu.Lock()
		if State(cb.state.Load()) == StateHalfOpen {
			cb.transitionTo(StateOpen)
			cb.successes.Store(0)
		}
		cb.mu.Unlock()
	}
}

// Do runs fn under the breaker: open circuit short-circuits, outcome is
// recorded either way.
func (cb *CircuitBreaker) Do(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// transitionTo changes state (caller must hold mu).
func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := State(cb.state.Load())
	cb.state.Store(int32(newState))

	metrics.CircuitState.WithLabelValues(cb.name).Set(float64(newState))
	if newState == StateOpen {
		metrics.CircuitTrips.WithLabelValues(cb.name).Inc()
	}

	log.Info().
		Str("collaborator", cb.name).
		Str("old_state", oldState.String()).
		Str("new_state", newState.String()).
		Msg("circuit breaker state transition")
}
