// Package resilience carries the fault handling the services share: retries
// with exponential backoff, a consecutive-failure circuit breaker, and a
// goroutine-backed timeout for calls that cannot be trusted to honor a
// context.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of running the protected call while the
// breaker is shedding.
var ErrCircuitOpen = errors.New("circuit open")

// State is the breaker phase. The zero value is Closed.
type State int

const (
	StateClosed State = iota
	StateOpen
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
	}
	return "unknown"
}

// CircuitBreakerConfig tunes when the breaker opens and how it probes its
// way back closed. Zero fields take the defaults.
type CircuitBreakerConfig struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// breaker. Defaults to 5.
	FailureThreshold int
	// ResetTimeout is how long an open breaker sheds calls before letting
	// probes through. Defaults to 30 seconds.
	ResetTimeout time.Duration
	// HalfOpenMaxRequests caps concurrent probes while half-open.
	// Defaults to 1.
	HalfOpenMaxRequests int
}

// CircuitBreaker sheds calls to a dependency that keeps failing, giving it
// room to recover instead of piling on. A run of consecutive failures opens
// it; after ResetTimeout a bounded number of probes decide between closing
// again and re-opening.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// NewCircuitBreaker builds a closed breaker, filling config defaults for
// zero values.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
	}
}

// Execute runs fn unless the breaker is shedding, and feeds the outcome
// back into the state machine. The returned error is fn's own unless it is
// ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// GetState reports the current phase.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its failure memory.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.logger.Info("circuit reset")
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		wait := cb.cfg.ResetTimeout - time.Since(cb.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %s sheds calls for another %v",
				ErrCircuitOpen, cb.name, wait.Round(time.Millisecond))
		}
		// The request that finds the cool-down expired is the first probe.
		cb.state = StateHalfOpen
		cb.probes = 1
		cb.logger.Info("circuit half-open, probing", "after", cb.cfg.ResetTimeout)
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			return fmt.Errorf("%w: %s has no probe slots left", ErrCircuitOpen, cb.name)
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		if cb.state == StateHalfOpen {
			cb.logger.Info("probe succeeded, circuit closed")
		}
		if cb.state != StateOpen {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
		}
		return
	}
	cb.failures++
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.trip("failure run hit threshold")
		}
	case StateHalfOpen:
		cb.trip("probe failed")
	}
}

// trip is called with the mutex held.
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.openedAt = time.Now()
	cb.logger.Warn("circuit opened",
		"reason", reason, "failures", cb.failures, "reset_after", cb.cfg.ResetTimeout)
}
