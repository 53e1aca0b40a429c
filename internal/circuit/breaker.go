// Package circuit implements the three-state circuit breaker every
// shared-store client call is wrapped in.
package circuit

import (
	"sync"
	"time"

	"github.com/sentrygate/ratelimiter/internal/errors"
)

// State is one of the three states a Breaker can be in.
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
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker pattern: closed -> open after
// failureThreshold consecutive failures, open -> half-open after
// resetTimeout of no attempts, half-open -> closed on one success or
// back to open on any failure.
type Breaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenLimit    int

	mu               sync.Mutex
	state            State
	failureCount     int
	halfOpenInFlight int
	lastStateChange  time.Time
	onStateChange    func(name string, from, to State)
}

// Options configures a Breaker. Zero values take sensible defaults.
type Options struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenLimit    int
	OnStateChange    func(name string, from, to State)
}

// NewBreaker creates a Breaker in the closed state.
func NewBreaker(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout == 0 {
		opts.ResetTimeout = 60 * time.Second
	}
	if opts.HalfOpenLimit <= 0 {
		opts.HalfOpenLimit = 1
	}

	return &Breaker{
		name:             opts.Name,
		failureThreshold: opts.FailureThreshold,
		resetTimeout:     opts.ResetTimeout,
		halfOpenLimit:    opts.HalfOpenLimit,
		state:            StateClosed,
		lastStateChange:  time.Now(),
		onStateChange:    opts.OnStateChange,
	}
}

// Name returns the breaker's name, used to key per-breaker monitor stats.
func (cb *Breaker) Name() string { return cb.name }

// State returns the current state.
func (cb *Breaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed, clearing failure counters.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failureCount = 0
	cb.halfOpenInFlight = 0
}

// Execute runs fn under breaker protection. If the breaker is open (and the
// reset timeout has not elapsed) it returns errors.CircuitOpen without
// calling fn at all.
func (cb *Breaker) Execute(fn func() error) error {
	if !cb.allow() {
		return errors.CircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.recordFailureLocked()
		return err
	}
	cb.recordSuccessLocked()
	return nil
}

func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastStateChange) < cb.resetTimeout {
			return false
		}
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenInFlight = 1
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.halfOpenLimit {
			cb.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *Breaker) recordSuccessLocked() {
	switch cb.state {
	case StateHalfOpen:
		cb.transitionLocked(StateClosed)
		cb.failureCount = 0
		cb.halfOpenInFlight = 0
	case StateClosed:
		cb.failureCount = 0
	}
}

func (cb *Breaker) recordFailureLocked() {
	cb.failureCount++

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.transitionLocked(StateOpen)
		cb.halfOpenInFlight = 0
	}
}

func (cb *Breaker) transitionLocked(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.lastStateChange = time.Now()
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
