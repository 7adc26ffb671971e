package decode

import (
	"sync"
	"time"
)

// State is the circuit breaker state for one decode endpoint.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	// DefaultFailureThreshold opens the circuit after this many consecutive failures.
	DefaultFailureThreshold = 5
	// DefaultCooldown is how long the circuit stays open before one trial is allowed.
	DefaultCooldown = 60 * time.Second
)

// Breaker is a circuit breaker shared across workers. All counter updates
// go through Allow/Success/Failure under one mutex; workers never
// read-modify-write the state themselves.
type Breaker struct {
	mu            sync.Mutex
	threshold     int
	cooldown      time.Duration
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool

	now func() time.Time // test hook
}

// NewBreaker creates a breaker. Non-positive arguments fall back to defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While open it fails with
// ErrCircuitOpen until the cooldown elapses, then admits exactly one trial
// in half-open state.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return nil
	default: // StateHalfOpen
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
}

// Success records a successful call, resets the failure counter, and
// closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialInFlight = false
	b.state = StateClosed
}

// Failure records a failed call. Reaching the threshold while closed, or
// any failure of the half-open trial, opens the circuit with a fresh
// cooldown.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	trial := b.trialInFlight
	b.trialInFlight = false

	if (b.state == StateHalfOpen && trial) || (b.state == StateClosed && b.failures >= b.threshold) {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
