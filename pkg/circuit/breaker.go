// Package circuit provides a circuit breaker for calls to remote collaborators
// (the mint HTTP API, Kafka brokers).
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/ehashpool/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests are allowed
	StateClosed State = iota
	// StateOpen - requests are rejected
	StateOpen
	// StateHalfOpen - limited requests test for recovery
	StateHalfOpen
)

// String returns string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	Name            string
	MaxFailures     int           // failures before opening
	SuccessRequired int           // successes required to close from half-open
	Timeout         time.Duration // time spent open before probing
	ResetTimeout    time.Duration // window after which closed-state failures are forgotten

	// OnStateChange is called with the breaker lock released
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// ErrOpen is returned (wrapped) when the breaker rejects a call
var ErrOpen = errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open").NonRetryable()

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mu     sync.RWMutex

	state         State
	failures      int
	successes     int
	lastFailTime  time.Time
	lastResetTime time.Time
	now           func() time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
		now:           time.Now,
	}
}

// Execute runs fn with circuit breaker protection
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn with circuit breaker protection and returns its result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if !cb.allowRequest() {
		return zero, errors.Wrap(ErrOpen, errors.ErrorTypeInternal, "circuit_breaker",
			"request rejected").
			WithContext("breaker", cb.config.Name).
			WithContext("state", cb.GetState().String())
	}

	result, err := fn()
	cb.recordResult(err)
	return result, err
}

func (cb *Breaker) allowRequest() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := false
	now := cb.now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true
	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			allowed = true
		}
	case StateHalfOpen:
		allowed = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *Breaker) recordResult(err error) {
	cb.mu.Lock()
	from := cb.state

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.state = StateOpen
				cb.successes = 0
			}
		case StateHalfOpen:
			cb.state = StateOpen
			cb.successes = 0
		}
	} else {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = cb.now()
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		Name:         cb.config.Name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = cb.now()
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}
