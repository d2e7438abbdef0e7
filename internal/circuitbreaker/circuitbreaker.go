// Package circuitbreaker wraps sony/gobreaker with the settings and metrics hooks
// shared by the weather and AI upstream clients.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state name: "closed", "open" or "half-open".
type State string

// Config holds circuit breaker parameters.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of probe calls allowed while half-open; all must
	// succeed to close the circuit again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// Interval clears closed-state counts periodically. Zero never clears.
	Interval  time.Duration
	Component string
	// OnStateChange is optional, for metrics and logs.
	OnStateChange func(component string, from, to State)
}

// CircuitBreaker protects one upstream. A nil *CircuitBreaker runs every call directly.
type CircuitBreaker struct {
	cb        *gobreaker.CircuitBreaker
	component string
}

// New creates a CircuitBreaker with defaults for zero fields.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	threshold := uint32(cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        cfg.Component,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if cfg.OnStateChange != nil {
		onChange := cfg.OnStateChange
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onChange(name, State(from.String()), State(to.String()))
		}
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings), component: cfg.Component}
}

// Call runs fn when the circuit allows it. Errors returned by fn count as failures.
// When the circuit is open (or half-open with all probes in use) Call returns ErrOpen.
func (c *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if c == nil {
		return fn()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, c.component)
	}
	return err
}

// State returns the current state.
func (c *CircuitBreaker) State() State {
	if c == nil {
		return State(gobreaker.StateClosed.String())
	}
	return State(c.cb.State().String())
}

// Component returns the name the breaker was created with.
func (c *CircuitBreaker) Component() string {
	if c == nil {
		return ""
	}
	return c.component
}
