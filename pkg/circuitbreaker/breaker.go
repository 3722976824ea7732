// Package circuitbreaker stops a machine that keeps failing to lock its media
// from hammering the same media over and over.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

const (
	// DefaultConsecutiveFailures is the number of failures before circuit opens
	DefaultConsecutiveFailures = 3

	// DefaultTimeout is how long circuit stays open before allowing a retry
	DefaultTimeout = 30 * time.Second

	// DefaultInterval is the cyclic period of closed state to clear failure counts
	DefaultInterval = 1 * time.Minute
)

// Settings tunes the breakers created by a MachineCircuitBreaker
type Settings struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	Interval            time.Duration

	// OnStateChange, when set, is called after the logged transition
	OnStateChange func(machine string, from, to gobreaker.State)
}

// DefaultSettings returns the package defaults
func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: DefaultConsecutiveFailures,
		Timeout:             DefaultTimeout,
		Interval:            DefaultInterval,
	}
}

// MachineCircuitBreaker manages per-machine circuit breakers to prevent
// retry storms against media a machine cannot lock
type MachineCircuitBreaker struct {
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
}

// NewMachineCircuitBreaker creates a per-machine breaker manager with default settings
func NewMachineCircuitBreaker() *MachineCircuitBreaker {
	return NewMachineCircuitBreakerWithSettings(DefaultSettings())
}

// NewMachineCircuitBreakerWithSettings creates a per-machine breaker manager
func NewMachineCircuitBreakerWithSettings(s Settings) *MachineCircuitBreaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = DefaultConsecutiveFailures
	}
	return &MachineCircuitBreaker{
		settings: s,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// getBreaker returns or creates a circuit breaker for the given machine
func (mcb *MachineCircuitBreaker) getBreaker(machine string) *gobreaker.CircuitBreaker {
	mcb.mu.RLock()
	cb, exists := mcb.breakers[machine]
	mcb.mu.RUnlock()

	if exists {
		return cb
	}

	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := mcb.breakers[machine]; exists {
		return cb
	}

	threshold := mcb.settings.ConsecutiveFailures
	hook := mcb.settings.OnStateChange
	settings := gobreaker.Settings{
		Name:        machine,
		MaxRequests: 1, // Only 1 request allowed in half-open state
		Interval:    mcb.settings.Interval,
		Timeout:     mcb.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("Circuit breaker for machine %s: %s -> %s", name, from, to)
			if hook != nil {
				hook(name, from, to)
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	mcb.breakers[machine] = cb
	klog.V(4).Infof("Created circuit breaker for machine %s", machine)
	return cb
}

// isSuccessful decides which errors count against the breaker. Caller
// mistakes and cancellations say nothing about the media.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, utils.ErrInvalidParameter) ||
		errors.Is(err, utils.ErrInvalidState) ||
		errors.Is(err, utils.ErrNotFound) ||
		errors.Is(err, context.Canceled)
}

// Execute runs the given function with circuit breaker protection.
// Returns gRPC Unavailable error if circuit is open.
func (mcb *MachineCircuitBreaker) Execute(ctx context.Context, machine string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cb := mcb.getBreaker(machine)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if err == gobreaker.ErrOpenState {
		return status.Errorf(codes.Unavailable,
			"machine %s circuit breaker is OPEN after %d consecutive lock failures. "+
				"Check the state of its media and reset the breaker to retry.",
			machine, mcb.settings.ConsecutiveFailures)
	}

	if err == gobreaker.ErrTooManyRequests {
		return status.Errorf(codes.Unavailable,
			"machine %s circuit breaker is HALF-OPEN and already has a request in progress. "+
				"Wait for the current request to complete.",
			machine)
	}

	return err
}

// Reset drops the breaker for a machine so the next request starts closed.
// Returns false if the machine had no breaker.
func (mcb *MachineCircuitBreaker) Reset(machine string) bool {
	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	if _, exists := mcb.breakers[machine]; exists {
		delete(mcb.breakers, machine)
		klog.Infof("Circuit breaker reset for machine %s", machine)
		return true
	}
	return false
}

// State returns the current state of the circuit breaker for a machine.
// Returns "closed" if no breaker exists (default safe state).
func (mcb *MachineCircuitBreaker) State(machine string) string {
	mcb.mu.RLock()
	cb, exists := mcb.breakers[machine]
	mcb.mu.RUnlock()

	if !exists {
		return "closed"
	}

	return cb.State().String()
}

// IsOpen reports whether err came from an open or half-open breaker
func IsOpen(err error) bool {
	st, ok := status.FromError(err)
	return ok && err != nil && st.Code() == codes.Unavailable
}
