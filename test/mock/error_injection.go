package mock

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/medium"
)

// ErrInjectedAbandon is returned by tokens when abandon failures are injected
var ErrInjectedAbandon = errors.New("injected abandon failure")

// ErrorMode defines the type of error to inject
type ErrorMode int

const (
	// ErrorModeNone indicates no error injection
	ErrorModeNone ErrorMode = iota
	// ErrorModeBusy refuses lock requests as if another holder had the medium
	ErrorModeBusy
	// ErrorModeNotLockable refuses lock requests as if the medium were in a transient state
	ErrorModeNotLockable
	// ErrorModeAbandonFail makes token abandon report failure
	ErrorModeAbandonFail
)

// ErrorInjector manages error injection for testing
type ErrorInjector struct {
	mode         ErrorMode
	operationNum int
	triggerAfter int
	mu           sync.Mutex // Protect operation counter
}

// NewErrorInjector creates a new error injector from configuration
func NewErrorInjector(config MockMediumConfig) *ErrorInjector {
	return &ErrorInjector{
		mode:         ParseErrorMode(config.ErrorMode),
		triggerAfter: config.ErrorAfterN,
	}
}

// ParseErrorMode converts string error mode to ErrorMode constant
func ParseErrorMode(s string) ErrorMode {
	switch s {
	case "busy":
		return ErrorModeBusy
	case "not_lockable":
		return ErrorModeNotLockable
	case "abandon_fail":
		return ErrorModeAbandonFail
	case "none", "":
		return ErrorModeNone
	default:
		klog.Warningf("Unknown error mode %q, using none", s)
		return ErrorModeNone
	}
}

// ShouldFailLock returns the error a lock request on name should fail with, or nil
func (e *ErrorInjector) ShouldFailLock(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode != ErrorModeBusy && e.mode != ErrorModeNotLockable {
		return nil
	}

	e.operationNum++
	if e.operationNum <= e.triggerAfter {
		return nil
	}

	switch e.mode {
	case ErrorModeBusy:
		return fmt.Errorf("%w: %s is held by another session", medium.ErrLocked, name)
	case ErrorModeNotLockable:
		return fmt.Errorf("%w: %s is being created", medium.ErrNotLockable, name)
	default:
		return nil
	}
}

// ShouldFailAbandon returns the error abandoning a token on name should report, or nil
func (e *ErrorInjector) ShouldFailAbandon(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode != ErrorModeAbandonFail {
		return nil
	}

	e.operationNum++
	if e.operationNum <= e.triggerAfter {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInjectedAbandon, name)
}

// Reset resets the operation counter for test isolation
func (e *ErrorInjector) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.operationNum = 0
}
