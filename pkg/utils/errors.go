package utils

import (
	"errors"

	"k8s.io/klog/v2"
)

// Sentinel errors for the medium locking core.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrInvalidState indicates an operation attempted while the object is in
	// the wrong phase: structural edits of a locked list or map, lookups of
	// absent keys, updates of a medium that is not part of a list.
	ErrInvalidState = errors.New("invalid object state")

	// ErrLockFailed indicates the medium refused the requested lock
	ErrLockFailed = errors.New("medium lock failed")

	// ErrObjectNotReady indicates the object was used outside its live window
	// (before init completed or after uninit started)
	ErrObjectNotReady = errors.New("object not ready")

	// ErrNotFound indicates the requested medium, machine or attachment does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidParameter indicates an invalid parameter was provided
	ErrInvalidParameter = errors.New("invalid parameter")
)

// PreserveError records err into *errp unless an error is already in flight.
// A failure that would overwrite an existing error is logged instead, so
// cleanup paths never mask the error the caller is already reporting.
// errp may be nil, in which case a non-nil err is only logged.
func PreserveError(errp *error, err error, what string) {
	if err == nil {
		return
	}
	if errp == nil {
		klog.Warningf("Suppressed error during %s: %v", what, err)
		return
	}
	if *errp != nil {
		klog.Warningf("Suppressed error during %s (keeping earlier error %q): %v", what, *errp, err)
		return
	}
	*errp = err
}

// IsRetryableError reports whether err is a lock refusal that may succeed
// once the current holder lets go. Invalid-state and lifecycle errors are
// programming or configuration errors and are never retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrObjectNotReady) {
		return false
	}
	return errors.Is(err, ErrLockFailed)
}
