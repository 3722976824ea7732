// Package medium defines the contract the locking core consumes from a virtual
// disk or removable-media image, plus an in-memory implementation used by the
// daemon's inventory and by tests.
//
// # Logging Verbosity Convention
//
//   - V(2): state transitions requested by the inventory (created, deleting)
//   - V(5): every token acquire and abandon
package medium

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrLocked is returned when a medium refuses a lock because of a conflicting holder
var ErrLocked = errors.New("medium is locked")

// ErrNotLockable is returned when the medium state does not allow the requested lock
var ErrNotLockable = errors.New("medium state does not allow locking")

// State is the observable state of a medium
type State int

const (
	// StateNotCreated means the storage unit does not exist yet
	StateNotCreated State = iota
	// StateCreated is the stable, unlocked state
	StateCreated
	// StateLockedRead means one or more readers hold the medium
	StateLockedRead
	// StateLockedWrite means a single writer holds the medium
	StateLockedWrite
	// StateInaccessible means the storage unit could not be opened
	StateInaccessible
	// StateCreating means the storage unit is being created
	StateCreating
	// StateDeleting means the storage unit is being deleted
	StateDeleting
)

func (s State) String() string {
	switch s {
	case StateNotCreated:
		return "NotCreated"
	case StateCreated:
		return "Created"
	case StateLockedRead:
		return "LockedRead"
	case StateLockedWrite:
		return "LockedWrite"
	case StateInaccessible:
		return "Inaccessible"
	case StateCreating:
		return "Creating"
	case StateDeleting:
		return "Deleting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState converts the inventory spelling of a state
func ParseState(s string) (State, error) {
	switch s {
	case "created", "":
		return StateCreated, nil
	case "notcreated":
		return StateNotCreated, nil
	case "creating":
		return StateCreating, nil
	case "deleting":
		return StateDeleting, nil
	case "inaccessible":
		return StateInaccessible, nil
	default:
		return StateCreated, fmt.Errorf("unknown medium state %q", s)
	}
}

// IsTransient reports whether the state denotes an object not yet (or no
// longer) eligible for serialized access. Lock requests skip such media.
func (s State) IsTransient() bool {
	return s == StateNotCreated || s == StateCreating || s == StateDeleting
}

// IsLocked reports whether some holder has the medium read- or write-locked
func (s State) IsLocked() bool {
	return s == StateLockedRead || s == StateLockedWrite
}

// Kind is the device class a medium can back
type Kind int

const (
	// KindHardDisk is a (possibly differencing) hard disk image
	KindHardDisk Kind = iota
	// KindDVD is an optical image
	KindDVD
	// KindFloppy is a floppy image
	KindFloppy
)

func (k Kind) String() string {
	switch k {
	case KindHardDisk:
		return "HardDisk"
	case KindDVD:
		return "DVD"
	case KindFloppy:
		return "Floppy"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts the inventory spelling of a kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "HardDisk", "harddisk", "":
		return KindHardDisk, nil
	case "DVD", "dvd":
		return KindDVD, nil
	case "Floppy", "floppy":
		return KindFloppy, nil
	default:
		return KindHardDisk, fmt.Errorf("unknown medium kind %q", s)
	}
}

// Token is a held read or write lock. Abandon releases it.
type Token interface {
	Abandon() error
}

// Medium is the view of a virtual disk the locking core depends on.
// Implementations must be safe for concurrent use: one medium is routinely
// shared by lock lists of several machines.
type Medium interface {
	// ID is the stable identity of the medium
	ID() uuid.UUID

	// Name is a human readable name used in logs and errors
	Name() string

	// State returns the current state
	State() State

	// Parent returns the medium this one is a differencing child of, or nil for a base medium
	Parent() Medium

	// LockRead requests a shared lock
	LockRead() (Token, error)

	// LockWrite requests an exclusive lock
	LockWrite() (Token, error)
}
