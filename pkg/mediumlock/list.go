package mediumlock

import (
	"fmt"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

// LockList is an ordered chain of lock requests locked as one unit.
// The sequence may only be extended while the list is unlocked.
type LockList struct {
	locks  []*MediumLock
	locked bool
}

// NewLockList creates an empty, unlocked list
func NewLockList() *LockList {
	return &LockList{}
}

// Len returns the number of entries
func (ll *LockList) Len() int {
	return len(ll.locks)
}

// IsEmpty reports whether the list has no entries
func (ll *LockList) IsEmpty() bool {
	return len(ll.locks) == 0
}

// IsLocked reports whether the list as a whole is locked
func (ll *LockList) IsLocked() bool {
	return ll.locked
}

// Entries returns the entries in lock order. The slice is a copy; the
// entries themselves are shared with the list.
func (ll *LockList) Entries() []*MediumLock {
	return append([]*MediumLock(nil), ll.locks...)
}

// At returns the entry at position i
func (ll *LockList) At(i int) *MediumLock {
	return ll.locks[i]
}

// Append adds a request at the tail
func (ll *LockList) Append(m medium.Medium, lockWrite bool) error {
	if m == nil {
		return fmt.Errorf("%w: nil medium", utils.ErrInvalidParameter)
	}
	if ll.locked {
		return fmt.Errorf("%w: cannot append %s to a locked list", utils.ErrInvalidState, m.Name())
	}
	ll.locks = append(ll.locks, NewMediumLock(m, lockWrite))
	return nil
}

// Prepend adds a request at the head
func (ll *LockList) Prepend(m medium.Medium, lockWrite bool) error {
	if m == nil {
		return fmt.Errorf("%w: nil medium", utils.ErrInvalidParameter)
	}
	if ll.locked {
		return fmt.Errorf("%w: cannot prepend %s to a locked list", utils.ErrInvalidState, m.Name())
	}
	ll.locks = append([]*MediumLock{NewMediumLock(m, lockWrite)}, ll.locks...)
	return nil
}

// Update changes the requested mode of the first entry referencing m.
// Permitted while locked; a held lock is converted in place.
func (ll *LockList) Update(m medium.Medium, lockWrite bool) error {
	if m == nil {
		return fmt.Errorf("%w: nil medium", utils.ErrInvalidParameter)
	}
	if i := ll.indexOf(m); i >= 0 {
		return ll.locks[i].UpdateLock(lockWrite)
	}
	return fmt.Errorf("%w: medium %s is not in the lock list", utils.ErrInvalidState, m.Name())
}

// Contains reports whether some entry references m
func (ll *LockList) Contains(m medium.Medium) bool {
	return ll.indexOf(m) >= 0
}

// RemoveAt unlocks the entry at position i and removes it. The entry is
// removed even if unlocking fails; the unlock failure is returned.
func (ll *LockList) RemoveAt(i int) error {
	if i < 0 || i >= len(ll.locks) {
		return fmt.Errorf("%w: lock list index %d out of range [0,%d)", utils.ErrInvalidState, i, len(ll.locks))
	}
	err := ll.locks[i].Unlock()
	ll.locks = append(ll.locks[:i], ll.locks[i+1:]...)
	return err
}

// Clear unlocks everything and empties the list
func (ll *LockList) Clear() error {
	err := ll.Unlock()
	ll.locks = nil
	return err
}

// Lock locks every entry in list order. On the first failure, every entry
// locked so far is unlocked again and the failure is returned; the list stays
// unlocked. With skipOverLockedMedia, media already locked by someone else
// are accepted without taking a token (see MediumLock.Lock).
func (ll *LockList) Lock(skipOverLockedMedia bool) error {
	if ll.locked {
		return nil
	}

	for i, l := range ll.locks {
		if err := l.Lock(skipOverLockedMedia); err != nil {
			klog.V(4).Infof("Lock list: entry %d/%d (%s) failed, unwinding: %v", i+1, len(ll.locks), l, err)
			for _, acquired := range ll.locks[:i] {
				if uerr := acquired.Unlock(); uerr != nil {
					klog.Warningf("Lock list: unwind of %s failed: %v", acquired, uerr)
				}
			}
			return err
		}
	}

	ll.locked = true
	klog.V(4).Infof("Lock list: locked %d entries", len(ll.locks))
	return nil
}

// Unlock unlocks every entry. All entries are attempted even if some fail;
// the first failure is returned and the list always ends unlocked.
func (ll *LockList) Unlock() error {
	if !ll.locked {
		return nil
	}

	var firstErr error
	for _, l := range ll.locks {
		if err := l.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ll.locked = false
	klog.V(4).Infof("Lock list: unlocked %d entries", len(ll.locks))
	return firstErr
}

// Release clears the list as part of cleanup without masking an error
// already in flight in *errp. Intended for defer.
func (ll *LockList) Release(errp *error) {
	utils.PreserveError(errp, ll.Clear(), "lock list release")
}

func (ll *LockList) indexOf(m medium.Medium) int {
	if m == nil {
		return -1
	}
	id := m.ID()
	for i, l := range ll.locks {
		if l.medium != nil && l.medium.ID() == id {
			return i
		}
	}
	return -1
}
