package mediumlock

import (
	"fmt"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

// MediumLock is a single lock request on one medium. The medium is referenced,
// never owned: the same medium may appear in many locks at once.
type MediumLock struct {
	medium    medium.Medium
	lockWrite bool

	token   medium.Token
	locked  bool
	skipped bool
}

// NewMediumLock creates an unlocked request for m
func NewMediumLock(m medium.Medium, lockWrite bool) *MediumLock {
	return &MediumLock{
		medium:    m,
		lockWrite: lockWrite,
	}
}

// Medium returns the referenced medium
func (l *MediumLock) Medium() medium.Medium {
	return l.medium
}

// LockWrite returns the requested mode: true for write, false for read
func (l *MediumLock) LockWrite() bool {
	return l.lockWrite
}

// IsLocked reports whether this request personally holds a lock token
func (l *MediumLock) IsLocked() bool {
	return l.locked
}

// IsSkipped reports whether the last Lock skipped the medium because it was
// not yet created, being created or being deleted
func (l *MediumLock) IsSkipped() bool {
	return l.skipped
}

// Lock acquires the requested lock. It is a no-op if a token is already held.
//
// Media that are not created, being created or being deleted are not eligible
// for serialized access: the request is marked skipped and Lock succeeds
// without touching the medium.
//
// With ignoreLockedMedia set, a medium that someone else already holds read-
// or write-locked is accepted as is: Lock succeeds without acquiring a token
// of its own. Concurrent read-only users of a shared base image use this to
// avoid contending.
func (l *MediumLock) Lock(ignoreLockedMedia bool) error {
	if l.locked {
		return nil
	}
	if l.medium == nil {
		return fmt.Errorf("%w: lock request without medium", utils.ErrInvalidState)
	}

	state := l.medium.State()
	if state.IsTransient() {
		klog.V(5).Infof("Skipping %s lock on %s (state %s)", modeString(l.lockWrite), l.medium.Name(), state)
		l.skipped = true
		return nil
	}
	if ignoreLockedMedia && state.IsLocked() {
		klog.V(5).Infof("Not locking %s, already %s elsewhere", l.medium.Name(), state)
		return nil
	}

	var (
		token medium.Token
		err   error
	)
	if l.lockWrite {
		token, err = l.medium.LockWrite()
	} else {
		token, err = l.medium.LockRead()
	}
	if err != nil {
		return fmt.Errorf("%w: %s lock on %s: %w", utils.ErrLockFailed, modeString(l.lockWrite), l.medium.Name(), err)
	}

	l.token = token
	l.locked = true
	klog.V(5).Infof("Acquired %s lock on %s", modeString(l.lockWrite), l.medium.Name())
	return nil
}

// Unlock releases the held token, if any. It is idempotent and always clears
// the skipped flag. Local state is cleared even when the release fails.
func (l *MediumLock) Unlock() error {
	l.skipped = false
	if !l.locked {
		return nil
	}

	token := l.token
	l.token = nil
	l.locked = false

	if token == nil {
		return nil
	}
	if err := token.Abandon(); err != nil {
		return fmt.Errorf("release %s lock on %s: %w", modeString(l.lockWrite), l.medium.Name(), err)
	}
	klog.V(5).Infof("Released %s lock on %s", modeString(l.lockWrite), l.medium.Name())
	return nil
}

// UpdateLock changes the requested mode. A held lock is released and
// reacquired in the new mode; if that fails the previous mode is restored and
// relocked, and the original failure is returned. Without a held lock only
// the requested mode changes.
func (l *MediumLock) UpdateLock(lockWrite bool) error {
	if !l.locked {
		l.lockWrite = lockWrite
		return nil
	}

	prev := l.lockWrite
	if err := l.Unlock(); err != nil {
		klog.Warningf("Releasing %s for mode change: %v", l.medium.Name(), err)
	}
	l.lockWrite = lockWrite
	err := l.Lock(false)
	if err == nil {
		return nil
	}

	l.lockWrite = prev
	if relockErr := l.Lock(false); relockErr != nil {
		klog.Errorf("Could not restore %s lock on %s: %v", modeString(prev), l.medium.Name(), relockErr)
	}
	return err
}

// Release unlocks as part of cleanup. A release failure is recorded into
// *errp only when no error is already in flight, so it never masks the
// caller's own failure. Intended for defer.
func (l *MediumLock) Release(errp *error) {
	utils.PreserveError(errp, l.Unlock(), "medium lock release")
}

func (l *MediumLock) String() string {
	name := "<nil>"
	if l.medium != nil {
		name = l.medium.Name()
	}
	return fmt.Sprintf("%s(%s locked=%v skipped=%v)", name, modeString(l.lockWrite), l.locked, l.skipped)
}

func modeString(lockWrite bool) string {
	if lockWrite {
		return "write"
	}
	return "read"
}
