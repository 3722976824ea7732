package mediumlock

import (
	"fmt"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

// LockListMap owns one LockList per key (usually one per attachment) and locks
// them together. Lists are locked in insertion order, which is stable across
// calls. Keys may only be added, removed or replaced while the map is unlocked.
type LockListMap[K comparable] struct {
	keys   []K
	lists  map[K]*LockList
	locked bool
}

// NewLockListMap creates an empty, unlocked map
func NewLockListMap[K comparable]() *LockListMap[K] {
	return &LockListMap[K]{
		lists: make(map[K]*LockList),
	}
}

// Len returns the number of lists
func (lm *LockListMap[K]) Len() int {
	return len(lm.keys)
}

// IsEmpty reports whether the map holds no lists
func (lm *LockListMap[K]) IsEmpty() bool {
	return len(lm.keys) == 0
}

// IsLocked reports whether the map as a whole is locked
func (lm *LockListMap[K]) IsLocked() bool {
	return lm.locked
}

// Keys returns the keys in lock order
func (lm *LockListMap[K]) Keys() []K {
	return append([]K(nil), lm.keys...)
}

// Insert stores list under key and takes ownership of it. A list already
// stored under key is cleared and replaced, keeping its position.
func (lm *LockListMap[K]) Insert(key K, list *LockList) error {
	if lm.locked {
		return fmt.Errorf("%w: cannot insert into a locked lock list map", utils.ErrInvalidState)
	}
	if list == nil {
		return fmt.Errorf("%w: nil lock list", utils.ErrInvalidParameter)
	}
	if old, exists := lm.lists[key]; exists {
		if old != list {
			utils.PreserveError(nil, old.Clear(), "replaced lock list clear")
		}
	} else {
		lm.keys = append(lm.keys, key)
	}
	lm.lists[key] = list
	return nil
}

// ReplaceKey moves the list stored under oldKey to newKey, keeping its position
func (lm *LockListMap[K]) ReplaceKey(oldKey, newKey K) error {
	if lm.locked {
		return fmt.Errorf("%w: cannot replace a key of a locked lock list map", utils.ErrInvalidState)
	}
	list, exists := lm.lists[oldKey]
	if !exists {
		return fmt.Errorf("%w: key %v not in lock list map", utils.ErrInvalidState, oldKey)
	}
	if oldKey == newKey {
		return nil
	}
	if _, taken := lm.lists[newKey]; taken {
		return fmt.Errorf("%w: key %v already in lock list map", utils.ErrInvalidState, newKey)
	}

	delete(lm.lists, oldKey)
	lm.lists[newKey] = list
	for i, k := range lm.keys {
		if k == oldKey {
			lm.keys[i] = newKey
			break
		}
	}
	return nil
}

// Remove deletes the list stored under key, clearing it first
func (lm *LockListMap[K]) Remove(key K) error {
	if lm.locked {
		return fmt.Errorf("%w: cannot remove from a locked lock list map", utils.ErrInvalidState)
	}
	list, exists := lm.lists[key]
	if !exists {
		return fmt.Errorf("%w: key %v not in lock list map", utils.ErrInvalidState, key)
	}

	delete(lm.lists, key)
	for i, k := range lm.keys {
		if k == key {
			lm.keys = append(lm.keys[:i], lm.keys[i+1:]...)
			break
		}
	}
	return list.Clear()
}

// Swap stores list under an existing key and clears the list it replaces.
// Unlike Insert it is permitted while the map is locked, as long as list is
// already locked: the other lists keep their locks throughout.
func (lm *LockListMap[K]) Swap(key K, list *LockList) error {
	if list == nil {
		return fmt.Errorf("%w: nil lock list", utils.ErrInvalidParameter)
	}
	old, exists := lm.lists[key]
	if !exists {
		return fmt.Errorf("%w: key %v not in lock list map", utils.ErrInvalidState, key)
	}
	if lm.locked && !list.IsLocked() {
		return fmt.Errorf("%w: cannot swap an unlocked list into a locked lock list map", utils.ErrInvalidState)
	}
	lm.lists[key] = list
	if old == list {
		return nil
	}
	klog.V(4).Infof("Lock list map: swapped list of %v (%d entries, was %d)", key, list.Len(), old.Len())
	return old.Clear()
}

// Get returns the list stored under key
func (lm *LockListMap[K]) Get(key K) (*LockList, error) {
	list, exists := lm.lists[key]
	if !exists {
		return nil, fmt.Errorf("%w: key %v not in lock list map", utils.ErrInvalidState, key)
	}
	return list, nil
}

// Lock locks every list in insertion order. On the first failing list, the
// lists locked before it are unlocked again (the failing list has already
// unwound itself) and the failure is returned; the map stays unlocked.
func (lm *LockListMap[K]) Lock() error {
	if lm.locked {
		return nil
	}

	for i, key := range lm.keys {
		if err := lm.lists[key].Lock(false); err != nil {
			klog.V(4).Infof("Lock list map: list %d/%d failed, unwinding: %v", i+1, len(lm.keys), err)
			for _, acquired := range lm.keys[:i] {
				if uerr := lm.lists[acquired].Unlock(); uerr != nil {
					klog.Warningf("Lock list map: unwind of list %v failed: %v", acquired, uerr)
				}
			}
			return err
		}
	}

	lm.locked = true
	klog.V(4).Infof("Lock list map: locked %d lists", len(lm.keys))
	return nil
}

// Unlock unlocks every list. All lists are attempted even if some fail; the
// first failure is returned and the map always ends unlocked.
func (lm *LockListMap[K]) Unlock() error {
	if !lm.locked {
		return nil
	}

	var firstErr error
	for _, key := range lm.keys {
		if err := lm.lists[key].Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	lm.locked = false
	klog.V(4).Infof("Lock list map: unlocked %d lists", len(lm.keys))
	return firstErr
}

// Clear unlocks the map, then clears and drops every list
func (lm *LockListMap[K]) Clear() error {
	err := lm.Unlock()
	for _, key := range lm.keys {
		utils.PreserveError(&err, lm.lists[key].Clear(), "lock list map clear")
	}
	lm.keys = nil
	lm.lists = make(map[K]*LockList)
	return err
}

// Release clears the map as part of cleanup without masking an error already
// in flight in *errp. Intended for defer.
func (lm *LockListMap[K]) Release(errp *error) {
	utils.PreserveError(errp, lm.Clear(), "lock list map release")
}
