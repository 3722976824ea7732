package attachment

import (
	"fmt"
	"sync"
)

// SlotLockManager provides per-slot mutex management for serializing
// operations on one controller slot while allowing concurrent operations
// on different slots. A slot's mutex is dropped once nobody holds or waits
// for it, so slots that are detached and never reused do not accumulate.
type SlotLockManager struct {
	// mu protects the locks map itself
	mu sync.Mutex

	// locks maps slot key to per-slot mutex
	locks map[string]*slotLock
}

type slotLock struct {
	mu sync.Mutex

	// refs counts the holder and the waiters; guarded by SlotLockManager.mu
	refs int
}

// NewSlotLockManager creates a new SlotLockManager
func NewSlotLockManager() *SlotLockManager {
	return &SlotLockManager{
		locks: make(map[string]*slotLock),
	}
}

// SlotKey formats the key identifying a controller slot
func SlotKey(controllerName string, port, device int32) string {
	return fmt.Sprintf("%s/%d/%d", controllerName, port, device)
}

// Lock acquires the per-slot lock for key, creating it on first use.
// This method blocks until the lock is acquired.
func (slm *SlotLockManager) Lock(key string) {
	slm.mu.Lock()
	lock, exists := slm.locks[key]
	if !exists {
		lock = &slotLock{}
		slm.locks[key] = lock
	}
	lock.refs++
	// Release manager lock BEFORE acquiring the per-slot lock
	slm.mu.Unlock()

	lock.mu.Lock()
}

// Unlock releases the per-slot lock for key.
// The lock must have been previously acquired with Lock().
func (slm *SlotLockManager) Unlock(key string) {
	slm.mu.Lock()
	lock, exists := slm.locks[key]
	if exists {
		lock.refs--
		if lock.refs <= 0 {
			delete(slm.locks, key)
		}
	}
	slm.mu.Unlock()

	if exists {
		lock.mu.Unlock()
	}
}

// Len returns the number of slots currently held or waited for
func (slm *SlotLockManager) Len() int {
	slm.mu.Lock()
	defer slm.mu.Unlock()
	return len(slm.locks)
}
