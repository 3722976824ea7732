package attachment

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSlotLockManager_LockUnlock(t *testing.T) {
	slm := NewSlotLockManager()
	slotKey := SlotKey("SATA", 0, 1)

	// Lock the slot
	slm.Lock(slotKey)

	// Try to lock from a goroutine - should block
	locked := make(chan bool, 1)
	go func() {
		slm.Lock(slotKey)
		locked <- true
		slm.Unlock(slotKey)
	}()

	// Give goroutine time to attempt lock
	select {
	case <-locked:
		t.Fatal("Expected lock to block, but it didn't")
	case <-time.After(100 * time.Millisecond):
		// Good - lock is blocked
	}

	// Unlock the slot
	slm.Unlock(slotKey)

	// Now the goroutine should be able to acquire the lock
	select {
	case <-locked:
		// Good - lock was acquired
	case <-time.After(1 * time.Second):
		t.Fatal("Expected lock to be acquired after unlock, but it timed out")
	}
}

func TestSlotLockManager_DifferentSlots(t *testing.T) {
	slm := NewSlotLockManager()

	// Lock SATA port 0 device 1
	slm.Lock(SlotKey("SATA", 0, 1))
	defer slm.Unlock(SlotKey("SATA", 0, 1))

	// Try to lock device 2 from a goroutine - should NOT block
	locked := make(chan bool, 1)
	go func() {
		slm.Lock(SlotKey("SATA", 0, 2))
		locked <- true
		slm.Unlock(SlotKey("SATA", 0, 2))
	}()

	// Should be able to acquire lock immediately since different slot
	select {
	case <-locked:
		// Good - lock was acquired
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Expected lock on device 2 to be acquired immediately, but it blocked")
	}
}

func TestSlotLockManager_ConcurrentSameSlot(t *testing.T) {
	slm := NewSlotLockManager()
	slotKey := "SATA/concurrent"
	numGoroutines := 100
	var counter int64
	var wg sync.WaitGroup

	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			slm.Lock(slotKey)
			// Critical section - increment counter
			current := atomic.LoadInt64(&counter)
			// Simulate some work
			time.Sleep(1 * time.Millisecond)
			atomic.StoreInt64(&counter, current+1)
			slm.Unlock(slotKey)
		}()
	}

	wg.Wait()

	if counter != int64(numGoroutines) {
		t.Fatalf("Expected counter to be %d, got %d - lock serialization failed", numGoroutines, counter)
	}
}

func TestSlotLockManager_UnlockNonExistent(t *testing.T) {
	slm := NewSlotLockManager()

	// Unlock a slot that was never locked - should not panic
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Unlock of non-existent slot panicked: %v", r)
		}
	}()

	slm.Unlock("SATA/nonexistent")

	// Should complete without panic
}

func TestSlotLockManager_MultipleLockUnlock(t *testing.T) {
	slm := NewSlotLockManager()
	slotKey := "SATA/multi"

	// Lock and unlock multiple times
	for i := 0; i < 10; i++ {
		slm.Lock(slotKey)
		slm.Unlock(slotKey)
	}

	// Should still be able to lock
	slm.Lock(slotKey)
	slm.Unlock(slotKey)
}

func TestSlotLockManager_ConcurrentDifferentSlots(t *testing.T) {
	slm := NewSlotLockManager()
	numSlots := 50
	var wg sync.WaitGroup

	wg.Add(numSlots)
	for i := 0; i < numSlots; i++ {
		slotKey := fmt.Sprintf("SATA/%d/0", i)
		go func(key string) {
			defer wg.Done()
			slm.Lock(key)
			time.Sleep(10 * time.Millisecond)
			slm.Unlock(key)
		}(slotKey)
	}

	// All goroutines should complete quickly since they're different slots
	done := make(chan bool)
	go func() {
		wg.Wait()
		done <- true
	}()

	select {
	case <-done:
		// Good - all completed
	case <-time.After(5 * time.Second):
		t.Fatal("Expected all goroutines to complete quickly for different slots, but timed out")
	}
}

func TestSlotKey(t *testing.T) {
	if got := SlotKey("SATA Controller", 1, 0); got != "SATA Controller/1/0" {
		t.Errorf("Expected SATA Controller/1/0, got %s", got)
	}
	if SlotKey("IDE", 0, 1) == SlotKey("IDE", 1, 0) {
		t.Error("port and device must both be part of the key")
	}
}

func TestSlotLockManager_DropsIdleSlots(t *testing.T) {
	slm := NewSlotLockManager()
	key := SlotKey("SATA", 3, 0)

	slm.Lock(key)
	if got := slm.Len(); got != 1 {
		t.Fatalf("Expected 1 tracked slot while held, got %d", got)
	}

	acquired := make(chan struct{})
	go func() {
		slm.Lock(key)
		close(acquired)
	}()

	// wait until the second caller is queued on the slot
	deadline := time.Now().Add(time.Second)
	for {
		slm.mu.Lock()
		refs := slm.locks[key].refs
		slm.mu.Unlock()
		if refs == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second Lock never queued")
		}
		time.Sleep(time.Millisecond)
	}

	slm.Unlock(key)
	<-acquired
	if got := slm.Len(); got != 1 {
		t.Errorf("Slot must survive while a waiter holds it, got %d tracked", got)
	}

	slm.Unlock(key)
	if got := slm.Len(); got != 0 {
		t.Errorf("Expected idle slot to be dropped, got %d tracked", got)
	}

	for i := int32(0); i < 100; i++ {
		k := SlotKey("IDE", i, 0)
		slm.Lock(k)
		slm.Unlock(k)
	}
	if got := slm.Len(); got != 0 {
		t.Errorf("Expected no tracked slots after use, got %d", got)
	}
}
