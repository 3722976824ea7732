package mock

import (
	"math/rand"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// TimingSimulator adds delays to mock medium operations
type TimingSimulator struct {
	enabled           bool
	lockLatency       time.Duration
	lockLatencyJitter time.Duration
	unlockLatency     time.Duration

	mu  sync.Mutex // rand.Rand is not safe for concurrent use
	rng *rand.Rand
}

// NewTimingSimulator creates a new timing simulator from configuration
func NewTimingSimulator(config MockMediumConfig) *TimingSimulator {
	return &TimingSimulator{
		enabled:           config.RealisticTiming,
		lockLatency:       time.Duration(config.LockLatencyMs) * time.Millisecond,
		lockLatencyJitter: time.Duration(config.LockLatencyJitterMs) * time.Millisecond,
		unlockLatency:     time.Duration(config.UnlockLatencyMs) * time.Millisecond,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// lockDelay returns the lock latency with jitter applied, never negative
func (t *TimingSimulator) lockDelay() time.Duration {
	jitter := time.Duration(0)
	if t.lockLatencyJitter > 0 {
		t.mu.Lock()
		// Random jitter in range [-jitter, +jitter]
		jitter = time.Duration(t.rng.Int63n(int64(t.lockLatencyJitter*2))) - t.lockLatencyJitter
		t.mu.Unlock()
	}
	delay := t.lockLatency + jitter
	if delay < 0 {
		delay = 0
	}
	return delay
}

// SimulateOperation sleeps for the configured delay of opType (lock|unlock)
func (t *TimingSimulator) SimulateOperation(opType string) {
	if !t.enabled {
		return
	}

	var delay time.Duration
	switch opType {
	case "lock":
		if t.lockLatency == 0 {
			return
		}
		delay = t.lockDelay()
	case "unlock":
		delay = t.unlockLatency
	default:
		return
	}

	if delay == 0 {
		return
	}

	klog.V(5).Infof("Mock medium timing: %s simulation %dms", opType, delay.Milliseconds())
	time.Sleep(delay)
}
