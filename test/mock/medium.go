package mock

import (
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/medium"
)

// FaultyMedium wraps a medium and injects latency and failures into its
// lock requests and token abandons. Parent links are wrapped too so an
// entire chain misbehaves the same way.
type FaultyMedium struct {
	inner   medium.Medium
	errors  *ErrorInjector
	timing  *TimingSimulator
	history *callHistory
}

// Wrap returns inner with the faults described by config
func Wrap(inner medium.Medium, config MockMediumConfig) *FaultyMedium {
	f := &FaultyMedium{
		inner:  inner,
		errors: NewErrorInjector(config),
		timing: NewTimingSimulator(config),
	}
	if config.EnableHistory {
		f.history = &callHistory{depth: config.HistoryDepth}
	}
	return f
}

// WrapFromEnv wraps inner using LoadConfigFromEnv
func WrapFromEnv(inner medium.Medium) *FaultyMedium {
	return Wrap(inner, LoadConfigFromEnv())
}

// Injector returns the error injector, shared by the whole wrapped chain
func (f *FaultyMedium) Injector() *ErrorInjector {
	return f.errors
}

// History returns the recorded calls, oldest first
func (f *FaultyMedium) History() []string {
	if f.history == nil {
		return nil
	}
	return f.history.list()
}

// ID implements medium.Medium
func (f *FaultyMedium) ID() uuid.UUID {
	return f.inner.ID()
}

// Name implements medium.Medium
func (f *FaultyMedium) Name() string {
	return f.inner.Name()
}

// State implements medium.Medium
func (f *FaultyMedium) State() medium.State {
	return f.inner.State()
}

// Parent implements medium.Medium. The parent shares this wrapper's
// injector, timing and history.
func (f *FaultyMedium) Parent() medium.Medium {
	p := f.inner.Parent()
	if p == nil {
		return nil
	}
	return &FaultyMedium{inner: p, errors: f.errors, timing: f.timing, history: f.history}
}

// LockRead implements medium.Medium
func (f *FaultyMedium) LockRead() (medium.Token, error) {
	return f.lock("LockRead", f.inner.LockRead)
}

// LockWrite implements medium.Medium
func (f *FaultyMedium) LockWrite() (medium.Token, error) {
	return f.lock("LockWrite", f.inner.LockWrite)
}

func (f *FaultyMedium) lock(call string, fn func() (medium.Token, error)) (medium.Token, error) {
	f.record(call)
	f.timing.SimulateOperation("lock")

	if err := f.errors.ShouldFailLock(f.Name()); err != nil {
		klog.V(4).Infof("Mock medium %s: injected %s failure: %v", f.Name(), call, err)
		return nil, err
	}
	tok, err := fn()
	if err != nil {
		return nil, err
	}
	return &faultyToken{inner: tok, medium: f}, nil
}

func (f *FaultyMedium) record(call string) {
	if f.history != nil {
		f.history.add(f.Name() + ":" + call)
	}
}

type faultyToken struct {
	inner  medium.Token
	medium *FaultyMedium
}

// Abandon releases the wrapped token even when a failure is injected, so
// the underlying medium never leaks a lock
func (t *faultyToken) Abandon() error {
	t.medium.record("Abandon")
	t.medium.timing.SimulateOperation("unlock")

	err := t.inner.Abandon()
	if injected := t.medium.errors.ShouldFailAbandon(t.medium.Name()); injected != nil {
		klog.V(4).Infof("Mock medium %s: injected abandon failure", t.medium.Name())
		return injected
	}
	return err
}

// callHistory is a bounded log of calls
type callHistory struct {
	mu      sync.Mutex
	depth   int
	entries []string
}

func (h *callHistory) add(entry string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	if h.depth > 0 && len(h.entries) > h.depth {
		h.entries = h.entries[len(h.entries)-h.depth:]
	}
}

func (h *callHistory) list() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.entries...)
}
