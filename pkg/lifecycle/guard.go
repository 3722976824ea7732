// Package lifecycle provides the liveness guard and reader/writer lock every
// management entity composes: operations fail fast outside the object's live
// window, and lock acquisitions are tagged with the site that took them so a
// stuck writer can be identified from a dump.
package lifecycle

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

// State is the phase of an object's life
type State int32

const (
	// NotReady is the state of a zero value before Init
	NotReady State = iota
	// InInit means Init is running
	InInit
	// Ready means the object is live and callers are admitted
	Ready
	// InitFailed means Init returned an error; the object is unusable
	InitFailed
	// InUninit means Uninit is draining callers
	InUninit
	// Uninitialized means the object has been torn down
	Uninitialized
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "NotReady"
	case InInit:
		return "InInit"
	case Ready:
		return "Ready"
	case InitFailed:
		return "InitFailed"
	case InUninit:
		return "InUninit"
	case Uninitialized:
		return "Uninitialized"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Site identifies where a lock was requested
type Site string

// Here returns the caller's file:line as a Site
func Here() Site {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		return "unknown"
	}
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			file = file[i+1:]
			break
		}
	}
	return Site(fmt.Sprintf("%s:%d", file, line))
}

// Guard combines the liveness state machine with the object's data lock.
// The zero value is ready for Init. A Guard must not be copied.
type Guard struct {
	// name is used in log messages and errors
	name string

	// stateMu protects state and callers
	stateMu sync.Mutex
	drained *sync.Cond
	state   State
	callers int

	// mu is the object's data lock
	mu sync.RWMutex

	// writer records the site holding mu exclusively
	writer atomic.Value
}

// SetName sets the name used in diagnostics
func (g *Guard) SetName(name string) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	g.name = name
}

// State returns the current phase
func (g *Guard) State() State {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.state
}

// Init runs fn as the construction span. The object becomes Ready when fn
// succeeds and InitFailed otherwise. Init may only be called once.
func (g *Guard) Init(fn func() error) error {
	g.stateMu.Lock()
	if g.state != NotReady {
		state := g.state
		g.stateMu.Unlock()
		return fmt.Errorf("%w: %s: init in state %s", utils.ErrInvalidState, g.name, state)
	}
	g.state = InInit
	g.stateMu.Unlock()

	err := fn()

	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if err != nil {
		g.state = InitFailed
		klog.V(4).Infof("%s: init failed: %v", g.name, err)
		return err
	}
	g.state = Ready
	return nil
}

// Caller admits one operation into the live window. The returned release
// function must be called when the operation finishes. Uninit waits for all
// admitted callers before tearing the object down.
func (g *Guard) Caller() (release func(), err error) {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()

	if g.state != Ready {
		return nil, fmt.Errorf("%w: %s is %s", utils.ErrObjectNotReady, g.name, g.state)
	}
	g.callers++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.stateMu.Lock()
			defer g.stateMu.Unlock()
			g.callers--
			if g.callers == 0 && g.drained != nil {
				g.drained.Broadcast()
			}
		})
	}, nil
}

// Uninit closes the live window, waits for admitted callers to finish and
// runs fn under the exclusive data lock. It returns false (and does not run
// fn) if the object is not Ready, so a second Uninit is a no-op.
// Must not be called while holding an admission from Caller.
func (g *Guard) Uninit(fn func()) bool {
	g.stateMu.Lock()
	if g.state != Ready {
		g.stateMu.Unlock()
		return false
	}
	g.state = InUninit
	if g.drained == nil {
		g.drained = sync.NewCond(&g.stateMu)
	}
	for g.callers > 0 {
		g.drained.Wait()
	}
	g.stateMu.Unlock()

	if fn != nil {
		unlock := g.Lock(Here())
		fn()
		unlock()
	}

	g.stateMu.Lock()
	g.state = Uninitialized
	g.stateMu.Unlock()
	return true
}

// RLock takes the data lock shared and returns the unlock function
func (g *Guard) RLock(site Site) func() {
	g.mu.RLock()
	if klog.V(6).Enabled() {
		klog.V(6).Infof("%s: read lock at %s", g.name, site)
	}
	return g.mu.RUnlock
}

// Lock takes the data lock exclusively and returns the unlock function
func (g *Guard) Lock(site Site) func() {
	if klog.V(6).Enabled() {
		if holder := g.Writer(); holder != "" {
			klog.V(6).Infof("%s: write lock at %s waits for %s", g.name, site, holder)
		}
	}
	g.mu.Lock()
	g.writer.Store(site)
	return func() {
		g.writer.Store(Site(""))
		g.mu.Unlock()
	}
}

// Writer returns the site currently holding the data lock exclusively, or ""
func (g *Guard) Writer() Site {
	if s, ok := g.writer.Load().(Site); ok {
		return s
	}
	return ""
}
