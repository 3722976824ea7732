package medium

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Image is an in-memory medium with reader/writer lock accounting.
// It models the lock states of a real disk image without doing any I/O.
type Image struct {
	mu sync.Mutex

	id     uuid.UUID
	name   string
	kind   Kind
	parent *Image

	state        State
	preLockState State
	readers      int
}

// ImageOptions contains the parameters for creating an Image
type ImageOptions struct {
	ID     uuid.UUID
	Name   string
	Kind   Kind
	Parent *Image
	State  State
}

// NewImage creates a new in-memory image
func NewImage(opts ImageOptions) *Image {
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &Image{
		id:     id,
		name:   opts.Name,
		kind:   opts.Kind,
		parent: opts.Parent,
		state:  opts.State,
	}
}

// ID implements Medium
func (img *Image) ID() uuid.UUID {
	return img.id
}

// Name implements Medium
func (img *Image) Name() string {
	return img.name
}

// Kind returns the device class of the image
func (img *Image) Kind() Kind {
	return img.kind
}

// Parent implements Medium
func (img *Image) Parent() Medium {
	if img.parent == nil {
		return nil
	}
	return img.parent
}

// State implements Medium
func (img *Image) State() State {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.state
}

// Readers returns the number of outstanding read locks
func (img *Image) Readers() int {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.readers
}

// SetState moves an unlocked image into another state, for example to mark
// it as being created or deleted. Locked images refuse the transition.
func (img *Image) SetState(s State) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.state.IsLocked() {
		return fmt.Errorf("%w: cannot set state of %s to %s while %s", ErrLocked, img.name, s, img.state)
	}
	if s.IsLocked() {
		return fmt.Errorf("lock states are entered through LockRead/LockWrite, not SetState")
	}
	klog.V(2).Infof("Medium %s: %s -> %s", img.name, img.state, s)
	img.state = s
	return nil
}

// LockRead implements Medium
func (img *Image) LockRead() (Token, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	switch img.state {
	case StateCreated, StateInaccessible:
		img.preLockState = img.state
		img.state = StateLockedRead
	case StateLockedRead:
	case StateLockedWrite:
		return nil, fmt.Errorf("%w: %s is locked for writing", ErrLocked, img.name)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotLockable, img.name, img.state)
	}
	img.readers++
	klog.V(5).Infof("Medium %s: read lock acquired (readers=%d)", img.name, img.readers)
	return &imageToken{img: img}, nil
}

// LockWrite implements Medium
func (img *Image) LockWrite() (Token, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	switch img.state {
	case StateCreated, StateInaccessible:
		img.preLockState = img.state
		img.state = StateLockedWrite
	case StateLockedRead:
		return nil, fmt.Errorf("%w: %s is locked for reading", ErrLocked, img.name)
	case StateLockedWrite:
		return nil, fmt.Errorf("%w: %s is locked for writing", ErrLocked, img.name)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotLockable, img.name, img.state)
	}
	klog.V(5).Infof("Medium %s: write lock acquired", img.name)
	return &imageToken{img: img, write: true}, nil
}

func (img *Image) release(write bool) {
	img.mu.Lock()
	defer img.mu.Unlock()

	if write {
		img.state = img.preLockState
		klog.V(5).Infof("Medium %s: write lock abandoned", img.name)
		return
	}
	img.readers--
	if img.readers == 0 {
		img.state = img.preLockState
	}
	klog.V(5).Infof("Medium %s: read lock abandoned (readers=%d)", img.name, img.readers)
}

type imageToken struct {
	once  sync.Once
	img   *Image
	write bool
}

// Abandon implements Token. Abandoning twice is a no-op.
func (t *imageToken) Abandon() error {
	t.once.Do(func() {
		t.img.release(t.write)
	})
	return nil
}
