package session

import (
	"sync"

	"github.com/google/uuid"

	"git.srvlab.io/whiskey/medialock/pkg/attachment"
	"git.srvlab.io/whiskey/medialock/pkg/mediumlock"
	"git.srvlab.io/whiskey/medialock/pkg/observability"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

// Machine is a virtual machine as far as medium locking is concerned: a
// name, its attachments and, while running, the lock lists it holds.
type Machine struct {
	id       uuid.UUID
	name     string
	snapshot bool

	attachments *attachment.Manager

	// mu serializes session operations on this machine and protects the
	// fields below
	mu        sync.Mutex
	locks     *mediumlock.LockListMap[*attachment.MediumAttachment]
	snapshots []*Machine
}

// NewMachine creates a stopped machine with no attachments
func NewMachine(name string, metrics *observability.Metrics) *Machine {
	m := &Machine{
		id:   utils.NameToID(name),
		name: name,
	}
	m.attachments = attachment.NewManager(m, metrics)
	return m
}

// ID returns the machine's identifier, derived from its name
func (m *Machine) ID() uuid.UUID {
	return m.id
}

// Name returns the machine name
func (m *Machine) Name() string {
	return m.name
}

// IsSnapshotMachine reports whether m is a frozen snapshot copy
func (m *Machine) IsSnapshotMachine() bool {
	return m.snapshot
}

// Attachments returns the machine's attachment set
func (m *Machine) Attachments() *attachment.Manager {
	return m.attachments
}

// IsRunning reports whether the machine holds its medium locks
func (m *Machine) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks != nil
}

// Snapshots returns the snapshot machines taken from m, oldest first
func (m *Machine) Snapshots() []*Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Machine(nil), m.snapshots...)
}
