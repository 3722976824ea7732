package attachment

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/observability"
	"git.srvlab.io/whiskey/medialock/pkg/staged"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

// Manager tracks the attachments of one machine. Attaching and detaching are
// staged like the attachments' own settings: Commit makes the current set
// permanent and Rollback restores the set as of the last commit.
type Manager struct {
	machine Machine

	// mu protects attachments
	mu sync.RWMutex

	// attachments is never mutated in place, so the backup and the current
	// slice never share writes
	attachments staged.Value[[]*MediumAttachment]

	// slotLocks serializes Attach and Detach per controller slot
	slotLocks *SlotLockManager

	// metrics is optional
	metrics *observability.Metrics
}

// NewManager creates an empty attachment set for machine
func NewManager(machine Machine, metrics *observability.Metrics) *Manager {
	return &Manager{
		machine:     machine,
		attachments: staged.New([]*MediumAttachment{}),
		slotLocks:   NewSlotLockManager(),
		metrics:     metrics,
	}
}

// Machine returns the owning machine
func (m *Manager) Machine() Machine {
	return m.machine
}

// Attach creates an attachment in an empty slot. The new attachment is
// staged: Rollback uninitializes it again.
func (m *Manager) Attach(ctx context.Context, cfg Config) (*MediumAttachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := SlotKey(cfg.ControllerName, cfg.Port, cfg.Device)
	m.slotLocks.Lock(key)
	defer m.slotLocks.Unlock(key)

	if existing, ok := m.Find(cfg.ControllerName, cfg.Port, cfg.Device); ok {
		return nil, fmt.Errorf("%w: slot %s already holds %s", utils.ErrInvalidState, key, existing.LogName())
	}

	a, err := NewMediumAttachment(m.machine, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.attachments.Mutate(func(list *[]*MediumAttachment) {
		*list = append(slices.Clone(*list), a)
	})
	m.mu.Unlock()

	klog.V(2).Infof("Attached %s to machine %s", a.LogName(), m.machine.Name())
	return a, nil
}

// Detach removes the attachment in the given slot. The attachment stays
// usable until Commit, so a Rollback can restore it.
func (m *Manager) Detach(ctx context.Context, controllerName string, port, device int32) (*MediumAttachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := SlotKey(controllerName, port, device)
	m.slotLocks.Lock(key)
	defer m.slotLocks.Unlock(key)

	a, ok := m.Find(controllerName, port, device)
	if !ok {
		return nil, fmt.Errorf("%w: no attachment in slot %s", utils.ErrNotFound, key)
	}

	m.mu.Lock()
	m.attachments.Mutate(func(list *[]*MediumAttachment) {
		*list = lo.Without(*list, a)
	})
	m.mu.Unlock()

	klog.V(2).Infof("Detached %s from machine %s", a.LogName(), m.machine.Name())
	return a, nil
}

// Find returns the attachment occupying the given slot
func (m *Manager) Find(controllerName string, port, device int32) (*MediumAttachment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.Find(m.attachments.Get(), func(a *MediumAttachment) bool {
		return a.Matches(controllerName, port, device)
	})
}

// FindByMedium returns the attachments currently bound to the medium with id
func (m *Manager) FindByMedium(id uuid.UUID) []*MediumAttachment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.Filter(m.attachments.Get(), func(a *MediumAttachment, _ int) bool {
		med := a.Medium()
		return med != nil && med.ID() == id
	})
}

// List returns a copy of the current attachments in attach order
func (m *Manager) List() []*MediumAttachment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.attachments.Get())
}

// Len returns the number of current attachments
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.attachments.Get())
}

// HasPendingChanges reports whether the set or any attachment in it has
// uncommitted changes
func (m *Manager) HasPendingChanges() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.attachments.IsBackedUp() {
		return true
	}
	return lo.SomeBy(m.attachments.Get(), func(a *MediumAttachment) bool {
		return a.HasPendingChanges()
	})
}

// RenameController stages a new controller name on every attachment of
// controller oldName. It fails without changing anything if an attachment
// of another controller already occupies one of the renamed slots.
func (m *Manager) RenameController(ctx context.Context, oldName, newName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := utils.ValidateControllerName(newName); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.attachments.Get()
	renamed := lo.Filter(current, func(a *MediumAttachment, _ int) bool {
		return a.ControllerName() == oldName
	})
	if len(renamed) == 0 || oldName == newName {
		return nil
	}
	for _, a := range renamed {
		if other, taken := lo.Find(current, func(b *MediumAttachment) bool {
			return b.Matches(newName, a.Port(), a.Device())
		}); taken {
			return fmt.Errorf("%w: slot %s already holds %s", utils.ErrInvalidState,
				SlotKey(newName, a.Port(), a.Device()), other.LogName())
		}
	}

	var err error
	for _, a := range renamed {
		utils.PreserveError(&err, a.UpdateName(newName), "rename "+a.LogName())
	}
	klog.V(2).Infof("Renamed controller %s to %s on machine %s (%d attachments)", oldName, newName, m.machine.Name(), len(renamed))
	return err
}

// Commit makes all staged changes permanent. Attachments detached since the
// last commit are uninitialized. Nothing is committed while two attachments
// claim the same slot.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.attachments.Get()
	if err := checkSlots(current); err != nil {
		return err
	}
	removed := lo.Without(m.attachments.Original(), current...)

	var err error
	for _, a := range current {
		utils.PreserveError(&err, a.Commit(), "commit "+a.LogName())
	}
	for _, a := range removed {
		a.Uninit()
	}
	m.attachments.Commit()

	if m.metrics != nil {
		m.metrics.RecordAttachmentTxn("commit")
	}
	klog.V(2).Infof("Committed %d attachments of machine %s (%d removed)", len(current), m.machine.Name(), len(removed))
	return err
}

// checkSlots fails if two attachments occupy the same slot
func checkSlots(list []*MediumAttachment) error {
	owners := make(map[string]*MediumAttachment, len(list))
	for _, a := range list {
		key := SlotKey(a.ControllerName(), a.Port(), a.Device())
		if other, dup := owners[key]; dup {
			return fmt.Errorf("%w: slot %s claimed by both %s and %s", utils.ErrInvalidState, key, other.LogName(), a.LogName())
		}
		owners[key] = a
	}
	return nil
}

// Rollback discards all staged changes. Attachments added since the last
// commit are uninitialized; the others get their settings restored.
func (m *Manager) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	original := m.attachments.Original()
	added := lo.Without(m.attachments.Get(), original...)

	var err error
	for _, a := range added {
		a.Uninit()
	}
	for _, a := range original {
		utils.PreserveError(&err, a.Rollback(), "roll back "+a.LogName())
	}
	m.attachments.Rollback()

	if m.metrics != nil {
		m.metrics.RecordAttachmentTxn("rollback")
	}
	klog.V(2).Infof("Rolled back attachments of machine %s (%d discarded)", m.machine.Name(), len(added))
	return err
}

// Clone copies the current attachments into a new set owned by
// machine, typically a snapshot machine
func (m *Manager) Clone(machine Machine) (*Manager, error) {
	src := m.List()

	clone := NewManager(machine, m.metrics)
	copies := make([]*MediumAttachment, 0, len(src))
	for _, a := range src {
		c, err := NewMediumAttachmentCopy(machine, a)
		if err != nil {
			for _, done := range copies {
				done.Uninit()
			}
			return nil, fmt.Errorf("failed to copy %s: %w", a.LogName(), err)
		}
		copies = append(copies, c)
	}
	clone.attachments = staged.New(copies)
	return clone, nil
}

// Uninit tears down every attachment, pending or not, and empties the set
func (m *Manager) Uninit() {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := lo.Union(m.attachments.Original(), m.attachments.Get())
	for _, a := range all {
		a.Uninit()
	}
	m.attachments = staged.New([]*MediumAttachment{})
}
