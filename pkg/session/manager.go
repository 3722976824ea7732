// Package session runs machine-level operations on top of the medium locking
// core. Starting a machine builds one lock list per attachment (its medium's
// parent chain, root first) into a single map and locks it as a unit; the
// map is held until the machine stops.
//
// The core never retries. Retrying refused locks, rate limiting lock attempts
// and tripping a per-machine circuit breaker all happen here.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/attachment"
	"git.srvlab.io/whiskey/medialock/pkg/audit"
	"git.srvlab.io/whiskey/medialock/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/mediumlock"
	"git.srvlab.io/whiskey/medialock/pkg/observability"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

// Options configures a Manager
type Options struct {
	Retry RetryPolicy

	// Breaker is optional; nil disables circuit breaking
	Breaker *circuitbreaker.MachineCircuitBreaker

	// Metrics is optional
	Metrics *observability.Metrics

	// Audit is optional; nil disables the audit trail
	Audit *audit.Logger
}

// Manager owns the machines of one host and runs their lock operations
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine

	retry   *retrier
	breaker *circuitbreaker.MachineCircuitBreaker
	metrics *observability.Metrics
	audit   *audit.Logger
}

// NewManager creates a Manager with no machines
func NewManager(opts Options) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		retry:    newRetrier(opts.Retry, opts.Metrics),
		breaker:  opts.Breaker,
		metrics:  opts.Metrics,
		audit:    opts.Audit,
	}
}

// Metrics returns the metrics sink, nil when disabled
func (s *Manager) Metrics() *observability.Metrics {
	return s.metrics
}

// AddMachine registers m. Names are unique.
func (s *Manager) AddMachine(m *Machine) error {
	if m == nil {
		return fmt.Errorf("%w: nil machine", utils.ErrInvalidParameter)
	}
	if err := utils.ValidateName(m.Name()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.machines[m.Name()]; exists {
		return fmt.Errorf("%w: machine %s already registered", utils.ErrInvalidState, m.Name())
	}
	s.machines[m.Name()] = m
	klog.V(4).Infof("Registered machine %s (%s)", m.Name(), m.ID())
	return nil
}

// Machine returns the registered machine called name
func (s *Manager) Machine(name string) (*Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[name]
	if !ok {
		return nil, fmt.Errorf("%w: machine %s", utils.ErrNotFound, name)
	}
	return m, nil
}

// Machines returns all registered machines sorted by name
func (s *Manager) Machines() []*Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := lo.Values(s.machines)
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// StartMachine locks the media of every attachment of the machine. Either
// every lock list is locked afterwards or none is. Starting a running
// machine is a no-op.
func (s *Manager) StartMachine(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { s.recordOp("start", name, err, start) }()

	m, err := s.Machine(name)
	if err != nil {
		return err
	}
	if m.IsSnapshotMachine() {
		return fmt.Errorf("%w: %s is a snapshot machine", utils.ErrInvalidState, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks != nil {
		klog.V(4).Infof("Machine %s already running", name)
		return nil
	}
	if m.attachments.HasPendingChanges() {
		return fmt.Errorf("%w: machine %s has uncommitted attachment changes", utils.ErrInvalidState, name)
	}

	lm, err := buildLockMap(m.attachments.List())
	if err != nil {
		return fmt.Errorf("failed to build lock lists for %s: %w", name, err)
	}

	err = s.guarded(ctx, name, func() error {
		return s.retry.do(ctx, "lock media of "+name, lm.Lock)
	})
	if err != nil {
		lm.Release(&err)
		return fmt.Errorf("failed to start machine %s: %w", name, err)
	}

	m.locks = lm
	skipped := countSkipped(lm)
	if s.metrics != nil {
		s.metrics.RecordMachineLocked()
		s.metrics.RecordSkippedMedia(skipped)
	}
	klog.V(2).Infof("Machine %s started, %d lock lists locked (%d media skipped)", name, lm.Len(), skipped)
	return nil
}

// StopMachine releases every lock the machine holds. Unlocking is best
// effort: every token is abandoned and the first failure is returned.
// Stopping a stopped machine is a no-op.
func (s *Manager) StopMachine(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() { s.recordOp("stop", name, err, start) }()

	m, err := s.Machine(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks == nil {
		klog.V(4).Infof("Machine %s not running", name)
		return nil
	}

	err = m.locks.Clear()
	m.locks = nil
	if s.metrics != nil {
		s.metrics.RecordMachineUnlocked()
	}
	if err != nil {
		return fmt.Errorf("machine %s stopped with unlock errors: %w", name, err)
	}
	klog.V(2).Infof("Machine %s stopped", name)
	return nil
}

// StopAll stops every running machine and returns the first error
func (s *Manager) StopAll(ctx context.Context) error {
	var err error
	for _, m := range s.Machines() {
		utils.PreserveError(&err, s.StopMachine(ctx, m.Name()), "stop "+m.Name())
	}
	return err
}

// ChangeMedium binds newMedium (nil ejects) to the attachment in the given
// slot and commits the change. On a running machine the slot's new chain is
// locked before its old list is released, and the lists of the other
// attachments are never touched. If locking fails the attachment is rolled
// back and the machine keeps the locks it had.
func (s *Manager) ChangeMedium(ctx context.Context, name, controllerName string, port, device int32, newMedium medium.Medium) (err error) {
	start := time.Now()
	defer func() {
		s.recordOp("change_medium", name, err, start,
			audit.WithSlot(attachment.SlotKey(controllerName, port, device)),
			audit.WithMedium(mediumName(newMedium)))
	}()

	m, err := s.Machine(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attachments.Find(controllerName, port, device)
	if !ok {
		return fmt.Errorf("%w: machine %s has no attachment in %s", utils.ErrNotFound, name,
			attachment.SlotKey(controllerName, port, device))
	}
	if a.HasPendingChanges() {
		return fmt.Errorf("%w: %s has uncommitted changes", utils.ErrInvalidState, a.LogName())
	}
	if a.Type() == attachment.DeviceHardDisk {
		if newMedium == nil {
			return fmt.Errorf("%w: %s: hard disks cannot be ejected", utils.ErrInvalidParameter, a.LogName())
		}
		if m.locks != nil && !a.HotPluggable() {
			return fmt.Errorf("%w: %s is not hot-pluggable", utils.ErrInvalidState, a.LogName())
		}
	}

	unchanged := sameMedium(a.Medium(), newMedium)
	if err := a.UpdateMedium(newMedium); err != nil {
		return err
	}

	if m.locks == nil || unchanged {
		klog.V(2).Infof("%s of %s machine %s now holds %s", a.LogName(), runState(m), name, mediumName(newMedium))
		return a.Commit()
	}

	err = s.guarded(ctx, name, func() error {
		return s.swapSlotList(ctx, m, a)
	})
	if err != nil {
		utils.PreserveError(&err, a.Rollback(), "roll back "+a.LogName())
		utils.PreserveError(&err, s.restore(ctx, m, a), "restore locks of "+name)
		return fmt.Errorf("failed to change medium of %s: %w", a.LogName(), err)
	}

	klog.V(2).Infof("%s of running machine %s now holds %s", a.LogName(), name, mediumName(newMedium))
	return a.Commit()
}

// swapSlotList locks a list for a's current medium and swaps it in for the
// slot's old list. The old list is only unlocked up front when the new chain
// reuses one of its media; otherwise it stays locked until the new one is.
// Caller holds m.mu.
func (s *Manager) swapSlotList(ctx context.Context, m *Machine, a *attachment.MediumAttachment) error {
	cur, err := m.locks.Get(a)
	if err != nil {
		return err
	}
	next, err := attachmentList(a)
	if err != nil {
		return err
	}

	if sharesMedia(cur, next) {
		klog.V(4).Infof("New chain of %s reuses held media, releasing the old list first", a.LogName())
		if err := cur.Unlock(); err != nil {
			klog.Warningf("Unlock of %s before relock reported: %v", a.LogName(), err)
		}
	}

	err = s.retry.do(ctx, "lock new media of "+a.LogName(), func() error {
		return next.Lock(false)
	})
	if err != nil {
		next.Release(&err)
		return err
	}
	if err := m.locks.Swap(a, next); err != nil {
		if got, _ := m.locks.Get(a); got != next {
			next.Release(&err)
			return err
		}
		klog.Warningf("Releasing previous media of %s reported: %v", a.LogName(), err)
	}
	return nil
}

// restore relocks the slot's old list if swapSlotList had to release it. It
// ignores cancellation of ctx, which has usually expired by the time a
// relock gives up. If even that fails the machine is stopped rather than
// left half locked.
func (s *Manager) restore(ctx context.Context, m *Machine, a *attachment.MediumAttachment) error {
	cur, err := m.locks.Get(a)
	if err != nil {
		return err
	}
	if cur.IsLocked() {
		return nil
	}
	err = s.retry.do(context.WithoutCancel(ctx), "restore media locks of "+a.LogName(), func() error {
		return cur.Lock(false)
	})
	if err != nil {
		klog.Errorf("Machine %s lost its medium locks: %v", m.Name(), err)
		if s.audit != nil {
			s.audit.LogLocksLost(m.Name(), attachment.SlotKey(a.ControllerName(), a.Port(), a.Device()), err)
		}
		m.locks.Release(&err)
		m.locks = nil
		if s.metrics != nil {
			s.metrics.RecordMachineUnlocked()
		}
	}
	return err
}

// TakeSnapshot freezes a copy of the machine's attachments into a snapshot
// machine. The snapshot holds no locks of its own.
func (s *Manager) TakeSnapshot(ctx context.Context, name, snapshotName string) (snap *Machine, err error) {
	start := time.Now()
	defer func() {
		s.recordOp("snapshot", name, err, start, audit.WithDetail("snapshot", snapshotName))
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := utils.ValidateName(snapshotName); err != nil {
		return nil, err
	}

	m, err := s.Machine(name)
	if err != nil {
		return nil, err
	}
	if m.IsSnapshotMachine() {
		return nil, fmt.Errorf("%w: cannot snapshot snapshot machine %s", utils.ErrInvalidState, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attachments.HasPendingChanges() {
		return nil, fmt.Errorf("%w: machine %s has uncommitted attachment changes", utils.ErrInvalidState, name)
	}
	for _, existing := range m.snapshots {
		if existing.snapshotName() == snapshotName {
			return nil, fmt.Errorf("%w: machine %s already has snapshot %s", utils.ErrInvalidState, name, snapshotName)
		}
	}

	snap = &Machine{
		name:     name + "/" + snapshotName,
		snapshot: true,
	}
	snap.id = utils.NameToID(snap.name)
	snap.attachments, err = m.attachments.Clone(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", name, err)
	}

	m.snapshots = append(m.snapshots, snap)
	klog.V(2).Infof("Machine %s: snapshot %s taken with %d attachments", name, snapshotName, snap.attachments.Len())
	return snap, nil
}

// DeleteSnapshot drops a snapshot machine and uninitializes its attachments
func (s *Manager) DeleteSnapshot(name, snapshotName string) (err error) {
	start := time.Now()
	defer func() {
		s.recordOp("delete_snapshot", name, err, start, audit.WithDetail("snapshot", snapshotName))
	}()

	m, err := s.Machine(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap, idx, ok := lo.FindIndexOf(m.snapshots, func(sm *Machine) bool {
		return sm.snapshotName() == snapshotName
	})
	if !ok {
		return fmt.Errorf("%w: machine %s has no snapshot %s", utils.ErrNotFound, name, snapshotName)
	}
	snap.attachments.Uninit()
	m.snapshots = append(m.snapshots[:idx], m.snapshots[idx+1:]...)
	klog.V(2).Infof("Machine %s: snapshot %s deleted", name, snapshotName)
	return nil
}

// snapshotName returns the part of a snapshot machine's name after its parent's
func (m *Machine) snapshotName() string {
	for i := len(m.name) - 1; i >= 0; i-- {
		if m.name[i] == '/' {
			return m.name[i+1:]
		}
	}
	return m.name
}

// ResetBreaker clears the machine's circuit breaker so the next start is attempted
func (s *Manager) ResetBreaker(name string) bool {
	if s.breaker == nil {
		return false
	}
	return s.breaker.Reset(name)
}

// guarded runs fn through the machine's circuit breaker when one is configured
func (s *Manager) guarded(ctx context.Context, name string, fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	err := s.breaker.Execute(ctx, name, fn)
	if circuitbreaker.IsOpen(err) {
		if s.metrics != nil {
			s.metrics.RecordBreakerRejection(name)
		}
		if s.audit != nil {
			s.audit.LogCircuitBreakerOpen(name, err)
		}
	}
	return err
}

func (s *Manager) recordOp(op, name string, err error, start time.Time, fields ...audit.EventField) {
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordLockOp(op, err, elapsed)
	}
	if s.audit != nil {
		fields = append(fields, audit.WithMachine(name, utils.NameToID(name).String()), audit.WithDuration(elapsed))
		s.audit.LogOperation(op, err, fields...)
	}
	if err != nil && !errors.Is(err, utils.ErrNotFound) {
		klog.V(4).Infof("%s failed: %v", op, err)
	}
}

// buildLockMap builds one lock list per attachment with a medium
func buildLockMap(attachments []*attachment.MediumAttachment) (*mediumlock.LockListMap[*attachment.MediumAttachment], error) {
	lm := mediumlock.NewLockListMap[*attachment.MediumAttachment]()
	for _, a := range attachments {
		if err := setAttachmentList(lm, a); err != nil {
			_ = lm.Clear()
			return nil, err
		}
	}
	return lm, nil
}

// setAttachmentList inserts (or replaces) a's lock list
func setAttachmentList(lm *mediumlock.LockListMap[*attachment.MediumAttachment], a *attachment.MediumAttachment) error {
	ll, err := attachmentList(a)
	if err != nil {
		return err
	}
	return lm.Insert(a, ll)
}

// attachmentList builds the lock list for a's medium. Removable media and
// ancestors are read-locked, a hard disk leaf write-locked. An attachment
// without a medium gets an empty list so later rebinds can find its key.
func attachmentList(a *attachment.MediumAttachment) (*mediumlock.LockList, error) {
	med := a.Medium()
	if med == nil {
		return mediumlock.NewLockList(), nil
	}
	ll, err := mediumlock.BuildChain(med, mediumlock.ChainOptions{
		WriteLeaf: a.Type() == attachment.DeviceHardDisk,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.LogName(), err)
	}
	return ll, nil
}

// sharesMedia reports whether the two lists reference a common medium
func sharesMedia(a, b *mediumlock.LockList) bool {
	for _, l := range b.Entries() {
		if a.Contains(l.Medium()) {
			return true
		}
	}
	return false
}

func countSkipped(lm *mediumlock.LockListMap[*attachment.MediumAttachment]) int {
	n := 0
	for _, key := range lm.Keys() {
		ll, err := lm.Get(key)
		if err != nil {
			continue
		}
		n += lo.CountBy(ll.Entries(), func(l *mediumlock.MediumLock) bool { return l.IsSkipped() })
	}
	return n
}

func sameMedium(a, b medium.Medium) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}

func runState(m *Machine) string {
	if m.locks != nil {
		return "running"
	}
	return "stopped"
}

func mediumName(m medium.Medium) string {
	if m == nil {
		return "no medium"
	}
	return m.Name()
}

// Status is a point-in-time view of a machine
type Status struct {
	Name        string
	Running     bool
	Attachments []attachment.Snapshot

	// LockedMedia lists the media the machine holds tokens on, per
	// attachment in attach order and root first within each chain
	LockedMedia  []string
	SkippedMedia int

	Snapshots []string
	Breaker   string
}

// Status reports the machine's attachments and the locks it holds
func (s *Manager) Status(name string) (Status, error) {
	m, err := s.Machine(name)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Name:    name,
		Running: m.locks != nil,
		Attachments: lo.Map(m.attachments.List(), func(a *attachment.MediumAttachment, _ int) attachment.Snapshot {
			return a.Snapshot()
		}),
		Snapshots: lo.Map(m.snapshots, func(sm *Machine, _ int) string { return sm.snapshotName() }),
		Breaker:   "disabled",
	}
	if s.breaker != nil {
		st.Breaker = s.breaker.State(name)
	}
	if m.locks != nil {
		for _, key := range m.locks.Keys() {
			ll, err := m.locks.Get(key)
			if err != nil {
				continue
			}
			for _, l := range ll.Entries() {
				if l.IsLocked() {
					st.LockedMedia = append(st.LockedMedia, l.Medium().Name())
				}
			}
		}
		st.SkippedMedia = countSkipped(m.locks)
	}
	return st, nil
}
