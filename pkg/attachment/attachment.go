// Package attachment models the binding of a medium to a storage controller
// slot of a virtual machine. Changes to an attachment are staged: each
// mutator backs up the current settings first, and the owning machine either
// commits or rolls back the whole batch.
package attachment

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/lifecycle"
	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/staged"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

// MediumAttachment binds one medium to one controller slot of one machine.
// The (controller name, port, device) triple identifies the attachment on its
// machine regardless of which medium is bound.
type MediumAttachment struct {
	guard lifecycle.Guard

	// machine owns the attachment; not owned here
	machine Machine

	// port, device and typ are fixed for the life of the attachment
	port   int32
	device int32
	typ    DeviceType

	// data and logName are protected by guard's data lock
	data    staged.Value[data]
	logName string
}

// NewMediumAttachment creates an attachment for machine. A hard disk
// attachment requires a medium.
func NewMediumAttachment(machine Machine, cfg Config) (*MediumAttachment, error) {
	if machine == nil {
		return nil, fmt.Errorf("%w: attachment needs an owning machine", utils.ErrInvalidParameter)
	}
	if cfg.Type == DeviceHardDisk && cfg.Medium == nil {
		return nil, fmt.Errorf("%w: hard disk attachment without medium", utils.ErrInvalidParameter)
	}
	if cfg.Type == DeviceNull {
		return nil, fmt.Errorf("%w: attachment without device type", utils.ErrInvalidParameter)
	}
	if err := utils.ValidateControllerName(cfg.ControllerName); err != nil {
		return nil, err
	}

	a := &MediumAttachment{
		machine: machine,
		port:    cfg.Port,
		device:  cfg.Device,
		typ:     cfg.Type,
	}
	err := a.guard.Init(func() error {
		a.data = staged.New(data{
			medium:         cfg.Medium,
			controllerName: cfg.ControllerName,
			implicit:       cfg.Implicit,
			passthrough:    cfg.Passthrough,
			tempEject:      cfg.TempEject,
			nonRotational:  cfg.NonRotational,
			discard:        cfg.Discard,
			hotPluggable:   cfg.HotPluggable,
			bandwidthGroup: cfg.BandwidthGroup,
		})
		a.updateLogName()
		return nil
	})
	if err != nil {
		return nil, err
	}
	klog.V(4).Infof("%s: attached to machine %s", a.logName, machine.Name())
	return a, nil
}

// NewMediumAttachmentCopy duplicates other's current settings for machine,
// typically a snapshot copy of other's machine. Only the current value is
// copied; a pending backup of other is not.
func NewMediumAttachmentCopy(machine Machine, other *MediumAttachment) (*MediumAttachment, error) {
	if machine == nil || other == nil {
		return nil, fmt.Errorf("%w: copy needs a machine and a source attachment", utils.ErrInvalidParameter)
	}

	release, err := other.guard.Caller()
	if err != nil {
		return nil, err
	}
	defer release()

	unlock := other.guard.RLock(lifecycle.Here())
	current := other.data.Get()
	unlock()

	a := &MediumAttachment{
		machine: machine,
		port:    other.port,
		device:  other.device,
		typ:     other.typ,
	}
	err = a.guard.Init(func() error {
		a.data = staged.New(current)
		a.updateLogName()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Uninit tears the attachment down, dropping its references to the medium
// and the machine. Operations on an uninitialized attachment fail with
// utils.ErrObjectNotReady.
func (a *MediumAttachment) Uninit() {
	name := a.LogName()
	if a.guard.Uninit(func() {
		a.data = staged.New(data{})
		a.machine = nil
	}) {
		klog.V(4).Infof("%s: uninitialized", name)
	}
}

// Medium returns the bound medium, nil when none is bound
func (a *MediumAttachment) Medium() medium.Medium {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().medium
}

// Machine returns the owning machine, nil after Uninit
func (a *MediumAttachment) Machine() Machine {
	defer a.guard.RLock(lifecycle.Here())()
	return a.machine
}

// ControllerName returns the controller the slot belongs to
func (a *MediumAttachment) ControllerName() string {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().controllerName
}

// Port returns the controller port
func (a *MediumAttachment) Port() int32 {
	return a.port
}

// Device returns the device number on the port
func (a *MediumAttachment) Device() int32 {
	return a.device
}

// Type returns the device type
func (a *MediumAttachment) Type() DeviceType {
	return a.typ
}

// IsImplicit reports whether the attachment was created implicitly
func (a *MediumAttachment) IsImplicit() bool {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().implicit
}

// IsEjected reports whether the guest ejected the medium
func (a *MediumAttachment) IsEjected() bool {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().ejected
}

// Passthrough reports whether the drive is passed through to the host device
func (a *MediumAttachment) Passthrough() bool {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().passthrough
}

// TempEject reports whether the guest may eject the medium temporarily
func (a *MediumAttachment) TempEject() bool {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().tempEject
}

// NonRotational reports whether the disk is presented as an SSD
func (a *MediumAttachment) NonRotational() bool {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().nonRotational
}

// Discard reports whether discard requests are passed to the medium
func (a *MediumAttachment) Discard() bool {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().discard
}

// HotPluggable reports whether the device can be hot-plugged
func (a *MediumAttachment) HotPluggable() bool {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().hotPluggable
}

// BandwidthGroup returns the bandwidth group name
func (a *MediumAttachment) BandwidthGroup() string {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().bandwidthGroup
}

// LogName returns the short diagnostic name, e.g. "MA[SATA:0:1:HardDisk]"
func (a *MediumAttachment) LogName() string {
	defer a.guard.RLock(lifecycle.Here())()
	return a.logName
}

// HasPendingChanges reports whether a staged backup is pending
func (a *MediumAttachment) HasPendingChanges() bool {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.IsBackedUp()
}

// Snapshot returns a copy of the current settings
func (a *MediumAttachment) Snapshot() Snapshot {
	defer a.guard.RLock(lifecycle.Here())()
	d := a.data.Get()
	s := Snapshot{
		ControllerName: d.controllerName,
		Port:           a.port,
		Device:         a.device,
		Type:           a.typ,
		Implicit:       d.implicit,
		Passthrough:    d.passthrough,
		TempEject:      d.tempEject,
		Ejected:        d.ejected,
		NonRotational:  d.nonRotational,
		Discard:        d.discard,
		HotPluggable:   d.hotPluggable,
		BandwidthGroup: d.bandwidthGroup,
	}
	if d.medium != nil {
		s.MediumID = d.medium.ID()
	} else {
		s.MediumID = uuid.Nil
	}
	return s
}

// Matches reports whether the attachment occupies the given slot.
// The bound medium plays no part in the comparison.
func (a *MediumAttachment) Matches(controllerName string, port, device int32) bool {
	defer a.guard.RLock(lifecycle.Here())()
	return a.data.Get().controllerName == controllerName && a.port == port && a.device == device
}

// UpdateName renames the controller the attachment refers to
func (a *MediumAttachment) UpdateName(name string) error {
	if err := utils.ValidateControllerName(name); err != nil {
		return err
	}
	return a.mutate(func(d *data) { d.controllerName = name })
}

// UpdateMedium binds m. Rebinding always clears the implicit and ejected flags.
func (a *MediumAttachment) UpdateMedium(m medium.Medium) error {
	return a.mutate(func(d *data) {
		d.medium = m
		d.implicit = false
		d.ejected = false
	})
}

// UpdatePassthrough changes the pass-through flag
func (a *MediumAttachment) UpdatePassthrough(passthrough bool) error {
	return a.mutate(func(d *data) { d.passthrough = passthrough })
}

// UpdateTempEject changes the temporary-eject flag
func (a *MediumAttachment) UpdateTempEject(tempEject bool) error {
	return a.mutate(func(d *data) { d.tempEject = tempEject })
}

// UpdateNonRotational changes the non-rotational flag
func (a *MediumAttachment) UpdateNonRotational(nonRotational bool) error {
	return a.mutate(func(d *data) { d.nonRotational = nonRotational })
}

// UpdateDiscard changes the discard flag
func (a *MediumAttachment) UpdateDiscard(discard bool) error {
	return a.mutate(func(d *data) { d.discard = discard })
}

// UpdateHotPluggable changes the hot-pluggable flag
func (a *MediumAttachment) UpdateHotPluggable(hotPluggable bool) error {
	return a.mutate(func(d *data) { d.hotPluggable = hotPluggable })
}

// UpdateBandwidthGroup changes the bandwidth group
func (a *MediumAttachment) UpdateBandwidthGroup(group string) error {
	return a.mutate(func(d *data) { d.bandwidthGroup = group })
}

// UpdateEjected records that the guest ejected the medium
func (a *MediumAttachment) UpdateEjected() error {
	return a.mutate(func(d *data) { d.ejected = true })
}

// SetImplicit changes the implicit flag directly, without staging a backup.
// Refused on attachments of a snapshot machine.
func (a *MediumAttachment) SetImplicit(implicit bool) error {
	release, err := a.guard.Caller()
	if err != nil {
		return err
	}
	defer release()

	if a.machine.IsSnapshotMachine() {
		return fmt.Errorf("%w: %s belongs to snapshot machine %s", utils.ErrInvalidState, a.LogName(), a.machine.Name())
	}

	defer a.guard.Lock(lifecycle.Here())()
	d := a.data.Get()
	d.implicit = implicit
	a.data.Set(d)
	a.updateLogName()
	return nil
}

// Rollback restores the settings from the staged backup. It is a no-op
// without pending changes.
func (a *MediumAttachment) Rollback() error {
	release, err := a.guard.Caller()
	if err != nil {
		return err
	}
	defer release()

	defer a.guard.Lock(lifecycle.Here())()
	if !a.data.IsBackedUp() {
		return nil
	}
	a.data.Rollback()
	a.updateLogName()
	klog.V(4).Infof("%s: rolled back", a.logName)
	return nil
}

// Commit discards the staged backup, keeping the current settings. It is a
// no-op without pending changes.
func (a *MediumAttachment) Commit() error {
	release, err := a.guard.Caller()
	if err != nil {
		return err
	}
	defer release()

	defer a.guard.Lock(lifecycle.Here())()
	if !a.data.IsBackedUp() {
		return nil
	}
	a.data.Commit()
	klog.V(4).Infof("%s: committed", a.logName)
	return nil
}

func (a *MediumAttachment) String() string {
	return a.LogName()
}

// mutate stages a backup and applies fn under the exclusive lock
func (a *MediumAttachment) mutate(fn func(*data)) error {
	release, err := a.guard.Caller()
	if err != nil {
		return err
	}
	defer release()

	defer a.guard.Lock(lifecycle.Here())()
	a.data.Mutate(fn)
	a.updateLogName()
	return nil
}

// updateLogName recomputes logName. Caller holds the data lock or is
// constructing the attachment.
func (a *MediumAttachment) updateLogName() {
	d := a.data.Get()
	a.logName = makeLogName(d.controllerName, a.port, a.device, a.typ, d.implicit)
	a.guard.SetName(a.logName)
}

// makeLogName abbreviates the controller name to its first word (up to a
// space, tab, colon or dash), or to 4 characters when it has no separator
func makeLogName(controllerName string, port, device int32, typ DeviceType, implicit bool) string {
	nick := controllerName
	if i := strings.IndexAny(controllerName, " \t:-"); i >= 0 {
		nick = controllerName[:i]
	} else if len(nick) > 4 {
		nick = nick[:4]
	}
	suffix := ""
	if implicit {
		suffix = ":I"
	}
	return fmt.Sprintf("MA[%s:%d:%d:%s%s]", nick, port, device, typ, suffix)
}
