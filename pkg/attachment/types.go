package attachment

import (
	"fmt"

	"github.com/google/uuid"

	"git.srvlab.io/whiskey/medialock/pkg/medium"
)

// DeviceType is the kind of device a controller slot exposes
type DeviceType int

const (
	// DeviceNull is an empty slot type, never valid for an attachment
	DeviceNull DeviceType = iota
	// DeviceHardDisk is a hard disk slot; it always needs a medium
	DeviceHardDisk
	// DeviceDVD is an optical drive; the medium may be ejected
	DeviceDVD
	// DeviceFloppy is a floppy drive; the medium may be ejected
	DeviceFloppy
)

func (d DeviceType) String() string {
	switch d {
	case DeviceNull:
		return "Null"
	case DeviceHardDisk:
		return "HardDisk"
	case DeviceDVD:
		return "DVD"
	case DeviceFloppy:
		return "Floppy"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(d))
	}
}

// ParseDeviceType converts the inventory spelling of a device type
func ParseDeviceType(s string) (DeviceType, error) {
	switch s {
	case "HardDisk", "harddisk", "hdd":
		return DeviceHardDisk, nil
	case "DVD", "dvd":
		return DeviceDVD, nil
	case "Floppy", "floppy":
		return DeviceFloppy, nil
	default:
		return DeviceNull, fmt.Errorf("unknown device type %q", s)
	}
}

// IsRemovable reports whether media in this device can be ejected
func (d DeviceType) IsRemovable() bool {
	return d == DeviceDVD || d == DeviceFloppy
}

// Machine is the view of the owning virtual machine an attachment needs
type Machine interface {
	// Name identifies the machine in logs
	Name() string

	// IsSnapshotMachine reports whether the machine is a frozen snapshot copy
	IsSnapshotMachine() bool
}

// Config holds the parameters for creating a MediumAttachment
type Config struct {
	// Medium is the bound medium; required for hard disks, optional otherwise
	Medium medium.Medium

	// ControllerName is the storage controller the slot belongs to
	ControllerName string

	// Port and Device address the slot on the controller
	Port   int32
	Device int32

	// Type is the device type of the slot
	Type DeviceType

	// Implicit marks an attachment created implicitly (a differencing disk
	// made on behalf of the user)
	Implicit bool

	Passthrough   bool
	TempEject     bool
	NonRotational bool
	Discard       bool
	HotPluggable  bool

	// BandwidthGroup names the I/O bandwidth group, empty for none
	BandwidthGroup string
}

// data is the staged part of an attachment
type data struct {
	medium         medium.Medium
	controllerName string
	implicit       bool
	passthrough    bool
	tempEject      bool
	ejected        bool
	nonRotational  bool
	discard        bool
	hotPluggable   bool
	bandwidthGroup string
}

// Snapshot is a point-in-time copy of an attachment's settings
type Snapshot struct {
	ControllerName string
	Port           int32
	Device         int32
	Type           DeviceType
	MediumID       uuid.UUID
	Implicit       bool
	Passthrough    bool
	TempEject      bool
	Ejected        bool
	NonRotational  bool
	Discard        bool
	HotPluggable   bool
	BandwidthGroup string
}
