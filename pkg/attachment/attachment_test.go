package attachment

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

func newTestAttachment(t *testing.T, m Machine, med medium.Medium) *MediumAttachment {
	t.Helper()
	a, err := NewMediumAttachment(m, Config{
		Medium:         med,
		ControllerName: "SATA Controller",
		Port:           0,
		Device:         0,
		Type:           DeviceHardDisk,
		NonRotational:  true,
	})
	if err != nil {
		t.Fatalf("NewMediumAttachment failed: %v", err)
	}
	return a
}

func TestNewMediumAttachment(t *testing.T) {
	vm := &fakeMachine{name: "vm-1"}
	disk := medium.NewMockMedium("disk.vdi")

	a := newTestAttachment(t, vm, disk)

	if a.Medium() != disk {
		t.Errorf("Expected medium %s, got %v", disk.Name(), a.Medium())
	}
	if a.Machine() != vm {
		t.Error("Expected owning machine to be vm-1")
	}
	if a.ControllerName() != "SATA Controller" {
		t.Errorf("Expected controller SATA Controller, got %s", a.ControllerName())
	}
	if a.Type() != DeviceHardDisk {
		t.Errorf("Expected HardDisk, got %s", a.Type())
	}
	if !a.NonRotational() {
		t.Error("Expected non-rotational flag from config")
	}
	if a.IsImplicit() || a.IsEjected() {
		t.Error("Fresh attachment should be neither implicit nor ejected")
	}
	if a.HasPendingChanges() {
		t.Error("Fresh attachment should have no pending changes")
	}
	if a.LogName() != "MA[SATA:0:0:HardDisk]" {
		t.Errorf("Unexpected log name %s", a.LogName())
	}
}

func TestNewMediumAttachment_Validation(t *testing.T) {
	vm := &fakeMachine{name: "vm-1"}

	tests := []struct {
		name    string
		machine Machine
		cfg     Config
	}{
		{
			name:    "no machine",
			machine: nil,
			cfg:     Config{ControllerName: "IDE", Type: DeviceDVD},
		},
		{
			name:    "hard disk without medium",
			machine: vm,
			cfg:     Config{ControllerName: "SATA", Type: DeviceHardDisk},
		},
		{
			name:    "no device type",
			machine: vm,
			cfg:     Config{ControllerName: "SATA"},
		},
		{
			name:    "blank controller name",
			machine: vm,
			cfg:     Config{ControllerName: "  ", Type: DeviceDVD},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMediumAttachment(tt.machine, tt.cfg)
			if !errors.Is(err, utils.ErrInvalidParameter) {
				t.Errorf("Expected ErrInvalidParameter, got %v", err)
			}
		})
	}
}

func TestNewMediumAttachment_EmptyDrive(t *testing.T) {
	a, err := NewMediumAttachment(&fakeMachine{name: "vm-1"}, Config{
		ControllerName: "IDE",
		Port:           1,
		Type:           DeviceDVD,
	})
	if err != nil {
		t.Fatalf("DVD drive without medium should be allowed: %v", err)
	}
	if a.Medium() != nil {
		t.Error("Expected no medium")
	}
	if a.Snapshot().MediumID != uuid.Nil {
		t.Error("Snapshot of an empty drive should carry a nil medium ID")
	}
}

func TestMediumAttachment_RollbackRestoresEverything(t *testing.T) {
	vm := &fakeMachine{name: "vm-1"}
	disk := medium.NewMockMedium("disk.vdi")
	other := medium.NewMockMedium("other.vdi")
	a := newTestAttachment(t, vm, disk)

	before := a.Snapshot()

	steps := []func() error{
		func() error { return a.UpdateMedium(other) },
		func() error { return a.UpdateName("NVMe Controller") },
		func() error { return a.UpdatePassthrough(true) },
		func() error { return a.UpdateTempEject(true) },
		func() error { return a.UpdateNonRotational(false) },
		func() error { return a.UpdateDiscard(true) },
		func() error { return a.UpdateHotPluggable(true) },
		func() error { return a.UpdateBandwidthGroup("slow") },
		func() error { return a.UpdateEjected() },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}

	if !a.HasPendingChanges() {
		t.Fatal("Expected pending changes after updates")
	}
	if a.LogName() != "MA[NVMe:0:0:HardDisk]" {
		t.Errorf("Log name should follow the controller rename, got %s", a.LogName())
	}

	if err := a.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if diff := cmp.Diff(before, a.Snapshot()); diff != "" {
		t.Errorf("Rollback did not restore settings (-want +got):\n%s", diff)
	}
	if a.HasPendingChanges() {
		t.Error("No pending changes expected after rollback")
	}
	if a.LogName() != "MA[SATA:0:0:HardDisk]" {
		t.Errorf("Log name should be restored, got %s", a.LogName())
	}
}

func TestMediumAttachment_CommitKeepsChanges(t *testing.T) {
	a := newTestAttachment(t, &fakeMachine{name: "vm-1"}, medium.NewMockMedium("disk.vdi"))

	if err := a.UpdateDiscard(true); err != nil {
		t.Fatalf("UpdateDiscard failed: %v", err)
	}
	if err := a.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !a.Discard() {
		t.Error("Committed change should be kept")
	}

	// rollback after commit is a no-op
	if err := a.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !a.Discard() {
		t.Error("Rollback without pending changes must not revert committed state")
	}
}

func TestMediumAttachment_BackupTakenOnce(t *testing.T) {
	a := newTestAttachment(t, &fakeMachine{name: "vm-1"}, medium.NewMockMedium("disk.vdi"))

	for _, group := range []string{"a", "b", "c"} {
		if err := a.UpdateBandwidthGroup(group); err != nil {
			t.Fatalf("UpdateBandwidthGroup failed: %v", err)
		}
	}
	if err := a.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if a.BandwidthGroup() != "" {
		t.Errorf("Rollback should restore the value before the first change, got %q", a.BandwidthGroup())
	}
}

func TestMediumAttachment_CommitRollbackNoPending(t *testing.T) {
	a := newTestAttachment(t, &fakeMachine{name: "vm-1"}, medium.NewMockMedium("disk.vdi"))
	before := a.Snapshot()

	if err := a.Commit(); err != nil {
		t.Errorf("Commit without changes failed: %v", err)
	}
	if err := a.Rollback(); err != nil {
		t.Errorf("Rollback without changes failed: %v", err)
	}
	if diff := cmp.Diff(before, a.Snapshot()); diff != "" {
		t.Errorf("State changed (-want +got):\n%s", diff)
	}
}

func TestMediumAttachment_UpdateMediumClearsFlags(t *testing.T) {
	a, err := NewMediumAttachment(&fakeMachine{name: "vm-1"}, Config{
		Medium:         medium.NewMockMedium("diff.vdi"),
		ControllerName: "SATA",
		Type:           DeviceHardDisk,
		Implicit:       true,
	})
	if err != nil {
		t.Fatalf("NewMediumAttachment failed: %v", err)
	}
	if err := a.UpdateEjected(); err != nil {
		t.Fatalf("UpdateEjected failed: %v", err)
	}
	if !a.IsImplicit() || !a.IsEjected() {
		t.Fatal("Expected implicit and ejected before rebind")
	}
	if a.LogName() != "MA[SATA:0:0:HardDisk:I]" {
		t.Errorf("Implicit attachment log name should carry :I, got %s", a.LogName())
	}

	if err := a.UpdateMedium(medium.NewMockMedium("base.vdi")); err != nil {
		t.Fatalf("UpdateMedium failed: %v", err)
	}
	if a.IsImplicit() {
		t.Error("UpdateMedium should clear the implicit flag")
	}
	if a.IsEjected() {
		t.Error("UpdateMedium should clear the ejected flag")
	}
	if a.LogName() != "MA[SATA:0:0:HardDisk]" {
		t.Errorf("Log name should drop :I, got %s", a.LogName())
	}
}

func TestMediumAttachment_SetImplicit(t *testing.T) {
	a := newTestAttachment(t, &fakeMachine{name: "vm-1"}, medium.NewMockMedium("disk.vdi"))

	if err := a.SetImplicit(true); err != nil {
		t.Fatalf("SetImplicit failed: %v", err)
	}
	if !a.IsImplicit() {
		t.Error("Expected implicit flag")
	}
	if a.HasPendingChanges() {
		t.Error("SetImplicit must not stage a backup")
	}
}

func TestMediumAttachment_SetImplicitRefusedOnSnapshot(t *testing.T) {
	a := newTestAttachment(t, &fakeMachine{name: "vm-1/snap", snapshot: true}, medium.NewMockMedium("disk.vdi"))

	err := a.SetImplicit(true)
	if !errors.Is(err, utils.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
	if a.IsImplicit() {
		t.Error("Flag must be unchanged after refusal")
	}
}

func TestMediumAttachment_Matches(t *testing.T) {
	a := newTestAttachment(t, &fakeMachine{name: "vm-1"}, medium.NewMockMedium("disk.vdi"))

	if !a.Matches("SATA Controller", 0, 0) {
		t.Error("Expected match on own slot")
	}
	if a.Matches("SATA Controller", 0, 1) || a.Matches("SATA Controller", 1, 0) || a.Matches("IDE", 0, 0) {
		t.Error("Expected no match on other slots")
	}
}

func TestMediumAttachment_MatchesIgnoresBoundMedium(t *testing.T) {
	vm := &fakeMachine{name: "vm-1"}
	a, err := NewMediumAttachment(vm, Config{
		Medium:         medium.NewMockMedium("install.iso"),
		ControllerName: "IDE",
		Port:           1,
		Device:         0,
		Type:           DeviceDVD,
	})
	if err != nil {
		t.Fatalf("NewMediumAttachment failed: %v", err)
	}

	check := func(step string) {
		t.Helper()
		if !a.Matches("IDE", 1, 0) {
			t.Errorf("%s: expected match on own slot", step)
		}
		if a.Matches("IDE", 1, 1) || a.Matches("IDE", 0, 0) || a.Matches("SATA", 1, 0) {
			t.Errorf("%s: expected no match on other slots", step)
		}
	}

	check("initial")
	if err := a.UpdateMedium(medium.NewMockMedium("tools.iso")); err != nil {
		t.Fatalf("UpdateMedium failed: %v", err)
	}
	check("after rebind")
	if err := a.UpdateMedium(nil); err != nil {
		t.Fatalf("UpdateMedium(nil) failed: %v", err)
	}
	check("after eject")
	if err := a.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	check("after commit")
}

func TestMediumAttachment_MatchesFollowsRenameRollback(t *testing.T) {
	a := newTestAttachment(t, &fakeMachine{name: "vm-1"}, medium.NewMockMedium("disk.vdi"))

	if err := a.UpdateName("NVMe"); err != nil {
		t.Fatalf("UpdateName failed: %v", err)
	}
	if !a.Matches("NVMe", 0, 0) || a.Matches("SATA Controller", 0, 0) {
		t.Error("Expected the staged name to be matched")
	}

	if err := a.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !a.Matches("SATA Controller", 0, 0) {
		t.Error("Expected match on the original controller after rollback")
	}
	if a.Matches("NVMe", 0, 0) {
		t.Error("Expected no match on the rolled back name")
	}
}

func TestMediumAttachment_Copy(t *testing.T) {
	src := newTestAttachment(t, &fakeMachine{name: "vm-1"}, medium.NewMockMedium("disk.vdi"))
	if err := src.UpdateHotPluggable(true); err != nil {
		t.Fatalf("UpdateHotPluggable failed: %v", err)
	}

	snap := &fakeMachine{name: "vm-1/snap", snapshot: true}
	cp, err := NewMediumAttachmentCopy(snap, src)
	if err != nil {
		t.Fatalf("NewMediumAttachmentCopy failed: %v", err)
	}

	if diff := cmp.Diff(src.Snapshot(), cp.Snapshot()); diff != "" {
		t.Errorf("Copy differs (-src +copy):\n%s", diff)
	}
	if cp.Machine() != snap {
		t.Error("Copy should belong to the snapshot machine")
	}
	if cp.HasPendingChanges() {
		t.Error("Copy should not inherit the pending backup")
	}

	// copies are independent
	if err := src.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !cp.HotPluggable() {
		t.Error("Rolling back the source must not affect the copy")
	}
}

func TestMediumAttachment_Uninit(t *testing.T) {
	a := newTestAttachment(t, &fakeMachine{name: "vm-1"}, medium.NewMockMedium("disk.vdi"))
	a.Uninit()

	if err := a.UpdateDiscard(true); !errors.Is(err, utils.ErrObjectNotReady) {
		t.Errorf("Expected ErrObjectNotReady after Uninit, got %v", err)
	}
	if err := a.Commit(); !errors.Is(err, utils.ErrObjectNotReady) {
		t.Errorf("Expected ErrObjectNotReady from Commit, got %v", err)
	}
	if a.Medium() != nil || a.Machine() != nil {
		t.Error("Uninit should drop medium and machine references")
	}
	if _, err := NewMediumAttachmentCopy(&fakeMachine{name: "vm-2"}, a); !errors.Is(err, utils.ErrObjectNotReady) {
		t.Errorf("Copying an uninitialized attachment should fail, got %v", err)
	}

	// second Uninit is a no-op
	a.Uninit()
}

func TestMediumAttachment_ConcurrentAccess(t *testing.T) {
	a := newTestAttachment(t, &fakeMachine{name: "vm-1"}, medium.NewMockMedium("disk.vdi"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = a.UpdateDiscard(i%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			_ = a.Snapshot()
			_ = a.LogName()
		}()
	}
	wg.Wait()

	if !a.HasPendingChanges() {
		t.Error("Expected pending changes after concurrent updates")
	}
}
