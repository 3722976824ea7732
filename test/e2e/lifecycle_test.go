package e2e

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

var _ = Describe("Machine Lifecycle", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv()
		DeferCleanup(func() {
			Expect(env.manager.StopAll(ctx)).To(Succeed())
			env.expectAllUnlocked()
		})
	})

	It("should lock the whole chain on start and release it on stop", func() {
		By("Starting vm1")
		Expect(env.manager.StartMachine(ctx, "vm1")).To(Succeed())

		By("Verifying leaf write lock and base read lock")
		env.expectState(medium.StateLockedWrite, "vm1.vdi")
		env.expectState(medium.StateLockedRead, "base.vdi", "install.iso")

		By("Verifying the medium being created was skipped")
		env.expectState(medium.StateCreating, "growing.vdi")
		st, err := env.manager.Status("vm1")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Running).To(BeTrue())
		Expect(st.SkippedMedia).To(Equal(1))
		Expect(st.LockedMedia).To(ConsistOf("base.vdi", "vm1.vdi", "install.iso"))
		klog.Infof("vm1 status: %+v", st)

		By("Starting vm1 again is a no-op")
		Expect(env.manager.StartMachine(ctx, "vm1")).To(Succeed())
		Expect(env.image("base.vdi").Readers()).To(Equal(1))

		By("Stopping vm1")
		Expect(env.manager.StopMachine(ctx, "vm1")).To(Succeed())
		env.expectAllUnlocked()

		metrics := env.scrapeMetrics()
		Expect(metrics).To(ContainSubstring(`medialock_lock_operations_total{operation="start",status="success"} 2`))
		Expect(metrics).To(ContainSubstring(`medialock_skipped_media_total 1`))
		Expect(metrics).To(ContainSubstring(`medialock_machines_locked 0`))
		Expect(metrics).To(ContainSubstring(`medialock_audit_events_total{category="machine_lifecycle",severity="info"} 3`))
	})

	It("should share a base image between machines", func() {
		Expect(env.manager.StartMachine(ctx, "vm1")).To(Succeed())
		Expect(env.manager.StartMachine(ctx, "vm2")).To(Succeed())

		Expect(env.image("base.vdi").Readers()).To(Equal(2))
		env.expectState(medium.StateLockedWrite, "vm1.vdi", "vm2.vdi", "data.vdi")

		By("Stopping one machine keeps the other's read lock")
		Expect(env.manager.StopMachine(ctx, "vm1")).To(Succeed())
		env.expectState(medium.StateLockedRead, "base.vdi")
		Expect(env.image("base.vdi").Readers()).To(Equal(1))
		env.expectState(medium.StateCreated, "vm1.vdi")
	})

	It("should swap removable media on a running machine", func() {
		Expect(env.manager.StartMachine(ctx, "vm1")).To(Succeed())

		By("Changing the DVD to tools.iso")
		Expect(env.manager.ChangeMedium(ctx, "vm1", "IDE", 0, 0, env.image("tools.iso"))).To(Succeed())
		env.expectState(medium.StateCreated, "install.iso")
		env.expectState(medium.StateLockedRead, "tools.iso")
		env.expectState(medium.StateLockedWrite, "vm1.vdi")

		vm1, err := env.manager.Machine("vm1")
		Expect(err).NotTo(HaveOccurred())
		Expect(vm1.Attachments().HasPendingChanges()).To(BeFalse())

		By("Ejecting the DVD")
		Expect(env.manager.ChangeMedium(ctx, "vm1", "IDE", 0, 0, nil)).To(Succeed())
		env.expectState(medium.StateCreated, "tools.iso")
		dvd, ok := vm1.Attachments().Find("IDE", 0, 0)
		Expect(ok).To(BeTrue())
		Expect(dvd.Medium()).To(BeNil())
		Expect(dvd.IsEjected()).To(BeFalse())
	})

	It("should refuse swapping a hard disk that is not hot-pluggable", func() {
		Expect(env.manager.StartMachine(ctx, "vm1")).To(Succeed())

		err := env.manager.ChangeMedium(ctx, "vm1", "SATA", 0, 0, env.image("data.vdi"))
		Expect(errors.Is(err, utils.ErrInvalidState)).To(BeTrue(), "got %v", err)
		env.expectState(medium.StateLockedWrite, "vm1.vdi")
		env.expectState(medium.StateCreated, "data.vdi")
	})

	It("should keep the previous medium when the new one cannot be locked", func() {
		Expect(env.manager.StartMachine(ctx, "vm1")).To(Succeed())
		Expect(env.manager.StartMachine(ctx, "vm2")).To(Succeed())

		By("Hot-swapping vm2's data disk for vm1's exclusively held leaf")
		shortCtx, shortCancel := contextWithTimeout(300)
		defer shortCancel()
		err := env.manager.ChangeMedium(shortCtx, "vm2", "SATA", 1, 0, env.image("vm1.vdi"))
		Expect(err).To(HaveOccurred())

		By("Verifying vm2 is still running with data.vdi")
		vm2, err := env.manager.Machine("vm2")
		Expect(err).NotTo(HaveOccurred())
		Expect(vm2.IsRunning()).To(BeTrue())
		disk, ok := vm2.Attachments().Find("SATA", 1, 0)
		Expect(ok).To(BeTrue())
		Expect(disk.Medium().Name()).To(Equal("data.vdi"))
		env.expectState(medium.StateLockedWrite, "data.vdi", "vm1.vdi", "vm2.vdi")
	})

	It("should snapshot a machine without taking locks", func() {
		Expect(env.manager.StartMachine(ctx, "vm1")).To(Succeed())

		snap, err := env.manager.TakeSnapshot(ctx, "vm1", "before-upgrade")
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.IsSnapshotMachine()).To(BeTrue())
		Expect(snap.Attachments().Len()).To(Equal(3))
		Expect(env.image("base.vdi").Readers()).To(Equal(1), "snapshot must not add readers")

		By("Refusing a duplicate snapshot name")
		_, err = env.manager.TakeSnapshot(ctx, "vm1", "before-upgrade")
		Expect(errors.Is(err, utils.ErrInvalidState)).To(BeTrue())

		st, err := env.manager.Status("vm1")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Snapshots).To(Equal([]string{"before-upgrade"}))

		By("Deleting the snapshot")
		Expect(env.manager.DeleteSnapshot("vm1", "before-upgrade")).To(Succeed())
		Expect(snap.Attachments().Len()).To(BeZero())
		Expect(env.manager.DeleteSnapshot("vm1", "before-upgrade")).To(MatchError(utils.ErrNotFound))
	})
})
