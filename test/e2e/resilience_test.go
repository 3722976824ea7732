package e2e

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/medialock/pkg/attachment"
	"git.srvlab.io/whiskey/medialock/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/session"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
	"git.srvlab.io/whiskey/medialock/test/mock"
)

func contextWithTimeout(ms int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

var _ = Describe("Lock Contention", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv()
		DeferCleanup(func() {
			Expect(env.manager.StopAll(ctx)).To(Succeed())
			env.expectAllUnlocked()
		})
	})

	It("should fail atomically when an exclusive medium is held elsewhere", func() {
		Expect(env.manager.StartMachine(ctx, "vm2")).To(Succeed())

		shortCtx, shortCancel := contextWithTimeout(200)
		defer shortCancel()
		err := env.manager.StartMachine(shortCtx, "vm3")
		Expect(err).To(HaveOccurred())

		vm3, err := env.manager.Machine("vm3")
		Expect(err).NotTo(HaveOccurred())
		Expect(vm3.IsRunning()).To(BeFalse())
		env.expectState(medium.StateLockedWrite, "data.vdi")
		Expect(env.scrapeMetrics()).To(ContainSubstring("medialock_lock_retries_total"))
	})

	It("should start once the holder releases the medium", func() {
		Expect(env.manager.StartMachine(ctx, "vm2")).To(Succeed())

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			time.Sleep(150 * time.Millisecond)
			Expect(env.manager.StopMachine(ctx, "vm2")).To(Succeed())
		}()

		Expect(env.manager.StartMachine(ctx, "vm3")).To(Succeed())
		wg.Wait()
		env.expectState(medium.StateLockedWrite, "data.vdi")

		st, err := env.manager.Status("vm3")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.LockedMedia).To(Equal([]string{"data.vdi"}))
	})

	It("should let only one of many racing machines win a medium", func() {
		racers := []string{"vm2", "vm3"}
		results := make(chan error, len(racers))
		for _, name := range racers {
			go func(name string) {
				defer GinkgoRecover()
				raceCtx, raceCancel := contextWithTimeout(300)
				defer raceCancel()
				results <- env.manager.StartMachine(raceCtx, name)
			}(name)
		}

		wins := 0
		for range racers {
			if <-results == nil {
				wins++
			}
		}
		Expect(wins).To(Equal(1))
		env.expectState(medium.StateLockedWrite, "data.vdi")
	})
})

var _ = Describe("Fault Injection", func() {
	It("should open the circuit breaker after repeated lock failures", func() {
		flaky := mock.Wrap(
			medium.NewImage(medium.ImageOptions{Name: "flaky.vdi", State: medium.StateCreated}),
			mock.MockMediumConfig{ErrorMode: "busy", EnableHistory: true},
		)

		settings := circuitbreaker.DefaultSettings()
		settings.Timeout = time.Hour
		mgr := session.NewManager(session.Options{
			Retry:   session.NoRetry(),
			Breaker: circuitbreaker.NewMachineCircuitBreakerWithSettings(settings),
		})
		vm := session.NewMachine("flaky-vm", nil)
		_, err := vm.Attachments().Attach(ctx, attachment.Config{
			Medium:         flaky,
			ControllerName: "SATA",
			Type:           attachment.DeviceHardDisk,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(vm.Attachments().Commit()).To(Succeed())
		Expect(mgr.AddMachine(vm)).To(Succeed())

		By("Failing the start until the breaker trips")
		for i := uint32(0); i < settings.ConsecutiveFailures; i++ {
			err := mgr.StartMachine(ctx, "flaky-vm")
			Expect(errors.Is(err, utils.ErrLockFailed)).To(BeTrue(), "attempt %d: %v", i, err)
		}
		attempts := len(flaky.History())

		By("Rejecting further starts without touching the medium")
		err = mgr.StartMachine(ctx, "flaky-vm")
		Expect(circuitbreaker.IsOpen(errors.Unwrap(err))).To(BeTrue(), "got %v", err)
		Expect(flaky.History()).To(HaveLen(attempts))

		st, err := mgr.Status("flaky-vm")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Breaker).To(Equal("open"))

		By("Resetting the breaker")
		Expect(mgr.ResetBreaker("flaky-vm")).To(BeTrue())
		st, err = mgr.Status("flaky-vm")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Breaker).To(Equal("closed"))
	})

	It("should report unlock failures on stop but release the media", func() {
		img := medium.NewImage(medium.ImageOptions{Name: "sticky.vdi", State: medium.StateCreated})
		sticky := mock.Wrap(img, mock.MockMediumConfig{ErrorMode: "abandon_fail"})

		mgr := session.NewManager(session.Options{Retry: session.NoRetry()})
		vm := session.NewMachine("sticky-vm", nil)
		_, err := vm.Attachments().Attach(ctx, attachment.Config{
			Medium:         sticky,
			ControllerName: "SATA",
			Type:           attachment.DeviceHardDisk,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(vm.Attachments().Commit()).To(Succeed())
		Expect(mgr.AddMachine(vm)).To(Succeed())

		Expect(mgr.StartMachine(ctx, "sticky-vm")).To(Succeed())
		Expect(img.State()).To(Equal(medium.StateLockedWrite))

		err = mgr.StopMachine(ctx, "sticky-vm")
		Expect(errors.Is(err, mock.ErrInjectedAbandon)).To(BeTrue(), "got %v", err)
		Expect(vm.IsRunning()).To(BeFalse())
		Expect(img.State()).To(Equal(medium.StateCreated))
	})
})
