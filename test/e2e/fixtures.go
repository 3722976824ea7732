package e2e

import (
	"net/http/httptest"
	"time"

	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/medialock/pkg/audit"
	"git.srvlab.io/whiskey/medialock/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/medialock/pkg/config"
	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/observability"
	"git.srvlab.io/whiskey/medialock/pkg/session"
)

// inventory is the host every scenario starts from. vm1 and vm2 share a
// base image; vm2 and vm3 both want exclusive access to data.vdi.
const inventory = `
media:
  - name: base.vdi
  - name: vm1.vdi
    parent: base.vdi
  - name: vm2.vdi
    parent: base.vdi
  - name: data.vdi
  - name: growing.vdi
    state: creating
  - name: install.iso
    kind: DVD
  - name: tools.iso
    kind: DVD
machines:
  - name: vm1
    attachments:
      - {controller: SATA, port: 0, type: HardDisk, medium: vm1.vdi}
      - {controller: SATA, port: 1, type: HardDisk, medium: growing.vdi}
      - {controller: IDE, port: 0, type: DVD, medium: install.iso}
  - name: vm2
    attachments:
      - {controller: SATA, port: 0, type: HardDisk, medium: vm2.vdi}
      - {controller: SATA, port: 1, type: HardDisk, medium: data.vdi, hotPluggable: true}
  - name: vm3
    attachments:
      - {controller: SATA, port: 0, type: HardDisk, medium: data.vdi}
lockPolicy:
  maxElapsed: 3s
  initialInterval: 20ms
  maxInterval: 100ms
  rate: 200
`

// testEnv is one isolated host: media registry, machines and metrics
type testEnv struct {
	registry *medium.Registry
	manager  *session.Manager
	metrics  *observability.Metrics
}

// newTestEnv loads inventory into a fresh manager with a circuit breaker
func newTestEnv() *testEnv {
	cfg, err := config.Parse([]byte(inventory))
	Expect(err).NotTo(HaveOccurred(), "inventory should parse")

	registry, err := cfg.BuildRegistry()
	Expect(err).NotTo(HaveOccurred())

	metrics := observability.NewMetrics()
	settings := circuitbreaker.DefaultSettings()
	settings.Timeout = 200 * time.Millisecond
	mgr := session.NewManager(session.Options{
		Retry:   cfg.RetryPolicy(),
		Breaker: circuitbreaker.NewMachineCircuitBreakerWithSettings(settings),
		Metrics: metrics,
		Audit:   audit.NewLogger(metrics),
	})

	_, err = cfg.BuildMachines(ctx, mgr, registry, metrics)
	Expect(err).NotTo(HaveOccurred())

	return &testEnv{registry: registry, manager: mgr, metrics: metrics}
}

// image returns the registered image called name
func (e *testEnv) image(name string) *medium.Image {
	img, ok := e.registry.Lookup(name)
	Expect(ok).To(BeTrue(), "medium %s should be registered", name)
	return img
}

// expectState asserts the state of each named medium
func (e *testEnv) expectState(state medium.State, names ...string) {
	for _, name := range names {
		Expect(e.image(name).State()).To(Equal(state), "state of %s", name)
	}
}

// expectAllUnlocked asserts no medium of the host is held
func (e *testEnv) expectAllUnlocked() {
	for _, img := range e.registry.List() {
		Expect(img.State().IsLocked()).To(BeFalse(), "%s should not be locked", img.Name())
		Expect(img.Readers()).To(BeZero(), "%s should have no readers", img.Name())
	}
}

// scrapeMetrics returns the Prometheus text exposition of the env's metrics
func (e *testEnv) scrapeMetrics() string {
	rec := httptest.NewRecorder()
	e.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	Expect(rec.Code).To(Equal(200))
	return rec.Body.String()
}
