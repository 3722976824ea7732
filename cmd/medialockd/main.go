package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/audit"
	"git.srvlab.io/whiskey/medialock/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/medialock/pkg/config"
	"git.srvlab.io/whiskey/medialock/pkg/observability"
	"git.srvlab.io/whiskey/medialock/pkg/reconciler"
	"git.srvlab.io/whiskey/medialock/pkg/session"
)

// Version is set at build time
var Version = "dev"

var (
	configPath     = flag.String("config", "/etc/medialock/inventory.yaml", "Path to the media and machines inventory")
	metricsAddress = flag.String("metrics-address", ":9809", "Address to serve Prometheus metrics on, empty to disable")

	// Lock retry overrides; zero keeps the inventory's lockPolicy
	lockRetryMaxElapsed = flag.Duration("lock-retry-max-elapsed", 0, "How long a start keeps retrying refused locks (negative disables retries)")
	lockRate            = flag.Float64("lock-rate", 0, "Lock attempts per second across all machines")
	lockBurst           = flag.Int("lock-burst", 0, "Lock attempt burst size")

	// Lock reconciler
	enableReconciler  = flag.Bool("enable-lock-reconciler", true, "Periodically report leaked and lost medium locks")
	reconcileInterval = flag.Duration("lock-reconcile-interval", reconciler.DefaultCheckInterval, "Interval between lock reconciliation cycles")
	reconcileGrace    = flag.Duration("lock-reconcile-grace-period", reconciler.DefaultGracePeriod, "How long a lock must look orphaned before it is reported")

	version = flag.Bool("version", false, "Print version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *version {
		fmt.Println("medialockd", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		klog.Fatalf("Failed to load inventory from %s: %v", *configPath, err)
	}
	applyFlagOverrides(cfg)

	registry, err := cfg.BuildRegistry()
	if err != nil {
		klog.Fatalf("Failed to build medium registry: %v", err)
	}

	metrics := observability.NewMetrics()
	mgr := session.NewManager(session.Options{
		Retry:   cfg.RetryPolicy(),
		Breaker: circuitbreaker.NewMachineCircuitBreaker(),
		Metrics: metrics,
		Audit:   audit.NewLogger(metrics),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	autostart, err := cfg.BuildMachines(ctx, mgr, registry, metrics)
	if err != nil {
		klog.Fatalf("Failed to load machines: %v", err)
	}
	klog.Infof("Loaded %d media and %d machines", len(registry.List()), len(mgr.Machines()))

	var httpSrv *http.Server
	if *metricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		httpSrv = &http.Server{
			Addr:              *metricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			klog.Infof("Serving metrics on %s", *metricsAddress)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Fatalf("Metrics server error: %v", err)
			}
		}()
	}

	rec, err := reconciler.NewLockReconciler(reconciler.LockReconcilerConfig{
		Registry:      registry,
		Sessions:      mgr,
		Metrics:       metrics,
		CheckInterval: *reconcileInterval,
		GracePeriod:   *reconcileGrace,
		Enabled:       *enableReconciler,
	})
	if err != nil {
		klog.Fatalf("Failed to create lock reconciler: %v", err)
	}

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for _, name := range autostart {
		if err := mgr.StartMachine(ctx, name); err != nil {
			klog.Errorf("Failed to start machine %s: %v", name, err)
			continue
		}
		st, err := mgr.Status(name)
		if err == nil {
			klog.Infof("Machine %s started: %d media locked, %d skipped", name, len(st.LockedMedia), st.SkippedMedia)
		}
	}

	if err := rec.Start(ctx); err != nil {
		klog.Fatalf("Failed to start lock reconciler: %v", err)
	}

	sig := <-sigChan
	klog.Infof("Received signal %s, releasing all medium locks", sig)
	rec.Stop()
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()

	if err := mgr.StopAll(stopCtx); err != nil {
		klog.Errorf("Failed to release some locks: %v", err)
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(stopCtx); err != nil {
			klog.Warningf("Metrics server shutdown error: %v", err)
		}
	}
	klog.Info("medialockd stopped")
	klog.Flush()
}

func applyFlagOverrides(cfg *config.Config) {
	if *lockRetryMaxElapsed != 0 {
		cfg.LockPolicy.MaxElapsed = *lockRetryMaxElapsed
	}
	if *lockRate > 0 {
		cfg.LockPolicy.Rate = *lockRate
	}
	if *lockBurst > 0 {
		cfg.LockPolicy.Burst = *lockBurst
	}
}
