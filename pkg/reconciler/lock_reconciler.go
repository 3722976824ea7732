// Package reconciler periodically cross-checks the lock state of the media
// in the registry against the locks the running machines hold.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/observability"
	"git.srvlab.io/whiskey/medialock/pkg/session"
)

const (
	// DefaultCheckInterval is the default interval between lock checks
	DefaultCheckInterval = 5 * time.Minute

	// DefaultGracePeriod is how long a medium must look orphaned before it
	// is reported. Starts and stops in flight make a single snapshot racy.
	DefaultGracePeriod = 1 * time.Minute
)

// LockReconcilerConfig contains configuration for the lock reconciler
type LockReconcilerConfig struct {
	// Registry lists the media to check
	Registry *medium.Registry

	// Sessions lists the machines and the media they hold
	Sessions *session.Manager

	// Metrics is optional
	Metrics *observability.Metrics

	// CheckInterval is how often to check
	CheckInterval time.Duration

	// GracePeriod is the minimum time a lock must look orphaned before it is reported
	GracePeriod time.Duration

	// Enabled enables/disables the reconciler
	Enabled bool
}

// OrphanedLock is a medium that is locked although no running machine holds it
type OrphanedLock struct {
	MediumID  uuid.UUID
	Name      string
	State     medium.State
	FirstSeen time.Time
}

// MissingLock is a medium a running machine believes it holds but which is not locked
type MissingLock struct {
	Machine   string
	Medium    string
	State     medium.State
	FirstSeen time.Time
}

// Report is the result of one reconciliation cycle
type Report struct {
	Orphaned []OrphanedLock
	Missing  []MissingLock
}

// LockReconciler periodically checks for leaked and lost medium locks.
// It only reports: a leaked token cannot be abandoned by anyone but its holder.
type LockReconciler struct {
	config LockReconcilerConfig
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	firstSeen   map[uuid.UUID]time.Time
	missingSeen map[MissingLock]time.Time
	now         func() time.Time
}

// NewLockReconciler creates a new lock reconciler
func NewLockReconciler(config LockReconcilerConfig) (*LockReconciler, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("Registry is required")
	}
	if config.Sessions == nil {
		return nil, fmt.Errorf("Sessions is required")
	}

	if config.CheckInterval == 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.GracePeriod == 0 {
		config.GracePeriod = DefaultGracePeriod
	}

	return &LockReconciler{
		config:      config,
		stopCh:      make(chan struct{}),
		firstSeen:   make(map[uuid.UUID]time.Time),
		missingSeen: make(map[MissingLock]time.Time),
		now:         time.Now,
	}, nil
}

// Start begins the reconciliation loop
func (r *LockReconciler) Start(ctx context.Context) error {
	if !r.config.Enabled {
		klog.Info("Lock reconciler is disabled")
		return nil
	}

	klog.Infof("Starting lock reconciler (interval=%v, grace_period=%v)",
		r.config.CheckInterval, r.config.GracePeriod)

	r.wg.Add(1)
	go r.run(ctx)

	return nil
}

// Stop stops the reconciliation loop
func (r *LockReconciler) Stop() {
	if !r.config.Enabled {
		return
	}

	klog.Info("Stopping lock reconciler")
	close(r.stopCh)
	r.wg.Wait()
	klog.Info("Lock reconciler stopped")
}

// run is the main reconciliation loop
func (r *LockReconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	// Run once immediately on startup
	r.Reconcile(ctx)

	for {
		select {
		case <-ticker.C:
			r.Reconcile(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile performs one reconciliation cycle
func (r *LockReconciler) Reconcile(ctx context.Context) Report {
	klog.V(2).Info("Starting lock reconciliation cycle")
	start := r.now()

	held := make(map[string][]string)
	var report Report
	for _, m := range r.config.Sessions.Machines() {
		if ctx.Err() != nil {
			return report
		}
		st, err := r.config.Sessions.Status(m.Name())
		if err != nil || !st.Running {
			continue
		}
		for _, name := range st.LockedMedia {
			held[name] = append(held[name], m.Name())
		}
	}

	report.Orphaned = r.findOrphans(held, start)
	report.Missing = r.findMissing(held, start)

	if r.config.Metrics != nil {
		r.config.Metrics.RecordOrphanedLocks(len(report.Orphaned))
	}
	for _, o := range report.Orphaned {
		klog.Warningf("Orphaned lock detected: medium %s is %s but no running machine holds it (since %s)",
			o.Name, o.State, o.FirstSeen.Format(time.RFC3339))
	}
	for _, m := range report.Missing {
		klog.Errorf("Lost lock detected: machine %s holds %s but the medium is %s", m.Machine, m.Medium, m.State)
	}

	klog.V(2).Infof("Lock reconciliation cycle complete (duration=%v, orphaned=%d, missing=%d)",
		r.now().Sub(start), len(report.Orphaned), len(report.Missing))
	return report
}

// findOrphans returns locked media nobody holds that have looked that way
// for at least the grace period
func (r *LockReconciler) findOrphans(held map[string][]string, now time.Time) []OrphanedLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphans []OrphanedLock
	seen := make(map[uuid.UUID]bool)
	for _, img := range r.config.Registry.List() {
		state := img.State()
		if !state.IsLocked() || len(held[img.Name()]) > 0 {
			continue
		}
		seen[img.ID()] = true

		first, ok := r.firstSeen[img.ID()]
		if !ok {
			first = now
			r.firstSeen[img.ID()] = now
		}
		if age := now.Sub(first); age < r.config.GracePeriod {
			klog.V(3).Infof("Medium %s looks orphaned but is too young (age=%v, grace=%v), skipping",
				img.Name(), age, r.config.GracePeriod)
			continue
		}
		orphans = append(orphans, OrphanedLock{MediumID: img.ID(), Name: img.Name(), State: state, FirstSeen: first})
	}

	for id := range r.firstSeen {
		if !seen[id] {
			delete(r.firstSeen, id)
		}
	}
	return orphans
}

// findMissing returns media held by a running machine that are not locked
// and have looked that way for at least the grace period
func (r *LockReconciler) findMissing(held map[string][]string, now time.Time) []MissingLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	var missing []MissingLock
	seen := make(map[MissingLock]bool)
	for name, machines := range held {
		img, ok := r.config.Registry.Lookup(name)
		if !ok {
			// not a registry image
			continue
		}
		state := img.State()
		if state.IsLocked() {
			continue
		}
		for _, machine := range machines {
			key := MissingLock{Machine: machine, Medium: name}
			seen[key] = true

			first, ok := r.missingSeen[key]
			if !ok {
				first = now
				r.missingSeen[key] = now
			}
			if age := now.Sub(first); age < r.config.GracePeriod {
				klog.V(3).Infof("Machine %s looks to have lost %s but the observation is too young (age=%v, grace=%v), skipping",
					machine, name, age, r.config.GracePeriod)
				continue
			}
			missing = append(missing, MissingLock{Machine: machine, Medium: name, State: state, FirstSeen: first})
		}
	}

	for key := range r.missingSeen {
		if !seen[key] {
			delete(r.missingSeen, key)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Machine != missing[j].Machine {
			return missing[i].Machine < missing[j].Machine
		}
		return missing[i].Medium < missing[j].Medium
	})
	return missing
}
