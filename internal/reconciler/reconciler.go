// Package reconciler owns the Hypervisor Domain Manager, the Service
// Unit Manager, and the Job-Event Tailer, and wires the two control
// planes together through a pair of Rate-Limited Action Logs so that
// neither side's reaction to the other becomes a feedback loop.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sio/libvirt-guestd/internal/hdm"
	"github.com/sio/libvirt-guestd/internal/jet"
	"github.com/sio/libvirt-guestd/internal/logging"
	"github.com/sio/libvirt-guestd/internal/metrics"
	"github.com/sio/libvirt-guestd/internal/observability"
	"github.com/sio/libvirt-guestd/internal/rlal"
	"github.com/sio/libvirt-guestd/internal/sum"
)

// Config holds the Reconciler's own tunables (HDM and SUM carry their
// own Config types; JET's lives on jet.Config).
type Config struct {
	Journal       jet.Config
	RLALThreshold time.Duration // JET-side RLAL: echo-suppression window
	RLALMaxLength time.Duration
	ActionTimeout time.Duration // deadline for SUM calls issued from event callbacks
}

// Reconciler is the top-level object: the only thing cmd/libvirt-guestd
// constructs directly.
type Reconciler struct {
	hdm *hdm.Manager
	sum *sum.Manager
	jet *jet.Tailer

	jetRLAL       *rlal.Log
	actionTimeout time.Duration

	mu              sync.Mutex
	eventLoopAlive  bool
	dispatcherAlive bool
	jetAlive        bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Reconciler around an already-constructed HDM and
// SUM. JET is built internally so its handler can close over the
// Reconciler itself.
func New(h *hdm.Manager, s *sum.Manager, cfg Config) *Reconciler {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 120 * time.Second
	}
	r := &Reconciler{
		hdm:           h,
		sum:           s,
		jetRLAL:       rlal.New(cfg.RLALThreshold, cfg.RLALMaxLength),
		actionTimeout: cfg.ActionTimeout,
	}
	r.jet = jet.New(cfg.Journal, r.onJetEvent)
	return r
}

// Start bootstraps the daemon: reconciles SUM to HDM's already-loaded
// view, launches the supervised goroutines, and registers the
// hypervisor event callbacks. It returns once bootstrap completes; the
// supervised goroutines keep running until ctx is canceled.
func (r *Reconciler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.sum.SetInitialState(ctx, activeMap(r.hdm.State())); err != nil {
		cancel()
		return fmt.Errorf("reconcile initial unit state: %w", err)
	}

	r.spawn(&r.eventLoopAlive, func() {
		if err := r.hdm.RunEventLoop(ctx); err != nil {
			logging.Op().Error("hypervisor event loop exited", "error", err)
		}
	})
	r.spawn(&r.dispatcherAlive, func() { r.hdm.Run(ctx) })
	r.spawn(&r.jetAlive, func() { r.jet.Run(ctx) })

	if err := r.hdm.RegisterCallbacks(r.onLifecycle, r.onReboot); err != nil {
		cancel()
		return fmt.Errorf("register hypervisor callbacks: %w", err)
	}

	return nil
}

func activeMap(status map[string]hdm.Status) map[string]bool {
	desired := make(map[string]bool, len(status))
	for domain, st := range status {
		desired[domain] = st == hdm.StatusActive
	}
	return desired
}

func (r *Reconciler) spawn(alive *bool, fn func()) {
	r.mu.Lock()
	*alive = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			*alive = false
			r.mu.Unlock()
		}()
		fn()
	}()
}

// onLifecycle fans a hypervisor-side start/stop out to SUM. HDM has
// already updated its own cache by the time this runs (see
// hdm.Manager.RegisterCallbacks).
func (r *Reconciler) onLifecycle(domain string, ev hdm.LifecycleEvent) {
	var action string
	switch ev {
	case hdm.LifecycleStarted:
		action = "start"
	case hdm.LifecycleStopped:
		action = "stop"
	default:
		return
	}
	r.jetRLAL.Record(domain)
	go r.runSUM(domain, action)
}

// onReboot fans a hypervisor-reported reboot out to a systemd restart,
// unless that very restart is what caused the reboot in the first
// place (a user-initiated `systemctl restart` against the unit).
func (r *Reconciler) onReboot(domain string) {
	if r.jetRLAL.Violated(domain) {
		_, span := observability.StartSpan(context.Background(), "reconciler.onReboot",
			observability.AttrDomain.String(domain),
			observability.AttrPlane.String("hypervisor"),
			observability.AttrAction.String("restart"),
			observability.AttrSuppressed.Bool(true),
		)
		metrics.RecordSuppressed("hypervisor")
		logging.Actions().Log(&logging.ActionEntry{
			Plane: "hypervisor", Domain: domain, Action: "restart", Suppressed: true, Success: true,
		})
		observability.SetSpanOK(span)
		span.End()
		return
	}
	go r.runSUM(domain, "restart")
}

// runSUM is the fan-out call site from a hypervisor event to SUM; it
// owns the span for the whole dispatch, not just the individual bus
// call inside internal/sum.
func (r *Reconciler) runSUM(domain, action string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.actionTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "reconciler.runSUM",
		observability.AttrDomain.String(domain),
		observability.AttrPlane.String("systemd"),
		observability.AttrAction.String(action),
	)
	defer span.End()

	var err error
	switch action {
	case "start":
		err = r.sum.Start(ctx, domain)
	case "stop":
		err = r.sum.Stop(ctx, domain)
	case "restart":
		err = r.sum.Restart(ctx, domain)
	}
	if err != nil {
		observability.SetSpanError(span, err)
		logging.Op().Error("failed to propagate hypervisor event to systemd", "domain", domain, "action", action, "error", err)
		return
	}
	observability.SetSpanOK(span)
}

// onJetEvent fans a completed systemd job out to the corresponding
// non-blocking HDM action, unless the JET-side RLAL flags it as the
// echo of a hypervisor-originated change JET is simply observing late.
func (r *Reconciler) onJetEvent(e jet.Event) {
	if r.jetRLAL.Violated(e.Domain) {
		_, span := observability.StartSpan(context.Background(), "reconciler.onJetEvent",
			observability.AttrDomain.String(e.Domain),
			observability.AttrPlane.String("systemd"),
			observability.AttrAction.String(string(e.Job)),
			observability.AttrSuppressed.Bool(true),
		)
		metrics.RecordSuppressed("systemd")
		logging.Actions().Log(&logging.ActionEntry{
			Plane: "systemd", Domain: e.Domain, Action: string(e.Job), Suppressed: true, Success: true,
		})
		observability.SetSpanOK(span)
		span.End()
		return
	}

	switch e.Job {
	case jet.JobStart:
		r.hdm.Start(e.Domain)
	case jet.JobStop:
		r.hdm.Stop(e.Domain)
	case jet.JobRestart:
		r.hdm.Restart(e.Domain)
	}
}

// Healthy reports whether every supervised goroutine is alive and the
// hypervisor connection is usable.
func (r *Reconciler) Healthy() bool {
	r.mu.Lock()
	ok := r.eventLoopAlive && r.dispatcherAlive && r.jetAlive
	r.mu.Unlock()
	return ok && r.hdm.Healthy()
}

// Shutdown cancels every supervised goroutine, waits for the HDM
// dispatcher to drain its queue and release in-flight workers, then
// releases the hypervisor and bus handles.
func (r *Reconciler) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.hdm.Shutdown()
	r.wg.Wait()
	r.sum.Close()
	if err := r.hdm.Close(); err != nil {
		logging.Op().Error("failed to close hypervisor connection", "error", err)
	}
}
