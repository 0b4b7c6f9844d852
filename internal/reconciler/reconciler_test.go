package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/sio/libvirt-guestd/internal/hdm"
	"github.com/sio/libvirt-guestd/internal/hdm/hdmtest"
	"github.com/sio/libvirt-guestd/internal/jet"
	"github.com/sio/libvirt-guestd/internal/sum"
	"github.com/sio/libvirt-guestd/internal/sum/sumtest"
)

func hdmConfig() hdm.Config {
	return hdm.Config{CheckDelay: 5 * time.Millisecond, ActionTimeout: 200 * time.Millisecond, RLALThreshold: 3 * time.Second, RLALMaxLength: time.Minute}
}

func sumConfig() sum.Config {
	return sum.Config{TemplatePrefix: "libvirt-guest", JobMode: "fail", ActionTimeout: time.Second}
}

func newTestReconciler(t *testing.T, hconn *hdmtest.Connection, bus *sumtest.Bus, rlalThreshold time.Duration) *Reconciler {
	t.Helper()
	hm, err := hdm.New(hconn, hdmConfig())
	if err != nil {
		t.Fatalf("hdm.New: %v", err)
	}
	sm := sum.New(bus, sumConfig())
	cfg := Config{
		Journal:       jet.Config{TemplatePrefix: "libvirt-guest", JournalctlBin: "libvirt-guestd-test-no-such-binary"},
		RLALThreshold: rlalThreshold,
		RLALMaxLength: time.Minute,
		ActionTimeout: time.Second,
	}
	return New(hm, sm, cfg)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStartReconcilesUnitsToHypervisorView(t *testing.T) {
	hconn := hdmtest.New(map[string]bool{"alpha": true, "bravo": false})
	bus := sumtest.New(map[string]bool{
		"libvirt-guest@alpha.service": false,
		"libvirt-guest@bravo.service": true,
	})
	r := newTestReconciler(t, hconn, bus, 3*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); r.Shutdown() }()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !bus.IsActiveNow("libvirt-guest@alpha.service") {
		t.Fatal("alpha unit should have been started to match hypervisor")
	}
	if bus.IsActiveNow("libvirt-guest@bravo.service") {
		t.Fatal("bravo unit should have been stopped to match hypervisor")
	}
}

func TestHypervisorStartFansOutToSystemdStart(t *testing.T) {
	hconn := hdmtest.New(map[string]bool{"alpha": false})
	bus := sumtest.New(map[string]bool{"libvirt-guest@alpha.service": false})
	r := newTestReconciler(t, hconn, bus, 3*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); r.Shutdown() }()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	hconn.TriggerLifecycle("alpha", hdm.LifecycleStarted)

	waitFor(t, func() bool { return bus.IsActiveNow("libvirt-guest@alpha.service") })
}

func TestHypervisorStopFansOutToSystemdStop(t *testing.T) {
	hconn := hdmtest.New(map[string]bool{"alpha": true})
	bus := sumtest.New(map[string]bool{"libvirt-guest@alpha.service": true})
	r := newTestReconciler(t, hconn, bus, 3*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); r.Shutdown() }()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	hconn.TriggerLifecycle("alpha", hdm.LifecycleStopped)

	waitFor(t, func() bool { return !bus.IsActiveNow("libvirt-guest@alpha.service") })
}

func TestRebootFansOutToSystemdRestartWhenNotViolated(t *testing.T) {
	hconn := hdmtest.New(map[string]bool{"alpha": true})
	bus := sumtest.New(map[string]bool{"libvirt-guest@alpha.service": true})
	r := newTestReconciler(t, hconn, bus, 3*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); r.Shutdown() }()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	hconn.TriggerReboot("alpha")

	waitFor(t, func() bool {
		for _, c := range bus.Calls {
			if c == "restart:libvirt-guest@alpha.service" {
				return true
			}
		}
		return false
	})
}

func TestRebootIsSuppressedRightAfterAUserInitiatedRestart(t *testing.T) {
	hconn := hdmtest.New(map[string]bool{"alpha": true})
	bus := sumtest.New(map[string]bool{"libvirt-guest@alpha.service": true})
	r := newTestReconciler(t, hconn, bus, time.Minute) // wide window: any lifecycle echo within a minute is suppressed
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); r.Shutdown() }()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A lifecycle STOPPED followed by STARTED (as a restart looks from the
	// hypervisor's side) records the JET-side RLAL ahead of the reboot event.
	hconn.TriggerLifecycle("alpha", hdm.LifecycleStopped)
	hconn.TriggerLifecycle("alpha", hdm.LifecycleStarted)

	hconn.TriggerReboot("alpha")

	time.Sleep(50 * time.Millisecond)
	for _, c := range bus.Calls {
		if c == "restart:libvirt-guest@alpha.service" {
			t.Fatal("reboot-triggered restart should have been suppressed")
		}
	}
}

func TestJetStartEventFansOutToHypervisorStart(t *testing.T) {
	hconn := hdmtest.New(map[string]bool{"alpha": false})
	bus := sumtest.New(map[string]bool{"libvirt-guest@alpha.service": false})
	r := newTestReconciler(t, hconn, bus, 3*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); r.Shutdown() }()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r.onJetEvent(jet.Event{Domain: "alpha", Job: jet.JobStart})

	waitFor(t, func() bool { return hconn.IsActiveNow("alpha") })
}

func TestJetEventIsSuppressedRightAfterAHypervisorEcho(t *testing.T) {
	hconn := hdmtest.New(map[string]bool{"alpha": true})
	bus := sumtest.New(map[string]bool{"libvirt-guest@alpha.service": true})
	r := newTestReconciler(t, hconn, bus, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); r.Shutdown() }()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The hypervisor stopping alpha records the JET-side RLAL; the systemd
	// job log observing that same stop a moment later should be folded in,
	// not re-forwarded to HDM (which already knows).
	hconn.TriggerLifecycle("alpha", hdm.LifecycleStopped)
	waitFor(t, func() bool { return !bus.IsActiveNow("libvirt-guest@alpha.service") })

	r.onJetEvent(jet.Event{Domain: "alpha", Job: jet.JobStop})

	time.Sleep(50 * time.Millisecond)
	if hconn.IsActiveNow("alpha") {
		t.Fatal("alpha should remain stopped")
	}
}

func TestHealthyReflectsSupervisedGoroutines(t *testing.T) {
	hconn := hdmtest.New(map[string]bool{"alpha": true})
	bus := sumtest.New(map[string]bool{"libvirt-guest@alpha.service": true})
	r := newTestReconciler(t, hconn, bus, 3*time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return r.Healthy() })

	cancel()
	r.Shutdown()

	waitFor(t, func() bool { return !r.Healthy() })
}
