package sum

import (
	"context"
	"testing"
	"time"

	"github.com/sio/libvirt-guestd/internal/sum/sumtest"
)

func testConfig() Config {
	return Config{TemplatePrefix: "libvirt-guest", JobMode: "fail", ActionTimeout: time.Second}
}

func TestStartOnInactiveUnitIssuesStartUnit(t *testing.T) {
	bus := sumtest.New(map[string]bool{"libvirt-guest@alpha.service": false})
	m := New(bus, testConfig())

	if err := m.Start(context.Background(), "alpha"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !bus.IsActiveNow("libvirt-guest@alpha.service") {
		t.Fatal("unit should be active after Start")
	}
	if len(bus.Calls) != 1 || bus.Calls[0] != "start:libvirt-guest@alpha.service" {
		t.Fatalf("unexpected calls: %v", bus.Calls)
	}
}

func TestStartOnAlreadyActiveUnitIsNoop(t *testing.T) {
	bus := sumtest.New(map[string]bool{"libvirt-guest@alpha.service": true})
	m := New(bus, testConfig())

	if err := m.Start(context.Background(), "alpha"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(bus.Calls) != 0 {
		t.Fatalf("expected no StartUnit call, got %v", bus.Calls)
	}
}

func TestStopOnActiveUnitIssuesStopUnit(t *testing.T) {
	bus := sumtest.New(map[string]bool{"libvirt-guest@bravo.service": true})
	m := New(bus, testConfig())

	if err := m.Stop(context.Background(), "bravo"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if bus.IsActiveNow("libvirt-guest@bravo.service") {
		t.Fatal("unit should be inactive after Stop")
	}
}

func TestStopOnAlreadyInactiveUnitIsNoop(t *testing.T) {
	bus := sumtest.New(map[string]bool{"libvirt-guest@bravo.service": false})
	m := New(bus, testConfig())

	if err := m.Stop(context.Background(), "bravo"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(bus.Calls) != 0 {
		t.Fatalf("expected no StopUnit call, got %v", bus.Calls)
	}
}

func TestRestartIsUnconditional(t *testing.T) {
	bus := sumtest.New(map[string]bool{"libvirt-guest@charlie.service": true})
	m := New(bus, testConfig())

	if err := m.Restart(context.Background(), "charlie"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if len(bus.Calls) != 1 || bus.Calls[0] != "restart:libvirt-guest@charlie.service" {
		t.Fatalf("unexpected calls: %v", bus.Calls)
	}
}

func TestStartPropagatesBusError(t *testing.T) {
	bus := sumtest.New(map[string]bool{"libvirt-guest@alpha.service": false})
	bus.FailStart["libvirt-guest@alpha.service"] = true
	m := New(bus, testConfig())

	if err := m.Start(context.Background(), "alpha"); err == nil {
		t.Fatal("expected error from failed StartUnit")
	}
}

func TestSetInitialStateStartsAndStopsToMatchDesired(t *testing.T) {
	bus := sumtest.New(map[string]bool{
		"libvirt-guest@alpha.service": false,
		"libvirt-guest@bravo.service": true,
	})
	m := New(bus, testConfig())

	desired := map[string]bool{"alpha": true, "bravo": false}
	if err := m.SetInitialState(context.Background(), desired); err != nil {
		t.Fatalf("SetInitialState: %v", err)
	}
	if !bus.IsActiveNow("libvirt-guest@alpha.service") {
		t.Fatal("alpha should have been started")
	}
	if bus.IsActiveNow("libvirt-guest@bravo.service") {
		t.Fatal("bravo should have been stopped")
	}
}

func TestSetInitialStateStopsOrphanedUnits(t *testing.T) {
	bus := sumtest.New(map[string]bool{
		"libvirt-guest@alpha.service": true,
		"libvirt-guest@orphan.service": true,
	})
	m := New(bus, testConfig())

	desired := map[string]bool{"alpha": true}
	if err := m.SetInitialState(context.Background(), desired); err != nil {
		t.Fatalf("SetInitialState: %v", err)
	}
	if !bus.IsActiveNow("libvirt-guest@alpha.service") {
		t.Fatal("alpha should remain active")
	}
	if bus.IsActiveNow("libvirt-guest@orphan.service") {
		t.Fatal("orphaned unit should have been stopped")
	}
}
