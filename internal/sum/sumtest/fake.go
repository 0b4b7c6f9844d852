// Package sumtest provides a fake sum.Bus for driving the Service Unit
// Manager, the Reconciler, and their tests without a real system bus.
package sumtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sio/libvirt-guestd/internal/sum"
)

// Bus is a fake sum.Bus backed by an in-memory unit set. All methods
// are safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	active map[string]bool // unit name -> active

	// FailStart/FailStop/FailRestart, if set, make the corresponding
	// call fail for that unit name exactly once (then cleared).
	FailStart   map[string]bool
	FailStop    map[string]bool
	FailRestart map[string]bool

	// Calls records every job-issuing call, in order, for assertions
	// about what the manager actually dispatched.
	Calls []string
}

// New returns a Bus seeded with unit -> initially-active.
func New(initial map[string]bool) *Bus {
	active := make(map[string]bool, len(initial))
	for k, v := range initial {
		active[k] = v
	}
	return &Bus{
		active:      active,
		FailStart:   map[string]bool{},
		FailStop:    map[string]bool{},
		FailRestart: map[string]bool{},
	}
}

// IsActiveNow reports the current simulated state of unit.
func (b *Bus) IsActiveNow(unit string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[unit]
}

func (b *Bus) StartUnit(_ context.Context, unit, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, "start:"+unit)
	if b.FailStart[unit] {
		delete(b.FailStart, unit)
		return fmt.Errorf("simulated start failure for %q", unit)
	}
	b.active[unit] = true
	return nil
}

func (b *Bus) StopUnit(_ context.Context, unit, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, "stop:"+unit)
	if b.FailStop[unit] {
		delete(b.FailStop, unit)
		return fmt.Errorf("simulated stop failure for %q", unit)
	}
	b.active[unit] = false
	return nil
}

func (b *Bus) RestartUnit(_ context.Context, unit, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, "restart:"+unit)
	if b.FailRestart[unit] {
		delete(b.FailRestart, unit)
		return fmt.Errorf("simulated restart failure for %q", unit)
	}
	b.active[unit] = true
	return nil
}

func (b *Bus) UnitActiveState(_ context.Context, unit string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active[unit] {
		return "active", nil
	}
	return "inactive", nil
}

func (b *Bus) ListUnitsByPrefix(_ context.Context, _ string) ([]sum.UnitStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sum.UnitStatus, 0, len(b.active))
	for name, active := range b.active {
		state := "inactive"
		if active {
			state = "active"
		}
		out = append(out, sum.UnitStatus{Name: name, ActiveState: state})
	}
	return out, nil
}

func (b *Bus) Close() {}
