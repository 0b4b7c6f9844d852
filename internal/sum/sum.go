package sum

import (
	"context"
	"fmt"
	"time"

	"github.com/sio/libvirt-guestd/internal/logging"
	"github.com/sio/libvirt-guestd/internal/metrics"
	"github.com/sio/libvirt-guestd/internal/observability"
	"github.com/sio/libvirt-guestd/internal/unitname"
)

const (
	activeState   = "active"
	inactiveState = "inactive"
)

// Config holds SUM's tunables.
type Config struct {
	TemplatePrefix string        // e.g. "libvirt-guest"
	JobMode        string        // systemd job mode, e.g. "fail"
	ActionTimeout  time.Duration // per-job deadline passed via context
}

// Manager is the Service Unit Manager: it never learns about a domain
// except through the unit name composed from internal/unitname, and it
// never initiates an action on its own — every call here is driven by
// the Reconciler, at bootstrap or in response to a hypervisor event.
type Manager struct {
	bus Bus
	cfg Config
}

// New constructs a Manager. bus is expected to already be connected.
func New(bus Bus, cfg Config) *Manager {
	if cfg.JobMode == "" {
		cfg.JobMode = "fail"
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 120 * time.Second
	}
	return &Manager{bus: bus, cfg: cfg}
}

func (m *Manager) unit(domain string) string {
	return unitname.Compose(m.cfg.TemplatePrefix, domain)
}

func (m *Manager) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.ActionTimeout)
}

// Start brings domain's unit to the active state if it isn't already.
func (m *Manager) Start(ctx context.Context, domain string) error {
	return m.run(ctx, domain, "start", func(ctx context.Context, unit string) error {
		state, err := m.bus.UnitActiveState(ctx, unit)
		if err != nil {
			return err
		}
		if state == activeState {
			return nil
		}
		return m.bus.StartUnit(ctx, unit, m.cfg.JobMode)
	})
}

// Stop brings domain's unit to the inactive state if it isn't already.
func (m *Manager) Stop(ctx context.Context, domain string) error {
	return m.run(ctx, domain, "stop", func(ctx context.Context, unit string) error {
		state, err := m.bus.UnitActiveState(ctx, unit)
		if err != nil {
			return err
		}
		if state == inactiveState {
			return nil
		}
		return m.bus.StopUnit(ctx, unit, m.cfg.JobMode)
	})
}

// Restart unconditionally restarts domain's unit, regardless of its
// current active state.
func (m *Manager) Restart(ctx context.Context, domain string) error {
	return m.run(ctx, domain, "restart", func(ctx context.Context, unit string) error {
		return m.bus.RestartUnit(ctx, unit, m.cfg.JobMode)
	})
}

func (m *Manager) run(ctx context.Context, domain, action string, fn func(ctx context.Context, unit string) error) error {
	unit := m.unit(domain)
	ctx, cancel := m.timeout(ctx)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "sum.run",
		observability.AttrDomain.String(domain),
		observability.AttrPlane.String("systemd"),
		observability.AttrAction.String(action),
		observability.AttrUnit.String(unit),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx, unit)
	durationMs := time.Since(start).Milliseconds()

	metrics.RecordAction("systemd", action, durationMs, err == nil)
	logging.Actions().Log(&logging.ActionEntry{
		Plane: "systemd", Domain: domain, Action: action,
		DurationMs: durationMs, Success: err == nil, Error: errString(err),
	})
	if err != nil {
		metrics.RecordReconcileError("systemd", action)
		observability.SetSpanError(span, err)
		return fmt.Errorf("unit %s: %w", unit, err)
	}
	observability.SetSpanOK(span)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// SetInitialState reconciles every managed unit to desired at startup:
// domains mapped true/false are started/stopped to match, and any
// currently loaded template unit whose domain is absent from desired
// is stopped as an orphan left over from a previous run or an operator
// action taken while the daemon was down.
func (m *Manager) SetInitialState(ctx context.Context, desired map[string]bool) error {
	for domain, active := range desired {
		var err error
		if active {
			err = m.Start(ctx, domain)
		} else {
			err = m.Stop(ctx, domain)
		}
		if err != nil {
			logging.Op().Error("failed to reconcile initial unit state", "domain", domain, "error", err)
		}
	}

	units, err := m.bus.ListUnitsByPrefix(ctx, m.cfg.TemplatePrefix)
	if err != nil {
		return fmt.Errorf("list managed units: %w", err)
	}

	for _, u := range units {
		domain, ok := unitname.Domain(u.Name, m.cfg.TemplatePrefix)
		if !ok {
			continue
		}
		if _, managed := desired[domain]; managed {
			continue
		}
		if u.ActiveState == inactiveState {
			continue
		}
		logging.Op().Info("stopping orphaned unit with no corresponding domain", "unit", u.Name, "domain", domain)
		if err := m.Stop(ctx, domain); err != nil {
			logging.Op().Error("failed to stop orphaned unit", "unit", u.Name, "error", err)
		}
	}

	return nil
}

// Close releases the underlying bus connection.
func (m *Manager) Close() {
	m.bus.Close()
}
