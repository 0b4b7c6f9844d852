// Package hdm implements the Hypervisor Domain Manager: the only
// component that talks to the hypervisor connection. It maintains a
// cached domain status map, dispatches start/stop/restart actions
// through a bounded worker pool, and runs the hypervisor's event loop
// to deliver lifecycle and reboot notifications upward.
package hdm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sio/libvirt-guestd/internal/logging"
	"github.com/sio/libvirt-guestd/internal/metrics"
	"github.com/sio/libvirt-guestd/internal/observability"
	"github.com/sio/libvirt-guestd/internal/rlal"
)

// Status is the two-valued projection of the hypervisor's richer domain
// states onto "is it running?".
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Action identifies a queued unit of work.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

const maxWorkers = 5

// Config holds HDM's tunables.
type Config struct {
	CheckDelay    time.Duration // poll interval while awaiting a state transition
	ActionTimeout time.Duration // give up waiting after this long
	RLALThreshold time.Duration
	RLALMaxLength time.Duration
}

// queued carries a span context and a monotonically increasing sequence
// number alongside the action itself, purely so execute/dispatch can
// correlate their log and trace output back to enqueue order. Neither
// field affects dispatch order or worker-pool semantics.
type queued struct {
	action Action
	domain string
	ctx    context.Context
	seq    int64
}

// Manager is the Hypervisor Domain Manager.
type Manager struct {
	conn Connection
	cfg  Config
	rlal *rlal.Log

	cacheMu sync.RWMutex // guards status; writers take it while holding Manager.mu
	status  map[string]Status

	mu sync.Mutex // exclusive action lock: reload_state vs. any in-flight action bookkeeping

	queue  chan queued
	sem    chan struct{} // counting semaphore bounding concurrent workers
	wg     sync.WaitGroup
	cancel context.CancelFunc

	seq atomic.Int64 // enqueue sequence counter, for log/trace correlation only
}

// New constructs a Manager and runs an initial reload_state so the cache
// reflects the hypervisor's current view before the caller proceeds.
func New(conn Connection, cfg Config) (*Manager, error) {
	if cfg.CheckDelay <= 0 {
		cfg.CheckDelay = time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 120 * time.Second
	}

	m := &Manager{
		conn:   conn,
		cfg:    cfg,
		rlal:   rlal.New(cfg.RLALThreshold, cfg.RLALMaxLength),
		status: make(map[string]Status),
		queue:  make(chan queued, 256),
		sem:    make(chan struct{}, maxWorkers),
	}

	if err := m.ReloadState(); err != nil {
		return nil, fmt.Errorf("initial reload_state: %w", err)
	}

	return m, nil
}

// State returns a read-only snapshot of the domain-status cache.
func (m *Manager) State() map[string]Status {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	snap := make(map[string]Status, len(m.status))
	for k, v := range m.status {
		snap[k] = v
	}
	return snap
}

// ReloadState clears and refills the cache from an enumeration of every
// domain the hypervisor knows about, active or not. It holds the
// exclusive action lock so no action's bookkeeping races a reload.
func (m *Manager) ReloadState() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles, err := m.conn.ListAllDomains()
	if err != nil {
		return fmt.Errorf("list all domains: %w", err)
	}

	fresh := make(map[string]Status, len(handles))
	for _, h := range handles {
		active, err := h.IsActive()
		if err != nil {
			logging.Op().Error("failed to query domain active state", "domain", h.Name(), "error", err)
			continue
		}
		fresh[h.Name()] = statusFromActive(active)
	}

	m.cacheMu.Lock()
	m.status = fresh
	m.cacheMu.Unlock()

	for name, st := range fresh {
		metricState := metrics.StateShutoff
		if st == StatusActive {
			metricState = metrics.StateRunning
		}
		metrics.SetDomainState(name, metricState)
	}

	return nil
}

func statusFromActive(active bool) Status {
	if active {
		return StatusActive
	}
	return StatusInactive
}

// Start enqueues a non-blocking start action for domain.
func (m *Manager) Start(domain string) { m.enqueue(ActionStart, domain) }

// Stop enqueues a non-blocking stop action for domain.
func (m *Manager) Stop(domain string) { m.enqueue(ActionStop, domain) }

// Restart enqueues a non-blocking restart action for domain.
func (m *Manager) Restart(domain string) { m.enqueue(ActionRestart, domain) }

func (m *Manager) enqueue(action Action, domain string) {
	q := queued{action: action, domain: domain, ctx: context.Background(), seq: m.seq.Add(1)}
	select {
	case m.queue <- q:
	default:
		logging.Op().Error("hdm action queue full, dropping action", "action", action, "domain", domain)
	}
	metrics.SetQueueDepth("hypervisor", len(m.queue))
}

// Run starts the action-dispatcher loop. It blocks until ctx is canceled,
// draining any actions already queued before returning.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for {
		select {
		case q := <-m.queue:
			metrics.SetQueueDepth("hypervisor", len(m.queue))
			m.dispatch(q)
		case <-ctx.Done():
			m.drain()
			m.wg.Wait()
			return
		}
	}
}

// drain submits every action still sitting in the queue without blocking
// on new arrivals, so a graceful shutdown doesn't strand queued work.
func (m *Manager) drain() {
	for {
		select {
		case q := <-m.queue:
			m.dispatch(q)
		default:
			return
		}
	}
}

// Shutdown cancels the dispatcher loop; Run drains the remaining queue
// and waits for in-flight workers before returning.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Manager) dispatch(q queued) {
	if m.rlal.Violated(q.domain) {
		_, span := observability.StartSpan(q.ctx, "hdm.dispatch",
			observability.AttrDomain.String(q.domain),
			observability.AttrPlane.String("hypervisor"),
			observability.AttrAction.String(string(q.action)),
			observability.AttrSuppressed.Bool(true),
		)
		logging.Actions().Log(&logging.ActionEntry{
			Plane: "hypervisor", Domain: q.domain, Action: string(q.action), Sequence: q.seq, Suppressed: true, Success: true,
		})
		metrics.RecordSuppressed("hypervisor")
		observability.SetSpanOK(span)
		span.End()
		return
	}

	m.sem <- struct{}{}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.sem }()
		m.execute(q)
	}()
}

func (m *Manager) execute(q queued) {
	_, span := observability.StartSpan(q.ctx, "hdm.execute",
		observability.AttrDomain.String(q.domain),
		observability.AttrPlane.String("hypervisor"),
		observability.AttrAction.String(string(q.action)),
	)
	defer span.End()

	start := time.Now()
	var err error
	switch q.action {
	case ActionStart:
		err = m.doStart(q.domain)
	case ActionStop:
		err = m.doStop(q.domain)
	case ActionRestart:
		if sErr := m.doStop(q.domain); sErr != nil {
			err = sErr
		} else {
			err = m.doStart(q.domain)
		}
	default:
		panic(fmt.Sprintf("hdm: unknown action %q", q.action))
	}

	durationMs := time.Since(start).Milliseconds()
	metrics.RecordAction("hypervisor", string(q.action), durationMs, err == nil)
	logging.Actions().Log(&logging.ActionEntry{
		Plane: "hypervisor", Domain: q.domain, Action: string(q.action), Sequence: q.seq,
		DurationMs: durationMs, Success: err == nil, Error: errString(err),
	})
	if err != nil {
		metrics.RecordReconcileError("hypervisor", string(q.action))
		observability.SetSpanError(span, err)
	} else {
		observability.SetSpanOK(span)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (m *Manager) doStart(domain string) error {
	h, err := m.conn.LookupByName(domain)
	if err != nil {
		return fmt.Errorf("failed to create domain: %s: %w", domain, err)
	}

	active, err := h.IsActive()
	if err != nil {
		return fmt.Errorf("failed to create domain: %s: %w", domain, err)
	}
	if active {
		m.setCached(domain, StatusActive)
		return nil
	}

	if err := h.Create(); err != nil {
		return fmt.Errorf("failed to create domain: %s: %w", domain, err)
	}

	return m.pollUntil(domain, h, StatusActive, func() error { return nil })
}

func (m *Manager) doStop(domain string) error {
	h, err := m.conn.LookupByName(domain)
	if err != nil {
		return fmt.Errorf("failed to shutdown domain: %s: %w", domain, err)
	}

	active, err := h.IsActive()
	if err != nil {
		return fmt.Errorf("failed to shutdown domain: %s: %w", domain, err)
	}
	if !active {
		m.setCached(domain, StatusInactive)
		return nil
	}

	// ACPI shutdown may be re-sent on every poll tick: the guest might not
	// have been ready to accept it on the first attempt.
	return m.pollUntil(domain, h, StatusInactive, h.ShutdownACPI)
}

// pollUntil resends retry on every tick (a no-op for start, a repeated
// ACPI shutdown for stop) until the domain reaches want or the action
// timeout elapses.
func (m *Manager) pollUntil(domain string, h DomainHandle, want Status, retry func() error) error {
	deadline := time.Now().Add(m.cfg.ActionTimeout)
	if err := retry(); err != nil {
		return fmt.Errorf("failed to shutdown domain: %s: %w", domain, err)
	}

	ticker := time.NewTicker(m.cfg.CheckDelay)
	defer ticker.Stop()

	for {
		<-ticker.C

		active, err := h.IsActive()
		if err == nil {
			current := statusFromActive(active)
			if current == want {
				m.setCached(domain, current)
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for domain %s to reach %s", domain, want)
		}

		if err := retry(); err != nil {
			return fmt.Errorf("failed to shutdown domain: %s: %w", domain, err)
		}
	}
}

func (m *Manager) setCached(domain string, st Status) {
	m.mu.Lock()
	m.cacheMu.Lock()
	m.status[domain] = st
	m.cacheMu.Unlock()
	m.mu.Unlock()

	metricState := metrics.StateShutoff
	if st == StatusActive {
		metricState = metrics.StateRunning
	}
	metrics.SetDomainState(domain, metricState)
}

// RegisterCallbacks wires the connection's lifecycle and reboot events to
// the given handlers. The reconciler supplies these to fan events out to
// SUM with its own RLAL guard.
func (m *Manager) RegisterCallbacks(onLifecycle LifecycleCallback, onReboot RebootCallback) error {
	if err := m.conn.RegisterLifecycleCallback(func(domain string, ev LifecycleEvent) {
		switch ev {
		case LifecycleStarted:
			m.setCached(domain, StatusActive)
		case LifecycleStopped:
			m.setCached(domain, StatusInactive)
		}
		onLifecycle(domain, ev)
	}); err != nil {
		return fmt.Errorf("register lifecycle callback: %w", err)
	}

	if err := m.conn.RegisterRebootCallback(onReboot); err != nil {
		return fmt.Errorf("register reboot callback: %w", err)
	}

	return nil
}

// RunEventLoop runs the hypervisor's event loop on the calling goroutine
// until ctx is canceled. The caller is expected to run this in its own
// goroutine.
func (m *Manager) RunEventLoop(ctx context.Context) error {
	return m.conn.RunEventLoop(ctx)
}

// Healthy reports whether the underlying hypervisor connection is alive.
func (m *Manager) Healthy() bool {
	return m.conn.IsAlive()
}

// Close releases the hypervisor connection.
func (m *Manager) Close() error {
	return m.conn.Close()
}
