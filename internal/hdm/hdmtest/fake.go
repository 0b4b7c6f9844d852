// Package hdmtest provides a fake hdm.Connection for driving the
// Hypervisor Domain Manager, the Reconciler, and their tests without a
// real libvirt daemon.
package hdmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sio/libvirt-guestd/internal/hdm"
)

// Connection is a fake hdm.Connection backed by an in-memory domain set.
// All methods are safe for concurrent use.
type Connection struct {
	mu      sync.Mutex
	active  map[string]bool
	alive   bool
	onLife  hdm.LifecycleCallback
	onBoot  hdm.RebootCallback

	// FailCreate/FailShutdown, if set, make the corresponding action fail
	// for that domain name exactly once (then cleared), to exercise the
	// error-propagation paths.
	FailCreate   map[string]bool
	FailShutdown map[string]bool
}

// New returns a Connection seeded with domain -> initially-active.
func New(initial map[string]bool) *Connection {
	active := make(map[string]bool, len(initial))
	for k, v := range initial {
		active[k] = v
	}
	return &Connection{
		active:       active,
		alive:        true,
		FailCreate:   map[string]bool{},
		FailShutdown: map[string]bool{},
	}
}

// Domains returns the known domain names.
func (c *Connection) Domains() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.active))
	for name := range c.active {
		names = append(names, name)
	}
	return names
}

// IsActiveNow reports the current simulated state of domain.
func (c *Connection) IsActiveNow(domain string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[domain]
}

// SetAlive toggles the simulated connection liveness.
func (c *Connection) SetAlive(alive bool) {
	c.mu.Lock()
	c.alive = alive
	c.mu.Unlock()
}

// TriggerLifecycle simulates a hypervisor lifecycle event arriving out of
// band (e.g. the guest was started by another actor), updating the
// simulated state and invoking the registered callback.
func (c *Connection) TriggerLifecycle(domain string, ev hdm.LifecycleEvent) {
	c.mu.Lock()
	switch ev {
	case hdm.LifecycleStarted:
		c.active[domain] = true
	case hdm.LifecycleStopped:
		c.active[domain] = false
	}
	cb := c.onLife
	c.mu.Unlock()
	if cb != nil {
		cb(domain, ev)
	}
}

// TriggerReboot simulates a hypervisor reboot event.
func (c *Connection) TriggerReboot(domain string) {
	c.mu.Lock()
	cb := c.onBoot
	c.mu.Unlock()
	if cb != nil {
		cb(domain)
	}
}

func (c *Connection) ListAllDomains() ([]hdm.DomainHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handles := make([]hdm.DomainHandle, 0, len(c.active))
	for name := range c.active {
		handles = append(handles, &fakeDomain{conn: c, name: name})
	}
	return handles, nil
}

func (c *Connection) LookupByName(name string) (hdm.DomainHandle, error) {
	c.mu.Lock()
	_, ok := c.active[name]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no domain named %q", name)
	}
	return &fakeDomain{conn: c, name: name}, nil
}

func (c *Connection) RegisterLifecycleCallback(cb hdm.LifecycleCallback) error {
	c.mu.Lock()
	c.onLife = cb
	c.mu.Unlock()
	return nil
}

func (c *Connection) RegisterRebootCallback(cb hdm.RebootCallback) error {
	c.mu.Lock()
	c.onBoot = cb
	c.mu.Unlock()
	return nil
}

func (c *Connection) RunEventLoop(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *Connection) Close() error {
	return nil
}

type fakeDomain struct {
	conn *Connection
	name string
}

func (d *fakeDomain) Name() string { return d.name }

func (d *fakeDomain) IsActive() (bool, error) {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	return d.conn.active[d.name], nil
}

func (d *fakeDomain) Create() error {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if d.conn.FailCreate[d.name] {
		delete(d.conn.FailCreate, d.name)
		return fmt.Errorf("simulated create failure for %q", d.name)
	}
	d.conn.active[d.name] = true
	return nil
}

func (d *fakeDomain) ShutdownACPI() error {
	d.conn.mu.Lock()
	defer d.conn.mu.Unlock()
	if d.conn.FailShutdown[d.name] {
		delete(d.conn.FailShutdown, d.name)
		return fmt.Errorf("simulated shutdown failure for %q", d.name)
	}
	d.conn.active[d.name] = false
	return nil
}
