package hdm

import (
	"context"
	"fmt"

	"libvirt.org/go/libvirt"
)

// libvirtConn is the production Connection, backed by libvirt.org/go/libvirt.
// Domain names are read from the hypervisor itself, never cached here —
// the domain-status cache lives one layer up, in Manager.
type libvirtConn struct {
	conn *libvirt.Connect
}

// Dial opens a connection to uri (empty uses the library's own default,
// honoring LIBVIRT_DEFAULT_URI).
func Dial(uri string) (Connection, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("connect to hypervisor: %w", err)
	}
	return &libvirtConn{conn: conn}, nil
}

type libvirtDomain struct {
	dom *libvirt.Domain
}

func (d *libvirtDomain) Name() string {
	name, err := d.dom.GetName()
	if err != nil {
		return ""
	}
	return name
}

func (d *libvirtDomain) IsActive() (bool, error) {
	active, err := d.dom.IsActive()
	if err != nil {
		return false, fmt.Errorf("check active state: %w", err)
	}
	return active, nil
}

func (d *libvirtDomain) Create() error {
	if err := d.dom.Create(); err != nil {
		return fmt.Errorf("create domain: %w", err)
	}
	return nil
}

func (d *libvirtDomain) ShutdownACPI() error {
	if err := d.dom.ShutdownFlags(libvirt.DOMAIN_SHUTDOWN_ACPI_POWER_BTN); err != nil {
		return fmt.Errorf("shutdown domain: %w", err)
	}
	return nil
}

func (c *libvirtConn) ListAllDomains() ([]DomainHandle, error) {
	doms, err := c.conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE | libvirt.CONNECT_LIST_DOMAINS_INACTIVE)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	handles := make([]DomainHandle, 0, len(doms))
	for i := range doms {
		d := doms[i]
		handles = append(handles, &libvirtDomain{dom: &d})
	}
	return handles, nil
}

func (c *libvirtConn) LookupByName(name string) (DomainHandle, error) {
	dom, err := c.conn.LookupDomainByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup domain %q: %w", name, err)
	}
	return &libvirtDomain{dom: dom}, nil
}

func (c *libvirtConn) RegisterLifecycleCallback(cb LifecycleCallback) error {
	_, err := c.conn.DomainEventLifecycleRegister(nil, func(_ *libvirt.Connect, d *libvirt.Domain, ev *libvirt.DomainEventLifecycle) {
		name, nameErr := d.GetName()
		if nameErr != nil {
			return
		}
		cb(name, lifecycleEventFromLibvirt(ev.Event))
	})
	if err != nil {
		return fmt.Errorf("register lifecycle callback: %w", err)
	}
	return nil
}

func (c *libvirtConn) RegisterRebootCallback(cb RebootCallback) error {
	_, err := c.conn.DomainEventRebootRegister(nil, func(_ *libvirt.Connect, d *libvirt.Domain, _ *libvirt.DomainEventReboot) {
		name, nameErr := d.GetName()
		if nameErr != nil {
			return
		}
		cb(name)
	})
	if err != nil {
		return fmt.Errorf("register reboot callback: %w", err)
	}
	return nil
}

func lifecycleEventFromLibvirt(ev int) LifecycleEvent {
	switch libvirt.DomainEventType(ev) {
	case libvirt.DOMAIN_EVENT_STARTED, libvirt.DOMAIN_EVENT_RESUMED:
		return LifecycleStarted
	case libvirt.DOMAIN_EVENT_STOPPED, libvirt.DOMAIN_EVENT_SHUTDOWN:
		return LifecycleStopped
	default:
		return LifecycleOther
	}
}

// RunEventLoop pumps the default libvirt event implementation until ctx is
// canceled. The implementation has no native cancellation, so a canceled
// context only stops further iterations; the call already blocked in
// EventRunDefaultImpl returns control to us once it next wakes (practice,
// that is frequent — every registered timer/watch tick).
func (c *libvirtConn) RunEventLoop(ctx context.Context) error {
	if err := libvirt.EventRegisterDefaultImpl(); err != nil {
		return fmt.Errorf("register event implementation: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := libvirt.EventRunDefaultImpl(); err != nil {
			return fmt.Errorf("run event loop: %w", err)
		}
	}
}

func (c *libvirtConn) IsAlive() bool {
	alive, err := c.conn.IsAlive()
	return err == nil && alive
}

func (c *libvirtConn) Close() error {
	_, err := c.conn.Close()
	if err != nil {
		return fmt.Errorf("close hypervisor connection: %w", err)
	}
	return nil
}
