package gen4

import "time"

// token is an owner identity for exclusive access. It carries a field
// so that every allocation has a distinct address; zero-size values
// may share one and would compare equal as interface values.
type token struct{ _ byte }

// RequestExclusive claims the controller for owner. Internal users,
// the startup sequence and the watchdog among them, claim with their
// own tokens so that external access stays fenced out.
//
// A negative timeout waits indefinitely. A zero timeout fails
// immediately with ErrExclusiveBusy when the controller is claimed or
// contended; the watchdog probes this way so that it never delays real
// work.
func (d *Driver) RequestExclusive(owner any, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner == owner {
		return ErrExclusiveBusy
	}
	if d.owner == nil && d.waiters == 0 {
		d.owner = owner
		return nil
	}
	if timeout == 0 {
		return ErrExclusiveBusy
	}
	d.waiters++
	defer func() { d.waiters-- }()
	if err := d.wait(timeout, func() bool { return d.owner == nil }); err != nil {
		return err
	}
	d.owner = owner
	return nil
}

// ReleaseExclusive gives the claim up and wakes any waiters.
func (d *Driver) ReleaseExclusive(owner any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner != owner {
		return ErrNotOwner
	}
	d.owner = nil
	d.broadcast()
	return nil
}
