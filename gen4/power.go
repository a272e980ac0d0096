package gen4

import (
	"fmt"
	"time"
)

// deepSleepConfigured reports whether sleep means deep sleep rather
// than gesture wakeup. Callers hold d.mu.
func (d *Driver) deepSleepConfigured() bool {
	return d.gesture == gestureNone
}

// deepSleepWrite pushes the controller into deep sleep through the
// host mode register. Callers hold d.mu.
func (d *Driver) deepSleepWrite() error {
	var m [1]byte
	if err := d.bus.Read(regBase, m[:]); err != nil {
		return fmt.Errorf("gen4: deep sleep: %w", err)
	}
	if err := d.bus.Write(regBase, []byte{m[0] | hstSleep}); err != nil {
		return fmt.Errorf("gen4: deep sleep: %w", err)
	}
	return nil
}

// armEasyWakeup tells the controller to keep scanning for the wakeup
// gesture. The command completes only when the gesture happens, so the
// completion disposition is dropped right away. Callers hold d.mu.
func (d *Driver) armEasyWakeup() error {
	err := d.startCommand(ModeOperational, []byte{opCmdWaitForEvent, d.gesture})
	d.ints &^= intExecCmd
	return err
}

// Sleep suspends scanning. With an easy wakeup gesture configured the
// panel keeps watching for it; otherwise the controller enters deep
// sleep, and loses power entirely on platforms that cut it.
func (d *Driver) Sleep() error {
	tok := new(token)
	if err := d.RequestExclusive(tok, d.opts.ExclusiveTimeout); err != nil {
		return err
	}
	err := d.suspend()
	d.ReleaseExclusive(tok)
	// Let a scan pass already in flight drain before the bus goes
	// quiet.
	d.mu.Lock()
	refresh := d.refresh
	d.mu.Unlock()
	time.Sleep(2 * refresh)
	return err
}

func (d *Driver) suspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sleep != sleepOff {
		return nil
	}
	d.sleep = sleepGoing
	d.wdActive = false

	if d.mode != ModeOperational {
		// Deep sleep is only allowed in operational mode. When the
		// switch fails, the queued restart takes over and re-enters
		// sleep once the controller is back; the suspend itself
		// stands.
		if err := d.setMode(ModeOperational); err != nil {
			d.queueStartup()
			d.sleep = sleepOn
			d.ints |= intIgnore
			return nil
		}
	}
	var err error
	if d.deepSleepConfigured() {
		err = d.deepSleepWrite()
		if err == nil && d.opts.PowerOffOnSleep && d.opts.Power != nil {
			err = d.opts.Power(false)
		}
	} else {
		err = d.armEasyWakeup()
	}
	d.sleep = sleepOn
	d.ints |= intIgnore
	return err
}

// Wake resumes scanning. It blocks until any restart the wake path
// queued has settled, so callers can use the controller immediately.
func (d *Driver) Wake() error {
	tok := new(token)
	if err := d.RequestExclusive(tok, d.opts.ExclusiveTimeout); err != nil {
		return err
	}
	err := d.resume()
	d.ReleaseExclusive(tok)
	d.mu.Lock()
	d.wait(-1, func() bool { return d.startup == startupNone })
	d.mu.Unlock()
	return err
}

func (d *Driver) resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sleep != sleepOn {
		return nil
	}
	d.sleep = sleepWaking
	byDevice := d.wakeByDevice
	d.wakeByDevice = false
	d.ints &^= intIgnore

	var err error
	switch {
	case byDevice:
		// The gesture interrupt already brought the controller up;
		// give it one scan pass to settle.
		d.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		d.mu.Lock()
	case d.opts.PowerOffOnSleep && d.opts.Power != nil:
		err = d.powerOnResume()
	default:
		err = d.deviceWake()
	}
	d.sleep = sleepOff
	d.wdActive = true
	return err
}

// deviceWake brings the controller out of deep sleep with a wakeup
// read and waits for the awake interrupt. Callers hold d.mu.
func (d *Driver) deviceWake() error {
	d.ints |= intAwake
	var probe [2]byte
	if err := d.bus.Read(regBase, probe[:]); err != nil {
		// The first access after deep sleep may go unacknowledged.
		if err := d.bus.Read(regBase, probe[:]); err != nil {
			d.ints &^= intAwake
			return fmt.Errorf("gen4: wakeup read: %w", err)
		}
	}
	timeout := d.opts.WakeupTimeout
	if !d.deepSleepConfigured() {
		// Gesture-armed firmware takes longer to resume scanning.
		timeout *= 4
	}
	if err := d.wait(timeout, func() bool { return d.ints&intAwake == 0 }); err != nil {
		d.ints &^= intAwake
		var m [1]byte
		if rerr := d.bus.Read(regBase, m[:]); rerr != nil || m[0]&hstModeMask != hstOperate {
			d.queueStartup()
		}
		return fmt.Errorf("gen4: awake interrupt: %w", err)
	}
	return nil
}

// powerOnResume restores power and walks the controller from its
// bootloader back into operational mode. Callers hold d.mu.
func (d *Driver) powerOnResume() error {
	d.mode = ModeUnknown
	if err := d.opts.Power(true); err != nil {
		return fmt.Errorf("gen4: power on: %w", err)
	}
	if err := d.wait(d.opts.ResetTimeout, func() bool { return d.mode == ModeBootloader }); err != nil {
		d.queueStartup()
		return fmt.Errorf("gen4: bootloader heartbeat after power on: %w", err)
	}
	d.ints |= intModeChange
	if err := d.exitBootloader(); err != nil {
		d.queueStartup()
		return err
	}
	if err := d.wait(d.opts.SysinfoTimeout, func() bool { return d.mode == ModeSysinfo }); err != nil {
		d.ints &^= intModeChange
		d.queueStartup()
		return fmt.Errorf("gen4: sysinfo heartbeat after power on: %w", err)
	}
	if err := d.setMode(ModeOperational); err != nil {
		d.queueStartup()
		return err
	}
	return nil
}

// exitBootloader hands control to the touch application. The fast
// variant skips application validation, safe once a full validation
// pass has succeeded since power-on. Callers hold d.mu.
func (d *Driver) exitBootloader() error {
	cmd := ldrExitCmd
	if d.opts.PowerOffOnSleep && d.fastExit {
		cmd = ldrFastExit
	}
	if err := d.bus.Write(regBase, cmd); err != nil {
		return fmt.Errorf("gen4: bootloader exit: %w", err)
	}
	return nil
}
