package gen4

import (
	"bytes"
	"errors"
	"fmt"

	"truetouch.dev/gen4/sysinfo"
)

// queueStartup schedules a restart unless one is already queued or
// running. Triggers during a restart are dropped; the sequence ends in
// a known good state either way. Callers hold d.mu.
func (d *Driver) queueStartup() {
	if d.startup != startupNone {
		return
	}
	d.startup = startupQueued
	select {
	case d.startupCh <- struct{}{}:
	default:
	}
}

// RequestRestart queues a controller restart. With wait set it blocks
// until the restart ran and returns its result. An explicit restart
// goes back to the validating bootloader exit; the firmware image may
// have changed since the last validation pass.
func (d *Driver) RequestRestart(wait bool) error {
	d.mu.Lock()
	d.fastExit = false
	d.queueStartup()
	if !wait {
		d.mu.Unlock()
		return nil
	}
	d.wait(-1, func() bool { return d.startup == startupNone })
	err := d.startupResult
	d.mu.Unlock()
	return err
}

func (d *Driver) startupWorker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case <-d.startupCh:
		}
		d.doStartup()
	}
}

func (d *Driver) doStartup() {
	d.mu.Lock()
	d.startup = startupRunning
	d.wdActive = false
	d.mu.Unlock()

	d.RequestExclusive(d.startupToken, -1)
	err := d.startupAttempts()
	d.ReleaseExclusive(d.startupToken)

	d.mu.Lock()
	d.startupResult = err
	d.startup = startupNone
	d.broadcast()
	d.mu.Unlock()
}

func (d *Driver) startupAttempts() error {
	var err error
	var detected bool
	for try := 0; try < startupRetries; try++ {
		if err = d.startupAttempt(&detected); err == nil {
			break
		}
		// A corrupted application survives any number of resets; the
		// bootloader stays resident until new firmware is loaded.
		if errors.Is(err, ErrCorruptFirmware) {
			break
		}
	}
	if !detected {
		return ErrNoDevice
	}
	return err
}

// startupAttempt walks the controller from reset to a running
// operational mode: bootloader heartbeat, application handoff, system
// information capture, then mode, scan and configuration setup. It
// sets detected once the bootloader answered.
func (d *Driver) startupAttempt(detected *bool) error {
	if err := d.resetAndWait(); err != nil {
		return err
	}

	d.mu.Lock()
	*detected = true
	d.ints &^= intIgnore
	d.ints |= intModeChange
	err := d.exitBootloader()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.mu.Lock()
	err = d.wait(d.opts.SysinfoTimeout, func() bool { return d.mode == ModeSysinfo })
	if err != nil {
		d.ints &^= intModeChange
		sig := make([]byte, 1+len(ldrErrApp))
		rerr := d.bus.Read(regBase, sig)
		d.mu.Unlock()
		if rerr == nil && bytes.Equal(sig[1:], ldrErrApp) {
			d.mu.Lock()
			d.invalidApp = true
			d.mu.Unlock()
			return ErrCorruptFirmware
		}
		return fmt.Errorf("gen4: sysinfo heartbeat: %w", err)
	}
	d.invalidApp = false
	err = d.readSysinfo()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if err := d.SetMode(ModeOperational); err != nil {
		return err
	}
	if err := d.applyScanTypes(); err != nil {
		return err
	}
	if err := d.readTTConfigInfo(); err != nil {
		return err
	}
	// The refresh interval only tunes sleep timing; a firmware
	// without the parameter is fine.
	d.readRefreshInterval()

	d.dispatchAttention(AttnStartup, ModeOperational)

	d.mu.Lock()
	d.fastExit = true
	resleep := d.sleep == sleepOn
	if resleep {
		d.sleep = sleepOff
	} else {
		d.wdActive = true
	}
	d.mu.Unlock()
	if resleep {
		return d.suspend()
	}
	return nil
}

// readSysinfo parses the system information map and acknowledges the
// capture with a final handshake. Callers hold d.mu.
func (d *Driver) readSysinfo() error {
	si, err := sysinfo.Read(func(ofs uint16, buf []byte) error {
		return d.bus.Read(ofs, buf)
	})
	if err != nil {
		return err
	}
	d.si = si
	d.siReady = true
	if si.VersionAtLeast(2, 5) {
		d.gesture = d.opts.EasyWakeupGesture
	} else {
		d.gesture = gestureNone
	}
	d.broadcast()
	d.handshake(si.HstMode)
	return nil
}

// readTTConfigInfo collects version, length and CRC of the stored
// touch parameter table into the system information.
func (d *Driver) readTTConfigInfo() error {
	if err := d.SetMode(ModeCAT); err != nil {
		return err
	}
	version, err := d.configVersion(BlockTouchParams)
	if err != nil {
		return err
	}
	length, maxLength, err := d.configLength(BlockTouchParams)
	if err != nil {
		return err
	}
	if err := d.SetMode(ModeOperational); err != nil {
		return err
	}
	crc, err := d.ConfigBlockCRC(BlockTouchParams)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.si.TTConfig = sysinfo.TTConfig{
		Version:   version,
		Length:    uint16(length),
		MaxLength: uint16(maxLength),
		CRC:       crc,
	}
	d.mu.Unlock()
	return nil
}
