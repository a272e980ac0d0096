package gen4

import "time"

func (d *Driver) watchdogLoop() {
	defer d.wg.Done()
	t := time.NewTimer(d.opts.WatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-d.quit:
			return
		case <-t.C:
		}
		d.watchdogProbe()
		t.Reset(d.opts.WatchdogInterval)
	}
}

// watchdogProbe checks that the controller still runs its application.
// The probe claims the controller with a zero timeout so that it never
// delays foreground work; a contended probe just waits for the next
// tick.
func (d *Driver) watchdogProbe() {
	d.mu.Lock()
	active := d.wdActive
	d.mu.Unlock()
	if !active {
		return
	}
	if err := d.RequestExclusive(d.wdToken, 0); err != nil {
		return
	}
	var m [2]byte
	err := d.bus.Read(regBase, m[:])
	d.ReleaseExclusive(d.wdToken)

	d.mu.Lock()
	if err != nil || bootloaderRunning(m[0], m[1]) {
		d.queueStartup()
	}
	d.mu.Unlock()
}
