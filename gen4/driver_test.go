package gen4

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"truetouch.dev/bus"
	"truetouch.dev/gen4/sysinfo"
)

func testOptions(irq <-chan struct{}) Options {
	return Options{
		IRQ:              irq,
		ResetTimeout:     200 * time.Millisecond,
		SysinfoTimeout:   200 * time.Millisecond,
		WatchdogInterval: time.Hour,
	}
}

func startDriver(t *testing.T) (*Driver, *Simulator) {
	t.Helper()
	sim := NewSimulator()
	d := New(sim, testOptions(sim.IRQ()))
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	return d, sim
}

func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !pred() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStartup(t *testing.T) {
	d, _ := startDriver(t)
	if got := d.Mode(); got != ModeOperational {
		t.Errorf("mode %v after startup", got)
	}
	si := d.SysInfo()
	if si == nil {
		t.Fatal("no sysinfo after startup")
	}
	if si.Panel.MaxX != 800 || si.Panel.MaxY != 480 {
		t.Errorf("panel %dx%d", si.Panel.MaxX, si.Panel.MaxY)
	}
	if si.TTConfig.Length != simCfgSize {
		t.Errorf("config length %d", si.TTConfig.Length)
	}
	if si.TTConfig.Version != 0x0102 {
		t.Errorf("config version 0x%04x", si.TTConfig.Version)
	}
}

// deadBus acks every transfer but never produces a heartbeat.
type deadBus struct {
	resets int
}

func (b *deadBus) Read(addr uint16, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (b *deadBus) Write(addr uint16, buf []byte) error {
	if addr == 0 && len(buf) == 1 && buf[0]&hstReset != 0 {
		b.resets++
	}
	return nil
}

func (b *deadBus) Close() error { return nil }

func TestStartupNoDevice(t *testing.T) {
	b := new(deadBus)
	opts := testOptions(make(chan struct{}))
	opts.ResetTimeout = 20 * time.Millisecond
	opts.SysinfoTimeout = 20 * time.Millisecond
	opts.ModeChangeTimeout = 20 * time.Millisecond
	opts.CommandTimeout = 20 * time.Millisecond
	d := New(b, opts)
	err := d.Start()
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("got %v, want ErrNoDevice", err)
	}
	if b.resets != startupRetries {
		t.Errorf("%d reset attempts, want %d", b.resets, startupRetries)
	}
	d.Stop()
}

func TestStartupCorruptApp(t *testing.T) {
	sim := NewSimulator()
	sim.SetCorruptApp(true)
	opts := testOptions(sim.IRQ())
	opts.SysinfoTimeout = 50 * time.Millisecond
	opts.ModeChangeTimeout = 50 * time.Millisecond
	d := New(sim, opts)
	before := sim.Resets()
	err := d.Start()
	if !errors.Is(err, ErrCorruptFirmware) {
		t.Fatalf("got %v, want ErrCorruptFirmware", err)
	}
	// Resets cannot clear the condition, so there are no retries.
	if got := sim.Resets(); got != before+1 {
		t.Errorf("%d reset attempts, want 1", got-before)
	}
	d.Stop()
}

func TestExclusive(t *testing.T) {
	d, _ := startDriver(t)
	if t1, t2 := any(new(token)), any(new(token)); t1 == t2 {
		t.Fatal("fresh owner tokens compare equal")
	}
	a, b := new(token), new(token)
	if err := d.RequestExclusive(a, -1); err != nil {
		t.Fatal(err)
	}
	if err := d.RequestExclusive(b, 0); !errors.Is(err, ErrExclusiveBusy) {
		t.Errorf("zero timeout got %v, want ErrExclusiveBusy", err)
	}
	if err := d.RequestExclusive(b, 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("bounded wait got %v, want ErrTimeout", err)
	}
	if err := d.ReleaseExclusive(b); !errors.Is(err, ErrNotOwner) {
		t.Errorf("foreign release got %v, want ErrNotOwner", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- d.RequestExclusive(b, time.Second)
	}()
	time.Sleep(5 * time.Millisecond)
	if err := d.ReleaseExclusive(a); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("waiter: %v", err)
	}
	d.ReleaseExclusive(b)
}

// faultBus injects transport failures in front of a working
// simulator.
type faultBus struct {
	inner bus.Bus

	mu              sync.Mutex
	dead            bool
	modeChangeFails int
}

func (f *faultBus) kill() {
	f.mu.Lock()
	f.dead = true
	f.mu.Unlock()
}

func (f *faultBus) failModeChanges(n int) {
	f.mu.Lock()
	f.modeChangeFails = n
	f.mu.Unlock()
}

func (f *faultBus) Read(addr uint16, buf []byte) error {
	f.mu.Lock()
	dead := f.dead
	f.mu.Unlock()
	if dead {
		return errors.New("bus gone")
	}
	return f.inner.Read(addr, buf)
}

func (f *faultBus) Write(addr uint16, buf []byte) error {
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return errors.New("bus gone")
	}
	if f.modeChangeFails > 0 && addr == regBase && len(buf) == 1 && buf[0]&hstModeChange != 0 {
		f.modeChangeFails--
		f.mu.Unlock()
		return errors.New("mode change dropped")
	}
	f.mu.Unlock()
	return f.inner.Write(addr, buf)
}

func (f *faultBus) Close() error { return f.inner.Close() }

func TestResetInvalidatesSysinfo(t *testing.T) {
	d, _ := startDriver(t)
	if d.SysInfo() == nil {
		t.Fatal("no sysinfo after startup")
	}
	if err := d.RequestReset(); err != nil {
		t.Fatal(err)
	}
	if d.SysInfo() != nil {
		t.Error("stale sysinfo served after reset")
	}
	if err := d.RequestRestart(true); err != nil {
		t.Fatal(err)
	}
	if d.SysInfo() == nil {
		t.Error("no sysinfo after restart")
	}
}

func TestRestartDeviceVanished(t *testing.T) {
	sim := NewSimulator()
	fb := &faultBus{inner: sim}
	opts := testOptions(sim.IRQ())
	opts.ResetTimeout = 20 * time.Millisecond
	opts.SysinfoTimeout = 20 * time.Millisecond
	d := New(fb, opts)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()
	// A device that answered once but is gone now still reports as
	// missing, not as a timeout.
	fb.kill()
	if err := d.RequestRestart(true); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("got %v, want ErrNoDevice", err)
	}
}

func TestRestartValidatingExit(t *testing.T) {
	sim := NewSimulator()
	opts := testOptions(sim.IRQ())
	opts.PowerOffOnSleep = true
	opts.Power = func(on bool) error {
		if on {
			sim.EnterBootloader()
		}
		return nil
	}
	d := New(sim, opts)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()
	if err := d.Sleep(); err != nil {
		t.Fatal(err)
	}
	if err := d.Wake(); err != nil {
		t.Fatal(err)
	}
	if !sim.LastExitFast() {
		t.Fatal("power-on resume skipped the fast bootloader exit")
	}
	// An explicit restart validates the application again.
	if err := d.RequestRestart(true); err != nil {
		t.Fatal(err)
	}
	if sim.LastExitFast() {
		t.Error("explicit restart reused the fast bootloader exit")
	}
}

func TestNotReadyBeforeStartup(t *testing.T) {
	sim := NewSimulator()
	d := New(sim, testOptions(sim.IRQ()))
	if _, err := d.ConfigVersionInfo(); !errors.Is(err, ErrNoDevice) {
		t.Errorf("got %v, want ErrNoDevice", err)
	}
}

func TestCRC16(t *testing.T) {
	if got := crc16([]byte("123456789")); got != 0x29b1 {
		t.Errorf("crc 0x%04x, want 0x29b1", got)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	d, sim := startDriver(t)
	data := make([]byte, 50)
	for i := range data {
		data[i] = byte(0xc0 + i)
	}
	if err := d.WriteConfig(BlockTouchParams, 16, data); err != nil {
		t.Fatal(err)
	}
	cfg, err := d.ReadConfig(BlockTouchParams)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cfg[16:66], data) {
		t.Error("read back mismatch")
	}
	_, _, match, err := d.VerifyConfigCRC(BlockTouchParams)
	if err != nil {
		t.Fatal(err)
	}
	if !match {
		t.Error("crc mismatch after write")
	}
	if !bytes.Equal(cfg, sim.Config()) {
		t.Error("driver and controller views differ")
	}
	if d.Mode() != ModeOperational {
		t.Errorf("mode %v after config ops", d.Mode())
	}
}

// Writes split at different transfer caps must land identically.
func TestConfigWriteTransferCaps(t *testing.T) {
	data := make([]byte, 70)
	for i := range data {
		data[i] = byte(i ^ 0x55)
	}
	var want []byte
	for _, max := range []int{64, 128, 256} {
		sim := NewSimulator()
		opts := testOptions(sim.IRQ())
		opts.MaxTransfer = max
		d := New(sim, opts)
		if err := d.Start(); err != nil {
			t.Fatalf("max %d: start: %v", max, err)
		}
		if err := d.WriteConfig(BlockTouchParams, 8, data); err != nil {
			t.Fatalf("max %d: write: %v", max, err)
		}
		got := sim.Config()
		if want == nil {
			want = got
		} else if !bytes.Equal(got, want) {
			t.Errorf("max %d: stored config differs", max)
		}
		d.Stop()
	}
}

func TestGetSetParam(t *testing.T) {
	d, _ := startDriver(t)
	if err := d.SetParam(0x1b, 1, 0x5a); err != nil {
		t.Fatal(err)
	}
	v, err := d.GetParam(0x1b)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x5a {
		t.Errorf("got 0x%02x, want 0x5a", v)
	}
	if _, err := d.GetParam(0x7e); err == nil {
		t.Error("expected error for unknown parameter")
	}
}

func TestScanTypes(t *testing.T) {
	sim := NewSimulator()
	opts := testOptions(sim.IRQ())
	opts.ScanModeUsesRAMScanType = true
	d := New(sim, opts)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()
	if err := d.EnableScanType(ScanGlove); err != nil {
		t.Fatal(err)
	}
	v, err := d.GetParam(RAMIDScanType)
	if err != nil {
		t.Fatal(err)
	}
	if ScanType(v)&ScanGlove == 0 {
		t.Errorf("scan type 0x%02x misses glove bit", v)
	}
	// Nested enables only clear on the last disable.
	if err := d.EnableScanType(ScanGlove); err != nil {
		t.Fatal(err)
	}
	if err := d.DisableScanType(ScanGlove); err != nil {
		t.Fatal(err)
	}
	v, _ = d.GetParam(RAMIDScanType)
	if ScanType(v)&ScanGlove == 0 {
		t.Error("glove bit dropped while still enabled once")
	}
	if err := d.DisableScanType(ScanGlove); err != nil {
		t.Fatal(err)
	}
	v, _ = d.GetParam(RAMIDScanType)
	if ScanType(v)&ScanGlove != 0 {
		t.Error("glove bit still set after last disable")
	}
	if err := d.DisableScanType(ScanGlove); err == nil {
		t.Error("expected error for unbalanced disable")
	}
}

func TestCommandBusy(t *testing.T) {
	sim := NewSimulator()
	opts := testOptions(sim.IRQ())
	opts.CommandTimeout = 30 * time.Millisecond
	d := New(sim, opts)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()
	// Wait-for-event never completes without the gesture, so it jams
	// the engine.
	err := d.ExecCommand(ModeOperational, []byte{opCmdWaitForEvent, 0x01}, nil, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("jam got %v, want ErrTimeout", err)
	}
	// The next command finds the engine busy, waits it out once and
	// still times out.
	_, err = d.GetParam(RAMIDTouchMode)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("busy got %v, want ErrTimeout", err)
	}
	// The gesture frees the engine again.
	sim.Gesture()
	waitFor(t, "engine idle", func() bool {
		_, err := d.GetParam(RAMIDTouchMode)
		return err == nil
	})
}

func TestCalibrate(t *testing.T) {
	d, _ := startDriver(t)
	if err := d.Calibrate(); err != nil {
		t.Fatal(err)
	}
	if d.Mode() != ModeOperational {
		t.Errorf("mode %v after calibrate", d.Mode())
	}
}

func TestScanPanel(t *testing.T) {
	d, sim := startDriver(t)
	ps, err := d.ScanPanel(16, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ps.Elements != 16 || ps.ElementSize != 2 {
		t.Fatalf("got %d elements of %d bytes", ps.Elements, ps.ElementSize)
	}
	if !bytes.Equal(ps.Data, sim.panel) {
		t.Error("panel data mismatch")
	}
}

func TestTouchReport(t *testing.T) {
	d, sim := startDriver(t)
	frames := make(chan [sysinfo.NumAxes]int, 4)
	d.Subscribe(AttnIRQ, 1, ModeOperational, func(Mode) {
		si := d.si
		n := int(si.XYMode[si.OpCfg.TTStatOfs] & numTouchMask)
		for i := 0; i < n; i++ {
			frames <- si.RecordAxes(i)
		}
	})
	rec1 := []byte{0x00, 0x64, 0x00, 0xc8, 0x30, 0, 0, 5}
	rec2 := []byte{0x01, 0x2c, 0x00, 0x32, 0x40, 1 | 1<<5, 0, 6}
	sim.Touch(rec1, rec2)

	want := [][3]int{{100, 200, 0}, {300, 50, 1}}
	for i := 0; i < 2; i++ {
		select {
		case axes := <-frames:
			if axes[sysinfo.AxisX] != want[i][0] ||
				axes[sysinfo.AxisY] != want[i][1] ||
				axes[sysinfo.AxisID] != want[i][2] {
				t.Errorf("record %d: x=%d y=%d id=%d", i,
					axes[sysinfo.AxisX], axes[sysinfo.AxisY], axes[sysinfo.AxisID])
			}
		case <-time.After(time.Second):
			t.Fatal("no touch report")
		}
	}
}

func TestBadReportSkipsAttention(t *testing.T) {
	d, sim := startDriver(t)
	got := make(chan struct{}, 4)
	d.Subscribe(AttnIRQ, 1, ModeOperational, func(Mode) { got <- struct{}{} })
	// A zero-length report claiming one touch fails capture; the edge
	// must not reach subscribers.
	sim.mu.Lock()
	sim.opWin[simRepOfs] = 0
	sim.opWin[simTTStatOfs] = 1
	sim.mu.Unlock()
	sim.pulse()
	select {
	case <-got:
		t.Fatal("attention fired on a failed report capture")
	case <-time.After(50 * time.Millisecond):
	}
	sim.Touch([]byte{0x00, 0x10, 0x00, 0x10, 0x01, 0, 0, 1})
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("no attention for a clean report")
	}
}

func TestSleepModeFailure(t *testing.T) {
	sim := NewSimulator()
	fb := &faultBus{inner: sim}
	opts := testOptions(sim.IRQ())
	opts.ResetTimeout = 50 * time.Millisecond
	opts.ModeChangeTimeout = 50 * time.Millisecond
	d := New(fb, opts)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()
	if err := d.SetMode(ModeCAT); err != nil {
		t.Fatal(err)
	}
	before := sim.Resets()
	fb.failModeChanges(1)
	// The pre-sleep switch to operational mode fails; the suspend
	// still counts and recovery is handed to a restart.
	if err := d.Sleep(); err != nil {
		t.Fatalf("sleep got %v, want nil", err)
	}
	waitFor(t, "recovery restart", func() bool { return sim.Resets() > before })
}

func TestSleepWake(t *testing.T) {
	d, sim := startDriver(t)
	if err := d.Sleep(); err != nil {
		t.Fatal(err)
	}
	if !sim.Sleeping() {
		t.Error("controller not in deep sleep")
	}
	// Sleeping twice is a no-op.
	if err := d.Sleep(); err != nil {
		t.Fatal(err)
	}
	if err := d.Wake(); err != nil {
		t.Fatal(err)
	}
	if sim.Sleeping() {
		t.Error("controller still asleep after wake")
	}
	if d.Mode() != ModeOperational {
		t.Errorf("mode %v after wake", d.Mode())
	}
	if _, err := d.GetParam(RAMIDRefreshInterval); err != nil {
		t.Errorf("command after wake: %v", err)
	}
}

func TestBootloaderDropRecovery(t *testing.T) {
	d, sim := startDriver(t)
	before := sim.Resets()
	sim.EnterBootloader()
	waitFor(t, "restart", func() bool {
		return sim.Resets() > before && d.Mode() == ModeOperational
	})
}

func TestWatchdogRecovery(t *testing.T) {
	sim := NewSimulator()
	opts := testOptions(sim.IRQ())
	opts.WatchdogInterval = 20 * time.Millisecond
	d := New(sim, opts)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()
	before := sim.Resets()
	sim.EnterBootloaderQuiet()
	waitFor(t, "watchdog restart", func() bool {
		return sim.Resets() > before && d.Mode() == ModeOperational
	})
}
