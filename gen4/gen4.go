// Package gen4 drives the control plane of Cypress TrueTouch Gen4
// (TMA4xx) capacitive touch controllers. The controller multiplexes a
// single register window across several device modes; this package
// tracks the active mode, services the interrupt line, runs the
// command engine, and manages configuration, calibration and power
// transitions.
package gen4

import (
	"fmt"
	"sync"
	"time"

	"truetouch.dev/bus"
	"truetouch.dev/gen4/sysinfo"
)

// Mode identifies a device mode. The values form a bitmask so that
// attention subscriptions can filter on several modes at once.
type Mode int

const (
	ModeUnknown     Mode = 0
	ModeBootloader  Mode = 1 << 0
	ModeOperational Mode = 1 << 1
	ModeSysinfo     Mode = 1 << 2
	ModeCAT         Mode = 1 << 3
)

func (m Mode) String() string {
	switch m {
	case ModeBootloader:
		return "bootloader"
	case ModeOperational:
		return "operational"
	case ModeSysinfo:
		return "sysinfo"
	case ModeCAT:
		return "cat"
	}
	return "unknown"
}

type sleepState int

const (
	sleepOff sleepState = iota
	sleepGoing
	sleepOn
	sleepWaking
)

type startupState int

const (
	startupNone startupState = iota
	startupQueued
	startupRunning
)

// intStatus tracks which interrupt dispositions are armed. The
// interrupt service routine consumes these to route each edge.
type intStatus int

const (
	intIgnore intStatus = 1 << iota
	intModeChange
	intExecCmd
	intAwake
)

// Options configures a Driver. The zero value of every timeout selects
// a default; transports and platform hooks are optional except IRQ.
type Options struct {
	// IRQ delivers one value per falling edge of the interrupt line.
	IRQ <-chan struct{}

	// HardReset toggles the XRES line when the platform wires it. With
	// no hook the driver falls back to a soft reset register write.
	HardReset func() error

	// Power switches the controller supply, when switchable.
	Power func(on bool) error

	// PowerOffOnSleep removes power instead of relying on deep sleep.
	PowerOffOnSleep bool

	// EasyWakeupGesture keeps the panel scanning for the given gesture
	// during sleep. 0xff (or zero) selects plain deep sleep.
	EasyWakeupGesture byte

	// ScanModeUsesRAMScanType selects the RAM scan type register for
	// proximity control instead of the touch mode parameter bit.
	ScanModeUsesRAMScanType bool

	// MaxTransfer caps a single bus transfer. Zero picks the
	// transport's own limit, or a page.
	MaxTransfer int

	ResetTimeout      time.Duration
	SysinfoTimeout    time.Duration
	ModeChangeTimeout time.Duration
	CommandTimeout    time.Duration
	CalibrateTimeout  time.Duration
	ExclusiveTimeout  time.Duration
	WakeupTimeout     time.Duration
	WatchdogInterval  time.Duration
}

func (o *Options) setDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&o.ResetTimeout, 500*time.Millisecond)
	def(&o.SysinfoTimeout, 2*time.Second)
	def(&o.ModeChangeTimeout, time.Second)
	def(&o.CommandTimeout, 500*time.Millisecond)
	def(&o.CalibrateTimeout, 5*time.Second)
	def(&o.ExclusiveTimeout, 4*time.Second)
	def(&o.WakeupTimeout, 500*time.Millisecond)
	def(&o.WatchdogInterval, time.Second)
	if o.EasyWakeupGesture == 0 {
		o.EasyWakeupGesture = gestureNone
	}
}

// Driver is the control plane for one controller. Create it with New,
// bring the controller up with Start, and shut down with Stop.
type Driver struct {
	bus  bus.Bus
	opts Options

	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once

	startupCh chan struct{}

	attnMu sync.Mutex
	attn   [numAttn][]*attention

	// mu guards all state below. gen is closed and replaced on every
	// broadcast; waiters block on the channel they sampled.
	mu  sync.Mutex
	gen chan struct{}

	mode    Mode
	ints    intStatus
	sleep   sleepState
	startup startupState

	owner   any
	waiters int

	si      *sysinfo.SysInfo
	siReady bool

	invalidApp   bool
	fastExit     bool
	cmdToggle    bool
	heartbeats   int
	wakeByDevice bool
	wdActive     bool

	gesture byte
	refresh time.Duration

	scanCounts map[ScanType]int

	startupResult error

	wdToken, startupToken *token
}

// New wraps the transport in a Driver. The controller is untouched
// until Start runs.
func New(b bus.Bus, opts Options) *Driver {
	opts.setDefaults()
	max := opts.MaxTransfer
	if max == 0 {
		if mt, ok := b.(interface{ MaxTransfer() int }); ok {
			max = mt.MaxTransfer()
		} else {
			max = bus.DefaultMaxTransfer
		}
	}
	d := &Driver{
		bus:          &bus.Chunked{Bus: b, Max: max},
		opts:         opts,
		quit:         make(chan struct{}),
		startupCh:    make(chan struct{}, 1),
		gen:          make(chan struct{}),
		ints:         intIgnore,
		gesture:      gestureNone,
		refresh:      20 * time.Millisecond,
		scanCounts:   make(map[ScanType]int),
		wdToken:      new(token),
		startupToken: new(token),
	}
	return d
}

// Start launches the service goroutines and brings the controller out
// of its bootloader. It returns ErrNoDevice when nothing answers.
func (d *Driver) Start() error {
	d.wg.Add(3)
	go d.irqLoop()
	go d.startupWorker()
	go d.watchdogLoop()
	return d.RequestRestart(true)
}

// Stop puts the controller to sleep and shuts the service goroutines
// down.
func (d *Driver) Stop() error {
	err := d.Sleep()
	d.stopOnce.Do(func() { close(d.quit) })
	d.wg.Wait()
	return err
}

// Mode reports the current device mode.
func (d *Driver) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SysInfo returns the parsed system information map, or nil before the
// first successful startup.
func (d *Driver) SysInfo() *sysinfo.SysInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.siReady {
		return nil
	}
	return d.si
}

// TouchRecord returns a copy of touch record i from the last captured
// report, or nil before the first startup.
func (d *Driver) TouchRecord(i int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.siReady || i < 0 || i >= d.si.OpCfg.MaxTouches {
		return nil
	}
	rec := d.si.TouchRecord(i)
	out := make([]byte, len(rec))
	copy(out, rec)
	return out
}

// ConfigVersionInfo reports the stored parameter table metadata
// gathered during startup.
func (d *Driver) ConfigVersionInfo() (sysinfo.TTConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.siReady {
		return sysinfo.TTConfig{}, ErrNotReady
	}
	return d.si.TTConfig, nil
}

// RequestReset resets the controller and waits for its bootloader to
// come up. The application is not restarted; callers follow up with
// RequestRestart or drive the bootloader themselves.
func (d *Driver) RequestReset() error {
	return d.resetAndWait()
}

// broadcast wakes every condition waiter. Callers hold d.mu.
func (d *Driver) broadcast() {
	close(d.gen)
	d.gen = make(chan struct{})
}

// wait blocks until pred holds or the timeout expires. A negative
// timeout waits indefinitely. Callers hold d.mu; the lock is dropped
// while blocked and held again on return.
func (d *Driver) wait(timeout time.Duration, pred func() bool) error {
	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for !pred() {
		gen := d.gen
		d.mu.Unlock()
		select {
		case <-gen:
			d.mu.Lock()
		case <-deadline:
			d.mu.Lock()
			if pred() {
				return nil
			}
			return ErrTimeout
		}
	}
	return nil
}

// Read copies controller registers, refusing unless the controller is
// in the given mode.
func (d *Driver) Read(mode Mode, addr uint16, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != mode {
		return fmt.Errorf("%w: in %v, need %v", ErrWrongMode, d.mode, mode)
	}
	return d.bus.Read(addr, buf)
}

// Write stores controller registers, refusing unless the controller is
// in the given mode.
func (d *Driver) Write(mode Mode, addr uint16, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != mode {
		return fmt.Errorf("%w: in %v, need %v", ErrWrongMode, d.mode, mode)
	}
	return d.bus.Write(addr, buf)
}

// handshake acknowledges an interrupt by flipping the toggle bit of
// the host mode register. A pending mode change carries its own
// acknowledge, so the toggle is skipped. Callers hold d.mu.
func (d *Driver) handshake(hstMode byte) {
	if hstMode&hstModeChange != 0 {
		return
	}
	d.bus.Write(regBase, []byte{hstMode ^ hstToggle})
}

// hwReset asserts XRES when the platform provides it, otherwise pokes
// the soft reset bit. Callers hold d.mu.
func (d *Driver) hwReset() error {
	if d.opts.HardReset != nil {
		return d.opts.HardReset()
	}
	return d.bus.Write(regBase, []byte{hstReset})
}

// resetAndWait resets the controller and waits for the bootloader
// heartbeat interrupt. The parsed system information describes the
// firmware that just went away, so it is marked stale along with any
// armed dispositions.
func (d *Driver) resetAndWait() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = ModeUnknown
	d.siReady = false
	d.ints = intIgnore
	if err := d.hwReset(); err != nil {
		return fmt.Errorf("gen4: reset: %w", err)
	}
	if err := d.wait(d.opts.ResetTimeout, func() bool { return d.mode == ModeBootloader }); err != nil {
		return fmt.Errorf("gen4: bootloader heartbeat: %w", err)
	}
	return nil
}

// setMode switches the device mode and waits for the controller to
// acknowledge through the interrupt line. Callers hold d.mu.
func (d *Driver) setMode(m Mode) error {
	var bits byte
	switch m {
	case ModeOperational:
		bits = hstOperate
	case ModeSysinfo:
		bits = hstSysinfo
	case ModeCAT:
		bits = hstCAT
	default:
		return fmt.Errorf("%w: cannot request %v", ErrWrongMode, m)
	}
	var cur [1]byte
	if err := d.bus.Read(regBase, cur[:]); err != nil {
		return fmt.Errorf("gen4: set mode: %w", err)
	}
	next := cur[0]&^hstModeMask | bits | hstModeChange
	d.ints |= intModeChange
	if err := d.bus.Write(regBase, []byte{next}); err != nil {
		d.ints &^= intModeChange
		return fmt.Errorf("gen4: set mode: %w", err)
	}
	if err := d.wait(d.opts.ModeChangeTimeout, func() bool { return d.ints&intModeChange == 0 }); err != nil {
		d.ints &^= intModeChange
		return fmt.Errorf("gen4: mode change to %v: %w", m, err)
	}
	return nil
}

// SetMode requests a device mode switch. Callers coordinating several
// operations should hold exclusive access around it.
func (d *Driver) SetMode(m Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setMode(m)
}
