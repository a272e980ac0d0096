// Package mt turns the raw touch reports a gen4.Driver captures into
// tracked contact frames, the shape an input stack wants: decoded
// coordinates with panel origin applied, liftoffs resolved against the
// previous frame, and bad reports dropped.
package mt

import (
	"truetouch.dev/gen4"
	"truetouch.dev/gen4/sysinfo"
)

// Touch record event codes.
const (
	EventNone = iota
	EventTouchdown
	EventMove
	EventLiftoff
)

// Report status bits.
const (
	repStatBadPacket = 0x20
	ttStatLargeArea  = 0x20
	ttStatNumMask    = 0x1f
)

const attentionID = 2

// Contact is one decoded touch record.
type Contact struct {
	ID          int
	Event       int
	X, Y        int
	Pressure    int
	Width       int
	Major       int
	Minor       int
	Orientation int
	Object      int
}

// Frame is one report cycle. Released lists tracking IDs present in
// the previous frame but gone from this one.
type Frame struct {
	Contacts []Contact
	Released []int

	// LargeArea is set when the panel reports a palm-sized blob.
	LargeArea bool
	// Reset marks the lift-all frame emitted after a controller
	// restart.
	Reset bool
	// Wake marks the empty frame emitted when the controller woke the
	// host with a gesture.
	Wake bool
}

// Handler receives frames on the driver's service goroutines. It must
// not call back into the driver.
type Handler func(Frame)

// Options describes how the panel is mounted relative to the display.
// The flip runs before the inversions, so an inversion applies to the
// swapped axis range.
type Options struct {
	// FlipXY swaps the X and Y axes.
	FlipXY bool
	// InvertX and InvertY mirror the respective axis.
	InvertX bool
	InvertY bool
}

// Reporter subscribes to a driver's attention events and feeds decoded
// frames to its handler.
type Reporter struct {
	drv  *gen4.Driver
	opts Options
	h    Handler

	si     *sysinfo.SysInfo
	active map[int]bool
}

func New(d *gen4.Driver, opts Options, h Handler) *Reporter {
	return &Reporter{
		drv:    d,
		opts:   opts,
		h:      h,
		active: make(map[int]bool),
	}
}

// Attach starts frame delivery. Call it before the driver starts so
// that the first startup is observed; attaching later works once the
// next restart runs.
func (r *Reporter) Attach() {
	r.drv.Subscribe(gen4.AttnStartup, attentionID, 0, r.startup)
	r.drv.Subscribe(gen4.AttnIRQ, attentionID, gen4.ModeOperational, r.irq)
	r.drv.Subscribe(gen4.AttnWake, attentionID, 0, r.wake)
}

// Detach stops frame delivery.
func (r *Reporter) Detach() {
	r.drv.Unsubscribe(gen4.AttnIRQ, attentionID)
	r.drv.Unsubscribe(gen4.AttnStartup, attentionID)
	r.drv.Unsubscribe(gen4.AttnWake, attentionID)
}

// startup runs after every completed controller restart. Contacts
// tracked across the restart are gone for good, so they lift here.
func (r *Reporter) startup(gen4.Mode) {
	r.si = r.drv.SysInfo()
	frame := Frame{Reset: true}
	for id := range r.active {
		frame.Released = append(frame.Released, id)
	}
	r.active = make(map[int]bool)
	r.h(frame)
}

func (r *Reporter) wake(gen4.Mode) {
	r.h(Frame{Wake: true})
}

func (r *Reporter) irq(gen4.Mode) {
	si := r.si
	if si == nil {
		return
	}
	o := &si.OpCfg
	repStat := si.XYMode[o.RepOfs+1]
	if repStat&repStatBadPacket != 0 {
		return
	}
	ttStat := si.XYMode[o.TTStatOfs]
	num := int(ttStat & ttStatNumMask)
	if num > o.MaxTouches {
		num = o.MaxTouches
	}

	frame := Frame{LargeArea: ttStat&ttStatLargeArea != 0}
	if frame.LargeArea {
		// A palm-sized blob is not usable touch data; suppress the
		// records and lift whatever was down.
		num = 0
	}
	seen := make(map[int]bool, num)
	for i := 0; i < num; i++ {
		axes := si.RecordAxes(i)
		id := axes[sysinfo.AxisID]
		if axes[sysinfo.AxisEvent] == EventLiftoff {
			continue
		}
		seen[id] = true
		frame.Contacts = append(frame.Contacts, decode(si, r.opts, axes))
	}
	for id := range r.active {
		if !seen[id] {
			frame.Released = append(frame.Released, id)
		}
	}
	r.active = seen
	r.h(frame)
}

// decode applies the panel origin and the mounting orientation so
// that coordinates always grow from the display's upper left corner.
func decode(si *sysinfo.SysInfo, opts Options, axes [sysinfo.NumAxes]int) Contact {
	c := Contact{
		ID:          axes[sysinfo.AxisID],
		Event:       axes[sysinfo.AxisEvent],
		X:           axes[sysinfo.AxisX],
		Y:           axes[sysinfo.AxisY],
		Pressure:    axes[sysinfo.AxisP],
		Width:       axes[sysinfo.AxisW],
		Major:       axes[sysinfo.AxisMajor],
		Minor:       axes[sysinfo.AxisMinor],
		Orientation: axes[sysinfo.AxisOrientation],
		Object:      axes[sysinfo.AxisObject],
	}
	if si.Panel.XOriginRight {
		c.X = si.Panel.MaxX - c.X
	}
	if si.Panel.YOriginBottom {
		c.Y = si.Panel.MaxY - c.Y
	}
	maxX, maxY := si.Panel.MaxX, si.Panel.MaxY
	if opts.FlipXY {
		c.X, c.Y = c.Y, c.X
		maxX, maxY = maxY, maxX
	}
	if opts.InvertX {
		c.X = maxX - c.X
	}
	if opts.InvertY {
		c.Y = maxY - c.Y
	}
	return c
}
