package mt

import (
	"sort"
	"testing"
	"time"

	"truetouch.dev/gen4"
)

func startReporter(t *testing.T, opts Options) (*gen4.Simulator, chan Frame) {
	t.Helper()
	sim := gen4.NewSimulator()
	d := gen4.New(sim, gen4.Options{
		IRQ:              sim.IRQ(),
		WatchdogInterval: time.Hour,
	})
	frames := make(chan Frame, 8)
	r := New(d, opts, func(f Frame) { frames <- f })
	r.Attach()
	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	return sim, frames
}

func next(t *testing.T, frames chan Frame) Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame")
		panic("unreachable")
	}
}

func TestFrames(t *testing.T) {
	sim, frames := startReporter(t, Options{})

	f := next(t, frames)
	if !f.Reset {
		t.Fatalf("first frame not a reset: %+v", f)
	}

	rec1 := []byte{0x00, 0x64, 0x00, 0xc8, 0x30, 0 | 1<<5, 0, 5}
	rec2 := []byte{0x01, 0x2c, 0x00, 0x32, 0x40, 1 | 1<<5, 0, 6}
	sim.Touch(rec1, rec2)
	f = next(t, frames)
	if len(f.Contacts) != 2 || len(f.Released) != 0 {
		t.Fatalf("got %d contacts, %d released", len(f.Contacts), len(f.Released))
	}
	c := f.Contacts[0]
	if c.ID != 0 || c.X != 100 || c.Y != 200 || c.Pressure != 0x30 || c.Width != 5 {
		t.Errorf("contact 0: %+v", c)
	}
	c = f.Contacts[1]
	if c.ID != 1 || c.X != 300 || c.Y != 50 {
		t.Errorf("contact 1: %+v", c)
	}

	// An empty report lifts both.
	sim.Touch()
	f = next(t, frames)
	if len(f.Contacts) != 0 {
		t.Fatalf("contacts on empty report: %+v", f)
	}
	sort.Ints(f.Released)
	if len(f.Released) != 2 || f.Released[0] != 0 || f.Released[1] != 1 {
		t.Errorf("released %v", f.Released)
	}
}

func TestLiftoffEvent(t *testing.T) {
	sim, frames := startReporter(t, Options{})
	next(t, frames) // reset

	down := []byte{0x00, 0x64, 0x00, 0xc8, 0x30, 2 | 1<<5, 0, 5}
	sim.Touch(down)
	f := next(t, frames)
	if len(f.Contacts) != 1 || f.Contacts[0].ID != 2 {
		t.Fatalf("touchdown frame: %+v", f)
	}

	lift := []byte{0x00, 0x64, 0x00, 0xc8, 0x00, 2 | 3<<5, 0, 0}
	sim.Touch(lift)
	f = next(t, frames)
	if len(f.Contacts) != 0 {
		t.Errorf("contacts in liftoff frame: %+v", f.Contacts)
	}
	if len(f.Released) != 1 || f.Released[0] != 2 {
		t.Errorf("released %v", f.Released)
	}
}

func TestBadPacketDropped(t *testing.T) {
	sim, frames := startReporter(t, Options{})
	next(t, frames) // reset

	rec := []byte{0x00, 0x64, 0x00, 0xc8, 0x30, 0, 0, 5}
	sim.TouchRaw(repStatBadPacket, 1, rec)
	select {
	case f := <-frames:
		t.Fatalf("frame from bad packet: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	// A clean report afterwards flows through.
	sim.Touch(rec)
	f := next(t, frames)
	if len(f.Contacts) != 1 {
		t.Fatalf("clean frame: %+v", f)
	}
}

func TestLargeArea(t *testing.T) {
	sim, frames := startReporter(t, Options{})
	next(t, frames) // reset

	rec := []byte{0x00, 0x64, 0x00, 0xc8, 0x30, 0, 0, 5}
	sim.Touch(rec)
	next(t, frames)

	sim.TouchRaw(0, 1|ttStatLargeArea, rec)
	f := next(t, frames)
	if !f.LargeArea {
		t.Error("large area flag lost")
	}
	if len(f.Contacts) != 0 {
		t.Errorf("contacts survived a large area report: %+v", f.Contacts)
	}
	if len(f.Released) != 1 || f.Released[0] != 0 {
		t.Errorf("released %v", f.Released)
	}
}

func TestOrientation(t *testing.T) {
	// The panel hangs sideways: axes swapped, then X mirrored against
	// the swapped range.
	sim, frames := startReporter(t, Options{FlipXY: true, InvertX: true})
	next(t, frames) // reset

	rec := []byte{0x00, 0x64, 0x00, 0xc8, 0x30, 0 | 1<<5, 0, 5}
	sim.Touch(rec)
	f := next(t, frames)
	if len(f.Contacts) != 1 {
		t.Fatalf("frame: %+v", f)
	}
	// Raw (100, 200) on a 800x480 panel: flipped to (200, 100), then
	// X mirrored in the 480 range.
	c := f.Contacts[0]
	if c.X != 280 || c.Y != 100 {
		t.Errorf("contact at (%d, %d), want (280, 100)", c.X, c.Y)
	}
}

func TestRestartLiftsAll(t *testing.T) {
	sim, frames := startReporter(t, Options{})
	next(t, frames) // reset

	rec := []byte{0x00, 0x64, 0x00, 0xc8, 0x30, 4, 0, 5}
	sim.Touch(rec)
	next(t, frames)

	sim.EnterBootloader()
	for {
		f := next(t, frames)
		if f.Reset {
			if len(f.Released) != 1 || f.Released[0] != 4 {
				t.Errorf("released %v", f.Released)
			}
			return
		}
	}
}
