package bus

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// IRQLine services a level-triggered interrupt pin and delivers edges
// on a channel with a one-deep buffer, collapsing bursts the way a
// masked hardware interrupt would.
type IRQLine struct {
	pin    gpio.PinIn
	events chan struct{}
	quit   chan struct{}
}

// OpenIRQ configures the named pin with a pull-up and starts the edge
// service goroutine. The controller asserts its interrupt line low.
func OpenIRQ(name string) (*IRQLine, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("bus: no irq pin %q", name)
	}
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("bus: irq pin %q: %w", name, err)
	}
	l := &IRQLine{
		pin:    pin,
		events: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	go l.loop()
	return l, nil
}

func (l *IRQLine) loop() {
	for {
		select {
		case <-l.quit:
			return
		default:
		}
		// The timeout bounds how long Close may have to wait.
		if !l.pin.WaitForEdge(time.Second) {
			continue
		}
		if l.pin.Read() != gpio.Low {
			continue
		}
		select {
		case l.events <- struct{}{}:
		default:
		}
	}
}

// Events returns the edge channel.
func (l *IRQLine) Events() <-chan struct{} {
	return l.events
}

func (l *IRQLine) Close() error {
	close(l.quit)
	return l.pin.Halt()
}

// ResetLine drives an active-low hardware reset pin.
type ResetLine struct {
	pin gpio.PinIO
}

func OpenReset(name string) (*ResetLine, error) {
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("bus: no reset pin %q", name)
	}
	if err := pin.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("bus: reset pin %q: %w", name, err)
	}
	return &ResetLine{pin: pin}, nil
}

// Pulse holds the line low for hold and then releases it.
func (r *ResetLine) Pulse(hold time.Duration) error {
	if err := r.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("bus: reset assert: %w", err)
	}
	time.Sleep(hold)
	if err := r.pin.Out(gpio.High); err != nil {
		return fmt.Errorf("bus: reset release: %w", err)
	}
	return nil
}
