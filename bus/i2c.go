package bus

import (
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
)

// I2C is a transport over a native I2C controller. The register
// address is sent as a one-byte prefix, or two bytes big-endian when
// WideAddr is set.
type I2C struct {
	dev      i2c.Dev
	bus      i2c.BusCloser
	wideAddr bool
	maxTx    int
}

// I2COptions configures OpenI2C.
type I2COptions struct {
	// Ref is the bus reference passed to i2creg, for example "1"
	// or "/dev/i2c-1". Empty selects the first available bus.
	Ref  string
	Addr uint16
	// WideAddr selects 16-bit register addressing.
	WideAddr bool
}

// OpenI2C opens a registered I2C bus and returns a transport for the
// device at opts.Addr.
func OpenI2C(opts I2COptions) (*I2C, error) {
	b, err := i2creg.Open(opts.Ref)
	if err != nil {
		return nil, fmt.Errorf("bus: i2c open: %w", err)
	}
	t := &I2C{
		dev:      i2c.Dev{Bus: b, Addr: opts.Addr},
		bus:      b,
		wideAddr: opts.WideAddr,
		maxTx:    DefaultMaxTransfer,
	}
	if lim, ok := b.(conn.Limits); ok {
		if m := lim.MaxTxSize(); m > 0 {
			t.maxTx = m
		}
	}
	return t, nil
}

// MaxTransfer reports the largest single transfer the underlying
// controller accepts, including the register address prefix.
func (t *I2C) MaxTransfer() int {
	return t.maxTx
}

func (t *I2C) Read(addr uint16, buf []byte) error {
	pre, err := addrPrefix(addr, t.wideAddr)
	if err != nil {
		return err
	}
	if err := t.dev.Tx(pre, buf); err != nil {
		return fmt.Errorf("bus: i2c read 0x%x+%d: %w", addr, len(buf), err)
	}
	return nil
}

func (t *I2C) Write(addr uint16, buf []byte) error {
	pre, err := addrPrefix(addr, t.wideAddr)
	if err != nil {
		return err
	}
	if len(pre)+len(buf) > t.maxTx {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(pre)+len(buf), t.maxTx)
	}
	w := make([]byte, 0, len(pre)+len(buf))
	w = append(w, pre...)
	w = append(w, buf...)
	if err := t.dev.Tx(w, nil); err != nil {
		return fmt.Errorf("bus: i2c write 0x%x+%d: %w", addr, len(buf), err)
	}
	return nil
}

func (t *I2C) Close() error {
	return t.bus.Close()
}
