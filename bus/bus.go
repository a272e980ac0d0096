// Package bus provides byte transports for register-addressed touch
// controllers. A transport moves raw bytes to and from a 16-bit
// register window; everything above it (modes, commands, interrupts)
// is the controller driver's business.
package bus

import (
	"errors"
	"fmt"
)

// Bus is a register window transport. Read and Write transfer len(buf)
// bytes starting at the register offset addr.
type Bus interface {
	Read(addr uint16, buf []byte) error
	Write(addr uint16, buf []byte) error
	Close() error
}

var (
	ErrAddrRange = errors.New("bus: register address out of range")
	ErrTooLarge  = errors.New("bus: transfer exceeds transport limit")
)

// DefaultMaxTransfer is used when a transport cannot report its own
// transfer limit.
const DefaultMaxTransfer = 256

// Chunked wraps a transport with a maximum transfer size and splits
// larger accesses into sequential sub-transfers at adjusted offsets.
type Chunked struct {
	Bus Bus
	// Max is the largest single transfer, including the register
	// address prefix accounted for by the underlying transport.
	Max int
}

func (c *Chunked) max() int {
	if c.Max <= 0 {
		return DefaultMaxTransfer
	}
	return c.Max
}

func (c *Chunked) Read(addr uint16, buf []byte) error {
	max := c.max()
	for len(buf) > 0 {
		n := len(buf)
		if n > max {
			n = max
		}
		if err := c.Bus.Read(addr, buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
		addr += uint16(n)
	}
	return nil
}

func (c *Chunked) Write(addr uint16, buf []byte) error {
	max := c.max()
	for len(buf) > 0 {
		n := len(buf)
		if n > max {
			n = max
		}
		if err := c.Bus.Write(addr, buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
		addr += uint16(n)
	}
	return nil
}

func (c *Chunked) Close() error {
	return c.Bus.Close()
}

func addrPrefix(addr uint16, wide bool) ([]byte, error) {
	if wide {
		return []byte{byte(addr >> 8), byte(addr)}, nil
	}
	if addr > 0xff {
		return nil, fmt.Errorf("%w: 0x%x", ErrAddrRange, addr)
	}
	return []byte{byte(addr)}, nil
}
