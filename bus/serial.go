package bus

import (
	"fmt"
	"io"

	"github.com/tarm/serial"
)

// Serial is a transport over a UART-attached register bridge, the
// kind of debug adapter used when the controller sits behind a test
// fixture instead of a host I2C port.
//
// The frame format is minimal: an opcode byte, big-endian register
// address and length, then the payload. The bridge answers a write
// with a single status byte and a read with a status byte followed by
// the data.
const (
	serialOpRead  = 0x52 // 'R'
	serialOpWrite = 0x57 // 'W'

	serialStatusOK = 0x00

	serialBaudRate = 115200
	serialMaxLen   = 0xffff
)

type Serial struct {
	port io.ReadWriteCloser
}

// OpenSerial opens the bridge on the named device.
func OpenSerial(dev string) (*Serial, error) {
	c := &serial.Config{Name: dev, Baud: serialBaudRate}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("bus: serial open %s: %w", dev, err)
	}
	return &Serial{port: s}, nil
}

func (s *Serial) frame(op byte, addr uint16, n int) error {
	if n > serialMaxLen {
		return fmt.Errorf("%w: %d", ErrTooLarge, n)
	}
	hdr := [5]byte{op, byte(addr >> 8), byte(addr), byte(n >> 8), byte(n)}
	if _, err := s.port.Write(hdr[:]); err != nil {
		return fmt.Errorf("bus: serial frame: %w", err)
	}
	return nil
}

func (s *Serial) status() error {
	var st [1]byte
	if _, err := io.ReadFull(s.port, st[:]); err != nil {
		return fmt.Errorf("bus: serial status: %w", err)
	}
	if st[0] != serialStatusOK {
		return fmt.Errorf("bus: serial bridge error 0x%02x", st[0])
	}
	return nil
}

func (s *Serial) Read(addr uint16, buf []byte) error {
	if err := s.frame(serialOpRead, addr, len(buf)); err != nil {
		return err
	}
	if err := s.status(); err != nil {
		return err
	}
	if _, err := io.ReadFull(s.port, buf); err != nil {
		return fmt.Errorf("bus: serial read 0x%x+%d: %w", addr, len(buf), err)
	}
	return nil
}

func (s *Serial) Write(addr uint16, buf []byte) error {
	if err := s.frame(serialOpWrite, addr, len(buf)); err != nil {
		return err
	}
	if _, err := s.port.Write(buf); err != nil {
		return fmt.Errorf("bus: serial write 0x%x+%d: %w", addr, len(buf), err)
	}
	return s.status()
}

func (s *Serial) Close() error {
	return s.port.Close()
}
