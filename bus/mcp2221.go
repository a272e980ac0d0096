package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/karalabe/hid"
)

// MCP2221 is a transport over the Microchip MCP2221A USB-to-I2C
// bridge, for bench setups without a native I2C controller. All
// commands are 64-byte HID reports.
const (
	mcpVID = 0x04d8
	mcpPID = 0x00dd

	mcpMsgSize = 64

	mcpCmdStatus       = 0x10
	mcpCmdI2CWrite     = 0x90
	mcpCmdI2CRead      = 0x91
	mcpCmdI2CReadRep   = 0x93
	mcpCmdI2CWriteNoSt = 0x94
	mcpCmdI2CGetData   = 0x40

	// Engine state reported in the status response.
	mcpStateIdle          = 0x00
	mcpStateWritingNoStop = 0x45

	// A report moves at most 60 bytes of payload.
	mcpDataPerReport = 60
)

type MCP2221 struct {
	dev      *hid.Device
	addr     uint8
	wideAddr bool
}

// MCP2221Options configures OpenMCP2221.
type MCP2221Options struct {
	// Index selects among several attached bridges.
	Index    int
	Addr     uint8
	WideAddr bool
}

func OpenMCP2221(opts MCP2221Options) (*MCP2221, error) {
	infos := hid.Enumerate(mcpVID, mcpPID)
	if opts.Index >= len(infos) {
		return nil, errors.New("bus: no MCP2221A bridge attached")
	}
	dev, err := infos[opts.Index].Open()
	if err != nil {
		return nil, fmt.Errorf("bus: mcp2221 open: %w", err)
	}
	return &MCP2221{dev: dev, addr: opts.Addr, wideAddr: opts.WideAddr}, nil
}

// MaxTransfer reports the bridge's transfer limit. The engine splits
// internally, so the limit is the 16-bit length field, kept to a
// conservative page here.
func (m *MCP2221) MaxTransfer() int {
	return DefaultMaxTransfer
}

func (m *MCP2221) send(cmd byte, msg []byte) ([]byte, error) {
	msg[0] = cmd
	if _, err := m.dev.Write(msg); err != nil {
		return nil, fmt.Errorf("bus: mcp2221 write: %w", err)
	}
	rsp := make([]byte, mcpMsgSize)
	if _, err := m.dev.Read(rsp); err != nil {
		return nil, fmt.Errorf("bus: mcp2221 read: %w", err)
	}
	if rsp[0] != cmd || rsp[1] != 0x00 {
		return rsp, fmt.Errorf("bus: mcp2221 command 0x%02x failed (state 0x%02x)", cmd, rsp[1])
	}
	return rsp, nil
}

// cancel aborts a stuck transfer via the set-parameters command.
func (m *MCP2221) cancel() error {
	msg := make([]byte, mcpMsgSize)
	msg[2] = 0x10
	_, err := m.send(mcpCmdStatus, msg)
	return err
}

func (m *MCP2221) engineIdle() error {
	msg := make([]byte, mcpMsgSize)
	rsp, err := m.send(mcpCmdStatus, msg)
	if err != nil {
		return err
	}
	if rsp[8] != mcpStateIdle && rsp[8] != mcpStateWritingNoStop {
		return m.cancel()
	}
	return nil
}

func (m *MCP2221) xfer(cmd byte, payload []byte) error {
	if err := m.engineIdle(); err != nil {
		return err
	}
	total := len(payload)
	for pos := 0; pos < total; pos += mcpDataPerReport {
		end := pos + mcpDataPerReport
		if end > total {
			end = total
		}
		msg := make([]byte, mcpMsgSize)
		msg[1] = byte(total)
		msg[2] = byte(total >> 8)
		msg[3] = m.addr << 1
		copy(msg[4:], payload[pos:end])
		if _, err := m.send(cmd, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *MCP2221) Write(addr uint16, buf []byte) error {
	pre, err := addrPrefix(addr, m.wideAddr)
	if err != nil {
		return err
	}
	w := make([]byte, 0, len(pre)+len(buf))
	w = append(w, pre...)
	w = append(w, buf...)
	return m.xfer(mcpCmdI2CWrite, w)
}

func (m *MCP2221) Read(addr uint16, buf []byte) error {
	pre, err := addrPrefix(addr, m.wideAddr)
	if err != nil {
		return err
	}
	// Address phase without a stop condition, then a repeated-start
	// read and one get-data report per chunk.
	if err := m.xfer(mcpCmdI2CWriteNoSt, pre); err != nil {
		return err
	}
	msg := make([]byte, mcpMsgSize)
	msg[1] = byte(len(buf))
	msg[2] = byte(len(buf) >> 8)
	msg[3] = m.addr<<1 | 1
	if _, err := m.send(mcpCmdI2CReadRep, msg); err != nil {
		return err
	}
	for pos := 0; pos < len(buf); {
		rsp, err := m.send(mcpCmdI2CGetData, make([]byte, mcpMsgSize))
		if err != nil {
			return err
		}
		n := int(rsp[3])
		if n == 0 || n == 0x7f {
			time.Sleep(300 * time.Microsecond)
			continue
		}
		if n > len(buf)-pos {
			n = len(buf) - pos
		}
		copy(buf[pos:], rsp[4:4+n])
		pos += n
	}
	return nil
}

func (m *MCP2221) Close() error {
	return m.dev.Close()
}
