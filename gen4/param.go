package gen4

import (
	"fmt"
	"time"
)

// GetParam reads a RAM parameter through the operational command set.
func (d *Driver) GetParam(id byte) (uint32, error) {
	var ret [6]byte
	if err := d.ExecCommand(ModeOperational, []byte{opCmdGetParam, id}, ret[:], 0); err != nil {
		return 0, err
	}
	if ret[0] != id {
		return 0, fmt.Errorf("%w: parameter id 0x%02x, want 0x%02x", ErrInvalidResponse, ret[0], id)
	}
	size := int(ret[1])
	if size == 0 || size > 4 {
		return 0, fmt.Errorf("%w: parameter size %d", ErrInvalidResponse, size)
	}
	var v uint32
	for i := 0; i < size; i++ {
		v = v<<8 | uint32(ret[2+i])
	}
	return v, nil
}

// SetParam writes a RAM parameter. size selects the encoded width in
// bytes (1, 2 or 4).
func (d *Driver) SetParam(id byte, size int, value uint32) error {
	cmd := []byte{opCmdSetParam, id, byte(size)}
	switch size {
	case 1:
		cmd = append(cmd, byte(value))
	case 2:
		cmd = append(cmd, byte(value>>8), byte(value))
	case 4:
		cmd = append(cmd, byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
	default:
		return fmt.Errorf("gen4: parameter size %d", size)
	}
	var ret [2]byte
	if err := d.ExecCommand(ModeOperational, cmd, ret[:], 0); err != nil {
		return err
	}
	if ret[0] != id || int(ret[1]) != size {
		return fmt.Errorf("%w: parameter echo id 0x%02x size %d", ErrInvalidResponse, ret[0], ret[1])
	}
	return nil
}

// ScanType selects additional object classes the panel scans for.
// The values are bits of the RAM scan type register.
type ScanType byte

const (
	ScanAPAMC     ScanType = 0x01
	ScanGlove     ScanType = 0x02
	ScanStylus    ScanType = 0x04
	ScanProximity ScanType = 0x08
)

const scanAllMask = ScanAPAMC | ScanGlove | ScanStylus | ScanProximity

// EnableScanType turns a scan class on. Calls nest; the class stays
// active until as many DisableScanType calls follow.
func (d *Driver) EnableScanType(st ScanType) error {
	d.mu.Lock()
	d.scanCounts[st]++
	first := d.scanCounts[st] == 1
	d.mu.Unlock()
	if !first {
		return nil
	}
	return d.applyScanTypes()
}

// DisableScanType undoes one EnableScanType.
func (d *Driver) DisableScanType(st ScanType) error {
	d.mu.Lock()
	if d.scanCounts[st] == 0 {
		d.mu.Unlock()
		return fmt.Errorf("gen4: scan type %#02x not enabled", byte(st))
	}
	d.scanCounts[st]--
	last := d.scanCounts[st] == 0
	d.mu.Unlock()
	if !last {
		return nil
	}
	return d.applyScanTypes()
}

// applyScanTypes folds the active scan classes into the RAM scan type
// register, or the proximity bit of the touch mode parameter on
// firmware without that register.
func (d *Driver) applyScanTypes() error {
	d.mu.Lock()
	var active ScanType
	for st, n := range d.scanCounts {
		if n > 0 {
			active |= st
		}
	}
	useRAM := d.opts.ScanModeUsesRAMScanType
	d.mu.Unlock()

	if useRAM {
		cur, err := d.GetParam(RAMIDScanType)
		if err != nil {
			return err
		}
		next := cur&^uint32(scanAllMask) | uint32(active)
		if next == cur {
			return nil
		}
		return d.SetParam(RAMIDScanType, 1, next)
	}

	cur, err := d.GetParam(RAMIDTouchMode)
	if err != nil {
		return err
	}
	next := cur &^ touchModeProximityBit
	if active&ScanProximity != 0 {
		next |= touchModeProximityBit
	}
	if next == cur {
		return nil
	}
	return d.SetParam(RAMIDTouchMode, 1, next)
}

// Calibrate runs the capacitance calibration over every screen mode
// and reinitializes the baselines. The panel does not report touches
// while it runs.
func (d *Driver) Calibrate() error {
	return d.withCAT(func() error {
		for _, screen := range []byte{0x00, 0x01, 0x02} {
			var ret [1]byte
			err := d.ExecCommand(ModeCAT, []byte{catCmdCalibrate, screen}, ret[:], d.opts.CalibrateTimeout)
			if err != nil {
				return err
			}
			if ret[0] != 0 {
				return fmt.Errorf("%w: calibrate screen %d status 0x%02x", ErrInvalidResponse, screen, ret[0])
			}
		}
		return d.initBaselines(0x07)
	})
}

// CalibrateIDACs calibrates one screen mode (0 mutual, 1 self,
// 2 buttons) without touching the baselines.
func (d *Driver) CalibrateIDACs(screen byte) error {
	return d.withCAT(func() error {
		var ret [1]byte
		err := d.ExecCommand(ModeCAT, []byte{catCmdCalibrate, screen}, ret[:], d.opts.CalibrateTimeout)
		if err != nil {
			return err
		}
		if ret[0] != 0 {
			return fmt.Errorf("%w: calibrate screen %d status 0x%02x", ErrInvalidResponse, screen, ret[0])
		}
		return nil
	})
}

// InitializeBaselines rebuilds the baselines of the sensing modes in
// mask (bit 0 screen, bit 1 self, bit 2 buttons).
func (d *Driver) InitializeBaselines(mask byte) error {
	return d.withCAT(func() error {
		return d.initBaselines(mask)
	})
}

// initBaselines rebuilds the baselines of the sensing modes in mask.
// Needs configuration and test mode.
func (d *Driver) initBaselines(mask byte) error {
	var ret [1]byte
	if err := d.ExecCommand(ModeCAT, []byte{catCmdInitBaselines, mask}, ret[:], 0); err != nil {
		return err
	}
	if ret[0] != 0 {
		return fmt.Errorf("%w: baseline init status 0x%02x", ErrInvalidResponse, ret[0])
	}
	return nil
}

// PanelScan is the result of one full panel scan retrieval.
type PanelScan struct {
	// ElementSize is the per-sensor element width in bytes.
	ElementSize int
	// Data holds Elements packed elements.
	Data     []byte
	Elements int
}

const panelElementSizeMask = 0x07

// ScanPanel executes a panel scan and retrieves numElements raw
// elements of the given data type, looping the retrieve command until
// the controller reports no more data.
func (d *Driver) ScanPanel(numElements int, dataType byte) (*PanelScan, error) {
	ps := new(PanelScan)
	err := d.withCAT(func() error {
		var ret [1]byte
		if err := d.ExecCommand(ModeCAT, []byte{catCmdExecPanelScan}, ret[:], 0); err != nil {
			return err
		}
		if ret[0] != 0 {
			return fmt.Errorf("%w: panel scan status 0x%02x", ErrInvalidResponse, ret[0])
		}
		return d.retrieveLoop(catCmdRetrievePanel, numElements, dataType, ps)
	})
	if err != nil {
		return nil, err
	}
	return ps, nil
}

// RetrieveDataStructure reads an internal data structure, mutual cap
// or baseline tables among them, element by element.
func (d *Driver) RetrieveDataStructure(numElements int, dataType byte) (*PanelScan, error) {
	ps := new(PanelScan)
	err := d.withCAT(func() error {
		return d.retrieveLoop(catCmdRetrieveData, numElements, dataType, ps)
	})
	if err != nil {
		return nil, err
	}
	return ps, nil
}

// retrieveLoop issues a retrieve command repeatedly, reading the
// returned elements from the registers behind the response header
// after each round. Needs configuration and test mode.
func (d *Driver) retrieveLoop(opcode byte, numElements int, dataType byte, ps *PanelScan) error {
	const respSize = 5
	for ps.Elements < numElements {
		ofs := ps.Elements
		rem := numElements - ps.Elements
		cmd := []byte{
			opcode,
			byte(ofs >> 8), byte(ofs),
			byte(rem >> 8), byte(rem),
			dataType,
		}
		var ret [respSize]byte
		if err := d.ExecCommand(ModeCAT, cmd, ret[:], 0); err != nil {
			return err
		}
		if ret[0] != 0 {
			return fmt.Errorf("%w: retrieve status 0x%02x", ErrInvalidResponse, ret[0])
		}
		got := be16(ret[1:])
		if got == 0 {
			break
		}
		elemSize := int(ret[4] & panelElementSizeMask)
		if elemSize == 0 {
			return fmt.Errorf("%w: zero element size", ErrInvalidResponse)
		}
		ps.ElementSize = elemSize
		data := make([]byte, got*elemSize)
		if err := d.Read(ModeCAT, regCATCmd+1+respSize, data); err != nil {
			return err
		}
		ps.Data = append(ps.Data, data...)
		ps.Elements += got
	}
	return nil
}

// readRefreshInterval picks up the panel refresh interval so that the
// power paths know how long a scan pass takes.
func (d *Driver) readRefreshInterval() {
	v, err := d.GetParam(RAMIDRefreshInterval)
	if err != nil || v == 0 {
		return
	}
	d.mu.Lock()
	d.refresh = time.Duration(v) * time.Millisecond
	d.mu.Unlock()
}
