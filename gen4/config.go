package gen4

import (
	"fmt"
)

// BlockTouchParams is the embedded block ID of the stored touch
// parameter table.
const BlockTouchParams byte = 0

const (
	// Response header of a config block read: status, block ID echo
	// and big-endian length echo, then a reserved byte.
	cfgRespHdrSize = 5

	// Layout of the parameter table itself. The first row starts with
	// the table length and capacity; the table version sits behind
	// them. The last two bytes of the table hold its CRC.
	cfgLengthOfs    = 0
	cfgMaxLengthOfs = 2
	cfgLengthInfoSz = 4
	cfgVersionOfs   = 8
	cfgVersionSize  = 2
)

func be16(b []byte) int {
	return int(b[0])<<8 | int(b[1])
}

// getConfigRowSize asks the controller for its config row granularity.
// Needs configuration and test mode.
func (d *Driver) getConfigRowSize() (int, error) {
	var ret [2]byte
	if err := d.ExecCommand(ModeCAT, []byte{catCmdGetCfgRowSize}, ret[:], 0); err != nil {
		return 0, err
	}
	sz := be16(ret[:])
	if sz == 0 {
		return 0, fmt.Errorf("%w: zero config row size", ErrInvalidResponse)
	}
	return sz, nil
}

// readConfigBlock reads length bytes of a stored config block starting
// at the given row. The response carries a CRC over the data, checked
// here. Needs configuration and test mode.
func (d *Driver) readConfigBlock(ebid byte, row uint16, length int) ([]byte, error) {
	cmd := []byte{
		catCmdReadCfgBlock,
		byte(row >> 8), byte(row),
		byte(length >> 8), byte(length),
		ebid,
	}
	ret := make([]byte, cfgRespHdrSize+length+2)
	if err := d.ExecCommand(ModeCAT, cmd, ret, 0); err != nil {
		return nil, err
	}
	if ret[0] != 0 {
		return nil, fmt.Errorf("%w: config read status 0x%02x", ErrInvalidResponse, ret[0])
	}
	if ret[1] != ebid {
		return nil, fmt.Errorf("%w: config read block id 0x%02x, want 0x%02x", ErrInvalidResponse, ret[1], ebid)
	}
	if got := be16(ret[2:]); got != length {
		return nil, fmt.Errorf("%w: config read length %d, want %d", ErrInvalidResponse, got, length)
	}
	data := ret[cfgRespHdrSize : cfgRespHdrSize+length]
	stored := uint16(be16(ret[cfgRespHdrSize+length:]))
	if calc := crc16(data); calc != stored {
		return nil, fmt.Errorf("%w: config read crc 0x%04x, stored 0x%04x", ErrCRCMismatch, calc, stored)
	}
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

// writeConfigBlock writes one row-aligned chunk of a stored config
// block. The command carries the security key and a CRC over the data.
// Needs configuration and test mode.
func (d *Driver) writeConfigBlock(ebid byte, row uint16, data []byte) error {
	length := len(data)
	cmd := make([]byte, 0, 6+length+len(securityKey)+2)
	cmd = append(cmd,
		catCmdWriteCfgBlock,
		byte(row>>8), byte(row),
		byte(length>>8), byte(length),
		ebid,
	)
	cmd = append(cmd, data...)
	cmd = append(cmd, securityKey...)
	crc := crc16(data)
	cmd = append(cmd, byte(crc>>8), byte(crc))
	var ret [cfgRespHdrSize]byte
	if err := d.ExecCommand(ModeCAT, cmd, ret[:], 0); err != nil {
		return err
	}
	if ret[0] != 0 {
		return fmt.Errorf("%w: config write status 0x%02x", ErrInvalidResponse, ret[0])
	}
	if ret[1] != ebid {
		return fmt.Errorf("%w: config write block id 0x%02x, want 0x%02x", ErrInvalidResponse, ret[1], ebid)
	}
	if got := be16(ret[2:]); got != length {
		return fmt.Errorf("%w: config write length %d, want %d", ErrInvalidResponse, got, length)
	}
	return nil
}

// writeConfigCommon writes an arbitrary byte range of a config block,
// read-modify-writing the partial rows at either end. Needs
// configuration and test mode.
func (d *Driver) writeConfigCommon(ebid byte, offset int, data []byte) error {
	rowSize, err := d.getConfigRowSize()
	if err != nil {
		return err
	}
	pos := 0
	for pos < len(data) {
		row := (offset + pos) / rowSize
		inRow := (offset + pos) % rowSize
		n := rowSize - inRow
		if n > len(data)-pos {
			n = len(data) - pos
		}
		chunk := data[pos : pos+n]
		if n < rowSize {
			full, err := d.readConfigBlock(ebid, uint16(row), rowSize)
			if err != nil {
				return err
			}
			copy(full[inRow:], chunk)
			chunk = full
		}
		if err := d.writeConfigBlock(ebid, uint16(row), chunk); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// configLength reads the table length and capacity from the head of
// the first config row. Needs configuration and test mode.
func (d *Driver) configLength(ebid byte) (length, maxLength int, err error) {
	head, err := d.readConfigBlock(ebid, 0, cfgLengthInfoSz)
	if err != nil {
		return 0, 0, err
	}
	d.mu.Lock()
	si := d.si
	d.mu.Unlock()
	if si == nil {
		return 0, 0, ErrNotReady
	}
	length = int(si.Uint16(head[cfgLengthOfs:]))
	maxLength = int(si.Uint16(head[cfgMaxLengthOfs:]))
	if length < cfgLengthInfoSz || length > maxLength {
		return 0, 0, fmt.Errorf("%w: config length %d of %d", ErrInvalidResponse, length, maxLength)
	}
	return length, maxLength, nil
}

// configVersion reads the stored table version. Needs configuration
// and test mode.
func (d *Driver) configVersion(ebid byte) (uint16, error) {
	head, err := d.readConfigBlock(ebid, 0, cfgVersionOfs+cfgVersionSize)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	si := d.si
	d.mu.Unlock()
	if si == nil {
		return 0, ErrNotReady
	}
	return si.Uint16(head[cfgVersionOfs:]), nil
}

// verifyConfigBlockCRC has the controller recompute the CRC of a
// stored block and compare it against the stored one. Needs
// configuration and test mode.
func (d *Driver) verifyConfigBlockCRC(ebid byte) (calc, stored uint16, match bool, err error) {
	var ret [5]byte
	if err := d.ExecCommand(ModeCAT, []byte{catCmdVerifyCfgCRC, ebid}, ret[:], 0); err != nil {
		return 0, 0, false, err
	}
	calc = uint16(be16(ret[1:]))
	stored = uint16(be16(ret[3:]))
	return calc, stored, ret[0] == 0, nil
}

// writeConfig writes data at offset into a config block and repairs
// the trailing CRC when the write changed it. Needs configuration and
// test mode.
func (d *Driver) writeConfig(ebid byte, offset int, data []byte) error {
	length, _, err := d.configLength(ebid)
	if err != nil {
		return err
	}
	crcOfs := length - 2
	if offset+len(data) > crcOfs+2 {
		return fmt.Errorf("gen4: config write %d+%d exceeds table length %d", offset, len(data), length)
	}
	if err := d.writeConfigCommon(ebid, offset, data); err != nil {
		return err
	}
	calc, _, match, err := d.verifyConfigBlockCRC(ebid)
	if err != nil {
		return err
	}
	if match {
		return nil
	}
	d.mu.Lock()
	si := d.si
	d.mu.Unlock()
	if si == nil {
		return ErrNotReady
	}
	var b [2]byte
	si.PutUint16(b[:], calc)
	if err := d.writeConfigCommon(ebid, crcOfs, b[:]); err != nil {
		return err
	}
	if _, _, match, err = d.verifyConfigBlockCRC(ebid); err != nil {
		return err
	}
	if !match {
		return fmt.Errorf("%w: after crc repair", ErrCRCMismatch)
	}
	return nil
}

// withCAT runs fn with exclusive access in configuration and test
// mode, then puts the controller back into operational mode.
func (d *Driver) withCAT(fn func() error) error {
	tok := new(token)
	if err := d.RequestExclusive(tok, d.opts.ExclusiveTimeout); err != nil {
		return err
	}
	defer d.ReleaseExclusive(tok)
	if err := d.SetMode(ModeCAT); err != nil {
		return err
	}
	err := fn()
	if merr := d.SetMode(ModeOperational); err == nil {
		err = merr
	}
	return err
}

// WriteConfig stores data at offset of a config block and keeps the
// table CRC consistent. The controller pauses scanning for the
// duration.
func (d *Driver) WriteConfig(ebid byte, offset int, data []byte) error {
	return d.withCAT(func() error {
		return d.writeConfig(ebid, offset, data)
	})
}

// ReadConfig reads the whole stored config block, row by row.
func (d *Driver) ReadConfig(ebid byte) ([]byte, error) {
	var out []byte
	err := d.withCAT(func() error {
		length, _, err := d.configLength(ebid)
		if err != nil {
			return err
		}
		rowSize, err := d.getConfigRowSize()
		if err != nil {
			return err
		}
		out = make([]byte, 0, length)
		for row := 0; len(out) < length; row++ {
			n := rowSize
			if n > length-len(out) {
				n = length - len(out)
			}
			blk, err := d.readConfigBlock(ebid, uint16(row), n)
			if err != nil {
				return err
			}
			out = append(out, blk...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyConfigCRC has the controller check a stored block against its
// trailing CRC.
func (d *Driver) VerifyConfigCRC(ebid byte) (calc, stored uint16, match bool, err error) {
	err = d.withCAT(func() error {
		calc, stored, match, err = d.verifyConfigBlockCRC(ebid)
		return err
	})
	return calc, stored, match, err
}

// ConfigBlockCRC reads the stored CRC of a config block without
// leaving operational mode.
func (d *Driver) ConfigBlockCRC(ebid byte) (uint16, error) {
	var ret [3]byte
	if err := d.ExecCommand(ModeOperational, []byte{opCmdGetCfgCRC, ebid}, ret[:], 0); err != nil {
		return 0, err
	}
	if ret[0] != 0 {
		return 0, fmt.Errorf("%w: config crc status 0x%02x", ErrInvalidResponse, ret[0])
	}
	return uint16(be16(ret[1:])), nil
}
