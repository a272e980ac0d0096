// Package sysinfo parses the system information register map that a
// TrueTouch Gen4 controller exposes after leaving its bootloader. The
// map is self-describing: a fixed header holds the offsets of the
// blocks that follow, and the operating configuration block describes
// the layout of the touch reports the controller will produce in
// operational mode.
package sysinfo

import (
	"errors"
	"fmt"
)

// ReadFunc reads len(buf) bytes starting at the given offset of the
// sysinfo register map. The controller must already be in sysinfo
// mode when the read runs.
type ReadFunc func(ofs uint16, buf []byte) error

var ErrLayout = errors.New("sysinfo: inconsistent map layout")

// Offsets header at the base of the map.
const (
	hdrSize = 16

	hdrMapSize   = 2
	hdrCyDataOfs = 4
	hdrTestOfs   = 6
	hdrPcfgOfs   = 8
	hdrOpCfgOfs  = 10
	hdrDDataOfs  = 12
	hdrMDataOfs  = 14
)

// Fixed part of the cydata block, excluding the variable-length
// manufacturing ID in its middle.
const cyDataFixedSize = 26

// Panel configuration block layout.
const (
	pcfgResXH = 6
	pcfgResXL = 7
	pcfgResYH = 8
	pcfgResYL = 9
	pcfgMaxZH = 10
	pcfgMaxZL = 11

	pcfgMinSize = 12

	pcfgResolutionMask = 0x7f
	pcfgOriginMask     = 0x80
)

// Operating configuration block layout.
const (
	opCmdOfs      = 0
	opRepOfs      = 1
	opRepSizeH    = 2
	opRepSizeL    = 3
	opNumBtns     = 4
	opTTStatOfs   = 5
	opObjCfg0     = 6
	opMaxTouches  = 7
	opRecordSize  = 8
	opBaseFields  = 9
	opBtnRecSize  = 23
	opBtnDiffOfs  = 24
	opBtnDiffSize = 25
	opExtFields   = 26
	opNoiseOfs    = 32
	opNoiseSize   = 33

	opMinSize    = 26
	opNoiseIndex = 34

	byteOfsMask = 0x1f
	bofsMask    = 0xe0
	bofsShift   = 5
)

// POST result bits in the low code byte.
const (
	postWatchdogReset = 0x01
	postConfigCRC     = 0x02
	postPanelTest     = 0x04
	postScanning      = 0x08
)

const deviceInfoLittleEndian = 0x01

const buttonsPerRegister = 4

// Axis indexes a field of a touch record.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisP
	AxisID
	AxisEvent
	AxisObject
	AxisW
	AxisMajor
	AxisMinor
	AxisOrientation
	NumAxes

	numBaseAxes = 7
	numExtAxes  = 3
)

var axisNames = [NumAxes]string{
	"X", "Y", "P", "ID", "EV", "OBJ", "W", "MAJ", "MIN", "OR",
}

func (a Axis) String() string {
	if a < 0 || a >= NumAxes {
		return "INVALID"
	}
	return axisNames[a]
}

// TouchField describes where an axis lives inside a raw touch record.
type TouchField struct {
	Ofs  int // byte offset within the record
	Size int // field width in bytes
	Max  int // one past the largest value
	BOfs int // bit offset applied to each byte before merging
}

// Field extracts the axis value from a raw touch record.
func (f TouchField) Field(rec []byte) int {
	v := 0
	for i := 0; i < f.Size; i++ {
		v = v*256 + int(rec[f.Ofs+i]>>f.BOfs)
	}
	return v & (f.Max - 1)
}

// CyData is the controller identity block.
type CyData struct {
	ProductID    uint16
	FWVerMajor   byte
	FWVerMinor   byte
	RevCtrl      [8]byte
	BLVerMajor   byte
	BLVerMinor   byte
	JtagID       [4]byte
	MfgID        []byte
	CyitoID      uint16
	CyitoVer     uint16
	TTSPVerMajor byte
	TTSPVerMinor byte
	DeviceInfo   byte
}

// Test holds the power-on self test result codes.
type Test struct {
	PostCodeH byte
	PostCodeL byte
}

func (t Test) WatchdogReset() bool {
	return t.PostCodeL&postWatchdogReset != 0
}

// The reported sense of the CRC and panel test bits is inverted
// relative to their names: firmware sets the bit when the check
// passes. Kept as the firmware reports it, since tooling reads it
// this way.
func (t Test) ConfigDataCRCFailed() bool {
	return t.PostCodeL&postConfigCRC == 0
}

func (t Test) PanelTestFailed() bool {
	return t.PostCodeL&postPanelTest == 0
}

func (t Test) ScanningEnabled() bool {
	return t.PostCodeL&postScanning != 0
}

// Panel holds axis ranges and origin flags.
type Panel struct {
	MaxX int
	MaxY int
	MaxP int
	// Origin flags; false means the conventional corner (left for X,
	// upper for Y).
	XOriginRight  bool
	YOriginBottom bool
}

// OpConfig describes the operational register window and touch
// report layout.
type OpConfig struct {
	CmdOfs        int
	RepOfs        int
	RepSize       int
	NumButtons    int
	NumButtonRegs int
	TTStatOfs     int
	ObjCfg0       byte
	MaxTouches    int
	RecordSize    int
	BtnRecSize    int
	BtnDiffOfs    int
	BtnDiffSize   int
	NoiseDataOfs  int
	NoiseDataSize int

	Fields [NumAxes]TouchField
}

// ModeSize is the size of the mode header, through the touch status
// byte.
func (o *OpConfig) ModeSize() int {
	return o.TTStatOfs + 1
}

// DataSize is the size of a maximally populated touch report body.
func (o *OpConfig) DataSize() int {
	return o.MaxTouches * o.RecordSize
}

// RepHdrSize is the size of the report header, from the report length
// byte through the touch status byte.
func (o *OpConfig) RepHdrSize() int {
	return o.ModeSize() - o.RepOfs
}

// TTConfig is the stored touch parameter table info, discovered by
// the control plane after the map is parsed.
type TTConfig struct {
	Version   uint16
	Length    uint16
	MaxLength uint16
	CRC       uint16
}

// SysInfo is the parsed system information map.
type SysInfo struct {
	HstMode byte
	MapSize int

	CyDataOfs int
	TestOfs   int
	PcfgOfs   int
	OpCfgOfs  int
	DDataOfs  int
	MDataOfs  int

	CyData CyData
	Test   Test
	Panel  Panel
	OpCfg  OpConfig

	DData []byte
	MData []byte

	TTConfig TTConfig

	// XYMode holds the captured operational mode header; XYData
	// aliases the touch records that follow it.
	XYMode []byte
	XYData []byte
}

// VersionAtLeast reports whether the TrueTouch protocol version is at
// least maj.min.
func (s *SysInfo) VersionAtLeast(maj, min byte) bool {
	if s.CyData.TTSPVerMajor != maj {
		return s.CyData.TTSPVerMajor > maj
	}
	return s.CyData.TTSPVerMinor >= min
}

// Uint16 decodes a stored 16-bit field using the byte order the
// controller declared in its identity block.
func (s *SysInfo) Uint16(b []byte) uint16 {
	if s.CyData.DeviceInfo&deviceInfoLittleEndian != 0 {
		return uint16(b[1])<<8 | uint16(b[0])
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

// PutUint16 is the inverse of Uint16.
func (s *SysInfo) PutUint16(b []byte, v uint16) {
	if s.CyData.DeviceInfo&deviceInfoLittleEndian != 0 {
		b[0] = byte(v)
		b[1] = byte(v >> 8)
		return
	}
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func be16(b []byte) int {
	return int(b[0])<<8 | int(b[1])
}

func bitsToBytes(nbits int) (size, max int) {
	return (nbits + 7) / 8, 1 << nbits
}

// Read walks the sysinfo map block by block and returns the parsed
// result. Reads are incremental, mirroring how the map is laid out;
// nothing is read past the self-declared map size.
func Read(read ReadFunc) (*SysInfo, error) {
	s := new(SysInfo)
	if err := s.readOffsets(read); err != nil {
		return nil, err
	}
	if err := s.readCyData(read); err != nil {
		return nil, err
	}
	if err := s.readTest(read); err != nil {
		return nil, err
	}
	if err := s.readPanel(read); err != nil {
		return nil, err
	}
	if err := s.readOpCfg(read); err != nil {
		return nil, err
	}
	if err := s.readDData(read); err != nil {
		return nil, err
	}
	if err := s.readMData(read); err != nil {
		return nil, err
	}
	s.XYMode = make([]byte, s.OpCfg.ModeSize()+s.OpCfg.DataSize())
	s.XYData = s.XYMode[s.OpCfg.TTStatOfs+1:]
	return s, nil
}

func (s *SysInfo) readOffsets(read ReadFunc) error {
	hdr := make([]byte, hdrSize)
	if err := read(0, hdr); err != nil {
		return fmt.Errorf("sysinfo: read offsets: %w", err)
	}
	s.HstMode = hdr[0]
	s.MapSize = be16(hdr[hdrMapSize:])
	s.CyDataOfs = be16(hdr[hdrCyDataOfs:])
	s.TestOfs = be16(hdr[hdrTestOfs:])
	s.PcfgOfs = be16(hdr[hdrPcfgOfs:])
	s.OpCfgOfs = be16(hdr[hdrOpCfgOfs:])
	s.DDataOfs = be16(hdr[hdrDDataOfs:])
	s.MDataOfs = be16(hdr[hdrMDataOfs:])

	ordered := s.CyDataOfs >= hdrSize &&
		s.TestOfs > s.CyDataOfs &&
		s.PcfgOfs > s.TestOfs &&
		s.OpCfgOfs > s.PcfgOfs &&
		s.DDataOfs > s.OpCfgOfs &&
		s.MDataOfs > s.DDataOfs &&
		s.MapSize >= s.MDataOfs
	if !ordered {
		return fmt.Errorf("%w: offsets %d %d %d %d %d %d map %d",
			ErrLayout, s.CyDataOfs, s.TestOfs, s.PcfgOfs,
			s.OpCfgOfs, s.DDataOfs, s.MDataOfs, s.MapSize)
	}
	return nil
}

func (s *SysInfo) readCyData(read ReadFunc) error {
	size := s.TestOfs - s.CyDataOfs
	if size < cyDataFixedSize {
		return fmt.Errorf("%w: cydata size %d", ErrLayout, size)
	}
	// The manufacturing ID sits in the middle of the block with its
	// length just before it, so the block is read in three pieces.
	head := make([]byte, 19)
	if err := read(uint16(s.CyDataOfs), head); err != nil {
		return fmt.Errorf("sysinfo: read cydata: %w", err)
	}
	mfgSize := int(head[18])
	if mfgSize != size-cyDataFixedSize {
		return fmt.Errorf("%w: mfg id size %d, block leaves %d",
			ErrLayout, mfgSize, size-cyDataFixedSize)
	}
	c := &s.CyData
	c.ProductID = uint16(head[0])<<8 | uint16(head[1])
	c.FWVerMajor = head[2]
	c.FWVerMinor = head[3]
	copy(c.RevCtrl[:], head[4:12])
	c.BLVerMajor = head[12]
	c.BLVerMinor = head[13]
	copy(c.JtagID[:], head[14:18])

	ofs := s.CyDataOfs + len(head)
	c.MfgID = make([]byte, mfgSize)
	if mfgSize > 0 {
		if err := read(uint16(ofs), c.MfgID); err != nil {
			return fmt.Errorf("sysinfo: read mfg id: %w", err)
		}
		ofs += mfgSize
	}
	tail := make([]byte, 7)
	if err := read(uint16(ofs), tail); err != nil {
		return fmt.Errorf("sysinfo: read cydata tail: %w", err)
	}
	c.CyitoID = uint16(tail[0])<<8 | uint16(tail[1])
	c.CyitoVer = uint16(tail[2])<<8 | uint16(tail[3])
	c.TTSPVerMajor = tail[4]
	c.TTSPVerMinor = tail[5]
	c.DeviceInfo = tail[6]
	return nil
}

func (s *SysInfo) readTest(read ReadFunc) error {
	size := s.PcfgOfs - s.TestOfs
	if size < 2 {
		return fmt.Errorf("%w: test size %d", ErrLayout, size)
	}
	blk := make([]byte, size)
	if err := read(uint16(s.TestOfs), blk); err != nil {
		return fmt.Errorf("sysinfo: read test: %w", err)
	}
	s.Test.PostCodeH = blk[0]
	s.Test.PostCodeL = blk[1]
	return nil
}

func (s *SysInfo) readPanel(read ReadFunc) error {
	size := s.OpCfgOfs - s.PcfgOfs
	if size < pcfgMinSize {
		return fmt.Errorf("%w: pcfg size %d", ErrLayout, size)
	}
	blk := make([]byte, size)
	if err := read(uint16(s.PcfgOfs), blk); err != nil {
		return fmt.Errorf("sysinfo: read pcfg: %w", err)
	}
	p := &s.Panel
	p.MaxX = int(blk[pcfgResXH]&pcfgResolutionMask)<<8 | int(blk[pcfgResXL])
	p.XOriginRight = blk[pcfgResXH]&pcfgOriginMask != 0
	p.MaxY = int(blk[pcfgResYH]&pcfgResolutionMask)<<8 | int(blk[pcfgResYL])
	p.YOriginBottom = blk[pcfgResYH]&pcfgOriginMask != 0
	p.MaxP = int(blk[pcfgMaxZH])<<8 | int(blk[pcfgMaxZL])
	return nil
}

func (s *SysInfo) readOpCfg(read ReadFunc) error {
	size := s.DDataOfs - s.OpCfgOfs
	if size < opMinSize {
		return fmt.Errorf("%w: opcfg size %d", ErrLayout, size)
	}
	blk := make([]byte, size)
	if err := read(uint16(s.OpCfgOfs), blk); err != nil {
		return fmt.Errorf("sysinfo: read opcfg: %w", err)
	}
	o := &s.OpCfg
	o.CmdOfs = int(blk[opCmdOfs])
	o.RepOfs = int(blk[opRepOfs])
	o.RepSize = be16(blk[opRepSizeH:])
	o.NumButtons = int(blk[opNumBtns])
	o.NumButtonRegs = (o.NumButtons + buttonsPerRegister - 1) / buttonsPerRegister
	o.TTStatOfs = int(blk[opTTStatOfs])
	o.ObjCfg0 = blk[opObjCfg0]
	o.MaxTouches = int(blk[opMaxTouches] & byteOfsMask)
	o.RecordSize = int(blk[opRecordSize] & byteOfsMask)

	parseField := func(loc, bits byte) TouchField {
		var f TouchField
		f.Ofs = int(loc & byteOfsMask)
		f.Size, f.Max = bitsToBytes(int(bits))
		f.BOfs = int(loc&bofsMask) >> bofsShift
		return f
	}
	for i := 0; i < numBaseAxes; i++ {
		o.Fields[i] = parseField(blk[opBaseFields+2*i], blk[opBaseFields+2*i+1])
	}
	o.BtnRecSize = int(blk[opBtnRecSize])
	o.BtnDiffOfs = int(blk[opBtnDiffOfs])
	o.BtnDiffSize = int(blk[opBtnDiffSize])
	if s.VersionAtLeast(2, 3) && size >= opNoiseOfs {
		for i := 0; i < numExtAxes; i++ {
			o.Fields[numBaseAxes+i] = parseField(blk[opExtFields+2*i], blk[opExtFields+2*i+1])
		}
	}
	if s.VersionAtLeast(2, 4) && size >= opNoiseIndex {
		o.NoiseDataOfs = int(blk[opNoiseOfs])
		o.NoiseDataSize = int(blk[opNoiseSize])
	}

	if o.RecordSize == 0 || o.TTStatOfs <= o.RepOfs {
		return fmt.Errorf("%w: rec size %d tt stat %d rep %d",
			ErrLayout, o.RecordSize, o.TTStatOfs, o.RepOfs)
	}
	return nil
}

func (s *SysInfo) readDData(read ReadFunc) error {
	size := s.MDataOfs - s.DDataOfs
	s.DData = make([]byte, size)
	if err := read(uint16(s.DDataOfs), s.DData); err != nil {
		return fmt.Errorf("sysinfo: read ddata: %w", err)
	}
	return nil
}

func (s *SysInfo) readMData(read ReadFunc) error {
	size := s.MapSize - s.MDataOfs
	s.MData = make([]byte, size)
	if err := read(uint16(s.MDataOfs), s.MData); err != nil {
		return fmt.Errorf("sysinfo: read mdata: %w", err)
	}
	return nil
}

// TouchRecord returns the raw bytes of record i in the captured
// report.
func (s *SysInfo) TouchRecord(i int) []byte {
	sz := s.OpCfg.RecordSize
	return s.XYData[i*sz : (i+1)*sz]
}

// RecordAxes decodes every axis of touch record i.
func (s *SysInfo) RecordAxes(i int) [NumAxes]int {
	var axes [NumAxes]int
	rec := s.TouchRecord(i)
	for a := AxisX; a < NumAxes; a++ {
		f := s.OpCfg.Fields[a]
		if f.Size == 0 {
			continue
		}
		axes[a] = f.Field(rec)
	}
	return axes
}
