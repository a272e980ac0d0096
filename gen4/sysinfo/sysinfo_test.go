package sysinfo

import (
	"bytes"
	"errors"
	"testing"
)

// testMap assembles a small but complete sysinfo image.
func testMap() []byte {
	img := make([]byte, 100)

	put16 := func(ofs int, v int) {
		img[ofs] = byte(v >> 8)
		img[ofs+1] = byte(v)
	}

	// Offsets header.
	img[0] = 0x10 // sysinfo mode
	put16(hdrMapSize, 100)
	put16(hdrCyDataOfs, 16)
	put16(hdrTestOfs, 44)
	put16(hdrPcfgOfs, 46)
	put16(hdrOpCfgOfs, 58)
	put16(hdrDDataOfs, 92)
	put16(hdrMDataOfs, 96)

	// cydata: fixed part plus a 2-byte manufacturing ID.
	cy := img[16:44]
	cy[0], cy[1] = 0xa5, 0x01 // product id
	cy[2], cy[3] = 2, 4       // fw version
	for i := 0; i < 8; i++ {
		cy[4+i] = byte(i + 1)
	}
	cy[12], cy[13] = 1, 1 // bootloader version
	cy[18] = 2            // mfg id size
	cy[19], cy[20] = 0xde, 0xad
	cy[25], cy[26] = 2, 5 // ttsp version
	cy[27] = 0            // device info: big-endian fields

	// test: all POST checks pass, scanning enabled.
	img[44] = 0x00
	img[45] = 0x0e

	// pcfg: 800x480, Y origin at the bottom, max pressure 255.
	p := img[46:58]
	p[pcfgResXH], p[pcfgResXL] = 0x03, 0x20
	p[pcfgResYH], p[pcfgResYL] = 0x81, 0xe0
	p[pcfgMaxZH], p[pcfgMaxZL] = 0x00, 0xff

	// opcfg.
	o := img[58:92]
	o[opCmdOfs] = 2
	o[opRepOfs] = 7
	o[opRepSizeH], o[opRepSizeL] = 0, 100
	o[opTTStatOfs] = 9
	o[opMaxTouches] = 4
	o[opRecordSize] = 8
	fields := [][2]byte{
		{0, 16},         // X
		{2, 16},         // Y
		{4, 8},          // P
		{5, 5},          // ID in the low bits
		{5 | 5<<5, 2},   // event in the bits above it
		{6, 2},          // object
		{7, 8},          // W
	}
	for i, f := range fields {
		o[opBaseFields+2*i] = f[0]
		o[opBaseFields+2*i+1] = f[1]
	}
	o[opNoiseOfs], o[opNoiseSize] = 0x0a, 2

	return img
}

func mapReader(img []byte) ReadFunc {
	return func(ofs uint16, buf []byte) error {
		copy(buf, img[ofs:])
		return nil
	}
}

func TestRead(t *testing.T) {
	si, err := Read(mapReader(testMap()))
	if err != nil {
		t.Fatal(err)
	}
	if si.CyData.ProductID != 0xa501 {
		t.Errorf("product id 0x%04x", si.CyData.ProductID)
	}
	if si.CyData.FWVerMajor != 2 || si.CyData.FWVerMinor != 4 {
		t.Errorf("fw version %d.%d", si.CyData.FWVerMajor, si.CyData.FWVerMinor)
	}
	if !bytes.Equal(si.CyData.MfgID, []byte{0xde, 0xad}) {
		t.Errorf("mfg id % x", si.CyData.MfgID)
	}
	if !si.VersionAtLeast(2, 4) || si.VersionAtLeast(3, 0) {
		t.Errorf("version gates wrong for 2.5")
	}
	if si.Panel.MaxX != 800 || si.Panel.MaxY != 480 || si.Panel.MaxP != 255 {
		t.Errorf("panel %d x %d p %d", si.Panel.MaxX, si.Panel.MaxY, si.Panel.MaxP)
	}
	if si.Panel.XOriginRight || !si.Panel.YOriginBottom {
		t.Errorf("origin flags %v %v", si.Panel.XOriginRight, si.Panel.YOriginBottom)
	}
	o := &si.OpCfg
	if o.CmdOfs != 2 || o.RepOfs != 7 || o.TTStatOfs != 9 {
		t.Errorf("window offsets %d %d %d", o.CmdOfs, o.RepOfs, o.TTStatOfs)
	}
	if o.ModeSize() != 10 || o.RepHdrSize() != 3 || o.DataSize() != 32 {
		t.Errorf("sizes %d %d %d", o.ModeSize(), o.RepHdrSize(), o.DataSize())
	}
	if len(si.XYMode) != o.ModeSize()+o.DataSize() {
		t.Errorf("xy mode len %d", len(si.XYMode))
	}
	if si.Test.ConfigDataCRCFailed() || si.Test.PanelTestFailed() {
		t.Error("POST failures reported for passing codes")
	}
	if !si.Test.ScanningEnabled() {
		t.Error("scanning should be enabled")
	}
}

func TestRecordDecode(t *testing.T) {
	si, err := Read(mapReader(testMap()))
	if err != nil {
		t.Fatal(err)
	}
	// One record: X=0x0123, Y=0x0456, P=0x42, ID=3, event=1.
	rec := []byte{0x01, 0x23, 0x04, 0x56, 0x42, 3 | 1<<5, 0, 0}
	copy(si.XYData, rec)
	axes := si.RecordAxes(0)
	if axes[AxisX] != 0x123 || axes[AxisY] != 0x456 {
		t.Errorf("x=0x%x y=0x%x", axes[AxisX], axes[AxisY])
	}
	if axes[AxisP] != 0x42 {
		t.Errorf("p=0x%x", axes[AxisP])
	}
	if axes[AxisID] != 3 {
		t.Errorf("id=%d", axes[AxisID])
	}
	if axes[AxisEvent] != 1 {
		t.Errorf("event=%d", axes[AxisEvent])
	}
}

func TestUint16ByteOrder(t *testing.T) {
	si := new(SysInfo)
	if got := si.Uint16([]byte{0x12, 0x34}); got != 0x1234 {
		t.Errorf("big-endian got 0x%04x", got)
	}
	si.CyData.DeviceInfo = deviceInfoLittleEndian
	if got := si.Uint16([]byte{0x12, 0x34}); got != 0x3412 {
		t.Errorf("little-endian got 0x%04x", got)
	}
	var buf [2]byte
	si.PutUint16(buf[:], 0x3412)
	if got := si.Uint16(buf[:]); got != 0x3412 {
		t.Errorf("round trip got 0x%04x", got)
	}
}

func TestReadRejectsBadLayout(t *testing.T) {
	img := testMap()
	// Swap the test and pcfg offsets so the blocks overlap.
	img[hdrTestOfs], img[hdrTestOfs+1] = 0, 50
	_, err := Read(mapReader(img))
	if !errors.Is(err, ErrLayout) {
		t.Fatalf("got %v, want layout error", err)
	}
}

func TestReadRejectsMfgIDMismatch(t *testing.T) {
	img := testMap()
	img[16+18] = 5 // reported mfg id size disagrees with the block
	_, err := Read(mapReader(img))
	if !errors.Is(err, ErrLayout) {
		t.Fatalf("got %v, want layout error", err)
	}
}
