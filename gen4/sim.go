package gen4

import (
	"bytes"
	"fmt"
	"sync"
)

// Simulator mimics a Gen4 controller well enough to exercise the
// driver without hardware: bootloader heartbeat and handoff, the
// self-describing system information map, the command engine in both
// application modes, touch reports and the power transitions. It
// implements bus.Bus; IRQ delivers its interrupt edges.
type Simulator struct {
	mu  sync.Mutex
	irq chan struct{}

	inBL    bool
	hbBuf   [8]byte
	simMode byte // active mode bits while out of the bootloader

	simap  []byte
	opWin  [64]byte
	catWin [192]byte

	cfg      []byte
	rowSize  int
	params   map[byte]uint32
	sleeping bool
	gesture  byte

	corruptApp   bool
	resets       int
	lastExitFast bool

	panel []byte
}

// Simulated operational window layout, as described by the map the
// simulator serves.
const (
	simCmdOfs    = 2
	simRepOfs    = 0x0c
	simTTStatOfs = 0x0e
	simRecSize   = 8
	simMaxTouch  = 4

	simRowSize = 64
	simCfgSize = 128
)

func NewSimulator() *Simulator {
	s := &Simulator{
		irq:     make(chan struct{}, 8),
		rowSize: simRowSize,
		params: map[byte]uint32{
			RAMIDTouchMode:       0x00,
			RAMIDRefreshInterval: 20,
			RAMIDScanType:        uint32(ScanAPAMC),
		},
	}
	s.simap = buildSimMap()
	s.cfg = make([]byte, simCfgSize)
	s.cfg[0], s.cfg[1] = byte(simCfgSize>>8), byte(simCfgSize)
	s.cfg[2], s.cfg[3] = byte(simCfgSize>>8), byte(simCfgSize)
	s.cfg[cfgVersionOfs], s.cfg[cfgVersionOfs+1] = 0x01, 0x02
	s.fixCfgCRC()
	s.panel = make([]byte, 32)
	for i := range s.panel {
		s.panel[i] = byte(i * 3)
	}
	s.enterBootloader()
	return s
}

// buildSimMap assembles the system information image: identity, self
// test results, panel geometry and the operational window layout.
func buildSimMap() []byte {
	img := make([]byte, 100)
	put16 := func(ofs, v int) {
		img[ofs] = byte(v >> 8)
		img[ofs+1] = byte(v)
	}
	img[0] = hstSysinfo
	put16(2, 100)
	put16(4, 16) // cydata
	put16(6, 44) // test
	put16(8, 46) // pcfg
	put16(10, 58) // opcfg
	put16(12, 92) // ddata
	put16(14, 96) // mdata

	cy := img[16:44]
	cy[0], cy[1] = 0xa5, 0x01 // product
	cy[2], cy[3] = 2, 4       // fw version
	for i := 0; i < 8; i++ {
		cy[4+i] = byte(i + 1)
	}
	cy[12], cy[13] = 1, 1 // bootloader version
	cy[18] = 2
	cy[19], cy[20] = 0xde, 0xad
	cy[25], cy[26] = 2, 5 // protocol version

	img[44], img[45] = 0x00, 0x0e

	p := img[46:58]
	p[6], p[7] = 0x03, 0x20 // 800
	p[8], p[9] = 0x01, 0xe0 // 480
	p[10], p[11] = 0x00, 0xff

	o := img[58:92]
	o[0] = simCmdOfs
	o[1] = simRepOfs
	o[2], o[3] = 0, 100
	o[5] = simTTStatOfs
	o[7] = simMaxTouch
	o[8] = simRecSize
	fields := [][2]byte{
		{0, 16},       // X
		{2, 16},       // Y
		{4, 8},        // P
		{5, 5},        // ID
		{5 | 5<<5, 2}, // event
		{6, 2},        // object
		{7, 8},        // W
	}
	for i, f := range fields {
		o[9+2*i] = f[0]
		o[9+2*i+1] = f[1]
	}
	return img
}

// IRQ returns the interrupt edge channel.
func (s *Simulator) IRQ() <-chan struct{} { return s.irq }

func (s *Simulator) pulse() {
	select {
	case s.irq <- struct{}{}:
	default:
	}
}

func (s *Simulator) fixCfgCRC() {
	crc := crc16(s.cfg[:len(s.cfg)-2])
	s.cfg[len(s.cfg)-2] = byte(crc >> 8)
	s.cfg[len(s.cfg)-1] = byte(crc)
}

// Config returns a copy of the stored parameter table.
func (s *Simulator) Config() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.cfg))
	copy(out, s.cfg)
	return out
}

// Resets reports how many resets the controller saw.
func (s *Simulator) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// LastExitFast reports whether the most recent bootloader exit used
// the fast command, the one that skips application validation.
func (s *Simulator) LastExitFast() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExitFast
}

// Sleeping reports whether the controller is in deep sleep.
func (s *Simulator) Sleeping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sleeping
}

// SetCorruptApp makes the bootloader refuse the application handoff,
// leaving the validation error signature in its registers.
func (s *Simulator) SetCorruptApp(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptApp = v
}

// EnterBootloader drops the controller back into its bootloader, the
// way a firmware watchdog reset would.
func (s *Simulator) EnterBootloader() {
	s.mu.Lock()
	s.enterBootloader()
	s.mu.Unlock()
}

func (s *Simulator) enterBootloader() {
	s.inBL = true
	s.sleeping = false
	s.resets++
	s.hbBuf = [8]byte{0x01}
	s.pulse()
}

// EnterBootloaderQuiet drops into the bootloader without raising the
// heartbeat interrupt, the way a silently wedged controller looks to
// the watchdog.
func (s *Simulator) EnterBootloaderQuiet() {
	s.mu.Lock()
	s.inBL = true
	s.sleeping = false
	s.hbBuf = [8]byte{0x01}
	s.mu.Unlock()
}

// PulseHeartbeat emits one idle bootloader heartbeat interrupt.
func (s *Simulator) PulseHeartbeat() {
	s.pulse()
}

// Touch latches the given raw records and raises a report interrupt.
func (s *Simulator) Touch(recs ...[]byte) {
	s.TouchRaw(0, byte(len(recs)), recs...)
}

// TouchRaw latches a report with explicit report status and touch
// status bytes.
func (s *Simulator) TouchRaw(repStat, ttStat byte, recs ...[]byte) {
	s.mu.Lock()
	w := s.opWin[:]
	w[simRepOfs] = byte(3 + simRecSize*len(recs))
	w[simRepOfs+1] = repStat
	w[simTTStatOfs] = ttStat
	for i, r := range recs {
		copy(w[simTTStatOfs+1+simRecSize*i:], r)
	}
	s.mu.Unlock()
	s.pulse()
}

// Gesture completes an armed wait-for-event command, as the firmware
// does when it sees the wakeup gesture.
func (s *Simulator) Gesture() {
	s.mu.Lock()
	if s.gesture != 0 {
		s.opWin[simCmdOfs] |= cmdCompleteBit
		s.gesture = 0
	}
	s.mu.Unlock()
	s.pulse()
}

func (s *Simulator) window() []byte {
	if s.simMode == hstSysinfo {
		return s.simap
	}
	if s.simMode == hstCAT {
		return s.catWin[:]
	}
	return s.opWin[:]
}

func (s *Simulator) Read(addr uint16, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inBL {
		for i := range buf {
			if int(addr)+i < len(s.hbBuf) {
				buf[i] = s.hbBuf[int(addr)+i]
			} else {
				buf[i] = 0
			}
		}
		return nil
	}
	if s.sleeping {
		// Any bus access wakes the controller; the sleep bits clear
		// themselves on the way up.
		s.sleeping = false
		s.window()[0] &^= hstSleep | hstLowPower
		s.pulse()
	}
	w := s.window()
	if int(addr)+len(buf) > len(w) {
		return fmt.Errorf("sim: read beyond window: 0x%x+%d", addr, len(buf))
	}
	copy(buf, w[addr:])
	return nil
}

func (s *Simulator) Write(addr uint16, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inBL {
		if bytes.Equal(buf, ldrExitCmd) || bytes.Equal(buf, ldrFastExit) {
			s.lastExitFast = bytes.Equal(buf, ldrFastExit)
			if s.corruptApp {
				s.hbBuf = [8]byte{0x00}
				copy(s.hbBuf[1:], ldrErrApp)
				return nil
			}
			s.inBL = false
			s.simMode = hstSysinfo
			s.simap[0] = hstSysinfo
			s.pulse()
			return nil
		}
		if addr == regBase && len(buf) == 1 && buf[0]&hstReset != 0 {
			s.enterBootloader()
		}
		return nil
	}
	if addr == regBase && len(buf) == 1 {
		b := buf[0]
		switch {
		case b&hstReset != 0:
			s.enterBootloader()
		case b&hstModeChange != 0:
			s.changeMode(b)
		case b&hstSleep != 0:
			s.window()[0] = b
			s.sleeping = true
		default:
			s.window()[0] = b
		}
		return nil
	}
	if addr == simCmdOfs && len(buf) == 1 && s.simMode != hstSysinfo {
		s.execCommand(buf[0])
		return nil
	}
	w := s.window()
	if int(addr)+len(buf) > len(w) {
		return fmt.Errorf("sim: write beyond window: 0x%x+%d", addr, len(buf))
	}
	copy(w[addr:], buf)
	return nil
}

func (s *Simulator) Close() error { return nil }

func (s *Simulator) changeMode(b byte) {
	s.simMode = b & hstModeMask
	w := s.window()
	if s.simMode == hstOperate {
		for i := range s.opWin {
			s.opWin[i] = 0
		}
	}
	w[0] = b &^ hstModeChange
	if s.simMode != hstSysinfo {
		w[simCmdOfs] = cmdCompleteBit
	}
	s.pulse()
}

// execCommand runs one command of the mode's command set. The response
// lands in the registers behind the command register and the complete
// bit raises an interrupt, with the toggle bit flipped.
func (s *Simulator) execCommand(op byte) {
	w := s.window()
	params := w[simCmdOfs+1:]
	var resp []byte

	if s.simMode == hstCAT {
		resp = s.execCAT(op&cmdMask, params)
	} else {
		var done bool
		resp, done = s.execOp(op&cmdMask, params)
		if !done {
			// Armed but not complete; no interrupt until the event.
			w[simCmdOfs] = w[simCmdOfs]&cmdToggleBit | op&cmdMask
			return
		}
	}
	copy(params, resp)
	toggle := w[simCmdOfs]&cmdToggleBit ^ cmdToggleBit
	w[simCmdOfs] = toggle | cmdCompleteBit | op&cmdMask
	s.pulse()
}

func (s *Simulator) execCAT(op byte, params []byte) []byte {
	switch op {
	case catCmdGetCfgRowSize:
		return []byte{byte(s.rowSize >> 8), byte(s.rowSize)}

	case catCmdReadCfgBlock:
		row := be16(params)
		length := be16(params[2:])
		ebid := params[4]
		start := row * s.rowSize
		if ebid != BlockTouchParams || start+length > len(s.cfg) {
			return []byte{0x01}
		}
		data := s.cfg[start : start+length]
		resp := []byte{0x00, ebid, byte(length >> 8), byte(length), 0x00}
		resp = append(resp, data...)
		crc := crc16(data)
		return append(resp, byte(crc>>8), byte(crc))

	case catCmdWriteCfgBlock:
		row := be16(params)
		length := be16(params[2:])
		ebid := params[4]
		data := params[5 : 5+length]
		key := params[5+length : 5+length+len(securityKey)]
		start := row * s.rowSize
		if ebid != BlockTouchParams || start+length > len(s.cfg) || !bytes.Equal(key, securityKey) {
			return []byte{0x01}
		}
		copy(s.cfg[start:], data)
		return []byte{0x00, ebid, byte(length >> 8), byte(length), 0x00}

	case catCmdVerifyCfgCRC:
		calc := crc16(s.cfg[:len(s.cfg)-2])
		stored := uint16(be16(s.cfg[len(s.cfg)-2:]))
		status := byte(0x01)
		if calc == stored {
			status = 0x00
		}
		return []byte{status, byte(calc >> 8), byte(calc), byte(stored >> 8), byte(stored)}

	case catCmdCalibrate, catCmdInitBaselines, catCmdExecPanelScan:
		return []byte{0x00}

	case catCmdRetrievePanel, catCmdRetrieveData:
		ofs := be16(params)
		num := be16(params[2:])
		avail := len(s.panel)/2 - ofs
		if avail < 0 {
			avail = 0
		}
		if num > avail {
			num = avail
		}
		resp := []byte{0x00, byte(num >> 8), byte(num), 0x00, 0x02}
		return append(resp, s.panel[ofs*2:(ofs+num)*2]...)
	}
	return []byte{0x01}
}

func (s *Simulator) execOp(op byte, params []byte) (resp []byte, done bool) {
	switch op {
	case opCmdGetParam:
		id := params[0]
		v, ok := s.params[id]
		if !ok {
			return []byte{0x01}, true
		}
		return []byte{id, 1, byte(v)}, true

	case opCmdSetParam:
		id := params[0]
		size := int(params[1])
		var v uint32
		for i := 0; i < size; i++ {
			v = v<<8 | uint32(params[2+i])
		}
		s.params[id] = v
		return []byte{id, byte(size)}, true

	case opCmdGetCfgCRC:
		return []byte{0x00, s.cfg[len(s.cfg)-2], s.cfg[len(s.cfg)-1]}, true

	case opCmdWaitForEvent:
		s.gesture = params[0]
		return nil, false
	}
	return []byte{0x01}, true
}
