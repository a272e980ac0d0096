package gen4

// Register window layout shared by all device modes. The first byte is
// the host mode register; in configuration and test mode the command
// register sits at a fixed offset, in operational mode its offset comes
// from the system information map.
const (
	regBase   uint16 = 0
	regCATCmd uint16 = 2
)

// Host mode register bits.
const (
	hstToggle     = 0x80
	hstModeMask   = 0x70
	hstOperate    = 0x00
	hstSysinfo    = 0x10
	hstCAT        = 0x20
	hstModeChange = 0x08
	hstLowPower   = 0x04
	hstSleep      = 0x02
	hstReset      = 0x01
)

// Command register bits. The toggle bit flips on every completed
// command; the complete bit is set while the engine is idle.
const (
	cmdToggleBit   = 0x80
	cmdCompleteBit = 0x40
	cmdMask        = 0x3f
)

// Configuration and test mode commands.
const (
	catCmdGetCfgRowSize = 0x02
	catCmdReadCfgBlock  = 0x03
	catCmdWriteCfgBlock = 0x04
	catCmdCalibrate     = 0x09
	catCmdInitBaselines = 0x0a
	catCmdExecPanelScan = 0x0b
	catCmdRetrievePanel = 0x0c
	catCmdRetrieveData  = 0x10
	catCmdVerifyCfgCRC  = 0x11
)

// Operational mode commands.
const (
	opCmdGetParam     = 0x02
	opCmdSetParam     = 0x03
	opCmdGetCfgCRC    = 0x05
	opCmdWaitForEvent = 0x06
)

// Touch status register bits.
const (
	numTouchMask  = 0x1f
	largeAreaMask = 0x20
	badPacketMask = 0x20
)

// RAM parameter IDs, accessed with the get/set parameter commands.
const (
	RAMIDTouchMode       = 0x02
	RAMIDRefreshInterval = 0x4d
	RAMIDScanType        = 0xd4
)

// Proximity reporting toggles through the high bit of the touch mode
// parameter on firmware without the RAM scan type register.
const touchModeProximityBit = 0x80

const startupRetries = 3

// Gesture value meaning easy wakeup is disabled.
const gestureNone = 0xff

// Bootloader command sequences. The exit commands hand control to the
// touch application; the error signature is what the bootloader leaves
// in its registers when the application image fails validation.
var (
	securityKey = []byte{0xa5, 0x01, 0x02, 0x03, 0xff, 0xfe, 0xfd, 0x5a}
	ldrExitCmd  = []byte{0xff, 0x01, 0x3b, 0x00, 0x00, 0x4f, 0x6d, 0x17}
	ldrFastExit = []byte{0xff, 0x01, 0x3c, 0x00, 0x00, 0xc3, 0x68, 0x17}
	ldrErrApp   = []byte{0x01, 0x02, 0x00, 0x00, 0x55, 0xdd, 0x17}
)

// bootloaderRunning recognizes the bootloader heartbeat in the first
// two bytes of the register window.
func bootloaderRunning(m0, m1 byte) bool {
	return m0&0x01 != 0 || m1 != 0
}

// bootloaderIdle reports whether the heartbeat shows the bootloader
// waiting for commands rather than busy validating the application.
func bootloaderIdle(m0, m1 byte) bool {
	return m0&0x01 != 0 && m1 == 0
}
