// command ttg4 is the bench tool for TrueTouch Gen4 controllers: it
// probes a panel, snapshots and restores its stored configuration,
// recalibrates it and pulls raw panel scans.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"periph.io/x/host/v3"

	"truetouch.dev/bus"
	"truetouch.dev/gen4"
)

var (
	i2cRef    = flag.String("i2c", "", "i2c bus reference, e.g. 1 or /dev/i2c-1")
	i2cAddr   = flag.Uint("addr", 0x24, "i2c device address")
	wideAddr  = flag.Bool("wide", false, "16-bit register addressing")
	useHID    = flag.Bool("hid", false, "use an MCP2221A USB bridge")
	serialDev = flag.String("serial", "", "serial register bridge device")
	simulate  = flag.Bool("sim", false, "run against the built-in simulator")
	irqPin    = flag.String("irq", "", "interrupt GPIO name")
	resetPin  = flag.String("reset", "", "XRES GPIO name")
	scanElems = flag.Int("elements", 256, "panel scan element count")
	scanType  = flag.Int("type", 0, "panel scan data type")
)

// Snapshot is the dump file layout, CBOR encoded.
type Snapshot struct {
	Product   uint16 `cbor:"product"`
	FWMajor   byte   `cbor:"fw_major"`
	FWMinor   byte   `cbor:"fw_minor"`
	CfgVer    uint16 `cbor:"config_version"`
	CfgCRC    uint16 `cbor:"config_crc"`
	Config    []byte `cbor:"config"`
	TakenUnix int64  `cbor:"taken"`
}

func main() {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: ttg4 [flags] probe|dump|restore|calibrate|scan [file]\n")
		os.Exit(1)
	}
	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "ttg4: %v\n", err)
		os.Exit(1)
	}
}

func run(action string) error {
	drv, closeBus, err := open()
	if err != nil {
		return err
	}
	defer closeBus()
	if err := drv.Start(); err != nil {
		return err
	}
	defer drv.Stop()

	switch action {
	case "probe":
		return probe(drv)
	case "dump":
		if flag.NArg() < 2 {
			return fmt.Errorf("dump needs a file argument")
		}
		return dump(drv, flag.Arg(1))
	case "restore":
		if flag.NArg() < 2 {
			return fmt.Errorf("restore needs a file argument")
		}
		return restore(drv, flag.Arg(1))
	case "calibrate":
		return drv.Calibrate()
	case "scan":
		return scan(drv)
	}
	return fmt.Errorf("unknown action %q", action)
}

func open() (*gen4.Driver, func(), error) {
	if *simulate {
		sim := gen4.NewSimulator()
		drv := gen4.New(sim, gen4.Options{IRQ: sim.IRQ()})
		return drv, func() {}, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("host init: %w", err)
	}

	var (
		b   bus.Bus
		err error
	)
	switch {
	case *useHID:
		b, err = bus.OpenMCP2221(bus.MCP2221Options{
			Addr:     uint8(*i2cAddr),
			WideAddr: *wideAddr,
		})
	case *serialDev != "":
		b, err = bus.OpenSerial(*serialDev)
	default:
		b, err = bus.OpenI2C(bus.I2COptions{
			Ref:      *i2cRef,
			Addr:     uint16(*i2cAddr),
			WideAddr: *wideAddr,
		})
	}
	if err != nil {
		return nil, nil, err
	}

	opts := gen4.Options{}
	if *irqPin != "" {
		irq, err := bus.OpenIRQ(*irqPin)
		if err != nil {
			b.Close()
			return nil, nil, err
		}
		opts.IRQ = irq.Events()
	} else {
		return nil, nil, fmt.Errorf("-irq is required without -sim")
	}
	if *resetPin != "" {
		rst, err := bus.OpenReset(*resetPin)
		if err != nil {
			b.Close()
			return nil, nil, err
		}
		opts.HardReset = func() error {
			return rst.Pulse(time.Millisecond)
		}
	}

	drv := gen4.New(b, opts)
	return drv, func() { b.Close() }, nil
}

func probe(drv *gen4.Driver) error {
	si := drv.SysInfo()
	cy := &si.CyData
	log.Printf("product 0x%04x, firmware %d.%d, bootloader %d.%d, protocol %d.%d",
		cy.ProductID, cy.FWVerMajor, cy.FWVerMinor,
		cy.BLVerMajor, cy.BLVerMinor, cy.TTSPVerMajor, cy.TTSPVerMinor)
	log.Printf("panel %dx%d, max pressure %d, %d touches of %d bytes",
		si.Panel.MaxX, si.Panel.MaxY, si.Panel.MaxP,
		si.OpCfg.MaxTouches, si.OpCfg.RecordSize)
	log.Printf("config version 0x%04x, %d of %d bytes, crc 0x%04x",
		si.TTConfig.Version, si.TTConfig.Length, si.TTConfig.MaxLength, si.TTConfig.CRC)
	if si.Test.ConfigDataCRCFailed() {
		log.Printf("self test: config crc FAILED")
	}
	if si.Test.PanelTestFailed() {
		log.Printf("self test: panel test FAILED")
	}
	if si.Test.WatchdogReset() {
		log.Printf("self test: watchdog reset occurred")
	}
	return nil
}

func dump(drv *gen4.Driver, file string) error {
	cfg, err := drv.ReadConfig(gen4.BlockTouchParams)
	if err != nil {
		return err
	}
	si := drv.SysInfo()
	snap := Snapshot{
		Product:   si.CyData.ProductID,
		FWMajor:   si.CyData.FWVerMajor,
		FWMinor:   si.CyData.FWVerMinor,
		CfgVer:    si.TTConfig.Version,
		CfgCRC:    si.TTConfig.CRC,
		Config:    cfg,
		TakenUnix: time.Now().Unix(),
	}
	enc, err := cbor.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.WriteFile(file, enc, 0o644); err != nil {
		return err
	}
	log.Printf("dumped %d config bytes to %s", len(cfg), file)
	return nil
}

func restore(drv *gen4.Driver, file string) error {
	enc, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := cbor.Unmarshal(enc, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", file, err)
	}
	si := drv.SysInfo()
	if snap.Product != si.CyData.ProductID {
		return fmt.Errorf("snapshot is for product 0x%04x, panel is 0x%04x",
			snap.Product, si.CyData.ProductID)
	}
	if err := drv.WriteConfig(gen4.BlockTouchParams, 0, snap.Config); err != nil {
		return err
	}
	log.Printf("restored %d config bytes", len(snap.Config))
	// The restored table only takes effect on the next startup.
	return drv.RequestRestart(true)
}

func scan(drv *gen4.Driver) error {
	ps, err := drv.ScanPanel(*scanElems, byte(*scanType))
	if err != nil {
		return err
	}
	log.Printf("%d elements of %d bytes", ps.Elements, ps.ElementSize)
	for i := 0; i < ps.Elements; i++ {
		fmt.Printf("%d", decodeElem(ps, i))
		if (i+1)%16 == 0 {
			fmt.Println()
		} else {
			fmt.Print(" ")
		}
	}
	if ps.Elements%16 != 0 {
		fmt.Println()
	}
	return nil
}

func decodeElem(ps *gen4.PanelScan, i int) int {
	v := 0
	for j := 0; j < ps.ElementSize; j++ {
		v = v<<8 | int(ps.Data[i*ps.ElementSize+j])
	}
	return v
}
