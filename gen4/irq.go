package gen4

func (d *Driver) irqLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case <-d.opts.IRQ:
			d.serviceIRQ()
		}
	}
}

// serviceIRQ handles one falling edge of the interrupt line. The
// first three bytes of the register window identify the running mode
// and, in application modes, mirror the command register; everything
// else hangs off armed dispositions in d.ints.
func (d *Driver) serviceIRQ() {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Edges during deep sleep are spurious; the wake path rearms
	// interest before it touches the bus.
	if d.sleep == sleepOn {
		return
	}

	var hdr [3]byte
	if err := d.bus.Read(regBase, hdr[:]); err != nil {
		return
	}

	if bootloaderRunning(hdr[0], hdr[1]) {
		d.dispatchAttention(AttnIRQ, ModeBootloader)
		if d.mode != ModeBootloader {
			d.heartbeats = 0
		}
		// An application mode dropping back to the bootloader means
		// the controller reset behind our back.
		if d.mode != ModeBootloader && d.mode != ModeUnknown {
			d.mode = ModeUnknown
			d.queueStartup()
			return
		}
		// A bootloader idling through repeated heartbeats is stuck
		// waiting for an exit command nobody will send.
		if d.mode == ModeBootloader && bootloaderIdle(hdr[0], hdr[1]) {
			if d.heartbeats > 3 {
				d.heartbeats = 0
				d.queueStartup()
				return
			}
			d.heartbeats++
		}
		d.mode = ModeBootloader
		d.broadcast()
		return
	}

	var cur Mode
	switch hdr[0] & hstModeMask {
	case hstOperate:
		cur = ModeOperational
	case hstSysinfo:
		cur = ModeSysinfo
	case hstCAT:
		cur = ModeCAT
	default:
		cur = ModeUnknown
	}
	cmdReg := hdr[2]

	if d.ints&intIgnore != 0 {
		if d.deepSleepConfigured() {
			// The controller woke on its own; push it back down.
			d.deepSleepWrite()
			return
		}
		if cmdReg&cmdMask == opCmdWaitForEvent && cmdReg&cmdCompleteBit != 0 {
			d.wakeByDevice = true
			d.dispatchAttention(AttnWake, cur)
			d.handshake(hdr[0])
			return
		}
	}

	if d.ints&intAwake != 0 {
		d.ints &^= intAwake
		d.broadcast()
		d.handshake(hdr[0])
		return
	}

	if d.ints&intModeChange != 0 && hdr[0]&hstModeChange == 0 {
		d.ints &^= intModeChange
		d.mode = cur
		d.broadcast()
		d.handshake(hdr[0])
		return
	}

	// An unsolicited mode drift means the controller lost state.
	if hdr[0]&hstModeChange == 0 && d.mode != cur {
		d.queueStartup()
		return
	}

	commandComplete := false
	if d.ints&intExecCmd != 0 && cmdReg&cmdCompleteBit != 0 {
		commandComplete = true
		d.ints &^= intExecCmd
		d.broadcast()
	}

	captured := true
	if d.siReady {
		copy(d.si.XYMode, hdr[:])
		if d.mode == ModeOperational {
			captured = d.loadTouchRegs(!commandComplete) == nil
		}
	}

	// A failed capture leaves stale record bytes behind; subscribers
	// never see those.
	if captured {
		d.dispatchAttention(AttnIRQ, d.mode)
	}
	d.handshake(hdr[0])
}

// loadTouchRegs captures the report header and touch records into the
// system information buffers. With no command completion in the same
// edge the first transfer speculatively includes one record, saving a
// bus turnaround for the common single touch. Callers hold d.mu.
func (d *Driver) loadTouchRegs(optimize bool) error {
	o := &d.si.OpCfg
	first := o.RepHdrSize()
	if optimize {
		first += o.RecordSize
	}
	if err := d.bus.Read(uint16(o.RepOfs), d.si.XYMode[o.RepOfs:o.RepOfs+first]); err != nil {
		return err
	}
	repLen := int(d.si.XYMode[o.RepOfs])
	num := int(d.si.XYMode[o.TTStatOfs] & numTouchMask)
	if repLen == 0 && num > 0 {
		return ErrInvalidResponse
	}
	if num > o.MaxTouches {
		num = o.MaxTouches
	}
	rest := num
	second := o.TTStatOfs + 1
	if optimize {
		rest--
		second += o.RecordSize
	}
	if rest > 0 {
		end := second + rest*o.RecordSize
		if err := d.bus.Read(uint16(second), d.si.XYMode[second:end]); err != nil {
			return err
		}
	}
	return nil
}
