package gen4

import (
	"errors"
	"fmt"
	"time"
)

// cmdOffset locates the command register for the given mode. Callers
// hold d.mu.
func (d *Driver) cmdOffset(mode Mode) (uint16, error) {
	switch mode {
	case ModeCAT:
		return regCATCmd, nil
	case ModeOperational:
		if !d.siReady {
			return 0, ErrNotReady
		}
		return uint16(d.si.OpCfg.CmdOfs), nil
	}
	return 0, fmt.Errorf("%w: no command register in %v", ErrWrongMode, mode)
}

// startCommand arms the command interrupt, writes the parameters and
// then the opcode. It fails with ErrBusy when the engine still holds
// an unfinished command. Callers hold d.mu.
func (d *Driver) startCommand(mode Mode, cmd []byte) error {
	if d.mode != mode {
		return fmt.Errorf("%w: in %v, need %v", ErrWrongMode, d.mode, mode)
	}
	ofs, err := d.cmdOffset(mode)
	if err != nil {
		return err
	}
	var status [1]byte
	if err := d.bus.Read(ofs, status[:]); err != nil {
		return fmt.Errorf("gen4: command status: %w", err)
	}
	d.cmdToggle = status[0]&cmdToggleBit != 0
	d.ints |= intExecCmd
	if status[0]&cmdCompleteBit == 0 {
		return ErrBusy
	}
	if len(cmd) > 1 {
		if err := d.bus.Write(ofs+1, cmd[1:]); err != nil {
			return fmt.Errorf("gen4: command parameters: %w", err)
		}
	}
	if err := d.bus.Write(ofs, []byte{cmd[0] & cmdMask}); err != nil {
		return fmt.Errorf("gen4: command opcode: %w", err)
	}
	return nil
}

// waitCommand blocks until the interrupt service routine observes the
// completion. Callers hold d.mu.
func (d *Driver) waitCommand(timeout time.Duration) error {
	if err := d.wait(timeout, func() bool { return d.ints&intExecCmd == 0 }); err != nil {
		d.ints &^= intExecCmd
		return fmt.Errorf("gen4: command completion: %w", err)
	}
	return nil
}

// ExecCommand runs one command of the configuration and test or
// operational command set and reads len(result) response bytes from
// the registers after the command register. A busy engine is waited
// out once before giving up.
func (d *Driver) ExecCommand(mode Mode, cmd []byte, result []byte, timeout time.Duration) error {
	if len(cmd) == 0 {
		return errors.New("gen4: empty command")
	}
	if timeout <= 0 {
		timeout = d.opts.CommandTimeout
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.startCommand(mode, cmd)
	if errors.Is(err, ErrBusy) {
		if err = d.waitCommand(d.opts.CommandTimeout); err != nil {
			return err
		}
		err = d.startCommand(mode, cmd)
	}
	if err != nil {
		return err
	}
	if err := d.waitCommand(timeout); err != nil {
		return err
	}
	if len(result) > 0 {
		ofs, err := d.cmdOffset(mode)
		if err != nil {
			return err
		}
		if err := d.bus.Read(ofs+1, result); err != nil {
			return fmt.Errorf("gen4: command response: %w", err)
		}
	}
	return nil
}
