package gen4

// AttentionKind selects which driver event a subscription follows.
type AttentionKind int

const (
	// AttnIRQ fires after each serviced interrupt, filtered by the
	// subscription's mode mask.
	AttnIRQ AttentionKind = iota
	// AttnStartup fires after every completed startup sequence.
	AttnStartup
	// AttnWake fires when the controller itself initiates a wakeup.
	AttnWake
	numAttn
)

type attention struct {
	id   int
	mode Mode
	fn   func(Mode)
}

// Subscribe registers fn for the given events. A zero mode matches
// every device mode. Callbacks run on the driver's service goroutines
// and must not call back into the driver; they may read the parsed
// system information map, which is stable between startups.
func (d *Driver) Subscribe(kind AttentionKind, id int, mode Mode, fn func(Mode)) {
	d.attnMu.Lock()
	defer d.attnMu.Unlock()
	for _, a := range d.attn[kind] {
		if a.id == id && a.mode == mode {
			a.fn = fn
			return
		}
	}
	d.attn[kind] = append(d.attn[kind], &attention{id: id, mode: mode, fn: fn})
}

// Unsubscribe drops every subscription id holds for the given event.
func (d *Driver) Unsubscribe(kind AttentionKind, id int) {
	d.attnMu.Lock()
	defer d.attnMu.Unlock()
	list := d.attn[kind][:0]
	for _, a := range d.attn[kind] {
		if a.id != id {
			list = append(list, a)
		}
	}
	d.attn[kind] = list
}

func (d *Driver) dispatchAttention(kind AttentionKind, mode Mode) {
	d.attnMu.Lock()
	list := make([]*attention, len(d.attn[kind]))
	copy(list, d.attn[kind])
	d.attnMu.Unlock()
	for _, a := range list {
		if a.mode == 0 || a.mode&mode != 0 || mode == 0 {
			a.fn(mode)
		}
	}
}
