package sync

import "github.com/voskhod/framesync/pkg/protocol"

// rollbackKeepWindow is how far behind the confirmed frame input history
// is retained. Anything older has been pruned and must stay dead: late
// data for it is discarded on arrival.
const rollbackKeepWindow = 120

type rollbackPort struct {
	active    bool
	confirmed map[uint32]uint16
	// predicted records the value actually returned for frames that were
	// consumed without a confirmed input, so a late real input can be
	// checked against what the simulation saw.
	predicted map[uint32]uint16
	last      uint16 // prediction source: most recently stored buttons
	cursor    uint32 // confirmation resumes scanning here
}

// Rollback never blocks the frame loop: missing remote input is predicted
// by repeating the port's last known value, and a differing real input
// arriving later raises a re-simulation request.
type Rollback struct {
	ports        [MaxPorts]rollbackPort
	inputDelay   uint32
	currentFrame uint32
	pending      *RollbackRequest
}

func NewRollback(inputDelay uint32) *Rollback {
	r := &Rollback{inputDelay: inputDelay}
	for i := range r.ports {
		r.ports[i].confirmed = make(map[uint32]uint16)
		r.ports[i].predicted = make(map[uint32]uint16)
	}
	return r
}

func (r *Rollback) Mode() protocol.SyncMode { return protocol.SyncRollback }

func (r *Rollback) InputsForFrame(frame uint32) (Inputs, bool) {
	var out Inputs
	for i := range r.ports {
		p := &r.ports[i]
		if !p.active {
			continue
		}
		if v, ok := p.confirmed[frame]; ok {
			out[i] = v
			delete(p.predicted, frame)
		} else {
			out[i] = p.last
			p.predicted[frame] = p.last
		}
	}
	if frame >= r.currentFrame {
		r.currentFrame = frame + 1
	}
	return out, true
}

func (r *Rollback) OnLocalInput(port uint8, frame uint32, buttons uint16) {
	r.store(port, frame, buttons)
}

func (r *Rollback) OnRemoteInput(port uint8, frame uint32, buttons uint16) {
	r.store(port, frame, buttons)
}

func (r *Rollback) store(port uint8, frame uint32, buttons uint16) {
	if port >= MaxPorts {
		return
	}
	confirmed := r.LastConfirmedFrame()
	if confirmed > rollbackKeepWindow && frame < confirmed-rollbackKeepWindow {
		// Older than the pruned window. Accepting it would resurrect
		// history we can no longer re-simulate from.
		return
	}

	p := &r.ports[port]
	p.confirmed[frame] = buttons
	p.last = buttons

	if frame < r.currentFrame {
		if pv, ok := p.predicted[frame]; ok && pv != buttons {
			r.requestRollback(frame)
		}
		delete(p.predicted, frame)
	}
}

// requestRollback merges a new misprediction into the pending request.
// Overlapping requests converge on the earliest affected frame.
func (r *Rollback) requestRollback(frame uint32) {
	target := frame
	if r.pending != nil && r.pending.TargetFrame < target {
		target = r.pending.TargetFrame
	}
	r.pending = &RollbackRequest{TargetFrame: target, CurrentFrame: r.currentFrame}
}

func (r *Rollback) SetPortActive(port uint8, active bool) {
	if port >= MaxPorts {
		return
	}
	p := &r.ports[port]
	p.active = active
	if !active {
		p.confirmed = make(map[uint32]uint16)
		p.predicted = make(map[uint32]uint16)
		p.last = 0
		p.cursor = 0
	}
}

func (r *Rollback) PortActive(port uint8) bool {
	return port < MaxPorts && r.ports[port].active
}

func (r *Rollback) LastConfirmedFrame() uint32 {
	confirmed := uint32(0)
	any := false
	for i := range r.ports {
		p := &r.ports[i]
		if !p.active {
			continue
		}
		f := contiguousEnd(p.confirmed, p.cursor)
		if !any || f < confirmed {
			confirmed = f
			any = true
		}
	}
	if !any {
		return 0
	}
	return confirmed
}

func (r *Rollback) ShouldFastForward(frame uint32) bool {
	return r.LastConfirmedFrame() > frame+r.inputDelay+ffSlack
}

func (r *Rollback) PendingRollback() *RollbackRequest { return r.pending }

func (r *Rollback) ClearRollback() { r.pending = nil }

func (r *Rollback) PruneOldInputs(keepFrom uint32) {
	if keepFrom < rollbackKeepWindow {
		return
	}
	cutoff := keepFrom - rollbackKeepWindow
	for i := range r.ports {
		p := &r.ports[i]
		for f := range p.confirmed {
			if f < cutoff {
				delete(p.confirmed, f)
			}
		}
		for f := range p.predicted {
			if f < cutoff {
				delete(p.predicted, f)
			}
		}
		if p.cursor < cutoff {
			p.cursor = cutoff
		}
	}
}
