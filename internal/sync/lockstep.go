package sync

import "github.com/voskhod/framesync/pkg/protocol"

const (
	// lockstepPruneEvery is the consumed-frame cadence of the prune pass.
	lockstepPruneEvery = 60
	// lockstepKeepWindow is how far behind the consumed frame entries
	// survive a prune pass.
	lockstepKeepWindow = 16
)

type lockstepPort struct {
	active bool
	queue  map[uint32]uint16
	// cursor is the next frame this port has not yet been consumed for.
	cursor uint32
}

// Lockstep withholds frame advancement until every active port has a real
// input for exactly that frame. It never predicts and never rolls back.
type Lockstep struct {
	ports      [MaxPorts]lockstepPort
	inputDelay uint32
	consumed   uint32 // total frames consumed, drives the prune cadence
}

func NewLockstep(inputDelay uint32) *Lockstep {
	l := &Lockstep{inputDelay: inputDelay}
	for i := range l.ports {
		l.ports[i].queue = make(map[uint32]uint16)
	}
	return l
}

func (l *Lockstep) Mode() protocol.SyncMode { return protocol.SyncLockstep }

func (l *Lockstep) InputsForFrame(frame uint32) (Inputs, bool) {
	for i := range l.ports {
		p := &l.ports[i]
		if !p.active {
			continue
		}
		if _, ok := p.queue[frame]; !ok {
			return Inputs{}, false
		}
	}

	var out Inputs
	for i := range l.ports {
		p := &l.ports[i]
		if !p.active {
			continue
		}
		out[i] = p.queue[frame]
		delete(p.queue, frame)
		if frame >= p.cursor {
			p.cursor = frame + 1
		}
	}

	l.consumed++
	if l.consumed%lockstepPruneEvery == 0 && frame > lockstepKeepWindow {
		l.PruneOldInputs(frame)
	}
	return out, true
}

func (l *Lockstep) OnLocalInput(port uint8, frame uint32, buttons uint16) {
	l.upsert(port, frame, buttons)
}

func (l *Lockstep) OnRemoteInput(port uint8, frame uint32, buttons uint16) {
	l.upsert(port, frame, buttons)
}

func (l *Lockstep) upsert(port uint8, frame uint32, buttons uint16) {
	if port >= MaxPorts {
		return
	}
	l.ports[port].queue[frame] = buttons
}

func (l *Lockstep) SetPortActive(port uint8, active bool) {
	if port >= MaxPorts {
		return
	}
	p := &l.ports[port]
	p.active = active
	if !active {
		// Buffered input must not resurface if the slot is reassigned.
		p.queue = make(map[uint32]uint16)
		p.cursor = 0
	}
}

func (l *Lockstep) PortActive(port uint8) bool {
	return port < MaxPorts && l.ports[port].active
}

func (l *Lockstep) LastConfirmedFrame() uint32 {
	confirmed := uint32(0)
	any := false
	for i := range l.ports {
		p := &l.ports[i]
		if !p.active {
			continue
		}
		f := contiguousEnd(p.queue, p.cursor)
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

func (l *Lockstep) ShouldFastForward(frame uint32) bool {
	horizon := frame + l.inputDelay + ffSlack
	for i := range l.ports {
		p := &l.ports[i]
		if !p.active {
			continue
		}
		for f := range p.queue {
			if f > horizon {
				return true
			}
		}
	}
	return false
}

func (l *Lockstep) PendingRollback() *RollbackRequest { return nil }

func (l *Lockstep) ClearRollback() {}

func (l *Lockstep) PruneOldInputs(keepFrom uint32) {
	if keepFrom < lockstepKeepWindow {
		return
	}
	cutoff := keepFrom - lockstepKeepWindow
	for i := range l.ports {
		for f := range l.ports[i].queue {
			if f < cutoff {
				delete(l.ports[i].queue, f)
			}
		}
	}
}

// contiguousEnd walks forward from cursor and returns the last frame of
// the unbroken run present in q. A single missing frame stops the walk
// even if later frames exist.
func contiguousEnd(q map[uint32]uint16, cursor uint32) uint32 {
	f := cursor
	for {
		if _, ok := q[f]; !ok {
			if f == 0 {
				return 0
			}
			return f - 1
		}
		f++
	}
}
