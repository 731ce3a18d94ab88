// Package sync implements the per-frame input reconciliation strategies.
// A Strategy has no network or session knowledge: callers feed it local
// and remote inputs and ask whether a frame can be produced.
package sync

import "github.com/voskhod/framesync/pkg/protocol"

// MaxPorts is the number of controller ports.
const MaxPorts = 4

// ffSlack is the extra buffered frames tolerated beyond the input delay
// before a strategy asks for fast-forward.
const ffSlack = 2

// Inputs holds one frame's buttons for every port. Inactive ports are 0.
type Inputs [MaxPorts]uint16

// RollbackRequest asks the emulation loop to re-simulate from TargetFrame
// up to CurrentFrame.
type RollbackRequest struct {
	TargetFrame  uint32
	CurrentFrame uint32
}

// Strategy is the closed interface between the input provider and a
// synchronization mode. Implementations are not safe for concurrent use;
// the provider serializes access behind its own lock.
type Strategy interface {
	// InputsForFrame returns the inputs the emulation should apply for
	// frame, or ok=false when the caller must not advance this tick.
	InputsForFrame(frame uint32) (Inputs, bool)

	// OnLocalInput records this client's own buttons for frame.
	OnLocalInput(port uint8, frame uint32, buttons uint16)

	// OnRemoteInput records a relayed peer input for frame.
	OnRemoteInput(port uint8, frame uint32, buttons uint16)

	// SetPortActive marks a port as contributing input. Deactivating a
	// port discards everything buffered for it.
	SetPortActive(port uint8, active bool)
	PortActive(port uint8) bool

	// LastConfirmedFrame is the newest frame for which every active port
	// has a contiguous run of real inputs. 0 when no port is active.
	LastConfirmedFrame() uint32

	// ShouldFastForward reports whether enough input is buffered beyond
	// frame that the loop should run without real-time pacing.
	ShouldFastForward(frame uint32) bool

	// PendingRollback returns the outstanding re-simulation request, if
	// any. Always nil for lockstep.
	PendingRollback() *RollbackRequest
	ClearRollback()

	// PruneOldInputs drops history no longer needed once keepFrom is
	// durable (a saved state exists at or before it).
	PruneOldInputs(keepFrom uint32)

	Mode() protocol.SyncMode
}

// New constructs the strategy for mode with the given input delay.
func New(mode protocol.SyncMode, inputDelay uint32) Strategy {
	if mode == protocol.SyncRollback {
		return NewRollback(inputDelay)
	}
	return NewLockstep(inputDelay)
}

// Transfer builds a new strategy for mode, carrying over the active-port
// flags of prev but none of its input history.
func Transfer(prev Strategy, mode protocol.SyncMode, inputDelay uint32) Strategy {
	next := New(mode, inputDelay)
	if prev == nil {
		return next
	}
	for port := uint8(0); port < MaxPorts; port++ {
		next.SetPortActive(port, prev.PortActive(port))
	}
	return next
}
