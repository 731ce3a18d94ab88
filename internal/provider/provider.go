// Package provider exposes the only surface the emulation loop touches.
// All methods called per simulated frame are non-blocking: an "ok=false"
// or "false" result means retry next tick, never a suspension point.
package provider

import (
	stdsync "sync"
	"sync/atomic"

	"github.com/voskhod/framesync/internal/session"
	framesync "github.com/voskhod/framesync/internal/sync"
	"github.com/voskhod/framesync/pkg/protocol"
)

// noActivation marks an empty per-port scheduled-activation slot and an
// unset catch-up target.
const noActivation = -1

// SendFunc delivers a local input to the network layer. It must not
// block; the transport buffers or drops.
type SendFunc func(port uint8, effectiveFrame uint32, buttons uint16)

// Provider wires one synchronization strategy to the session state.
// The session mutex and the strategy mutex are never held together or
// across a blocking call: take one, compute, release, then the other.
type Provider struct {
	sessMu stdsync.Mutex
	sess   *session.Session

	syncMu stdsync.Mutex
	strat  framesync.Strategy

	inputDelay uint32

	// Flags polled every simulated frame live outside the mutexes.
	waiting     atomic.Bool
	active      atomic.Bool
	frameOffset atomic.Uint32
	localPort   atomic.Uint32

	// Effective frame below which local input is suppressed (reconnect
	// catch-up must not contribute stale input).
	allowInputFrom atomic.Uint32

	// Explicit fast-forward target for late joiners; noActivation when
	// unset.
	catchUpTarget atomic.Int64

	// Per-port effective frame at which the port becomes active;
	// noActivation when nothing is scheduled.
	portActivation [framesync.MaxPorts]atomic.Int64

	rejoinArmed      atomic.Bool
	waitingForSettle atomic.Bool

	onSend        SendFunc
	onRejoinReady func()
}

func New(mode protocol.SyncMode, inputDelay uint32) *Provider {
	p := &Provider{
		sess:       session.New(),
		strat:      framesync.New(mode, inputDelay),
		inputDelay: inputDelay,
	}
	p.localPort.Store(protocol.SpectatorPlayerIndex)
	p.catchUpTarget.Store(noActivation)
	for i := range p.portActivation {
		p.portActivation[i].Store(noActivation)
	}
	return p
}

// SetSendFunc installs the outbound input callback. Set once during
// wiring, before the emulation loop starts.
func (p *Provider) SetSendFunc(fn SendFunc) { p.onSend = fn }

// SetRejoinReadyFunc installs the one-shot reconnect-settled callback.
func (p *Provider) SetRejoinReadyFunc(fn func()) { p.onRejoinReady = fn }

// WithSession runs fn with the session mutex held.
func (p *Provider) WithSession(fn func(*session.Session)) {
	p.sessMu.Lock()
	defer p.sessMu.Unlock()
	fn(p.sess)
}

// WithSync runs fn with the strategy mutex held.
func (p *Provider) WithSync(fn func(framesync.Strategy)) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	fn(p.strat)
}

// PollInputs returns the inputs to apply for localFrame, or ok=false if
// the emulation must not advance this tick.
func (p *Provider) PollInputs(localFrame uint32) (framesync.Inputs, bool) {
	effective := localFrame + p.frameOffset.Load()
	p.activateDuePorts(effective)

	p.syncMu.Lock()
	in, ok := p.strat.InputsForFrame(effective)
	p.syncMu.Unlock()

	p.waiting.Store(!ok)
	return in, ok
}

// activateDuePorts flips on any port whose scheduled activation frame
// has been reached. Scheduling through an effective frame keeps every
// peer activating the port on the same simulated frame.
func (p *Provider) activateDuePorts(effective uint32) {
	for port := range p.portActivation {
		at := p.portActivation[port].Load()
		if at == noActivation || int64(effective) < at {
			continue
		}
		if p.portActivation[port].CompareAndSwap(at, noActivation) {
			p.syncMu.Lock()
			p.strat.SetPortActive(uint8(port), true)
			p.syncMu.Unlock()
		}
	}
}

// SendInputToServer records the local player's buttons for localFrame
// and forwards them to the network layer. A no-op while local input is
// gated or when the session has no player port.
func (p *Provider) SendInputToServer(localFrame uint32, buttons uint16) {
	port := p.localPort.Load()
	if port == protocol.SpectatorPlayerIndex {
		return
	}
	effective := localFrame + p.frameOffset.Load()
	if effective < p.allowInputFrom.Load() {
		return
	}

	// Feed the local strategy before the network send so a lockstep room
	// cannot deadlock on the sender's own relay round-trip.
	p.syncMu.Lock()
	p.strat.OnLocalInput(uint8(port), effective, buttons)
	p.syncMu.Unlock()

	if p.onSend != nil {
		p.onSend(uint8(port), effective, buttons)
	}
}

// HandleRemoteInput applies a relayed peer input. Called from network
// tasks, never the emulation thread.
func (p *Provider) HandleRemoteInput(port uint8, effectiveFrame uint32, buttons uint16) {
	p.syncMu.Lock()
	p.strat.OnRemoteInput(port, effectiveFrame, buttons)
	p.syncMu.Unlock()
}

// ShouldFastForward reports whether the loop should run unpaced. An
// explicit catch-up target (late join, reconnect) dominates; once it is
// reached the underlying strategy decides, and when that too settles an
// armed rejoin fires its one-shot ready callback.
func (p *Provider) ShouldFastForward(localFrame uint32) bool {
	effective := localFrame + p.frameOffset.Load()

	target := p.catchUpTarget.Load()
	if target != noActivation {
		if int64(effective) < target {
			return true
		}
		if p.catchUpTarget.CompareAndSwap(target, noActivation) {
			if p.rejoinArmed.CompareAndSwap(true, false) {
				p.waitingForSettle.Store(true)
			}
		}
	}

	p.syncMu.Lock()
	ff := p.strat.ShouldFastForward(effective)
	p.syncMu.Unlock()

	if !ff && p.waitingForSettle.CompareAndSwap(true, false) {
		if p.onRejoinReady != nil {
			p.onRejoinReady()
		}
	}
	return ff
}

// PendingRollback returns the outstanding re-simulation request, if any.
func (p *Provider) PendingRollback() *framesync.RollbackRequest {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	return p.strat.PendingRollback()
}

func (p *Provider) ClearRollback() {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	p.strat.ClearRollback()
}

func (p *Provider) SyncMode() protocol.SyncMode {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	return p.strat.Mode()
}

// SetSyncMode swaps the strategy, carrying over active-port flags but no
// input history.
func (p *Provider) SetSyncMode(mode protocol.SyncMode) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	if p.strat.Mode() == mode {
		return
	}
	p.strat = framesync.Transfer(p.strat, mode, p.inputDelay)
}

// SetLocalPort fixes which port SendInputToServer writes to;
// protocol.SpectatorPlayerIndex disables local contribution entirely.
func (p *Provider) SetLocalPort(port uint8) { p.localPort.Store(uint32(port)) }

func (p *Provider) LocalPort() uint8 { return uint8(p.localPort.Load()) }

// SetFrameOffset fixes the local-to-effective conversion. Called once
// when the session resolves to Playing or Spectating.
func (p *Provider) SetFrameOffset(offset uint32) {
	p.frameOffset.Store(offset)
	p.WithSession(func(s *session.Session) { s.SetFrameOffset(offset) })
}

func (p *Provider) FrameOffset() uint32 { return p.frameOffset.Load() }

// SchedulePortActivation arms a port to activate once the given
// effective frame is polled.
func (p *Provider) SchedulePortActivation(port uint8, effectiveFrame uint32) {
	if port >= framesync.MaxPorts {
		return
	}
	p.portActivation[port].Store(int64(effectiveFrame))
}

// SetCatchUpTarget forces fast-forward until effectiveFrame is reached.
func (p *Provider) SetCatchUpTarget(effectiveFrame uint32) {
	p.catchUpTarget.Store(int64(effectiveFrame))
}

// AllowLocalInputFrom suppresses local input below effectiveFrame.
func (p *Provider) AllowLocalInputFrom(effectiveFrame uint32) {
	p.allowInputFrom.Store(effectiveFrame)
}

// ArmRejoin schedules the rejoin-ready callback to fire once catch-up
// completes and fast-forward settles. Firing is one-shot per arming; a
// late input burst after the callback does not re-arm it.
func (p *Provider) ArmRejoin() { p.rejoinArmed.Store(true) }

// Waiting reports whether the last PollInputs could not produce a frame.
func (p *Provider) Waiting() bool { return p.waiting.Load() }

// SetActive marks the provider as driving a live netplay session.
func (p *Provider) SetActive(active bool) { p.active.Store(active) }

func (p *Provider) Active() bool { return p.active.Load() }
