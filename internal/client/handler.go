// Package client drives the netplay session from decoded server
// messages and embedder commands. It owns no I/O: the transport calls
// HandleServerMessage from its reader task and supplies the send
// function messages go out through.
package client

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/voskhod/framesync/internal/provider"
	"github.com/voskhod/framesync/internal/session"
	framesync "github.com/voskhod/framesync/internal/sync"
	"github.com/voskhod/framesync/pkg/protocol"
)

var ErrHostDisconnected = errors.New("p2p host disconnected")

// SendMessageFunc enqueues an outbound control message. Must not block.
type SendMessageFunc func(protocol.ClientMessage)

// AttachFunc opens a secondary logical channel bound to the session
// token. Wired by the transport layer; nil disables AttachChannel.
type AttachFunc func(channel protocol.Channel, token string)

// Handler is the client-side session handler. All methods are called
// from the transport reader task or the embedder's command path; the
// provider's locking makes the shared state safe between them.
type Handler struct {
	prov   *provider.Provider
	send   SendMessageFunc
	attach AttachFunc
	events chan Event
	log    *zap.Logger

	// ROM/state bootstrap bookkeeping for Syncing, reached from both
	// the transport reader task and the embedder's command path.
	bootMu       sync.Mutex
	romPending   bool
	pendingState *protocol.ServerMessage
	started      bool
}

func NewHandler(prov *provider.Provider, send SendMessageFunc, log *zap.Logger) *Handler {
	h := &Handler{
		prov:   prov,
		send:   send,
		events: make(chan Event, 64),
		log:    log,
	}
	prov.SetSendFunc(func(port uint8, frame uint32, buttons uint16) {
		send(protocol.ClientMessage{
			Type:   protocol.MsgInputBatch,
			Inputs: []protocol.PortInput{{Port: port, Frame: frame, Buttons: buttons}},
		})
	})
	prov.SetRejoinReadyFunc(h.onRejoinReady)
	return h
}

// SetAttachFunc wires the secondary-channel dialer.
func (h *Handler) SetAttachFunc(fn AttachFunc) { h.attach = fn }

// Events is the outbox the embedding runtime/UI consumes.
func (h *Handler) Events() <-chan Event { return h.events }

func (h *Handler) Provider() *provider.Provider { return h.prov }

// Do executes an embedder command.
func (h *Handler) Do(cmd Command) {
	switch c := cmd.(type) {
	case CreateRoom:
		h.setState(session.State{Kind: session.WaitingForRoom})
		h.send(protocol.ClientMessage{Type: protocol.MsgCreateRoom, SyncMode: c.SyncMode})

	case JoinRoom:
		h.setState(session.State{Kind: session.WaitingForRoom})
		h.send(protocol.ClientMessage{Type: protocol.MsgJoinRoom, RoomCode: c.Code, Role: c.Role})

	case SwitchRole:
		h.send(protocol.ClientMessage{Type: protocol.MsgSwitchRole, Role: c.Role})

	case SendRom:
		h.send(protocol.ClientMessage{Type: protocol.MsgProvideRom, Rom: c.Bytes})

	case RomLoaded:
		h.bootMu.Lock()
		h.romPending = false
		st := h.pendingState
		h.pendingState = nil
		h.bootMu.Unlock()
		if st != nil {
			h.finishStart(st)
		}

	case SendInput:
		h.prov.SendInputToServer(c.Frame, c.Buttons)

	case SendPause:
		h.send(protocol.ClientMessage{Type: protocol.MsgPause, Paused: c.Paused})

	case SendReset:
		h.send(protocol.ClientMessage{Type: protocol.MsgReset, Reset: c.Kind})

	case ProvideState:
		h.send(protocol.ClientMessage{
			Type:  protocol.MsgProvideState,
			Frame: c.Frame + h.prov.FrameOffset(),
			State: c.State,
		})

	case RequestState:
		h.send(protocol.ClientMessage{Type: protocol.MsgRequestState})

	case AttachChannel:
		if h.attach == nil {
			return
		}
		var token string
		h.prov.WithSession(func(s *session.Session) { token = s.Token() })
		h.attach(c.Channel, token)
	}
}

// HandleServerMessage applies one decoded control message.
func (h *Handler) HandleServerMessage(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.MsgWelcome:
		h.prov.WithSession(func(s *session.Session) {
			s.SetIdentity(msg.ClientID, msg.Token)
			s.SetState(session.State{Kind: session.WaitingForRoom})
		})

	case protocol.MsgJoinAck:
		h.handleJoinAck(msg)

	case protocol.MsgSyncRom:
		h.bootMu.Lock()
		h.romPending = true
		h.bootMu.Unlock()
		h.emit(LoadRom{Bytes: msg.Rom})

	case protocol.MsgSyncState:
		h.bootMu.Lock()
		if h.romPending {
			m := msg
			h.pendingState = &m
			h.bootMu.Unlock()
			return
		}
		h.bootMu.Unlock()
		h.finishStart(&msg)

	case protocol.MsgRelayInputs:
		local := h.prov.LocalPort()
		for _, in := range msg.Inputs {
			if in.Port == local {
				continue
			}
			h.prov.HandleRemoteInput(in.Port, in.Frame, in.Buttons)
		}

	case protocol.MsgRoleChanged:
		h.handleRoleChanged(msg)

	case protocol.MsgPlayerLeft:
		if msg.PlayerIndex < 4 {
			h.prov.WithSync(func(s framesync.Strategy) { s.SetPortActive(msg.PlayerIndex, false) })
		}
		h.emit(PlayerLeft{PlayerIndex: msg.PlayerIndex})

	case protocol.MsgRequestState:
		h.emit(StateRequested{})

	case protocol.MsgPauseSync:
		h.emit(PauseSync{Paused: msg.Paused})

	case protocol.MsgResetSync:
		h.emit(ResetSync{Kind: msg.Reset})

	case protocol.MsgP2PHostDisconnected:
		h.prov.SetActive(false)
		h.setState(session.State{Kind: session.Disconnected})
		h.emit(ErrorEvent{Err: ErrHostDisconnected})

	case protocol.MsgError:
		h.emit(ErrorEvent{Err: fmt.Errorf("server: %s", msg.Error)})

	default:
		h.log.Warn("unknown server message", zap.String("type", msg.Type))
	}
}

// HandleConnecting marks the control-channel dial in progress.
func (h *Handler) HandleConnecting() {
	h.setState(session.State{Kind: session.Connecting})
}

// HandleConnected marks the control channel up with Hello sent; the
// session stays in Handshake until Welcome arrives.
func (h *Handler) HandleConnected() {
	h.setState(session.State{Kind: session.Handshake})
}

// HandleDisconnect is called by the transport when the control
// connection drops. Reconnection is the embedder's policy.
func (h *Handler) HandleDisconnect(err error) {
	h.prov.SetActive(false)
	h.setState(session.State{Kind: session.Disconnected})
	if err != nil {
		h.emit(ErrorEvent{Err: err})
	}
}

func (h *Handler) handleJoinAck(msg protocol.ServerMessage) {
	h.prov.SetSyncMode(msg.SyncMode)
	h.prov.SetLocalPort(msg.PlayerIndex)
	h.prov.WithSession(func(s *session.Session) {
		s.SetRoom(msg.RoomCode, msg.PlayerIndex, msg.SyncMode)
	})
	h.prov.WithSync(func(s framesync.Strategy) {
		for _, port := range msg.Players {
			if port < 4 {
				s.SetPortActive(port, true)
			}
		}
		// Pre-game the new port goes live everywhere at once; mid-game
		// it activates only through the scheduled RoleChanged that ends
		// the catch-up handshake.
		if msg.PlayerIndex < 4 && msg.CurrentFrame == 0 {
			s.SetPortActive(msg.PlayerIndex, true)
		}
	})

	// A fresh room has nothing to sync: the creator starts immediately.
	if msg.StartFrame == 0 && msg.CurrentFrame == 0 && len(msg.Players) == 0 {
		h.prov.SetFrameOffset(0)
		h.prov.SetActive(true)
		h.setState(session.State{Kind: session.Playing})
		h.startOnce()
		return
	}

	// Late joiner or rejoiner: wait for ROM/state bootstrap.
	h.setState(session.State{Kind: session.Syncing})
	if msg.CurrentFrame > msg.StartFrame {
		h.prov.SetCatchUpTarget(msg.CurrentFrame)
	}
	if msg.PlayerIndex != protocol.SpectatorPlayerIndex && msg.CurrentFrame > 0 {
		// Joining a running game: suppress local input until the server
		// schedules reactivation, and arm the ready handshake.
		h.prov.AllowLocalInputFrom(msg.CurrentFrame)
		h.prov.ArmRejoin()
	}
}

func (h *Handler) handleRoleChanged(msg protocol.ServerMessage) {
	if msg.Role == protocol.RoleSpectator {
		if msg.PlayerIndex < 4 {
			h.prov.WithSync(func(s framesync.Strategy) { s.SetPortActive(msg.PlayerIndex, false) })
		}
		if msg.PlayerIndex == h.prov.LocalPort() {
			h.prov.SetLocalPort(protocol.SpectatorPlayerIndex)
		}
		return
	}

	port := msg.PlayerIndex
	if port > 3 {
		h.log.Warn("role change with invalid port", zap.Uint8("port", port))
		return
	}
	if msg.Frame > 0 {
		// Every peer activates the port on the same effective frame.
		h.prov.SchedulePortActivation(port, msg.Frame)
	} else {
		h.prov.WithSync(func(s framesync.Strategy) { s.SetPortActive(port, true) })
	}
	if msg.ClientID != "" && msg.ClientID == h.clientID() {
		h.prov.SetLocalPort(port)
		h.prov.AllowLocalInputFrom(msg.Frame)
	}
}

// finishStart adopts the synced state's frame as the session origin and
// releases the emulation loop.
func (h *Handler) finishStart(msg *protocol.ServerMessage) {
	h.prov.SetFrameOffset(msg.Frame)
	h.prov.SetActive(true)

	var spectator bool
	h.prov.WithSession(func(s *session.Session) {
		spectator = s.IsSpectator()
	})
	kind := session.Playing
	if spectator {
		kind = session.Spectating
	}
	h.setState(session.State{Kind: kind, StartFrame: msg.Frame})

	h.emit(SyncState{Frame: msg.Frame, State: msg.State})
	h.startOnce()
}

func (h *Handler) startOnce() {
	h.bootMu.Lock()
	already := h.started
	h.started = true
	h.bootMu.Unlock()
	if !already {
		h.emit(StartGame{})
	}
}

// onRejoinReady fires once per arming, after catch-up completes and
// fast-forward settles: ask the server to schedule our reactivation.
func (h *Handler) onRejoinReady() {
	port := h.prov.LocalPort()
	if port == protocol.SpectatorPlayerIndex {
		return
	}
	h.send(protocol.ClientMessage{
		Type: protocol.MsgSwitchRole,
		Role: protocol.Role(strconv.Itoa(int(port))),
	})
}

func (h *Handler) setState(st session.State) {
	h.prov.WithSession(func(s *session.Session) { s.SetState(st) })
}

func (h *Handler) clientID() string {
	var id string
	h.prov.WithSession(func(s *session.Session) { id = s.ClientID() })
	return id
}

func (h *Handler) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("event outbox full, dropping", zap.Any("event", ev))
	}
}
