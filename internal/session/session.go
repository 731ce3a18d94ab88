// Package session tracks a client's connection lifecycle and its place
// in a room: role, room code, and the offset between the local emulation
// frame counter and the room's shared frame counter.
package session

import "github.com/voskhod/framesync/pkg/protocol"

type StateKind int

const (
	Disconnected StateKind = iota
	Connecting
	Handshake
	WaitingForRoom
	Playing
	Spectating
	Syncing
)

func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshake:
		return "handshake"
	case WaitingForRoom:
		return "waiting_for_room"
	case Playing:
		return "playing"
	case Spectating:
		return "spectating"
	case Syncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// State is the session's position in the connection lifecycle.
// StartFrame is meaningful for Playing and Spectating.
type State struct {
	Kind       StateKind
	StartFrame uint32
}

// Session is the client-side bookkeeping for one netplay connection.
// It has no locking of its own; the input provider serializes access.
type Session struct {
	state       State
	clientID    string
	token       string
	roomCode    string
	playerIndex uint8
	syncMode    protocol.SyncMode

	// frameOffset converts local frames to room frames. Zero for a host;
	// fixed once the state resolves to Playing or Spectating.
	frameOffset uint32
}

func New() *Session {
	return &Session{
		state:       State{Kind: Disconnected},
		playerIndex: protocol.SpectatorPlayerIndex,
	}
}

func (s *Session) State() State       { return s.state }
func (s *Session) SetState(st State)  { s.state = st }
func (s *Session) ClientID() string   { return s.clientID }
func (s *Session) Token() string      { return s.token }
func (s *Session) RoomCode() string   { return s.roomCode }
func (s *Session) PlayerIndex() uint8 { return s.playerIndex }
func (s *Session) IsSpectator() bool  { return s.playerIndex == protocol.SpectatorPlayerIndex }

func (s *Session) SyncMode() protocol.SyncMode { return s.syncMode }
func (s *Session) FrameOffset() uint32         { return s.frameOffset }

func (s *Session) SetIdentity(clientID, token string) {
	s.clientID = clientID
	s.token = token
}

func (s *Session) SetRoom(code string, playerIndex uint8, mode protocol.SyncMode) {
	s.roomCode = code
	s.playerIndex = playerIndex
	s.syncMode = mode
}

func (s *Session) SetFrameOffset(offset uint32) { s.frameOffset = offset }

// LocalToEffective maps an emulation-loop frame to the room frame.
func (s *Session) LocalToEffective(local uint32) uint32 {
	return local + s.frameOffset
}

// EffectiveToLocal maps a room frame to the emulation-loop frame.
// Frames before the session's offset clamp to 0.
func (s *Session) EffectiveToLocal(effective uint32) uint32 {
	if effective < s.frameOffset {
		return 0
	}
	return effective - s.frameOffset
}

// Reset returns the session to Disconnected, dropping room membership
// but keeping nothing that could leak into a future room.
func (s *Session) Reset() {
	*s = *New()
}
