package room

import (
	"time"

	"github.com/voskhod/framesync/pkg/protocol"
)

// Event is the coordinator's single inbound message type. Transports
// and the sweep ticker feed these into the inbox; all room mutation
// happens on the coordinator goroutine.
type Event interface{ isEvent() }

// Connected announces a freshly accepted connection. Its role is
// Unbound until the first message (Hello or AttachChannel) decides it.
type Connected struct{ Conn *Conn }

// Disconnected is delivered by a transport when its reader fails, and
// reused internally by the idle sweep.
type Disconnected struct {
	ID  ConnID
	Err error
}

// Packet carries one decoded message from a connection.
type Packet struct {
	ID  ConnID
	Msg protocol.ClientMessage
}

// SweepTick triggers the periodic idle scan.
type SweepTick struct{ Now time.Time }

// ReserveCode asks for a fresh unused room code (HTTP room creation).
type ReserveCode struct{ Reply chan string }

// GetRoomView reflects a room's state without data races. Test and
// HTTP introspection only.
type GetRoomView struct {
	Code  string
	Reply chan *RoomView
}

// Shutdown stops the coordinator loop.
type Shutdown struct{}

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (Packet) isEvent()       {}
func (SweepTick) isEvent()    {}
func (ReserveCode) isEvent()  {}
func (GetRoomView) isEvent()  {}
func (Shutdown) isEvent()     {}

// RoomView is a copy of a room's observable state.
type RoomView struct {
	Code         string
	SyncMode     protocol.SyncMode
	Players      []uint8
	Spectators   int
	CurrentFrame uint32
	CachedFrame  uint32
	HasState     bool
	HasRom       bool
}
