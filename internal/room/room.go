package room

import (
	"crypto/rand"
	"math/big"

	"github.com/voskhod/framesync/pkg/protocol"
)

// maxPlayers mirrors the controller port count.
const maxPlayers = 4

type cachedState struct {
	frame uint32
	data  []byte
}

// room is one netplay session's server-side state. Created on the first
// CreateRoom, destroyed when the last occupant leaves or times out.
type room struct {
	code string
	mode protocol.SyncMode

	// players maps port index to the owning control connection; 0 means
	// the slot is free (ConnIDs start at 1).
	players    [maxPlayers]ConnID
	spectators map[ConnID]struct{}

	// At most one snapshot, replaced (never merged) by the newest
	// ProvideState.
	state *cachedState
	rom   []byte

	// currentFrame is the newest effective frame seen in a relayed
	// input batch; late joiners catch up to it.
	currentFrame uint32

	// Joiners waiting for a snapshot because none was cached when they
	// arrived.
	pendingSync []ConnID
}

func newRoom(code string, mode protocol.SyncMode) *room {
	if mode != protocol.SyncRollback {
		mode = protocol.SyncLockstep
	}
	return &room{
		code:       code,
		mode:       mode,
		spectators: make(map[ConnID]struct{}),
	}
}

// assignSlot gives the connection the lowest free port, or the
// spectator role when the room is full.
func (r *room) assignSlot(id ConnID) uint8 {
	for port := range r.players {
		if r.players[port] == 0 {
			r.players[port] = id
			return uint8(port)
		}
	}
	r.spectators[id] = struct{}{}
	return protocol.SpectatorPlayerIndex
}

func (r *room) vacate(id ConnID) (port uint8, wasPlayer bool) {
	for p := range r.players {
		if r.players[p] == id {
			r.players[p] = 0
			return uint8(p), true
		}
	}
	delete(r.spectators, id)
	return protocol.SpectatorPlayerIndex, false
}

func (r *room) portOf(id ConnID) (uint8, bool) {
	for p := range r.players {
		if r.players[p] == id {
			return uint8(p), true
		}
	}
	return protocol.SpectatorPlayerIndex, false
}

// host is the occupant of the lowest occupied slot; it fields state
// requests and its loss is announced as a P2P host disconnect.
func (r *room) host() (ConnID, bool) {
	for p := range r.players {
		if r.players[p] != 0 {
			return r.players[p], true
		}
	}
	return 0, false
}

// stateProvider picks an occupant that can answer a state request:
// players first, then spectators (they run the emulation too). exclude
// is the requester itself.
func (r *room) stateProvider(exclude ConnID) (ConnID, bool) {
	for p := range r.players {
		if r.players[p] != 0 && r.players[p] != exclude {
			return r.players[p], true
		}
	}
	for id := range r.spectators {
		if id != exclude {
			return id, true
		}
	}
	return 0, false
}

func (r *room) occupiedPorts() []uint8 {
	var ports []uint8
	for p := range r.players {
		if r.players[p] != 0 {
			ports = append(ports, uint8(p))
		}
	}
	return ports
}

// members returns every control connection in the room.
func (r *room) members() []ConnID {
	var ids []ConnID
	for p := range r.players {
		if r.players[p] != 0 {
			ids = append(ids, r.players[p])
		}
	}
	for id := range r.spectators {
		ids = append(ids, id)
	}
	return ids
}

func (r *room) empty() bool {
	for p := range r.players {
		if r.players[p] != 0 {
			return false
		}
	}
	return len(r.spectators) == 0
}

func (r *room) setState(frame uint32, data []byte) {
	r.state = &cachedState{frame: frame, data: data}
}

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateCode returns a random 6-character room code.
func GenerateCode() (string, error) {
	code := make([]byte, 6)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = codeCharset[n.Int64()]
	}
	return string(code), nil
}
