package client

import "github.com/voskhod/framesync/pkg/protocol"

// Command is what the embedding runtime/UI asks the netplay core to do.
type Command interface{ isCommand() }

type CreateRoom struct{ SyncMode protocol.SyncMode }

type JoinRoom struct {
	Code string
	Role protocol.Role // RoleSpectator to watch; empty requests a slot
}

type SwitchRole struct{ Role protocol.Role }

type SendRom struct{ Bytes []byte }

// RomLoaded signals that the ROM delivered via LoadRom is running and
// the session can leave Syncing.
type RomLoaded struct{}

type SendInput struct {
	Frame   uint32 // local frame
	Buttons uint16
}

type SendPause struct{ Paused bool }

type SendReset struct{ Kind protocol.ResetKind }

type ProvideState struct {
	Frame uint32 // local frame
	State []byte
}

type RequestState struct{}

type AttachChannel struct{ Channel protocol.Channel }

func (CreateRoom) isCommand()    {}
func (JoinRoom) isCommand()      {}
func (SwitchRole) isCommand()    {}
func (SendRom) isCommand()       {}
func (RomLoaded) isCommand()     {}
func (SendInput) isCommand()     {}
func (SendPause) isCommand()     {}
func (SendReset) isCommand()     {}
func (ProvideState) isCommand()  {}
func (RequestState) isCommand()  {}
func (AttachChannel) isCommand() {}

// Event is what the netplay core tells the embedding runtime/UI.
type Event interface{ isEvent() }

type LoadRom struct{ Bytes []byte }

type StartGame struct{}

type PauseSync struct{ Paused bool }

type ResetSync struct{ Kind protocol.ResetKind }

type SyncState struct {
	Frame uint32 // effective frame the state was captured at
	State []byte
}

type PlayerLeft struct{ PlayerIndex uint8 }

// StateRequested asks the embedder to capture the current emulation
// state and answer with ProvideState; the server relays it to a late
// joiner.
type StateRequested struct{}

type ErrorEvent struct{ Err error }

func (LoadRom) isEvent()        {}
func (StartGame) isEvent()      {}
func (PauseSync) isEvent()      {}
func (ResetSync) isEvent()      {}
func (SyncState) isEvent()      {}
func (PlayerLeft) isEvent()     {}
func (StateRequested) isEvent() {}
func (ErrorEvent) isEvent()     {}
