// Package protocol defines the decoded messages exchanged between a
// framesync client and server. Framing is plain JSON with a "type"
// discriminator; transports deliver one message per read, in order,
// within a logical channel.
package protocol

// Channel kinds. Every connection starts Unbound; the first message
// decides whether it becomes the Control connection (Hello) or a
// secondary channel bound to an existing session (AttachChannel).
type Channel string

const (
	ChannelControl Channel = "control"
	ChannelInput   Channel = "input"
	ChannelBulk    Channel = "bulk"
)

// SyncMode selects the per-frame synchronization strategy for a room.
type SyncMode string

const (
	SyncLockstep SyncMode = "lockstep"
	SyncRollback SyncMode = "rollback"
)

// Role requested via SwitchRole. Player roles are the port index as a
// string ("0".."3"); RoleSpectator receives inputs but contributes none.
type Role string

const (
	RoleSpectator Role = "spectator"
)

// SpectatorPlayerIndex marks a session with no local player port.
const SpectatorPlayerIndex = 0xFF

// ResetKind distinguishes a soft (console reset button) from a hard
// (power cycle) reset.
type ResetKind string

const (
	ResetSoft ResetKind = "soft"
	ResetHard ResetKind = "hard"
)

// PortInput is one port's buttons for one effective frame.
type PortInput struct {
	Port    uint8  `json:"port"`
	Frame   uint32 `json:"frame"`
	Buttons uint16 `json:"buttons"`
}

// Client -> Server message types.
const (
	MsgHello         = "Hello"
	MsgCreateRoom    = "CreateRoom"
	MsgJoinRoom      = "JoinRoom"
	MsgSwitchRole    = "SwitchRole"
	MsgInputBatch    = "InputBatch"
	MsgProvideState  = "ProvideState"
	MsgRequestState  = "RequestState"
	MsgProvideRom    = "ProvideRom"
	MsgPause         = "Pause"
	MsgReset         = "Reset"
	MsgAttachChannel = "AttachChannel"
)

// Server -> Client message types.
const (
	MsgWelcome             = "Welcome"
	MsgJoinAck             = "JoinAck"
	MsgRoleChanged         = "RoleChanged"
	MsgRelayInputs         = "RelayInputs"
	MsgSyncState           = "SyncState"
	MsgSyncRom             = "SyncRom"
	MsgPauseSync           = "PauseSync"
	MsgResetSync           = "ResetSync"
	MsgAttachAck           = "AttachAck"
	MsgPlayerLeft          = "PlayerLeft"
	MsgP2PHostDisconnected = "P2PHostDisconnected"
	MsgError               = "Error"
)

// ClientMessage is the flat envelope for everything a client sends.
// Only the fields relevant to Type are set.
type ClientMessage struct {
	Type string `json:"type"`

	// JoinRoom / CreateRoom
	RoomCode string   `json:"room_code,omitempty"`
	SyncMode SyncMode `json:"sync_mode,omitempty"` // CreateRoom only

	// SwitchRole
	Role Role `json:"role,omitempty"`

	// InputBatch
	Inputs []PortInput `json:"inputs,omitempty"`

	// ProvideState / ProvideRom / Pause / Reset
	Frame  uint32    `json:"frame,omitempty"`
	State  []byte    `json:"state,omitempty"`
	Rom    []byte    `json:"rom,omitempty"`
	Paused bool      `json:"paused,omitempty"`
	Reset  ResetKind `json:"reset,omitempty"`

	// AttachChannel
	Token   string  `json:"token,omitempty"`
	Channel Channel `json:"channel,omitempty"`
}

// ServerMessage is the flat envelope for everything the server sends.
type ServerMessage struct {
	Type string `json:"type"`

	// Welcome
	ClientID string `json:"client_id,omitempty"`
	Token    string `json:"token,omitempty"`

	// JoinAck. Players lists the occupied port indices at join time;
	// CurrentFrame is the room's newest relayed frame, the catch-up
	// target for a late joiner.
	RoomCode     string   `json:"room_code,omitempty"`
	PlayerIndex  uint8    `json:"player_index,omitempty"`
	StartFrame   uint32   `json:"start_frame,omitempty"`
	CurrentFrame uint32   `json:"current_frame,omitempty"`
	Players      []uint8  `json:"players,omitempty"`
	SyncMode     SyncMode `json:"sync_mode,omitempty"`

	// RoleChanged / PlayerLeft
	Role Role `json:"role,omitempty"`

	// RelayInputs
	Inputs []PortInput `json:"inputs,omitempty"`

	// SyncState / SyncRom / PauseSync / ResetSync
	Frame  uint32    `json:"frame,omitempty"`
	State  []byte    `json:"state,omitempty"`
	Rom    []byte    `json:"rom,omitempty"`
	Paused bool      `json:"paused,omitempty"`
	Reset  ResetKind `json:"reset,omitempty"`

	// AttachAck
	Channel Channel `json:"channel,omitempty"`

	// Error
	Error string `json:"error,omitempty"`
}
