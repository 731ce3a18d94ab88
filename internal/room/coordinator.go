// Package room implements the server-side netplay coordinator: one
// actor loop per Coordinator owning all membership, relay, and state
// caching. Serializing mutation on the loop removes any need for
// per-room locks.
package room

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voskhod/framesync/pkg/protocol"
)

// roleActivationLead is how many frames ahead of the room's newest
// relayed frame a (re)activated port takes effect, so every peer sees
// the activation before consuming the frame it lands on.
const roleActivationLead = 8

// maxCodeAttempts bounds the collision retries when reserving a room
// code so a misbehaving entropy source cannot stall the actor loop.
const maxCodeAttempts = 32

type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Token-bucket message limits per connection.
	RateCapacity float64
	RatePerSec   float64
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:   2 * time.Minute,
		SweepInterval: 15 * time.Second,
		RateCapacity:  240,
		RatePerSec:    120,
	}
}

// Coordinator routes every connection and room on one goroutine fed by
// a single inbound channel.
type Coordinator struct {
	inbox chan Event

	conns  map[ConnID]*connCtx
	tokens map[string]ConnID // session token -> control connection
	rooms  map[string]*room

	// Codes handed out by ReserveCode but not yet claimed by CreateRoom.
	reserved map[string]time.Time

	cfg        Config
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	nextClient uint64
	now        func() time.Time
	genCode    func() (string, error)
}

func NewCoordinator(parent context.Context, cfg Config, log *zap.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		inbox:    make(chan Event, 256),
		conns:    make(map[ConnID]*connCtx),
		tokens:   make(map[string]ConnID),
		rooms:    make(map[string]*room),
		reserved: make(map[string]time.Time),
		cfg:      cfg,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		genCode:  GenerateCode,
	}
	go c.loop()
	if cfg.SweepInterval > 0 {
		go c.sweepTicker()
	}
	return c
}

// Inbox is where transports and the sweep ticker deliver events.
func (c *Coordinator) Inbox() chan<- Event { return c.inbox }

func (c *Coordinator) sweepTicker() {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-t.C:
			select {
			case c.inbox <- SweepTick{Now: now}:
			default:
				// Loop is busy; the next tick will catch up.
			}
		}
	}
}

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return

		case ev := <-c.inbox:
			switch e := ev.(type) {
			case Connected:
				c.conns[e.Conn.ID] = &connCtx{
					conn:         e.Conn,
					role:         roleUnbound,
					limiter:      newRateLimiter(c.cfg.RateCapacity, c.cfg.RatePerSec),
					lastActivity: c.now(),
					playerIndex:  protocol.SpectatorPlayerIndex,
					channels:     make(map[protocol.Channel]*Conn),
				}

			case Disconnected:
				c.dropConn(e.ID, e.Err)

			case Packet:
				c.handlePacket(e.ID, e.Msg)

			case SweepTick:
				c.sweep(e.Now)

			case ReserveCode:
				e.Reply <- c.reserveCode()

			case GetRoomView:
				e.Reply <- c.roomView(e.Code)

			case Shutdown:
				c.shutdown()
				return
			}
		}
	}
}

func (c *Coordinator) shutdown() {
	for id := range c.conns {
		c.conns[id].conn.Close()
	}
	clear(c.conns)
	clear(c.rooms)
	clear(c.tokens)
	c.cancel()
}

func (c *Coordinator) handlePacket(id ConnID, msg protocol.ClientMessage) {
	cc, ok := c.conns[id]
	if !ok {
		return
	}
	now := c.now()
	cc.lastActivity = now
	if !cc.limiter.allow(now) {
		c.log.Warn("rate limit exceeded", zap.Uint64("conn", uint64(id)))
		c.dropConn(id, fmt.Errorf("rate limit exceeded"))
		return
	}

	// An unbound connection may only introduce itself or attach.
	if cc.role == roleUnbound {
		switch msg.Type {
		case protocol.MsgHello:
			c.handleHello(cc)
		case protocol.MsgAttachChannel:
			c.handleAttach(cc, msg)
		default:
			c.dropConn(id, fmt.Errorf("message %q before hello", msg.Type))
		}
		return
	}
	if cc.role == roleChannel {
		// Secondary channels carry input batches only; everything else
		// belongs on control.
		if msg.Type == protocol.MsgInputBatch {
			c.handleInputBatch(c.controlFor(cc), msg)
			return
		}
		c.dropConn(id, fmt.Errorf("message %q on %s channel", msg.Type, cc.channel))
		return
	}

	switch msg.Type {
	case protocol.MsgCreateRoom:
		c.handleCreateRoom(cc, msg)
	case protocol.MsgJoinRoom:
		c.handleJoinRoom(cc, msg)
	case protocol.MsgSwitchRole:
		c.handleSwitchRole(cc, msg)
	case protocol.MsgInputBatch:
		c.handleInputBatch(cc, msg)
	case protocol.MsgProvideState:
		c.handleProvideState(cc, msg)
	case protocol.MsgRequestState:
		if !c.forwardStateRequest(cc) {
			c.sendTo(cc, cc.conn, protocol.ServerMessage{Type: protocol.MsgError, Error: "no state provider available"})
		}
	case protocol.MsgProvideRom:
		c.handleProvideRom(cc, msg)
	case protocol.MsgPause:
		c.relayToOthers(cc, protocol.ServerMessage{Type: protocol.MsgPauseSync, Paused: msg.Paused}, protocol.ChannelControl)
	case protocol.MsgReset:
		c.relayToOthers(cc, protocol.ServerMessage{Type: protocol.MsgResetSync, Reset: msg.Reset}, protocol.ChannelControl)
	default:
		c.log.Warn("unknown message type", zap.String("type", msg.Type), zap.Uint64("conn", uint64(id)))
		c.sendTo(cc, cc.conn, protocol.ServerMessage{Type: protocol.MsgError, Error: "unknown message type"})
	}
}

func (c *Coordinator) handleHello(cc *connCtx) {
	c.nextClient++
	cc.role = roleControl
	cc.clientID = fmt.Sprintf("c%06d", c.nextClient)
	token, err := c.genCode()
	if err != nil {
		c.dropConn(cc.conn.ID, err)
		return
	}
	cc.token = cc.clientID + "-" + token
	c.tokens[cc.token] = cc.conn.ID
	c.sendTo(cc, cc.conn, protocol.ServerMessage{
		Type:     protocol.MsgWelcome,
		ClientID: cc.clientID,
		Token:    cc.token,
	})
}

func (c *Coordinator) handleAttach(cc *connCtx, msg protocol.ClientMessage) {
	ctrlID, ok := c.tokens[msg.Token]
	if !ok {
		c.dropConn(cc.conn.ID, fmt.Errorf("attach with unknown token"))
		return
	}
	if msg.Channel != protocol.ChannelInput && msg.Channel != protocol.ChannelBulk {
		c.dropConn(cc.conn.ID, fmt.Errorf("attach with invalid channel %q", msg.Channel))
		return
	}
	ctrl := c.conns[ctrlID]
	if prev, exists := ctrl.channels[msg.Channel]; exists {
		// Replacing a live channel is a protocol violation; replacing a
		// dead one is the reconnect path.
		prev.Close()
		delete(c.conns, prev.ID)
	}
	cc.role = roleChannel
	cc.channel = msg.Channel
	cc.token = msg.Token
	ctrl.channels[msg.Channel] = cc.conn
	c.sendTo(cc, cc.conn, protocol.ServerMessage{Type: protocol.MsgAttachAck, Channel: msg.Channel})
}

func (c *Coordinator) handleCreateRoom(cc *connCtx, msg protocol.ClientMessage) {
	if cc.roomCode != "" {
		c.sendTo(cc, cc.conn, protocol.ServerMessage{Type: protocol.MsgError, Error: "already in a room"})
		return
	}
	code := msg.RoomCode
	if code != "" {
		if _, reservedOK := c.reserved[code]; !reservedOK {
			c.sendTo(cc, cc.conn, protocol.ServerMessage{Type: protocol.MsgError, Error: "unknown room code"})
			return
		}
		delete(c.reserved, code)
	} else {
		code = c.reserveCode()
		if code == "" {
			c.sendTo(cc, cc.conn, protocol.ServerMessage{Type: protocol.MsgError, Error: "could not allocate room code"})
			return
		}
		delete(c.reserved, code)
	}
	r := newRoom(code, msg.SyncMode)
	c.rooms[code] = r

	port := r.assignSlot(cc.conn.ID)
	cc.roomCode = code
	cc.playerIndex = port
	c.sendTo(cc, cc.conn, protocol.ServerMessage{
		Type:        protocol.MsgJoinAck,
		RoomCode:    code,
		PlayerIndex: port,
		SyncMode:    r.mode,
	})
	c.log.Info("room created",
		zap.String("room", code),
		zap.String("client", cc.clientID),
		zap.String("mode", string(r.mode)))
}

func (c *Coordinator) handleJoinRoom(cc *connCtx, msg protocol.ClientMessage) {
	if cc.roomCode != "" {
		c.sendTo(cc, cc.conn, protocol.ServerMessage{Type: protocol.MsgError, Error: "already in a room"})
		return
	}
	r, ok := c.rooms[msg.RoomCode]
	if !ok {
		c.sendTo(cc, cc.conn, protocol.ServerMessage{Type: protocol.MsgError, Error: "room not found"})
		return
	}

	existing := r.occupiedPorts()
	port := uint8(protocol.SpectatorPlayerIndex)
	if msg.Role == protocol.RoleSpectator {
		r.spectators[cc.conn.ID] = struct{}{}
	} else {
		port = r.assignSlot(cc.conn.ID)
	}
	cc.roomCode = r.code
	cc.playerIndex = port

	startFrame := uint32(0)
	if r.state != nil {
		startFrame = r.state.frame
	}
	c.sendTo(cc, cc.conn, protocol.ServerMessage{
		Type:         protocol.MsgJoinAck,
		RoomCode:     r.code,
		PlayerIndex:  port,
		StartFrame:   startFrame,
		CurrentFrame: r.currentFrame,
		Players:      existing,
		SyncMode:     r.mode,
	})

	if len(r.rom) > 0 {
		c.sendTo(cc, cc.preferredConn(protocol.ChannelBulk), protocol.ServerMessage{
			Type: protocol.MsgSyncRom,
			Rom:  r.rom,
		})
	}

	// A player joining before the game has advanced goes live on every
	// peer immediately; mid-game activation waits for the catch-up
	// handshake (SwitchRole after the joiner settles).
	if port != protocol.SpectatorPlayerIndex && r.currentFrame == 0 {
		c.relayToOthers(cc, protocol.ServerMessage{
			Type:        protocol.MsgRoleChanged,
			ClientID:    cc.clientID,
			PlayerIndex: port,
			Role:        protocol.Role('0' + rune(port)),
		}, protocol.ChannelControl)
	}

	if r.state != nil {
		c.sendTo(cc, cc.preferredConn(protocol.ChannelBulk), protocol.ServerMessage{
			Type:  protocol.MsgSyncState,
			Frame: r.state.frame,
			State: r.state.data,
		})
	} else if c.forwardStateRequest(cc) {
		// No snapshot cached: an occupant was asked for a fresh one;
		// queue the joiner until it arrives.
		r.pendingSync = append(r.pendingSync, cc.conn.ID)
	} else {
		// Nobody can provide state. Tell the joiner instead of leaving
		// it stuck in its syncing phase.
		c.sendTo(cc, cc.conn, protocol.ServerMessage{Type: protocol.MsgError, Error: "no state provider available"})
	}

	c.log.Info("joined room",
		zap.String("room", r.code),
		zap.String("client", cc.clientID),
		zap.Uint8("port", port))
}

func (c *Coordinator) handleSwitchRole(cc *connCtx, msg protocol.ClientMessage) {
	r, ok := c.rooms[cc.roomCode]
	if !ok {
		c.sendTo(cc, cc.conn, protocol.ServerMessage{Type: protocol.MsgError, Error: "not in a room"})
		return
	}

	if msg.Role == protocol.RoleSpectator {
		port, wasPlayer := r.vacate(cc.conn.ID)
		r.spectators[cc.conn.ID] = struct{}{}
		cc.playerIndex = protocol.SpectatorPlayerIndex
		if wasPlayer {
			c.broadcast(r, protocol.ServerMessage{
				Type:        protocol.MsgRoleChanged,
				ClientID:    cc.clientID,
				PlayerIndex: port,
				Role:        protocol.RoleSpectator,
			})
		}
		return
	}

	want, ok := parsePortRole(msg.Role)
	if !ok {
		c.dropConn(cc.conn.ID, fmt.Errorf("invalid role %q", msg.Role))
		return
	}

	current, isPlayer := r.portOf(cc.conn.ID)
	switch {
	case isPlayer && current == want:
		// Rejoin-ready handshake: the client caught up and asks for its
		// own slot back. Schedule the activation ahead of the newest
		// relayed frame so every peer flips the port on the same frame.
	case r.players[want] == 0:
		if isPlayer {
			r.players[current] = 0
		}
		delete(r.spectators, cc.conn.ID)
		r.players[want] = cc.conn.ID
		cc.playerIndex = want
	default:
		// Slot owned by someone else: role conflict.
		c.dropConn(cc.conn.ID, fmt.Errorf("role conflict on port %d", want))
		return
	}

	activation := r.currentFrame
	if activation > 0 {
		activation += roleActivationLead
	}
	c.broadcast(r, protocol.ServerMessage{
		Type:        protocol.MsgRoleChanged,
		ClientID:    cc.clientID,
		PlayerIndex: want,
		Role:        msg.Role,
		Frame:       activation,
	})
}

func (c *Coordinator) handleInputBatch(cc *connCtx, msg protocol.ClientMessage) {
	if cc == nil {
		return
	}
	r, ok := c.rooms[cc.roomCode]
	if !ok {
		return
	}
	if cc.playerIndex == protocol.SpectatorPlayerIndex {
		// Spectators contribute no input.
		return
	}
	for _, in := range msg.Inputs {
		if in.Port != cc.playerIndex {
			// A client may only speak for its own port.
			c.dropConn(cc.conn.ID, fmt.Errorf("input for foreign port %d", in.Port))
			return
		}
		if in.Frame > r.currentFrame {
			r.currentFrame = in.Frame
		}
	}
	c.relayToOthers(cc, protocol.ServerMessage{
		Type:   protocol.MsgRelayInputs,
		Inputs: msg.Inputs,
	}, protocol.ChannelInput)
}

func (c *Coordinator) handleProvideState(cc *connCtx, msg protocol.ClientMessage) {
	r, ok := c.rooms[cc.roomCode]
	if !ok {
		return
	}
	r.setState(msg.Frame, msg.State)

	// Flush joiners who were waiting for a snapshot.
	for _, id := range r.pendingSync {
		waiter, live := c.conns[id]
		if !live {
			continue
		}
		c.sendTo(waiter, waiter.preferredConn(protocol.ChannelBulk), protocol.ServerMessage{
			Type:  protocol.MsgSyncState,
			Frame: msg.Frame,
			State: msg.State,
		})
	}
	r.pendingSync = nil
}

func (c *Coordinator) handleProvideRom(cc *connCtx, msg protocol.ClientMessage) {
	r, ok := c.rooms[cc.roomCode]
	if !ok {
		return
	}
	r.rom = msg.Rom
}

// forwardStateRequest asks another occupant for a fresh snapshot on
// behalf of requester. Spectators serve as providers when no other
// player is present. Returns false when nobody can answer.
func (c *Coordinator) forwardStateRequest(requester *connCtx) bool {
	r, ok := c.rooms[requester.roomCode]
	if !ok {
		return false
	}
	id, ok := r.stateProvider(requester.conn.ID)
	if !ok {
		return false
	}
	prov, live := c.conns[id]
	if !live {
		return false
	}
	c.sendTo(prov, prov.conn, protocol.ServerMessage{Type: protocol.MsgRequestState})
	return true
}

// relayToOthers sends msg to every room member except from, using each
// member's attached channel of kind ch when present.
func (c *Coordinator) relayToOthers(from *connCtx, msg protocol.ServerMessage, ch protocol.Channel) {
	r, ok := c.rooms[from.roomCode]
	if !ok {
		return
	}
	for _, id := range r.members() {
		if id == from.conn.ID {
			continue
		}
		member, live := c.conns[id]
		if !live {
			continue
		}
		c.sendTo(member, member.preferredConn(ch), msg)
	}
}

func (c *Coordinator) broadcast(r *room, msg protocol.ServerMessage) {
	for _, id := range r.members() {
		member, live := c.conns[id]
		if !live {
			continue
		}
		c.sendTo(member, member.conn, msg)
	}
}

// sendTo enqueues on conn; a full outbox means the consumer is too slow
// and its control connection is dropped.
func (c *Coordinator) sendTo(owner *connCtx, conn *Conn, msg protocol.ServerMessage) {
	if conn == nil {
		return
	}
	if !conn.send(msg) {
		c.log.Warn("dropping slow connection", zap.Uint64("conn", uint64(conn.ID)))
		c.dropConn(owner.conn.ID, fmt.Errorf("send buffer full"))
	}
}

// controlFor resolves a secondary channel back to its control context.
func (c *Coordinator) controlFor(cc *connCtx) *connCtx {
	if cc.role != roleChannel {
		return cc
	}
	id, ok := c.tokens[cc.token]
	if !ok {
		return nil
	}
	return c.conns[id]
}

// dropConn removes a connection through the single cleanup path used by
// network failures, protocol violations, and the idle sweep alike.
func (c *Coordinator) dropConn(id ConnID, cause error) {
	cc, ok := c.conns[id]
	if !ok {
		return
	}
	delete(c.conns, id)
	cc.conn.Close()

	if cc.role == roleChannel {
		if ctrl := c.controlFor(cc); ctrl != nil {
			delete(ctrl.channels, cc.channel)
		}
		return
	}

	if cc.token != "" {
		delete(c.tokens, cc.token)
	}
	for _, ch := range cc.channels {
		ch.Close()
		delete(c.conns, ch.ID)
	}

	if cc.roomCode == "" {
		return
	}
	r, ok := c.rooms[cc.roomCode]
	if !ok {
		return
	}

	hostID, _ := r.host()
	port, wasPlayer := r.vacate(cc.conn.ID)
	if wasPlayer {
		msg := protocol.ServerMessage{Type: protocol.MsgPlayerLeft, PlayerIndex: port}
		c.broadcast(r, msg)
		if hostID == cc.conn.ID {
			c.broadcast(r, protocol.ServerMessage{Type: protocol.MsgP2PHostDisconnected})
		}
	}

	if r.empty() {
		delete(c.rooms, r.code)
		c.log.Info("room removed", zap.String("room", r.code))
	}

	if cause != nil {
		c.log.Info("connection dropped",
			zap.Uint64("conn", uint64(id)),
			zap.String("client", cc.clientID),
			zap.Error(cause))
	}
}

// sweep disconnects connections idle past the configured threshold,
// through the same path as a normal disconnect.
func (c *Coordinator) sweep(now time.Time) {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	var idle []ConnID
	for id, cc := range c.conns {
		if now.Sub(cc.lastActivity) > c.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		c.dropConn(id, fmt.Errorf("idle timeout"))
	}
	for code, at := range c.reserved {
		if now.Sub(at) > c.cfg.IdleTimeout {
			delete(c.reserved, code)
		}
	}
}

// reserveCode returns a fresh unused room code, or "" when generation
// fails or the collision retries run out.
func (c *Coordinator) reserveCode() string {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := c.genCode()
		if err != nil {
			c.log.Error("room code generation failed", zap.Error(err))
			return ""
		}
		if _, taken := c.rooms[code]; taken {
			continue
		}
		if _, taken := c.reserved[code]; taken {
			continue
		}
		c.reserved[code] = c.now()
		return code
	}
	c.log.Error("room code space exhausted")
	return ""
}

func (c *Coordinator) roomView(code string) *RoomView {
	r, ok := c.rooms[code]
	if !ok {
		return nil
	}
	v := &RoomView{
		Code:         r.code,
		SyncMode:     r.mode,
		Players:      r.occupiedPorts(),
		Spectators:   len(r.spectators),
		CurrentFrame: r.currentFrame,
		HasRom:       len(r.rom) > 0,
	}
	if r.state != nil {
		v.HasState = true
		v.CachedFrame = r.state.frame
	}
	return v
}

func parsePortRole(role protocol.Role) (uint8, bool) {
	if len(role) != 1 || role[0] < '0' || role[0] > '3' {
		return 0, false
	}
	return role[0] - '0', true
}
