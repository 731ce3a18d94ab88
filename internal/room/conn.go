package room

import (
	"sync"
	"time"

	"github.com/voskhod/framesync/pkg/protocol"
)

// ConnID identifies a transport connection for the coordinator.
type ConnID uint64

// Conn is the coordinator's handle to one transport connection. The
// transport's writer task drains Outbox; the coordinator enqueues with
// a non-blocking send so the room loop can never stall on a slow peer.
type Conn struct {
	ID         ConnID
	RemoteAddr string

	outbox    chan protocol.ServerMessage
	closeOnce sync.Once
	onClose   func()
}

func NewConn(id ConnID, remoteAddr string, onClose func()) *Conn {
	return &Conn{
		ID:         id,
		RemoteAddr: remoteAddr,
		outbox:     make(chan protocol.ServerMessage, 256),
		onClose:    onClose,
	}
}

// Outbox is drained by the transport's writer task. It is closed when
// the connection is dropped.
func (c *Conn) Outbox() <-chan protocol.ServerMessage { return c.outbox }

// send enqueues without blocking. false means the outbox is full and
// the consumer is too slow to keep.
func (c *Conn) send(msg protocol.ServerMessage) bool {
	select {
	case c.outbox <- msg:
		return true
	default:
		return false
	}
}

// Close shuts the outbox and the underlying socket. Idempotent; safe
// from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.outbox)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

type connRole int

const (
	roleUnbound connRole = iota
	roleControl
	roleChannel
)

// connCtx is the coordinator's per-connection state. Only the
// coordinator goroutine touches it.
type connCtx struct {
	conn         *Conn
	role         connRole
	channel      protocol.Channel // meaningful for roleChannel
	clientID     string
	token        string
	roomCode     string
	playerIndex  uint8
	limiter      *rateLimiter
	lastActivity time.Time

	// Secondary channels attached to this control connection by token.
	channels map[protocol.Channel]*Conn
}

// preferredConn picks the attached channel for a message kind, falling
// back to the control connection.
func (cc *connCtx) preferredConn(ch protocol.Channel) *Conn {
	if c, ok := cc.channels[ch]; ok {
		return c
	}
	return cc.conn
}

// rateLimiter is a token bucket refilled continuously. Zero capacity
// disables limiting.
type rateLimiter struct {
	capacity float64
	refill   float64 // tokens per second
	tokens   float64
	last     time.Time
}

func newRateLimiter(capacity, refillPerSec float64) *rateLimiter {
	return &rateLimiter{
		capacity: capacity,
		refill:   refillPerSec,
		tokens:   capacity,
	}
}

func (l *rateLimiter) allow(now time.Time) bool {
	if l == nil || l.capacity <= 0 {
		return true
	}
	if !l.last.IsZero() {
		l.tokens += now.Sub(l.last).Seconds() * l.refill
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.last = now
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
