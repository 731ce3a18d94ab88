package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/voskhod/framesync/internal/client"
	"github.com/voskhod/framesync/pkg/protocol"
)

// ClientConn is the client side of the control channel. Outbound
// messages are enqueued without blocking; the writer task drains them.
type ClientConn struct {
	ws  *websocket.Conn
	out chan protocol.ClientMessage
	log *zap.Logger
}

// Dial connects the control channel, sends Hello, and wires the reader
// to the session handler. The handler's send function becomes this
// connection's enqueue.
func Dial(ctx context.Context, url string, h *client.Handler, log *zap.Logger) (*ClientConn, error) {
	h.HandleConnecting()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		h.HandleDisconnect(nil)
		return nil, fmt.Errorf("dial control channel: %w", err)
	}

	cc := &ClientConn{
		ws:  ws,
		out: make(chan protocol.ClientMessage, 256),
		log: log,
	}

	go cc.writeLoop(ctx)
	go cc.readLoop(ctx, h)

	cc.Send(protocol.ClientMessage{Type: protocol.MsgHello})
	h.HandleConnected()
	return cc, nil
}

// Send enqueues a message. Never blocks; a full queue drops the
// message, which the protocol tolerates the same way as packet loss
// before the transport.
func (cc *ClientConn) Send(msg protocol.ClientMessage) {
	select {
	case cc.out <- msg:
	default:
		cc.log.Warn("outbound queue full, dropping", zap.String("type", msg.Type))
	}
}

func (cc *ClientConn) Close() error {
	return cc.ws.Close(websocket.StatusNormalClosure, "bye")
}

func (cc *ClientConn) writeLoop(ctx context.Context) {
	for msg := range cc.out {
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = cc.ws.Write(wctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return
		}
	}
}

func (cc *ClientConn) readLoop(ctx context.Context, h *client.Handler) {
	for {
		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				err = nil
			}
			h.HandleDisconnect(err)
			return
		}
		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			cc.log.Warn("undecodable server message", zap.Error(err))
			continue
		}
		h.HandleServerMessage(msg)
	}
}

// DialQUICChannel opens a secondary logical channel over QUIC and binds
// it to the session token. RelayInputs arriving on it feed the same
// handler as the control channel.
func DialQUICChannel(ctx context.Context, addr string, kind protocol.Channel, token string, h *client.Handler, log *zap.Logger) (*ChannelConn, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // dev certs; pin or verify in production
		NextProtos:         []string{quicALPN},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s channel: %w", kind, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open %s stream: %w", kind, err)
	}

	ch := &ChannelConn{
		conn:   conn,
		stream: stream,
		out:    make(chan protocol.ClientMessage, 256),
		log:    log,
	}
	go ch.writeLoop()
	go ch.readLoop(h)

	ch.Send(protocol.ClientMessage{
		Type:    protocol.MsgAttachChannel,
		Token:   token,
		Channel: kind,
	})
	return ch, nil
}

// ChannelConn is a secondary channel bound to an existing session.
type ChannelConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	out    chan protocol.ClientMessage
	log    *zap.Logger
}

func (ch *ChannelConn) Send(msg protocol.ClientMessage) {
	select {
	case ch.out <- msg:
	default:
		ch.log.Warn("channel queue full, dropping", zap.String("type", msg.Type))
	}
}

func (ch *ChannelConn) Close() error {
	ch.stream.CancelRead(0)
	_ = ch.stream.Close()
	return ch.conn.CloseWithError(0, "")
}

func (ch *ChannelConn) writeLoop() {
	enc := json.NewEncoder(ch.stream)
	for msg := range ch.out {
		if err := enc.Encode(msg); err != nil {
			return
		}
	}
}

func (ch *ChannelConn) readLoop(h *client.Handler) {
	dec := json.NewDecoder(ch.stream)
	for {
		var msg protocol.ServerMessage
		if err := dec.Decode(&msg); err != nil {
			// Secondary channel loss is not a session loss; the control
			// channel keeps the session alive.
			return
		}
		h.HandleServerMessage(msg)
	}
}
