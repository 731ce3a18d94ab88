// Package transport bridges sockets and the coordinator: every
// connection gets a reader task pumping decoded messages into the
// coordinator inbox and a writer task draining the connection's outbox.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/voskhod/framesync/internal/room"
	"github.com/voskhod/framesync/pkg/protocol"
)

const writeTimeout = 3 * time.Second

// Server accepts websocket and QUIC connections for one coordinator.
type Server struct {
	coord  *room.Coordinator
	log    *zap.Logger
	nextID atomic.Uint64
}

func NewServer(coord *room.Coordinator, log *zap.Logger) *Server {
	return &Server{coord: coord, log: log}
}

// WSHandler upgrades an HTTP request to a netplay connection.
func (s *Server) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close(websocket.StatusNormalClosure, "bye")

		id := room.ConnID(s.nextID.Add(1))
		conn := room.NewConn(id, r.RemoteAddr, func() {
			_ = ws.Close(websocket.StatusNormalClosure, "bye")
		})
		s.coord.Inbox() <- room.Connected{Conn: conn}

		// Writer task: drain the coordinator's outbox for this conn.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for msg := range conn.Outbox() {
				payload, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				err = ws.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
		}()

		// Reader loop. Any failure, including a decode error, removes
		// only this connection.
		for {
			_, data, err := ws.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					err = nil
				}
				s.coord.Inbox() <- room.Disconnected{ID: id, Err: err}
				return
			}

			var msg protocol.ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.log.Warn("undecodable message", zap.Uint64("conn", uint64(id)), zap.Error(err))
				s.coord.Inbox() <- room.Disconnected{ID: id, Err: err}
				return
			}
			s.coord.Inbox() <- room.Packet{ID: id, Msg: msg}
		}
	}
}
