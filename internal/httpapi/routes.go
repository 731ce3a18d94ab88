package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voskhod/framesync/internal/room"
	"github.com/voskhod/framesync/internal/transport"
)

func SetupRoutes(coord *room.Coordinator, srv *transport.Server) http.Handler {
	r := chi.NewRouter()

	r.Post("/rooms", CreateRoom(coord))
	r.Get("/rooms/{code}", RoomInfo(coord))
	r.Get("/healthz", Healthz)
	r.Get("/ws", srv.WSHandler())
	return r
}
