package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voskhod/framesync/internal/room"
)

// CreateRoom reserves a fresh room code. The room itself is created
// when the reserving client sends CreateRoom over its control channel.
func CreateRoom(coord *room.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan string, 1)
		coord.Inbox() <- room.ReserveCode{Reply: reply}
		code := <-reply
		if code == "" {
			http.Error(w, "could not allocate room code", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			Code string `json:"code"`
		}{Code: code})
	}
}

// RoomInfo reflects a room's observable state.
func RoomInfo(coord *room.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		reply := make(chan *room.RoomView, 1)
		coord.Inbox() <- room.GetRoomView{Code: code, Reply: reply}
		view := <-reply
		if view == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
