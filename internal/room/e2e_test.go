package room_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voskhod/framesync/internal/client"
	"github.com/voskhod/framesync/internal/provider"
	"github.com/voskhod/framesync/internal/room"
	"github.com/voskhod/framesync/internal/session"
	framesync "github.com/voskhod/framesync/internal/sync"
	"github.com/voskhod/framesync/pkg/protocol"
)

// peer glues a full client stack to the coordinator through in-memory
// channels, standing in for the websocket transport.
type peer struct {
	h    *client.Handler
	prov *provider.Provider
	conn *room.Conn
}

func dialPeer(t *testing.T, coord *room.Coordinator, id room.ConnID, mode protocol.SyncMode) *peer {
	t.Helper()

	conn := room.NewConn(id, "test", nil)
	prov := provider.New(mode, 0)
	send := func(msg protocol.ClientMessage) {
		coord.Inbox() <- room.Packet{ID: id, Msg: msg}
	}
	h := client.NewHandler(prov, send, zap.NewNop())

	coord.Inbox() <- room.Connected{Conn: conn}
	go func() {
		for msg := range conn.Outbox() {
			h.HandleServerMessage(msg)
		}
	}()

	send(protocol.ClientMessage{Type: protocol.MsgHello})
	return &peer{h: h, prov: prov, conn: conn}
}

func waitEvent[T client.Event](t *testing.T, p *peer, within time.Duration) T {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev := <-p.h.Events():
			if want, ok := ev.(T); ok {
				return want
			}
			// Skip unrelated events; callers assert strict ordering
			// separately where it matters.
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func waitRoomCode(t *testing.T, p *peer, within time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		var code string
		p.prov.WithSession(func(s *session.Session) { code = s.RoomCode() })
		if code != "" {
			return code
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for room code")
	return ""
}

func waitReady(t *testing.T, p *peer, localFrame uint32, within time.Duration) framesync.Inputs {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if in, ok := p.prov.PollInputs(localFrame); ok {
			return in
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("frame %d never became ready", localFrame)
	return framesync.Inputs{}
}

// waitPortActive blocks until a relayed role change has flipped the
// port on, so a lockstep poll cannot consume the frame early.
func waitPortActive(t *testing.T, p *peer, port uint8, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		active := false
		p.prov.WithSync(func(s framesync.Strategy) { active = s.PortActive(port) })
		if active {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("port %d never activated", port)
}

func newE2ECoordinator(t *testing.T) *room.Coordinator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := room.DefaultConfig()
	cfg.SweepInterval = 0
	return room.NewCoordinator(ctx, cfg, zap.NewNop())
}

func TestE2E_LockstepPeersResolveFrameZero(t *testing.T) {
	coord := newE2ECoordinator(t)

	host := dialPeer(t, coord, 1, protocol.SyncLockstep)
	host.h.Do(client.CreateRoom{SyncMode: protocol.SyncLockstep})
	waitEvent[client.StartGame](t, host, 2*time.Second)
	code := waitRoomCode(t, host, time.Second)

	guest := dialPeer(t, coord, 2, protocol.SyncLockstep)
	guest.h.Do(client.JoinRoom{Code: code})

	// The server bootstraps the joiner from a fresh host snapshot.
	waitEvent[client.StateRequested](t, host, 2*time.Second)
	host.h.Do(client.ProvideState{Frame: 0, State: []byte{0xA0}})

	sync := waitEvent[client.SyncState](t, guest, 2*time.Second)
	if sync.Frame != 0 {
		t.Fatalf("pre-game join should sync at frame 0, got %d", sync.Frame)
	}
	waitEvent[client.StartGame](t, guest, 2*time.Second)
	waitPortActive(t, host, 1, 2*time.Second)

	host.h.Do(client.SendInput{Frame: 0, Buttons: 0x01})
	guest.h.Do(client.SendInput{Frame: 0, Buttons: 0x02})

	want := framesync.Inputs{0x01, 0x02, 0, 0}
	if got := waitReady(t, host, 0, 2*time.Second); got != want {
		t.Fatalf("host resolved %v, want %v", got, want)
	}
	if got := waitReady(t, guest, 0, 2*time.Second); got != want {
		t.Fatalf("guest resolved %v, want %v", got, want)
	}
}

func TestE2E_LateJoinerCatchesUp(t *testing.T) {
	coord := newE2ECoordinator(t)

	host := dialPeer(t, coord, 1, protocol.SyncLockstep)
	host.h.Do(client.CreateRoom{SyncMode: protocol.SyncLockstep})
	waitEvent[client.StartGame](t, host, 2*time.Second)
	code := waitRoomCode(t, host, time.Second)

	// Host runs alone for frames 0-20.
	for f := uint32(0); f <= 20; f++ {
		host.h.Do(client.SendInput{Frame: f, Buttons: 0x01})
		waitReady(t, host, f, time.Second)
	}

	guest := dialPeer(t, coord, 2, protocol.SyncLockstep)
	guest.h.Do(client.JoinRoom{Code: code})

	waitEvent[client.StateRequested](t, host, 2*time.Second)
	host.h.Do(client.ProvideState{Frame: 21, State: []byte{0xB1}})

	sync := waitEvent[client.SyncState](t, guest, 2*time.Second)
	if sync.Frame != 21 {
		t.Fatalf("snapshot should be at frame 21, got %d", sync.Frame)
	}
	waitEvent[client.StartGame](t, guest, 2*time.Second)

	// Guest local frame 0 is room frame 21; it becomes ready as soon as
	// the host's input for 21 is relayed.
	host.h.Do(client.SendInput{Frame: 21, Buttons: 0x01})
	got := waitReady(t, guest, 0, 2*time.Second)
	if got[0] != 0x01 {
		t.Fatalf("guest should see the host's input at its frame 0, got %v", got)
	}
}

func TestE2E_SpectatorGetsOneSyncStateThenStart(t *testing.T) {
	coord := newE2ECoordinator(t)

	host := dialPeer(t, coord, 1, protocol.SyncRollback)
	host.h.Do(client.CreateRoom{SyncMode: protocol.SyncRollback})
	waitEvent[client.StartGame](t, host, 2*time.Second)
	code := waitRoomCode(t, host, time.Second)

	for f := uint32(0); f <= 5; f++ {
		host.h.Do(client.SendInput{Frame: f, Buttons: 0x01})
	}
	host.h.Do(client.ProvideState{Frame: 5, State: []byte{0xC5}})

	watcher := dialPeer(t, coord, 2, protocol.SyncRollback)
	watcher.h.Do(client.JoinRoom{Code: code, Role: protocol.RoleSpectator})

	// Strict ordering: exactly one SyncState, then StartGame.
	var events []client.Event
	deadline := time.After(2 * time.Second)
	for len(events) < 2 {
		select {
		case ev := <-watcher.h.Events():
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out; got events %v", events)
		}
	}
	sync, ok := events[0].(client.SyncState)
	if !ok || sync.Frame != 5 || len(sync.State) != 1 || sync.State[0] != 0xC5 {
		t.Fatalf("first event must be SyncState(5), got %+v", events[0])
	}
	if _, ok := events[1].(client.StartGame); !ok {
		t.Fatalf("second event must be StartGame, got %+v", events[1])
	}

	// The spectator's local frame 0 maps to session frame 5.
	if off := watcher.prov.FrameOffset(); off != 5 {
		t.Fatalf("want frame offset 5, got %d", off)
	}
	if watcher.prov.LocalPort() != protocol.SpectatorPlayerIndex {
		t.Fatalf("spectator must have no local port")
	}
}
