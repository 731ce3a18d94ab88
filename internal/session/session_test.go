package session

import (
	"testing"

	"github.com/voskhod/framesync/pkg/protocol"
)

func TestFrameConversion_RoundTrips(t *testing.T) {
	s := New()
	s.SetFrameOffset(5)

	if got := s.LocalToEffective(0); got != 5 {
		t.Fatalf("local 0 should map to effective 5, got %d", got)
	}
	if got := s.EffectiveToLocal(5); got != 0 {
		t.Fatalf("effective 5 should map to local 0, got %d", got)
	}
	if got := s.EffectiveToLocal(3); got != 0 {
		t.Fatalf("pre-session frames clamp to 0, got %d", got)
	}
	for _, local := range []uint32{0, 1, 100} {
		if got := s.EffectiveToLocal(s.LocalToEffective(local)); got != local {
			t.Fatalf("round trip of %d gave %d", local, got)
		}
	}
}

func TestNewSession_StartsDisconnectedSpectator(t *testing.T) {
	s := New()
	if s.State().Kind != Disconnected {
		t.Fatalf("want Disconnected, got %v", s.State().Kind)
	}
	if !s.IsSpectator() {
		t.Fatalf("a fresh session has no player index")
	}
}

func TestReset_DropsRoomMembership(t *testing.T) {
	s := New()
	s.SetIdentity("c1", "tok")
	s.SetRoom("ABC123", 2, protocol.SyncRollback)
	s.SetFrameOffset(9)
	s.SetState(State{Kind: Playing, StartFrame: 9})

	s.Reset()

	if s.RoomCode() != "" || s.FrameOffset() != 0 || !s.IsSpectator() {
		t.Fatalf("reset left residue: %+v", s)
	}
	if s.State().Kind != Disconnected {
		t.Fatalf("reset must return to Disconnected")
	}
}
