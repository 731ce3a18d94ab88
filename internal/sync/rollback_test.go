package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollback_AlwaysAdvances(t *testing.T) {
	r := NewRollback(0)
	r.SetPortActive(0, true)
	r.SetPortActive(1, true)

	// No remote input at all: every frame still resolves.
	for f := uint32(0); f < 10; f++ {
		_, ok := r.InputsForFrame(f)
		require.True(t, ok, "rollback must never block at frame %d", f)
	}
}

func TestRollback_PredictsLastKnownValue(t *testing.T) {
	r := NewRollback(0)
	r.SetPortActive(1, true)

	r.OnRemoteInput(1, 0, 0x30)
	in, _ := r.InputsForFrame(0)
	assert.Equal(t, uint16(0x30), in[1])

	// Frame 1 has no confirmed input: repeat the last known value.
	in, _ = r.InputsForFrame(1)
	assert.Equal(t, uint16(0x30), in[1])
}

func TestRollback_MispredictionRequestsRollback(t *testing.T) {
	r := NewRollback(0)
	r.SetPortActive(0, true)
	r.SetPortActive(1, true)

	r.OnRemoteInput(1, 0, 0x01)
	for f := uint32(0); f < 8; f++ {
		_, _ = r.InputsForFrame(f) // frames 1..7 predicted as 0x01 for port 1
	}

	r.OnRemoteInput(1, 5, 0x02)

	req := r.PendingRollback()
	require.NotNil(t, req)
	assert.Equal(t, uint32(5), req.TargetFrame)
	assert.Equal(t, uint32(8), req.CurrentFrame)
}

func TestRollback_MatchingInputDoesNotRollBack(t *testing.T) {
	r := NewRollback(0)
	r.SetPortActive(1, true)

	r.OnRemoteInput(1, 0, 0x01)
	for f := uint32(0); f < 5; f++ {
		_, _ = r.InputsForFrame(f)
	}

	// Real input equals the prediction: no re-simulation needed.
	r.OnRemoteInput(1, 3, 0x01)
	assert.Nil(t, r.PendingRollback())
}

func TestRollback_FutureInputNeverRollsBack(t *testing.T) {
	r := NewRollback(0)
	r.SetPortActive(1, true)
	_, _ = r.InputsForFrame(0)

	// Frame 4 has not been consumed yet.
	r.OnRemoteInput(1, 4, 0x44)
	assert.Nil(t, r.PendingRollback())
}

func TestRollback_OverlappingRequestsConvergeToMinimum(t *testing.T) {
	r := NewRollback(0)
	r.SetPortActive(1, true)

	r.OnRemoteInput(1, 0, 0x01)
	for f := uint32(0); f < 10; f++ {
		_, _ = r.InputsForFrame(f)
	}

	r.OnRemoteInput(1, 8, 0x02)
	r.OnRemoteInput(1, 5, 0x03)

	req := r.PendingRollback()
	require.NotNil(t, req)
	assert.Equal(t, uint32(5), req.TargetFrame)

	// A later misprediction after the earlier one keeps the minimum.
	r.OnRemoteInput(1, 7, 0x04)
	assert.Equal(t, uint32(5), r.PendingRollback().TargetFrame)
}

func TestRollback_LastConfirmedHaltsAtGap(t *testing.T) {
	r := NewRollback(0)
	r.SetPortActive(0, true)

	for _, f := range []uint32{0, 1, 3, 4} {
		r.OnRemoteInput(0, f, 1)
	}
	assert.Equal(t, uint32(1), r.LastConfirmedFrame())

	// Filling the hole advances confirmation to the contiguous maximum.
	r.OnRemoteInput(0, 2, 1)
	assert.Equal(t, uint32(4), r.LastConfirmedFrame())
}

func TestRollback_ShouldFastForward(t *testing.T) {
	r := NewRollback(1)
	r.SetPortActive(0, true)

	for f := uint32(0); f <= 10; f++ {
		r.OnRemoteInput(0, f, 1)
	}

	// Confirmed = 10, threshold = frame + 1 + 2.
	assert.True(t, r.ShouldFastForward(5))
	assert.False(t, r.ShouldFastForward(8))
}

func TestRollback_StaleInputDiscardedAfterPrune(t *testing.T) {
	r := NewRollback(0)
	r.SetPortActive(0, true)

	for f := uint32(0); f <= 300; f++ {
		r.OnRemoteInput(0, f, 1)
		_, _ = r.InputsForFrame(f)
	}
	r.PruneOldInputs(300)
	r.ClearRollback()

	// Frame 50 is far below confirmed-120: the late update is dropped and
	// must not re-raise a cleared rollback.
	r.OnRemoteInput(0, 50, 0xFF)
	assert.Nil(t, r.PendingRollback())
	_, ok := r.ports[0].confirmed[50]
	assert.False(t, ok)
}

func TestRollback_DeactivateClearsHistory(t *testing.T) {
	r := NewRollback(0)
	r.SetPortActive(2, true)
	r.OnRemoteInput(2, 0, 0x77)
	_, _ = r.InputsForFrame(0)

	r.SetPortActive(2, false)
	r.SetPortActive(2, true)

	in, _ := r.InputsForFrame(1)
	assert.Equal(t, uint16(0), in[2], "cleared port must predict zero")
}

func TestTransfer_CarriesActiveFlagsNotHistory(t *testing.T) {
	l := NewLockstep(0)
	l.SetPortActive(0, true)
	l.SetPortActive(3, true)
	l.OnLocalInput(0, 0, 0x11)

	s := Transfer(l, "rollback", 0)
	assert.True(t, s.PortActive(0))
	assert.True(t, s.PortActive(3))
	assert.False(t, s.PortActive(1))

	in, ok := s.InputsForFrame(0)
	require.True(t, ok)
	assert.Equal(t, uint16(0), in[0], "input history must not carry over")
}
