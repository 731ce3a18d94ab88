package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	framesync "github.com/voskhod/framesync/internal/sync"
	"github.com/voskhod/framesync/pkg/protocol"
)

func TestPollInputs_AppliesFrameOffset(t *testing.T) {
	p := New(protocol.SyncLockstep, 0)
	p.SetFrameOffset(5)
	p.WithSync(func(s framesync.Strategy) {
		s.SetPortActive(0, true)
		s.OnRemoteInput(0, 5, 0x42)
	})

	in, ok := p.PollInputs(0)
	require.True(t, ok, "local frame 0 must resolve against effective frame 5")
	assert.Equal(t, uint16(0x42), in[0])
	assert.False(t, p.Waiting())

	_, ok = p.PollInputs(1)
	assert.False(t, ok, "effective frame 6 has no input yet")
	assert.True(t, p.Waiting())
}

func TestSendInput_FeedsLocalStrategyBeforeNetwork(t *testing.T) {
	p := New(protocol.SyncLockstep, 0)
	p.SetLocalPort(0)
	p.WithSync(func(s framesync.Strategy) { s.SetPortActive(0, true) })

	var sentPort uint8
	var sentFrame uint32
	var sentButtons uint16
	sends := 0
	p.SetSendFunc(func(port uint8, frame uint32, buttons uint16) {
		sentPort, sentFrame, sentButtons = port, frame, buttons
		sends++
	})

	p.SendInputToServer(0, 0x01)

	// The local echo means a lockstep frame resolves without waiting for
	// the server to relay our own input back.
	in, ok := p.PollInputs(0)
	require.True(t, ok)
	assert.Equal(t, uint16(0x01), in[0])
	assert.Equal(t, 1, sends)
	assert.Equal(t, uint8(0), sentPort)
	assert.Equal(t, uint32(0), sentFrame)
	assert.Equal(t, uint16(0x01), sentButtons)
}

func TestSendInput_SuppressedBelowAllowedFrame(t *testing.T) {
	p := New(protocol.SyncLockstep, 0)
	p.SetLocalPort(1)
	p.WithSync(func(s framesync.Strategy) { s.SetPortActive(1, true) })
	p.AllowLocalInputFrom(10)

	sends := 0
	p.SetSendFunc(func(uint8, uint32, uint16) { sends++ })

	p.SendInputToServer(5, 0x01) // effective 5 < 10: no-op
	assert.Equal(t, 0, sends)

	p.SendInputToServer(10, 0x01)
	assert.Equal(t, 1, sends)
}

func TestSendInput_SpectatorContributesNothing(t *testing.T) {
	p := New(protocol.SyncRollback, 0)
	sends := 0
	p.SetSendFunc(func(uint8, uint32, uint16) { sends++ })

	p.SendInputToServer(0, 0x01)
	assert.Equal(t, 0, sends)
}

func TestScheduledPortActivation(t *testing.T) {
	p := New(protocol.SyncRollback, 0)
	p.SchedulePortActivation(2, 10)

	_, _ = p.PollInputs(9)
	p.WithSync(func(s framesync.Strategy) {
		assert.False(t, s.PortActive(2), "activation frame not reached")
	})

	_, _ = p.PollInputs(10)
	p.WithSync(func(s framesync.Strategy) {
		assert.True(t, s.PortActive(2))
	})
}

func TestShouldFastForward_CatchUpTargetDominates(t *testing.T) {
	p := New(protocol.SyncRollback, 0)
	p.SetCatchUpTarget(20)

	assert.True(t, p.ShouldFastForward(0))
	assert.True(t, p.ShouldFastForward(19))
	assert.False(t, p.ShouldFastForward(20), "target reached, strategy has no backlog")
}

func TestRejoinReady_FiresOnceAfterCatchUpAndSettle(t *testing.T) {
	p := New(protocol.SyncRollback, 0)
	fired := 0
	p.SetRejoinReadyFunc(func() { fired++ })

	p.SetCatchUpTarget(10)
	p.ArmRejoin()

	// Backlog beyond the target keeps fast-forward on: port 0 active
	// with confirmed input far ahead.
	p.WithSync(func(s framesync.Strategy) {
		s.SetPortActive(0, true)
		for f := uint32(0); f <= 30; f++ {
			s.OnRemoteInput(0, f, 1)
		}
	})

	assert.True(t, p.ShouldFastForward(5), "below catch-up target")
	assert.Equal(t, 0, fired)

	// Target reached, but the strategy still reports a backlog.
	assert.True(t, p.ShouldFastForward(10))
	assert.Equal(t, 0, fired, "must wait for fast-forward to settle")

	// Caught up past the backlog: settles, callback fires exactly once.
	assert.False(t, p.ShouldFastForward(29))
	assert.Equal(t, 1, fired)

	assert.False(t, p.ShouldFastForward(30))
	assert.Equal(t, 1, fired, "one-shot per arming")
}

func TestSetSyncMode_TransfersPortsDropsHistory(t *testing.T) {
	p := New(protocol.SyncLockstep, 0)
	p.WithSync(func(s framesync.Strategy) {
		s.SetPortActive(0, true)
		s.OnRemoteInput(0, 0, 0x11)
	})

	p.SetSyncMode(protocol.SyncRollback)
	assert.Equal(t, protocol.SyncRollback, p.SyncMode())

	p.WithSync(func(s framesync.Strategy) {
		assert.True(t, s.PortActive(0))
	})
	in, ok := p.PollInputs(0)
	require.True(t, ok)
	assert.Equal(t, uint16(0), in[0], "history must not survive a mode switch")
}

func TestPendingRollback_Passthrough(t *testing.T) {
	p := New(protocol.SyncRollback, 0)
	p.WithSync(func(s framesync.Strategy) { s.SetPortActive(1, true) })
	p.HandleRemoteInput(1, 0, 0x01)
	for f := uint32(0); f < 6; f++ {
		_, _ = p.PollInputs(f)
	}
	p.HandleRemoteInput(1, 3, 0x02)

	req := p.PendingRollback()
	require.NotNil(t, req)
	assert.Equal(t, uint32(3), req.TargetFrame)

	p.ClearRollback()
	assert.Nil(t, p.PendingRollback())
}
