package callfsm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/sipcore/pkg/callfsm"
)

func TestOutgoingSuccessSequence(t *testing.T) {
	var transitions []callfsm.Transition
	c := callfsm.New("call-1", func(tr callfsm.Transition) {
		transitions = append(transitions, tr)
	})
	ctx := context.Background()

	require.NoError(t, c.Fire(ctx, callfsm.EventPlaceCall))
	require.Equal(t, callfsm.OutgoingInit, c.State())

	require.NoError(t, c.Fire(ctx, callfsm.EventTrying))
	require.Equal(t, callfsm.OutgoingProgress, c.State())

	require.NoError(t, c.Fire(ctx, callfsm.EventRinging))
	require.Equal(t, callfsm.OutgoingRinging, c.State())

	require.NoError(t, c.Fire(ctx, callfsm.EventAnswered))
	require.Equal(t, callfsm.Connected, c.State())

	require.NoError(t, c.Fire(ctx, callfsm.EventMediaEstablished))
	require.Equal(t, callfsm.StreamsRunning, c.State())

	require.NoError(t, c.Fire(ctx, callfsm.EventHangup))
	require.Equal(t, callfsm.Ending, c.State())

	require.NoError(t, c.EndNormally(ctx))
	require.Equal(t, callfsm.Ended, c.State())

	require.True(t, callfsm.IsTerminal(c.State()))
	require.Len(t, transitions, 7)
}

func TestOutgoingBusyEntersErrorWithClassifiedReason(t *testing.T) {
	c := callfsm.New("call-2", nil)
	ctx := context.Background()

	require.NoError(t, c.Fire(ctx, callfsm.EventPlaceCall))
	require.NoError(t, c.Fire(ctx, callfsm.EventTrying))
	require.NoError(t, c.FailWithStatus(ctx, 486, "Busy Here"))

	require.Equal(t, callfsm.Error, c.State())
	code, phrase, reason := c.LastError()
	require.Equal(t, 486, code)
	require.Equal(t, "Busy Here", phrase)
	require.Equal(t, callfsm.ReasonBusy, reason)
}

func TestIncomingDecline(t *testing.T) {
	c := callfsm.New("call-3", nil)
	ctx := context.Background()

	require.NoError(t, c.Fire(ctx, callfsm.EventIncomingInvite))
	require.Equal(t, callfsm.IncomingReceived, c.State())

	require.NoError(t, c.Fire(ctx, callfsm.EventDecline))
	require.Equal(t, callfsm.Ending, c.State())

	require.NoError(t, c.EndNormally(ctx))
	require.Equal(t, callfsm.Ended, c.State())
}

func TestHoldResumeCycleReturnsToStreamsRunning(t *testing.T) {
	c := callfsm.New("call-4", nil)
	ctx := context.Background()

	require.NoError(t, c.Fire(ctx, callfsm.EventIncomingInvite))
	require.NoError(t, c.Fire(ctx, callfsm.EventAccept))
	require.NoError(t, c.Fire(ctx, callfsm.EventMediaEstablished))
	require.Equal(t, callfsm.StreamsRunning, c.State())

	require.NoError(t, c.Fire(ctx, callfsm.EventHoldRequested))
	require.Equal(t, callfsm.Pausing, c.State())
	require.NoError(t, c.Fire(ctx, callfsm.EventHoldConfirmed))
	require.Equal(t, callfsm.Paused, c.State())

	require.NoError(t, c.Fire(ctx, callfsm.EventResumeRequested))
	require.Equal(t, callfsm.Resuming, c.State())
	require.NoError(t, c.Fire(ctx, callfsm.EventResumeConfirmed))
	require.Equal(t, callfsm.StreamsRunning, c.State())
}

func TestNoTransitionOutsideTable(t *testing.T) {
	c := callfsm.New("call-5", nil)
	require.False(t, c.CanFire(callfsm.EventAnswered))
	require.Error(t, c.Fire(context.Background(), callfsm.EventAnswered))
	require.Equal(t, callfsm.IDLE, c.State())
}

func TestClassifyStatusFallsBackByClass(t *testing.T) {
	require.Equal(t, callfsm.ReasonBusy, callfsm.ClassifyStatus(486))
	require.Equal(t, callfsm.ReasonServerError, callfsm.ClassifyStatus(500))
	require.Equal(t, callfsm.ReasonServerError, callfsm.ClassifyStatus(599))
	require.Equal(t, callfsm.ReasonDeclined, callfsm.ClassifyStatus(499))
	require.Equal(t, callfsm.ReasonBusy, callfsm.ClassifyStatus(699))
}

func TestEndWithReasonPreservesNonNormalReason(t *testing.T) {
	c := callfsm.New("call-6", nil)
	ctx := context.Background()

	require.NoError(t, c.Fire(ctx, callfsm.EventIncomingInvite))
	require.NoError(t, c.Fire(ctx, callfsm.EventDecline))
	require.Equal(t, callfsm.Ending, c.State())

	require.NoError(t, c.EndWithReason(ctx, callfsm.ReasonDeclined))
	require.Equal(t, callfsm.Ended, c.State())
	_, _, reason := c.LastError()
	require.Equal(t, callfsm.ReasonDeclined, reason)
}

func TestIsCallActiveMatchesActiveStateSet(t *testing.T) {
	require.True(t, callfsm.IsCallActive(callfsm.StreamsRunning))
	require.True(t, callfsm.IsCallActive(callfsm.Ending))
	require.False(t, callfsm.IsCallActive(callfsm.IDLE))
	require.False(t, callfsm.IsCallActive(callfsm.Ended))
}
