package useragent_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/sipcore/pkg/callfsm"
	"github.com/voicebridge/sipcore/pkg/dtmf"
	"github.com/voicebridge/sipcore/pkg/mediaengine"
	"github.com/voicebridge/sipcore/pkg/useragent"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())
	return addr
}

func noopMediaFactory(string) (mediaengine.Engine, error) {
	return nil, nil
}

func TestNewAppliesDefaultsAndValidates(t *testing.T) {
	_, err := useragent.New(useragent.Config{}, discardLogger(), noopMediaFactory)
	require.Error(t, err, "ListenAddr is required")

	ua, err := useragent.New(useragent.Config{ListenAddr: freeUDPAddr(t)}, discardLogger(), noopMediaFactory)
	require.NoError(t, err)
	require.NotNil(t, ua)
}

func TestNewRejectsUnsupportedListenNetwork(t *testing.T) {
	_, err := useragent.New(useragent.Config{
		ListenAddr:    freeUDPAddr(t),
		ListenNetwork: "sctp",
	}, discardLogger(), noopMediaFactory)
	require.Error(t, err)
}

func TestGetCallStateUnknownCallID(t *testing.T) {
	ua, err := useragent.New(useragent.Config{ListenAddr: freeUDPAddr(t)}, discardLogger(), noopMediaFactory)
	require.NoError(t, err)

	_, ok := ua.GetCallState("no-such-call")
	require.False(t, ok)
}

func TestOperationsFailForUnknownCall(t *testing.T) {
	ua, err := useragent.New(useragent.Config{ListenAddr: freeUDPAddr(t)}, discardLogger(), noopMediaFactory)
	require.NoError(t, err)

	ctx := context.Background()
	require.Error(t, ua.Accept(ctx, "missing"))
	require.Error(t, ua.Decline(ctx, "missing", 486, "Busy Here"))
	require.Error(t, ua.Hangup(ctx, "missing"))
	require.Error(t, ua.Hold(ctx, "missing"))
	require.Error(t, ua.Resume(ctx, "missing"))
}

func TestFunctionalOptionsOverrideConfigFields(t *testing.T) {
	ua, err := useragent.New(useragent.Config{}, discardLogger(), noopMediaFactory,
		useragent.WithListenAddr("udp", freeUDPAddr(t)),
		useragent.WithUserAgentName("test-agent/9.9"),
		useragent.WithMaxConcurrentCalls(7),
	)
	require.NoError(t, err)
	require.NotNil(t, ua)
}

func TestSubscribeCallStateUnknownCallID(t *testing.T) {
	ua, err := useragent.New(useragent.Config{ListenAddr: freeUDPAddr(t)}, discardLogger(), noopMediaFactory)
	require.NoError(t, err)

	_, err = ua.SubscribeCallState("no-such-call", func(callfsm.State) {})
	require.Error(t, err)
}

func TestSubscribeDTMFQueueStatusUnknownCallID(t *testing.T) {
	ua, err := useragent.New(useragent.Config{ListenAddr: freeUDPAddr(t)}, discardLogger(), noopMediaFactory)
	require.NoError(t, err)

	_, err = ua.SubscribeDTMFQueueStatus("no-such-call", func(dtmf.QueueStatus) {})
	require.Error(t, err)
}

func TestStartAndStopRoundTrip(t *testing.T) {
	ua, err := useragent.New(useragent.Config{
		ListenAddr:    freeUDPAddr(t),
		ShutdownGrace: 200 * time.Millisecond,
	}, discardLogger(), noopMediaFactory)
	require.NoError(t, err)

	var gotIncoming bool
	ua.OnIncomingCall(func(*useragent.IncomingCall) { gotIncoming = true })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, ua.Start(ctx))
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, ua.Stop(stopCtx))
	require.False(t, gotIncoming)
}
