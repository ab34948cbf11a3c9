package registration_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge/sipcore/pkg/digestauth"
	"github.com/voicebridge/sipcore/pkg/registration"
)

type fakeTransport struct {
	calls int32
	onDo  func(req *sip.Request, call int32) (*sip.Response, error)
}

func (f *fakeTransport) Do(_ context.Context, req *sip.Request) (*sip.Response, error) {
	call := atomic.AddInt32(&f.calls, 1)
	return f.onDo(req, call)
}

func newResponse(code int, reason string) *sip.Response {
	res := sip.NewResponse(code, reason)
	return res
}

func testAOR(t *testing.T) sip.Uri {
	var u sip.Uri
	require.NoError(t, sip.ParseUri("sip:alice@ex.test", &u))
	return u
}

func testContact(t *testing.T) sip.Uri {
	var u sip.Uri
	require.NoError(t, sip.ParseUri("sip:alice@192.0.2.1:5060", &u))
	return u
}

func TestRegisterSucceedsAfterDigestChallenge(t *testing.T) {
	transport := &fakeTransport{
		onDo: func(req *sip.Request, call int32) (*sip.Response, error) {
			if call == 1 {
				res := newResponse(401, "Unauthorized")
				res.AppendHeader(&sip.GenericHeader{HeaderName: "WWW-Authenticate", Contents: `Digest realm="ex.test", nonce="abc", qop="auth"`})
				return res, nil
			}
			res := newResponse(200, "OK")
			res.AppendHeader(&sip.GenericHeader{HeaderName: "Expires", Contents: "3600"})
			return res, nil
		},
	}

	mgr := registration.NewManager(transport, slog.New(slog.NewTextHandler(io.Discard, nil)), "10.0.0.1:5060", "voicebridge-test/1.0")
	defer mgr.Close()

	err := mgr.Register(registration.Account{
		Key:           "alice@ex.test",
		AOR:           testAOR(t),
		NormalContact: testContact(t),
		Credentials:   digestauth.Credentials{Username: "alice", Password: "secret"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := mgr.Snapshot("alice@ex.test")
		return ok && snap.Status == registration.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegisterRetriesBackoffOnRepeatedFailure(t *testing.T) {
	transport := &fakeTransport{
		onDo: func(req *sip.Request, call int32) (*sip.Response, error) {
			return newResponse(503, "Service Unavailable"), nil
		},
	}

	mgr := registration.NewManager(transport, slog.New(slog.NewTextHandler(io.Discard, nil)), "10.0.0.1:5060", "voicebridge-test/1.0")
	defer mgr.Close()

	err := mgr.Register(registration.Account{
		Key:           "bob@ex.test",
		AOR:           testAOR(t),
		NormalContact: testContact(t),
		Credentials:   digestauth.Credentials{Username: "bob", Password: "secret"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, ok := mgr.Snapshot("bob@ex.test")
		return ok && snap.Status == registration.StatusFailed && snap.RetryAttempt >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
