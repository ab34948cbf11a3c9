package sipmsg_test

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge/sipcore/pkg/sipmsg"
)

func mustURI(t *testing.T, raw string) sip.Uri {
	t.Helper()
	var u sip.Uri
	require.NoError(t, sip.ParseUri(raw, &u))
	return u
}

func TestNewInitialRequestSetsConstructionRules(t *testing.T) {
	b := sipmsg.NewBuilder()
	acct := sipmsg.Account{
		AOR:         mustURI(t, "sip:alice@example.com"),
		Contact:     mustURI(t, "sip:alice@192.0.2.1:5060"),
		DisplayName: "Alice",
		UserAgent:   "sipagent/1.0",
	}
	target := mustURI(t, "sip:bob@example.com")

	req := b.NewInitialRequest(sip.INVITE, acct, target, "tag-local", "call-1", 1, "192.0.2.1", 0)

	mf := req.GetHeader("Max-Forwards")
	require.NotNil(t, mf)
	require.Equal(t, "70", mf.Value())

	from, ok := req.From()
	require.True(t, ok)
	require.Equal(t, "tag-local", from.Params.GetOr("tag", ""))

	to, ok := req.To()
	require.True(t, ok)
	require.Equal(t, "", to.Params.GetOr("tag", ""))

	cseq, ok := req.CSeq()
	require.True(t, ok)
	require.EqualValues(t, 1, cseq.SeqNo)
	require.Equal(t, sip.INVITE, cseq.MethodName)
}

func TestNewInitialRequestAddsExpiresOnlyForRegister(t *testing.T) {
	b := sipmsg.NewBuilder()
	acct := sipmsg.Account{AOR: mustURI(t, "sip:alice@example.com"), Contact: mustURI(t, "sip:alice@192.0.2.1:5060")}
	target := mustURI(t, "sip:example.com")

	invite := b.NewInitialRequest(sip.INVITE, acct, target, "tag1", "call-1", 1, "192.0.2.1", 3600)
	require.Nil(t, invite.GetHeader("Expires"))

	register := b.NewInitialRequest(sip.REGISTER, acct, target, "tag1", "call-2", 1, "192.0.2.1", 3600)
	exp := register.GetHeader("Expires")
	require.NotNil(t, exp)
	require.Equal(t, "3600", exp.Value())
}

func TestNewDialogRequestCarriesRouteSetAndRemoteTag(t *testing.T) {
	b := sipmsg.NewBuilder()
	acct := sipmsg.Account{AOR: mustURI(t, "sip:alice@example.com"), Contact: mustURI(t, "sip:alice@192.0.2.1:5060")}
	dc := sipmsg.DialogContext{
		CallID:       "call-1",
		LocalTag:     "tag-local",
		RemoteTag:    "tag-remote",
		LocalURI:     mustURI(t, "sip:alice@example.com"),
		RemoteURI:    mustURI(t, "sip:bob@example.com"),
		RemoteTarget: mustURI(t, "sip:bob@192.0.2.2:5060"),
		RouteSet:     []sip.Uri{mustURI(t, "sip:proxy1.example.com;lr"), mustURI(t, "sip:proxy2.example.com;lr")},
	}

	req := b.NewDialogRequest(sip.BYE, acct, dc, 5, "192.0.2.1")

	to, ok := req.To()
	require.True(t, ok)
	require.Equal(t, "tag-remote", to.Params.GetOr("tag", ""))

	routes := req.GetHeaders("Route")
	require.Len(t, routes, 2)

	require.Equal(t, "sip:bob@192.0.2.2:5060", req.Recipient.String())
}

func TestNewCancelCopiesInviteIdentityWithCancelMethod(t *testing.T) {
	b := sipmsg.NewBuilder()
	acct := sipmsg.Account{AOR: mustURI(t, "sip:alice@example.com"), Contact: mustURI(t, "sip:alice@192.0.2.1:5060")}
	target := mustURI(t, "sip:bob@example.com")
	invite := b.NewInitialRequest(sip.INVITE, acct, target, "tag-local", "call-1", 1, "192.0.2.1", 0)

	cancel, err := b.NewCancel(invite)
	require.NoError(t, err)

	require.Equal(t, sip.CANCEL, cancel.Method)

	inviteVia, _ := invite.Via()
	cancelVia, ok := cancel.Via()
	require.True(t, ok)
	require.Equal(t, inviteVia.Params.GetOr("branch", ""), cancelVia.Params.GetOr("branch", ""))

	cseq, ok := cancel.CSeq()
	require.True(t, ok)
	require.EqualValues(t, 1, cseq.SeqNo)
	require.Equal(t, sip.CANCEL, cseq.MethodName)

	_, err = b.NewCancel(nil)
	require.Error(t, err)
}

func TestParseExpiresPrefersContactParamOverTopLevelHeader(t *testing.T) {
	res := sip.NewResponse(200, "OK")
	contact := &sip.ContactHeader{Address: mustURI(t, "sip:alice@192.0.2.1:5060"), Params: sip.NewParams()}
	contact.Params.Add("expires", "1800")
	res.AppendHeader(contact)
	res.AppendHeader(&sip.GenericHeader{HeaderName: "Expires", Contents: "3600"})

	require.Equal(t, 1800, sipmsg.ParseExpires(res, 3600))
}

func TestParseExpiresFallsBackToRequestedWhenAbsent(t *testing.T) {
	res := sip.NewResponse(200, "OK")
	require.Equal(t, 3600, sipmsg.ParseExpires(res, 3600))
}
