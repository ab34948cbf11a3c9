// Package sipmsg applies the message-construction rules of spec.md §4.1 on
// top of github.com/emiago/sipgo's sip.Request/sip.Response types. sipgo
// already does the header-ordering, parsing, and branch/tag generation the
// teacher's own pkg/sip/message package hand-rolled; this package is the
// thin layer translating spec-level intent ("send an in-dialog BYE routed
// through the captured route set") into the concrete header set spec.md
// §4.1 requires on the wire.
package sipmsg

import (
	"fmt"
	"strconv"

	"github.com/emiago/sipgo/sip"
)

// DialogContext carries the per-dialog state a Builder needs to construct
// in-dialog requests: tags, local/remote URIs, remote target, and route set.
// It holds no CSeq; callers pass the sequence number to each builder call.
type DialogContext struct {
	CallID       string
	LocalTag     string
	RemoteTag    string // empty until the dialog is established
	LocalURI     sip.Uri
	RemoteURI    sip.Uri
	RemoteTarget sip.Uri   // Contact of the peer
	RouteSet     []sip.Uri // already in the order requests must use it
	LocalDisplay string
}

// Account is the minimal account-level detail a Builder needs: its AOR,
// contact, display name, and User-Agent string.
type Account struct {
	AOR         sip.Uri
	Contact     sip.Uri
	DisplayName string
	UserAgent   string
}

// Builder constructs outbound requests per spec.md §4.1's construction
// rules: fresh Via branch, Max-Forwards 70, stable From tag, conditional To
// tag, Call-ID, next CSeq per method, Contact, User-Agent, and (for
// REGISTER) Expires.
type Builder struct {
	MaxForwards uint32
}

// NewBuilder returns a Builder with the spec-mandated Max-Forwards default.
func NewBuilder() *Builder {
	return &Builder{MaxForwards: 70}
}

// NewDialogRequest builds an in-dialog request (BYE, re-INVITE, INFO) that
// targets the remote Contact and carries the full captured route set.
func (b *Builder) NewDialogRequest(method sip.RequestMethod, acct Account, dc DialogContext, cseq uint32, viaHost string) *sip.Request {
	target := dc.RemoteTarget
	req := sip.NewRequest(method, target)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            viaHost,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	mf := sip.MaxForwards(b.MaxForwards)
	req.AppendHeader(&mf)

	from := &sip.FromHeader{
		DisplayName: acct.DisplayName,
		Address:     dc.LocalURI,
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", dc.LocalTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{
		Address: dc.RemoteURI,
		Params:  sip.NewParams(),
	}
	if dc.RemoteTag != "" {
		to.Params.Add("tag", dc.RemoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallID(dc.CallID)
	req.AppendHeader(&callID)

	cs := sip.CSeq{SeqNo: cseq, MethodName: method}
	req.AppendHeader(&cs)

	contact := &sip.ContactHeader{Address: acct.Contact}
	req.AppendHeader(contact)

	ua := sip.UserAgentHeader(acct.UserAgent)
	req.AppendHeader(&ua)

	// Reversed Record-Route from the response that created the dialog
	// becomes the UAC's Route set (spec.md §4.1).
	for _, r := range dc.RouteSet {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}

	return req
}

// NewInitialRequest builds an out-of-dialog request (INVITE, REGISTER,
// OPTIONS) with a fresh branch, no To tag, and an Expires header for
// REGISTER.
func (b *Builder) NewInitialRequest(method sip.RequestMethod, acct Account, target sip.Uri, localTag, callID string, cseq uint32, viaHost string, expiresSeconds int) *sip.Request {
	req := sip.NewRequest(method, target)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "TCP",
		Host:            viaHost,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	mf := sip.MaxForwards(b.MaxForwards)
	req.AppendHeader(&mf)

	from := &sip.FromHeader{
		DisplayName: acct.DisplayName,
		Address:     acct.AOR,
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: target}
	req.AppendHeader(to)

	cid := sip.CallID(callID)
	req.AppendHeader(&cid)

	cs := sip.CSeq{SeqNo: cseq, MethodName: method}
	req.AppendHeader(&cs)

	contact := &sip.ContactHeader{Address: acct.Contact}
	req.AppendHeader(contact)

	ua := sip.UserAgentHeader(acct.UserAgent)
	req.AppendHeader(&ua)

	if method == sip.REGISTER {
		exp := sip.Expires(uint32(expiresSeconds))
		req.AppendHeader(&exp)
	}

	return req
}

// NewAckFor2xx builds the independent ACK transaction for a 2xx response to
// INVITE: same route set and CSeq number as the INVITE, ACK method, sent
// directly rather than through the INVITE transaction (spec.md §4.1).
func (b *Builder) NewAckFor2xx(acct Account, dc DialogContext, inviteCSeq uint32, viaHost string) *sip.Request {
	req := b.NewDialogRequest(sip.ACK, acct, dc, inviteCSeq, viaHost)
	return req
}

// NewCancel builds a CANCEL that copies Via (including branch), From, To
// (without a remote tag if the dialog is not yet established), Call-ID, and
// the CSeq number of the original INVITE with method=CANCEL, per spec.md
// §4.1. It must be sent on the same branch as the INVITE it cancels.
func (b *Builder) NewCancel(invite *sip.Request) (*sip.Request, error) {
	if invite == nil {
		return nil, fmt.Errorf("sipmsg: cannot cancel a nil request")
	}
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)

	viaHdr, ok := invite.Via()
	if !ok {
		return nil, fmt.Errorf("sipmsg: INVITE has no Via header")
	}
	cancel.AppendHeader(sip.HeaderClone(viaHdr))

	from, _ := invite.From()
	cancel.AppendHeader(sip.HeaderClone(from))

	to, _ := invite.To()
	cancel.AppendHeader(sip.HeaderClone(to))

	callID, _ := invite.CallID()
	cancel.AppendHeader(sip.HeaderClone(callID))

	inviteCSeq, _ := invite.CSeq()
	cs := sip.CSeq{SeqNo: inviteCSeq.SeqNo, MethodName: sip.CANCEL}
	cancel.AppendHeader(&cs)

	mf := sip.MaxForwards(b.MaxForwards)
	cancel.AppendHeader(&mf)

	return cancel, nil
}

// ParseExpires extracts the server-granted Expires from a 200 OK to
// REGISTER, preferring the Contact header's expires parameter over the
// top-level Expires header, per spec.md §4.3.
func ParseExpires(res *sip.Response, requested int) int {
	if ch, ok := res.Contact(); ok && ch.Params != nil {
		if v, exists := ch.Params.Get("expires"); exists {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
	}
	if e := res.GetHeader("Expires"); e != nil {
		if n, err := strconv.Atoi(e.Value()); err == nil && n >= 0 {
			return n
		}
	}
	return requested
}
