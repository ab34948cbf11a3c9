package useragent

import (
	"context"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/voicebridge/sipcore/pkg/callfsm"
	"github.com/voicebridge/sipcore/pkg/observable"
	"github.com/voicebridge/sipcore/pkg/sipmsg"
)

// setupHandlers registers every inbound-request handler, mirroring the
// teacher's Stack.setupHandlers (pkg/dialog/stack.go) but dispatching into
// callfsm/callstore instead of the teacher's Dialog type.
func (u *UserAgent) setupHandlers() {
	u.server.OnInvite(u.handleInvite)
	u.server.OnAck(u.handleAck)
	u.server.OnBye(u.handleBye)
	u.server.OnCancel(u.handleCancel)
	u.server.OnInfo(u.handleInfo)
}

func (u *UserAgent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	toHeader, _ := req.To()
	fromHeader, _ := req.From()
	callIDHeader, _ := req.CallID()

	if toHeader.Params.GetOr("tag", "") != "" {
		// re-INVITE: accepted unconditionally for an active call (no mid-call
		// renegotiation surface in spec.md's core scope beyond hold/resume,
		// which is driven locally, not by received re-INVITEs). A re-INVITE
		// for a Call-ID with no active call (e.g. one that reached ERROR) is
		// rejected with 481.
		if _, found := u.lookupCall(callIDHeader.Value()); !found {
			gone := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
			_ = tx.Respond(gone)
			return
		}
		ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
		_ = tx.Respond(ok)
		return
	}

	callID := callIDHeader.Value()
	remoteTag := fromHeader.Params.GetOr("tag", "")
	localTag := sip.GenerateTagN(16)

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		return
	}

	u.mu.Lock()
	count := len(u.active)
	u.mu.Unlock()
	if u.cfg.MaxConcurrentCalls > 0 && count >= u.cfg.MaxConcurrentCalls {
		busy := sip.NewResponseFromRequest(req, 503, "Max calls reached", nil)
		_ = tx.Respond(busy)
		return
	}

	if _, err := u.calls.Insert(callID, localTag); err != nil {
		conflict := sip.NewResponseFromRequest(req, 482, "Loop Detected", nil)
		_ = tx.Respond(conflict)
		return
	}
	_ = u.calls.SetRemoteTag(callID, remoteTag)

	ctx, cancel := context.WithCancel(u.rootCtx)
	c := &call{
		id:         callID,
		direction:  DirectionIncoming,
		dc:         dialogContextFromRequest(req, localTag, remoteTag, toHeader, fromHeader, callID),
		inviteReq:  req,
		serverTx:   tx,
		cancelFunc: cancel,
		stateObs:   observable.NewWithInitial(callfsm.IDLE),
	}
	c.fsm = callfsm.New(callID, u.trackTransition(callID))
	u.storeCall(c)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if ringingTo, ok := ringing.To(); ok {
		ringingTo.Params = sip.NewParams()
		ringingTo.Params.Add("tag", localTag)
	}
	ringing.AppendHeader(&sip.ContactHeader{Address: u.contactAddr})
	if err := tx.Respond(ringing); err != nil {
		_ = c.fsm.Fire(ctx, callfsm.EventIncomingInvite)
		u.finalizeCall(ctx, c, callfsm.ReasonNetworkError)
		return
	}
	_ = c.fsm.Fire(ctx, callfsm.EventIncomingInvite)

	u.mu.Lock()
	cb := u.onIncoming
	u.mu.Unlock()
	if cb != nil {
		cb(&IncomingCall{
			CallID:      callID,
			From:        fromHeader.Address,
			DisplayName: fromHeader.DisplayName,
			RemoteSDP:   string(req.Body()),
		})
	}
}

func (u *UserAgent) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	// Media establishment is driven by the media engine's own connection
	// state callback (see Accept), not by ACK receipt; this just logs it.
	callIDHeader, ok := req.CallID()
	if !ok {
		return
	}
	u.logger.Debug("ack received", "call_id", callIDHeader.Value())
}

func (u *UserAgent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	ok200 := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(ok200)

	callIDHeader, ok := req.CallID()
	if !ok {
		return
	}
	c, found := u.lookupCall(callIDHeader.Value())
	if !found {
		return
	}
	ctx, cancel := context.WithCancel(u.rootCtx)
	defer cancel()
	_ = c.fsm.Fire(ctx, callfsm.EventRemoteBye)
	u.finalizeCall(ctx, c, callfsm.ReasonNormalTermination)
}

func (u *UserAgent) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(ok)
	// sipgo's transaction layer answers the original INVITE with 487 on our
	// behalf; we only need to retire our own bookkeeping.
	callIDHeader, found := req.CallID()
	if !found {
		return
	}
	if c, found := u.lookupCall(callIDHeader.Value()); found {
		ctx, cancel := context.WithCancel(u.rootCtx)
		u.finalizeCall(ctx, c, callfsm.ReasonCancelledLocal)
		cancel()
	}
}

func (u *UserAgent) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	ok := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if ct := req.GetHeader("Content-Type"); ct != nil && strings.EqualFold(ct.Value(), "application/dtmf-relay") {
		// Inbound DTMF-via-INFO is out of spec.md's scope (the core only
		// dispatches DTMF, it does not surface received digits); acknowledge
		// and drop.
	}
	_ = tx.Respond(ok)
}

func dialogContextFromRequest(req *sip.Request, localTag, remoteTag string, to *sip.ToHeader, from *sip.FromHeader, callID string) sipmsg.DialogContext {
	target := from.Address
	if contact, ok := req.Contact(); ok {
		target = contact.Address
	}
	return sipmsg.DialogContext{
		CallID:       callID,
		LocalTag:     localTag,
		RemoteTag:    remoteTag,
		LocalURI:     to.Address,
		RemoteURI:    from.Address,
		RemoteTarget: target,
	}
}
