package useragent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/voicebridge/sipcore/pkg/callfsm"
	"github.com/voicebridge/sipcore/pkg/coreerr"
	"github.com/voicebridge/sipcore/pkg/dtmf"
	"github.com/voicebridge/sipcore/pkg/mediaengine"
	"github.com/voicebridge/sipcore/pkg/observable"
	"github.com/voicebridge/sipcore/pkg/sipmsg"
)

// MakeCall places an outgoing INVITE to target and blocks until a final
// response arrives (or ctx is cancelled), mirroring the teacher's
// Dialog.ReInvite wait loop (pkg/dialog/dialog.go) generalized to the
// initial INVITE. On a 2xx it sends the ACK itself, applies the answer to
// the supplied media engine, and starts the call's DTMF queue.
func (u *UserAgent) MakeCall(ctx context.Context, target sip.Uri, displayName string) (string, error) {
	callID := u.newCallID()
	localTag := sip.GenerateTagN(16)

	if _, err := u.calls.Insert(callID, localTag); err != nil {
		return "", fmt.Errorf("useragent: %w", err)
	}

	engine, err := u.mediaFn(callID)
	if err != nil {
		u.calls.Remove(callID)
		return "", fmt.Errorf("useragent: obtaining media engine: %w", err)
	}

	offerSDP, err := engine.CreateOffer(ctx)
	if err != nil {
		u.calls.Remove(callID)
		return "", fmt.Errorf("useragent: creating offer: %w", err)
	}

	// The initial INVITE consumes the call's first INVITE-method CSeq so
	// later in-dialog INVITEs (Hold/Resume) never collide with it (spec.md
	// §8 invariant 2: CSeq is monotonic and unique per method per dialog).
	seq, err := u.calls.NextCSeq(callID, string(sip.INVITE))
	if err != nil {
		u.calls.Remove(callID)
		return "", fmt.Errorf("useragent: %w", err)
	}

	acct := sipmsg.Account{
		AOR:         u.contactAddr,
		Contact:     u.contactAddr,
		DisplayName: displayName,
		UserAgent:   u.cfg.UserAgentName,
	}
	req := u.builder.NewInitialRequest(sip.INVITE, acct, target, localTag, callID, seq, u.contactAddr.Host, 0)
	req.SetBody([]byte(offerSDP))
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/sdp"})

	callerCtx := ctx
	ctx, cancel := context.WithCancel(u.rootCtx)
	c := &call{
		id:        callID,
		direction: DirectionOutgoing,
		dc: sipmsg.DialogContext{
			CallID:   callID,
			LocalTag: localTag,
			LocalURI: u.contactAddr,
		},
		inviteReq:  req,
		media:      engine,
		cancelFunc: cancel,
		stateObs:   observable.NewWithInitial(callfsm.IDLE),
	}
	c.fsm = callfsm.New(callID, u.trackTransition(callID))
	u.storeCall(c)
	_ = c.fsm.Fire(ctx, callfsm.EventPlaceCall)
	u.metrics.CallCreated("outbound")

	tx, err := u.client.TransactionRequest(ctx, req)
	if err != nil {
		u.finalizeCall(ctx, c, callfsm.ReasonNetworkError)
		return "", fmt.Errorf("useragent: sending INVITE: %w", err)
	}
	c.clientTx = tx
	// A transaction that terminates with a non-nil error died at the
	// transport/timeout level rather than completing normally; surface
	// that as NETWORK_ERROR instead of leaving the call stuck active.
	tx.OnTerminate(func(_ string, txErr error) {
		if txErr == nil {
			return
		}
		finCtx, finCancel := context.WithCancel(u.rootCtx)
		defer finCancel()
		u.finalizeCall(finCtx, c, callfsm.ReasonNetworkError)
	})

	for {
		select {
		case res, open := <-tx.Responses():
			if !open {
				u.finalizeCall(ctx, c, callfsm.ReasonNetworkError)
				return "", fmt.Errorf("useragent: INVITE transaction closed without a final response")
			}
			if res.StatusCode >= 100 && res.StatusCode < 200 {
				if res.StatusCode == 180 || res.StatusCode == 183 {
					_ = c.fsm.Fire(ctx, callfsm.EventRinging)
				} else {
					_ = c.fsm.Fire(ctx, callfsm.EventTrying)
				}
				continue
			}
			return callID, u.finishOutgoingInvite(ctx, c, res, seq)
		case <-callerCtx.Done():
			u.finalizeCall(ctx, c, callfsm.ReasonCancelledLocal)
			return "", callerCtx.Err()
		case <-ctx.Done():
			u.finalizeCall(ctx, c, callfsm.ReasonCancelledLocal)
			return "", ctx.Err()
		}
	}
}

func (u *UserAgent) finishOutgoingInvite(ctx context.Context, c *call, res *sip.Response, seq uint32) error {
	if res.StatusCode >= 300 {
		reason := callfsm.ClassifyStatus(res.StatusCode)
		_ = c.fsm.FailWithStatus(ctx, res.StatusCode, res.Reason)
		u.finalizeCall(ctx, c, reason)
		u.metrics.ErrorObserved(string(reason))
		return fmt.Errorf("useragent: call failed: %d %s", res.StatusCode, res.Reason)
	}

	toHeader, _ := res.To()
	c.mu.Lock()
	c.dc.RemoteTag = toHeader.Params.GetOr("tag", "")
	c.dc.RemoteURI = toHeader.Address
	if contact, ok := res.Contact(); ok {
		c.dc.RemoteTarget = contact.Address
	}
	c.dc.RouteSet = extractRouteSet(res)
	dc := c.dc
	c.mu.Unlock()

	_ = u.calls.SetRemoteTag(c.id, dc.RemoteTag)

	acct := sipmsg.Account{AOR: u.contactAddr, Contact: u.contactAddr, UserAgent: u.cfg.UserAgentName}
	ack := u.builder.NewAckFor2xx(acct, dc, seq, u.contactAddr.Host)
	if err := u.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("useragent: sending ACK: %w", err)
	}

	_ = c.fsm.Fire(ctx, callfsm.EventAnswered)

	// EventMediaEstablished/a media failure are driven by the engine's own
	// connection-state callback instead of firing unconditionally right
	// after EventAnswered, so STREAMS_RUNNING actually reflects the media
	// plane (spec.md §9's split-listener redesign).
	c.media.OnConnectionStateChange(func(state mediaengine.ConnectionState) {
		switch state {
		case mediaengine.StateConnected:
			_ = c.fsm.Fire(ctx, callfsm.EventMediaEstablished)
			u.startDTMFQueue(c)
		case mediaengine.StateFailed, mediaengine.StateDisconnected:
			u.finalizeCall(ctx, c, callfsm.ReasonIncompatibleMedia)
		}
	})
	if err := c.media.SetRemoteDescription(ctx, string(res.Body()), mediaengine.KindAnswer); err != nil {
		u.logger.Warn("applying remote SDP answer failed", "call_id", c.id, "error", err)
	}
	return nil
}

func extractRouteSet(res *sip.Response) []sip.Uri {
	headers := res.GetHeaders("Record-Route")
	routes := make([]sip.Uri, 0, len(headers))
	for i := len(headers) - 1; i >= 0; i-- {
		val := strings.TrimSpace(headers[i].Value())
		val = strings.TrimPrefix(val, "<")
		val = strings.TrimSuffix(val, ">")
		var u sip.Uri
		if err := sip.ParseUri(val, &u); err == nil {
			routes = append(routes, u)
		}
	}
	return routes
}

// Accept answers a ringing incoming call with the supplied media engine.
func (u *UserAgent) Accept(ctx context.Context, callID string) error {
	c, ok := u.lookupCall(callID)
	if !ok {
		return errCallNotFound
	}

	engine, err := u.mediaFn(callID)
	if err != nil {
		return fmt.Errorf("useragent: obtaining media engine: %w", err)
	}
	c.mu.Lock()
	c.media = engine
	req := c.inviteReq
	dc := c.dc
	tx := c.serverTx
	c.mu.Unlock()

	answerSDP, err := engine.CreateAnswer(ctx, string(req.Body()))
	if err != nil {
		return fmt.Errorf("useragent: creating answer: %w", err)
	}

	ok200 := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if toHdr, found := ok200.To(); found {
		toHdr.Params = sip.NewParams()
		toHdr.Params.Add("tag", dc.LocalTag)
	}
	ok200.AppendHeader(&sip.ContactHeader{Address: u.contactAddr})
	ok200.SetBody([]byte(answerSDP))
	ok200.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/sdp"})

	if err := tx.Respond(ok200); err != nil {
		return fmt.Errorf("useragent: sending 200 OK: %w", err)
	}
	_ = c.fsm.Fire(ctx, callfsm.EventAccept)
	u.metrics.CallCreated("inbound")

	// EventMediaEstablished/a media failure are driven by the engine's own
	// connection-state callback, registered before the offer is applied so
	// a synchronously-reporting engine can't race ahead of EventAccept.
	engine.OnConnectionStateChange(func(state mediaengine.ConnectionState) {
		switch state {
		case mediaengine.StateConnected:
			_ = c.fsm.Fire(ctx, callfsm.EventMediaEstablished)
			u.startDTMFQueue(c)
		case mediaengine.StateFailed, mediaengine.StateDisconnected:
			u.finalizeCall(ctx, c, callfsm.ReasonIncompatibleMedia)
		}
	})
	if err := engine.SetRemoteDescription(ctx, string(req.Body()), mediaengine.KindOffer); err != nil {
		u.logger.Warn("applying remote SDP offer failed", "call_id", callID, "error", err)
	}
	return nil
}

// Decline rejects a ringing incoming call with the given final status code.
func (u *UserAgent) Decline(ctx context.Context, callID string, code int, reason string) error {
	c, ok := u.lookupCall(callID)
	if !ok {
		return errCallNotFound
	}
	c.mu.Lock()
	req := c.inviteReq
	tx := c.serverTx
	c.mu.Unlock()

	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("useragent: sending decline response: %w", err)
	}
	_ = c.fsm.Fire(ctx, callfsm.EventDecline)
	u.finalizeCall(ctx, c, callfsm.ClassifyStatus(code))
	return nil
}

// Hangup ends an active call: if media was established it sends BYE;
// otherwise (still ringing, outbound) it sends CANCEL.
func (u *UserAgent) Hangup(ctx context.Context, callID string) error {
	c, ok := u.lookupCall(callID)
	if !ok {
		return errCallNotFound
	}

	state := c.state()
	mediaEstablished := state == callfsm.Connected || state == callfsm.StreamsRunning ||
		state == callfsm.Pausing || state == callfsm.Paused || state == callfsm.Resuming
	if mediaEstablished {
		err := u.sendBye(ctx, c)
		_ = c.fsm.Fire(ctx, callfsm.EventHangup)
		reason := callfsm.ReasonNormalTermination
		if err != nil {
			reason = callfsm.ReasonNetworkError
		}
		u.finalizeCall(ctx, c, reason)
		return err
	}

	if c.direction == DirectionOutgoing && c.clientTx != nil {
		cancel, err := sipmsg.NewBuilder().NewCancel(c.inviteReq)
		if err != nil {
			return fmt.Errorf("useragent: building CANCEL: %w", err)
		}
		if err := u.client.WriteRequest(cancel); err != nil {
			return fmt.Errorf("useragent: sending CANCEL: %w", err)
		}
		u.finalizeCall(ctx, c, callfsm.ReasonCancelledLocal)
		return nil
	}

	if c.direction == DirectionIncoming && c.serverTx != nil {
		return u.Decline(ctx, callID, 487, "Request Terminated")
	}
	return errCallNotFound
}

func (u *UserAgent) sendBye(ctx context.Context, c *call) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	acct := sipmsg.Account{AOR: u.contactAddr, Contact: u.contactAddr, UserAgent: u.cfg.UserAgentName}
	seq, err := u.calls.NextCSeq(c.id, string(sip.BYE))
	if err != nil {
		return fmt.Errorf("useragent: %w", err)
	}
	req := u.builder.NewDialogRequest(sip.BYE, acct, dc, seq, u.contactAddr.Host)

	res, err := u.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("useragent: sending BYE: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("useragent: BYE rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// Hold places an active call's media on hold by renegotiating SDP
// direction to sendonly, per spec.md §4's hold/resume operation pair.
func (u *UserAgent) Hold(ctx context.Context, callID string) error {
	return u.reinviteDirection(ctx, callID, true)
}

// Resume takes a held call off hold, renegotiating back to sendrecv.
func (u *UserAgent) Resume(ctx context.Context, callID string) error {
	return u.reinviteDirection(ctx, callID, false)
}

func (u *UserAgent) reinviteDirection(ctx context.Context, callID string, hold bool) error {
	c, ok := u.lookupCall(callID)
	if !ok {
		return errCallNotFound
	}
	ev := callfsm.EventHoldRequested
	if !hold {
		ev = callfsm.EventResumeRequested
	}
	if err := c.fsm.Fire(ctx, ev); err != nil {
		return fmt.Errorf("useragent: %w", err)
	}

	if err := c.media.SetAudioEnabled(!hold); err != nil {
		return fmt.Errorf("useragent: setting audio direction: %w", err)
	}

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	acct := sipmsg.Account{AOR: u.contactAddr, Contact: u.contactAddr, UserAgent: u.cfg.UserAgentName}
	seq, err := u.calls.NextCSeq(c.id, string(sip.INVITE))
	if err != nil {
		return fmt.Errorf("useragent: %w", err)
	}
	req := u.builder.NewDialogRequest(sip.INVITE, acct, dc, seq, u.contactAddr.Host)
	offer, err := c.media.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("useragent: creating re-INVITE offer: %w", err)
	}
	direction := "a=sendrecv"
	if hold {
		direction = "a=sendonly"
	}
	replaced := false
	for _, attr := range []string{"a=sendrecv", "a=sendonly", "a=recvonly", "a=inactive"} {
		if strings.Contains(offer, attr) {
			offer = strings.ReplaceAll(offer, attr, direction)
			replaced = true
		}
	}
	if !replaced {
		offer += direction + "\r\n"
	}
	req.SetBody([]byte(offer))
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/sdp"})

	res, err := u.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("useragent: sending re-INVITE: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("useragent: re-INVITE rejected: %d %s", res.StatusCode, res.Reason)
	}

	ackSeq := seq
	ack := u.builder.NewAckFor2xx(acct, dc, ackSeq, u.contactAddr.Host)
	if err := u.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("useragent: sending ACK for re-INVITE: %w", err)
	}

	confirmEv := callfsm.EventHoldConfirmed
	if !hold {
		confirmEv = callfsm.EventResumeConfirmed
	}
	return c.fsm.Fire(ctx, confirmEv)
}

func (u *UserAgent) startDTMFQueue(c *call) {
	sender := dtmfSenderAdapter{c: c, ua: u}
	isActive := func() bool {
		s := c.state()
		return s == callfsm.Connected || s == callfsm.StreamsRunning
	}

	c.mu.Lock()
	if c.dtmfQueue != nil {
		// Media reconnected (e.g. a second StateConnected callback on
		// resume) and the queue is already running; nothing to do.
		c.mu.Unlock()
		return
	}
	if c.dtmfStatusObs == nil {
		c.dtmfStatusObs = observable.New[dtmf.QueueStatus]()
	}
	obs := c.dtmfStatusObs
	q := dtmf.NewQueue(sender, isActive, func(s dtmf.QueueStatus) { obs.Set(s) })
	c.dtmfQueue = q
	c.mu.Unlock()

	_ = q.Start(u.rootCtx)
}

// SendDTMF enqueues a DTMF digit for the given call's dispatch queue.
func (u *UserAgent) SendDTMF(callID string, req dtmf.Request) error {
	c, ok := u.lookupCall(callID)
	if !ok {
		return errCallNotFound
	}
	c.mu.Lock()
	q := c.dtmfQueue
	c.mu.Unlock()
	if q == nil {
		return coreerr.New("DTMF_NOT_READY", "call has no established media yet", coreerr.CategoryMedia)
	}
	q.Enqueue(req)
	u.metrics.DTMFDigitDispatched(dtmfModeLabel(req.Mode))
	return nil
}

func dtmfModeLabel(m dtmf.Mode) string {
	if m == dtmf.ModeInfo {
		return "info"
	}
	return "rfc2833"
}

// dtmfSenderAdapter bridges dtmf.Sender to the call's media engine (for
// RFC 2833) and to an in-dialog INFO request (for INFO mode).
type dtmfSenderAdapter struct {
	c  *call
	ua *UserAgent
}

func (a dtmfSenderAdapter) SendRFC2833(ctx context.Context, digit dtmf.Digit, duration time.Duration) error {
	sender, ok := a.c.media.(mediaengine.DTMFSender)
	if !ok {
		return coreerr.New("DTMF_UNSUPPORTED", "media engine does not support RFC 2833", coreerr.CategoryMedia)
	}
	return sender.SendRFC2833Digit(ctx, digit, duration)
}

func (a dtmfSenderAdapter) SendInfo(ctx context.Context, digit dtmf.Digit, duration time.Duration) error {
	a.c.mu.Lock()
	dc := a.c.dc
	a.c.mu.Unlock()

	acct := sipmsg.Account{AOR: a.ua.contactAddr, Contact: a.ua.contactAddr, UserAgent: a.ua.cfg.UserAgentName}
	seq, err := a.ua.calls.NextCSeq(a.c.id, string(sip.INFO))
	if err != nil {
		return fmt.Errorf("useragent: %w", err)
	}
	req := a.ua.builder.NewDialogRequest(sip.INFO, acct, dc, seq, a.ua.contactAddr.Host)
	req.SetBody([]byte(dtmf.InfoBody(digit, duration)))
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: dtmf.InfoContentType})

	res, err := a.ua.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("useragent: sending DTMF INFO: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("useragent: DTMF INFO rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}
