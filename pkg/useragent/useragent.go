// Package useragent is the top-level composition root and public API: it
// wires sipgo's transport/transaction engine directly to pkg/callfsm,
// pkg/callstore, pkg/registration, pkg/dtmf, pkg/mediaengine, pkg/metrics,
// and pkg/observable, the way the teacher's pkg/dialog/stack.go wires
// sipgo to its own Dialog/manager/metrics types. This package supersedes
// the teacher's from-scratch transport/transaction subtrees: sipgo already
// supplies that layer, so there is nothing left to reimplement there.
package useragent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/sipcore/pkg/callfsm"
	"github.com/voicebridge/sipcore/pkg/callstore"
	"github.com/voicebridge/sipcore/pkg/coreerr"
	"github.com/voicebridge/sipcore/pkg/dtmf"
	"github.com/voicebridge/sipcore/pkg/mediaengine"
	"github.com/voicebridge/sipcore/pkg/metrics"
	"github.com/voicebridge/sipcore/pkg/observable"
	"github.com/voicebridge/sipcore/pkg/registration"
	"github.com/voicebridge/sipcore/pkg/sipmsg"
)

// IncomingCall is handed to the application's incoming-call callback. It
// carries enough to decide between Accept/Decline without yet committing
// to a media engine.
type IncomingCall struct {
	CallID      string
	From        sip.Uri
	DisplayName string
	RemoteSDP   string
}

// UserAgent is a single local SIP identity: one listener, one set of
// registered accounts, and the active calls placed or received through it.
type UserAgent struct {
	cfg    Config
	logger *slog.Logger

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	builder     *sipmsg.Builder
	localURI    sip.Uri
	contactAddr sip.Uri

	calls      *callstore.Store
	reg        *registration.Manager
	metrics    *metrics.Collector
	mediaFn    func(callID string) (mediaengine.Engine, error)
	onIncoming func(*IncomingCall)
	onCallLog  func(callstore.CallLog)

	mu       sync.Mutex
	active   map[string]*call
	incoming chan *IncomingCall

	rootCtx  context.Context
	rootStop context.CancelFunc
}

// New builds a UserAgent. mediaFactory is called once per call (outgoing
// when placing, incoming when accepted) to obtain the media engine the
// application wants to drive that call's audio with; the core never
// constructs one itself (spec.md §6 treats it as an opaque collaborator).
func New(cfg Config, logger *slog.Logger, mediaFactory func(callID string) (mediaengine.Engine, error), opts ...Option) (*UserAgent, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("useragent: invalid ListenAddr: %w", err)
	}
	port := 0
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("useragent: invalid ListenAddr port: %w", err)
	}

	contactHost := host
	contactPort := port
	if cfg.PublicHost != "" {
		contactHost = cfg.PublicHost
	}
	if cfg.PublicPort != 0 {
		contactPort = cfg.PublicPort
	}

	u := &UserAgent{
		cfg:     cfg,
		logger:  logger,
		builder: sipmsg.NewBuilder(),
		contactAddr: sip.Uri{
			Scheme: "sip",
			Host:   contactHost,
			Port:   contactPort,
		},
		calls:   callstore.New(time.Now),
		metrics: metrics.New(metrics.DefaultConfig()),
		mediaFn: mediaFactory,
		active:  make(map[string]*call),
		incoming: make(chan *IncomingCall, 32),
	}
	return u, nil
}

// OnIncomingCall registers the callback invoked for every new inbound
// INVITE once ringing has been signalled. Only one callback is supported;
// a later call replaces the previous one.
func (u *UserAgent) OnIncomingCall(fn func(*IncomingCall)) {
	u.mu.Lock()
	u.onIncoming = fn
	u.mu.Unlock()
}

// OnCallLogged registers the callback invoked once per call, when it is
// finalized, with the completed CallLog entry (spec.md §3's per-call
// record: final state, reason, duration). Only one callback is supported;
// a later call replaces the previous one.
func (u *UserAgent) OnCallLogged(fn func(callstore.CallLog)) {
	u.mu.Lock()
	u.onCallLog = fn
	u.mu.Unlock()
}

// Start brings the SIP listener up and begins accepting requests.
func (u *UserAgent) Start(ctx context.Context) error {
	u.rootCtx, u.rootStop = context.WithCancel(ctx)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(u.cfg.UserAgentName))
	if err != nil {
		return fmt.Errorf("useragent: creating UA: %w", err)
	}
	u.ua = ua

	u.server, err = sipgo.NewServer(ua)
	if err != nil {
		return fmt.Errorf("useragent: creating server: %w", err)
	}
	u.client, err = sipgo.NewClient(ua)
	if err != nil {
		return fmt.Errorf("useragent: creating client: %w", err)
	}

	u.reg = registration.NewManager(clientTransport{u.client}, u.logger, u.contactAddr.Host, u.cfg.UserAgentName)

	u.setupHandlers()

	go func() {
		if err := u.server.ListenAndServe(u.rootCtx, u.cfg.ListenNetwork, u.cfg.ListenAddr); err != nil {
			u.logger.Error("sip listener stopped", "error", err)
		}
	}()

	go u.sweepTerminalCalls(u.rootCtx)

	u.logger.Info("user agent started", "addr", u.cfg.ListenAddr, "network", u.cfg.ListenNetwork)
	return nil
}

// sweepTerminalCalls periodically evicts callstore records that have sat in
// a terminal state past their grace window (spec.md §8: a finalized call's
// bookkeeping record outlives the call itself briefly, to absorb a
// retransmitted BYE/ACK, then is reclaimed).
func (u *UserAgent) sweepTerminalCalls(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := u.calls.SweepExpiredTerminal(); len(removed) > 0 {
				u.logger.Debug("swept expired terminal calls", "count", len(removed))
			}
		}
	}
}

// Stop shuts the agent down: every dialog still active gets a best-effort
// BYE, bounded by ShutdownGrace, and then the transport is closed. Calls
// that don't ack their BYE in time are abandoned rather than blocking
// shutdown indefinitely, per spec.md §5's bounded-shutdown requirement.
func (u *UserAgent) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, u.cfg.ShutdownGrace)
	defer cancel()

	u.mu.Lock()
	calls := make([]*call, 0, len(u.active))
	for _, c := range u.active {
		calls = append(calls, c)
	}
	u.mu.Unlock()

	g, gctx := errgroup.WithContext(shutdownCtx)
	for _, c := range calls {
		c := c
		g.Go(func() error {
			_ = u.sendBye(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	if u.reg != nil {
		u.reg.Close()
	}
	if u.rootStop != nil {
		u.rootStop()
	}
	if u.server != nil {
		_ = u.server.Close()
	}
	if u.client != nil {
		_ = u.client.Close()
	}
	return nil
}

// RegisterAccount starts the refresh loop for one account.
func (u *UserAgent) RegisterAccount(acct registration.Account) error {
	return u.reg.Register(acct)
}

// UnregisterAccount sends an Expires:0 REGISTER and stops refreshing.
func (u *UserAgent) UnregisterAccount(ctx context.Context, key string) error {
	return u.reg.Unregister(ctx, key)
}

// SetAppState toggles push mode across every registered account, per
// spec.md §4.3's mobile-app-background handoff.
func (u *UserAgent) SetAppState(backgrounded bool) {
	if backgrounded {
		u.reg.EnterPushMode()
	} else {
		u.reg.ExitPushMode()
	}
}

// SubscribeRegistrationAggregate mirrors registration.Manager's aggregated
// status observable at the UserAgent's public surface.
func (u *UserAgent) SubscribeRegistrationAggregate(fn func(registration.AggregatedSummary)) *observable.Subscription {
	return u.reg.SubscribeAggregated(fn)
}

// SubscribeCallState publishes detailed_call_state for one call (spec.md
// §6), replaying the current state immediately and then every subsequent
// transition, until Unsubscribe is called.
func (u *UserAgent) SubscribeCallState(callID string, fn func(callfsm.State)) (*observable.Subscription, error) {
	c, ok := u.lookupCall(callID)
	if !ok {
		return nil, errCallNotFound
	}
	return c.stateObs.Subscribe(fn), nil
}

// SubscribeDTMFQueueStatus publishes dtmf_queue_status for one call
// (spec.md §6). It returns an error until the call's DTMF queue has been
// started (Accept/MakeCall's completion), since there is nothing to
// subscribe to before then.
func (u *UserAgent) SubscribeDTMFQueueStatus(callID string, fn func(dtmf.QueueStatus)) (*observable.Subscription, error) {
	c, ok := u.lookupCall(callID)
	if !ok {
		return nil, errCallNotFound
	}
	c.mu.Lock()
	obs := c.dtmfStatusObs
	c.mu.Unlock()
	if obs == nil {
		return nil, coreerr.New("DTMF_NOT_READY", "call has no established media yet", coreerr.CategoryMedia)
	}
	return obs.Subscribe(fn), nil
}

func (u *UserAgent) newCallID() string {
	return sip.GenerateBranchN(16)
}

func (u *UserAgent) trackTransition(callID string) func(callfsm.Transition) {
	return func(t callfsm.Transition) {
		u.metrics.StateTransition(string(t.From), string(t.To), t.Event)
		u.logger.Debug("call state transition", "call_id", callID, "from", t.From, "to", t.To, "event", t.Event)
		if c, ok := u.lookupCall(callID); ok && c.stateObs != nil {
			c.stateObs.Set(t.To)
		}
	}
}

func (u *UserAgent) storeCall(c *call) {
	u.mu.Lock()
	u.active[c.id] = c
	u.mu.Unlock()
}

// finalizeCall drives c to a terminal FSM state if it isn't already in one,
// retires its runtime resources (media, DTMF queue, root context) right
// away, and publishes the CallLog for it. The callstore record itself is
// not removed here: it stays marked terminal and is reclaimed later by
// sweepTerminalCalls, once its grace window has elapsed (spec.md §8) —
// unlike the runtime resources, which have no reason to outlive the call.
func (u *UserAgent) finalizeCall(ctx context.Context, c *call, reason callfsm.ErrorReason) {
	if !callfsm.IsTerminal(c.state()) {
		if c.state() == callfsm.Ending {
			_ = c.fsm.EndWithReason(ctx, reason)
		} else {
			_ = c.fsm.FailWithReason(ctx, reason)
		}
	}
	finalState := c.state()

	u.mu.Lock()
	_, stillActive := u.active[c.id]
	delete(u.active, c.id)
	u.mu.Unlock()
	if !stillActive {
		return
	}

	if c.dtmfQueue != nil {
		c.dtmfQueue.Stop()
	}
	if c.media != nil {
		_ = c.media.Dispose()
	}
	if c.cancelFunc != nil {
		c.cancelFunc()
	}

	direction := "outbound"
	if c.direction == DirectionIncoming {
		direction = "inbound"
	}
	entry, err := u.calls.Finalize(c.id, string(finalState), string(reason), direction)
	if err != nil {
		u.logger.Warn("finalizing call record failed", "call_id", c.id, "error", err)
		return
	}
	u.metrics.CallEnded(entry.Duration)

	u.mu.Lock()
	cb := u.onCallLog
	u.mu.Unlock()
	if cb != nil {
		cb(entry)
	}
}

func (u *UserAgent) lookupCall(callID string) (*call, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.active[callID]
	return c, ok
}

// GetCallState returns the current state machine value for a call, or
// false if no such call is active.
func (u *UserAgent) GetCallState(callID string) (callfsm.State, bool) {
	c, ok := u.lookupCall(callID)
	if !ok {
		return "", false
	}
	return c.state(), true
}

var errCallNotFound = coreerr.New("CALL_NOT_FOUND", "no active call with that id", coreerr.CategoryDialog)

// clientTransport adapts *sipgo.Client's variadic Do method to
// registration.Transport's fixed two-argument signature.
type clientTransport struct {
	client *sipgo.Client
}

func (t clientTransport) Do(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	return t.client.Do(ctx, req)
}
