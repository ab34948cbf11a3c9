package registration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"golang.org/x/time/rate"

	"github.com/voicebridge/sipcore/pkg/digestauth"
	"github.com/voicebridge/sipcore/pkg/observable"
	"github.com/voicebridge/sipcore/pkg/sipmsg"
)

// Transport is the minimal send capability a Manager needs: deliver a
// request and wait for its response. *sipgo.Client's variadic Do does not
// match this signature directly; pkg/useragent adapts it (clientTransport).
type Transport interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
}

// AggregatedSummary is the derived multi-account observable of spec.md
// §4.3: a per-account state map plus a human string like "3/4 registered".
type AggregatedSummary struct {
	States map[string]Status
	Text   string
}

// aggregateDebounceWindow is spec.md §4.3's "coalesced to at most one per
// 50ms burst".
const aggregateDebounceWindow = 50 * time.Millisecond

type accountEntry struct {
	account Account
	auth    *digestauth.Authenticator
	limiter *rate.Limiter

	mu       sync.Mutex
	cseq     uint32
	fromTag  string
	contact  sip.Uri // Contact used outside push mode; push-mode REGISTERs build theirs in sendRegister
	pushMode bool

	cancel context.CancelFunc
	wake   chan struct{}

	snapshot *observable.Value[Snapshot]
}

// Manager runs one registration loop per account, per spec.md §4.3, and
// publishes both per-account and aggregated observables.
type Manager struct {
	transport Transport
	logger    *slog.Logger
	builder   *sipmsg.Builder
	viaHost   string
	userAgent string

	mu       sync.Mutex
	entries  map[string]*accountEntry
	wg       sync.WaitGroup
	rootCtx  context.Context
	rootStop context.CancelFunc

	aggregated *observable.Debounced[AggregatedSummary]
	aggValue   *observable.Value[AggregatedSummary]
}

// NewManager builds a Manager. viaHost/userAgent are stamped on every
// REGISTER this Manager constructs.
func NewManager(transport Transport, logger *slog.Logger, viaHost, userAgent string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	aggValue := observable.New[AggregatedSummary]()
	m := &Manager{
		transport:  transport,
		logger:     logger.With("subsystem", "registration"),
		builder:    sipmsg.NewBuilder(),
		viaHost:    viaHost,
		userAgent:  userAgent,
		entries:    make(map[string]*accountEntry),
		rootCtx:    ctx,
		rootStop:   cancel,
		aggValue:   aggValue,
		aggregated: observable.NewDebounced(aggValue, func() <-chan struct{} { return time.After(aggregateDebounceWindow) }),
	}
	return m
}

// Register starts the registration loop for acct. Calling Register again
// with the same Key restarts the loop (the previous one is stopped).
func (m *Manager) Register(acct Account) error {
	if err := acct.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if existing, ok := m.entries[acct.Key]; ok {
		existing.cancel()
	}

	entryCtx, cancel := context.WithCancel(m.rootCtx)
	entry := &accountEntry{
		account:  acct,
		auth:     digestauth.NewAuthenticator(),
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 1),
		contact:  acct.NormalContact,
		fromTag:  sip.GenerateTagN(8),
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		snapshot: observable.NewWithInitial(Snapshot{AccountKey: acct.Key, Status: StatusNone}),
	}
	m.entries[acct.Key] = entry
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.registrationLoop(entryCtx, entry)
	}()
	m.publishAggregate()
	return nil
}

// Unregister sends a REGISTER with Expires: 0, waits for its outcome, then
// stops the account's loop.
func (m *Manager) Unregister(ctx context.Context, key string) error {
	m.mu.Lock()
	entry, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("registration: account %q is not registered", key)
	}

	_, err := m.sendRegister(ctx, entry, 0)

	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	entry.cancel()

	if err != nil {
		return fmt.Errorf("registration: unregister %q: %w", key, err)
	}
	entry.snapshot.Set(Snapshot{AccountKey: key, Status: StatusCleared})
	m.publishAggregate()
	return nil
}

// EnterPushMode re-registers every tracked account with its push Contact
// (pn-provider/pn-prid/pn-param) and wakes each loop so the switch takes
// effect immediately rather than waiting for the next scheduled refresh,
// per spec.md §4.3: "Mode changes cancel any in-flight refresh timer
// cleanly."
func (m *Manager) EnterPushMode() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.mu.Lock()
		e.pushMode = true
		e.mu.Unlock()
		wake(e)
	}
}

// ExitPushMode reverts every tracked account to its normal Contact and
// wakes each loop immediately.
func (m *Manager) ExitPushMode() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.mu.Lock()
		e.pushMode = false
		e.mu.Unlock()
		wake(e)
	}
}

func wake(e *accountEntry) {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the current registration snapshot for key.
func (m *Manager) Snapshot(key string) (Snapshot, bool) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return entry.snapshot.Get()
}

// SubscribeAggregated registers fn for the coalesced aggregated-summary
// observable.
func (m *Manager) SubscribeAggregated(fn func(AggregatedSummary)) *observable.Subscription {
	return m.aggValue.Subscribe(fn)
}

// Close cancels every account's loop and waits for them to exit.
func (m *Manager) Close() {
	m.rootStop()
	m.wg.Wait()
}

func (m *Manager) publishAggregate() {
	m.mu.Lock()
	states := make(map[string]Status, len(m.entries))
	registered := 0
	for key, e := range m.entries {
		snap, _ := e.snapshot.Get()
		states[key] = snap.Status
		if snap.Status == StatusOK {
			registered++
		}
	}
	total := len(m.entries)
	m.mu.Unlock()

	m.aggregated.Set(AggregatedSummary{
		States: states,
		Text:   fmt.Sprintf("%d/%d registered", registered, total),
	})
}

// registrationLoop drives one account through spec.md §4.3's steps 1-4:
// send REGISTER, handle the 200/401/407/failure outcomes, and schedule the
// next refresh at granted_expiry - max(30s, 0.1*granted_expiry). Grounded
// on flowpbx's TrunkRegistrar.registrationLoop, generalized to react to
// EnterPushMode/ExitPushMode wake signals mid-sleep.
func (m *Manager) registrationLoop(ctx context.Context, entry *accountEntry) {
	bo := newBackoff()

	for {
		entry.snapshot.Set(Snapshot{AccountKey: entry.account.Key, Status: StatusInProgress})
		m.publishAggregate()

		granted, err := m.sendRegister(ctx, entry, entry.account.requestedExpiry())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.next()
			entry.snapshot.Set(Snapshot{
				AccountKey:   entry.account.Key,
				Status:       StatusFailed,
				LastError:    err.Error(),
				RetryAttempt: bo.attempt,
			})
			m.publishAggregate()
			m.logger.Warn("registration failed", "account", entry.account.Key, "error", err, "retry_in", delay)

			if !m.waitOrWake(ctx, entry, delay) {
				return
			}
			continue
		}

		bo.reset()
		now := time.Now()
		entry.snapshot.Set(Snapshot{
			AccountKey:   entry.account.Key,
			Status:       StatusOK,
			RegisteredAt: now,
			ExpiresAt:    now.Add(time.Duration(granted) * time.Second),
		})
		m.publishAggregate()

		refreshIn := time.Duration(granted)*time.Second - time.Duration(math.Max(30, 0.1*float64(granted)))*time.Second
		if refreshIn <= 0 {
			refreshIn = time.Second
		}

		if !m.waitOrWake(ctx, entry, refreshIn) {
			return
		}
	}
}

// waitOrWake sleeps for d, returning early (true) if a push-mode wake
// arrives, and false if ctx is cancelled.
func (m *Manager) waitOrWake(ctx context.Context, entry *accountEntry, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	case <-entry.wake:
		return true
	}
}

// sendRegister builds and sends one REGISTER, performing the single
// authenticated retry on 401/407 per spec.md §4.1/§4.3, and returns the
// server-granted expiry.
func (m *Manager) sendRegister(ctx context.Context, entry *accountEntry, expiry int) (int, error) {
	if err := entry.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("registration: rate limiter: %w", err)
	}

	entry.mu.Lock()
	acct := entry.account
	contact := entry.contact
	if entry.pushMode {
		ch := &sip.ContactHeader{Address: acct.NormalContact}
		acct.Push.apply(ch)
		contact = ch.Address
	}
	entry.cseq++
	cseq := entry.cseq
	fromTag := entry.fromTag
	entry.mu.Unlock()

	b := sipmsg.Account{AOR: acct.AOR, Contact: contact, UserAgent: m.userAgent}
	req := m.builder.NewInitialRequest(sip.REGISTER, b, acct.AOR, fromTag, acct.Key, cseq, m.viaHost, expiry)

	res, err := m.transport.Do(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("registration: sending REGISTER: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = m.authenticatedRetry(ctx, entry, req, res, expiry)
		if err != nil {
			return 0, err
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("registration: REGISTER failed with %d %s", res.StatusCode, res.Reason)
	}

	return sipmsg.ParseExpires(res, expiry), nil
}

func (m *Manager) authenticatedRetry(ctx context.Context, entry *accountEntry, req *sip.Request, res *sip.Response, expiry int) (*sip.Response, error) {
	headerName, authzName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		headerName, authzName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	challenge := res.GetHeader(headerName)
	if challenge == nil {
		return nil, fmt.Errorf("registration: %d response missing %s", res.StatusCode, headerName)
	}

	var attempt digestauth.Attempt
	if attempt.Decide() != digestauth.RetryWithChallenge {
		return nil, fmt.Errorf("registration: unexpected terminal state on first challenge")
	}

	cred, err := entry.auth.Answer(challenge.Value(), req.Method.String(), req.Recipient.String(), entry.account.Credentials)
	if err != nil {
		return nil, fmt.Errorf("registration: answering challenge: %w", err)
	}

	entry.mu.Lock()
	entry.cseq++
	cseq := entry.cseq
	entry.mu.Unlock()

	authReq := req.Clone()
	authReq.RemoveHeader("CSeq")
	cs := sip.CSeq{SeqNo: cseq, MethodName: sip.REGISTER}
	authReq.AppendHeader(&cs)
	authReq.RemoveHeader("Via")
	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "TCP", Host: m.viaHost, Params: sip.NewParams()}
	via.Params.Add("branch", sip.GenerateBranch())
	authReq.AppendHeader(via)
	authReq.AppendHeader(&sip.GenericHeader{HeaderName: authzName, Contents: cred})

	authRes, err := m.transport.Do(ctx, authReq)
	if err != nil {
		return nil, fmt.Errorf("registration: sending authenticated REGISTER: %w", err)
	}
	if authRes.StatusCode == 401 || authRes.StatusCode == 407 {
		return nil, fmt.Errorf("registration: authentication failed (second %d)", authRes.StatusCode)
	}
	return authRes, nil
}
