package callfsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// Event names driving transitions, named after the triggers in spec.md
// §4.2's transition table.
const (
	EventPlaceCall        = "place_call"
	EventTrying           = "trying"
	EventRinging          = "ringing"
	EventAnswered         = "answered"
	EventMediaEstablished = "media_established"
	EventIncomingInvite   = "incoming_invite"
	EventAccept           = "accept"
	EventDecline          = "decline"
	EventHangup           = "hangup"
	EventRemoteBye        = "remote_bye"
	EventByeAbsorbed      = "bye_absorbed"
	EventFail             = "fail"
	EventHoldRequested    = "hold_requested"
	EventHoldConfirmed    = "hold_confirmed"
	EventResumeRequested  = "resume_requested"
	EventResumeConfirmed  = "resume_confirmed"
)

// Transition describes one observed state change, published on every
// after_event callback (spec.md §4.2: "Each transition publishes: new
// state, SIP code+phrase if applicable, and a transition label").
type Transition struct {
	From   State
	To     State
	Event  string
	Label  string
	SIPCode  int
	SIPPhrase string
	Reason ErrorReason
	At     time.Time
}

// CallFSM is one call's state machine. Events for a single CallFSM must be
// serialized by the caller (spec.md §5: "events are serialized per
// Call-ID"); CallFSM itself does not add its own event queue.
type CallFSM struct {
	CallID string

	mu        sync.Mutex
	machine   *fsm.FSM
	onChange  func(Transition)
	lastCode  int
	lastPhrase string
	lastReason ErrorReason
}

// New builds a CallFSM starting in IDLE. onChange, if non-nil, is invoked
// synchronously after every transition with the details of that
// transition.
func New(callID string, onChange func(Transition)) *CallFSM {
	c := &CallFSM{CallID: callID, onChange: onChange, lastReason: ReasonNone}

	c.machine = fsm.NewFSM(
		string(IDLE),
		fsm.Events{
			{Name: EventPlaceCall, Src: []string{string(IDLE)}, Dst: string(OutgoingInit)},
			{Name: EventTrying, Src: []string{string(OutgoingInit)}, Dst: string(OutgoingProgress)},
			{Name: EventRinging, Src: []string{string(OutgoingProgress)}, Dst: string(OutgoingRinging)},
			{Name: EventAnswered, Src: []string{string(OutgoingProgress), string(OutgoingRinging)}, Dst: string(Connected)},
			{Name: EventMediaEstablished, Src: []string{string(Connected)}, Dst: string(StreamsRunning)},

			{Name: EventIncomingInvite, Src: []string{string(IDLE)}, Dst: string(IncomingReceived)},
			{Name: EventAccept, Src: []string{string(IncomingReceived)}, Dst: string(Connected)},
			{Name: EventDecline, Src: []string{string(IncomingReceived)}, Dst: string(Ending)},

			{Name: EventHangup, Src: []string{
				string(OutgoingInit), string(OutgoingProgress), string(OutgoingRinging),
				string(IncomingReceived), string(Connected), string(StreamsRunning),
				string(Pausing), string(Paused), string(Resuming),
			}, Dst: string(Ending)},
			{Name: EventRemoteBye, Src: []string{string(Connected), string(StreamsRunning), string(Pausing), string(Paused), string(Resuming)}, Dst: string(Ending)},
			{Name: EventByeAbsorbed, Src: []string{string(Ending)}, Dst: string(Ended)},

			{Name: EventHoldRequested, Src: []string{string(Connected), string(StreamsRunning)}, Dst: string(Pausing)},
			{Name: EventHoldConfirmed, Src: []string{string(Pausing)}, Dst: string(Paused)},
			{Name: EventResumeRequested, Src: []string{string(Paused)}, Dst: string(Resuming)},
			{Name: EventResumeConfirmed, Src: []string{string(Resuming)}, Dst: string(StreamsRunning)},

			{Name: EventFail, Src: []string{
				string(OutgoingInit), string(OutgoingProgress), string(OutgoingRinging),
				string(IncomingReceived), string(Connected), string(StreamsRunning),
				string(Pausing), string(Paused), string(Resuming), string(Ending),
			}, Dst: string(Error)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.notify(e)
			},
		},
	)

	return c
}

func (c *CallFSM) notify(e *fsm.Event) {
	t := Transition{
		From:      State(e.Src),
		To:        State(e.Dst),
		Event:     e.Event,
		Label:     fmt.Sprintf("%s→%s (%s)", e.Src, e.Dst, e.Event),
		SIPCode:   c.lastCode,
		SIPPhrase: c.lastPhrase,
		Reason:    c.lastReason,
		At:        time.Now(),
	}
	if c.onChange != nil {
		c.onChange(t)
	}
}

// State returns the current state.
func (c *CallFSM) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State(c.machine.Current())
}

// Fire drives the event ev through the machine. It is the caller's
// responsibility to serialize calls per Call-ID.
func (c *CallFSM) Fire(ctx context.Context, ev string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.machine.Event(ctx, ev); err != nil {
		return fmt.Errorf("callfsm: call %s: event %q from %q: %w", c.CallID, ev, c.machine.Current(), err)
	}
	return nil
}

// FailWithStatus records the SIP status/phrase that caused a failure and
// fires the fail event, classifying the ErrorReason from the status code.
func (c *CallFSM) FailWithStatus(ctx context.Context, code int, phrase string) error {
	c.mu.Lock()
	c.lastCode = code
	c.lastPhrase = phrase
	c.lastReason = ClassifyStatus(code)
	c.mu.Unlock()
	return c.Fire(ctx, EventFail)
}

// FailWithReason records an ErrorReason that has no SIP status code (e.g.
// NETWORK_ERROR) and fires the fail event.
func (c *CallFSM) FailWithReason(ctx context.Context, reason ErrorReason) error {
	c.mu.Lock()
	c.lastCode = 0
	c.lastPhrase = ""
	c.lastReason = reason
	c.mu.Unlock()
	return c.Fire(ctx, EventFail)
}

// EndWithReason records reason and moves ENDING→ENDED. Used for terminal
// paths that reach ENDING with a reason other than a plain local hangup
// (e.g. a declined incoming call keeps the status-derived reason instead of
// being overwritten with NORMAL_TERMINATION).
func (c *CallFSM) EndWithReason(ctx context.Context, reason ErrorReason) error {
	c.mu.Lock()
	c.lastReason = reason
	c.mu.Unlock()
	return c.Fire(ctx, EventByeAbsorbed)
}

// EndNormally records NORMAL_TERMINATION and moves ENDING→ENDED.
func (c *CallFSM) EndNormally(ctx context.Context) error {
	return c.EndWithReason(ctx, ReasonNormalTermination)
}

// LastError returns the most recently recorded SIP code/phrase/reason.
func (c *CallFSM) LastError() (code int, phrase string, reason ErrorReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCode, c.lastPhrase, c.lastReason
}

// CanFire reports whether ev is permitted from the current state, without
// mutating the machine (used by callers that need to pre-check, e.g. a
// CANCEL guard: "valid only while the UAC INVITE transaction is in
// Calling/Proceeding").
func (c *CallFSM) CanFire(ev string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Can(ev)
}
