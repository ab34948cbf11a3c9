// Package callfsm implements the detailed per-call lifecycle on top of
// github.com/looplab/fsm, generalizing the teacher's own dialog state
// machine (pkg/dialog/dialog.go's initFSM, five states: Init/Trying/
// Ringing/Established/Terminated) into the full call lifecycle: streams,
// hold/resume, a split ENDING/ENDED terminal pair, and a classified ERROR
// state.
package callfsm

// State is one of the detailed call lifecycle states.
type State string

const (
	IDLE               State = "IDLE"
	OutgoingInit       State = "OUTGOING_INIT"
	OutgoingProgress   State = "OUTGOING_PROGRESS"
	OutgoingRinging    State = "OUTGOING_RINGING"
	IncomingReceived   State = "INCOMING_RECEIVED"
	Connected          State = "CONNECTED"
	StreamsRunning     State = "STREAMS_RUNNING"
	Pausing            State = "PAUSING"
	Paused             State = "PAUSED"
	Resuming           State = "RESUMING"
	Ending             State = "ENDING"
	Ended              State = "ENDED"
	Error              State = "ERROR"
)

// activeStates is the set for which is_call_active() holds, per spec.md
// §4.2.
var activeStates = map[State]bool{
	OutgoingProgress: true,
	OutgoingRinging:  true,
	IncomingReceived: true,
	Connected:        true,
	StreamsRunning:   true,
	Pausing:          true,
	Paused:           true,
	Resuming:         true,
	Ending:           true,
}

// IsCallActive reports whether s is one of the "call in progress" states.
func IsCallActive(s State) bool {
	return activeStates[s]
}

// IsTerminal reports whether s is ENDED or ERROR — no further transitions
// are permitted from a terminal state.
func IsTerminal(s State) bool {
	return s == Ended || s == Error
}
