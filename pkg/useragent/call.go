package useragent

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/voicebridge/sipcore/pkg/callfsm"
	"github.com/voicebridge/sipcore/pkg/dtmf"
	"github.com/voicebridge/sipcore/pkg/mediaengine"
	"github.com/voicebridge/sipcore/pkg/observable"
	"github.com/voicebridge/sipcore/pkg/sipmsg"
)

// Direction records whether a call was placed locally or received.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// call is one active conversation: the dialog context a request builder
// needs, the call state machine, the DTMF dispatch queue, and the media
// engine instance the application supplied for it. Grounded on the
// teacher's Dialog struct (pkg/dialog/dialog.go) fields, reshaped around
// this module's split-out callfsm/dtmf/mediaengine collaborators instead
// of the teacher's single monolithic Dialog type.
type call struct {
	id        string
	direction Direction

	mu  sync.Mutex
	dc  sipmsg.DialogContext
	fsm *callfsm.CallFSM

	inviteReq *sip.Request
	serverTx  sip.ServerTransaction
	clientTx  sip.ClientTransaction

	media      mediaengine.Engine
	dtmfQueue  *dtmf.Queue
	cancelFunc context.CancelFunc

	stateObs      *observable.Value[callfsm.State]
	dtmfStatusObs *observable.Value[dtmf.QueueStatus]
}

func (c *call) state() callfsm.State {
	return c.fsm.State()
}
