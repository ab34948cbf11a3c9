package registration

import (
	"fmt"

	"github.com/emiago/sipgo/sip"

	"github.com/voicebridge/sipcore/pkg/digestauth"
)

// PushParams carries the vendor push-gateway parameters spec.md §4.3
// requires on the push-mode Contact: pn-provider, pn-prid, pn-param.
// Grounded on flowpbx's push token model (internal/push), adapted from a
// server-side push-token record to a client-side Contact-parameter set.
type PushParams struct {
	Provider string // pn-provider, e.g. "apns" or "fcm"
	PRID     string // pn-prid, the device token
	Param    string // pn-param, app-id or sender-id depending on provider
}

func (p PushParams) apply(contact *sip.ContactHeader) {
	if contact.Params == nil {
		contact.Params = sip.NewParams()
	}
	contact.Params.Add("pn-provider", p.Provider)
	contact.Params.Add("pn-prid", p.PRID)
	contact.Params.Add("pn-param", p.Param)
}

// Account is the registration-relevant configuration of one SIP account.
type Account struct {
	Key             string // "user@domain", used as the map key in aggregated status
	AOR             sip.Uri
	NormalContact   sip.Uri
	Credentials     digestauth.Credentials
	RequestedExpiry int // seconds; 0 means use DefaultExpiry

	Push PushParams // zero value means push is not configured for this account
}

// DefaultExpiry is used when Account.RequestedExpiry is unset.
const DefaultExpiry = 3600

func (a Account) requestedExpiry() int {
	if a.RequestedExpiry <= 0 {
		return DefaultExpiry
	}
	return a.RequestedExpiry
}

func (a Account) validate() error {
	if a.Key == "" {
		return fmt.Errorf("registration: account key must not be empty")
	}
	return nil
}
