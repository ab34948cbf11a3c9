// Package registration owns the per-account REGISTER refresh loop, push
// mode, and the aggregated multi-account status summary. The refresh/retry
// loop is grounded on flowpbx's internal/sip/trunk.go TrunkRegistrar —
// the only repo in the retrieval pack that implements a registration
// retry loop at all — generalized from its trunk-centric model (one
// Contact per trunk) to this module's account-centric model (per-account
// Contact, with a push-mode Contact swap flowpbx's trunks never need).
package registration

import "time"

// Status is the per-account registration state observable, per spec.md §3.
type Status string

const (
	StatusNone       Status = "NONE"
	StatusProgress   Status = "PROGRESS"
	StatusInProgress Status = "IN_PROGRESS"
	StatusOK         Status = "OK"
	StatusFailed     Status = "FAILED"
	StatusCleared    Status = "CLEARED"
)

// Snapshot is the observable detail behind a Status for one account.
type Snapshot struct {
	AccountKey   string
	Status       Status
	LastError    string
	RetryAttempt int
	RegisteredAt time.Time
	ExpiresAt    time.Time
}
