// Package callstore is the Call-ID-keyed store of in-progress calls. It
// generalizes the teacher's dialog maps (pkg/dialog/sharded_map.go's
// per-shard RWMutex design and pkg/dialog/map.go's sync.Map-keyed-by-
// (Call-ID, tag) lookup) down to spec.md's simpler requirement: a single
// writer lock held only across insert/remove/swap-state, since this
// module's call volume does not need shard-level parallelism, and a single
// lock makes the from-tag-stability and CSeq-monotonic invariants trivial
// to enforce atomically.
package callstore

import (
	"fmt"
	"sync"
	"time"
)

// Call is the store's record for one call: identity, tags, and the
// per-method CSeq counters spec.md §8 requires be monotonic non-decreasing.
type Call struct {
	CallID    string
	LocalTag  string // assigned once at creation, never changes
	RemoteTag string // empty until the peer answers/provisional-responds with one

	cseq map[string]uint32 // method -> last used sequence number

	CreatedAt time.Time

	State       string
	TerminalAt  time.Time // zero until a terminal state is entered
	HasTerminal bool
}

// CallLog is the record published once per call when it is finalized,
// trimmed from flowpbx's CDR model down to the fields spec.md's data model
// actually calls for (no billing/recording/trunk fields, which have no
// home in this module).
type CallLog struct {
	CallID     string
	LocalTag   string
	RemoteTag  string
	Direction  string
	FinalState string
	Reason     string
	StartedAt  time.Time
	EndedAt    time.Time
	Duration   time.Duration
}

// NextCSeq returns the next sequence number to use for method, incrementing
// the per-method counter. Sequence numbers are monotonic non-decreasing per
// method (spec.md §8 invariant 2): a call's first CSeq is 1.
func (c *Call) NextCSeq(method string) uint32 {
	if c.cseq == nil {
		c.cseq = make(map[string]uint32)
	}
	c.cseq[method]++
	return c.cseq[method]
}

// terminalGrace is how long a call record is retained after entering a
// terminal state before it becomes eligible for removal, per spec.md §8
// (clients racing a final BYE retransmission against store cleanup).
const terminalGrace = 5 * time.Second

// Store holds all in-progress calls keyed by Call-ID. The zero value is not
// usable; use New.
type Store struct {
	mu    sync.Mutex
	calls map[string]*Call
	now   func() time.Time
}

// New returns an empty Store. nowFn is injected so tests can control the
// terminal-state grace window without sleeping; pass time.Now in production.
func New(nowFn func() time.Time) *Store {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Store{calls: make(map[string]*Call), now: nowFn}
}

// Insert adds a new call, assigning its stable local tag. It is an error to
// insert a Call-ID that already exists.
func (s *Store) Insert(callID, localTag string) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[callID]; exists {
		return nil, fmt.Errorf("callstore: call-id %q already exists", callID)
	}
	c := &Call{CallID: callID, LocalTag: localTag, cseq: make(map[string]uint32), CreatedAt: s.now()}
	s.calls[callID] = c
	return c, nil
}

// Get returns the call for callID, if present.
func (s *Store) Get(callID string) (*Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	return c, ok
}

// SetRemoteTag assigns the remote tag once a provisional or final response
// carries one. Per spec.md §8 invariant 1, the local tag never changes;
// only the remote tag transitions from unset to set exactly once for a
// given dialog leg.
func (s *Store) SetRemoteTag(callID, remoteTag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("callstore: call-id %q not found", callID)
	}
	if c.RemoteTag != "" && c.RemoteTag != remoteTag {
		return fmt.Errorf("callstore: call-id %q remote tag already set to %q, cannot change to %q", callID, c.RemoteTag, remoteTag)
	}
	c.RemoteTag = remoteTag
	return nil
}

// SwapState atomically transitions the stored state label for callID,
// stamping the terminal-state grace deadline if newState is terminal.
func (s *Store) SwapState(callID, newState string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("callstore: call-id %q not found", callID)
	}
	c.State = newState
	if terminal && !c.HasTerminal {
		c.HasTerminal = true
		c.TerminalAt = s.now()
	}
	return nil
}

// NextCSeq returns the next sequence number for method on callID, per the
// monotonic-non-decreasing invariant (spec.md §8 invariant 2).
func (s *Store) NextCSeq(callID, method string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return 0, fmt.Errorf("callstore: call-id %q not found", callID)
	}
	return c.NextCSeq(method), nil
}

// Finalize marks callID terminal (reusing SwapState's grace-window
// bookkeeping) and returns the CallLog entry for it. Unlike Remove, the
// record itself is left in the store for the caller (SweepExpiredTerminal)
// to evict once the grace window elapses.
func (s *Store) Finalize(callID, finalState, reason, direction string) (CallLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callID]
	if !ok {
		return CallLog{}, fmt.Errorf("callstore: call-id %q not found", callID)
	}
	c.State = finalState
	ended := s.now()
	if !c.HasTerminal {
		c.HasTerminal = true
		c.TerminalAt = ended
	}
	return CallLog{
		CallID:     c.CallID,
		LocalTag:   c.LocalTag,
		RemoteTag:  c.RemoteTag,
		Direction:  direction,
		FinalState: finalState,
		Reason:     reason,
		StartedAt:  c.CreatedAt,
		EndedAt:    ended,
		Duration:   ended.Sub(c.CreatedAt),
	}, nil
}

// Remove deletes a call unconditionally.
func (s *Store) Remove(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, callID)
}

// SweepExpiredTerminal removes every call that has been in a terminal state
// for longer than the grace window, and returns the Call-IDs removed.
func (s *Store) SweepExpiredTerminal() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed []string
	for id, c := range s.calls {
		if c.HasTerminal && now.Sub(c.TerminalAt) >= terminalGrace {
			delete(s.calls, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len returns the number of calls currently tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
