package callstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/sipcore/pkg/callstore"
)

func TestInsertRejectsDuplicateCallID(t *testing.T) {
	s := callstore.New(nil)
	_, err := s.Insert("call-1", "tag-local")
	require.NoError(t, err)

	_, err = s.Insert("call-1", "tag-local-2")
	require.Error(t, err)
}

func TestLocalTagStableRemoteTagSetOnce(t *testing.T) {
	s := callstore.New(nil)
	c, err := s.Insert("call-1", "tag-local")
	require.NoError(t, err)
	require.Equal(t, "tag-local", c.LocalTag)

	require.NoError(t, s.SetRemoteTag("call-1", "tag-remote"))
	require.Equal(t, "tag-remote", c.RemoteTag)

	require.NoError(t, s.SetRemoteTag("call-1", "tag-remote"))
	require.Error(t, s.SetRemoteTag("call-1", "tag-remote-other"))
}

func TestCSeqMonotonicPerMethod(t *testing.T) {
	s := callstore.New(nil)
	c, err := s.Insert("call-1", "tag-local")
	require.NoError(t, err)

	require.EqualValues(t, 1, c.NextCSeq("INVITE"))
	require.EqualValues(t, 2, c.NextCSeq("INVITE"))
	require.EqualValues(t, 1, c.NextCSeq("BYE"))
	require.EqualValues(t, 3, c.NextCSeq("INVITE"))
}

func TestStoreNextCSeqMatchesCallLevelCounter(t *testing.T) {
	s := callstore.New(nil)
	c, err := s.Insert("call-1", "tag-local")
	require.NoError(t, err)

	seq, err := s.NextCSeq("call-1", "BYE")
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)
	require.EqualValues(t, 2, c.NextCSeq("BYE"))

	_, err = s.NextCSeq("no-such-call", "BYE")
	require.Error(t, err)
}

func TestFinalizeStampsTerminalAndReturnsCallLog(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := callstore.New(func() time.Time { return start })

	_, err := s.Insert("call-1", "tag-local")
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteTag("call-1", "tag-remote"))

	start = start.Add(3 * time.Second)
	entry, err := s.Finalize("call-1", "ENDED", "NORMAL_TERMINATION", "outbound")
	require.NoError(t, err)
	require.Equal(t, "call-1", entry.CallID)
	require.Equal(t, "tag-local", entry.LocalTag)
	require.Equal(t, "tag-remote", entry.RemoteTag)
	require.Equal(t, "outbound", entry.Direction)
	require.Equal(t, "ENDED", entry.FinalState)
	require.Equal(t, "NORMAL_TERMINATION", entry.Reason)
	require.Equal(t, 3*time.Second, entry.Duration)

	// The record itself survives Finalize; only SweepExpiredTerminal evicts it.
	require.Equal(t, 1, s.Len())

	_, err = s.Finalize("no-such-call", "ENDED", "NORMAL_TERMINATION", "outbound")
	require.Error(t, err)
}

func TestFinalizeThenSweepEvictsAfterGraceWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := callstore.New(func() time.Time { return now })

	_, err := s.Insert("call-1", "tag-local")
	require.NoError(t, err)
	_, err = s.Finalize("call-1", "ERROR", "NETWORK_ERROR", "inbound")
	require.NoError(t, err)

	require.Empty(t, s.SweepExpiredTerminal())

	now = now.Add(6 * time.Second)
	require.Equal(t, []string{"call-1"}, s.SweepExpiredTerminal())
	require.Equal(t, 0, s.Len())
}

func TestInitialInviteCSeqDoesNotCollideWithSubsequentReInvite(t *testing.T) {
	s := callstore.New(nil)
	_, err := s.Insert("call-1", "tag-local")
	require.NoError(t, err)

	// MakeCall reserves the first INVITE CSeq up front via the store (rather
	// than hardcoding 1) so a later Hold/Resume re-INVITE gets a distinct one.
	initial, err := s.NextCSeq("call-1", "INVITE")
	require.NoError(t, err)
	require.EqualValues(t, 1, initial)

	reinvite, err := s.NextCSeq("call-1", "INVITE")
	require.NoError(t, err)
	require.EqualValues(t, 2, reinvite)
	require.NotEqual(t, initial, reinvite)
}

func TestSweepExpiredTerminalRespectsGraceWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := callstore.New(func() time.Time { return now })

	_, err := s.Insert("call-1", "tag-local")
	require.NoError(t, err)
	require.NoError(t, s.SwapState("call-1", "ENDED", true))

	require.Empty(t, s.SweepExpiredTerminal())

	now = now.Add(6 * time.Second)
	removed := s.SweepExpiredTerminal()
	require.Equal(t, []string{"call-1"}, removed)
	require.Equal(t, 0, s.Len())
}
