// Package mediaengine is the external media-engine interface the core
// consumes (spec.md §6): an opaque offer/answer producer with mute/enable
// controls and a connection-state event stream. Grounded on the teacher's
// pkg/media/interface.go (MediaSessionInterface) and
// pkg/manager_media/interface.go (MediaManagerInterface), trimmed down to
// exactly the operation list spec.md §6 names — the core treats audio
// capture/playback and the peer connection as opaque, so it needs only
// this surface, not the teacher's full session-management API.
package mediaengine

import (
	"context"
	"time"

	"github.com/voicebridge/sipcore/pkg/dtmf"
)

// DescriptionKind distinguishes which half of an offer/answer exchange an
// SDP body represents.
type DescriptionKind int

const (
	KindOffer DescriptionKind = iota
	KindAnswer
)

// ConnectionState mirrors spec.md §6's media engine connection-state enum.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

// Engine is the media-engine contract the core consumes for one call's
// media session. A concrete implementation owns the actual audio
// capture/playback and peer-connection machinery; the core only ever sees
// SDP strings and booleans.
type Engine interface {
	// CreateOffer produces a local SDP offer for an outgoing call.
	CreateOffer(ctx context.Context) (sdp string, err error)
	// CreateAnswer produces a local SDP answer for remoteSDP (an offer).
	CreateAnswer(ctx context.Context, remoteSDP string) (sdp string, err error)
	// SetRemoteDescription applies remoteSDP as the given kind.
	SetRemoteDescription(ctx context.Context, remoteSDP string, kind DescriptionKind) error

	SetAudioEnabled(enabled bool) error
	SetMuted(muted bool) error

	// Dispose releases all resources held for this call's media session.
	Dispose() error

	// OnConnectionStateChange registers fn to be invoked on every engine
	// connection-state transition.
	OnConnectionStateChange(fn func(ConnectionState))
	// OnRemoteTrackAdded registers fn to be invoked when a remote media
	// track becomes available.
	OnRemoteTrackAdded(fn func())
}

// DTMFSender is the subset of Engine behavior the dtmf package's RFC 2833
// mode depends on: inserting an in-band telephone-event for one digit.
// Declared separately per spec.md §9's "split listener interfaces by
// concern" redesign flag.
type DTMFSender interface {
	SendRFC2833Digit(ctx context.Context, digit dtmf.Digit, duration time.Duration) error
}
