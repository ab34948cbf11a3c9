// Package rtpengine is a reference implementation of mediaengine.Engine
// built on github.com/pion/rtp and github.com/pion/sdp/v3. spec.md §6
// treats the media engine as an opaque external collaborator; this package
// exists because spec.md's expansion calls for the RFC 2833 DTMF path and
// hold-direction detection to have a concrete, testable implementation
// rather than only an interface. The RFC 4733 telephone-event payload
// shape is adapted from the teacher's pkg/media/dtmf.go DTMFSender/
// serializePayload; SDP direction handling reuses pkg/sdputil.
package rtpengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/voicebridge/sipcore/pkg/dtmf"
	"github.com/voicebridge/sipcore/pkg/mediaengine"
	"github.com/voicebridge/sipcore/pkg/sdputil"
)

// defaultTelephoneEventPT is the dynamic payload type for RFC 4733 events
// used when New is given 0; callers pass the value actually agreed in SDP.
const defaultTelephoneEventPT = 101

// PacketSink is where the engine writes RTP packets it generates — the
// caller supplies the actual network transport.
type PacketSink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// Engine is a reference mediaengine.Engine/DTMFSender implementation.
// Audio capture/playback itself is out of scope (spec.md §1 Non-goals);
// this type implements only the offer/answer bookkeeping, direction
// tracking, and RFC 2833 DTMF encoding spec.md §6 requires the core be
// able to exercise against something concrete.
type Engine struct {
	sink             PacketSink
	telephoneEventPT uint8
	localOfferer     string // canned local SDP template; real engines negotiate codecs

	mu          sync.Mutex
	remoteSDP   string
	direction   sdputil.Direction
	audioOn     bool
	muted       bool
	state       mediaengine.ConnectionState
	seqNum      uint16
	ssrc        uint32
	onStateFunc func(mediaengine.ConnectionState)
	onTrackFunc func()
}

// New builds an Engine. localOfferSDP is the canned local SDP body this
// reference implementation offers (a real engine would build one from
// negotiated codecs); telephoneEventPT is the dynamic payload type for
// RFC 4733 events.
func New(sink PacketSink, localOfferSDP string, ssrc uint32, telephoneEventPT uint8) *Engine {
	if telephoneEventPT == 0 {
		telephoneEventPT = defaultTelephoneEventPT
	}
	return &Engine{
		sink:             sink,
		localOfferer:     localOfferSDP,
		telephoneEventPT: telephoneEventPT,
		ssrc:             ssrc,
		audioOn:          true,
	}
}

func (e *Engine) CreateOffer(_ context.Context) (string, error) {
	e.setState(mediaengine.StateNew)
	return e.localOfferer, nil
}

func (e *Engine) CreateAnswer(_ context.Context, remoteSDP string) (string, error) {
	if _, err := sdputil.Parse([]byte(remoteSDP)); err != nil {
		return "", fmt.Errorf("rtpengine: parsing remote offer: %w", err)
	}
	e.setState(mediaengine.StateNew)
	return e.localOfferer, nil
}

func (e *Engine) SetRemoteDescription(_ context.Context, remoteSDP string, _ mediaengine.DescriptionKind) error {
	info, err := sdputil.Parse([]byte(remoteSDP))
	if err != nil {
		return fmt.Errorf("rtpengine: parsing remote description: %w", err)
	}

	e.mu.Lock()
	e.remoteSDP = remoteSDP
	e.direction = info.Direction
	e.mu.Unlock()

	e.setState(mediaengine.StateConnecting)
	if e.onTrackFunc != nil && info.HasAudioMedia {
		e.onTrackFunc()
	}
	e.setState(mediaengine.StateConnected)
	return nil
}

func (e *Engine) SetAudioEnabled(enabled bool) error {
	e.mu.Lock()
	e.audioOn = enabled
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetMuted(muted bool) error {
	e.mu.Lock()
	e.muted = muted
	e.mu.Unlock()
	return nil
}

func (e *Engine) Dispose() error {
	e.setState(mediaengine.StateClosed)
	return nil
}

func (e *Engine) OnConnectionStateChange(fn func(mediaengine.ConnectionState)) {
	e.mu.Lock()
	e.onStateFunc = fn
	e.mu.Unlock()
}

func (e *Engine) OnRemoteTrackAdded(fn func()) {
	e.mu.Lock()
	e.onTrackFunc = fn
	e.mu.Unlock()
}

func (e *Engine) setState(s mediaengine.ConnectionState) {
	e.mu.Lock()
	e.state = s
	fn := e.onStateFunc
	e.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// RemoteDirection returns the last direction attribute observed on the
// remote SDP, for the core's hold-detection logic.
func (e *Engine) RemoteDirection() sdputil.Direction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.direction
}

// SendRFC2833Digit implements mediaengine.DTMFSender: it builds and writes
// the start/repeat/end RTP telephone-event packets for one DTMF digit, per
// RFC 4733, encoding event/end-flag/volume/duration exactly as the
// teacher's DTMFSender.serializePayload does.
func (e *Engine) SendRFC2833Digit(_ context.Context, digit dtmf.Digit, duration time.Duration) error {
	event, err := eventCode(digit)
	if err != nil {
		return err
	}

	durationUnits := uint16(duration.Seconds() * 8000)
	ts := uint32(time.Now().UnixNano() / int64(time.Millisecond)) // caller-supplied RTP timestamps are ideal; this is a reasonable stand-in

	e.mu.Lock()
	seq := e.seqNum
	ssrc := e.ssrc
	pt := e.telephoneEventPT
	e.mu.Unlock()

	send := func(endFlag bool, marker bool) error {
		payload := serializeTelephoneEvent(event, endFlag, 10, durationUnits)
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    pt,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: payload,
		}
		seq++
		return e.sink.WriteRTP(pkt)
	}

	for i := 0; i < 3; i++ {
		if err := send(false, i == 0); err != nil {
			return fmt.Errorf("rtpengine: writing start packet: %w", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := send(true, false); err != nil {
			return fmt.Errorf("rtpengine: writing end packet: %w", err)
		}
	}

	e.mu.Lock()
	e.seqNum = seq
	e.mu.Unlock()
	return nil
}

// eventCode maps a DTMF digit to its RFC 4733 event number (0-15).
func eventCode(d dtmf.Digit) (uint8, error) {
	switch d {
	case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return uint8(d - '0'), nil
	case '*':
		return 10, nil
	case '#':
		return 11, nil
	case 'A', 'B', 'C', 'D':
		return uint8(d-'A') + 12, nil
	default:
		return 0, fmt.Errorf("rtpengine: unsupported DTMF digit %q", rune(d))
	}
}

// serializeTelephoneEvent encodes the 4-byte RFC 4733 payload: event byte,
// end/reserved/volume byte, duration (big-endian 16-bit).
func serializeTelephoneEvent(event uint8, end bool, volume uint8, duration uint16) []byte {
	data := make([]byte, 4)
	data[0] = event & 0x0F
	if end {
		data[1] |= 0x80
	}
	data[1] |= volume & 0x3F
	data[2] = byte(duration >> 8)
	data[3] = byte(duration & 0xFF)
	return data
}
