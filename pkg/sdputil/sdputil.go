// Package sdputil extracts the two pieces of SDP the core needs to look
// inside an otherwise-opaque offer/answer string, per spec.md §6: the
// connection address (for diagnostics) and the media direction attribute
// (sendonly/recvonly/sendrecv/inactive, for hold detection). Grounded on
// the teacher's pkg/media_sdp/handler.go parseMediaDirection/
// extractConnectionInfo, built on the same github.com/pion/sdp/v3 parser.
package sdputil

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// Direction is the media direction attribute of one m= section.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
	DirectionUnknown  Direction = "unknown"
)

// ConnectionInfo is the diagnostic summary of one SDP body.
type ConnectionInfo struct {
	Address       string
	AddressType   string // IP4 or IP6
	AudioPort     int
	Direction     Direction
	HasAudioMedia bool
}

// Parse extracts ConnectionInfo from a raw SDP body. It returns an error
// only if the body fails to parse as SDP at all; a missing audio media
// section is reported via HasAudioMedia=false rather than an error, since
// callers extract diagnostics best-effort.
func Parse(body []byte) (ConnectionInfo, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return ConnectionInfo{}, fmt.Errorf("sdputil: parsing SDP: %w", err)
	}

	info := ConnectionInfo{Direction: DirectionUnknown}

	if sd.ConnectionInformation != nil {
		info.Address = sd.ConnectionInformation.Address.Address
		info.AddressType = sd.ConnectionInformation.AddressType
	}

	var audio *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return info, nil
	}

	info.HasAudioMedia = true
	info.AudioPort = audio.MediaName.Port.Value
	if audio.ConnectionInformation != nil {
		info.Address = audio.ConnectionInformation.Address.Address
	}
	info.Direction = parseDirection(audio)

	return info, nil
}

func parseDirection(m *sdp.MediaDescription) Direction {
	for _, attr := range m.Attributes {
		switch attr.Key {
		case "sendonly":
			return DirectionSendOnly
		case "recvonly":
			return DirectionRecvOnly
		case "sendrecv":
			return DirectionSendRecv
		case "inactive":
			return DirectionInactive
		}
	}
	return DirectionSendRecv // RFC 4566 default when no direction attribute is present
}

// IsOnHold reports whether direction represents a hold state from the
// perspective of the party that SENT it: sendonly or inactive means that
// party is not receiving our media (spec.md §4.2's hold/resume).
func IsOnHold(d Direction) bool {
	return d == DirectionSendOnly || d == DirectionInactive
}
