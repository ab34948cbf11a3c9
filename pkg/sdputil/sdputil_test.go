package sdputil_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/sipcore/pkg/sdputil"
)

const sampleOfferSendRecv = "v=0\r\n" +
	"o=- 123456 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n"

const sampleOfferSendOnly = "v=0\r\n" +
	"o=- 123456 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendonly\r\n"

func TestParseExtractsConnectionAndDirection(t *testing.T) {
	info, err := sdputil.Parse([]byte(sampleOfferSendRecv))
	require.NoError(t, err)
	require.True(t, info.HasAudioMedia)
	require.Equal(t, "192.0.2.10", info.Address)
	require.Equal(t, 49170, info.AudioPort)
	require.Equal(t, sdputil.DirectionSendRecv, info.Direction)
	require.False(t, sdputil.IsOnHold(info.Direction))
}

func TestParseDetectsHoldDirection(t *testing.T) {
	info, err := sdputil.Parse([]byte(sampleOfferSendOnly))
	require.NoError(t, err)
	require.Equal(t, sdputil.DirectionSendOnly, info.Direction)
	require.True(t, sdputil.IsOnHold(info.Direction))
}

func TestParseRejectsMalformedSDP(t *testing.T) {
	_, err := sdputil.Parse([]byte("not sdp at all"))
	require.Error(t, err)
}
