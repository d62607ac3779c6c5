package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSDP(t *testing.T) {
	assert.Error(t, validateSDP(""))
	assert.Error(t, validateSDP("   \r\n"))
	assert.Error(t, validateSDP("o=- 1 1 IN IP4 0.0.0.0\r\n"))
	assert.Error(t, validateSDP("v=0\r\ns=-\r\n"))
	assert.NoError(t, validateSDP("v=0\r\nm=audio 4000 RTP/AVP 0\r\n"))
}

func TestIsHold(t *testing.T) {
	base := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\n"
	assert.False(t, isHold(base))
	assert.True(t, isHold(base+"a=sendonly\r\n"))
	assert.True(t, isHold(base+"a=inactive\r\n"))
	// The substring alone is not enough; the attribute has to parse.
	assert.False(t, isHold("a=sendonly"))
}

func TestStripVideoLeavesAudioOnly(t *testing.T) {
	in := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nt=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n" +
		"m=video 4002 RTP/AVP 96\r\na=rtpmap:96 VP8/90000\r\n"
	out, err := stripVideo(in)
	require.NoError(t, err)
	assert.Contains(t, out, "m=audio")
	assert.NotContains(t, out, "m=video")
	assert.NotContains(t, out, "VP8")
}
