package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rawInvite = strings.Join([]string{
	"INVITE sip:alice@gateway.local SIP/2.0",
	"Via: SIP/2.0/UDP 192.168.1.127:5060;branch=z9hG4bKabc123;rport",
	"Via: SIP/2.0/UDP 10.0.0.9:5080;branch=z9hG4bKdef456",
	"From: \"Bob\" <sip:bob@10.0.0.2>;tag=ff00aa11bb22cc33",
	"To: <sip:alice@gateway.local>",
	"Call-ID: deadbeefdeadbeefdeadbeefdeadbeef@10.0.0.2",
	"CSeq: 1 INVITE",
	"Contact: <sip:bob@192.168.1.127:5060>",
	"Content-Type: application/sdp",
	"Content-Length: 25",
	"",
	"v=0\r\nm=audio 4000 RTP/AVP",
}, "\r\n")

func TestParseRequest(t *testing.T) {
	msg, err := ParseMessage([]byte(rawInvite))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, INVITE, req.Method)
	assert.Equal(t, "alice", req.Recipient.User)
	assert.Equal(t, "gateway.local", req.Recipient.Host)
	assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef@10.0.0.2", req.CallID())
	assert.Equal(t, "v=0\r\nm=audio 4000 RTP/AVP", req.Body())

	vias := req.GetHeaders("Via")
	require.Len(t, vias, 2)

	via, err := req.Via()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.127", via.Host)
	assert.Equal(t, 5060, via.Port)
	assert.Equal(t, "z9hG4bKabc123", via.Branch())
	assert.True(t, via.Params.Has("rport"))

	from, err := req.From()
	require.NoError(t, err)
	assert.Equal(t, "Bob", from.DisplayName)
	assert.Equal(t, "bob", from.Uri.User)
	assert.Equal(t, "ff00aa11bb22cc33", from.Tag())

	to, err := req.To()
	require.NoError(t, err)
	assert.Empty(t, to.Tag())

	cseq, err := req.CSeq()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cseq.SeqNo)
	assert.Equal(t, INVITE, cseq.MethodName)
}

func TestParseResponse(t *testing.T) {
	raw := strings.Join([]string{
		"SIP/2.0 180 Ringing",
		"Via: SIP/2.0/UDP 10.1.1.1:5060;branch=z9hG4bKxyz;received=203.0.113.9;rport=4321",
		"From: <sip:gw@10.1.1.1>;tag=aaaa",
		"To: <sip:bob@10.0.0.2>;tag=bbbb",
		"Call-ID: abc@10.1.1.1",
		"CSeq: 2 INVITE",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	res, ok := msg.(*Response)
	require.True(t, ok)
	assert.Equal(t, StatusRinging, res.StatusCode)
	assert.Equal(t, "Ringing", res.Reason)
	assert.True(t, res.IsProvisional())
	// received/rport steer the response routing
	assert.Equal(t, "203.0.113.9:4321", res.Destination())
}

func TestParseCompactForms(t *testing.T) {
	raw := strings.Join([]string{
		"INVITE sip:alice@gw SIP/2.0",
		"v: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bKc1",
		"f: <sip:bob@10.0.0.2>;tag=t1",
		"t: <sip:alice@gw>",
		"i: compact@10.0.0.2",
		"m: <sip:bob@10.0.0.2:5060>",
		"c: application/sdp",
		"l: 0",
		"k: replaces",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	// Compact forms parse to the same header names as their long forms.
	for _, name := range []string{"Via", "From", "To", "Call-ID", "Contact", "Content-Type", "Content-Length", "Supported"} {
		_, ok := msg.GetHeader(name)
		assert.True(t, ok, "missing %s", name)
	}
	assert.Equal(t, "compact@10.0.0.2", msg.CallID())
}

func TestParseFoldedHeader(t *testing.T) {
	raw := strings.Join([]string{
		"INVITE sip:alice@gw SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bKc1",
		"Subject: first part",
		"\tsecond part",
		"Call-ID: folded@10.0.0.2",
		"CSeq: 1 INVITE",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	subject, ok := msg.GetHeader("Subject")
	require.True(t, ok)
	assert.Equal(t, "first part second part", subject)
}

func TestParseCommaSeparatedVia(t *testing.T) {
	raw := strings.Join([]string{
		"ACK sip:alice@gw SIP/2.0",
		"Via: SIP/2.0/UDP a.example.com;branch=z9hG4bK1, SIP/2.0/UDP b.example.com;branch=z9hG4bK2",
		"Call-ID: multivia@gw",
		"CSeq: 1 ACK",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	vias := msg.GetHeaders("Via")
	require.Len(t, vias, 2)
	assert.Equal(t, "SIP/2.0/UDP a.example.com;branch=z9hG4bK1", vias[0])
	assert.Equal(t, "SIP/2.0/UDP b.example.com;branch=z9hG4bK2", vias[1])
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"garbage start line", "NOT A MESSAGE\r\n\r\n"},
		{"header without colon", "INVITE sip:a@b SIP/2.0\r\nBroken header line\r\n\r\n"},
		{"status code not a number", "SIP/2.0 OK 200\r\n\r\n"},
		{"continuation before any header", "INVITE sip:a@b SIP/2.0\r\n folded\r\n\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tc.raw))
			require.Error(t, err)
			var perr *ParseError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

// parse(serialize(m)) must reproduce m for well-formed canonical messages.
func TestSerializeParseRoundTrip(t *testing.T) {
	msg, err := ParseMessage([]byte(rawInvite))
	require.NoError(t, err)

	out := msg.String()
	again, err := ParseMessage([]byte(out))
	require.NoError(t, err)

	assert.Equal(t, msg.StartLine(), again.StartLine())
	assert.Equal(t, msg.Headers(), again.Headers())
	assert.Equal(t, msg.Body(), again.Body())
	assert.Equal(t, out, again.String())
}

func TestSerializeInsertsContentLength(t *testing.T) {
	req := NewRequest(OPTIONS, Uri{Host: "10.0.0.2"})
	req.AppendHeader("Via", "SIP/2.0/UDP 10.1.1.1:5060;branch=z9hG4bKo1")
	req.AppendHeader("Call-ID", "opts@10.1.1.1")
	req.AppendHeader("CSeq", "1 OPTIONS")

	out := req.String()
	assert.Contains(t, out, "Content-Length: 0\r\n")
	assert.True(t, strings.HasSuffix(out, "\r\n\r\n"), "missing blank separator line")

	req.SetBody("v=0")
	assert.Contains(t, req.String(), "Content-Length: 3\r\n")
}

func TestSerializeCanonicalCapitalization(t *testing.T) {
	req := NewRequest(INFO, Uri{Host: "10.0.0.2"})
	req.AppendHeader("content-type", "application/dtmf-relay")
	req.AppendHeader("CALL-ID", "caps@x")
	req.AppendHeader("cseq", "2 INFO")
	req.AppendHeader("record-route", "<sip:gw;lr>")

	out := req.String()
	assert.Contains(t, out, "Content-Type: application/dtmf-relay\r\n")
	assert.Contains(t, out, "Call-ID: caps@x\r\n")
	assert.Contains(t, out, "CSeq: 2 INFO\r\n")
	assert.Contains(t, out, "Record-Route: <sip:gw;lr>\r\n")
}
