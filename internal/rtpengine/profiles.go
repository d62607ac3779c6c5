package rtpengine

// Profile is the per-direction instruction set handed to the media relay.
// The relay bridges plain RTP with DTLS-SRTP and mediates ICE, so the
// requested output differs per call direction and phase.
type Profile struct {
	TransportProtocol string   `json:"transport-protocol,omitempty"`
	ICE               string   `json:"ICE,omitempty"`
	DTLS              string   `json:"DTLS,omitempty"`
	RtcpMux           []string `json:"rtcp-mux,omitempty"`
	CodecStrip        []string `json:"codec-strip,omitempty"`
	CodecOffer        []string `json:"codec-offer,omitempty"`
	Flags             []string `json:"flags,omitempty"`
}

// OutboundOffer shapes the browser's offer for the telephony peer: plain
// RTP, no ICE, telephony codecs.
func OutboundOffer() Profile {
	return Profile{
		TransportProtocol: "RTP/AVP",
		ICE:               "remove",
		RtcpMux:           []string{"demux"},
		CodecStrip:        []string{"opus"},
		CodecOffer:        []string{"PCMU", "PCMA"},
	}
}

// OutboundAnswer shapes the telephony peer's answer for the browser:
// DTLS-SRTP with forced ICE.
func OutboundAnswer() Profile {
	return Profile{
		TransportProtocol: "UDP/TLS/RTP/SAVPF",
		ICE:               "force",
		DTLS:              "passive",
		RtcpMux:           []string{"offer"},
		CodecStrip:        []string{"telephone-event"},
		CodecOffer:        []string{"opus", "PCMU", "PCMA"},
	}
}

// InboundOffer shapes the telephony peer's offer for the browser.
func InboundOffer() Profile {
	return Profile{
		TransportProtocol: "UDP/TLS/RTP/SAVPF",
		ICE:               "force",
		DTLS:              "passive",
		RtcpMux:           []string{"require"},
	}
}

// InboundAnswer is intentionally empty: the relay reuses the offer phase's
// parameters, so the answer carries only call-id, tags and sdp.
func InboundAnswer() Profile {
	return Profile{}
}

// ReInviteOffer mirrors the transport and ICE treatment of the dialog's
// original direction and asks the relay to regenerate mid attributes.
func ReInviteOffer(incoming bool) Profile {
	var p Profile
	if incoming {
		p = InboundOffer()
	} else {
		p = OutboundOffer()
	}
	p.Flags = append(p.Flags, "generate-mid")
	return p
}
