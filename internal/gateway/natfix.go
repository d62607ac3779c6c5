package gateway

import (
	"net"
	"strconv"

	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

// applyNATFixup rewrites the top Via of an inbound request when the peer
// asked for symmetric response routing with the rport token: rport becomes
// the datagram's real source port, and received carries the real source
// address whenever the advertised sent-by differs from it. The rewrite is
// idempotent for a fixed source address and is echoed verbatim in responses.
func (e *Engine) applyNATFixup(req *sip.Request) {
	via, err := req.Via()
	if err != nil || !via.Params.Has("rport") {
		return
	}

	host, portStr, err := net.SplitHostPort(req.Source())
	if err != nil {
		return
	}
	srcPort, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}

	via.Params.Add("rport", portStr)
	viaPort := via.Port
	if viaPort == 0 {
		viaPort = sip.DefaultPort
	}
	if via.Host != host || viaPort != srcPort {
		via.Params.Add("received", host)
	}

	req.ReplaceHeader("Via", via.String())
}
