package gateway

import (
	"strings"

	"github.com/fedexin/webrtc-sip-gateway/internal/dialog"
	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

const allowedMethods = "INVITE, ACK, CANCEL, BYE, INFO, OPTIONS"

// contact is the gateway's Contact header value at its advertised address.
func (e *Engine) contact() string {
	var b strings.Builder
	b.WriteString("\"")
	b.WriteString(displayName)
	b.WriteString("\" <sip:gateway@")
	b.WriteString(e.contactAddr())
	b.WriteString(">")
	return b.String()
}

// decorate adds the dialog-establishing headers to 180 and 200 responses:
// Contact, Allow, Supported, Record-Route, and the local tag on To when the
// To is still untagged.
func (e *Engine) decorate(res *sip.Response, localTag string) {
	res.ReplaceHeader("Contact", e.contact())
	res.ReplaceHeader("Allow", allowedMethods)
	res.ReplaceHeader("Supported", "replaces, timer")
	res.ReplaceHeader("Record-Route", "<sip:"+e.contactAddr()+";lr>")

	if to, err := res.To(); err == nil && to.Tag() == "" {
		to.SetTag(localTag)
		res.ReplaceHeader("To", to.String())
	}
}

// newDialogRequest builds a mid-dialog request (BYE, INFO) with fresh branch
// and the dialog's next sequence number. The From/To orientation follows the
// dialog: for incoming dialogs the From echoes the original To with our
// local tag and the To echoes the original From; for outgoing dialogs the
// From is the gateway identity with our local tag and the To is the target
// with the learned remote tag.
func (e *Engine) newDialogRequest(d *dialog.Dialog, method sip.RequestMethod) *sip.Request {
	var recipient sip.Uri
	var from, to string

	if d.Direction == dialog.Incoming {
		origFrom, _ := d.OriginRequest.From()
		origTo, _ := d.OriginRequest.To()

		local := origTo.Clone()
		local.SetTag(d.LocalTag())
		from = local.String()
		to = origFrom.String()
		recipient = origFrom.Uri.Clone()
	} else {
		from = e.gatewayIdentity(d.LocalTag())
		target := sip.NameAddr{Uri: d.TargetURI.Clone()}
		if tag := d.RemoteTag(); tag != "" {
			target.SetTag(tag)
		}
		to = target.String()
		recipient = d.TargetURI.Clone()
	}

	req := sip.NewRequest(method, recipient)
	req.AppendHeader("Via", e.newVia())
	req.AppendHeader("Max-Forwards", "70")
	req.AppendHeader("From", from)
	req.AppendHeader("To", to)
	req.AppendHeader("Call-ID", d.ID)
	req.AppendHeader("CSeq", (&sip.CSeq{SeqNo: d.NextCSeq(), MethodName: method}).String())
	req.AppendHeader("Contact", e.contact())

	// Incoming dialogs route hop-by-hop to the address the INVITE actually
	// came from; NAT may have masked everything else.
	if d.Direction == dialog.Incoming {
		req.SetDestination(d.OriginAddr)
	} else {
		req.SetDestination(e.cfg.ServerAddr)
	}
	return req
}

// gatewayIdentity is the From the gateway presents on outgoing requests.
func (e *Engine) gatewayIdentity(tag string) string {
	na := sip.NameAddr{
		DisplayName: displayName,
		Uri:         sip.Uri{User: "gateway", Host: e.cfg.Domain},
	}
	na.SetTag(tag)
	return na.String()
}

// newVia builds a fresh top Via for an outgoing request.
func (e *Engine) newVia() string {
	v := sip.Via{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            e.cfg.PublicIP,
		Port:            e.cfg.LocalPort,
	}
	v.Params = sip.NewParams()
	v.Params.Add("branch", sip.GenerateBranch())
	v.Params.Add("rport", "")
	return v.String()
}
