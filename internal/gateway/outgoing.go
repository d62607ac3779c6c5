package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/fedexin/webrtc-sip-gateway/internal/dialog"
	"github.com/fedexin/webrtc-sip-gateway/internal/events"
	"github.com/fedexin/webrtc-sip-gateway/internal/metrics"
	"github.com/fedexin/webrtc-sip-gateway/internal/rtpengine"
	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

// Place starts an outgoing call from a browser user to a telephony target.
// The offer must already be a flattened SDP string. Returns the new call id.
func (e *Engine) Place(ctx context.Context, user, target, offerSDP string) (string, error) {
	if err := validateSDP(offerSDP); err != nil {
		return "", fmt.Errorf("offer rejected: %w", err)
	}

	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return "", fmt.Errorf("bad target %q: %w", target, err)
	}

	callID := sip.GenerateCallID(e.cfg.PublicIP)
	d := dialog.New(callID, dialog.Outgoing, user)
	d.TargetURI = targetURI
	if err := e.dialogs.Put(d); err != nil {
		return "", err
	}
	metrics.ActiveCalls.Set(float64(e.dialogs.Len()))
	metrics.CallsStarted.WithLabelValues(string(dialog.Outgoing)).Inc()

	translated, err := e.relay.Offer(ctx, callID, d.LocalTag(), offerSDP, rtpengine.OutboundOffer())
	if err != nil {
		e.cleanup(d)
		return "", fmt.Errorf("relay offer: %w", err)
	}
	if err := validateSDP(translated); err != nil {
		e.cleanup(d)
		return "", fmt.Errorf("relay offer produced bad sdp: %w", err)
	}

	invite := e.buildInvite(d, translated)
	d.SentInvite = invite
	d.SetSeqNo(1)
	if err := e.txl.Request(invite, callID); err != nil {
		e.cleanup(d)
		return "", fmt.Errorf("send invite: %w", err)
	}

	e.log.Info().Str("call_id", callID).Str("user", user).Str("target", target).Msg("outgoing call placed")
	return callID, nil
}

func (e *Engine) buildInvite(d *dialog.Dialog, body string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, d.TargetURI.Clone())
	req.AppendHeader("Via", e.newVia())
	req.AppendHeader("Max-Forwards", "70")
	req.AppendHeader("From", e.gatewayIdentity(d.LocalTag()))
	req.AppendHeader("To", (&sip.NameAddr{Uri: d.TargetURI.Clone()}).String())
	req.AppendHeader("Call-ID", d.ID)
	req.AppendHeader("CSeq", "1 INVITE")
	req.AppendHeader("Contact", e.contact())
	req.AppendHeader("Allow", allowedMethods)
	req.AppendHeader("Content-Type", "application/sdp")
	req.SetBody(body)

	// A target inside the gateway's own domain is not routable by DNS here;
	// it goes to the configured upstream server instead.
	if d.TargetURI.Host == e.cfg.Domain {
		req.SetDestination(e.cfg.ServerAddr)
	}
	return req
}

// handleInviteResponse drives an outgoing dialog from the responses to its
// INVITE.
func (e *Engine) handleInviteResponse(d *dialog.Dialog, res *sip.Response) {
	switch {
	case res.StatusCode == sip.StatusRinging:
		if d.Ring() {
			e.bus.Publish(events.Ringing{Meta: events.NewMeta(d.ID, d.PeerUser)})
		}

	case res.IsProvisional():
		// 100 Trying and 183 Session Progress: the transaction layer already
		// stopped retransmission, the dialog state does not move.

	case res.IsSuccess():
		e.establishOutgoing(d, res)

	default:
		e.log.Info().Str("call_id", d.ID).Int("status", int(res.StatusCode)).Msg("call failed")
		e.failCall(d, res.Reason, int(res.StatusCode))
	}
}

func (e *Engine) establishOutgoing(d *dialog.Dialog, res *sip.Response) {
	if to, err := res.To(); err == nil {
		d.SetRemoteTag(to.Tag())
	}
	if !d.Establish() {
		// Late 2xx after cleanup.
		e.log.Warn().Str("call_id", d.ID).Str("state", d.State()).Msg("2xx in unexpected state, ignored")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	translated, err := e.relay.Answer(ctx, d.ID, d.LocalTag(), d.RemoteTag(), res.Body(), rtpengine.OutboundAnswer())
	if err != nil {
		e.sendAck(d, res)
		e.failCall(d, "relay-error", int(sip.StatusInternalError))
		return
	}
	if err := validateSDP(translated); err != nil {
		e.sendAck(d, res)
		e.failCall(d, "validation-error", int(sip.StatusInternalError))
		return
	}

	// The ACK goes out before the upper layer hears about the answer.
	e.sendAck(d, res)
	e.bus.Publish(events.Answered{Meta: events.NewMeta(d.ID, d.PeerUser), SDP: translated})
}

// sendAck acknowledges a 2xx. The ACK for a 2xx is transaction-less and
// fire-and-forget; it routes to the response's Contact when one is present,
// falling back to the upstream server.
func (e *Engine) sendAck(d *dialog.Dialog, res *sip.Response) {
	recipient := d.TargetURI.Clone()
	dest := e.cfg.ServerAddr
	if contact, ok := res.GetHeader("Contact"); ok {
		var na sip.NameAddr
		if err := sip.ParseNameAddr(contact, &na); err == nil {
			recipient = na.Uri.Clone()
			dest = na.Uri.HostPort()
		}
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	ack.AppendHeader("Via", e.newVia())
	ack.AppendHeader("Max-Forwards", "70")
	sip.CopyHeaders("From", res, ack)
	sip.CopyHeaders("To", res, ack)
	ack.AppendHeader("Call-ID", d.ID)
	cseq, err := res.CSeq()
	seqNo := d.SeqNo()
	if err == nil {
		seqNo = cseq.SeqNo
	}
	ack.AppendHeader("CSeq", (&sip.CSeq{SeqNo: seqNo, MethodName: sip.ACK}).String())
	ack.SetDestination(dest)

	if err := e.sender.Send(ack); err != nil {
		e.log.Warn().Err(err).Str("call_id", d.ID).Msg("ack send failed")
	}
}
