package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fedexin/webrtc-sip-gateway/internal/dialog"
	"github.com/fedexin/webrtc-sip-gateway/internal/events"
	"github.com/fedexin/webrtc-sip-gateway/internal/metrics"
	"github.com/fedexin/webrtc-sip-gateway/internal/rtpengine"
	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
	"github.com/fedexin/webrtc-sip-gateway/internal/transaction"
)

// handleInvite processes an initial INVITE from the telephony side, a
// retransmission of one, or a mid-dialog re-INVITE.
func (e *Engine) handleInvite(req *sip.Request) {
	key, err := transaction.ServerTxKey(req)
	if err != nil {
		e.log.Warn().Err(err).Str("msg", req.Short()).Msg("INVITE without transaction key, dropped")
		return
	}

	callID := req.CallID()
	if !e.txl.Track(key) {
		// Retransmission of an INVITE or re-INVITE: replay the last response
		// sent, never build a second dialog or relay session.
		metrics.RetriedInvites.Inc()
		if res, ok := e.txl.Remembered(key); ok {
			if err := e.sender.Send(res); err != nil {
				e.log.Warn().Err(err).Str("call_id", callID).Msg("replay send failed")
			}
		}
		return
	}

	if d, ok := e.dialogs.Get(callID); ok {
		if d.State() == dialog.StateEstablished {
			e.handleReInvite(d, req, key)
			return
		}
		// Same call id under a new branch while not established; nothing
		// sensible to do with it.
		e.log.Warn().Str("call_id", callID).Msg("INVITE for existing non-established dialog, dropped")
		return
	}

	from, err := req.From()
	if err != nil {
		e.log.Warn().Err(err).Str("call_id", callID).Msg("INVITE without From, dropped")
		return
	}
	to, err := req.To()
	if err != nil {
		e.log.Warn().Err(err).Str("call_id", callID).Msg("INVITE without To, dropped")
		return
	}

	// Capacity is answered before the body is even looked at: an overloaded
	// gateway says 503 regardless of what the INVITE carries.
	if e.dialogs.Full() {
		e.log.Warn().Str("call_id", callID).Msg("INVITE refused, at capacity")
		res := e.reply(req, sip.StatusServiceUnavailable, "")
		e.txl.RememberResponse(key, res)
		return
	}

	if err := validateSDP(req.Body()); err != nil {
		e.log.Info().Err(err).Str("call_id", callID).Msg("INVITE body rejected")
		res := e.reply(req, sip.StatusInternalError, "")
		e.txl.RememberResponse(key, res)
		return
	}

	d := dialog.New(callID, dialog.Incoming, to.Uri.User)
	d.OriginRequest = req
	d.OriginAddr = req.Source()
	d.TxKey = key
	d.SetRemoteTag(from.Tag())
	if cseq, err := req.CSeq(); err == nil {
		d.SetSeqNo(cseq.SeqNo)
	}

	if err := e.dialogs.Put(d); err != nil {
		e.log.Warn().Err(err).Str("call_id", callID).Msg("INVITE refused")
		res := e.reply(req, sip.StatusServiceUnavailable, "")
		e.txl.RememberResponse(key, res)
		return
	}
	metrics.ActiveCalls.Set(float64(e.dialogs.Len()))
	metrics.CallsStarted.WithLabelValues(string(dialog.Incoming)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	translated, err := e.relay.Offer(ctx, callID, from.Tag(), req.Body(), rtpengine.InboundOffer())
	if err != nil {
		e.log.Error().Err(err).Str("call_id", callID).Msg("relay offer failed")
		res := e.reply(req, sip.StatusInternalError, "")
		e.txl.RememberResponse(key, res)
		e.cleanup(d)
		return
	}

	e.reply(req, sip.StatusTrying, "")
	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, sip.StatusText(sip.StatusRinging), "")
	e.decorate(ringing, d.LocalTag())
	if err := e.sender.Send(ringing); err != nil {
		e.log.Warn().Err(err).Str("call_id", callID).Msg("180 send failed")
	}
	e.txl.RememberResponse(key, ringing)

	e.bus.Publish(events.Incoming{
		Meta: events.NewMeta(callID, d.PeerUser),
		From: from.Uri.User,
		To:   to.Uri.User,
		SDP:  translated,
	})
}

// Answer completes an incoming call with the browser's SDP answer. The SDP
// must already be flattened; any video section is stripped before it reaches
// the telephony leg.
func (e *Engine) Answer(ctx context.Context, callID, sdp string) error {
	d, ok := e.dialogs.Get(callID)
	if !ok {
		return fmt.Errorf("no dialog for call %s", callID)
	}
	if d.Direction != dialog.Incoming {
		return fmt.Errorf("call %s is not incoming", callID)
	}

	sdp, err := stripVideo(sdp)
	if err != nil {
		return fmt.Errorf("answer rejected: %w", err)
	}
	if err := validateSDP(sdp); err != nil {
		return fmt.Errorf("answer rejected: %w", err)
	}

	translated, err := e.relay.Answer(ctx, callID, d.RemoteTag(), d.LocalTag(), sdp, rtpengine.InboundAnswer())
	if err != nil {
		e.reply(d.OriginRequest, sip.StatusInternalError, "")
		e.failCall(d, "relay-error", int(sip.StatusInternalError))
		return fmt.Errorf("relay answer: %w", err)
	}

	if !d.Answer() {
		return fmt.Errorf("call %s cannot be answered in state %s", callID, d.State())
	}

	ok200 := sip.NewResponseFromRequest(d.OriginRequest, sip.StatusOK, sip.StatusText(sip.StatusOK), translated)
	e.decorate(ok200, d.LocalTag())
	ok200.ReplaceHeader("Content-Type", "application/sdp")
	if err := e.sender.Send(ok200); err != nil {
		e.log.Warn().Err(err).Str("call_id", callID).Msg("200 send failed")
	}
	e.txl.RememberResponse(d.TxKey, ok200)

	// 2xx reliability: retransmit on a backed-off ladder until the ACK, and
	// give the whole wait a Timer-H bound.
	e.scheduleRetransmit(d, ok200)
	d.SetTimer(dialog.TimerAckWait, 64*e.t1, func() { e.ackTimeout(d) })

	e.log.Info().Str("call_id", callID).Msg("incoming call answered")
	return nil
}

func (e *Engine) scheduleRetransmit(d *dialog.Dialog, res *sip.Response) {
	delay, ok := d.NextRetransmit(e.t1, e.t2, maxRetransmits)
	if !ok {
		return
	}
	d.SetTimer(dialog.TimerRetransmit, delay, func() {
		if d.AckReceived() || d.State() != dialog.StateAnswered {
			return
		}
		if err := e.sender.Send(res); err != nil {
			e.log.Warn().Err(err).Str("call_id", d.ID).Msg("2xx retransmit failed")
		}
		e.scheduleRetransmit(d, res)
	})
}

func (e *Engine) ackTimeout(d *dialog.Dialog) {
	if d.State() != dialog.StateAnswered {
		return
	}
	e.log.Warn().Str("call_id", d.ID).Msg("no ACK before Timer H, terminating")
	e.failCall(d, "ack-timeout", int(sip.StatusRequestTimeout))
}

// handleAck consumes the acknowledgement for an answered incoming call.
func (e *Engine) handleAck(req *sip.Request) {
	d, ok := e.dialogs.Get(req.CallID())
	if !ok {
		e.log.Warn().Str("call_id", req.CallID()).Msg("ACK without dialog, ignored")
		return
	}

	if !d.Ack() {
		// Duplicate ACK, or an ACK for a re-INVITE's 200.
		e.log.Debug().Str("call_id", d.ID).Str("state", d.State()).Msg("ACK absorbed")
		return
	}

	d.CancelTimer(dialog.TimerRetransmit)
	d.CancelTimer(dialog.TimerAckWait)
	if d.TxKey != "" {
		// The dialog is the authoritative record from here on.
		e.txl.Evict(d.TxKey)
	}
	e.log.Info().Str("call_id", d.ID).Msg("call established")
}

// handleBye terminates an established call at the telephony peer's request.
func (e *Engine) handleBye(req *sip.Request) {
	d, ok := e.dialogs.Get(req.CallID())
	if !ok {
		e.log.Warn().Str("call_id", req.CallID()).Msg("BYE without dialog, ignored")
		return
	}

	e.reply(req, sip.StatusOK, "")
	e.bus.Publish(events.Ended{Meta: events.NewMeta(d.ID, d.PeerUser), Reason: "bye"})
	e.cleanup(d)
}

// handleCancel aborts a ringing incoming call: 200 to the CANCEL itself,
// 487 to the original INVITE.
func (e *Engine) handleCancel(req *sip.Request) {
	d, ok := e.dialogs.Get(req.CallID())
	if !ok || d.Direction != dialog.Incoming || d.State() != dialog.StateRinging {
		// The transaction the CANCEL targets is already gone.
		e.log.Warn().Str("call_id", req.CallID()).Msg("CANCEL matched no ringing dialog, ignored")
		return
	}

	e.reply(req, sip.StatusOK, "")

	terminated := sip.NewResponseFromRequest(d.OriginRequest, sip.StatusRequestTerminated, sip.StatusText(sip.StatusRequestTerminated), "")
	e.decorate(terminated, d.LocalTag())
	if err := e.sender.Send(terminated); err != nil {
		e.log.Warn().Err(err).Str("call_id", d.ID).Msg("487 send failed")
	}
	e.txl.RememberResponse(d.TxKey, terminated)

	e.bus.Publish(events.Ended{Meta: events.NewMeta(d.ID, d.PeerUser), Reason: "cancelled"})
	e.cleanup(d)
}

// handleReInvite renegotiates media mid-dialog, e.g. hold/resume. The relay
// is invoked with the existing dialog tags and a direction-mirrored profile.
// Responses are remembered under the re-INVITE's own transaction key so its
// retransmissions replay instead of re-running the relay offer.
func (e *Engine) handleReInvite(d *dialog.Dialog, req *sip.Request, key string) {
	if err := validateSDP(req.Body()); err != nil {
		e.log.Info().Err(err).Str("call_id", d.ID).Msg("re-INVITE body rejected")
		res := e.reply(req, sip.StatusInternalError, "")
		e.txl.RememberResponse(key, res)
		return
	}
	metrics.ReInvites.Inc()
	e.log.Info().Str("call_id", d.ID).Bool("hold", isHold(req.Body())).Msg("re-INVITE")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	profile := rtpengine.ReInviteOffer(d.Direction == dialog.Incoming)
	translated, err := e.relay.Offer(ctx, d.ID, e.relayFromTag(d), req.Body(), profile)
	if err != nil {
		e.log.Error().Err(err).Str("call_id", d.ID).Msg("relay re-offer failed")
		res := e.reply(req, sip.StatusInternalError, "")
		e.txl.RememberResponse(key, res)
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, sip.StatusText(sip.StatusOK), translated)
	e.decorate(res, d.LocalTag())
	res.ReplaceHeader("Content-Type", "application/sdp")
	if err := e.sender.Send(res); err != nil {
		e.log.Warn().Err(err).Str("call_id", d.ID).Msg("re-INVITE 200 send failed")
	}
	e.txl.RememberResponse(key, res)

	e.bus.Publish(events.Renegotiation{Meta: events.NewMeta(d.ID, d.PeerUser), SDP: translated})
}

// handleInfo accepts out-of-band DTMF. Anything else carried over INFO is
// acknowledged and dropped.
func (e *Engine) handleInfo(req *sip.Request) {
	d, ok := e.dialogs.Get(req.CallID())
	if !ok {
		e.log.Warn().Str("call_id", req.CallID()).Msg("INFO without dialog, ignored")
		return
	}

	contentType, _ := req.GetHeader("Content-Type")
	if !strings.Contains(contentType, "application/dtmf-relay") {
		e.reply(req, sip.StatusOK, "")
		return
	}

	digit, duration, err := parseDTMF(req.Body())
	if err != nil {
		e.log.Info().Err(err).Str("call_id", d.ID).Msg("unparseable DTMF payload")
		e.reply(req, sip.StatusOK, "")
		return
	}

	e.reply(req, sip.StatusOK, "")
	metrics.DTMFDigitsReceived.Inc()
	e.bus.Publish(events.DTMF{Meta: events.NewMeta(d.ID, d.PeerUser), Digit: digit, Duration: duration})
}

// handleOptions answers capability probes and keepalives.
func (e *Engine) handleOptions(req *sip.Request) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, sip.StatusText(sip.StatusOK), "")
	res.ReplaceHeader("Allow", allowedMethods)
	res.ReplaceHeader("Supported", "replaces, timer")
	if err := e.sender.Send(res); err != nil {
		e.log.Warn().Err(err).Str("call_id", req.CallID()).Msg("OPTIONS reply failed")
	}
}

// parseDTMF reads a dtmf-relay body: Signal=<digit>, Duration=<ms>. The
// duration defaults to 160 ms when absent.
func parseDTMF(body string) (digit string, duration int, err error) {
	duration = 160
	for _, line := range strings.Split(body, "\n") {
		name, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "signal":
			digit = strings.ToUpper(value)
		case "duration":
			if ms, convErr := strconv.Atoi(value); convErr == nil {
				duration = ms
			}
		}
	}
	if digit == "" {
		return "", 0, fmt.Errorf("no Signal line in DTMF body")
	}
	if !isDTMFDigit(digit) {
		return "", 0, fmt.Errorf("invalid DTMF signal %q", digit)
	}
	return digit, duration, nil
}

func isDTMFDigit(s string) bool {
	if len(s) != 1 {
		return false
	}
	c := s[0]
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'D') || c == '*' || c == '#'
}
