package gateway

import (
	"fmt"

	"github.com/fedexin/webrtc-sip-gateway/internal/dialog"
	"github.com/fedexin/webrtc-sip-gateway/internal/events"
	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

// Hangup terminates a call from the gateway side, picking the right SIP
// goodbye for the dialog's state: BYE once media is up, CANCEL for an
// outgoing call still waiting on a final response, 603 for an incoming call
// still ringing. Unknown call ids are a no-op.
func (e *Engine) Hangup(callID string) error {
	d, ok := e.dialogs.Get(callID)
	if !ok {
		return nil
	}

	switch d.State() {
	case dialog.StateEstablished, dialog.StateAnswered:
		e.sendBye(d)
		e.bus.Publish(events.Ended{Meta: events.NewMeta(d.ID, d.PeerUser), Reason: "hangup"})
		e.cleanup(d)

	case dialog.StateCalling:
		if d.Direction == dialog.Outgoing {
			// Cleanup rides on the 487 the CANCEL provokes.
			e.sendCancel(d)
			return nil
		}
		e.cleanup(d)

	case dialog.StateRinging:
		if d.Direction == dialog.Incoming {
			return e.Reject(callID, sip.StatusDecline)
		}
		e.sendCancel(d)
		return nil

	default:
		// Already terminating; cleanup is someone else's job.
	}
	return nil
}

// Reject declines a ringing incoming call with the given status, typically
// 603 for a user decline or 480 when the target browser is unreachable.
func (e *Engine) Reject(callID string, status sip.StatusCode) error {
	d, ok := e.dialogs.Get(callID)
	if !ok {
		return nil
	}
	if d.Direction != dialog.Incoming {
		return fmt.Errorf("call %s is not incoming", callID)
	}
	if d.State() != dialog.StateRinging {
		return fmt.Errorf("call %s is past ringing", callID)
	}

	res := sip.NewResponseFromRequest(d.OriginRequest, status, sip.StatusText(status), "")
	e.decorate(res, d.LocalTag())
	if err := e.sender.Send(res); err != nil {
		e.log.Warn().Err(err).Str("call_id", d.ID).Int("status", int(status)).Msg("reject send failed")
	}
	e.txl.RememberResponse(d.TxKey, res)

	e.bus.Publish(events.Ended{Meta: events.NewMeta(d.ID, d.PeerUser), Reason: "rejected"})
	e.cleanup(d)
	return nil
}

// sendBye emits the in-dialog BYE, fire-and-forget.
func (e *Engine) sendBye(d *dialog.Dialog) {
	bye := e.newDialogRequest(d, sip.BYE)
	if err := e.sender.Send(bye); err != nil {
		e.log.Warn().Err(err).Str("call_id", d.ID).Msg("BYE send failed")
	}
}

// sendCancel aborts the pending outgoing INVITE. The CANCEL reuses the
// INVITE's branch and sequence number so the peer can match it.
func (e *Engine) sendCancel(d *dialog.Dialog) {
	if d.SentInvite == nil {
		e.log.Warn().Str("call_id", d.ID).Msg("no sent INVITE to cancel, cleaning up directly")
		e.cleanup(d)
		return
	}

	inv := d.SentInvite
	cancel := sip.NewRequest(sip.CANCEL, inv.Recipient.Clone())
	sip.CopyHeaders("Via", inv, cancel)
	cancel.AppendHeader("Max-Forwards", "70")
	sip.CopyHeaders("From", inv, cancel)
	sip.CopyHeaders("To", inv, cancel)
	cancel.AppendHeader("Call-ID", d.ID)
	if cseq, err := inv.CSeq(); err == nil {
		cancel.AppendHeader("CSeq", (&sip.CSeq{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL}).String())
	}
	cancel.SetDestination(inv.Destination())

	if err := e.sender.Send(cancel); err != nil {
		e.log.Warn().Err(err).Str("call_id", d.ID).Msg("CANCEL send failed")
		e.cleanup(d)
	}
}
