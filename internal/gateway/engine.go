// Package gateway implements the signaling engine: the state machine that
// bridges browser peers to telephony peers, one dialog per call, with the
// media relay rewriting SDP in both directions.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fedexin/webrtc-sip-gateway/internal/dialog"
	"github.com/fedexin/webrtc-sip-gateway/internal/events"
	"github.com/fedexin/webrtc-sip-gateway/internal/metrics"
	"github.com/fedexin/webrtc-sip-gateway/internal/rtpengine"
	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
	"github.com/fedexin/webrtc-sip-gateway/internal/transaction"
)

// maxRetransmits caps the 2xx reliability ladder.
const maxRetransmits = 7

// displayName is what the gateway calls itself in Contact and From.
const displayName = "WebRTC Gateway"

// Relay is the slice of the media relay client the engine uses.
type Relay interface {
	Offer(ctx context.Context, callID, fromTag, sdp string, profile rtpengine.Profile) (string, error)
	Answer(ctx context.Context, callID, fromTag, toTag, sdp string, profile rtpengine.Profile) (string, error)
	Delete(ctx context.Context, callID, fromTag string) error
}

// Config is the engine's identity and routing knobs.
type Config struct {
	// Domain is the SIP domain the gateway answers for.
	Domain string
	// PublicIP and LocalPort form the advertised transport address.
	PublicIP  string
	LocalPort int
	// ServerAddr is the upstream telephony server, host:port.
	ServerAddr string
}

// Engine drives every dialog. All inbound traffic funnels through
// HandleMessage; the hub calls Place, Answer, Hangup and Reject.
type Engine struct {
	cfg     Config
	sender  transaction.Sender
	txl     *transaction.Layer
	dialogs *dialog.Store
	relay   Relay
	bus     *events.Bus

	// Timer bases, shortened in tests.
	t1 time.Duration
	t2 time.Duration

	// Tracks in-flight hangups so shutdown can wait for them.
	hangups sync.WaitGroup

	log zerolog.Logger
}

func New(cfg Config, sender transaction.Sender, txl *transaction.Layer, dialogs *dialog.Store, relay Relay, bus *events.Bus) *Engine {
	e := &Engine{
		cfg:     cfg,
		sender:  sender,
		txl:     txl,
		dialogs: dialogs,
		relay:   relay,
		bus:     bus,
		t1:      transaction.T1,
		t2:      transaction.T2,
	}
	e.log = log.Logger.With().Str("caller", "gateway.Engine").Logger()
	txl.OnResponse(e.onResponse)
	return e
}

// HandleMessage is the transport's dispatch point for everything inbound.
func (e *Engine) HandleMessage(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		e.applyNATFixup(m)
		e.handleRequest(m)
	case *sip.Response:
		if !e.txl.HandleResponse(m) {
			e.log.Debug().Str("msg", m.Short()).Msg("response matched no transaction, dropped")
		}
	}
}

func (e *Engine) handleRequest(req *sip.Request) {
	switch req.Method {
	case sip.INVITE:
		e.handleInvite(req)
	case sip.ACK:
		e.handleAck(req)
	case sip.BYE:
		e.handleBye(req)
	case sip.CANCEL:
		e.handleCancel(req)
	case sip.INFO:
		e.handleInfo(req)
	case sip.OPTIONS:
		e.handleOptions(req)
	default:
		e.reply(req, sip.StatusNotImplemented, "")
	}
}

// onResponse is the single dispatch point for client transaction responses;
// only INVITEs run through client transactions, everything else the gateway
// sends is fire-and-forget.
func (e *Engine) onResponse(dialogID string, res *sip.Response, timedOut bool) {
	d, ok := e.dialogs.Get(dialogID)
	if !ok {
		// Dialog destroyed while the response was in flight; a late 2xx
		// after cleanup is a no-op.
		e.log.Debug().Str("call_id", dialogID).Str("msg", res.Short()).Msg("response for unknown dialog, dropped")
		return
	}

	if timedOut {
		e.log.Info().Str("call_id", d.ID).Msg("request timed out")
		e.failCall(d, "request-timeout", int(sip.StatusRequestTimeout))
		return
	}
	e.handleInviteResponse(d, res)
}

// reply builds a response from the request and sends it. The rewritten Via
// is echoed verbatim, so NAT corrections survive.
func (e *Engine) reply(req *sip.Request, status sip.StatusCode, body string) *sip.Response {
	res := sip.NewResponseFromRequest(req, status, sip.StatusText(status), body)
	if err := e.sender.Send(res); err != nil {
		e.log.Warn().Err(err).Str("call_id", req.CallID()).Int("status", int(status)).Msg("reply send failed")
	}
	return res
}

// failCall publishes a failure event and tears the dialog down.
func (e *Engine) failCall(d *dialog.Dialog, reason string, status int) {
	metrics.CallsFailed.WithLabelValues(reason).Inc()
	e.bus.Publish(events.Failed{Meta: events.NewMeta(d.ID, d.PeerUser), Reason: reason, Status: status})
	e.cleanup(d)
}

// cleanup is the only destruction path a dialog has. Idempotent: the first
// caller flips the dialog to terminating and wins, everyone else no-ops, so
// the relay sees exactly one delete per call.
func (e *Engine) cleanup(d *dialog.Dialog) {
	if !d.BeginTerminate() {
		return
	}
	d.StopTimers()

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	if err := e.relay.Delete(ctx, d.ID, e.relayFromTag(d)); err != nil {
		e.log.Warn().Err(err).Str("call_id", d.ID).Msg("relay delete failed")
	}

	if d.TxKey != "" {
		e.txl.Evict(d.TxKey)
	}
	e.dialogs.Delete(d.ID)
	metrics.ActiveCalls.Set(float64(e.dialogs.Len()))
	d.Destroy()
	e.log.Info().Str("call_id", d.ID).Str("direction", string(d.Direction)).Msg("dialog destroyed")
}

// relayFromTag is the tag the relay session was created under: the offer
// originator's tag.
func (e *Engine) relayFromTag(d *dialog.Dialog) string {
	if d.Direction == dialog.Incoming {
		return d.RemoteTag()
	}
	return d.LocalTag()
}

// contactAddr is the advertised transport address.
func (e *Engine) contactAddr() string {
	return sip.HostPort(e.cfg.PublicIP, e.cfg.LocalPort)
}

// Shutdown hangs up every live dialog and waits for the hangups to finish.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, d := range e.dialogs.All() {
		d := d
		e.hangups.Add(1)
		go func() {
			defer e.hangups.Done()
			e.Hangup(d.ID)
		}()
	}

	done := make(chan struct{})
	go func() {
		e.hangups.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.log.Warn().Msg("shutdown deadline hit with hangups still in flight")
	}
	e.txl.Close()
}
