// Package hub is the browser side of the gateway: a registry of named peers
// on websocket channels, JSON signaling between them, and the bridge that
// turns engine events into frames and browser frames into engine calls.
package hub

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fedexin/webrtc-sip-gateway/internal/events"
	"github.com/fedexin/webrtc-sip-gateway/internal/metrics"
	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

// heartbeatInterval is how often peers are pinged; two consecutive missed
// pongs terminate the peer.
const heartbeatInterval = 30 * time.Second

// Engine is the slice of the signaling engine the hub drives.
type Engine interface {
	Place(ctx context.Context, user, target, sdp string) (string, error)
	Answer(ctx context.Context, callID, sdp string) error
	Hangup(callID string) error
	Reject(callID string, status sip.StatusCode) error
}

// callEntry links an engine-managed call to the browser peer that owns it.
type callEntry struct {
	user        string
	origin      string // "telephony" or "browser"
	counterpart string
}

// Hub owns the peer registry and the active-call index.
type Hub struct {
	engine    Engine
	heartbeat time.Duration

	mu    sync.RWMutex
	peers map[string]*Peer
	calls map[string]callEntry

	log zerolog.Logger
}

func New(engine Engine, bus *events.Bus) *Hub {
	h := &Hub{
		engine:    engine,
		heartbeat: heartbeatInterval,
		peers:     make(map[string]*Peer),
		calls:     make(map[string]callEntry),
	}
	h.log = log.Logger.With().Str("caller", "hub.Hub").Logger()
	bus.Subscribe(h.onEvent)
	return h
}

// ServeConn runs a freshly upgraded websocket connection until it closes.
func (h *Hub) ServeConn(conn net.Conn) {
	p := newPeer(h, conn)
	p.run()
}

// PeerCount reports registered peers, for the health payload.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// CallCount reports engine-linked calls the hub tracks.
func (h *Hub) CallCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.calls)
}

func (h *Hub) peer(name string) *Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[name]
}

func (h *Hub) usernames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.peers))
	for name := range h.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// register claims a username for a peer. Uniqueness is enforced here.
func (h *Hub) register(p *Peer, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.peers[name]; taken {
		return false
	}
	h.peers[name] = p
	metrics.ConnectedPeers.Set(float64(len(h.peers)))
	return true
}

// unregister removes a departing peer and hangs up every engine call it
// owned.
func (h *Hub) unregister(p *Peer) {
	name := p.username()
	if name == "" {
		return
	}

	h.mu.Lock()
	if h.peers[name] != p {
		h.mu.Unlock()
		return
	}
	delete(h.peers, name)
	metrics.ConnectedPeers.Set(float64(len(h.peers)))
	var owned []string
	for callID, entry := range h.calls {
		if entry.user == name {
			owned = append(owned, callID)
			delete(h.calls, callID)
		}
	}
	h.mu.Unlock()

	for _, callID := range owned {
		if err := h.engine.Hangup(callID); err != nil {
			h.log.Warn().Err(err).Str("call_id", callID).Msg("hangup on disconnect failed")
		}
	}
	h.broadcast(Frame{Type: "user-left", Username: name}, name)
	h.log.Info().Str("user", name).Msg("peer left")
}

func (h *Hub) addCall(callID string, entry callEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls[callID] = entry
}

func (h *Hub) call(callID string) (callEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.calls[callID]
	return entry, ok
}

func (h *Hub) removeCall(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.calls, callID)
}

// incomingCallFor finds the telephony-origin call a user is the callee of,
// for answers that arrive without an explicit call id.
func (h *Hub) incomingCallFor(user string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for callID, entry := range h.calls {
		if entry.user == user && entry.origin == "telephony" {
			return callID, true
		}
	}
	return "", false
}

// broadcast sends a frame to every registered peer except one.
func (h *Hub) broadcast(f Frame, except string) {
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.peers))
	for name, p := range h.peers {
		if name != except {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()
	for _, p := range targets {
		p.send(f)
	}
}

// onEvent turns engine events into frames for the owning browser peer.
func (h *Hub) onEvent(ev events.Event) {
	meta := ev.EventMeta()

	switch v := ev.(type) {
	case events.Incoming:
		p := h.peer(meta.User)
		if p == nil {
			// Nobody home for this username; the caller hears 480.
			h.log.Info().Str("call_id", meta.CallID).Str("user", meta.User).Msg("incoming call for unreachable peer")
			if err := h.engine.Reject(meta.CallID, sip.StatusTemporarilyUnavail); err != nil {
				h.log.Warn().Err(err).Str("call_id", meta.CallID).Msg("reject unreachable failed")
			}
			return
		}
		h.addCall(meta.CallID, callEntry{user: meta.User, origin: "telephony", counterpart: v.From})
		p.send(Frame{Type: "incoming-call", From: v.From, CallID: meta.CallID, SDP: sdpString(v.SDP)})

	case events.Ringing:
		h.sendTo(meta.User, Frame{Type: "call-ringing", CallID: meta.CallID})

	case events.Answered:
		h.sendTo(meta.User, Frame{Type: "call-answered", CallID: meta.CallID, SDP: sdpString(v.SDP)})

	case events.Failed:
		h.removeCall(meta.CallID)
		h.sendTo(meta.User, Frame{Type: "call-failed", CallID: meta.CallID, Reason: v.Reason})

	case events.Ended:
		h.removeCall(meta.CallID)
		h.sendTo(meta.User, Frame{Type: "call-ended", CallID: meta.CallID, Reason: v.Reason})

	case events.DTMF:
		h.sendTo(meta.User, Frame{Type: "dtmf", CallID: meta.CallID, Digit: v.Digit, Duration: v.Duration})

	case events.Renegotiation:
		h.sendTo(meta.User, Frame{Type: "media-renegotiation", CallID: meta.CallID, SDP: sdpString(v.SDP)})
	}
}

func (h *Hub) sendTo(user string, f Frame) {
	if p := h.peer(user); p != nil {
		p.send(f)
	}
}

// telephonyTarget reports whether a call-request target leaves the browser
// world. Usernames cannot contain @ or a scheme.
func telephonyTarget(to string) bool {
	return strings.HasPrefix(to, "sip:") || strings.HasPrefix(to, "sips:") || strings.Contains(to, "@")
}

// handleFrame dispatches one parsed client frame.
func (h *Hub) handleFrame(p *Peer, f *Frame) {
	if f.Type == "register" {
		h.handleRegister(p, f)
		return
	}
	if p.username() == "" {
		p.send(Frame{Type: "error", Message: "Register first"})
		return
	}

	switch f.Type {
	case "call-request":
		h.handleCallRequest(p, f)
	case "call-response":
		h.handleCallResponse(p, f)
	case "offer", "ice-candidate":
		h.forward(p, f)
	case "answer":
		h.handleAnswer(p, f)
	case "hangup", "hang-up":
		h.handleHangup(p, f)
	case "reject":
		h.handleReject(p, f)
	default:
		p.send(Frame{Type: "error", Message: "Unknown message type"})
	}
}

func (h *Hub) handleRegister(p *Peer, f *Frame) {
	name := f.Username
	if !usernameRe.MatchString(name) {
		p.send(Frame{Type: "error", Message: "Invalid username"})
		return
	}
	if p.username() != "" {
		p.send(Frame{Type: "error", Message: "Already registered"})
		return
	}
	if !h.register(p, name) {
		p.send(Frame{Type: "error", Message: "Username taken"})
		return
	}
	p.setUsername(name)

	p.send(Frame{Type: "registered", Username: name})
	p.send(Frame{Type: "user-list", Users: h.usernames()})
	h.broadcast(Frame{Type: "user-joined", Username: name}, name)
	h.log.Info().Str("user", name).Msg("peer registered")
}

func (h *Hub) handleCallRequest(p *Peer, f *Frame) {
	if !telephonyTarget(f.To) {
		h.forward(p, f)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	callID, err := h.engine.Place(ctx, p.username(), f.To, frameSDP(f))
	if err != nil {
		h.log.Warn().Err(err).Str("user", p.username()).Str("target", f.To).Msg("place failed")
		p.send(Frame{Type: "call-failed", Reason: err.Error()})
		return
	}
	h.addCall(callID, callEntry{user: p.username(), origin: "browser", counterpart: f.To})
}

func (h *Hub) handleCallResponse(p *Peer, f *Frame) {
	if f.CallID != "" {
		if entry, ok := h.call(f.CallID); ok && entry.user == p.username() {
			if f.Accepted != nil && !*f.Accepted {
				if err := h.engine.Reject(f.CallID, sip.StatusDecline); err != nil {
					h.log.Warn().Err(err).Str("call_id", f.CallID).Msg("decline failed")
				}
			}
			return
		}
	}
	h.forward(p, f)
}

func (h *Hub) handleAnswer(p *Peer, f *Frame) {
	if f.To != "" {
		h.forward(p, f)
		return
	}

	callID := f.CallID
	if callID == "" {
		var ok bool
		callID, ok = h.incomingCallFor(p.username())
		if !ok {
			p.send(Frame{Type: "error", Message: "No call to answer"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	if err := h.engine.Answer(ctx, callID, frameSDP(f)); err != nil {
		h.log.Warn().Err(err).Str("call_id", callID).Msg("answer failed")
		p.send(Frame{Type: "error", Message: "Answer failed"})
	}
}

func (h *Hub) handleHangup(p *Peer, f *Frame) {
	if f.CallID != "" {
		if entry, ok := h.call(f.CallID); ok && entry.user == p.username() {
			h.removeCall(f.CallID)
			if err := h.engine.Hangup(f.CallID); err != nil {
				h.log.Warn().Err(err).Str("call_id", f.CallID).Msg("hangup failed")
			}
			return
		}
	}
	if f.To != "" {
		h.forward(p, &Frame{Type: "hang-up", From: p.username(), To: f.To})
	}
}

func (h *Hub) handleReject(p *Peer, f *Frame) {
	if f.CallID != "" {
		if entry, ok := h.call(f.CallID); ok && entry.user == p.username() && entry.origin == "telephony" {
			if err := h.engine.Reject(f.CallID, sip.StatusDecline); err != nil {
				h.log.Warn().Err(err).Str("call_id", f.CallID).Msg("reject failed")
			}
			return
		}
	}
	if f.To != "" {
		h.forward(p, &Frame{Type: "call-rejected", From: p.username(), To: f.To})
	}
}

// forward relays a frame verbatim to another browser peer, stamping the
// sender.
func (h *Hub) forward(p *Peer, f *Frame) {
	target := h.peer(f.To)
	if target == nil {
		p.send(Frame{Type: "error", Message: "User not found"})
		return
	}
	out := *f
	out.From = p.username()
	target.send(out)
}
