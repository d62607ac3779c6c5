package hub

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Peer is one websocket client. Reads happen on the run goroutine; writes
// are serialized behind wmu so heartbeat pings, event frames, and replies
// never interleave on the wire.
type Peer struct {
	hub  *Hub
	conn net.Conn

	mu   sync.Mutex
	name string

	wmu sync.Mutex

	alive  chan struct{}
	closed chan struct{}
	once   sync.Once

	log zerolog.Logger
}

func newPeer(h *Hub, conn net.Conn) *Peer {
	p := &Peer{
		hub:    h,
		conn:   conn,
		alive:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	p.log = log.Logger.With().Str("caller", "hub.Peer").Str("remote", conn.RemoteAddr().String()).Logger()
	return p
}

func (p *Peer) username() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Peer) setUsername(name string) {
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

// send marshals and writes one frame. Errors only close the connection; the
// read loop notices and unwinds.
func (p *Peer) send(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		p.log.Error().Err(err).Str("type", f.Type).Msg("marshal frame")
		return
	}
	p.wmu.Lock()
	err = wsutil.WriteServerMessage(p.conn, ws.OpText, data)
	p.wmu.Unlock()
	if err != nil {
		p.close()
	}
}

func (p *Peer) writeControl(frame ws.Frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return ws.WriteFrame(p.conn, frame)
}

func (p *Peer) markAlive() {
	select {
	case p.alive <- struct{}{}:
	default:
	}
}

func (p *Peer) close() {
	p.once.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

// run is the peer lifecycle: greeting, heartbeat, read loop, teardown.
func (p *Peer) run() {
	defer p.close()
	defer p.hub.unregister(p)

	p.send(Frame{Type: "connected"})
	go p.heartbeat()
	p.readLoop()
}

// heartbeat pings on a fixed interval. A pong between pings resets the
// strike count; two consecutive silent intervals terminate the peer.
func (p *Peer) heartbeat() {
	ticker := time.NewTicker(p.hub.heartbeat)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			select {
			case <-p.alive:
				missed = 0
			default:
				missed++
			}
			if missed >= 2 {
				p.log.Info().Str("user", p.username()).Msg("peer missed heartbeats, closing")
				p.close()
				return
			}
			if err := p.writeControl(ws.NewPingFrame(nil)); err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *Peer) readLoop() {
	rd := wsutil.NewReader(p.conn, ws.StateServerSide)

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if err != io.EOF {
				p.log.Debug().Err(err).Msg("read frame")
			}
			return
		}

		if hdr.OpCode.IsControl() {
			if !p.handleControl(hdr, rd) {
				return
			}
			continue
		}

		if hdr.Length > maxFrameSize {
			if err := rd.Discard(); err != nil {
				return
			}
			p.send(Frame{Type: "error", Message: "Message too large"})
			continue
		}

		payload, err := io.ReadAll(io.LimitReader(rd, maxFrameSize+1))
		if err != nil {
			return
		}
		if err := rd.Discard(); err != nil {
			return
		}
		if len(payload) > maxFrameSize {
			p.send(Frame{Type: "error", Message: "Message too large"})
			continue
		}

		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			p.send(Frame{Type: "error", Message: "Invalid JSON"})
			continue
		}
		p.hub.handleFrame(p, &f)
	}
}

// handleControl consumes a control frame. Returns false when the connection
// should stop (close frame or write failure).
func (p *Peer) handleControl(hdr ws.Header, rd *wsutil.Reader) bool {
	payload, err := io.ReadAll(rd)
	if err != nil {
		return false
	}

	switch hdr.OpCode {
	case ws.OpPong:
		p.markAlive()
		return true
	case ws.OpPing:
		return p.writeControl(ws.NewPongFrame(payload)) == nil
	case ws.OpClose:
		p.writeControl(ws.NewCloseFrame(nil))
		return false
	}
	return true
}
