// Package transport moves SIP datagrams over UDP. One socket serves both
// directions; any goroutine may send.
package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

// UDP datagrams above this size do not occur on sane SIP deployments.
const readBufferSize = 65535

// Layer is the UDP transport. It reads datagrams, parses them and hands
// messages up; outbound messages are serialized and written to their
// Destination address.
type Layer struct {
	conn    *net.UDPConn
	handler sip.MessageHandler

	mu     sync.Mutex
	closed bool

	log zerolog.Logger
}

// Listen binds the UDP socket. Serve must be called to start reading.
func Listen(addr string) (*Layer, error) {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", addr, err)
	}

	tpl := &Layer{
		conn:    conn,
		handler: func(msg sip.Message) {},
	}
	tpl.log = log.Logger.With().Str("caller", "transport.Layer").Logger()
	return tpl, nil
}

// OnMessage sets the handler all parsed inbound messages go to. Must be set
// before Serve.
func (tpl *Layer) OnMessage(h sip.MessageHandler) {
	tpl.handler = h
}

// LocalAddr returns the bound socket address, useful when listening on an
// ephemeral port.
func (tpl *Layer) LocalAddr() *net.UDPAddr {
	return tpl.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams until the socket closes. Malformed datagrams are
// logged and dropped; the loop never dies on bad input.
func (tpl *Layer) Serve() error {
	buf := make([]byte, readBufferSize)
	for {
		n, raddr, err := tpl.conn.ReadFromUDP(buf)
		if err != nil {
			tpl.mu.Lock()
			closed := tpl.closed
			tpl.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}

		data := buf[:n]
		if isKeepalive(data) {
			continue
		}

		msg, err := sip.ParseMessage(data)
		if err != nil {
			tpl.log.Warn().Err(err).Str("src", raddr.String()).Msg("dropping malformed datagram")
			continue
		}

		msg.SetSource(raddr.String())
		tpl.handler(msg)
	}
}

// Send serializes msg and writes it to msg.Destination().
func (tpl *Layer) Send(msg sip.Message) error {
	dest := msg.Destination()
	if dest == "" {
		return fmt.Errorf("message has no destination: %s", msg.Short())
	}
	raddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return fmt.Errorf("resolve destination %q: %w", dest, err)
	}

	data := msg.String()
	if _, err := tpl.conn.WriteToUDP([]byte(data), raddr); err != nil {
		return fmt.Errorf("udp write to %s: %w", dest, err)
	}

	tpl.log.Debug().Str("dest", dest).Str("msg", msg.StartLine()).Msg("sent")
	return nil
}

// Close shuts the socket down and makes Serve return nil.
func (tpl *Layer) Close() error {
	tpl.mu.Lock()
	if tpl.closed {
		tpl.mu.Unlock()
		return nil
	}
	tpl.closed = true
	tpl.mu.Unlock()
	return tpl.conn.Close()
}

// isKeepalive reports whether the datagram is a CRLF keepalive ping rather
// than a SIP message.
func isKeepalive(data []byte) bool {
	if len(data) == 0 || len(data) > 4 {
		return false
	}
	for _, c := range data {
		if c != '\r' && c != '\n' {
			return false
		}
	}
	return true
}
