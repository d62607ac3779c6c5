// Package rtpengine speaks the media relay's UDP control protocol: cookie
// prefixed JSON request/response pairs, one outstanding request per cookie.
package rtpengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fedexin/webrtc-sip-gateway/internal/metrics"
	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

const (
	// Every relay call is bounded by this timeout per attempt.
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	// Linear backoff base between attempts: 1s, 2s.
	backoffStep = time.Second
)

// request is the wire payload. Profile fields are inlined next to the call
// identification.
type request struct {
	Command string `json:"command"`
	CallID  string `json:"call-id"`
	FromTag string `json:"from-tag"`
	ToTag   string `json:"to-tag,omitempty"`
	SDP     string `json:"sdp,omitempty"`
	Profile
}

type response struct {
	Result      string `json:"result"`
	SDP         string `json:"sdp,omitempty"`
	ErrorReason string `json:"error-reason,omitempty"`
}

// FatalError marks a non-ok relay verdict: the call leg is dead, retrying
// cannot help.
type FatalError struct {
	Command string
	Reason  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("relay %s failed: %s", e.Command, e.Reason)
}

// Stats is the snapshot the health endpoint reports.
type Stats struct {
	Requests uint64 `json:"requests"`
	Failures uint64 `json:"failures"`
	Running  bool   `json:"running"`
}

// Client is the gateway side of the relay control socket.
type Client struct {
	conn    *net.UDPConn
	timeout time.Duration
	backoff time.Duration

	running  atomic.Bool
	requests atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan response

	log zerolog.Logger
}

// Dial connects the control socket and starts the reader. The daemon is not
// probed here; call Ping to verify it answers.
func Dial(addr string) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve relay %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial relay %q: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		timeout: requestTimeout,
		backoff: backoffStep,
		pending: make(map[string]chan response),
	}
	c.log = log.Logger.With().Str("caller", "rtpengine.Client").Str("relay", addr).Logger()
	c.running.Store(true)
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if c.running.Load() {
				c.log.Warn().Err(err).Msg("relay socket read failed")
			}
			return
		}
		cookie, payload, ok := splitCookie(buf[:n])
		if !ok {
			c.log.Warn().Msg("relay datagram without cookie, dropped")
			continue
		}
		var res response
		if err := json.Unmarshal(payload, &res); err != nil {
			c.log.Warn().Err(err).Str("cookie", cookie).Msg("malformed relay response")
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[cookie]
		delete(c.pending, cookie)
		c.mu.Unlock()
		if !ok {
			// Late reply for a request that already timed out.
			continue
		}
		ch <- res
	}
}

func splitCookie(data []byte) (cookie string, payload []byte, ok bool) {
	s := string(data)
	sp := strings.IndexByte(s, ' ')
	if sp <= 0 || sp == len(s)-1 {
		return "", nil, false
	}
	return s[:sp], data[sp+1:], true
}

// do performs one relay command with bounded retries. Timeouts and transport
// errors retry with linear backoff; a non-ok verdict is fatal immediately.
func (c *Client) do(ctx context.Context, req request) (response, error) {
	if !c.running.Load() {
		return response{}, fmt.Errorf("relay client stopped")
	}
	metrics.RelayRequests.WithLabelValues(req.Command).Inc()
	c.requests.Add(1)

	payload, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("marshal relay %s: %w", req.Command, err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * c.backoff):
			case <-ctx.Done():
				c.fail(req.Command)
				return response{}, ctx.Err()
			}
		}

		res, err := c.attempt(ctx, req.Command, payload)
		if err == nil {
			if res.Result != "ok" && res.Result != "pong" {
				c.fail(req.Command)
				return response{}, &FatalError{Command: req.Command, Reason: res.ErrorReason}
			}
			return res, nil
		}
		lastErr = err
		c.log.Warn().Err(err).Str("command", req.Command).Int("attempt", attempt).Msg("relay attempt failed")
	}

	c.fail(req.Command)
	return response{}, fmt.Errorf("relay %s exhausted %d attempts: %w", req.Command, maxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, command string, payload []byte) (response, error) {
	cookie := sip.RandHex(16)
	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[cookie] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cookie)
		c.mu.Unlock()
	}()

	datagram := make([]byte, 0, len(cookie)+1+len(payload))
	datagram = append(datagram, cookie...)
	datagram = append(datagram, ' ')
	datagram = append(datagram, payload...)
	if _, err := c.conn.Write(datagram); err != nil {
		return response{}, fmt.Errorf("relay write: %w", err)
	}

	select {
	case res := <-ch:
		return res, nil
	case <-time.After(c.timeout):
		return response{}, fmt.Errorf("relay %s timed out after %s", command, c.timeout)
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (c *Client) fail(command string) {
	metrics.RelayFailures.WithLabelValues(command).Inc()
	c.failures.Add(1)
}

// Ping verifies the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, request{Command: "ping", CallID: "ping", FromTag: "ping"})
	return err
}

// Offer submits an SDP offer and returns the translated SDP.
func (c *Client) Offer(ctx context.Context, callID, fromTag, sdp string, profile Profile) (string, error) {
	res, err := c.do(ctx, request{
		Command: "offer",
		CallID:  callID,
		FromTag: fromTag,
		SDP:     sdp,
		Profile: profile,
	})
	if err != nil {
		return "", err
	}
	return res.SDP, nil
}

// Answer submits an SDP answer and returns the translated SDP.
func (c *Client) Answer(ctx context.Context, callID, fromTag, toTag, sdp string, profile Profile) (string, error) {
	res, err := c.do(ctx, request{
		Command: "answer",
		CallID:  callID,
		FromTag: fromTag,
		ToTag:   toTag,
		SDP:     sdp,
		Profile: profile,
	})
	if err != nil {
		return "", err
	}
	return res.SDP, nil
}

// Delete tears the relay session down. Errors are reported but the call is
// gone either way.
func (c *Client) Delete(ctx context.Context, callID, fromTag string) error {
	_, err := c.do(ctx, request{Command: "delete", CallID: callID, FromTag: fromTag})
	return err
}

// Stats snapshots the request counters for the health payload.
func (c *Client) Stats() Stats {
	return Stats{
		Requests: c.requests.Load(),
		Failures: c.failures.Load(),
		Running:  c.running.Load(),
	}
}

// Close rejects new operations and shuts the socket down.
func (c *Client) Close() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	return c.conn.Close()
}
