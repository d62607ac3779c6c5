// Package api is the HTTP face of the gateway: websocket upgrades for
// browser signaling, a health snapshot, Prometheus metrics, and a plain
// status page.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fedexin/webrtc-sip-gateway/internal/hub"
	"github.com/fedexin/webrtc-sip-gateway/internal/rtpengine"
)

// RelayStats is implemented by the rtpengine client; a nil provider reports
// a stopped relay.
type RelayStats interface {
	Stats() rtpengine.Stats
}

// Server wires the HTTP mux. Start/Shutdown wrap the underlying http.Server.
type Server struct {
	hub   *hub.Hub
	relay RelayStats

	sslEnabled bool
	startedAt  time.Time

	srv *http.Server
	log zerolog.Logger
}

type healthPayload struct {
	Status     string          `json:"status"`
	SSLEnabled bool            `json:"sslEnabled"`
	UptimeSec  int64           `json:"uptimeSec"`
	PeerCount  int             `json:"peerCount"`
	CallCount  int             `json:"callCount"`
	Relay      rtpengine.Stats `json:"relay"`
}

func New(addr string, h *hub.Hub, relay RelayStats, sslEnabled bool) *Server {
	s := &Server{
		hub:        h,
		relay:      relay,
		sslEnabled: sslEnabled,
		startedAt:  time.Now(),
	}
	s.log = log.Logger.With().Str("caller", "api.Server").Logger()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           withCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.srv.Addr).Bool("ssl", s.sslEnabled).Msg("http listening")
	return s.srv.ListenAndServe()
}

// ListenAndServeTLS is the SSL variant.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	s.log.Info().Str("addr", s.srv.Addr).Bool("ssl", true).Msg("https listening")
	return s.srv.ListenAndServeTLS(certFile, keyFile)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// withCORS answers preflights and stamps permissive CORS headers. The
// signaling endpoint is meant to be reachable from any origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>WebRTC-SIP Gateway</h1><p>%d peers connected, %d active calls.</p><p><a href=\"/health\">health</a> | <a href=\"/metrics\">metrics</a></p></body></html>",
		s.hub.PeerCount(), s.hub.CallCount())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := healthPayload{
		Status:     "ok",
		SSLEnabled: s.sslEnabled,
		UptimeSec:  int64(time.Since(s.startedAt).Seconds()),
		PeerCount:  s.hub.PeerCount(),
		CallCount:  s.hub.CallCount(),
	}
	if s.relay != nil {
		payload.Relay = s.relay.Stats()
	}
	if !payload.Relay.Running && s.relay != nil {
		payload.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// handleWS upgrades and hands the raw connection to the hub. The hub owns
// the connection from here on.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	go s.hub.ServeConn(conn)
}
