package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fedexin/webrtc-sip-gateway/internal/api"
	"github.com/fedexin/webrtc-sip-gateway/internal/config"
	"github.com/fedexin/webrtc-sip-gateway/internal/dialog"
	"github.com/fedexin/webrtc-sip-gateway/internal/events"
	"github.com/fedexin/webrtc-sip-gateway/internal/gateway"
	"github.com/fedexin/webrtc-sip-gateway/internal/hub"
	"github.com/fedexin/webrtc-sip-gateway/internal/rtpengine"
	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
	"github.com/fedexin/webrtc-sip-gateway/internal/transaction"
	"github.com/fedexin/webrtc-sip-gateway/internal/transport"
)

func main() {
	os.Exit(run())
}

// noSIPEngine keeps the websocket hub functional when ENABLE_SIP_GATEWAY is
// off: browser-to-browser signaling still works, telephony calls fail fast.
type noSIPEngine struct{}

var errSIPDisabled = errors.New("sip gateway is disabled")

func (noSIPEngine) Place(context.Context, string, string, string) (string, error) {
	return "", errSIPDisabled
}
func (noSIPEngine) Answer(context.Context, string, string) error { return errSIPDisabled }
func (noSIPEngine) Hangup(string) error                          { return nil }
func (noSIPEngine) Reject(string, sip.StatusCode) error          { return nil }

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(cfg.LogLevel)

	log.Info().
		Int("port", cfg.Port).
		Bool("ssl", cfg.EnableSSL).
		Bool("sip", cfg.EnableSIPGateway).
		Str("public_ip", cfg.PublicIP).
		Msg("starting gateway")

	bus := events.NewBus()

	var (
		engine hub.Engine = noSIPEngine{}
		relay  api.RelayStats
	)

	if cfg.EnableSIPGateway {
		client, err := rtpengine.Dial(cfg.RTPEngineAddr())
		if err != nil {
			log.Error().Err(err).Str("addr", cfg.RTPEngineAddr()).Msg("cannot reach media relay")
			return 1
		}
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = client.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("addr", cfg.RTPEngineAddr()).Msg("media relay not answering")
			return 1
		}
		relay = client

		tpl, err := transport.Listen(cfg.LocalSIPAddr())
		if err != nil {
			log.Error().Err(err).Str("addr", cfg.LocalSIPAddr()).Msg("cannot bind sip socket")
			return 1
		}
		defer tpl.Close()

		txl := transaction.NewLayer(tpl)
		dialogs := dialog.NewStore(cfg.MaxSessions)
		eng := gateway.New(gateway.Config{
			Domain:     cfg.SIPDomain,
			PublicIP:   cfg.PublicIP,
			LocalPort:  cfg.LocalSIPPort,
			ServerAddr: cfg.SIPServerAddr(),
		}, tpl, txl, dialogs, client, bus)
		tpl.OnMessage(eng.HandleMessage)

		go func() {
			if err := tpl.Serve(); err != nil {
				log.Error().Err(err).Msg("sip transport stopped")
			}
		}()
		log.Info().Str("addr", cfg.LocalSIPAddr()).Str("server", cfg.SIPServerAddr()).Msg("sip gateway up")

		engine = eng
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
			defer cancel()
			eng.Shutdown(ctx)
		}()
	}

	h := hub.New(engine, bus)
	srv := api.New(sip.HostPort("0.0.0.0", cfg.Port), h, relay, cfg.EnableSSL)

	errCh := make(chan error, 1)
	go func() {
		if cfg.EnableSSL {
			errCh <- srv.ListenAndServeTLS(cfg.SSLCert, cfg.SSLKey)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			return 1
		}
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return 0
}
