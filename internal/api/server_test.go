package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedexin/webrtc-sip-gateway/internal/events"
	"github.com/fedexin/webrtc-sip-gateway/internal/hub"
	"github.com/fedexin/webrtc-sip-gateway/internal/rtpengine"
	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

type nopEngine struct{}

func (nopEngine) Place(context.Context, string, string, string) (string, error) { return "", nil }
func (nopEngine) Answer(context.Context, string, string) error                  { return nil }
func (nopEngine) Hangup(string) error                                           { return nil }
func (nopEngine) Reject(string, sip.StatusCode) error                           { return nil }

type fakeRelayStats struct {
	stats rtpengine.Stats
}

func (f *fakeRelayStats) Stats() rtpengine.Stats { return f.stats }

func newTestServer(t *testing.T, relay RelayStats) (*Server, *httptest.Server) {
	t.Helper()
	h := hub.New(nopEngine{}, events.NewBus())
	s := New("127.0.0.1:0", h, relay, false)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHealthEndpoint(t *testing.T) {
	relay := &fakeRelayStats{stats: rtpengine.Stats{Requests: 7, Failures: 1, Running: true}}
	_, ts := newTestServer(t, relay)

	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

	var payload struct {
		Status     string `json:"status"`
		SSLEnabled bool   `json:"sslEnabled"`
		PeerCount  int    `json:"peerCount"`
		CallCount  int    `json:"callCount"`
		Relay      struct {
			Requests uint64 `json:"requests"`
			Failures uint64 `json:"failures"`
			Running  bool   `json:"running"`
		} `json:"relay"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	assert.Equal(t, "ok", payload.Status)
	assert.False(t, payload.SSLEnabled)
	assert.Equal(t, 0, payload.PeerCount)
	assert.Equal(t, uint64(7), payload.Relay.Requests)
	assert.True(t, payload.Relay.Running)
}

func TestHealthDegradedWhenRelayStopped(t *testing.T) {
	relay := &fakeRelayStats{stats: rtpengine.Stats{Running: false}}
	_, ts := newTestServer(t, relay)

	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()

	var payload struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	assert.Equal(t, "degraded", payload.Status)
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/health", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header.Get("Access-Control-Allow-Methods"), "OPTIONS")
}

func TestStatusPageAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "WebRTC-SIP Gateway")

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	res, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestWebsocketUpgrade(t *testing.T) {
	_, ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	// The greeting may arrive in the same TCP segment as the handshake
	// response, in which case Dial hands it back in the buffered reader.
	var rd io.Reader = conn
	if br != nil {
		rd = br
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	data, _, err := wsutil.ReadServerData(struct {
		io.Reader
		io.Writer
	}{rd, conn})
	require.NoError(t, err)

	var greeting struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &greeting))
	assert.Equal(t, "connected", greeting.Type)
}
