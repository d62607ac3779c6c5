package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []sip.Message
}

func (s *recordingSender) Send(msg sip.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestRequest(method sip.RequestMethod, branch string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{User: "bob", Host: "10.0.0.2"})
	req.AppendHeader("Via", "SIP/2.0/UDP 10.1.1.1:5060;branch="+branch)
	req.AppendHeader("From", "<sip:gw@10.1.1.1>;tag=aaaa")
	req.AppendHeader("To", "<sip:bob@10.0.0.2>")
	req.AppendHeader("Call-ID", "tx-test@10.1.1.1")
	req.AppendHeader("CSeq", "1 "+string(method))
	return req
}

func TestTxKeyFoldsOnlyAckIntoInvite(t *testing.T) {
	invite := newTestRequest(sip.INVITE, "z9hG4bKkey1")
	ack := newTestRequest(sip.ACK, "z9hG4bKkey1")

	ik, err := ClientTxKey(invite)
	require.NoError(t, err)
	ak, err := ClientTxKey(ack)
	require.NoError(t, err)
	assert.Equal(t, ik, ak)

	// CANCEL shares the INVITE's branch but is its own transaction: the 200
	// answering it must not consume the INVITE transaction.
	cancel := newTestRequest(sip.CANCEL, "z9hG4bKkey1")
	ck, err := ClientTxKey(cancel)
	require.NoError(t, err)
	assert.NotEqual(t, ik, ck)

	bye := newTestRequest(sip.BYE, "z9hG4bKkey1")
	bk, err := ClientTxKey(bye)
	require.NoError(t, err)
	assert.NotEqual(t, ik, bk)
}

func TestOkToCancelDoesNotMatchInviteTx(t *testing.T) {
	txl := NewLayer(&recordingSender{})
	defer txl.Close()
	txl.OnResponse(func(string, *sip.Response, bool) {})

	invite := newTestRequest(sip.INVITE, "z9hG4bKcx")
	require.NoError(t, txl.Request(invite, "dlg-1"))

	okToCancel := sip.NewResponseFromRequest(newTestRequest(sip.CANCEL, "z9hG4bKcx"), sip.StatusOK, "OK", "")
	assert.False(t, txl.HandleResponse(okToCancel))

	// The INVITE transaction is still live for the 487 that follows.
	terminated := sip.NewResponseFromRequest(invite, sip.StatusRequestTerminated, "Request Terminated", "")
	assert.True(t, txl.HandleResponse(terminated))
}

func TestTxKeyRequiresBranch(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Host: "10.0.0.2"})
	req.AppendHeader("Via", "SIP/2.0/UDP 10.1.1.1:5060")
	req.AppendHeader("Call-ID", "x@y")
	req.AppendHeader("CSeq", "1 INVITE")
	_, err := ClientTxKey(req)
	require.Error(t, err)
}

func TestClientTxLifecycle(t *testing.T) {
	sender := &recordingSender{}
	txl := NewLayer(sender)
	defer txl.Close()

	type dispatch struct {
		dialogID string
		status   sip.StatusCode
		timedOut bool
	}
	var mu sync.Mutex
	var got []dispatch
	txl.OnResponse(func(dialogID string, res *sip.Response, timedOut bool) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, dispatch{dialogID, res.StatusCode, timedOut})
	})

	req := newTestRequest(sip.INVITE, "z9hG4bKlife")
	require.NoError(t, txl.Request(req, "dlg-1"))
	assert.Equal(t, 1, sender.count())

	clients, _ := txl.Stats()
	assert.Equal(t, 1, clients)

	// A provisional response dispatches but keeps the transaction alive.
	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", "")
	assert.True(t, txl.HandleResponse(ringing))
	clients, _ = txl.Stats()
	assert.Equal(t, 1, clients)

	// The final response consumes it.
	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", "")
	assert.True(t, txl.HandleResponse(ok))
	clients, _ = txl.Stats()
	assert.Equal(t, 0, clients)

	// Further responses no longer match.
	assert.False(t, txl.HandleResponse(ok))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, dispatch{"dlg-1", sip.StatusRinging, false}, got[0])
	assert.Equal(t, dispatch{"dlg-1", sip.StatusOK, false}, got[1])
}

func TestClientTxRejectsAckAndDuplicates(t *testing.T) {
	txl := NewLayer(&recordingSender{})
	defer txl.Close()
	txl.OnResponse(func(string, *sip.Response, bool) {})

	ack := newTestRequest(sip.ACK, "z9hG4bKdup")
	require.Error(t, txl.Request(ack, "dlg-1"))

	req := newTestRequest(sip.INVITE, "z9hG4bKdup")
	require.NoError(t, txl.Request(req, "dlg-1"))
	require.Error(t, txl.Request(req.Clone(), "dlg-1"))
}

func TestClientTxRetransmitsUntilResponse(t *testing.T) {
	sender := &recordingSender{}
	txl := NewLayer(sender)
	defer txl.Close()
	txl.OnResponse(func(string, *sip.Response, bool) {})
	txl.t1 = 5 * time.Millisecond
	txl.t2 = 20 * time.Millisecond

	req := newTestRequest(sip.BYE, "z9hG4bKretr")
	require.NoError(t, txl.Request(req, "dlg-1"))

	require.Eventually(t, func() bool { return sender.count() >= 3 },
		time.Second, time.Millisecond)

	// A response stops the retransmit schedule. An in-flight retransmit may
	// still land, but the schedule must be dead after that.
	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", "")
	require.True(t, txl.HandleResponse(ok))
	time.Sleep(50 * time.Millisecond)
	n := sender.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, sender.count())
}

func TestClientTxTimeout(t *testing.T) {
	sender := &recordingSender{}
	txl := NewLayer(sender)
	defer txl.Close()
	txl.t1 = time.Millisecond
	txl.t2 = 2 * time.Millisecond

	done := make(chan struct{})
	txl.OnResponse(func(dialogID string, res *sip.Response, timedOut bool) {
		assert.Equal(t, "dlg-t", dialogID)
		assert.Equal(t, sip.StatusRequestTimeout, res.StatusCode)
		assert.True(t, timedOut)
		close(done)
	})

	req := newTestRequest(sip.INVITE, "z9hG4bKto")
	require.NoError(t, txl.Request(req, "dlg-t"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timer B never fired")
	}
	clients, _ := txl.Stats()
	assert.Equal(t, 0, clients)
}

func TestServerTxReplay(t *testing.T) {
	txl := NewLayer(&recordingSender{})
	defer txl.Close()

	req := newTestRequest(sip.INVITE, "z9hG4bKsrv")
	key, err := ServerTxKey(req)
	require.NoError(t, err)

	assert.True(t, txl.Track(key))
	// The same key again is a retransmission.
	assert.False(t, txl.Track(key))

	// 100 Trying is never remembered.
	trying := sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", "")
	txl.RememberResponse(key, trying)
	_, ok := txl.Remembered(key)
	assert.False(t, ok)

	ringing := sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", "")
	txl.RememberResponse(key, ringing)
	got, ok := txl.Remembered(key)
	require.True(t, ok)
	assert.Equal(t, sip.StatusRinging, got.StatusCode)

	// A final response overrides the remembered provisional one.
	okRes := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", "")
	txl.RememberResponse(key, okRes)
	got, ok = txl.Remembered(key)
	require.True(t, ok)
	assert.Equal(t, sip.StatusOK, got.StatusCode)

	// Another final does not replace the first.
	txl.RememberResponse(key, sip.NewResponseFromRequest(req, sip.StatusDecline, "Decline", ""))
	got, _ = txl.Remembered(key)
	assert.Equal(t, sip.StatusOK, got.StatusCode)

	txl.Evict(key)
	_, ok = txl.Remembered(key)
	assert.False(t, ok)
	assert.True(t, txl.Track(key))
}

func TestServerTxExpires(t *testing.T) {
	txl := NewLayer(&recordingSender{})
	defer txl.Close()
	txl.t1 = time.Millisecond

	req := newTestRequest(sip.INVITE, "z9hG4bKexp")
	key, err := ServerTxKey(req)
	require.NoError(t, err)

	// A rejected INVITE never sees an ACK-driven eviction; the record must
	// still go away on its own.
	require.True(t, txl.Track(key))
	txl.RememberResponse(key, sip.NewResponseFromRequest(req, sip.StatusInternalError, "Internal Server Error", ""))
	require.Eventually(t, func() bool {
		_, servers := txl.Stats()
		return servers == 0
	}, time.Second, time.Millisecond)

	// Same for one that was tracked and then dropped without any response.
	require.True(t, txl.Track(key))
	require.Eventually(t, func() bool {
		_, servers := txl.Stats()
		return servers == 0
	}, time.Second, time.Millisecond)
}

func TestCloseStopsEverything(t *testing.T) {
	sender := &recordingSender{}
	txl := NewLayer(sender)
	txl.OnResponse(func(string, *sip.Response, bool) {
		t.Error("no dispatch expected after Close")
	})
	txl.t1 = time.Millisecond
	txl.t2 = 2 * time.Millisecond

	req := newTestRequest(sip.INVITE, "z9hG4bKcl")
	require.NoError(t, txl.Request(req, "dlg-1"))
	txl.Close()

	clients, servers := txl.Stats()
	assert.Equal(t, 0, clients)
	assert.Equal(t, 0, servers)

	require.Error(t, txl.Request(newTestRequest(sip.BYE, "z9hG4bKcl2"), "dlg-1"))
	time.Sleep(100 * time.Millisecond)
}
