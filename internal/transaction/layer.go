package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

// Sender pushes a serialized message out the wire. The transport layer
// satisfies it; tests plug in a recorder.
type Sender interface {
	Send(msg sip.Message) error
}

// ResponseHandler is invoked for every response matched to a client
// transaction. A transaction holds only the dialog identifier, never dialog
// state: dispatch looks the dialog up, so destroying a dialog cannot leave a
// live callback pointing at it. timedOut marks the synthetic 408 built on
// Timer B/F expiry.
type ResponseHandler func(dialogID string, res *sip.Response, timedOut bool)

// clientTx is the record for one outbound request awaiting responses.
type clientTx struct {
	key      string
	dialogID string
	method   sip.RequestMethod
	req      *sip.Request
	created  time.Time

	retransmit *time.Timer
	expiry     *time.Timer
	interval   time.Duration
	responded  bool
}

// serverTx remembers the last response sent for an inbound INVITE so a
// retransmitted INVITE is answered by replay instead of a second dialog.
// expiry bounds the record's lifetime: without it, INVITEs that never grow a
// dialog (rejects, drops) would pile up entries forever.
type serverTx struct {
	key        string
	remembered *sip.Response
	created    time.Time
	expiry     *time.Timer
}

// Layer owns the client and server transaction stores.
type Layer struct {
	sender     Sender
	onResponse ResponseHandler

	// Base timer values, shortened in tests.
	t1 time.Duration
	t2 time.Duration

	mu      sync.Mutex
	clients map[string]*clientTx
	servers map[string]*serverTx
	closed  bool

	log zerolog.Logger
}

func NewLayer(sender Sender) *Layer {
	txl := &Layer{
		sender:  sender,
		t1:      T1,
		t2:      T2,
		clients: make(map[string]*clientTx),
		servers: make(map[string]*serverTx),
		onResponse: func(dialogID string, res *sip.Response, timedOut bool) {
			log.Warn().Str("caller", "transaction.Layer").Str("dialog", dialogID).Msg("Response dropped. OnResponse handler not set")
		},
	}
	txl.log = log.Logger.With().Str("caller", "transaction.Layer").Logger()
	return txl
}

// OnResponse sets the single dispatch point for matched responses. Must be
// set before the first Request.
func (txl *Layer) OnResponse(h ResponseHandler) {
	txl.onResponse = h
}

// expireAfter is Timer B for INVITE and Timer F otherwise; both 64*T1.
func (txl *Layer) expireAfter() time.Duration {
	return 64 * txl.t1
}

// Request registers a client transaction for req and sends it. The request
// is retransmitted at T1 doubling up to T2 until any response arrives, and
// expires with a synthetic 408 after Timer B/F.
func (txl *Layer) Request(req *sip.Request, dialogID string) error {
	if req.IsAck() {
		return fmt.Errorf("ACK is transaction-less, send it through the transport")
	}

	key, err := ClientTxKey(req)
	if err != nil {
		return err
	}

	txl.mu.Lock()
	if txl.closed {
		txl.mu.Unlock()
		return fmt.Errorf("transaction layer closed")
	}
	if _, exists := txl.clients[key]; exists {
		txl.mu.Unlock()
		return fmt.Errorf("client transaction %q already exists", key)
	}

	tx := &clientTx{
		key:      key,
		dialogID: dialogID,
		method:   req.Method,
		req:      req,
		created:  time.Now(),
		interval: txl.t1,
	}
	tx.retransmit = time.AfterFunc(tx.interval, func() { txl.retransmit(key) })
	tx.expiry = time.AfterFunc(txl.expireAfter(), func() { txl.expire(key) })
	txl.clients[key] = tx
	txl.mu.Unlock()

	if err := txl.sender.Send(req); err != nil {
		txl.dropClient(key)
		return err
	}

	txl.log.Debug().Str("key", key).Str("dialog", dialogID).Str("method", string(req.Method)).Msg("client transaction started")
	return nil
}

// HandleResponse matches res against the client store and dispatches it.
// Returns false when no transaction matches; the caller decides what an
// unmatched response means.
func (txl *Layer) HandleResponse(res *sip.Response) bool {
	key, err := ClientTxKey(res)
	if err != nil {
		txl.log.Debug().Err(err).Msg("response without transaction key")
		return false
	}

	txl.mu.Lock()
	tx, ok := txl.clients[key]
	if !ok {
		txl.mu.Unlock()
		return false
	}

	// Any response stops retransmission of the request.
	tx.responded = true
	tx.retransmit.Stop()

	if res.IsFinal() {
		// Final responses consume the transaction; provisional ones keep it
		// alive so later responses still match.
		tx.expiry.Stop()
		delete(txl.clients, key)
	}
	dialogID := tx.dialogID
	txl.mu.Unlock()

	txl.onResponse(dialogID, res, false)
	return true
}

// retransmit resends the request, doubling the interval up to T2.
func (txl *Layer) retransmit(key string) {
	txl.mu.Lock()
	tx, ok := txl.clients[key]
	if !ok || tx.responded {
		txl.mu.Unlock()
		return
	}
	req := tx.req
	tx.interval *= 2
	if tx.interval > txl.t2 {
		tx.interval = txl.t2
	}
	tx.retransmit.Reset(tx.interval)
	txl.mu.Unlock()

	if err := txl.sender.Send(req); err != nil {
		txl.log.Warn().Err(err).Str("key", key).Msg("retransmit send failed")
	}
}

// expire fires Timer B/F: the transaction is removed and the handler sees a
// synthetic 408 with the timeout flag set.
func (txl *Layer) expire(key string) {
	txl.mu.Lock()
	tx, ok := txl.clients[key]
	if !ok {
		txl.mu.Unlock()
		return
	}
	tx.retransmit.Stop()
	delete(txl.clients, key)
	dialogID := tx.dialogID
	req := tx.req
	txl.mu.Unlock()

	txl.log.Info().Str("key", key).Str("dialog", dialogID).Msg("transaction timed out")
	res := sip.NewResponseFromRequest(req, sip.StatusRequestTimeout, sip.StatusText(sip.StatusRequestTimeout), "")
	txl.onResponse(dialogID, res, true)
}

func (txl *Layer) dropClient(key string) {
	txl.mu.Lock()
	defer txl.mu.Unlock()
	if tx, ok := txl.clients[key]; ok {
		tx.retransmit.Stop()
		tx.expiry.Stop()
		delete(txl.clients, key)
	}
}

// Track registers a server transaction key. Returns false when the key was
// already seen, which marks the request as a retransmission. The record
// evicts itself after Timer H unless an ACK evicts it first.
func (txl *Layer) Track(key string) bool {
	txl.mu.Lock()
	defer txl.mu.Unlock()
	if txl.closed {
		return false
	}
	if _, exists := txl.servers[key]; exists {
		return false
	}
	tx := &serverTx{key: key, created: time.Now()}
	tx.expiry = time.AfterFunc(txl.expireAfter(), func() { txl.Evict(key) })
	txl.servers[key] = tx
	return true
}

// RememberResponse stores the response to replay for retransmissions of this
// server transaction. The first response at 180 or above sticks; a final
// response overrides a remembered provisional one.
func (txl *Layer) RememberResponse(key string, res *sip.Response) {
	if res.StatusCode < sip.StatusRinging {
		return
	}
	txl.mu.Lock()
	defer txl.mu.Unlock()
	tx, ok := txl.servers[key]
	if !ok {
		return
	}
	if tx.remembered == nil || (tx.remembered.IsProvisional() && res.IsFinal()) {
		tx.remembered = res
	}
	if res.IsFinal() {
		// Restart Timer H from the final response: retransmissions keep
		// being absorbed for the full ACK wait.
		tx.expiry.Reset(txl.expireAfter())
	}
}

// Remembered returns the response to replay for a retransmitted request.
func (txl *Layer) Remembered(key string) (*sip.Response, bool) {
	txl.mu.Lock()
	defer txl.mu.Unlock()
	tx, ok := txl.servers[key]
	if !ok || tx.remembered == nil {
		return nil, false
	}
	return tx.remembered, true
}

// Evict drops a server transaction. Called on ACK, when the dialog becomes
// the authoritative record for the call, and by the record's own expiry.
func (txl *Layer) Evict(key string) {
	txl.mu.Lock()
	defer txl.mu.Unlock()
	if tx, ok := txl.servers[key]; ok {
		tx.expiry.Stop()
		delete(txl.servers, key)
	}
}

// Stats reports live transaction counts.
func (txl *Layer) Stats() (clients, servers int) {
	txl.mu.Lock()
	defer txl.mu.Unlock()
	return len(txl.clients), len(txl.servers)
}

// Close stops all timers and rejects new transactions. Pending callbacks are
// not invoked.
func (txl *Layer) Close() {
	txl.mu.Lock()
	defer txl.mu.Unlock()
	if txl.closed {
		return
	}
	txl.closed = true
	for key, tx := range txl.clients {
		tx.retransmit.Stop()
		tx.expiry.Stop()
		delete(txl.clients, key)
	}
	for key, tx := range txl.servers {
		tx.expiry.Stop()
		delete(txl.servers, key)
	}
	txl.log.Debug().Msg("transaction layer closed")
}
