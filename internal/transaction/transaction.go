// Package transaction implements the SIP transaction layer: client
// transactions with retransmission and expiry timers, and server transaction
// records that absorb retransmitted INVITEs by replaying the last response.
package transaction

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fedexin/webrtc-sip-gateway/internal/sip"
)

const (
	T1 = 500 * time.Millisecond
	T2 = 4 * time.Second

	// TimerB bounds a client INVITE transaction, TimerF a non-INVITE one.
	// Both are 64*T1 per RFC 3261.
	TimerB = 64 * T1
	TimerF = 64 * T1

	txSeparator = "__"
)

var (
	// ErrTimeout is wrapped into the synthetic 408 surfaced on Timer B/F
	// expiry.
	ErrTimeout = errors.New("transaction timeout")
)

// ClientTxKey derives the key a response is matched on: branch, call-id and
// cseq together, RFC 3261 - 17.1.3. ACK matches its INVITE; CANCEL is its own
// transaction (RFC 3261 - 9.1), so a 200 to a CANCEL never matches the
// pending INVITE.
func ClientTxKey(msg sip.Message) (string, error) {
	return txKey(msg)
}

// ServerTxKey derives the key retransmitted requests are matched on,
// RFC 3261 - 17.2.3.
func ServerTxKey(msg sip.Message) (string, error) {
	return txKey(msg)
}

func txKey(msg sip.Message) (string, error) {
	via, err := msg.Via()
	if err != nil {
		return "", fmt.Errorf("transaction key: %w", err)
	}
	branch := via.Branch()
	if branch == "" {
		return "", fmt.Errorf("transaction key: no branch in top Via of %s", msg.Short())
	}

	cseq, err := msg.CSeq()
	if err != nil {
		return "", fmt.Errorf("transaction key: %w", err)
	}
	method := cseq.MethodName
	if method == sip.ACK {
		method = sip.INVITE
	}

	callID := msg.CallID()
	if callID == "" {
		return "", fmt.Errorf("transaction key: no Call-ID in %s", msg.Short())
	}

	var b strings.Builder
	b.Grow(len(branch) + len(callID) + len(method) + 16)
	b.WriteString(branch)
	b.WriteString(txSeparator)
	b.WriteString(callID)
	b.WriteString(txSeparator)
	b.WriteString(strconv.Itoa(int(cseq.SeqNo)))
	b.WriteString(txSeparator)
	b.WriteString(string(method))
	return b.String(), nil
}
