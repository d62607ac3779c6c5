// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetriedInvites counts INVITE retransmissions absorbed by server
	// transaction replay.
	RetriedInvites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_retried_invites_total",
		Help: "Retransmitted INVITEs answered by response replay.",
	})

	// ReInvites counts mid-dialog renegotiations.
	ReInvites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_reinvites_total",
		Help: "Mid-dialog re-INVITEs accepted.",
	})

	// DTMFDigitsReceived counts digits delivered via INFO.
	DTMFDigitsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_dtmf_digits_received_total",
		Help: "DTMF digits received over SIP INFO.",
	})

	// CallsStarted counts dialogs created, by direction.
	CallsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_calls_started_total",
		Help: "Dialogs created.",
	}, []string{"direction"})

	// CallsFailed counts dialogs that ended in failure, by reason.
	CallsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_calls_failed_total",
		Help: "Dialogs terminated with a failure.",
	}, []string{"reason"})

	// ActiveCalls tracks the dialog store size.
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_calls",
		Help: "Dialogs currently in the store.",
	})

	// ConnectedPeers tracks registered browser peers.
	ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connected_peers",
		Help: "Browser peers currently registered on the hub.",
	})

	// RelayRequests counts media relay operations, by command.
	RelayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_relay_requests_total",
		Help: "Media relay commands issued.",
	}, []string{"command"})

	// RelayFailures counts media relay operations that exhausted retries or
	// came back non-ok, by command.
	RelayFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_relay_failures_total",
		Help: "Media relay commands that failed.",
	}, []string{"command"})
)
