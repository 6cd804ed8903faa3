// Package metrics defines the Prometheus metric vocabulary for the
// BACnet stack and provides convenience points to add accounting across
// the transport, network, transaction, and COV layers.
//
// When adding a new metric: track things entering/leaving the system
// (frames, APDUs, notifications), the success/error status of each, and
// the distribution of latency where retries or timeouts matter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts transport-layer frames by direction and outcome.
	// Example usage:
	//   metrics.FramesTotal.WithLabelValues("ipv4", "rx", "ok").Inc()
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacstack_frames_total",
			Help: "Transport frames processed, by transport, direction, and outcome.",
		}, []string{"transport", "direction", "outcome"})

	// DecodeErrorsTotal counts malformed frames/APDUs dropped at a codec
	// boundary, by layer.
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacstack_decode_errors_total",
			Help: "Malformed frames dropped at decode time, by layer.",
		}, []string{"layer"})

	// TransactionsInFlight tracks the number of open client or server
	// transactions in the transaction manager.
	TransactionsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bacstack_transactions_in_flight",
			Help: "Open transactions tracked by the transaction manager.",
		}, []string{"role"})

	// TransactionTimeoutsTotal counts client transactions that exhausted
	// APDU_TIMEOUT x (APDU_RETRIES+1) without a reply.
	TransactionTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bacstack_transaction_timeouts_total",
			Help: "Client transactions abandoned after exhausting all retries.",
		},
	)

	// TransactionLatencyHistogram tracks confirmed-request round-trip
	// latency, seconds.
	TransactionLatencyHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bacstack_transaction_latency_seconds",
			Help:    "Confirmed-request round trip latency distribution.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
	)

	// FDTSizeGauge tracks the number of registered foreign devices in the
	// IPv4 bbmd.Manager's table; bbmd.Manager6 does not update it.
	FDTSizeGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bacstack_bbmd_fdt_size",
			Help: "Current number of entries in the foreign device table.",
		},
	)

	// COVSubscriptionsGauge tracks live COV subscriptions by kind
	// (object or property).
	COVSubscriptionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bacstack_cov_subscriptions",
			Help: "Live COV subscriptions, by kind.",
		}, []string{"kind"})

	// COVNotificationsTotal counts COV notifications sent, by confirmation
	// mode and outcome.
	COVNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacstack_cov_notifications_total",
			Help: "COV notifications delivered, by confirmation mode and outcome.",
		}, []string{"mode", "outcome"})

	// SecureConnectionsGauge tracks live BACnet/SC connections, both those
	// a Hub accepted and those a Dialer opened.
	SecureConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bacstack_sc_connections",
			Help: "Currently connected BACnet/SC peers.",
		},
	)

	// SecureHandshakeFailuresTotal counts failed BACnet/SC handshakes, by
	// reason.
	SecureHandshakeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bacstack_sc_handshake_failures_total",
			Help: "Failed BACnet/SC handshakes, by reason.",
		}, []string{"reason"})
)
