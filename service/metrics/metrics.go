package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the engine. Following the
// explicit dependency injection pattern, this struct is passed to every
// component that records metrics; a nil *Metrics disables recording.
type Metrics struct {
	// Ledger RPC
	ledgerCallsTotal   *prometheus.CounterVec
	ledgerCallDuration *prometheus.HistogramVec
	ledgerRetriesTotal *prometheus.CounterVec

	// Nonce coordination
	nonceAllocationsTotal   *prometheus.CounterVec
	nonceInvalidationsTotal *prometheus.CounterVec
	nonceInFlight           *prometheus.GaugeVec

	// Transaction records
	recordsWrittenTotal     *prometheus.CounterVec
	duplicatesAbsorbedTotal *prometheus.CounterVec
	statusTransitionsTotal  *prometheus.CounterVec

	// Reconciliation
	reconcilePassDuration *prometheus.HistogramVec
	reconcileItemsTotal   *prometheus.CounterVec
	activityDuration      *prometheus.HistogramVec

	// Batch submission
	batchSubmissionsTotal *prometheus.CounterVec
	batchSize             *prometheus.HistogramVec

	// Proof service
	proofRequestsTotal   *prometheus.CounterVec
	proofRequestDuration *prometheus.HistogramVec

	// HTTP / SSE
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        prometheus.Counter

	// NATS
	natsPublishTotal    *prometheus.CounterVec
	natsPublishDuration prometheus.Histogram
}

// NewMetrics creates a Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ledgerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_calls_total",
				Help: "Total number of ledger RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		ledgerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_rpc_call_duration_seconds",
				Help:    "Duration of ledger RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		ledgerRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_rpc_retries_total",
				Help: "Total number of ledger RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		nonceAllocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nonce_allocations_total",
				Help: "Total number of sequence number allocations by source",
			},
			[]string{"source"},
		),
		nonceInvalidationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nonce_invalidations_total",
				Help: "Total number of nonce slot invalidations by reason",
			},
			[]string{"reason"},
		),
		nonceInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nonce_in_flight",
				Help: "Locally-issued sequence numbers not yet confirmed, per account",
			},
			[]string{"account"},
		),
		recordsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_records_written_total",
				Help: "Total number of transfer records appended to the local ledger",
			},
			[]string{"account"},
		),
		duplicatesAbsorbedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duplicate_submissions_absorbed_total",
				Help: "Total number of duplicate submissions silently absorbed",
			},
			[]string{"account"},
		),
		statusTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "status_transitions_total",
				Help: "Total number of transfer record status transitions",
			},
			[]string{"status"},
		),
		reconcilePassDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconcile_pass_duration_seconds",
				Help:    "Duration of reconciliation passes in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"trigger"},
		),
		reconcileItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_items_total",
				Help: "Total number of reconciliation items by outcome",
			},
			[]string{"outcome"},
		),
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconcile_activity_duration_seconds",
				Help:    "Duration of reconciliation workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"activity"},
		),
		batchSubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batch_submissions_total",
				Help: "Total number of batch submissions by status",
			},
			[]string{"status"},
		),
		batchSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batch_size",
				Help:    "Number of transfer intents per batch submission",
				Buckets: []float64{1, 5, 10, 20, 30, 40, 50},
			},
			[]string{"with_proofs"},
		),
		proofRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proof_requests_total",
				Help: "Total number of proof service requests by status",
			},
			[]string{"status"},
		),
		proofRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proof_request_duration_seconds",
				Help:    "Duration of proof service requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by handler, method, and status",
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of currently connected SSE clients",
			},
		),
		sseEventsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent to clients",
			},
		),
		natsPublishTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published by status",
			},
			[]string{"status"},
		),
		natsPublishDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish calls in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
	}
}

// RecordLedgerCall records a ledger RPC call with its duration.
func (m *Metrics) RecordLedgerCall(method, status, endpoint string, duration float64) {
	m.ledgerCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.ledgerCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordLedgerRetry records a ledger RPC retry attempt.
func (m *Metrics) RecordLedgerRetry(method, reason string) {
	m.ledgerRetriesTotal.WithLabelValues(method, reason).Inc()
}

// RecordNonceAllocation records an allocation served from "cache" or "ledger".
func (m *Metrics) RecordNonceAllocation(source string) {
	m.nonceAllocationsTotal.WithLabelValues(source).Inc()
}

// RecordNonceInvalidation records a slot invalidation with its reason.
func (m *Metrics) RecordNonceInvalidation(reason string) {
	m.nonceInvalidationsTotal.WithLabelValues(reason).Inc()
}

// SetNonceInFlight records the current in-flight count for an account.
func (m *Metrics) SetNonceInFlight(account string, count int) {
	m.nonceInFlight.WithLabelValues(account).Set(float64(count))
}

// RecordRecordWritten records an appended transfer record.
func (m *Metrics) RecordRecordWritten(account string) {
	m.recordsWrittenTotal.WithLabelValues(account).Inc()
}

// RecordDuplicateAbsorbed records a silently dropped duplicate submission.
func (m *Metrics) RecordDuplicateAbsorbed(account string) {
	m.duplicatesAbsorbedTotal.WithLabelValues(account).Inc()
}

// RecordStatusTransition records a transfer record status transition.
func (m *Metrics) RecordStatusTransition(status string) {
	m.statusTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordReconcilePass records the duration of one reconciliation pass.
func (m *Metrics) RecordReconcilePass(trigger string, duration float64) {
	m.reconcilePassDuration.WithLabelValues(trigger).Observe(duration)
}

// RecordReconcileItem records one reconciled item by outcome
// (resubmitted, skipped, failed, deferred).
func (m *Metrics) RecordReconcileItem(outcome string) {
	m.reconcileItemsTotal.WithLabelValues(outcome).Inc()
}

// RecordActivityDuration records the duration of a workflow activity.
func (m *Metrics) RecordActivityDuration(activity string, duration float64) {
	m.activityDuration.WithLabelValues(activity).Observe(duration)
}

// RecordBatchSubmission records a batch submission attempt.
func (m *Metrics) RecordBatchSubmission(status string, size int, withProofs bool) {
	m.batchSubmissionsTotal.WithLabelValues(status).Inc()
	label := "false"
	if withProofs {
		label = "true"
	}
	m.batchSize.WithLabelValues(label).Observe(float64(size))
}

// RecordProofRequest records a proof service request.
func (m *Metrics) RecordProofRequest(kind, status string, duration float64) {
	m.proofRequestsTotal.WithLabelValues(status).Inc()
	m.proofRequestDuration.WithLabelValues(kind).Observe(duration)
}

// RecordHTTPRequest records an HTTP request with its status code and duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	m.httpRequestsTotal.WithLabelValues(handler, method, httpStatusLabel(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(handler, method).Observe(duration)
}

// RecordSSEConnect records an SSE client connecting.
func (m *Metrics) RecordSSEConnect() { m.sseActiveConnections.Inc() }

// RecordSSEDisconnect records an SSE client disconnecting.
func (m *Metrics) RecordSSEDisconnect() { m.sseActiveConnections.Dec() }

// RecordSSEEvent records an event sent to an SSE client.
func (m *Metrics) RecordSSEEvent() { m.sseEventsSent.Inc() }

// RecordNATSPublish records a NATS publish call.
func (m *Metrics) RecordNATSPublish(status string, duration float64) {
	m.natsPublishTotal.WithLabelValues(status).Inc()
	m.natsPublishDuration.Observe(duration)
}

func httpStatusLabel(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
