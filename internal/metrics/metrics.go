package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Metrics variables - these will be initialized by InitMetrics.
	// Until then every Record helper is a no-op.
	AuditRecordsTotal          *prometheus.CounterVec
	AuditRequestDuration       *prometheus.HistogramVec
	AuditBypassTotal           prometheus.Counter
	AuditPayloadSizeBytes      *prometheus.HistogramVec
	OperationResolveFailures   prometheus.Counter
	ErrorsTotal                *prometheus.CounterVec
	CollectorRecordsTotal      *prometheus.CounterVec
	CollectorReconnectsTotal   *prometheus.CounterVec
	PubsubPublishRequestsTotal *prometheus.CounterVec
	PubsubPublishDuration      prometheus.Histogram
	PubsubMessageSizeBytes     prometheus.Histogram
	OutboundRequestsTotal      *prometheus.CounterVec
	OutboundRetries            prometheus.Counter
)

var sizeBuckets = []float64{
	0, 100, 500, 1000, 5000, 10000, 50000, 100000, 1000000,
}

// InitMetrics initializes metrics with a specific registry
func InitMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		return fmt.Errorf("registry cannot be nil")
	}

	factory := promauto.With(reg)

	AuditRecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_audit_records_total",
			Help: "Total number of audit records emitted",
		},
		[]string{"event"},
	)

	AuditRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_audit_request_duration_seconds",
			Help:    "Duration of traced requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	AuditBypassTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "http_audit_bypass_total",
			Help: "Total number of requests matching the ignore pattern",
		},
	)

	AuditPayloadSizeBytes = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_audit_payload_size_bytes",
			Help:    "Size of captured request and response bodies in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"event"},
	)

	OperationResolveFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "http_audit_operation_resolve_failures_total",
			Help: "Total number of requests whose operation name could not be resolved",
		},
	)

	ErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_audit_errors_total",
			Help: "Total number of errors by type",
		},
		[]string{"type"},
	)

	CollectorRecordsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_audit_collector_records_total",
			Help: "Total number of records handed to the log collector by result",
		},
		[]string{"result"},
	)

	CollectorReconnectsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_audit_collector_reconnects_total",
			Help: "Total number of log collector connection attempts by result",
		},
		[]string{"result"},
	)

	PubsubPublishRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_audit_pubsub_publish_requests_total",
			Help: "Total number of Pub/Sub publish requests",
		},
		[]string{"status"},
	)

	PubsubPublishDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "http_audit_pubsub_publish_duration_seconds",
			Help:    "Duration of Pub/Sub publish operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PubsubMessageSizeBytes = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "http_audit_pubsub_message_size_bytes",
			Help:    "Size of audit records published to Pub/Sub in bytes",
			Buckets: sizeBuckets,
		},
	)

	OutboundRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_audit_outbound_requests_total",
			Help: "Total number of outbound requests carrying trace headers",
		},
		[]string{"result"},
	)

	OutboundRetries = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "http_audit_outbound_retries_total",
			Help: "Number of outbound request retries",
		},
	)

	return nil
}

// Helper functions for recording metrics

// RecordAuditRecord counts an emitted request or response record
func RecordAuditRecord(event string, payloadBytes int) {
	if AuditRecordsTotal == nil {
		return
	}
	AuditRecordsTotal.WithLabelValues(event).Inc()
	AuditPayloadSizeBytes.WithLabelValues(event).Observe(float64(payloadBytes))
}

// ObserveRequest records the outcome and duration of a traced request
func ObserveRequest(status int, duration time.Duration) {
	if AuditRequestDuration == nil {
		return
	}
	AuditRequestDuration.WithLabelValues(strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordBypass counts a request that skipped tracing
func RecordBypass() {
	if AuditBypassTotal == nil {
		return
	}
	AuditBypassTotal.Inc()
}

// RecordResolveFailure counts an unresolvable operation name
func RecordResolveFailure() {
	if OperationResolveFailures == nil {
		return
	}
	OperationResolveFailures.Inc()
}

// RecordError counts an error by type
func RecordError(errorType string) {
	if ErrorsTotal == nil {
		return
	}
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordCollectorRecord counts a record sent to, or dropped by, the log collector
func RecordCollectorRecord(result string) {
	if CollectorRecordsTotal == nil {
		return
	}
	CollectorRecordsTotal.WithLabelValues(result).Inc()
}

// RecordCollectorReconnect counts a collector dial attempt
func RecordCollectorReconnect(result string) {
	if CollectorReconnectsTotal == nil {
		return
	}
	CollectorReconnectsTotal.WithLabelValues(result).Inc()
}

// RecordPubsubPublish records a Pub/Sub publish outcome
func RecordPubsubPublish(status string, sizeBytes int, duration time.Duration) {
	if PubsubPublishRequestsTotal == nil {
		return
	}
	PubsubPublishRequestsTotal.WithLabelValues(status).Inc()
	PubsubPublishDuration.Observe(duration.Seconds())
	if status == "success" {
		PubsubMessageSizeBytes.Observe(float64(sizeBytes))
	}
}

// RecordOutboundRequest records an outbound request result
func RecordOutboundRequest(result string) {
	if OutboundRequestsTotal == nil {
		return
	}
	OutboundRequestsTotal.WithLabelValues(result).Inc()
}

// RecordOutboundRetry records an outbound retry attempt
func RecordOutboundRetry() {
	if OutboundRetries == nil {
		return
	}
	OutboundRetries.Inc()
}
