// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// InboundMessagesTotal tracks inbound WhatsApp messages by type and outcome.
	InboundMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_inbound_messages_total",
			Help: "Inbound WhatsApp messages by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// DedupHitsTotal tracks duplicate detections by layer.
	DedupHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_dedup_hits_total",
			Help: "Duplicate messages detected, by layer",
		},
		[]string{"layer"},
	)

	// RunDuration tracks LLM run duration by terminal status.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_run_duration_seconds",
			Help:    "LLM run duration from creation to terminal state",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"status"},
	)

	// RunCancellationsTotal tracks attempts to cancel a stuck run.
	RunCancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_run_cancellations_total",
			Help: "Attempts to cancel an active run before appending content",
		},
		[]string{"result"},
	)

	// TextRetriesTotal tracks retries in the text processor by error kind.
	TextRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "text_processor_retries_total",
			Help: "Retries performed by the text processor",
		},
		[]string{"kind"},
	)

	// BlocksSentTotal tracks outbound reply blocks.
	BlocksSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatsapp_blocks_sent_total",
			Help: "Outbound reply blocks sent to the channel",
		},
		[]string{"status"},
	)

	// MediaUploadsTotal tracks media object uploads.
	MediaUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_uploads_total",
			Help: "Media uploads to object storage",
		},
		[]string{"type", "result"},
	)

	// SSEConnectionsActive tracks active activity-stream connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// QueuePending tracks messages pending for the ingress consumer.
	QueuePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_consumer_pending",
			Help: "Pending messages for NATS consumer",
		},
		[]string{"stream", "consumer"},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"workspace_id", "role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordInbound records the outcome of one inbound message.
func RecordInbound(messageType, outcome string) {
	InboundMessagesTotal.WithLabelValues(messageType, outcome).Inc()
}

// RecordRun records a run reaching a terminal state.
func RecordRun(status string, duration float64) {
	RunDuration.WithLabelValues(status).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
