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

	// ConnectionsActive tracks live WebSocket connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)

	// EventsInbound counts decoded client events.
	EventsInbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_inbound_total",
			Help: "Client events received",
		},
		[]string{"event"},
	)

	// EventsOutbound counts server pushes by outcome.
	EventsOutbound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_outbound_total",
			Help: "Server events pushed to connections",
		},
		[]string{"event", "result"},
	)

	// EventDuration tracks how long handling one client event takes.
	EventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ws_event_duration_seconds",
			Help:    "Client event handling duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"event"},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"type"},
	)

	// StatusTransitions counts forward delivery status moves.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_status_transitions_total",
			Help: "Delivery status transitions",
		},
		[]string{"status"},
	)

	// PipelineDegraded counts post-persistence steps that failed.
	PipelineDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_degraded_total",
			Help: "Send pipeline steps that failed after the message was stored",
		},
		[]string{"step"},
	)

	// PresenceMirrorErrors counts failed presence flag writes.
	PresenceMirrorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_mirror_errors_total",
			Help: "Failed presence mirror writes",
		},
		[]string{"mirror"},
	)

	// TypingActive tracks users currently marked as typing.
	TypingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "typing_active",
			Help: "Number of active typing indicators",
		},
	)

	// JournalRecords counts journal publishes and consumes.
	JournalRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_records_total",
			Help: "Journal records by backend, kind and result",
		},
		[]string{"backend", "kind", "result"},
	)

	// ReconcileTotal counts conversation reconciliations.
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_total",
			Help: "Conversation summary reconciliations",
		},
		[]string{"result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordPush records one server push.
func RecordPush(event string, err error) {
	result := "ok"
	if err != nil {
		result = "dropped"
	}
	EventsOutbound.WithLabelValues(event, result).Inc()
}

// IncrementConnections increments the active connection count.
func IncrementConnections() {
	ConnectionsActive.Inc()
}

// DecrementConnections decrements the active connection count.
func DecrementConnections() {
	ConnectionsActive.Dec()
}
