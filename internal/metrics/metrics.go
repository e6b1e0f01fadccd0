// Package metrics exposes Prometheus counters/gauges for the pipeline
// (spec.md §5) and a ResourceGuard admission-control helper, adapted
// from the teacher's src/metrics.go and src/resource_guard.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_ws_connections_active",
		Help: "Current number of active WebSocket connections on this gateway process.",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_ws_connections_failed_total",
		Help: "Total rejected or failed WebSocket upgrade attempts.",
	})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_ws_slow_clients_disconnected_total",
		Help: "Connections dropped for falling behind on outbound delivery.",
	})

	SessionsKicked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_ws_sessions_kicked_total",
		Help: "Connections closed by the single-session policy.",
	}, []string{"policy"})

	MessagesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_ingested_total",
		Help: "Messages accepted by Ingest, labeled by create status.",
	}, []string{"status"})

	IngestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_ingest_latency_seconds",
		Help:    "CreateMessage end-to-end latency.",
		Buckets: prometheus.DefBuckets,
	})

	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_outbox_pending",
		Help: "Outbox rows currently pending or broadcasting.",
	})

	OutboxRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_outbox_retries_total",
		Help: "Outbox row processing attempts that failed and were rescheduled.",
	})

	OutboxFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_outbox_failed_total",
		Help: "Outbox rows that exhausted retries and moved to failed.",
	})

	BusPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_bus_publish_errors_total",
		Help: "Bus.Publish calls that returned an error.",
	})

	PushTasksQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcore_push_tasks_queued_total",
		Help: "Push notification tasks queued for offline recipients by the Outbox Processor.",
	})
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		ConnectionsActive, ConnectionsFailed, SlowClientsDisconnected, SessionsKicked,
		MessagesIngested, IngestLatency, OutboxPending, OutboxRetries, OutboxFailed, BusPublishErrors,
		PushTasksQueued,
	)
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
