// Package telemetry provides application-level observability for the decision
// engine: slog setup and Prometheus metrics.
//
// All metrics are registered against the default Prometheus registry and
// served on a side-channel HTTP server started by cmd/server (default port
// 9090), never on the Gin router, so the scrape path stays off the public
// ingress.
//
// HTTP metrics use the Gin route template (c.FullPath(), e.g.
// /api/v1/policies/:id/history) rather than the raw URL to keep label
// cardinality bounded regardless of user-supplied path segments.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decision pipeline metrics.
//
// DecisionsTotal is a CounterVec with labels {decision, source}. decision is
// "approve" or "reject"; source is "policy" when a policy matched and
// "default" when the fail-closed default applied. A rising
// rate(decisions_total{source="default"}) usually means a policy gap.
//
// EventAppendFailuresTotal counts event-log writes that failed. Each failure
// is also a failed request (no decision is returned without a durable event),
// so any increase warrants an alert.
var (
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisions_total",
			Help: "Total number of authorization decisions, by outcome and source (policy match or fail-closed default).",
		},
		[]string{"decision", "source"},
	)

	EventAppendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "event_append_failures_total",
			Help: "Total number of failed audit event writes. Each one corresponds to a request that returned a server error.",
		},
	)
)

// Advisory metrics.
//
// AdvisorRequestsTotal is a CounterVec with label {outcome} ("ok" or
// "error"). Disabled/unconfigured advisors do not attempt a call and are not
// counted. AdvisorRequestDuration observes wall time of attempted calls only.
var (
	AdvisorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_requests_total",
			Help: "Total number of advisory service calls attempted, by outcome.",
		},
		[]string{"outcome"},
	)

	AdvisorRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "advisor_request_duration_seconds",
			Help:    "Histogram of advisory call latencies, including failed calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

// Idempotency metrics.
//
// IdempotencyHitsTotal counts replays served from the cache (no new event).
// IdempotencyConflictsTotal counts first-write races lost to a concurrent
// writer on another node — the loser discarded its response and returned the
// winner's. A sustained non-zero rate indicates clients hammering retries.
var (
	IdempotencyHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_hits_total",
			Help: "Total number of requests answered from the idempotency cache.",
		},
	)

	IdempotencyConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_conflicts_total",
			Help: "Total number of idempotency first-write conflicts recovered by re-reading the winning record.",
		},
	)
)

// PolicyVersionsCreatedTotal is a CounterVec with label {kind} ("create" for
// first versions, "version" for updates).
var PolicyVersionsCreatedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "policy_versions_created_total",
		Help: "Total number of policy versions created, by kind (first version vs update).",
	},
	[]string{"kind"},
)

// HTTP metrics — labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// DBOpenConnections tracks the connection pool size of the primary database.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open connections in the database pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
// The goroutine exits when the database becomes unreachable, which happens
// naturally at shutdown once db.Close() runs.
//
// Call this once, immediately after the database connection succeeds.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
