// Package observability — metrics.go
//
// Prometheus metrics for the Beakr desktop agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: beakr_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Connection state labels use the string state name (5 values max).
//   - Request tool name is used as a label (fixed set of 4 built-in tools).
//   - File paths are NEVER used as label values (unbounded cardinality, and
//     would leak scope layout into metrics).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the agent.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Connection supervisor ────────────────────────────────────────────

	// ConnectionStateTransitionsTotal counts state transitions.
	// Labels: from_state, to_state
	ConnectionStateTransitionsTotal *prometheus.CounterVec

	// ReconnectAttemptsTotal counts reconnect attempts made.
	ReconnectAttemptsTotal prometheus.Counter

	// HeartbeatsSentTotal counts heartbeat frames sent while connected.
	HeartbeatsSentTotal prometheus.Counter

	// CurrentBackoffSeconds is the reconnect delay that would be used for
	// the next attempt, were one to occur right now.
	CurrentBackoffSeconds prometheus.Gauge

	// WSStatus is the current connection status as a numeric gauge
	// (disconnected=0, connecting=1, connected=2, reconnecting=3, revoked=4).
	WSStatus prometheus.Gauge

	// ScopedFoldersCount is the current number of scoped folders exposed.
	ScopedFoldersCount prometheus.Gauge

	// ─── Request handling ──────────────────────────────────────────────────

	// RequestsHandledTotal counts tool requests dispatched to a handler.
	// Labels: tool, status (ok, error, rate_limited)
	RequestsHandledTotal *prometheus.CounterVec

	// RequestLatencySeconds records tool handler latency.
	// Labels: tool
	RequestLatencySeconds *prometheus.HistogramVec

	// BytesTransferredTotal sums bytes read and returned, by tool.
	// Labels: tool
	BytesTransferredTotal *prometheus.CounterVec

	// ─── Path safety ────────────────────────────────────────────────────────

	// PathDeniedTotal counts requests rejected by the deny-list or scope
	// check. Labels: tool
	PathDeniedTotal *prometheus.CounterVec

	// ─── Storage ──────────────────────────────────────────────────────────

	// StorageWriteLatency records bbolt write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageActivityEntries is the current number of activity ledger
	// entries retained in the local store.
	StorageActivityEntries prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all agent Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ConnectionStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beakr",
			Subsystem: "connection",
			Name:      "state_transitions_total",
			Help:      "Total connection state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		ReconnectAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beakr",
			Subsystem: "agent",
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts made by the connection supervisor.",
		}),

		HeartbeatsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beakr",
			Subsystem: "connection",
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeat frames sent while connected.",
		}),

		CurrentBackoffSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beakr",
			Subsystem: "connection",
			Name:      "current_backoff_seconds",
			Help:      "Reconnect delay that would apply to the next attempt.",
		}),

		WSStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beakr",
			Subsystem: "agent",
			Name:      "ws_status",
			Help:      "Current connection status (disconnected=0, connecting=1, connected=2, reconnecting=3, revoked=4).",
		}),

		ScopedFoldersCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beakr",
			Subsystem: "agent",
			Name:      "scoped_folders",
			Help:      "Current number of scoped folders exposed to the cloud service.",
		}),

		RequestsHandledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beakr",
			Subsystem: "agent",
			Name:      "tool_requests_total",
			Help:      "Total tool requests dispatched, by tool name and status.",
		}, []string{"tool", "status"}),

		RequestLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "beakr",
			Subsystem: "agent",
			Name:      "tool_request_duration_seconds",
			Help:      "Tool handler latency in seconds, by tool name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		BytesTransferredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beakr",
			Subsystem: "agent",
			Name:      "bytes_transferred_total",
			Help:      "Lifetime total bytes read and returned, by tool name.",
		}, []string{"tool"}),

		PathDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beakr",
			Subsystem: "agent",
			Name:      "denied_total",
			Help:      "Total requests rejected by the path-safety layer, by tool name.",
		}, []string{"tool"}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "beakr",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "bbolt write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageActivityEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beakr",
			Subsystem: "storage",
			Name:      "activity_entries",
			Help:      "Current number of activity ledger entries in the local store.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beakr",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.ConnectionStateTransitionsTotal,
		m.ReconnectAttemptsTotal,
		m.HeartbeatsSentTotal,
		m.CurrentBackoffSeconds,
		m.WSStatus,
		m.ScopedFoldersCount,
		m.RequestsHandledTotal,
		m.RequestLatencySeconds,
		m.BytesTransferredTotal,
		m.PathDeniedTotal,
		m.StorageWriteLatency,
		m.StorageActivityEntries,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
