// Package metrics exposes the monotonic counters operators need for
// backpressure and tick-health visibility, backed by Prometheus client
// metrics, plus a periodic human-readable summary log line.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide counters. One instance is created at boot
// and threaded explicitly to every component that needs it; there is no
// ambient package-level singleton.
type Metrics struct {
	TCPMessagesDropped            prometheus.Counter
	UDPMessagesDropped            prometheus.Counter
	ClientsDisconnectedBackpressure prometheus.Counter
	ConnectionsActive              prometheus.Gauge
	TickOverruns                   prometheus.Counter
	SessionsActive                 prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics bundle registered against a fresh registry (so
// raceserver never touches the global default registry — each process
// instance owns its own).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		TCPMessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_messages_dropped",
			Help: "Droppable stream messages discarded due to a full per-connection outbound queue.",
		}),
		UDPMessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udp_messages_dropped",
			Help: "Droppable datagram messages discarded due to a full outbound queue.",
		}),
		ClientsDisconnectedBackpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clients_disconnected_backpressure",
			Help: "Connections evicted because a critical message could not be enqueued.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connections_active",
			Help: "Currently registered connections.",
		}),
		TickOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tick_overruns_total",
			Help: "Scheduler ticks whose body exceeded the nominal tick budget.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Currently live sessions.",
		}),
		registry: reg,
	}
	reg.MustRegister(
		m.TCPMessagesDropped,
		m.UDPMessagesDropped,
		m.ClientsDisconnectedBackpressure,
		m.ConnectionsActive,
		m.TickOverruns,
		m.SessionsActive,
	)
	return m
}

// Registry returns the Prometheus registry backing this bundle, for the
// /metrics HTTP handler to gather.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RunLogger periodically logs a human-readable summary snapshot of the
// counters above, for operators tailing plain logs without a dashboard.
func (m *Metrics) RunLogger(ctx context.Context, interval time.Duration) {
	log := slog.With("component", "metrics")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := getCounter(m.TCPMessagesDropped) + getCounter(m.UDPMessagesDropped)
			log.Info("snapshot",
				"connections", getGauge(m.ConnectionsActive),
				"sessions", getGauge(m.SessionsActive),
				"messages_dropped", dropped,
				"tick_overruns", getCounter(m.TickOverruns),
				"evicted_backpressure", getCounter(m.ClientsDisconnectedBackpressure),
			)
		}
	}
}

// HumanBytes formats a byte count for log lines, e.g. telemetry payload
// sizes.
func HumanBytes(n uint64) string {
	return humanize.Bytes(n)
}

func getCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGauge(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
