package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	UpstreamErrors      *prometheus.CounterVec
	ConfigInjections    prometheus.Counter
	DroppedFrames       *prometheus.CounterVec
	StoreErrors         *prometheus.CounterVec
	ToolCalls           *prometheus.CounterVec
	UpstreamDialLatency prometheus.Histogram

	gatherer prometheus.Gatherer
	stages   *stageWindow
}

// NewMetricsWithRegistry registers the instruments on reg and serves them from g.
// Tests pass a fresh prometheus.NewRegistry() for both.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of relayed realtime sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket frames by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by kind.",
		}, []string{"kind"}),
		ConfigInjections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_injections_total",
			Help:      "session.update frames sent upstream.",
		}),
		DroppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Client frames not forwarded, by reason.",
		}, []string{"reason"}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Event log and token store failures.",
		}, []string{"store", "op"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Server-side tool executions by tool and outcome.",
		}, []string{"tool", "outcome"}),
		UpstreamDialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_latency_ms",
			Help:      "Latency of the upstream websocket handshake in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
		}),
		gatherer: g,
		stages:   newStageWindow(256),
	}
}

func (m *Metrics) ObserveUpstreamDial(d time.Duration) {
	m.UpstreamDialLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("upstream_dial", float64(d.Microseconds())/1000)
}

// ObserveStage records a per-session latency sample for the rolling stats window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
