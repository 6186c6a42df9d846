// Package metrics holds the Prometheus instruments of the GoalGuardian service.
// Every instrument is registered on a private registry so tests can build
// independent instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Agent turns by agent and outcome (reply, hand_off, terminate, error...)
	AgentTurns *prometheus.CounterVec
	// Text generation latency by provider
	GenerationLatency *prometheus.HistogramVec

	// Gateway deliveries and hand-offs by outcome (ok, failed)
	Deliveries *prometheus.CounterVec
	Handoffs   *prometheus.CounterVec

	// Background dispatch
	DispatchDropped prometheus.Counter
	DispatchQueue   prometheus.Gauge

	// Scheduler
	ReviewsTriggered prometheus.Counter
	IngestRuns       *prometheus.CounterVec

	// Live relay
	RelaySubscribers prometheus.Gauge
}

// New registers every instrument on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AgentTurns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goalguardian_agent_turns_total",
			Help: "Agent begin/continue calls by agent and outcome",
		}, []string{"agent", "outcome"}),

		GenerationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "goalguardian_generation_duration_seconds",
			Help:    "Text generation latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),

		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goalguardian_gateway_deliveries_total",
			Help: "Agent utterances appended to the transcript, by outcome",
		}, []string{"outcome"}),

		Handoffs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goalguardian_gateway_handoffs_total",
			Help: "Hand-offs routed to downstream agents, by target and outcome",
		}, []string{"target", "outcome"}),

		DispatchDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "goalguardian_dispatch_dropped_total",
			Help: "Background tasks dropped because the queue was full",
		}),

		DispatchQueue: f.NewGauge(prometheus.GaugeOpts{
			Name: "goalguardian_dispatch_queue_depth",
			Help: "Background tasks waiting for a worker",
		}),

		ReviewsTriggered: f.NewCounter(prometheus.CounterOpts{
			Name: "goalguardian_scheduler_reviews_triggered_total",
			Help: "Weekly reviews started by the scheduler",
		}),

		IngestRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goalguardian_ingest_runs_total",
			Help: "Batch ingestion triggers by outcome",
		}, []string{"outcome"}),

		RelaySubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "goalguardian_relay_subscribers",
			Help: "Live transcript WebSocket subscribers",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Outcome maps an error to the ok/failed label value.
func Outcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
