// Package metrics exposes node and task counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hyperion/pkg/types"
)

// Offer decisions.
const (
	DecisionAccepted = "accepted"
	DecisionBusy     = "busy"
	DecisionCapacity = "insufficient_capacity"
	DecisionUntrust  = "untrusted"
	DecisionShutdown = "shutting_down"
	DecisionInvalid  = "invalid"
)

var phases = []types.Phase{types.PhaseInit, types.PhaseSyncing, types.PhaseIdle, types.PhaseComputing}

// Metrics is safe to use as a nil pointer, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	nodeState    *prometheus.GaugeVec
	offers       *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	taskDuration prometheus.Histogram
	reportErrors prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		nodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperion_node_state",
			Help: "1 for the phase the node is currently in.",
		}, []string{"phase"}),
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperion_offers_total",
			Help: "Task offers seen, by admission decision.",
		}, []string{"decision"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperion_tasks_total",
			Help: "Tasks finished, by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hyperion_task_duration_seconds",
			Help:    "Wall time from admission to settlement.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		reportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperion_report_errors_total",
			Help: "Status or settlement reports that failed to deliver.",
		}),
	}
	m.registry.MustRegister(
		m.nodeState, m.offers, m.tasks, m.taskDuration, m.reportErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetState(types.StateInit())
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetState(s types.NodeState) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == s.Phase {
			v = 1
		}
		m.nodeState.WithLabelValues(p.String()).Set(v)
	}
}

func (m *Metrics) Offer(decision string) {
	if m == nil {
		return
	}
	m.offers.WithLabelValues(decision).Inc()
}

func (m *Metrics) TaskFinished(outcome types.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(string(outcome)).Inc()
	m.taskDuration.Observe(d.Seconds())
}

func (m *Metrics) ReportFailed() {
	if m == nil {
		return
	}
	m.reportErrors.Inc()
}
