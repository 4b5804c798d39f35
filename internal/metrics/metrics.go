package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/stellarlinkco/chatfight/internal/challenge"
	"github.com/stellarlinkco/chatfight/internal/pipeline"
	"github.com/stellarlinkco/chatfight/internal/state"
)

// StatusSource exposes the current module state.
type StatusSource interface {
	Snapshot() state.ModuleState
}

// Metrics holds the responder's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	outcomes   *prometheus.CounterVec
	analysis   *prometheus.HistogramVec
	dispatched *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatfight_pipeline_outcomes_total",
				Help: "Pipeline executions by outcome and challenge kind",
			},
			[]string{"outcome", "kind"},
		),
		analysis: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatfight_analysis_duration_seconds",
				Help:    "Duration of vision analysis calls",
				Buckets: []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 30},
			},
			[]string{"kind", "result"},
		),
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatfight_dispatched_total",
				Help: "Executions spawned by the dispatcher by route",
			},
			[]string{"route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.outcomes,
		m.analysis,
		m.dispatched,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WatchState exports the enabled flag and the persisted counters as gauges.
func (m *Metrics) WatchState(src StatusSource) {
	enabled := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatfight_enabled",
		Help: "1 when the responder is enabled",
	}, func() float64 {
		if src.Snapshot().Enabled {
			return 1
		}
		return 0
	})
	responses := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatfight_state_responses",
		Help: "Total responses recorded in the persisted state",
	}, func() float64 {
		return float64(src.Snapshot().Stats.TotalResponses)
	})
	errs := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatfight_state_errors",
		Help: "Errors recorded in the persisted state",
	}, func() float64 {
		return float64(src.Snapshot().Stats.Errors)
	})
	m.registry.MustRegister(enabled, responses, errs)
}

func kindLabel(kind challenge.Kind) string {
	if kind == "" {
		return "none"
	}
	return kind.String()
}

func (m *Metrics) ObserveOutcome(outcome pipeline.Outcome, kind challenge.Kind) {
	m.outcomes.WithLabelValues(string(outcome), kindLabel(kind)).Inc()
}

func (m *Metrics) ObserveAnalysis(kind challenge.Kind, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.analysis.WithLabelValues(kindLabel(kind), result).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDispatch(route string) {
	m.dispatched.WithLabelValues(route).Inc()
}
