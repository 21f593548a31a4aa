package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the round orchestrator.
type Metrics struct {
	roundsTotal        prometheus.Counter
	cyclesTotal        *prometheus.CounterVec
	cooldownRejections prometheus.Counter

	keywordsActive prometheus.Gauge
	workersBusy    prometheus.Gauge

	claimDuration    prometheus.Histogram
	workflowDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates metrics registered on a caller-supplied
// registerer (tests use a private registry).
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		roundsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runner_rounds_total",
				Help: "Total number of completed rounds",
			},
		),
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_cycles_total",
				Help: "Total claim-execute-report cycles by browser and outcome",
			},
			[]string{"browser", "outcome"},
		),
		cooldownRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "runner_ip_toggle_rejections_total",
				Help: "IP toggle attempts rejected by the cooldown window",
			},
		),
		keywordsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runner_keywords_active",
				Help: "Active keywords for the runner's agent at round start",
			},
		),
		workersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runner_workers_busy",
				Help: "Cycles currently executing a workflow",
			},
		),
		claimDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "runner_claim_duration_seconds",
				Help:    "Time to claim a keyword from the database",
				Buckets: prometheus.DefBuckets,
			},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runner_workflow_duration_seconds",
				Help:    "Workflow execution duration by browser",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"browser"},
		),
	}

	reg.MustRegister(
		m.roundsTotal,
		m.cyclesTotal,
		m.cooldownRejections,
		m.keywordsActive,
		m.workersBusy,
		m.claimDuration,
		m.workflowDuration,
	)

	return m
}
