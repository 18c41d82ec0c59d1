package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	runs         *prometheus.CounterVec
	iterations   prometheus.Histogram
	runSeconds   prometheus.Histogram
	scores       *prometheus.HistogramVec
	errorsTotal  *prometheus.CounterVec
	gateFailures *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New registers the recorder on the default Prometheus registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the recorder's collectors on reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordrisk_vmm_runs_total",
				Help: "VMM window runs by convergence status",
			},
			[]string{"status"},
		),
		iterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordrisk_vmm_iterations",
			Help:    "Optimizer iterations per window",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 150, 200, 500},
		}),
		runSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordrisk_vmm_run_seconds",
			Help:    "Wall time of a VMM window run",
			Buckets: prometheus.DefBuckets,
		}),
		scores: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordrisk_scores",
				Help:    "Distribution of emitted scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"score"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordrisk_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		gateFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordrisk_calibration_gate_failures_total",
				Help: "Calibrators rejected by acceptance gate",
			},
			[]string{"gate"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordrisk_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordRun records one scored window.
func (r *Recorder) RecordRun(status string, iterations int, seconds float64) {
	r.runs.WithLabelValues(status).Inc()
	r.iterations.Observe(float64(iterations))
	r.runSeconds.Observe(seconds)
}

func (r *Recorder) RecordScore(name string, v float64) {
	r.scores.WithLabelValues(name).Observe(v)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordGateFailure(gate string) {
	r.gateFailures.WithLabelValues(gate).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
