// Package metrics exposes Prometheus collectors for the pool. Metrics
// implements the lifecycle and pipeline observer interfaces.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bardlex/orepool/internal/hashes"
	"github.com/bardlex/orepool/internal/submission"
)

const namespace = "orepool"

// Metrics holds the pool collectors
type Metrics struct {
	submissions   *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

// New creates the collectors and registers them with registry
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hash_submissions_total",
			Help:      "Accepted hash submissions, by whether a validator received them",
		}, []string{"forwarded"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hash_outcomes_total",
			Help:      "Hashes that left PENDING, by final status",
		}, []string{"status"}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_cycle_hashes_total",
			Help:      "Hashes handled by batch cycles, by result",
		}, []string{"result"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_cycle_duration_seconds",
			Help:      "Duration of batch submission cycles",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}
}

// RegisterConnectionGauges exposes live connection state sampled at scrape
// time
func RegisterConnectionGauges(registry prometheus.Registerer, connections func() int, validatorConnected func() bool) {
	factory := promauto.With(registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Open coordination connections",
	}, func() float64 {
		return float64(connections())
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "validator_connected",
		Help:      "1 when the configured validator is registered",
	}, func() float64 {
		if validatorConnected() {
			return 1
		}
		return 0
	})
}

// HashSubmitted counts an accepted hash
func (m *Metrics) HashSubmitted(_ context.Context, _ *hashes.Record, forwarded bool) {
	label := "false"
	if forwarded {
		label = "true"
	}
	m.submissions.WithLabelValues(label).Inc()
}

// HashResolved counts a final status
func (m *Metrics) HashResolved(_ context.Context, rec *hashes.Record) {
	m.outcomes.WithLabelValues(string(rec.Status)).Inc()
}

// CycleCompleted records a batch cycle
func (m *Metrics) CycleCompleted(_ context.Context, report submission.CycleReport) {
	m.cycles.WithLabelValues("confirmed").Add(float64(report.Confirmed))
	m.cycles.WithLabelValues("rejected").Add(float64(report.Rejected))
	m.cycles.WithLabelValues("skipped").Add(float64(report.Skipped))
	m.cycleDuration.Observe(report.Duration.Seconds())
}
