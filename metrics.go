package migrasi

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "migrasi"

// Metrics exports counters for applied, failed and rolled back scripts, a
// histogram of script execution time and the number of pending scripts.
// A nil *Metrics records nothing.
type Metrics struct {
	scripts  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pending  prometheus.Gauge
}

// NewMetrics registers the collectors with reg. Collectors already
// registered by an earlier instance are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		scripts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scripts_total",
			Help:      "Scripts processed, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "script_duration_seconds",
			Help:      "Time spent executing a script inside its transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"operation"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_scripts",
			Help:      "Scripts discovered but not yet applied.",
		}),
	}

	var err error
	if m.scripts, err = register(reg, m.scripts); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.pending, err = register(reg, m.pending); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "failed to register metrics collector")
	}
	return c, nil
}

func (m *Metrics) observe(result RunResult) {
	if m == nil {
		return
	}
	operation := operationApply
	if op, ok := result.Metadata[metaOperation].(string); ok {
		operation = op
	}
	outcome := "success"
	switch {
	case !result.Success:
		outcome = "failure"
	case result.Metadata[metaDryRun] == true:
		outcome = "dry_run"
	case result.Metadata[metaSkipped] == true:
		outcome = "skipped"
	}
	m.scripts.WithLabelValues(operation, outcome).Inc()
	if outcome == "success" || outcome == "failure" {
		m.duration.WithLabelValues(operation).Observe(float64(result.ExecutionTimeMs) / 1000)
	}
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
