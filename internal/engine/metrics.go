package engine

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cwlengine"

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	Submissions     *prometheus.CounterVec
	StepTransitions *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	Recoveries      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "job_submissions_total",
			Help:      "Job instances handed to a runtime backend.",
		}, []string{"env"}),
		StepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "step_transitions_total",
			Help:      "Step state transitions by target state.",
		}, []string{"state"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of job instances from submission to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"state"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recoveries_total",
			Help:      "Post-failure script runs by outcome.",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{m.Submissions, m.StepTransitions, m.JobDuration, m.Recoveries} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}
