package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures pipeline telemetry.
type Observer interface {
	RecordIngest(outcome string, duration time.Duration)
	RecordStage(stage string, duration time.Duration, err error)
	RecordJob(outcome string, attempt int)
	RecordSweep(name string, affected int, err error)
}

type PrometheusObserver struct {
	ingests        *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	stageDuration  *prometheus.HistogramVec
	stageErrors    *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	jobAttempts    prometheus.Histogram
	sweepAffected  *prometheus.CounterVec
	sweepErrors    *prometheus.CounterVec
}

func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "katasu"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Upload intake results by outcome.",
		}, []string{"outcome"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Upload intake latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Latency of individual pipeline stages.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Pipeline stage failures.",
		}, []string{"stage"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_jobs_total",
			Help:      "Moderation job deliveries by outcome.",
		}, []string{"outcome"}),
		jobAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "moderation_job_attempt",
			Help:      "Delivery attempt at which a moderation job was settled.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		sweepAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_affected_total",
			Help:      "Rows or objects touched by reconciliation sweeps.",
		}, []string{"sweep"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Reconciliation sweep failures.",
		}, []string{"sweep"}),
	}

	collectors := []prometheus.Collector{
		o.ingests, o.ingestDuration, o.stageDuration, o.stageErrors,
		o.jobs, o.jobAttempts, o.sweepAffected, o.sweepErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return o, nil
}

func (o *PrometheusObserver) RecordIngest(outcome string, duration time.Duration) {
	if o == nil {
		return
	}
	o.ingests.WithLabelValues(outcome).Inc()
	o.ingestDuration.Observe(duration.Seconds())
}

func (o *PrometheusObserver) RecordStage(stage string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	if err != nil {
		o.stageErrors.WithLabelValues(stage).Inc()
	}
}

func (o *PrometheusObserver) RecordJob(outcome string, attempt int) {
	if o == nil {
		return
	}
	o.jobs.WithLabelValues(outcome).Inc()
	o.jobAttempts.Observe(float64(attempt))
}

func (o *PrometheusObserver) RecordSweep(name string, affected int, err error) {
	if o == nil {
		return
	}
	if err != nil {
		o.sweepErrors.WithLabelValues(name).Inc()
	}
	o.sweepAffected.WithLabelValues(name).Add(float64(affected))
}

// Nop discards everything. Used when metrics are disabled and in tests.
func Nop() Observer { return nopObserver{} }

type nopObserver struct{}

func (nopObserver) RecordIngest(string, time.Duration) {}

func (nopObserver) RecordStage(string, time.Duration, error) {}

func (nopObserver) RecordJob(string, int) {}

func (nopObserver) RecordSweep(string, int, error) {}
