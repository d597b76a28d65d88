// Package metrics aggregates the per-mapper and per-reducer timing and
// count metadata the workers attach to every output object
// (linecount, processingtime, memoryUsage; SPEC_FULL.md §6) into
// Prometheus metrics the driver can push to a Pushgateway when the job
// finishes. The driver is a short-lived client process, so scrape-based
// collection cannot reach it mid-run; push is the idiomatic fit for
// batch jobs in the Prometheus ecosystem.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// JobMetrics accumulates counters and timings for a single job run.
type JobMetrics struct {
	registry *prometheus.Registry

	mapperInvocations  prometheus.Counter
	mapperElapsed      prometheus.Histogram
	mapperLines        prometheus.Counter
	reducerInvocations prometheus.Counter
	reducerElapsed     prometheus.Histogram
	reducerLines       prometheus.Counter
	reduceSteps        prometheus.Gauge
	jobDurationSeconds prometheus.Gauge
}

// New creates a JobMetrics instance with its own registry so concurrent
// jobs in the same process (e.g. under test) never collide on metric
// names.
func New(jobID string) *JobMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"job_id": jobID}

	m := &JobMetrics{
		registry: registry,
		mapperInvocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "biglambda_mapper_invocations_total",
			Help:        "Number of mapper Lambda invocations completed.",
			ConstLabels: constLabels,
		}),
		mapperElapsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "biglambda_mapper_elapsed_seconds",
			Help:        "Elapsed wall time reported by each mapper invocation.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		mapperLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "biglambda_mapper_lines_total",
			Help:        "Total input lines processed across all mappers.",
			ConstLabels: constLabels,
		}),
		reducerInvocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "biglambda_reducer_invocations_total",
			Help:        "Number of reducer Lambda invocations observed complete.",
			ConstLabels: constLabels,
		}),
		reducerElapsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "biglambda_reducer_elapsed_seconds",
			Help:        "Elapsed wall time reported by each reducer invocation.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		reducerLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "biglambda_reducer_lines_total",
			Help:        "Total lines merged across all reducers.",
			ConstLabels: constLabels,
		}),
		reduceSteps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "biglambda_reduce_steps",
			Help:        "Number of reduce steps the job took to reach a result.",
			ConstLabels: constLabels,
		}),
		jobDurationSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "biglambda_job_duration_seconds",
			Help:        "Wall-clock duration from job start to result.",
			ConstLabels: constLabels,
		}),
	}

	registry.MustRegister(
		m.mapperInvocations, m.mapperElapsed, m.mapperLines,
		m.reducerInvocations, m.reducerElapsed, m.reducerLines,
		m.reduceSteps, m.jobDurationSeconds,
	)
	return m
}

// ObserveMapper records one completed mapper invocation's result.
func (m *JobMetrics) ObserveMapper(lineCount int, elapsedS float64) {
	m.mapperInvocations.Inc()
	m.mapperElapsed.Observe(elapsedS)
	m.mapperLines.Add(float64(lineCount))
}

// ObserveReducer records one completed reducer invocation's result, read
// back from its output object's metadata.
func (m *JobMetrics) ObserveReducer(lineCount int, elapsedS float64) {
	m.reducerInvocations.Inc()
	m.reducerElapsed.Observe(elapsedS)
	m.reducerLines.Add(float64(lineCount))
}

// SetReduceSteps records how many reduce waves the job took.
func (m *JobMetrics) SetReduceSteps(steps int) {
	m.reduceSteps.Set(float64(steps))
}

// SetJobDuration records the job's total wall-clock duration.
func (m *JobMetrics) SetJobDuration(seconds float64) {
	m.jobDurationSeconds.Set(seconds)
}

// Push pushes the accumulated metrics to a Prometheus Pushgateway at
// gatewayURL. Called once, at job end; a failed push is logged by the
// caller but never fails the job — metrics are observability, not a
// correctness dependency (SPEC_FULL.md §1, cost/metrics reporting is
// explicitly not part of the core).
func (m *JobMetrics) Push(gatewayURL, jobID string) error {
	if gatewayURL == "" {
		return nil
	}
	err := push.New(gatewayURL, "biglambda").
		Grouping("job_id", jobID).
		Gatherer(m.registry).
		Push()
	if err != nil {
		return fmt.Errorf("push metrics for job %s: %w", jobID, err)
	}
	return nil
}
