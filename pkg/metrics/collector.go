// Package metrics holds the Prometheus instruments shared by the pipeline,
// the scheduler and the lifecycle jobs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups the process metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	pipelineApplied  *prometheus.CounterVec
	pipelineFailed   *prometheus.CounterVec
	pipelineSkipped  *prometheus.CounterVec
	pipelineRuns     *prometheus.CounterVec
	pipelineDuration prometheus.Histogram

	jobRuns     *prometheus.CounterVec
	jobSkips    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobsRunning prometheus.Gauge

	pruneEnqueued *prometheus.CounterVec
	rollupNodes   *prometheus.CounterVec
}

// NewCollector registers the instruments on reg. A nil reg creates
// unregistered instruments.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		pipelineApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_entries_applied_total",
				Help:      "Outbox entries applied to a derived index",
			},
			[]string{"target", "action"},
		),
		pipelineFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_entries_failed_total",
				Help:      "Outbox entries whose application failed",
			},
			[]string{"target"},
		),
		pipelineSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_entries_skipped_total",
				Help:      "Outbox entries consumed without a registered target",
			},
			[]string{"target"},
		),
		pipelineRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Pipeline passes by outcome",
			},
			[]string{"result"},
		),
		pipelineDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_run_duration_seconds",
				Help:      "Pipeline pass duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		jobRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_job_runs_total",
				Help:      "Finished job runs by outcome",
			},
			[]string{"job", "result"},
		),
		jobSkips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_job_skips_total",
				Help:      "Triggers skipped because a previous run was still in flight",
			},
			[]string{"job"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_job_duration_seconds",
				Help:      "Job run duration in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 1800},
			},
			[]string{"job"},
		),
		jobsRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_jobs_running",
				Help:      "Job runs currently in flight",
			},
		),
		pruneEnqueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_prune_enqueued_total",
				Help:      "Index deletions enqueued by retention",
			},
			[]string{"target"},
		),
		rollupNodes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_rollup_nodes_total",
				Help:      "Parent TOC nodes written by rollup",
			},
			[]string{"level"},
		),
	}
}

func (c *Collector) EntryApplied(target, action string) {
	if c == nil {
		return
	}
	c.pipelineApplied.WithLabelValues(target, action).Inc()
}

func (c *Collector) EntryFailed(target string) {
	if c == nil {
		return
	}
	c.pipelineFailed.WithLabelValues(target).Inc()
}

func (c *Collector) EntrySkipped(target string) {
	if c == nil {
		return
	}
	c.pipelineSkipped.WithLabelValues(target).Inc()
}

func (c *Collector) PipelineRun(result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.pipelineRuns.WithLabelValues(result).Inc()
	c.pipelineDuration.Observe(elapsed.Seconds())
}

func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsRunning.Inc()
}

func (c *Collector) JobFinished(job, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobsRunning.Dec()
	c.jobRuns.WithLabelValues(job, result).Inc()
	c.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (c *Collector) JobSkipped(job string) {
	if c == nil {
		return
	}
	c.jobSkips.WithLabelValues(job).Inc()
}

func (c *Collector) PruneEnqueued(target string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.pruneEnqueued.WithLabelValues(target).Add(float64(n))
}

func (c *Collector) RollupNode(level string) {
	if c == nil {
		return
	}
	c.rollupNodes.WithLabelValues(level).Inc()
}
