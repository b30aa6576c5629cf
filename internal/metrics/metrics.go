// Package metrics exposes the Prometheus collectors every pipeline
// activation component reports to, and the /metrics + process-resource
// HTTP surface a deployment scrapes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns every collector the fabric reports to and implements the
// narrow Metrics interfaces internal/index, internal/scheduler,
// internal/dispatcher, internal/queue, and internal/producer each define
// for themselves.
type Registry struct {
	SignalsGenerated        *prometheus.CounterVec
	SignalsConsumed         prometheus.Counter
	PipelinesMatched        prometheus.Counter
	PipelinesEnqueued       prometheus.Counter
	PipelinesSkippedRunning prometheus.Counter
	EnqueueFailure          prometheus.Counter
	MalformedSignal         prometheus.Counter
	RefreshFailure          prometheus.Counter
	StaleLease              prometheus.Counter
	FailLoop                prometheus.Counter
	KafkaPublishSuccess     prometheus.Counter
	KafkaPublishFailure     prometheus.Counter
	PipelineCacheSize       prometheus.Gauge

	ExecutionDuration prometheus.Histogram
	SlowBatch         prometheus.Histogram

	ProcessCPUPercent prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
}

// New constructs a Registry and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		SignalsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signals_generated_total",
			Help: "Total signals produced, by signal_type.",
		}, []string{"signal_type"}),
		SignalsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signals_consumed_total",
			Help: "Total signals consumed off the event bus by the dispatcher.",
		}),
		PipelinesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelines_matched_total",
			Help: "Total pipeline candidate matches produced by index lookups.",
		}),
		PipelinesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelines_enqueued_total",
			Help: "Total pipelines successfully enqueued for execution.",
		}),
		PipelinesSkippedRunning: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelines_skipped_running_total",
			Help: "Total matched pipelines skipped because their lease was already held.",
		}),
		EnqueueFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enqueue_failure_total",
			Help: "Total executor-queue enqueue failures; the held lease is rolled back to idle on each.",
		}),
		MalformedSignal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "malformed_signal_total",
			Help: "Total envelopes dropped by the bus consumer for failing to decode.",
		}),
		RefreshFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresh_failure_total",
			Help: "Total pipeline index refresh cycles that failed and kept serving the prior snapshot.",
		}),
		StaleLease: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stale_lease_total",
			Help: "Total leases released back to idle by the liveness sweep.",
		}),
		FailLoop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fail_loop_total",
			Help: "Total pipelines parked after exceeding the worker pool's max fail count.",
		}),
		KafkaPublishSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_publish_success_total",
			Help: "Total signal envelopes successfully published to the event bus.",
		}),
		KafkaPublishFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_publish_failure_total",
			Help: "Total signal envelopes dropped after exhausting the publish retry budget.",
		}),
		PipelineCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_cache_size",
			Help: "Number of pipeline descriptors currently held in the in-memory index snapshot.",
		}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_execution_duration_seconds",
			Help:    "Wall-clock duration of one worker execution of a pipeline.",
			Buckets: prometheus.DefBuckets,
		}),
		SlowBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatcher_batch_match_duration_seconds",
			Help:    "Duration of dispatcher batch match-and-enqueue passes that took longer than 200ms.",
			Buckets: []float64{.01, .05, .1, .2, .5, 1, 2, 5},
		}),
		ProcessCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_cpu_percent",
			Help: "Process CPU utilisation percentage, sampled from gopsutil.",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_rss_bytes",
			Help: "Process resident set size in bytes, sampled from gopsutil.",
		}),
	}

	reg.MustRegister(
		m.SignalsGenerated,
		m.SignalsConsumed,
		m.PipelinesMatched,
		m.PipelinesEnqueued,
		m.PipelinesSkippedRunning,
		m.EnqueueFailure,
		m.MalformedSignal,
		m.RefreshFailure,
		m.StaleLease,
		m.FailLoop,
		m.KafkaPublishSuccess,
		m.KafkaPublishFailure,
		m.PipelineCacheSize,
		m.ExecutionDuration,
		m.SlowBatch,
		m.ProcessCPUPercent,
		m.ProcessRSSBytes,
	)

	return m
}

// IncSignalsGenerated implements producer.Metrics.
func (m *Registry) IncSignalsGenerated(signalType string) { m.SignalsGenerated.WithLabelValues(signalType).Inc() }

// IncPublishSuccess implements producer.Metrics.
func (m *Registry) IncPublishSuccess() { m.KafkaPublishSuccess.Inc() }

// IncPublishFailure implements producer.Metrics.
func (m *Registry) IncPublishFailure() { m.KafkaPublishFailure.Inc() }

// IncRefreshFailure implements index.FailureCounter.
func (m *Registry) IncRefreshFailure() { m.RefreshFailure.Inc() }

// IncPipelinesEnqueued implements scheduler.Metrics and dispatcher.Metrics.
func (m *Registry) IncPipelinesEnqueued(n int) { m.PipelinesEnqueued.Add(float64(n)) }

// IncStaleLease implements scheduler.Metrics.
func (m *Registry) IncStaleLease(n int) { m.StaleLease.Add(float64(n)) }

// IncSignalsConsumed implements dispatcher.Metrics.
func (m *Registry) IncSignalsConsumed() { m.SignalsConsumed.Inc() }

// IncPipelinesMatched implements dispatcher.Metrics.
func (m *Registry) IncPipelinesMatched(n int) { m.PipelinesMatched.Add(float64(n)) }

// IncPipelinesSkippedRunning implements dispatcher.Metrics.
func (m *Registry) IncPipelinesSkippedRunning(n int) { m.PipelinesSkippedRunning.Add(float64(n)) }

// IncEnqueueFailure implements dispatcher.Metrics.
func (m *Registry) IncEnqueueFailure() { m.EnqueueFailure.Inc() }

// IncMalformedSignal implements dispatcher.Metrics and internal/bus consumers.
func (m *Registry) IncMalformedSignal() { m.MalformedSignal.Inc() }

// ObserveSlowBatch implements dispatcher.Metrics.
func (m *Registry) ObserveSlowBatch(d time.Duration) { m.SlowBatch.Observe(d.Seconds()) }

// ObserveExecutionDuration implements queue.WorkerMetrics.
func (m *Registry) ObserveExecutionDuration(seconds float64) { m.ExecutionDuration.Observe(seconds) }

// IncFailLoop implements queue.WorkerMetrics.
func (m *Registry) IncFailLoop() { m.FailLoop.Inc() }

// SetPipelineCacheSize reports the index's current descriptor count.
func (m *Registry) SetPipelineCacheSize(n int) { m.PipelineCacheSize.Set(float64(n)) }
