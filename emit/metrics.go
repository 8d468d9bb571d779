package emit

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsEmitter turns Records into Prometheus counters and a gauge,
// namespaced "world_", the way the teacher's PrometheusMetrics turns
// graph execution events into "langgraph_"-namespaced series.
//
// Metrics exposed:
//   - world_jobs_leased_total{group}: jobs the polling loop leased.
//   - world_jobs_retried_total{group}: jobs sent back to pending after
//     a failed dispatch.
//   - world_jobs_failed_total{group}: jobs exhausted their attempts.
//   - world_stream_chunks_written_total{}: chunks appended across all
//     streams.
//   - world_runs_created_total{}: runs created.
//   - world_active_runs: gauge of runs not yet in a terminal state,
//     incremented on run_created and decremented on run_terminal.
type MetricsEmitter struct {
	jobsLeased    *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	chunksWritten prometheus.Counter
	runsCreated   prometheus.Counter
	activeRuns    prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// NewMetricsEmitter registers World's metrics with registry (use
// prometheus.DefaultRegisterer for the global registry).
func NewMetricsEmitter(registry prometheus.Registerer) *MetricsEmitter {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &MetricsEmitter{
		jobsLeased: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "world",
			Name:      "jobs_leased_total",
			Help:      "Jobs leased by the polling queue worker loop",
		}, []string{"group"}),
		jobsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "world",
			Name:      "jobs_retried_total",
			Help:      "Jobs returned to pending after a failed dispatch",
		}, []string{"group"}),
		jobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "world",
			Name:      "jobs_failed_total",
			Help:      "Jobs that exhausted their retry budget",
		}, []string{"group"}),
		chunksWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "world",
			Name:      "stream_chunks_written_total",
			Help:      "Stream chunks appended across all streams",
		}),
		runsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "world",
			Name:      "runs_created_total",
			Help:      "Workflow runs created",
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "world",
			Name:      "active_runs",
			Help:      "Workflow runs not yet in a terminal state",
		}),
		enabled: true,
	}
}

// Emit maps a Record's Msg to the corresponding metric update. Unknown
// messages are ignored, so this Emitter can be chained after others
// that handle messages it doesn't recognize.
func (m *MetricsEmitter) Emit(record Record) {
	m.mu.RLock()
	enabled := m.enabled
	m.mu.RUnlock()
	if !enabled {
		return
	}

	switch record.Msg {
	case "job_leased":
		m.jobsLeased.WithLabelValues(stringMeta(record, "group")).Inc()
	case "job_retry":
		m.jobsRetried.WithLabelValues(stringMeta(record, "group")).Inc()
	case "job_failed":
		m.jobsFailed.WithLabelValues(stringMeta(record, "group")).Inc()
	case "stream_chunk_written":
		m.chunksWritten.Inc()
	case "run_created":
		m.runsCreated.Inc()
		m.activeRuns.Inc()
	case "run_terminal":
		m.activeRuns.Dec()
	}
}

func stringMeta(record Record, key string) string {
	if record.Meta == nil {
		return ""
	}
	if v, ok := record.Meta[key].(string); ok {
		return v
	}
	return ""
}

func (m *MetricsEmitter) EmitBatch(_ context.Context, records []Record) error {
	for _, record := range records {
		m.Emit(record)
	}
	return nil
}

// Flush is a no-op: Prometheus counters/gauges are scraped, not pushed.
func (m *MetricsEmitter) Flush(context.Context) error { return nil }

// Disable stops metric recording, useful in tests that don't want a
// shared registry polluted between cases.
func (m *MetricsEmitter) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *MetricsEmitter) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
