package emit

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestMetricsEmitter_RunLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsEmitter(registry)

	m.Emit(Record{Msg: "run_created"})
	if got := counterValue(t, m.runsCreated); got != 1 {
		t.Errorf("expected runsCreated=1, got %v", got)
	}
	if got := gaugeValue(t, m.activeRuns); got != 1 {
		t.Errorf("expected activeRuns=1 after run_created, got %v", got)
	}

	m.Emit(Record{Msg: "run_terminal"})
	if got := gaugeValue(t, m.activeRuns); got != 0 {
		t.Errorf("expected activeRuns=0 after run_terminal, got %v", got)
	}
}

func TestMetricsEmitter_JobCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsEmitter(registry)

	m.Emit(Record{Msg: "job_leased", Meta: map[string]any{"group": "flows"}})
	m.Emit(Record{Msg: "job_retry", Meta: map[string]any{"group": "flows"}})
	m.Emit(Record{Msg: "job_failed", Meta: map[string]any{"group": "steps"}})

	if got := counterValue(t, m.jobsLeased.WithLabelValues("flows")); got != 1 {
		t.Errorf("expected jobsLeased{flows}=1, got %v", got)
	}
	if got := counterValue(t, m.jobsRetried.WithLabelValues("flows")); got != 1 {
		t.Errorf("expected jobsRetried{flows}=1, got %v", got)
	}
	if got := counterValue(t, m.jobsFailed.WithLabelValues("steps")); got != 1 {
		t.Errorf("expected jobsFailed{steps}=1, got %v", got)
	}
}

func TestMetricsEmitter_DisableStopsRecording(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsEmitter(registry)
	m.Disable()

	m.Emit(Record{Msg: "run_created"})
	if got := counterValue(t, m.runsCreated); got != 0 {
		t.Errorf("expected no recording while disabled, got %v", got)
	}

	m.Enable()
	m.Emit(Record{Msg: "run_created"})
	if got := counterValue(t, m.runsCreated); got != 1 {
		t.Errorf("expected recording to resume after Enable, got %v", got)
	}
}

func TestMetricsEmitter_StreamChunks(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetricsEmitter(registry)

	if err := m.EmitBatch(context.Background(), []Record{
		{Msg: "stream_chunk_written"},
		{Msg: "stream_chunk_written"},
	}); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}
	if got := counterValue(t, m.chunksWritten); got != 2 {
		t.Errorf("expected chunksWritten=2, got %v", got)
	}
}
