package emit

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestLogEmitter_TextMode(t *testing.T) {
	t.Run("emits record with all fields", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Record{
			RunID: "wrun_001",
			Msg:   "run_created",
			Meta:  map[string]any{"workflowName": "onboarding"},
		})

		output := buf.String()
		if !strings.Contains(output, "wrun_001") {
			t.Errorf("expected output to contain RunID, got: %s", output)
		}
		if !strings.Contains(output, "run_created") {
			t.Errorf("expected output to contain Msg, got: %s", output)
		}
		if !strings.Contains(output, "onboarding") {
			t.Errorf("expected output to contain meta value, got: %s", output)
		}
	})

	t.Run("omits runID when empty", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)
		emitter.Emit(Record{Msg: "job_leased"})
		if !strings.HasPrefix(buf.String(), "[job_leased]") {
			t.Errorf("expected line to start with [job_leased], got: %s", buf.String())
		}
	})
}

func TestLogEmitter_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)
	emitter.Emit(Record{RunID: "wrun_002", Msg: "job_retry"})

	output := buf.String()
	if !strings.Contains(output, `"runID":"wrun_002"`) {
		t.Errorf("expected JSON output to contain runID field, got: %s", output)
	}
	if !strings.HasSuffix(output, "\n") {
		t.Error("expected JSON lines output to be newline-terminated")
	}
}

func TestLogEmitter_EmitBatch(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	records := []Record{
		{Msg: "run_created", RunID: "wrun_001"},
		{Msg: "job_leased", RunID: "wrun_001"},
	}
	if err := emitter.EmitBatch(context.Background(), records); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 output lines, got %d", len(lines))
	}
}

func TestNullEmitter_DiscardsEverything(t *testing.T) {
	emitter := NewNullEmitter()
	emitter.Emit(Record{Msg: "run_created"})
	if err := emitter.EmitBatch(context.Background(), []Record{{Msg: "run_created"}}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}
