package emit

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

type recordingEmitter struct {
	records []Record
}

func (r *recordingEmitter) Emit(record Record) { r.records = append(r.records, record) }
func (r *recordingEmitter) EmitBatch(ctx context.Context, records []Record) error {
	r.records = append(r.records, records...)
	return nil
}
func (r *recordingEmitter) Flush(ctx context.Context) error { return nil }

type failingEmitter struct{ err error }

func (f *failingEmitter) Emit(record Record)                               {}
func (f *failingEmitter) EmitBatch(ctx context.Context, records []Record) error { return f.err }
func (f *failingEmitter) Flush(ctx context.Context) error                  { return f.err }

func TestMulti_FansOutToAllEmitters(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogEmitter(&buf, false)
	rec := &recordingEmitter{}
	m := NewMulti(log, rec)

	m.Emit(Record{Msg: "run_created"})

	if buf.Len() == 0 {
		t.Error("expected LogEmitter to receive the record")
	}
	if len(rec.records) != 1 {
		t.Errorf("expected recordingEmitter to receive 1 record, got %d", len(rec.records))
	}
}

func TestMulti_SkipsNilEmitters(t *testing.T) {
	rec := &recordingEmitter{}
	m := NewMulti(nil, rec, nil)

	m.Emit(Record{Msg: "job_leased"})
	if len(rec.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(rec.records))
	}
	if len(m.emitters) != 1 {
		t.Errorf("expected nils to be filtered, got %d emitters", len(m.emitters))
	}
}

func TestMulti_EmitBatchShortCircuitsOnError(t *testing.T) {
	wantErr := errors.New("boom")
	rec := &recordingEmitter{}
	m := NewMulti(&failingEmitter{err: wantErr}, rec)

	err := m.EmitBatch(context.Background(), []Record{{Msg: "run_created"}})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected error %v, got %v", wantErr, err)
	}
	if len(rec.records) != 0 {
		t.Errorf("expected second emitter to be skipped after first failed, got %d records", len(rec.records))
	}
}

func TestMulti_FlushPropagatesError(t *testing.T) {
	wantErr := errors.New("flush failed")
	m := NewMulti(&failingEmitter{err: wantErr})

	if err := m.Flush(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected error %v, got %v", wantErr, err)
	}
}
