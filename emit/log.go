package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes structured log output for every event, in text
// ("[msg] runID=... meta={...}", with Meta rendered as JSON) or
// JSON-lines form.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter builds a LogEmitter writing to writer (os.Stdout if
// nil) in jsonMode or human-readable text.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(record Record) {
	if l.jsonMode {
		l.emitJSON(record)
		return
	}
	l.emitText(record)
}

func (l *LogEmitter) emitJSON(record Record) {
	data, err := json.Marshal(struct {
		RunID string         `json:"runID,omitempty"`
		Msg   string         `json:"msg"`
		Meta  map[string]any `json:"meta,omitempty"`
	}{RunID: record.RunID, Msg: record.Msg, Meta: record.Meta})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(record Record) {
	_, _ = fmt.Fprintf(l.writer, "[%s]", record.Msg)
	if record.RunID != "" {
		_, _ = fmt.Fprintf(l.writer, " runID=%s", record.RunID)
	}
	if len(record.Meta) > 0 {
		if metaJSON, err := json.Marshal(record.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", record.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

func (l *LogEmitter) EmitBatch(_ context.Context, records []Record) error {
	for _, record := range records {
		l.Emit(record)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously with no internal
// buffer. Wrap writer in a bufio.Writer and flush that directly if
// buffering is desired.
func (l *LogEmitter) Flush(context.Context) error { return nil }
