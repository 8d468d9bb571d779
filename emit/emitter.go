// Package emit provides observability sinks for World's storage, queue,
// and stream operations: a pluggable Emitter records lifecycle events
// the way the teacher's graph/emit package records node execution
// events. It is separate from the store.Event rows, which are written
// only through store.Events.Create.
package emit

import "context"

// Record is one observability event. Named Record, not Event, so it
// doesn't collide with store.Event (the durable entity); Records are
// never persisted by this package or by the emitters that produce them.
type Record struct {
	// RunID identifies the workflow run this event concerns, empty for
	// queue/stream events with no associated run.
	RunID string

	// Msg names the event, e.g. "run_created", "job_leased",
	// "job_retry", "stream_chunk_written".
	Msg string

	// Meta carries event-specific structured data: job ids, attempt
	// counts, stream ids, error strings.
	Meta map[string]any
}

// Emitter receives observability events from storage, queue, and stream
// operations. Implementations must not block the caller and must not
// panic; a slow or failing sink should degrade silently rather than
// stall a run.
type Emitter interface {
	// Emit records a single event.
	Emit(record Record)

	// EmitBatch records multiple events in one call, preserving order.
	EmitBatch(ctx context.Context, records []Record) error

	// Flush blocks until all buffered events are sent, or ctx expires.
	Flush(ctx context.Context) error
}
