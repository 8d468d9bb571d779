package emit

import "context"

// NullEmitter discards every event. It is the default sink for
// World.New when the caller supplies no Option, so storage/queue/stream
// code can always call Emit without a nil check.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that discards all events.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (n *NullEmitter) Emit(Record) {}

func (n *NullEmitter) EmitBatch(context.Context, []Record) error { return nil }

func (n *NullEmitter) Flush(context.Context) error { return nil }
