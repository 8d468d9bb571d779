package emit

import "context"

// Multi fans a Record out to every wrapped Emitter in order. A caller can
// pass one to world.WithEmitter to combine a LogEmitter with a
// MetricsEmitter and/or OTelEmitter; World itself never builds a Multi.
type Multi struct {
	emitters []Emitter
}

// NewMulti wraps emitters, skipping nils so callers can pass optional
// sinks unconditionally.
func NewMulti(emitters ...Emitter) *Multi {
	m := &Multi{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

func (m *Multi) Emit(record Record) {
	for _, e := range m.emitters {
		e.Emit(record)
	}
}

func (m *Multi) EmitBatch(ctx context.Context, records []Record) error {
	for _, e := range m.emitters {
		if err := e.EmitBatch(ctx, records); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) Flush(ctx context.Context) error {
	for _, e := range m.emitters {
		if err := e.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}
