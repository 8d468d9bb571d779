// Package stream implements the append-only chunked byte-stream store:
// writeToStream/closeStream/readFromStream, with ordered, live delivery
// to readers. PostgreSQL delivers live wake-ups via LISTEN/NOTIFY;
// MySQL/SQLite fall back to polling (stream/polling.go vs
// stream/postgres.go), behind one Streamer contract.
package stream

import (
	"context"
	"time"

	"github.com/dshills/world/db"
	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
)

// Chunk is one row of the stream_chunks table.
type Chunk struct {
	StreamID  string
	ChunkID   string
	Data      []byte
	EOF       bool
	CreatedAt time.Time
}

// Event is what ReadFromStream delivers to a reader: either a data chunk,
// a terminal EOF with no further events, or an Err that also terminates
// delivery.
type Event struct {
	Data []byte
	EOF  bool
	Err  error
}

// Streamer is the contract both the polling and PostgreSQL
// implementations satisfy identically.
type Streamer interface {
	// WriteToStream appends a non-EOF chunk.
	WriteToStream(ctx context.Context, streamID string, data []byte) error

	// CloseStream appends a zero-length chunk with EOF set. Idempotent:
	// writes after the first EOF are accepted but ignored by readers.
	CloseStream(ctx context.Context, streamID string) error

	// ReadFromStream returns a channel of Events in ascending chunkId
	// order, skipping the first startIndex logical chunks. The channel
	// closes after an EOF event, an Err event, or ctx cancellation.
	ReadFromStream(ctx context.Context, streamID string, startIndex int) (<-chan Event, error)

	// Start begins the background LISTEN loop (PostgreSQL) or is a no-op
	// (MySQL/SQLite, which poll per active reader instead).
	Start(ctx context.Context) error

	// Stop releases the background LISTEN connection, if any.
	Stop(ctx context.Context) error

	// CreateSchema applies the stream_chunks table, idempotently.
	CreateSchema(ctx context.Context) error
}

// New constructs the Streamer implementation matching adapter's
// back-end: PostgreSQL gets the LISTEN/NOTIFY delegate, MySQL/SQLite get
// the polling implementation. emitter receives stream_chunk_written on
// every successful WriteToStream; pass emit.NewNullEmitter() if
// observability isn't wired up yet.
func New(adapter db.Adapter, ids *idgen.Generator, emitter emit.Emitter) (Streamer, error) {
	base := newPollingStreamer(adapter.DB(), adapter.Backend(), ids, emitter)
	if adapter.Backend() != db.Postgres {
		return base, nil
	}
	listener, ok := db.ListenConnFor(adapter)
	if !ok {
		return base, nil
	}
	return newPostgresStreamer(base, listener), nil
}
