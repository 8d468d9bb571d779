package stream

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dshills/world/db"
	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
)

const (
	pollInterval  = 200 * time.Millisecond
	pollBatchSize = 100
)

// pollingStreamer is the MySQL/SQLite implementation from spec.md
// section 4.4: a reader subscribes to the in-process hub before its
// initial SELECT, then either waits on hub wake-ups (same-process
// writers) or a 200ms ticker (cross-process writers) until it observes
// an EOF chunk. postgresStreamer embeds this and layers a cross-process
// NOTIFY wake on top of the same hub.
type pollingStreamer struct {
	db      *sql.DB
	ids     *idgen.Generator
	hub     *hub
	backend db.Backend
	dollar  bool
	emitter emit.Emitter
}

func newPollingStreamer(database *sql.DB, backend db.Backend, ids *idgen.Generator, emitter emit.Emitter) *pollingStreamer {
	return &pollingStreamer{db: database, ids: ids, hub: newHub(), backend: backend, dollar: backend == db.Postgres, emitter: emitter}
}

func (s *pollingStreamer) placeholder(n int) string {
	if s.dollar {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *pollingStreamer) Start(ctx context.Context) error { return nil }
func (s *pollingStreamer) Stop(ctx context.Context) error  { return nil }

func (s *pollingStreamer) CreateSchema(ctx context.Context) error {
	dataType := "BLOB"
	timestampType := "TIMESTAMP"
	suffix := ""
	switch s.backend {
	case db.Postgres:
		dataType = "BYTEA"
		timestampType = "TIMESTAMPTZ"
	case db.MySQL:
		dataType = "LONGBLOB"
		timestampType = "TIMESTAMP(6)"
		suffix = " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS stream_chunks (
		stream_id VARCHAR(255) NOT NULL,
		chunk_id VARCHAR(255) NOT NULL,
		chunk_data %s NOT NULL,
		eof BOOLEAN NOT NULL DEFAULT FALSE,
		created_at %s NOT NULL,
		PRIMARY KEY (stream_id, chunk_id)
	)%s`, dataType, timestampType, suffix)

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("stream: schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_stream_chunks_stream ON stream_chunks(stream_id, chunk_id)`); err != nil {
		return fmt.Errorf("stream: schema index: %w", err)
	}
	return nil
}

func (s *pollingStreamer) WriteToStream(ctx context.Context, streamID string, data []byte) error {
	chunkID := s.ids.Next(idgen.Chunk)
	insert := fmt.Sprintf(`INSERT INTO stream_chunks (stream_id, chunk_id, chunk_data, eof, created_at)
		VALUES (%s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))

	if _, err := s.db.ExecContext(ctx, insert, streamID, chunkID, data, false, time.Now().UTC()); err != nil {
		return fmt.Errorf("stream: write %s: %w", streamID, err)
	}
	s.hub.publish(streamID)
	s.emitter.Emit(emit.Record{Msg: "stream_chunk_written", Meta: map[string]any{"streamId": streamID, "chunkId": chunkID}})
	return nil
}

func (s *pollingStreamer) CloseStream(ctx context.Context, streamID string) error {
	chunkID := s.ids.Next(idgen.Chunk)
	insert := fmt.Sprintf(`INSERT INTO stream_chunks (stream_id, chunk_id, chunk_data, eof, created_at)
		VALUES (%s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))

	if _, err := s.db.ExecContext(ctx, insert, streamID, chunkID, []byte{}, true, time.Now().UTC()); err != nil {
		return fmt.Errorf("stream: close %s: %w", streamID, err)
	}
	s.hub.publish(streamID)
	return nil
}

// ReadFromStream implements spec.md section 4.4's reader algorithm:
// subscribe before the initial SELECT (so no write race drops a wake),
// skip startIndex logical chunks, then emit chunks in order until EOF.
func (s *pollingStreamer) ReadFromStream(ctx context.Context, streamID string, startIndex int) (<-chan Event, error) {
	wake, unsubscribe := s.hub.subscribe(streamID)
	out := make(chan Event, 1)

	go func() {
		defer close(out)
		defer unsubscribe()

		lastChunkID := ""
		skipped := 0
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			chunks, err := s.selectAfter(ctx, streamID, lastChunkID)
			if err != nil {
				select {
				case out <- Event{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			for _, c := range chunks {
				lastChunkID = c.ChunkID
				if c.EOF {
					select {
					case out <- Event{EOF: true}:
					case <-ctx.Done():
					}
					return
				}
				if skipped < startIndex {
					skipped++
					continue
				}
				select {
				case out <- Event{Data: c.Data}:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}
		}
	}()

	return out, nil
}

func (s *pollingStreamer) selectAfter(ctx context.Context, streamID, afterChunkID string) ([]Chunk, error) {
	query := fmt.Sprintf(`SELECT stream_id, chunk_id, chunk_data, eof, created_at FROM stream_chunks
		WHERE stream_id = %s AND chunk_id > %s
		ORDER BY chunk_id ASC LIMIT %d`,
		s.placeholder(1), s.placeholder(2), pollBatchSize)

	rows, err := s.db.QueryContext(ctx, query, streamID, afterChunkID)
	if err != nil {
		return nil, fmt.Errorf("stream: select chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.StreamID, &c.ChunkID, &c.Data, &c.EOF, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("stream: scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
