package stream

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
)

const notifyChannel = "workflow_event_chunk"

type listenConn interface {
	AcquireListenConn(ctx context.Context) (*pgx.Conn, error)
}

// postgresStreamer layers a single dedicated LISTEN connection over
// pollingStreamer's hub: on write or close, NOTIFY workflow_event_chunk
// carries the streamId alone (no chunkId); the listen loop wakes that
// stream's local subscribers the same way a same-process write already
// does via hub.publish, and each reader re-queries from its own last
// chunkId.
type postgresStreamer struct {
	*pollingStreamer
	listener listenConn

	mu   sync.Mutex
	conn *pgx.Conn
	done chan struct{}
}

func newPostgresStreamer(base *pollingStreamer, listener listenConn) *postgresStreamer {
	return &postgresStreamer{pollingStreamer: base, listener: listener}
}

func (s *postgresStreamer) WriteToStream(ctx context.Context, streamID string, data []byte) error {
	if err := s.pollingStreamer.WriteToStream(ctx, streamID, data); err != nil {
		return err
	}
	s.notify(ctx, streamID)
	return nil
}

func (s *postgresStreamer) CloseStream(ctx context.Context, streamID string) error {
	if err := s.pollingStreamer.CloseStream(ctx, streamID); err != nil {
		return err
	}
	s.notify(ctx, streamID)
	return nil
}

func (s *postgresStreamer) notify(ctx context.Context, streamID string) {
	if _, err := s.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, streamID); err != nil {
		log.Printf("stream: pg_notify failed (poll fallback will still run): %v", err)
	}
}

func (s *postgresStreamer) Start(ctx context.Context) error {
	conn, err := s.listener.AcquireListenConn(ctx)
	if err != nil {
		log.Printf("stream: listen connection unavailable, falling back to pure polling: %v", err)
		return nil
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", notifyChannel)); err != nil {
		_ = conn.Close(ctx)
		log.Printf("stream: LISTEN failed, falling back to pure polling: %v", err)
		return nil
	}

	s.mu.Lock()
	s.conn = conn
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.listenLoop(ctx, conn, s.done)
	return nil
}

func (s *postgresStreamer) listenLoop(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("stream: wait for notification: %v", err)
			return
		}
		streamID := strings.TrimSpace(notification.Payload)
		if s.hub.hasSubscribers(streamID) {
			s.hub.publish(streamID)
		}
	}
}

func (s *postgresStreamer) Stop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	done := s.done
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.Close(ctx)
	if done != nil {
		<-done
	}
	return nil
}
