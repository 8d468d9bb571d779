package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/jackc/pgx/v5"
)

// notifyChannel is the single LISTEN channel shared by both job groups;
// the payload tells the woken worker which queue to re-poll immediately.
const notifyChannel = "world_jobs"

type listenConn interface {
	AcquireListenConn(ctx context.Context) (*pgx.Conn, error)
}

// postgresQueue layers LISTEN/NOTIFY over pollingQueue so that a worker
// reacts to a freshly enqueued job within milliseconds instead of waiting
// out the 200ms poll tick. The tick keeps running underneath as a
// fallback for notifications lost to a reconnect window.
type postgresQueue struct {
	*pollingQueue
	listener listenConn

	mu   sync.Mutex
	conn *pgx.Conn
	done chan struct{}
}

func newPostgresQueue(base *pollingQueue, listener listenConn) *postgresQueue {
	base.mu.Lock()
	base.wake = map[string]chan struct{}{
		base.cfg.JobPrefix + string(GroupWorkflow): make(chan struct{}, 1),
		base.cfg.JobPrefix + string(GroupStep):     make(chan struct{}, 1),
	}
	base.mu.Unlock()
	return &postgresQueue{pollingQueue: base, listener: listener}
}

// Enqueue inserts via the embedded pollingQueue (which also pokes this
// process's in-memory wake channel) and then issues pg_notify so that
// other world processes sharing the database wake immediately too.
func (q *postgresQueue) Enqueue(ctx context.Context, name string, message json.RawMessage, opts EnqueueOptions) (string, error) {
	group, _, err := ParseQueueName(name)
	if err != nil {
		return "", err
	}
	messageID, err := q.pollingQueue.Enqueue(ctx, name, message, opts)
	if err != nil {
		return "", err
	}
	queueName := q.cfg.JobPrefix + string(group)
	if _, err := q.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, queueName); err != nil {
		log.Printf("queue: pg_notify failed (poll fallback will still run): %v", err)
	}
	return messageID, nil
}

func (q *postgresQueue) Start(ctx context.Context) error {
	if err := q.pollingQueue.Start(ctx); err != nil {
		return err
	}

	conn, err := q.listener.AcquireListenConn(ctx)
	if err != nil {
		log.Printf("queue: listen connection unavailable, falling back to pure polling: %v", err)
		return nil
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", notifyChannel)); err != nil {
		_ = conn.Close(ctx)
		log.Printf("queue: LISTEN failed, falling back to pure polling: %v", err)
		return nil
	}

	q.mu.Lock()
	q.conn = conn
	q.done = make(chan struct{})
	q.mu.Unlock()

	go q.listenLoop(ctx, conn, q.done)
	return nil
}

func (q *postgresQueue) listenLoop(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("queue: wait for notification: %v", err)
			return
		}
		q.signalWake(notification.Payload)
	}
}

func (q *postgresQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	conn := q.conn
	done := q.done
	q.conn = nil
	q.mu.Unlock()

	if conn != nil {
		_ = conn.Close(ctx)
		if done != nil {
			<-done
		}
	}
	return q.pollingQueue.Stop(ctx)
}
