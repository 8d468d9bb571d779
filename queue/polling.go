package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dshills/world/db"
	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
)

const (
	pollInterval       = 200 * time.Millisecond
	leaseDuration      = 30 * time.Second
	batchSize          = 10
	maxBackoff         = 60 * time.Second
	defaultMaxAttempts = 3
)

// pollingQueue is the MySQL/SQLite implementation from spec.md section
// 4.3: queueConcurrency workers per queue-name, each ticking every 200ms,
// leasing via a conditional UPDATE, retrying with capped exponential
// backoff. postgresQueue embeds this and adds a LISTEN/NOTIFY wake-up on
// top of the same loop.
type pollingQueue struct {
	db       *sql.DB
	ids      *idgen.Generator
	executor Executor
	cfg      Config
	backend  db.Backend
	dollar   bool // true for postgres placeholders ($1, $2, ...), false for ?
	emitter  emit.Emitter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// wake, if non-nil, lets an embedding queue (postgres) push an
	// immediate-poll signal to a worker instead of waiting out the ticker.
	// The polling implementation never populates it itself.
	wake map[string]chan struct{}
}

func newPollingQueue(database *sql.DB, backend db.Backend, ids *idgen.Generator, executor Executor, cfg Config, emitter emit.Emitter) *pollingQueue {
	return &pollingQueue{db: database, ids: ids, executor: executor, cfg: cfg, backend: backend, dollar: backend == db.Postgres, emitter: emitter}
}

func (q *pollingQueue) placeholder(n int) string {
	if q.dollar {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (q *pollingQueue) CreateSchema(ctx context.Context) error {
	switch q.backend {
	case db.MySQL:
		stmt := `CREATE TABLE IF NOT EXISTS jobs (
			id VARCHAR(255) PRIMARY KEY,
			queue_name VARCHAR(255) NOT NULL,
			payload JSON NOT NULL,
			status VARCHAR(32) NOT NULL,
			attempts INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			scheduled_for TIMESTAMP(6) NOT NULL,
			locked_until TIMESTAMP(6) NULL,
			error TEXT,
			idempotency_key VARCHAR(255),
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_jobs_queue_status (queue_name, status, scheduled_for),
			INDEX idx_jobs_idempotency_key (idempotency_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("queue: schema: %w", err)
		}
		return nil
	case db.Postgres:
		stmt := `CREATE TABLE IF NOT EXISTS jobs (
			id VARCHAR(255) PRIMARY KEY,
			queue_name VARCHAR(255) NOT NULL,
			payload JSONB NOT NULL,
			status VARCHAR(32) NOT NULL,
			attempts INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			scheduled_for TIMESTAMPTZ NOT NULL,
			locked_until TIMESTAMPTZ,
			error TEXT,
			idempotency_key VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL
		)`
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("queue: schema: %w", err)
		}
	default: // SQLite
		stmt := `CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			queue_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			max_attempts INTEGER NOT NULL,
			scheduled_for TIMESTAMP NOT NULL,
			locked_until TIMESTAMP,
			error TEXT,
			idempotency_key TEXT,
			created_at TIMESTAMP NOT NULL
		)`
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("queue: schema: %w", err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_jobs_queue_status ON jobs(queue_name, status, scheduled_for)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_idempotency_key ON jobs(idempotency_key)`,
	}
	for _, idx := range indexes {
		if _, err := q.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("queue: schema index: %w", err)
		}
	}
	return nil
}

// Enqueue implements spec.md section 4.3's queue() operation. Because the
// job id is minted before the insert, no RETURNING/SELECT-by-PK dance is
// needed regardless of back-end.
func (q *pollingQueue) Enqueue(ctx context.Context, name string, message json.RawMessage, opts EnqueueOptions) (string, error) {
	group, queueID, err := ParseQueueName(name)
	if err != nil {
		return "", err
	}

	if opts.IdempotencyKey != "" {
		existing, ok, err := q.findByIdempotencyKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return "", err
		}
		if ok {
			return existing, nil
		}
	}

	messageID := q.ids.Next(idgen.Job)
	msg := MessageData{ID: queueID, Data: message, Attempt: 1, MessageID: messageID, IdempotencyKey: opts.IdempotencyKey}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("queue: marshal message: %w", err)
	}

	var idempotencyKey any
	if opts.IdempotencyKey != "" {
		idempotencyKey = opts.IdempotencyKey
	}

	now := time.Now().UTC()
	queueName := q.cfg.JobPrefix + string(group)
	insert := fmt.Sprintf(`INSERT INTO jobs
		(id, queue_name, payload, status, attempts, max_attempts, scheduled_for, locked_until, error, idempotency_key, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, NULL, NULL, %s, %s)`,
		q.placeholder(1), q.placeholder(2), q.placeholder(3), q.placeholder(4), q.placeholder(5),
		q.placeholder(6), q.placeholder(7), q.placeholder(8), q.placeholder(9))

	if _, err := q.db.ExecContext(ctx, insert, messageID, queueName, string(payload), JobPending,
		0, defaultMaxAttempts, now, idempotencyKey, now); err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", name, err)
	}
	q.signalWake(queueName)
	return messageID, nil
}

func (q *pollingQueue) findByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	query := fmt.Sprintf(`SELECT id FROM jobs WHERE idempotency_key = %s ORDER BY id ASC LIMIT 1`, q.placeholder(1))
	var id string
	err := q.db.QueryRowContext(ctx, query, key).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("queue: idempotency lookup: %w", err)
	}
	return id, true, nil
}

// signalWake is overridden (by wiring a non-nil wake map) when this core
// is embedded by postgresQueue; it is a no-op for plain polling.
func (q *pollingQueue) signalWake(queueName string) {
	q.mu.Lock()
	ch, ok := q.wake[queueName]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *pollingQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	q.mu.Unlock()

	for _, group := range []Group{GroupWorkflow, GroupStep} {
		queueName := q.cfg.JobPrefix + string(group)
		for i := 0; i < q.cfg.Concurrency; i++ {
			q.wg.Add(1)
			go q.runWorker(runCtx, queueName)
		}
	}
	return nil
}

func (q *pollingQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.running = false
	q.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *pollingQueue) runWorker(ctx context.Context, queueName string) {
	defer q.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	wakeCh := q.wakeChan(queueName)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.pollOnce(ctx, queueName)
		case <-wakeCh:
			q.pollOnce(ctx, queueName)
		}
	}
}

// wakeChan returns nil for plain polling queues; select on a nil channel
// simply never fires, which is what we want when there is no wake source.
func (q *pollingQueue) wakeChan(queueName string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.wake == nil {
		return nil
	}
	return q.wake[queueName]
}

func (q *pollingQueue) pollOnce(ctx context.Context, queueName string) {
	ids, err := q.selectCandidates(ctx, queueName)
	if err != nil {
		log.Printf("queue: poll %s: %v", queueName, err)
		return
	}
	for _, id := range ids {
		q.processOne(ctx, id)
	}
}

// selectCandidates finds jobs ready to lease: pending jobs due to run, plus
// processing jobs abandoned by a crashed worker whose lease has expired
// (spec.md section 4.3 step 6, lease stealing).
func (q *pollingQueue) selectCandidates(ctx context.Context, queueName string) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM jobs
		WHERE queue_name = %s AND scheduled_for <= %s
			AND (status = %s OR (status = %s AND locked_until <= %s))
		ORDER BY id ASC LIMIT %d`,
		q.placeholder(1), q.placeholder(2), q.placeholder(3), q.placeholder(4), q.placeholder(5), batchSize)

	now := time.Now().UTC()
	rows, err := q.db.QueryContext(ctx, query, queueName, now, JobPending, JobProcessing, now)
	if err != nil {
		return nil, fmt.Errorf("queue: select candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// processOne leases id, dispatches it to the Executor, and records the
// outcome. A failed lease (another worker won the race) is silent.
func (q *pollingQueue) processOne(ctx context.Context, id string) {
	leased, err := q.lease(ctx, id)
	if err != nil {
		log.Printf("queue: lease %s: %v", id, err)
		return
	}
	if !leased {
		return
	}

	job, err := q.getByID(ctx, id)
	if err != nil {
		log.Printf("queue: fetch leased job %s: %v", id, err)
		return
	}
	group := groupFromQueueName(job.QueueName, q.cfg.JobPrefix)
	q.emitter.Emit(emit.Record{Msg: "job_leased", Meta: map[string]any{"group": string(group), "jobId": id}})

	var msg MessageData
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		q.fail(ctx, id, group, fmt.Sprintf("decode payload: %v", err))
		return
	}
	msg.Attempt = job.Attempts

	_, dispatchErr := q.executor.Dispatch(ctx, externalName(group, msg.ID), msg)
	if dispatchErr == nil {
		q.complete(ctx, id)
		return
	}

	if job.Attempts >= job.MaxAttempts {
		q.fail(ctx, id, group, dispatchErr.Error())
		return
	}
	q.retry(ctx, id, group, backoffFor(job.Attempts), dispatchErr.Error())
}

// backoffFor implements spec.md section 4.3's formula:
// min(1000*2^attempts, 60000) ms.
func backoffFor(attempts int) time.Duration {
	d := time.Duration(1000) * time.Millisecond
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// lease atomically claims id for this worker, accepting either a pending
// job or a processing job whose lease has expired (crash recovery) — the
// same two conditions selectCandidates used to find it.
func (q *pollingQueue) lease(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	lockedUntil := now.Add(leaseDuration)
	query := fmt.Sprintf(`UPDATE jobs SET status = %s, locked_until = %s, attempts = attempts + 1
		WHERE id = %s AND (status = %s OR (status = %s AND locked_until <= %s))`,
		q.placeholder(1), q.placeholder(2), q.placeholder(3), q.placeholder(4), q.placeholder(5), q.placeholder(6))

	res, err := q.db.ExecContext(ctx, query, JobProcessing, lockedUntil, id, JobPending, JobProcessing, now)
	if err != nil {
		return false, fmt.Errorf("queue: lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: lease rows affected: %w", err)
	}
	return affected == 1, nil
}

func (q *pollingQueue) getByID(ctx context.Context, id string) (Job, error) {
	query := fmt.Sprintf(`SELECT id, queue_name, payload, status, attempts, max_attempts,
		scheduled_for, locked_until, error, idempotency_key, created_at
		FROM jobs WHERE id = %s`, q.placeholder(1))

	var job Job
	var payload string
	if err := q.db.QueryRowContext(ctx, query, id).Scan(&job.ID, &job.QueueName, &payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &job.ScheduledFor, &job.LockedUntil, &job.Error, &job.IdempotencyKey,
		&job.CreatedAt); err != nil {
		return Job{}, fmt.Errorf("queue: get job %s: %w", id, err)
	}
	job.Payload = json.RawMessage(payload)
	return job, nil
}

func (q *pollingQueue) complete(ctx context.Context, id string) {
	query := fmt.Sprintf(`UPDATE jobs SET status = %s, locked_until = NULL WHERE id = %s`,
		q.placeholder(1), q.placeholder(2))
	if _, err := q.db.ExecContext(ctx, query, JobCompleted, id); err != nil {
		log.Printf("queue: complete %s: %v", id, err)
	}
}

func (q *pollingQueue) retry(ctx context.Context, id string, group Group, backoff time.Duration, errMsg string) {
	query := fmt.Sprintf(`UPDATE jobs SET status = %s, locked_until = NULL, scheduled_for = %s, error = %s
		WHERE id = %s`, q.placeholder(1), q.placeholder(2), q.placeholder(3), q.placeholder(4))
	scheduledFor := time.Now().UTC().Add(backoff)
	if _, err := q.db.ExecContext(ctx, query, JobPending, scheduledFor, errMsg, id); err != nil {
		log.Printf("queue: retry %s: %v", id, err)
		return
	}
	q.emitter.Emit(emit.Record{Msg: "job_retry", Meta: map[string]any{"group": string(group), "jobId": id}})
}

func (q *pollingQueue) fail(ctx context.Context, id string, group Group, errMsg string) {
	query := fmt.Sprintf(`UPDATE jobs SET status = %s, locked_until = NULL, error = %s WHERE id = %s`,
		q.placeholder(1), q.placeholder(2), q.placeholder(3))
	if _, err := q.db.ExecContext(ctx, query, JobFailed, errMsg, id); err != nil {
		log.Printf("queue: fail %s: %v", id, err)
		return
	}
	q.emitter.Emit(emit.Record{Msg: "job_failed", Meta: map[string]any{"group": string(group), "jobId": id}})
}
