// Package queue implements the polling and LISTEN/NOTIFY job queues that
// dispatch workflow and step execution to an injected Executor. Two
// implementations share one contract (polling.go for MySQL/SQLite,
// postgres.go for PostgreSQL); callers never see which one they got.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/world/db"
	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
)

// ErrInvalidQueueName is returned by ParseQueueName when name does not
// match either recognized prefix.
var ErrInvalidQueueName = errors.New("queue: invalid queue name")

// Group is the stable job-queue name a caller-facing queue name maps to.
type Group string

const (
	GroupWorkflow Group = "flows"
	GroupStep     Group = "steps"
)

const (
	prefixWorkflow = "__wkf_workflow_"
	prefixStep     = "__wkf_step_"
)

// ParseQueueName splits a caller-facing queue name into its stable Group
// and the opaque id portion, per the queue name grammar: names must start
// with __wkf_workflow_ or __wkf_step_.
func ParseQueueName(name string) (Group, string, error) {
	switch {
	case strings.HasPrefix(name, prefixWorkflow):
		return GroupWorkflow, strings.TrimPrefix(name, prefixWorkflow), nil
	case strings.HasPrefix(name, prefixStep):
		return GroupStep, strings.TrimPrefix(name, prefixStep), nil
	default:
		return "", "", fmt.Errorf("queue: %q: %w", name, ErrInvalidQueueName)
	}
}

// externalName reconstructs the caller-facing queue name a Job was
// enqueued under, the inverse of ParseQueueName.
func externalName(group Group, id string) string {
	switch group {
	case GroupWorkflow:
		return prefixWorkflow + id
	case GroupStep:
		return prefixStep + id
	default:
		return id
	}
}

func groupFromQueueName(queueName, jobPrefix string) Group {
	switch strings.TrimPrefix(queueName, jobPrefix) {
	case string(GroupWorkflow):
		return GroupWorkflow
	case string(GroupStep):
		return GroupStep
	default:
		return ""
	}
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is one row of the internal jobs table.
type Job struct {
	ID             string
	QueueName      string
	Payload        json.RawMessage
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	ScheduledFor   time.Time
	LockedUntil    *time.Time
	Error          *string
	IdempotencyKey *string
	CreatedAt      time.Time
}

// MessageData is the envelope stored in Job.Payload and handed to the
// Executor on dispatch.
type MessageData struct {
	ID             string          `json:"id"`
	Data           json.RawMessage `json:"data"`
	Attempt        int             `json:"attempt"`
	MessageID      string          `json:"messageId"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Result is what an Executor reports back for a dispatched message.
type Result struct {
	Output json.RawMessage
}

// Executor runs a dispatched message and reports success or failure. It
// is injected into Queue the way the teacher injects a Store[S] and
// Emitter into graph.New — a narrow interface, never a concrete HTTP
// handler.
type Executor interface {
	Dispatch(ctx context.Context, queueName string, msg MessageData) (Result, error)
}

// EnqueueOptions customizes Queue.Enqueue.
type EnqueueOptions struct {
	// IdempotencyKey, if set, makes Enqueue a no-op returning the existing
	// job's id when a row with the same key already exists.
	IdempotencyKey string
}

// Queue is the contract both the polling and PostgreSQL implementations
// satisfy identically.
type Queue interface {
	// Enqueue inserts a pending job for name (which must match the queue
	// name grammar) and returns its messageId.
	Enqueue(ctx context.Context, name string, message json.RawMessage, opts EnqueueOptions) (string, error)

	// Start begins the worker loops. Safe to call more than once; only the
	// first call has effect.
	Start(ctx context.Context) error

	// Stop stops accepting new polls and waits for in-flight handlers to
	// finish.
	Stop(ctx context.Context) error

	// CreateSchema applies the jobs table, idempotently.
	CreateSchema(ctx context.Context) error
}

// Config controls queue behavior, mirroring spec.md section 6's
// WORKFLOW_SQL_JOB_PREFIX / WORKFLOW_SQL_WORKER_CONCURRENCY.
type Config struct {
	JobPrefix   string
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.JobPrefix == "" {
		c.JobPrefix = "workflow_"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	return c
}

// New constructs the Queue implementation matching adapter's back-end:
// PostgreSQL gets the LISTEN/NOTIFY delegate, MySQL/SQLite get the
// polling implementation. emitter receives job_leased/job_retry/job_failed
// events, each carrying the job's Group in Meta["group"]; pass
// emit.NewNullEmitter() if observability isn't wired up yet.
func New(adapter db.Adapter, ids *idgen.Generator, executor Executor, cfg Config, emitter emit.Emitter) (Queue, error) {
	cfg = cfg.withDefaults()
	base := newPollingQueue(adapter.DB(), adapter.Backend(), ids, executor, cfg, emitter)
	if adapter.Backend() != db.Postgres {
		return base, nil
	}
	listener, ok := db.ListenConnFor(adapter)
	if !ok {
		return base, nil
	}
	return newPostgresQueue(base, listener), nil
}
