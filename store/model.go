// Package store is the durable CRUD layer over runs, steps, events, and
// hooks. One implementation exists per relational back-end (postgres.go,
// mysql.go, sqlite.go); all three satisfy the same Storage contract so the
// facade can swap back-ends without touching callers.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run, step, event, or hook does
// not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a create would collide with an existing
// primary key. Resume on a run that is not paused returns ErrNotFound.
var ErrConflict = errors.New("store: conflict")

// RunStatus is the lifecycle state of a Run.
//
// States: pending -> running -> (paused <-> running) -> completed | failed
// | cancelled. Terminal states never transition further.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is one of the run's terminal states.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a Step attempt.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether s is a terminal step status.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// Run is one execution of a named workflow.
//
// StartedAt is set exactly once, on the first transition to running.
// CompletedAt is set exactly once, on the first transition to a terminal
// status, and is never cleared afterward.
type Run struct {
	RunID            string          `json:"runId"`
	DeploymentID     string          `json:"deploymentId"`
	WorkflowName     string          `json:"workflowName"`
	Status           RunStatus       `json:"status"`
	Input            json.RawMessage `json:"input"`
	Output           json.RawMessage `json:"output,omitempty"`
	// ExecutionContext is opaque to this package: a scheduler resuming a
	// paused run stores whatever it needs here (pending step descriptors,
	// an RNG seed, recorded I/O for deterministic replay) and reads it
	// back verbatim on the next transition.
	ExecutionContext json.RawMessage `json:"executionContext,omitempty"`
	Error            *string         `json:"error,omitempty"`
	ErrorCode        *string         `json:"errorCode,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// Step is one attempt of a named step inside a run.
type Step struct {
	RunID       string          `json:"runId"`
	StepID      string          `json:"stepId"`
	StepName    string          `json:"stepName"`
	Status      StepStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	ErrorCode   *string         `json:"errorCode,omitempty"`
	Attempt     int             `json:"attempt"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Event is an immutable, append-only log entry used for replay.
// CorrelationID is an optional grouping key (e.g. a hook token) used by
// ListByCorrelationID.
type Event struct {
	EventID       string          `json:"eventId"`
	RunID         string          `json:"runId"`
	EventType     string          `json:"eventType"`
	CorrelationID *string         `json:"correlationId,omitempty"`
	EventData     json.RawMessage `json:"eventData"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Hook is an external callback registration, addressed by an opaque
// Token. Hooks are immutable once created except for removal via Dispose.
type Hook struct {
	HookID      string          `json:"hookId"`
	RunID       string          `json:"runId"`
	Token       string          `json:"token"`
	OwnerID     string          `json:"ownerId"`
	ProjectID   string          `json:"projectId"`
	Environment string          `json:"environment"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// AuthContext is the tenant identity an external AuthProvider resolves.
// Hooks.Create stamps it onto the Hook row; nothing else in the store
// interprets it. It resolves Open Question (c) from spec.md section 9:
// ownerId/projectId/environment are populated from this context rather
// than left blank pending integration.
type AuthContext struct {
	Environment string
	OwnerID     string
	ProjectID   string
}
