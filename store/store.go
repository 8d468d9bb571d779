package store

import (
	"context"
	"encoding/json"

	"github.com/dshills/world/db"
	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
)

// CreateRunParams is the caller-supplied data for Runs.Create. Status is
// always pending on create; everything else is assigned by the store.
type CreateRunParams struct {
	DeploymentID string
	WorkflowName string
	Input        json.RawMessage
}

// RunPatch carries the mutable fields Runs.Update may change. A nil field
// leaves the corresponding column untouched.
type RunPatch struct {
	Status           *RunStatus
	Output           json.RawMessage
	ExecutionContext json.RawMessage
	Error            *string
	ErrorCode        *string
}

// ListRunsParams controls Runs.List pagination and filtering.
type ListRunsParams struct {
	WorkflowName string
	Status       RunStatus
	Cursor       string // last seen runId; empty starts from the newest row
	Limit        int
}

// RunPage is one page of Runs.List, ordered by descending runId.
type RunPage struct {
	Runs    []Run
	Cursor  string
	HasMore bool
}

// Runs is the CRUD surface for the Run entity.
type Runs interface {
	Create(ctx context.Context, data CreateRunParams) (Run, error)
	Get(ctx context.Context, runID string) (Run, error)
	Update(ctx context.Context, runID string, patch RunPatch) (Run, error)
	Cancel(ctx context.Context, runID string) (Run, error)
	Pause(ctx context.Context, runID string) (Run, error)
	Resume(ctx context.Context, runID string) (Run, error)
	List(ctx context.Context, params ListRunsParams) (RunPage, error)
}

// CreateStepParams is the caller-supplied data for Steps.Create.
type CreateStepParams struct {
	RunID    string
	StepName string
	Input    json.RawMessage
	Attempt  int
}

// StepPatch carries the mutable fields Steps.Update may change.
type StepPatch struct {
	Status    *StepStatus
	Output    json.RawMessage
	Error     *string
	ErrorCode *string
}

// Steps is the CRUD surface for the Step entity.
type Steps interface {
	Create(ctx context.Context, data CreateStepParams) (Step, error)
	Get(ctx context.Context, stepID string) (Step, error)
	Update(ctx context.Context, stepID string, patch StepPatch) (Step, error)
	List(ctx context.Context, runID string) ([]Step, error)
}

// CreateEventParams is the caller-supplied data for Events.Create.
type CreateEventParams struct {
	RunID         string
	EventType     string
	CorrelationID *string
	EventData     json.RawMessage
}

// ListEventsParams controls Events.List/ListByCorrelationID pagination.
type ListEventsParams struct {
	Cursor     string
	Limit      int
	Descending bool
}

// EventPage is one page of an event listing.
type EventPage struct {
	Events  []Event
	Cursor  string
	HasMore bool
}

// Events is the append-only log surface.
type Events interface {
	Create(ctx context.Context, data CreateEventParams) (Event, error)
	List(ctx context.Context, runID string, params ListEventsParams) (EventPage, error)
	ListByCorrelationID(ctx context.Context, correlationID string, params ListEventsParams) (EventPage, error)
}

// CreateHookParams is the caller-supplied data for Hooks.Create.
type CreateHookParams struct {
	RunID    string
	Token    string
	Metadata json.RawMessage
	Auth     AuthContext
}

// Hooks is the CRUD surface for the Hook entity.
type Hooks interface {
	Create(ctx context.Context, data CreateHookParams) (Hook, error)
	GetByToken(ctx context.Context, token string) (Hook, error)
	Dispose(ctx context.Context, hookID string) (Hook, error)
}

// Storage composes the four entity surfaces behind one handle, the way
// World hands callers a single facade rather than four separate objects.
type Storage interface {
	Runs() Runs
	Steps() Steps
	Events() Events
	Hooks() Hooks

	// CreateSchema applies the fixed schema for this back-end. It is
	// idempotent; callers (worldctl migrate, test setup) may call it on
	// every start.
	CreateSchema(ctx context.Context) error
}

// New constructs the Storage implementation matching adapter's back-end.
// ids is the shared ULID generator; callers that want isolated ID streams
// (tests) pass their own idgen.Generator. emitter receives run_created
// on Runs.Create and run_terminal on the Runs.Update call that first
// transitions a run into a terminal status; pass emit.NewNullEmitter()
// if observability isn't wired up yet.
func New(adapter db.Adapter, ids *idgen.Generator, emitter emit.Emitter) (Storage, error) {
	switch adapter.Backend() {
	case db.Postgres:
		return newPostgresStorage(adapter.DB(), ids, emitter), nil
	case db.MySQL:
		return newMySQLStorage(adapter.DB(), ids, emitter), nil
	default:
		return newSQLiteStorage(adapter.DB(), ids, emitter), nil
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 500 {
		return 500
	}
	return limit
}
