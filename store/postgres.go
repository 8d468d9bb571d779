package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
)

// postgresStorage implements Storage using PostgreSQL's native RETURNING
// clause, the same single-statement strategy as sqliteStorage; see
// mysqlStorage for the back-end that has to emulate RETURNING.
type postgresStorage struct {
	db      *sql.DB
	ids     *idgen.Generator
	emitter emit.Emitter
}

func newPostgresStorage(database *sql.DB, ids *idgen.Generator, emitter emit.Emitter) *postgresStorage {
	return &postgresStorage{db: database, ids: ids, emitter: emitter}
}

func (s *postgresStorage) Runs() Runs     { return postgresRuns{s} }
func (s *postgresStorage) Steps() Steps   { return postgresSteps{s} }
func (s *postgresStorage) Events() Events { return postgresEvents{s} }
func (s *postgresStorage) Hooks() Hooks   { return postgresHooks{s} }

// CreateSchema applies the fixed schema, idempotently.
func (s *postgresStorage) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(255) PRIMARY KEY,
			deployment_id VARCHAR(255) NOT NULL,
			workflow_name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input JSONB NOT NULL,
			output JSONB,
			execution_context JSONB,
			error TEXT,
			error_code VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_name ON runs(workflow_name)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			step_name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input JSONB,
			output JSONB,
			error TEXT,
			error_code VARCHAR(255),
			attempt INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(255) NOT NULL,
			correlation_id VARCHAR(255),
			event_data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation_id ON events(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			hook_id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			token VARCHAR(255) NOT NULL,
			owner_id VARCHAR(255) NOT NULL,
			project_id VARCHAR(255) NOT NULL,
			environment VARCHAR(255) NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_token ON hooks(token)`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_run_id ON hooks(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: postgres schema: %w", err)
		}
	}
	return nil
}

// --- Runs ---

type postgresRuns struct{ s *postgresStorage }

func (r postgresRuns) Create(ctx context.Context, data CreateRunParams) (Run, error) {
	now := time.Now().UTC()
	runID := r.s.ids.Next(idgen.Run)
	row := r.s.db.QueryRowContext(ctx, `
		INSERT INTO runs (run_id, deployment_id, workflow_name, status, input, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING run_id, deployment_id, workflow_name, status, input, output, execution_context,
			error, error_code, created_at, updated_at, started_at, completed_at`,
		runID, data.DeploymentID, data.WorkflowName, RunPending, string(data.Input), now, now)
	run, err := scanRun(row)
	if err == nil {
		r.s.emitter.Emit(emit.Record{RunID: run.RunID, Msg: "run_created"})
	}
	return run, err
}

func (r postgresRuns) Get(ctx context.Context, runID string) (Run, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT run_id, deployment_id, workflow_name, status, input, output, execution_context,
			error, error_code, created_at, updated_at, started_at, completed_at
		FROM runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

func (r postgresRuns) Update(ctx context.Context, runID string, patch RunPatch) (Run, error) {
	current, err := r.Get(ctx, runID)
	if err != nil {
		return Run{}, err
	}

	next := current
	now := time.Now().UTC()
	next.UpdatedAt = now
	becameTerminal := false
	if patch.Status != nil {
		if *patch.Status == RunRunning && current.StartedAt == nil {
			next.StartedAt = &now
		}
		if patch.Status.Terminal() && current.CompletedAt == nil {
			next.CompletedAt = &now
			becameTerminal = true
		}
		next.Status = *patch.Status
	}
	if patch.Output != nil {
		next.Output = patch.Output
	}
	if patch.ExecutionContext != nil {
		next.ExecutionContext = patch.ExecutionContext
	}
	if patch.Error != nil {
		next.Error = patch.Error
	}
	if patch.ErrorCode != nil {
		next.ErrorCode = patch.ErrorCode
	}

	row := r.s.db.QueryRowContext(ctx, `
		UPDATE runs SET status = $1, output = $2, execution_context = $3, error = $4, error_code = $5,
			updated_at = $6, started_at = $7, completed_at = $8
		WHERE run_id = $9
		RETURNING run_id, deployment_id, workflow_name, status, input, output, execution_context,
			error, error_code, created_at, updated_at, started_at, completed_at`,
		next.Status, nullableJSON(next.Output), nullableJSON(next.ExecutionContext), next.Error,
		next.ErrorCode, next.UpdatedAt, next.StartedAt, next.CompletedAt, runID)
	updated, err := scanRun(row)
	if err == nil && becameTerminal {
		r.s.emitter.Emit(emit.Record{RunID: updated.RunID, Msg: "run_terminal"})
	}
	return updated, err
}

func (r postgresRuns) Cancel(ctx context.Context, runID string) (Run, error) {
	cancelled := RunCancelled
	return r.Update(ctx, runID, RunPatch{Status: &cancelled})
}

func (r postgresRuns) Pause(ctx context.Context, runID string) (Run, error) {
	paused := RunPaused
	return r.Update(ctx, runID, RunPatch{Status: &paused})
}

func (r postgresRuns) Resume(ctx context.Context, runID string) (Run, error) {
	current, err := r.Get(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if current.Status != RunPaused {
		return Run{}, fmt.Errorf("store: resume %s: %w", runID, ErrNotFound)
	}
	running := RunRunning
	return r.Update(ctx, runID, RunPatch{Status: &running})
}

func (r postgresRuns) List(ctx context.Context, params ListRunsParams) (RunPage, error) {
	limit := clampLimit(params.Limit)
	query := `SELECT run_id, deployment_id, workflow_name, status, input, output, execution_context,
		error, error_code, created_at, updated_at, started_at, completed_at FROM runs WHERE TRUE`
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if params.WorkflowName != "" {
		query += " AND workflow_name = " + arg(params.WorkflowName)
	}
	if params.Status != "" {
		query += " AND status = " + arg(params.Status)
	}
	if params.Cursor != "" {
		query += " AND run_id < " + arg(params.Cursor)
	}
	query += " ORDER BY run_id DESC LIMIT " + arg(limit + 1)

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return RunPage{}, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var page RunPage
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return RunPage{}, err
		}
		page.Runs = append(page.Runs, run)
	}
	if err := rows.Err(); err != nil {
		return RunPage{}, err
	}
	if len(page.Runs) > limit {
		page.HasMore = true
		page.Runs = page.Runs[:limit]
	}
	if len(page.Runs) > 0 {
		page.Cursor = page.Runs[len(page.Runs)-1].RunID
	}
	return page, nil
}

// --- Steps ---

type postgresSteps struct{ s *postgresStorage }

func (t postgresSteps) Create(ctx context.Context, data CreateStepParams) (Step, error) {
	now := time.Now().UTC()
	attempt := data.Attempt
	if attempt < 1 {
		attempt = 1
	}
	stepID := t.s.ids.Next(idgen.Step)
	row := t.s.db.QueryRowContext(ctx, `
		INSERT INTO steps (step_id, run_id, step_name, status, input, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (step_id) DO NOTHING
		RETURNING step_id, run_id, step_name, status, input, output, error, error_code, attempt,
			created_at, updated_at, started_at, completed_at`,
		stepID, data.RunID, data.StepName, StepPending, nullableJSON(data.Input), attempt, now, now)

	step, err := scanStep(row)
	if errors.Is(err, ErrNotFound) {
		return t.Get(ctx, stepID)
	}
	return step, err
}

func (t postgresSteps) Get(ctx context.Context, stepID string) (Step, error) {
	row := t.s.db.QueryRowContext(ctx, `
		SELECT step_id, run_id, step_name, status, input, output, error, error_code, attempt,
			created_at, updated_at, started_at, completed_at
		FROM steps WHERE step_id = $1`, stepID)
	return scanStep(row)
}

func (t postgresSteps) Update(ctx context.Context, stepID string, patch StepPatch) (Step, error) {
	current, err := t.Get(ctx, stepID)
	if err != nil {
		return Step{}, err
	}

	next := current
	now := time.Now().UTC()
	next.UpdatedAt = now
	if patch.Status != nil {
		if *patch.Status == StepRunning && current.StartedAt == nil {
			next.StartedAt = &now
		}
		if patch.Status.Terminal() && current.CompletedAt == nil {
			next.CompletedAt = &now
		}
		next.Status = *patch.Status
	}
	if patch.Output != nil {
		next.Output = patch.Output
	}
	if patch.Error != nil {
		next.Error = patch.Error
	}
	if patch.ErrorCode != nil {
		next.ErrorCode = patch.ErrorCode
	}

	row := t.s.db.QueryRowContext(ctx, `
		UPDATE steps SET status = $1, output = $2, error = $3, error_code = $4, updated_at = $5,
			started_at = $6, completed_at = $7
		WHERE step_id = $8
		RETURNING step_id, run_id, step_name, status, input, output, error, error_code, attempt,
			created_at, updated_at, started_at, completed_at`,
		next.Status, nullableJSON(next.Output), next.Error, next.ErrorCode, next.UpdatedAt,
		next.StartedAt, next.CompletedAt, stepID)
	return scanStep(row)
}

func (t postgresSteps) List(ctx context.Context, runID string) ([]Step, error) {
	rows, err := t.s.db.QueryContext(ctx, `
		SELECT step_id, run_id, step_name, status, input, output, error, error_code, attempt,
			created_at, updated_at, started_at, completed_at
		FROM steps WHERE run_id = $1 ORDER BY step_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// --- Events ---

type postgresEvents struct{ s *postgresStorage }

func (e postgresEvents) Create(ctx context.Context, data CreateEventParams) (Event, error) {
	now := time.Now().UTC()
	eventID := e.s.ids.Next(idgen.Event)
	row := e.s.db.QueryRowContext(ctx, `
		INSERT INTO events (event_id, run_id, event_type, correlation_id, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING event_id, run_id, event_type, correlation_id, event_data, created_at`,
		eventID, data.RunID, data.EventType, data.CorrelationID, string(data.EventData), now)
	return scanEvent(row)
}

func (e postgresEvents) List(ctx context.Context, runID string, params ListEventsParams) (EventPage, error) {
	return e.list(ctx, "run_id", runID, params)
}

func (e postgresEvents) ListByCorrelationID(ctx context.Context, correlationID string, params ListEventsParams) (EventPage, error) {
	return e.list(ctx, "correlation_id", correlationID, params)
}

func (e postgresEvents) list(ctx context.Context, column string, key string, params ListEventsParams) (EventPage, error) {
	limit := clampLimit(params.Limit)
	order := "ASC"
	cmp := ">"
	if params.Descending {
		order = "DESC"
		cmp = "<"
	}

	query := fmt.Sprintf(`SELECT event_id, run_id, event_type, correlation_id, event_data, created_at
		FROM events WHERE %s = $1`, column)
	args := []any{key}
	if params.Cursor != "" {
		query += fmt.Sprintf(" AND event_id %s $2", cmp)
		args = append(args, params.Cursor)
	}
	query += fmt.Sprintf(" ORDER BY event_id %s LIMIT $%d", order, len(args)+1)
	args = append(args, limit+1)

	rows, err := e.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return EventPage{}, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var page EventPage
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return EventPage{}, err
		}
		page.Events = append(page.Events, event)
	}
	if err := rows.Err(); err != nil {
		return EventPage{}, err
	}
	if len(page.Events) > limit {
		page.HasMore = true
		page.Events = page.Events[:limit]
	}
	if len(page.Events) > 0 {
		page.Cursor = page.Events[len(page.Events)-1].EventID
	}
	return page, nil
}

// --- Hooks ---

type postgresHooks struct{ s *postgresStorage }

func (h postgresHooks) Create(ctx context.Context, data CreateHookParams) (Hook, error) {
	now := time.Now().UTC()
	hookID := h.s.ids.Next(idgen.Hook)
	row := h.s.db.QueryRowContext(ctx, `
		INSERT INTO hooks (hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hook_id) DO NOTHING
		RETURNING hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at`,
		hookID, data.RunID, data.Token, data.Auth.OwnerID, data.Auth.ProjectID, data.Auth.Environment,
		nullableJSON(data.Metadata), now)

	hook, err := scanHook(row)
	if errors.Is(err, ErrNotFound) {
		return Hook{}, fmt.Errorf("store: create hook %s: %w", hookID, ErrConflict)
	}
	return hook, err
}

func (h postgresHooks) GetByToken(ctx context.Context, token string) (Hook, error) {
	row := h.s.db.QueryRowContext(ctx, `
		SELECT hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at
		FROM hooks WHERE token = $1`, token)
	return scanHook(row)
}

func (h postgresHooks) Dispose(ctx context.Context, hookID string) (Hook, error) {
	row := h.s.db.QueryRowContext(ctx, `
		DELETE FROM hooks WHERE hook_id = $1
		RETURNING hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at`,
		hookID)
	return scanHook(row)
}

