package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
)

// sqliteStorage implements Storage on top of SQLite's native RETURNING
// clause (supported since SQLite 3.35, which modernc.org/sqlite bundles),
// the same single-statement strategy PostgreSQL uses — see mysqlStorage
// for the back-end that lacks RETURNING.
type sqliteStorage struct {
	db      *sql.DB
	ids     *idgen.Generator
	emitter emit.Emitter
}

func newSQLiteStorage(database *sql.DB, ids *idgen.Generator, emitter emit.Emitter) *sqliteStorage {
	s := &sqliteStorage{db: database, ids: ids, emitter: emitter}
	return s
}

func (s *sqliteStorage) Runs() Runs     { return sqliteRuns{s} }
func (s *sqliteStorage) Steps() Steps   { return sqliteSteps{s} }
func (s *sqliteStorage) Events() Events { return sqliteEvents{s} }
func (s *sqliteStorage) Hooks() Hooks   { return sqliteHooks{s} }

// CreateSchema applies the fixed schema, idempotently, the same
// CREATE-TABLE-IF-NOT-EXISTS discipline the teacher uses in
// graph/store/sqlite.go's createTables.
func (s *sqliteStorage) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			deployment_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT,
			execution_context TEXT,
			error TEXT,
			error_code TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_name ON runs(workflow_name)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			error_code TEXT,
			attempt INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			correlation_id TEXT,
			event_data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation_id ON events(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			hook_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			token TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_token ON hooks(token)`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_run_id ON hooks(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: sqlite schema: %w", err)
		}
	}
	return nil
}

// --- Runs ---

type sqliteRuns struct{ s *sqliteStorage }

func (r sqliteRuns) Create(ctx context.Context, data CreateRunParams) (Run, error) {
	now := time.Now().UTC()
	run := Run{
		RunID:        r.s.ids.Next(idgen.Run),
		DeploymentID: data.DeploymentID,
		WorkflowName: data.WorkflowName,
		Status:       RunPending,
		Input:        data.Input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	row := r.s.db.QueryRowContext(ctx, `
		INSERT INTO runs (run_id, deployment_id, workflow_name, status, input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING run_id, deployment_id, workflow_name, status, input, output, execution_context,
			error, error_code, created_at, updated_at, started_at, completed_at`,
		run.RunID, run.DeploymentID, run.WorkflowName, run.Status, string(run.Input), run.CreatedAt, run.UpdatedAt)
	created, err := scanRun(row)
	if err == nil {
		r.s.emitter.Emit(emit.Record{RunID: created.RunID, Msg: "run_created"})
	}
	return created, err
}

func (r sqliteRuns) Get(ctx context.Context, runID string) (Run, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT run_id, deployment_id, workflow_name, status, input, output, execution_context,
			error, error_code, created_at, updated_at, started_at, completed_at
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func (r sqliteRuns) Update(ctx context.Context, runID string, patch RunPatch) (Run, error) {
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
		UPDATE runs SET status = ?, output = ?, execution_context = ?, error = ?, error_code = ?,
			updated_at = ?, started_at = ?, completed_at = ?
		WHERE run_id = ?
		RETURNING run_id, deployment_id, workflow_name, status, input, output, execution_context,
			error, error_code, created_at, updated_at, started_at, completed_at`,
		next.Status, nullableJSON(next.Output), nullableJSON(next.ExecutionContext), next.Error, next.ErrorCode,
		next.UpdatedAt, next.StartedAt, next.CompletedAt, runID)
	updated, err := scanRun(row)
	if err == nil && becameTerminal {
		r.s.emitter.Emit(emit.Record{RunID: updated.RunID, Msg: "run_terminal"})
	}
	return updated, err
}

func (r sqliteRuns) Cancel(ctx context.Context, runID string) (Run, error) {
	cancelled := RunCancelled
	return r.Update(ctx, runID, RunPatch{Status: &cancelled})
}

func (r sqliteRuns) Pause(ctx context.Context, runID string) (Run, error) {
	paused := RunPaused
	return r.Update(ctx, runID, RunPatch{Status: &paused})
}

func (r sqliteRuns) Resume(ctx context.Context, runID string) (Run, error) {
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

func (r sqliteRuns) List(ctx context.Context, params ListRunsParams) (RunPage, error) {
	limit := clampLimit(params.Limit)
	query := `SELECT run_id, deployment_id, workflow_name, status, input, output, execution_context,
		error, error_code, created_at, updated_at, started_at, completed_at FROM runs WHERE 1=1`
	var args []any
	if params.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, params.WorkflowName)
	}
	if params.Status != "" {
		query += " AND status = ?"
		args = append(args, params.Status)
	}
	if params.Cursor != "" {
		query += " AND run_id < ?"
		args = append(args, params.Cursor)
	}
	query += " ORDER BY run_id DESC LIMIT ?"
	args = append(args, limit+1)

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

type sqliteSteps struct{ s *sqliteStorage }

func (t sqliteSteps) Create(ctx context.Context, data CreateStepParams) (Step, error) {
	now := time.Now().UTC()
	attempt := data.Attempt
	if attempt < 1 {
		attempt = 1
	}
	stepID := t.s.ids.Next(idgen.Step)
	row := t.s.db.QueryRowContext(ctx, `
		INSERT INTO steps (step_id, run_id, step_name, status, input, attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(step_id) DO NOTHING
		RETURNING step_id, run_id, step_name, status, input, output, error, error_code, attempt,
			created_at, updated_at, started_at, completed_at`,
		stepID, data.RunID, data.StepName, StepPending, nullableJSON(data.Input), attempt, now, now)

	step, err := scanStep(row)
	if errors.Is(err, ErrNotFound) {
		return t.Get(ctx, stepID)
	}
	return step, err
}

func (t sqliteSteps) Get(ctx context.Context, stepID string) (Step, error) {
	row := t.s.db.QueryRowContext(ctx, `
		SELECT step_id, run_id, step_name, status, input, output, error, error_code, attempt,
			created_at, updated_at, started_at, completed_at
		FROM steps WHERE step_id = ?`, stepID)
	return scanStep(row)
}

func (t sqliteSteps) Update(ctx context.Context, stepID string, patch StepPatch) (Step, error) {
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
		UPDATE steps SET status = ?, output = ?, error = ?, error_code = ?, updated_at = ?,
			started_at = ?, completed_at = ?
		WHERE step_id = ?
		RETURNING step_id, run_id, step_name, status, input, output, error, error_code, attempt,
			created_at, updated_at, started_at, completed_at`,
		next.Status, nullableJSON(next.Output), next.Error, next.ErrorCode, next.UpdatedAt,
		next.StartedAt, next.CompletedAt, stepID)
	return scanStep(row)
}

func (t sqliteSteps) List(ctx context.Context, runID string) ([]Step, error) {
	rows, err := t.s.db.QueryContext(ctx, `
		SELECT step_id, run_id, step_name, status, input, output, error, error_code, attempt,
			created_at, updated_at, started_at, completed_at
		FROM steps WHERE run_id = ? ORDER BY step_id ASC`, runID)
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

type sqliteEvents struct{ s *sqliteStorage }

func (e sqliteEvents) Create(ctx context.Context, data CreateEventParams) (Event, error) {
	now := time.Now().UTC()
	eventID := e.s.ids.Next(idgen.Event)
	row := e.s.db.QueryRowContext(ctx, `
		INSERT INTO events (event_id, run_id, event_type, correlation_id, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING event_id, run_id, event_type, correlation_id, event_data, created_at`,
		eventID, data.RunID, data.EventType, data.CorrelationID, string(data.EventData), now)
	return scanEvent(row)
}

func (e sqliteEvents) List(ctx context.Context, runID string, params ListEventsParams) (EventPage, error) {
	return e.list(ctx, "run_id = ?", runID, params)
}

func (e sqliteEvents) ListByCorrelationID(ctx context.Context, correlationID string, params ListEventsParams) (EventPage, error) {
	return e.list(ctx, "correlation_id = ?", correlationID, params)
}

func (e sqliteEvents) list(ctx context.Context, predicate string, key string, params ListEventsParams) (EventPage, error) {
	limit := clampLimit(params.Limit)
	order := "ASC"
	cmp := ">"
	if params.Descending {
		order = "DESC"
		cmp = "<"
	}

	query := fmt.Sprintf(`SELECT event_id, run_id, event_type, correlation_id, event_data, created_at
		FROM events WHERE %s`, predicate)
	args := []any{key}
	if params.Cursor != "" {
		query += fmt.Sprintf(" AND event_id %s ?", cmp)
		args = append(args, params.Cursor)
	}
	query += fmt.Sprintf(" ORDER BY event_id %s LIMIT ?", order)
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

type sqliteHooks struct{ s *sqliteStorage }

func (h sqliteHooks) Create(ctx context.Context, data CreateHookParams) (Hook, error) {
	now := time.Now().UTC()
	hookID := h.s.ids.Next(idgen.Hook)
	row := h.s.db.QueryRowContext(ctx, `
		INSERT INTO hooks (hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hook_id) DO NOTHING
		RETURNING hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at`,
		hookID, data.RunID, data.Token, data.Auth.OwnerID, data.Auth.ProjectID, data.Auth.Environment,
		nullableJSON(data.Metadata), now)

	hook, err := scanHook(row)
	if errors.Is(err, ErrNotFound) {
		return Hook{}, fmt.Errorf("store: create hook %s: %w", hookID, ErrConflict)
	}
	return hook, err
}

func (h sqliteHooks) GetByToken(ctx context.Context, token string) (Hook, error) {
	row := h.s.db.QueryRowContext(ctx, `
		SELECT hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at
		FROM hooks WHERE token = ?`, token)
	return scanHook(row)
}

func (h sqliteHooks) Dispose(ctx context.Context, hookID string) (Hook, error) {
	hook, err := h.get(ctx, hookID)
	if err != nil {
		return Hook{}, err
	}
	if _, err := h.s.db.ExecContext(ctx, `DELETE FROM hooks WHERE hook_id = ?`, hookID); err != nil {
		return Hook{}, fmt.Errorf("store: dispose hook %s: %w", hookID, err)
	}
	return hook, nil
}

func (h sqliteHooks) get(ctx context.Context, hookID string) (Hook, error) {
	row := h.s.db.QueryRowContext(ctx, `
		SELECT hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at
		FROM hooks WHERE hook_id = ?`, hookID)
	return scanHook(row)
}

// --- scanning helpers shared by row and *sql.Rows ---

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var input, output, execCtx sql.NullString
	if err := row.Scan(&run.RunID, &run.DeploymentID, &run.WorkflowName, &run.Status, &input, &output,
		&execCtx, &run.Error, &run.ErrorCode, &run.CreatedAt, &run.UpdatedAt, &run.StartedAt, &run.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return Run{}, fmt.Errorf("store: run: %w", ErrNotFound)
		}
		return Run{}, fmt.Errorf("store: scan run: %w", err)
	}
	run.Input = rawFromNullString(input)
	run.Output = rawFromNullString(output)
	run.ExecutionContext = rawFromNullString(execCtx)
	return run, nil
}

func scanStep(row scanner) (Step, error) {
	var step Step
	var input, output sql.NullString
	if err := row.Scan(&step.StepID, &step.RunID, &step.StepName, &step.Status, &input, &output,
		&step.Error, &step.ErrorCode, &step.Attempt, &step.CreatedAt, &step.UpdatedAt, &step.StartedAt,
		&step.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return Step{}, fmt.Errorf("store: step: %w", ErrNotFound)
		}
		return Step{}, fmt.Errorf("store: scan step: %w", err)
	}
	step.Input = rawFromNullString(input)
	step.Output = rawFromNullString(output)
	return step, nil
}

func scanEvent(row scanner) (Event, error) {
	var event Event
	var data string
	if err := row.Scan(&event.EventID, &event.RunID, &event.EventType, &event.CorrelationID, &data,
		&event.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Event{}, fmt.Errorf("store: event: %w", ErrNotFound)
		}
		return Event{}, fmt.Errorf("store: scan event: %w", err)
	}
	event.EventData = json.RawMessage(data)
	return event, nil
}

func scanHook(row scanner) (Hook, error) {
	var hook Hook
	var metadata sql.NullString
	if err := row.Scan(&hook.HookID, &hook.RunID, &hook.Token, &hook.OwnerID, &hook.ProjectID,
		&hook.Environment, &metadata, &hook.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Hook{}, fmt.Errorf("store: hook: %w", ErrNotFound)
		}
		return Hook{}, fmt.Errorf("store: scan hook: %w", err)
	}
	hook.Metadata = rawFromNullString(metadata)
	return hook, nil
}

func nullableJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func rawFromNullString(ns sql.NullString) json.RawMessage {
	if !ns.Valid {
		return nil
	}
	return json.RawMessage(ns.String)
}
