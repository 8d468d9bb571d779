package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
	mysqldriver "github.com/go-sql-driver/mysql"
)

// mysqlStorage implements Storage on a back-end that cannot atomically
// return the affected row from INSERT/UPDATE/DELETE. Every write below
// follows the returning-compat strategy from spec.md section 4.2:
// execute the DML, then SELECT by primary key — never by the original
// WHERE clause, since that clause may reference columns the UPDATE just
// changed. INSERT ... ON CONFLICT DO NOTHING has no MySQL equivalent, so
// duplicate-key errors (1062) are caught and degraded to a read-back
// instead.
type mysqlStorage struct {
	db      *sql.DB
	ids     *idgen.Generator
	emitter emit.Emitter
}

func newMySQLStorage(database *sql.DB, ids *idgen.Generator, emitter emit.Emitter) *mysqlStorage {
	return &mysqlStorage{db: database, ids: ids, emitter: emitter}
}

func (s *mysqlStorage) Runs() Runs     { return mysqlRuns{s} }
func (s *mysqlStorage) Steps() Steps   { return mysqlSteps{s} }
func (s *mysqlStorage) Events() Events { return mysqlEvents{s} }
func (s *mysqlStorage) Hooks() Hooks   { return mysqlHooks{s} }

// isDuplicateKey reports whether err is a MySQL 1062 (duplicate entry)
// error, the signal spec.md section 4.2 says to swallow and degrade to a
// read-back for INSERT ... onConflict=doNothing.
func isDuplicateKey(err error) bool {
	var me *mysqldriver.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

// CreateSchema applies the fixed schema, idempotently.
func (s *mysqlStorage) CreateSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(255) PRIMARY KEY,
			deployment_id VARCHAR(255) NOT NULL,
			workflow_name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input JSON NOT NULL,
			output JSON,
			execution_context JSON,
			error TEXT,
			error_code VARCHAR(255),
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			started_at TIMESTAMP(6) NULL,
			completed_at TIMESTAMP(6) NULL,
			INDEX idx_runs_workflow_name (workflow_name),
			INDEX idx_runs_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			step_name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input JSON,
			output JSON,
			error TEXT,
			error_code VARCHAR(255),
			attempt INT NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			started_at TIMESTAMP(6) NULL,
			completed_at TIMESTAMP(6) NULL,
			INDEX idx_steps_run_id (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(255) NOT NULL,
			correlation_id VARCHAR(255),
			event_data JSON NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_events_run_id (run_id),
			INDEX idx_events_correlation_id (correlation_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS hooks (
			hook_id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			token VARCHAR(255) NOT NULL,
			owner_id VARCHAR(255) NOT NULL,
			project_id VARCHAR(255) NOT NULL,
			environment VARCHAR(255) NOT NULL,
			metadata JSON,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_hooks_token (token),
			INDEX idx_hooks_run_id (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: mysql schema: %w", err)
		}
	}
	return nil
}

// --- Runs ---

type mysqlRuns struct{ s *mysqlStorage }

func (r mysqlRuns) Create(ctx context.Context, data CreateRunParams) (Run, error) {
	now := time.Now().UTC()
	runID := r.s.ids.Next(idgen.Run)
	if _, err := r.s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, deployment_id, workflow_name, status, input, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, data.DeploymentID, data.WorkflowName, RunPending, string(data.Input), now, now); err != nil {
		return Run{}, fmt.Errorf("store: create run %s: %w", runID, err)
	}
	run, err := r.Get(ctx, runID)
	if err == nil {
		r.s.emitter.Emit(emit.Record{RunID: run.RunID, Msg: "run_created"})
	}
	return run, err
}

func (r mysqlRuns) Get(ctx context.Context, runID string) (Run, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT run_id, deployment_id, workflow_name, status, input, output, execution_context,
			error, error_code, created_at, updated_at, started_at, completed_at
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func (r mysqlRuns) Update(ctx context.Context, runID string, patch RunPatch) (Run, error) {
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

	// UPDATE then SELECT by primary key, never by the original predicate:
	// the caller's filter may reference status, which this statement just
	// changed.
	if _, err := r.s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, output = ?, execution_context = ?, error = ?, error_code = ?,
			updated_at = ?, started_at = ?, completed_at = ?
		WHERE run_id = ?`,
		next.Status, nullableJSON(next.Output), nullableJSON(next.ExecutionContext), next.Error,
		next.ErrorCode, next.UpdatedAt, next.StartedAt, next.CompletedAt, runID); err != nil {
		return Run{}, fmt.Errorf("store: update run %s: %w", runID, err)
	}
	updated, err := r.Get(ctx, runID)
	if err == nil && becameTerminal {
		r.s.emitter.Emit(emit.Record{RunID: updated.RunID, Msg: "run_terminal"})
	}
	return updated, err
}

func (r mysqlRuns) Cancel(ctx context.Context, runID string) (Run, error) {
	cancelled := RunCancelled
	return r.Update(ctx, runID, RunPatch{Status: &cancelled})
}

func (r mysqlRuns) Pause(ctx context.Context, runID string) (Run, error) {
	paused := RunPaused
	return r.Update(ctx, runID, RunPatch{Status: &paused})
}

func (r mysqlRuns) Resume(ctx context.Context, runID string) (Run, error) {
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

func (r mysqlRuns) List(ctx context.Context, params ListRunsParams) (RunPage, error) {
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

type mysqlSteps struct{ s *mysqlStorage }

func (t mysqlSteps) Create(ctx context.Context, data CreateStepParams) (Step, error) {
	now := time.Now().UTC()
	attempt := data.Attempt
	if attempt < 1 {
		attempt = 1
	}
	stepID := t.s.ids.Next(idgen.Step)

	_, err := t.s.db.ExecContext(ctx, `
		INSERT INTO steps (step_id, run_id, step_name, status, input, attempt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stepID, data.RunID, data.StepName, StepPending, nullableJSON(data.Input), attempt, now, now)
	if err != nil && !isDuplicateKey(err) {
		return Step{}, fmt.Errorf("store: create step %s: %w", stepID, err)
	}
	return t.Get(ctx, stepID)
}

func (t mysqlSteps) Get(ctx context.Context, stepID string) (Step, error) {
	row := t.s.db.QueryRowContext(ctx, `
		SELECT step_id, run_id, step_name, status, input, output, error, error_code, attempt,
			created_at, updated_at, started_at, completed_at
		FROM steps WHERE step_id = ?`, stepID)
	return scanStep(row)
}

func (t mysqlSteps) Update(ctx context.Context, stepID string, patch StepPatch) (Step, error) {
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

	if _, err := t.s.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, output = ?, error = ?, error_code = ?, updated_at = ?,
			started_at = ?, completed_at = ?
		WHERE step_id = ?`,
		next.Status, nullableJSON(next.Output), next.Error, next.ErrorCode, next.UpdatedAt,
		next.StartedAt, next.CompletedAt, stepID); err != nil {
		return Step{}, fmt.Errorf("store: update step %s: %w", stepID, err)
	}
	return t.Get(ctx, stepID)
}

func (t mysqlSteps) List(ctx context.Context, runID string) ([]Step, error) {
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

type mysqlEvents struct{ s *mysqlStorage }

func (e mysqlEvents) Create(ctx context.Context, data CreateEventParams) (Event, error) {
	now := time.Now().UTC()
	eventID := e.s.ids.Next(idgen.Event)
	if _, err := e.s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, event_type, correlation_id, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		eventID, data.RunID, data.EventType, data.CorrelationID, string(data.EventData), now); err != nil {
		return Event{}, fmt.Errorf("store: create event %s: %w", eventID, err)
	}

	row := e.s.db.QueryRowContext(ctx, `
		SELECT event_id, run_id, event_type, correlation_id, event_data, created_at
		FROM events WHERE event_id = ?`, eventID)
	return scanEvent(row)
}

func (e mysqlEvents) List(ctx context.Context, runID string, params ListEventsParams) (EventPage, error) {
	return e.list(ctx, "run_id = ?", runID, params)
}

func (e mysqlEvents) ListByCorrelationID(ctx context.Context, correlationID string, params ListEventsParams) (EventPage, error) {
	return e.list(ctx, "correlation_id = ?", correlationID, params)
}

func (e mysqlEvents) list(ctx context.Context, predicate string, key string, params ListEventsParams) (EventPage, error) {
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

type mysqlHooks struct{ s *mysqlStorage }

func (h mysqlHooks) Create(ctx context.Context, data CreateHookParams) (Hook, error) {
	now := time.Now().UTC()
	hookID := h.s.ids.Next(idgen.Hook)

	_, err := h.s.db.ExecContext(ctx, `
		INSERT INTO hooks (hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		hookID, data.RunID, data.Token, data.Auth.OwnerID, data.Auth.ProjectID, data.Auth.Environment,
		nullableJSON(data.Metadata), now)
	if err != nil {
		if isDuplicateKey(err) {
			return Hook{}, fmt.Errorf("store: create hook %s: %w", hookID, ErrConflict)
		}
		return Hook{}, fmt.Errorf("store: create hook %s: %w", hookID, err)
	}

	row := h.s.db.QueryRowContext(ctx, `
		SELECT hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at
		FROM hooks WHERE hook_id = ?`, hookID)
	return scanHook(row)
}

func (h mysqlHooks) GetByToken(ctx context.Context, token string) (Hook, error) {
	row := h.s.db.QueryRowContext(ctx, `
		SELECT hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at
		FROM hooks WHERE token = ?`, token)
	return scanHook(row)
}

// Dispose implements DELETE as SELECT-then-DELETE inside a single
// transaction, per spec.md section 4.2, to approximate the atomicity
// PostgreSQL/SQLite get for free from DELETE ... RETURNING.
func (h mysqlHooks) Dispose(ctx context.Context, hookID string) (Hook, error) {
	tx, err := h.s.db.BeginTx(ctx, nil)
	if err != nil {
		return Hook{}, fmt.Errorf("store: dispose hook %s: %w", hookID, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT hook_id, run_id, token, owner_id, project_id, environment, metadata, created_at
		FROM hooks WHERE hook_id = ?`, hookID)
	hook, err := scanHook(row)
	if err != nil {
		return Hook{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM hooks WHERE hook_id = ?`, hookID); err != nil {
		return Hook{}, fmt.Errorf("store: dispose hook %s: %w", hookID, err)
	}
	if err := tx.Commit(); err != nil {
		return Hook{}, fmt.Errorf("store: dispose hook %s: %w", hookID, err)
	}
	return hook, nil
}
