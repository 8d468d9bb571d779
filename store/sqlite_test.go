package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dshills/world/db"
	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
)

// newTestSQLiteStorage creates a fresh, schema-initialized SQLite-backed
// Storage in a temp directory for the lifetime of the test.
func newTestSQLiteStorage(t *testing.T) Storage {
	t.Helper()
	st, _ := newTestSQLiteStorageWithEmitter(t, emit.NewNullEmitter())
	return st
}

func newTestSQLiteStorageWithEmitter(t *testing.T, emitter emit.Emitter) (Storage, *idgen.Generator) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	adapter, err := db.New(db.SQLite, path)
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}
	if err := adapter.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Disconnect(ctx) })

	ids := idgen.New()
	st, err := New(adapter, ids, emitter)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	if err := st.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema failed: %v", err)
	}
	return st, ids
}

// recordingEmitter records every Record it sees, for tests asserting on
// which observability events an operation actually emits.
type recordingEmitter struct {
	mu      sync.Mutex
	records []emit.Record
}

func (r *recordingEmitter) Emit(record emit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}
func (r *recordingEmitter) EmitBatch(ctx context.Context, records []emit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
	return nil
}
func (r *recordingEmitter) Flush(context.Context) error { return nil }

func (r *recordingEmitter) has(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Msg == msg {
			return true
		}
	}
	return false
}

func TestSQLiteRuns_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStorage(t)

	run, err := st.Runs().Create(ctx, CreateRunParams{
		DeploymentID: "dep-1",
		WorkflowName: "refund-flow",
		Input:        []byte(`{"amount":100}`),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if run.Status != RunPending {
		t.Errorf("expected status pending, got %s", run.Status)
	}
	if run.StartedAt != nil {
		t.Errorf("expected StartedAt nil on create, got %v", run.StartedAt)
	}

	got, err := st.Runs().Get(ctx, run.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.WorkflowName != "refund-flow" {
		t.Errorf("expected WorkflowName refund-flow, got %s", got.WorkflowName)
	}

	running := RunRunning
	updated, err := st.Runs().Update(ctx, run.RunID, RunPatch{Status: &running})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.StartedAt == nil {
		t.Error("expected StartedAt set on first transition to running")
	}

	completed := RunCompleted
	output := []byte(`{"ok":true}`)
	done, err := st.Runs().Update(ctx, run.RunID, RunPatch{Status: &completed, Output: output})
	if err != nil {
		t.Fatalf("Update to completed failed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Error("expected CompletedAt set on terminal transition")
	}
	if string(done.Output) != string(output) {
		t.Errorf("expected Output %s, got %s", output, done.Output)
	}

	// CompletedAt must not move on a later, no-op update.
	again, err := st.Runs().Update(ctx, run.RunID, RunPatch{Status: &completed})
	if err != nil {
		t.Fatalf("second Update failed: %v", err)
	}
	if !again.CompletedAt.Equal(*done.CompletedAt) {
		t.Errorf("expected CompletedAt unchanged, got %v want %v", again.CompletedAt, done.CompletedAt)
	}
}

func TestSQLiteRuns_CreateAndTerminalUpdateEmitRecords(t *testing.T) {
	ctx := context.Background()
	rec := &recordingEmitter{}
	st, _ := newTestSQLiteStorageWithEmitter(t, rec)

	run, err := st.Runs().Create(ctx, CreateRunParams{WorkflowName: "refund-flow", Input: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !rec.has("run_created") {
		t.Error("expected a run_created record after Create")
	}
	if rec.has("run_terminal") {
		t.Error("did not expect run_terminal before any terminal transition")
	}

	completed := RunCompleted
	if _, err := st.Runs().Update(ctx, run.RunID, RunPatch{Status: &completed}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !rec.has("run_terminal") {
		t.Error("expected a run_terminal record after the terminal transition")
	}
}

func TestSQLiteRuns_GetNotFound(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStorage(t)

	_, err := st.Runs().Get(ctx, "wrun_doesnotexist")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRuns_PauseResume(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStorage(t)

	run, err := st.Runs().Create(ctx, CreateRunParams{DeploymentID: "d", WorkflowName: "w", Input: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := st.Runs().Resume(ctx, run.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected Resume on non-paused run to fail with ErrNotFound, got %v", err)
	}

	paused, err := st.Runs().Pause(ctx, run.RunID)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if paused.Status != RunPaused {
		t.Errorf("expected paused, got %s", paused.Status)
	}

	resumed, err := st.Runs().Resume(ctx, run.RunID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Status != RunRunning {
		t.Errorf("expected running after resume, got %s", resumed.Status)
	}
}

func TestSQLiteRuns_ListPagination(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStorage(t)

	for i := 0; i < 25; i++ {
		if _, err := st.Runs().Create(ctx, CreateRunParams{
			DeploymentID: "d", WorkflowName: "paged", Input: []byte(`{}`),
		}); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := st.Runs().List(ctx, ListRunsParams{WorkflowName: "paged", Cursor: cursor, Limit: 10})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		for _, run := range page.Runs {
			if seen[run.RunID] {
				t.Fatalf("duplicate run %s across pages", run.RunID)
			}
			seen[run.RunID] = true
		}
		pages++
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}
	if len(seen) != 25 {
		t.Errorf("expected 25 distinct runs across pages, got %d", len(seen))
	}
}

func TestSQLiteSteps_CreateAndList(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStorage(t)

	run, err := st.Runs().Create(ctx, CreateRunParams{DeploymentID: "d", WorkflowName: "w", Input: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Create run failed: %v", err)
	}

	step, err := st.Steps().Create(ctx, CreateStepParams{RunID: run.RunID, StepName: "charge", Attempt: 1})
	if err != nil {
		t.Fatalf("Create step failed: %v", err)
	}
	if step.Status != StepPending {
		t.Errorf("expected pending, got %s", step.Status)
	}

	steps, err := st.Steps().List(ctx, run.RunID)
	if err != nil {
		t.Fatalf("List steps failed: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
}

func TestSQLiteEvents_AppendAndList(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStorage(t)

	run, err := st.Runs().Create(ctx, CreateRunParams{DeploymentID: "d", WorkflowName: "w", Input: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Create run failed: %v", err)
	}

	token := "hook-token-1"
	for i := 0; i < 3; i++ {
		if _, err := st.Events().Create(ctx, CreateEventParams{
			RunID:         run.RunID,
			EventType:     "step.completed",
			CorrelationID: &token,
			EventData:     []byte(fmt.Sprintf(`{"i":%d}`, i)),
		}); err != nil {
			t.Fatalf("Create event %d failed: %v", i, err)
		}
	}

	page, err := st.Events().List(ctx, run.RunID, ListEventsParams{})
	if err != nil {
		t.Fatalf("List events failed: %v", err)
	}
	if len(page.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(page.Events))
	}
	if page.Events[0].EventID >= page.Events[1].EventID {
		t.Errorf("expected events in ascending id order")
	}

	byCorrelation, err := st.Events().ListByCorrelationID(ctx, token, ListEventsParams{})
	if err != nil {
		t.Fatalf("ListByCorrelationID failed: %v", err)
	}
	if len(byCorrelation.Events) != 3 {
		t.Errorf("expected 3 correlated events, got %d", len(byCorrelation.Events))
	}
}

func TestSQLiteHooks_CreateGetByTokenDispose(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLiteStorage(t)

	run, err := st.Runs().Create(ctx, CreateRunParams{DeploymentID: "d", WorkflowName: "w", Input: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Create run failed: %v", err)
	}

	hook, err := st.Hooks().Create(ctx, CreateHookParams{
		RunID: run.RunID,
		Token: "hook-token-xyz",
		Auth:  AuthContext{Environment: "prod", OwnerID: "owner-1", ProjectID: "proj-1"},
	})
	if err != nil {
		t.Fatalf("Create hook failed: %v", err)
	}

	found, err := st.Hooks().GetByToken(ctx, "hook-token-xyz")
	if err != nil {
		t.Fatalf("GetByToken failed: %v", err)
	}
	if found.HookID != hook.HookID {
		t.Errorf("expected hook %s, got %s", hook.HookID, found.HookID)
	}

	disposed, err := st.Hooks().Dispose(ctx, hook.HookID)
	if err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if disposed.HookID != hook.HookID {
		t.Errorf("expected disposed hook to match, got %s", disposed.HookID)
	}

	if _, err := st.Hooks().GetByToken(ctx, "hook-token-xyz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after dispose, got %v", err)
	}

	if _, err := st.Hooks().Dispose(ctx, hook.HookID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected double dispose to return ErrNotFound, got %v", err)
	}
}

func TestSQLiteStorage_InterfaceCompliance(t *testing.T) {
	var _ Storage = (*sqliteStorage)(nil)
}
