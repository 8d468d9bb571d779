package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dshills/world/db"
	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
	"github.com/dshills/world/store"
)

// backendScenario opens a fresh, schema-initialized Storage for one
// back-end. MySQL and PostgreSQL scenarios skip unless their DSN env var
// is set, the same gate the teacher uses for TEST_MYSQL_DSN in
// graph/store/common_test.go.
type backendScenario struct {
	name  string
	setup func(t *testing.T) store.Storage
}

func backendScenarios() []backendScenario {
	return []backendScenario{
		{
			name: "SQLite",
			setup: func(t *testing.T) store.Storage {
				path := filepath.Join(t.TempDir(), "world.db")
				return openStorage(t, db.SQLite, path)
			},
		},
		{
			name: "PostgreSQL",
			setup: func(t *testing.T) store.Storage {
				dsn := os.Getenv("TEST_POSTGRES_DSN")
				if dsn == "" {
					t.Skip("skipping PostgreSQL test: TEST_POSTGRES_DSN not set")
				}
				return openStorage(t, db.Postgres, dsn)
			},
		},
		{
			name: "MySQL",
			setup: func(t *testing.T) store.Storage {
				dsn := os.Getenv("TEST_MYSQL_DSN")
				if dsn == "" {
					t.Skip("skipping MySQL test: TEST_MYSQL_DSN not set")
				}
				return openStorage(t, db.MySQL, dsn)
			},
		},
	}
}

func openStorage(t *testing.T, backend db.Backend, dsn string) store.Storage {
	t.Helper()
	ctx := context.Background()

	adapter, err := db.New(backend, dsn)
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}
	if err := adapter.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Disconnect(ctx) })

	st, err := store.New(adapter, idgen.New(), emit.NewNullEmitter())
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	if err := st.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema failed: %v", err)
	}
	return st
}

// TestRunLifecycleAcrossBackends verifies the run state machine behaves
// identically regardless of which back-end Storage is wired to.
func TestRunLifecycleAcrossBackends(t *testing.T) {
	for _, scenario := range backendScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st := scenario.setup(t)

			run, err := st.Runs().Create(ctx, store.CreateRunParams{
				DeploymentID: "dep-1",
				WorkflowName: "onboarding",
				Input:        []byte(`{"userId":"u1"}`),
			})
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if run.Status != store.RunPending {
				t.Errorf("expected pending, got %s", run.Status)
			}

			running := store.RunRunning
			run, err = st.Runs().Update(ctx, run.RunID, store.RunPatch{Status: &running})
			if err != nil {
				t.Fatalf("transition to running failed: %v", err)
			}
			if run.StartedAt == nil {
				t.Error("expected StartedAt set")
			}

			failed := store.RunFailed
			errMsg := "step charge failed"
			run, err = st.Runs().Update(ctx, run.RunID, store.RunPatch{Status: &failed, Error: &errMsg})
			if err != nil {
				t.Fatalf("transition to failed failed: %v", err)
			}
			if !run.Status.Terminal() {
				t.Error("expected failed to be terminal")
			}
			if run.CompletedAt == nil {
				t.Error("expected CompletedAt set on terminal transition")
			}
			if run.Error == nil || *run.Error != errMsg {
				t.Errorf("expected error message %q, got %v", errMsg, run.Error)
			}
		})
	}
}

// TestHookDisposeAcrossBackends verifies Hooks.Dispose is a one-shot
// operation consistently across back-ends: the second call always reports
// ErrNotFound rather than silently succeeding again.
func TestHookDisposeAcrossBackends(t *testing.T) {
	for _, scenario := range backendScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st := scenario.setup(t)

			run, err := st.Runs().Create(ctx, store.CreateRunParams{
				DeploymentID: "dep-1", WorkflowName: "w", Input: []byte(`{}`),
			})
			if err != nil {
				t.Fatalf("Create run failed: %v", err)
			}

			hook, err := st.Hooks().Create(ctx, store.CreateHookParams{
				RunID: run.RunID,
				Token: "tok-" + scenario.name,
				Auth:  store.AuthContext{Environment: "test", OwnerID: "o1", ProjectID: "p1"},
			})
			if err != nil {
				t.Fatalf("Create hook failed: %v", err)
			}

			if _, err := st.Hooks().Dispose(ctx, hook.HookID); err != nil {
				t.Fatalf("first Dispose failed: %v", err)
			}
			if _, err := st.Hooks().Dispose(ctx, hook.HookID); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected second Dispose to return ErrNotFound, got %v", err)
			}
		})
	}
}

// TestEventOrderingAcrossBackends verifies Events.List returns ascending
// insertion order on every back-end, which replay depends on.
func TestEventOrderingAcrossBackends(t *testing.T) {
	for _, scenario := range backendScenarios() {
		t.Run(scenario.name, func(t *testing.T) {
			ctx := context.Background()
			st := scenario.setup(t)

			run, err := st.Runs().Create(ctx, store.CreateRunParams{
				DeploymentID: "dep-1", WorkflowName: "w", Input: []byte(`{}`),
			})
			if err != nil {
				t.Fatalf("Create run failed: %v", err)
			}

			for i := 0; i < 5; i++ {
				if _, err := st.Events().Create(ctx, store.CreateEventParams{
					RunID:     run.RunID,
					EventType: "tick",
					EventData: []byte(`{}`),
				}); err != nil {
					t.Fatalf("Create event %d failed: %v", i, err)
				}
			}

			page, err := st.Events().List(ctx, run.RunID, store.ListEventsParams{})
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(page.Events) != 5 {
				t.Fatalf("expected 5 events, got %d", len(page.Events))
			}
			for i := 1; i < len(page.Events); i++ {
				if page.Events[i-1].EventID >= page.Events[i].EventID {
					t.Fatalf("events out of order at index %d: %s >= %s", i, page.Events[i-1].EventID, page.Events[i].EventID)
				}
			}
		})
	}
}
