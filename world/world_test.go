package world

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/world/queue"
	"github.com/dshills/world/store"
)

type fakeExecutor struct{}

func (fakeExecutor) Dispatch(context.Context, string, queue.MessageData) (queue.Result, error) {
	return queue.Result{}, nil
}

func newTestWorld(t *testing.T, opts ...Option) *World {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world.db")
	cfg := Config{DatabaseURL: path, WorkerConcurrency: 1}

	allOpts := append([]Option{WithExecutor(fakeExecutor{})}, opts...)
	w, err := New(cfg, allOpts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := w.Stop(stopCtx); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return w
}

func TestWorld_StartWiresStorageQueueAndStream(t *testing.T) {
	w := newTestWorld(t)

	if w.Storage() == nil {
		t.Error("expected Storage to be wired after Start")
	}
	if w.Queue() == nil {
		t.Error("expected Queue to be wired after Start")
	}
	if w.Stream() == nil {
		t.Error("expected Stream to be wired after Start")
	}
}

func TestWorld_HealthReportsHealthyAfterStart(t *testing.T) {
	w := newTestWorld(t)

	h := w.Health(context.Background())
	if !h.Healthy {
		t.Fatalf("expected healthy, got %+v", h)
	}
	if h.Backend != "sqlite" {
		t.Errorf("expected backend sqlite, got %q", h.Backend)
	}
}

func TestWorld_EndToEndRunCreateAndEnqueue(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	run, err := w.Storage().Runs().Create(ctx, store.CreateRunParams{
		WorkflowName: "onboarding",
		Input:        json.RawMessage(`{"step":1}`),
	})
	if err != nil {
		t.Fatalf("Runs.Create failed: %v", err)
	}

	queueName := "__wkf_workflow_" + run.RunID
	msgID, err := w.Queue().Enqueue(ctx, queueName, json.RawMessage(`{}`), queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if msgID == "" {
		t.Error("expected a non-empty message id")
	}
}

func TestWorld_DefaultExecutorErrorsWithoutOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.db")
	w, err := New(Config{DatabaseURL: path, WorkerConcurrency: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop(context.Background())

	if _, ok := w.executor.(noopExecutor); !ok {
		t.Error("expected default executor to be noopExecutor when WithExecutor is not supplied")
	}
}

func TestWorld_AuthProviderDefaultsToNoop(t *testing.T) {
	w := newTestWorld(t)
	authCtx, err := w.Auth().Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if authCtx != (store.AuthContext{}) {
		t.Errorf("expected empty AuthContext, got %+v", authCtx)
	}
}

func TestWorld_CreateHookStampsResolvedAuthContext(t *testing.T) {
	want := store.AuthContext{OwnerID: "user_1", ProjectID: "proj_1", Environment: "prod"}
	w := newTestWorld(t, WithAuthProvider(StaticAuthProvider{Context: want}))
	ctx := context.Background()

	run, err := w.Storage().Runs().Create(ctx, store.CreateRunParams{
		WorkflowName: "onboarding",
		Input:        json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Runs.Create failed: %v", err)
	}

	hook, err := w.CreateHook(ctx, run.RunID, "tok_abc123", json.RawMessage(`{"note":"test"}`))
	if err != nil {
		t.Fatalf("CreateHook failed: %v", err)
	}
	if hook.OwnerID != want.OwnerID || hook.ProjectID != want.ProjectID || hook.Environment != want.Environment {
		t.Errorf("hook auth fields = %+v, want %+v", hook, want)
	}
}

func TestWorld_WithAuthProviderOverridesDefault(t *testing.T) {
	want := store.AuthContext{OwnerID: "user_1", ProjectID: "proj_1", Environment: "prod"}
	w := newTestWorld(t, WithAuthProvider(StaticAuthProvider{Context: want}))

	got, err := w.Auth().Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
