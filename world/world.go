// Package world is the root facade: it wires the database adapter,
// storage, job queue, byte-stream layer, and observability emitter into
// a single handle, the way the teacher's graph.New assembles a reducer,
// store, and emitter behind one Engine.
package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/world/db"
	"github.com/dshills/world/emit"
	"github.com/dshills/world/idgen"
	"github.com/dshills/world/queue"
	"github.com/dshills/world/store"
	"github.com/dshills/world/stream"
)

// ErrNoExecutor is returned by a World's default Executor, installed when
// no WithExecutor option is supplied. A queue with nowhere to dispatch
// jobs is a configuration error, not a silent drop.
var ErrNoExecutor = errors.New("world: no executor configured")

type noopExecutor struct{}

func (noopExecutor) Dispatch(context.Context, string, queue.MessageData) (queue.Result, error) {
	return queue.Result{}, ErrNoExecutor
}

// Health is the aggregated liveness payload Health() returns, matching
// the external health surface spec.md section 6 describes.
type Health struct {
	Healthy  bool   `json:"healthy"`
	Backend  string `json:"backend"`
	RunCount int    `json:"sampledRunCount"`
	Error    string `json:"error,omitempty"`
}

// World composes the Adapter/Storage/Queue/Streamer/AuthProvider/Emitter
// collaborators behind one handle.
type World struct {
	cfg Config

	adapter db.Adapter
	storage store.Storage
	queue   queue.Queue
	stream  stream.Streamer

	ids      *idgen.Generator
	executor queue.Executor
	auth     AuthProvider
	emitter  emit.Emitter
}

// New builds a World from cfg plus any Options, but does not connect to
// the database or start worker loops — call Start for that. Options are
// applied before the database-backed collaborators are constructed, so
// WithExecutor affects the Queue that Start builds.
func New(cfg Config, opts ...Option) (*World, error) {
	cfg = cfg.withDefaults()

	w := &World{
		cfg:      cfg,
		ids:      idgen.New(),
		executor: noopExecutor{},
		auth:     NoopAuthProvider{},
		emitter:  emit.NewNullEmitter(),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, fmt.Errorf("world: applying option: %w", err)
		}
	}

	adapter, err := db.New(cfg.DatabaseType, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("world: building adapter: %w", err)
	}
	w.adapter = adapter

	return w, nil
}

// Start connects the database adapter, applies the fixed schema, and
// starts the queue and stream worker loops. Safe to call once; call
// Stop before calling Start again.
func (w *World) Start(ctx context.Context) error {
	if err := w.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("world: connecting adapter: %w", err)
	}

	storage, err := store.New(w.adapter, w.ids, w.emitter)
	if err != nil {
		return fmt.Errorf("world: building storage: %w", err)
	}
	if err := storage.CreateSchema(ctx); err != nil {
		return fmt.Errorf("world: creating storage schema: %w", err)
	}
	w.storage = storage

	q, err := queue.New(w.adapter, w.ids, w.executor, w.cfg.queueConfig(), w.emitter)
	if err != nil {
		return fmt.Errorf("world: building queue: %w", err)
	}
	if err := q.CreateSchema(ctx); err != nil {
		return fmt.Errorf("world: creating queue schema: %w", err)
	}
	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("world: starting queue: %w", err)
	}
	w.queue = q

	strm, err := stream.New(w.adapter, w.ids, w.emitter)
	if err != nil {
		return fmt.Errorf("world: building streamer: %w", err)
	}
	if err := strm.CreateSchema(ctx); err != nil {
		return fmt.Errorf("world: creating stream schema: %w", err)
	}
	if err := strm.Start(ctx); err != nil {
		return fmt.Errorf("world: starting streamer: %w", err)
	}
	w.stream = strm

	w.emitter.Emit(emit.Record{Msg: "world_started", Meta: map[string]any{"backend": string(w.adapter.Backend())}})
	return nil
}

// Stop stops the queue and stream worker loops and drains the database
// pool. Safe to call on a World that was never started.
func (w *World) Stop(ctx context.Context) error {
	var errs []error
	if w.queue != nil {
		if err := w.queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping queue: %w", err))
		}
	}
	if w.stream != nil {
		if err := w.stream.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping streamer: %w", err))
		}
	}
	if w.adapter != nil {
		if err := w.adapter.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnecting adapter: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Storage returns the storage facade. Valid only after Start succeeds.
func (w *World) Storage() store.Storage { return w.storage }

// Queue returns the job queue. Valid only after Start succeeds.
func (w *World) Queue() queue.Queue { return w.queue }

// Stream returns the byte-stream layer. Valid only after Start succeeds.
func (w *World) Stream() stream.Streamer { return w.stream }

// Auth returns the configured AuthProvider.
func (w *World) Auth() AuthProvider { return w.auth }

// CreateHook resolves the caller's tenant identity via the configured
// AuthProvider and stamps it onto the new Hook. ownerId/projectId/
// environment are whatever that provider resolves; with the default
// NoopAuthProvider they are empty. Callers that need to bypass the
// configured AuthProvider can still call Storage().Hooks().Create
// directly with their own AuthContext.
func (w *World) CreateHook(ctx context.Context, runID, token string, metadata json.RawMessage) (store.Hook, error) {
	authCtx, err := w.auth.Resolve(ctx)
	if err != nil {
		return store.Hook{}, fmt.Errorf("world: resolving auth context: %w", err)
	}
	return w.storage.Hooks().Create(ctx, store.CreateHookParams{
		RunID:    runID,
		Token:    token,
		Metadata: metadata,
		Auth:     authCtx,
	})
}

// Emitter returns the configured observability Emitter.
func (w *World) Emitter() emit.Emitter { return w.emitter }

// Health reports adapter liveness plus a sample Runs.List call, the
// external health surface spec.md section 6 describes (the HTTP handler
// that serves it over the wire is out of scope).
func (w *World) Health(ctx context.Context) Health {
	h := Health{Backend: string(w.adapter.Backend())}

	if !w.adapter.IsHealthy(ctx) {
		h.Error = "database adapter is not healthy"
		return h
	}

	if w.storage != nil {
		page, err := w.storage.Runs().List(ctx, store.ListRunsParams{Limit: 1})
		if err != nil {
			h.Error = err.Error()
			return h
		}
		h.RunCount = len(page.Runs)
	}

	h.Healthy = true
	return h
}
