package world

import (
	"github.com/dshills/world/emit"
	"github.com/dshills/world/queue"
)

// Option customizes a World beyond what Config/env vars set, following
// the teacher's functional-options idiom (graph.Option / graph.New(...,
// opts...)): each Option is applied in order after Config is resolved,
// so later options win over earlier ones and over env-derived defaults.
type Option func(*World) error

// WithExecutor injects the Executor a World's Queue dispatches jobs to.
// Without this option, World falls back to an Executor that always
// returns an error, since a queue with nowhere to dispatch is a
// configuration mistake, not a silent no-op.
func WithExecutor(executor queue.Executor) Option {
	return func(w *World) error {
		w.executor = executor
		return nil
	}
}

// WithAuthProvider injects the AuthProvider Hooks.Create resolves tenant
// identity through. Without this option, World uses NoopAuthProvider.
func WithAuthProvider(provider AuthProvider) Option {
	return func(w *World) error {
		w.auth = provider
		return nil
	}
}

// WithEmitter injects the Emitter World reports lifecycle Records to.
// Without this option, World uses emit.NewNullEmitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(w *World) error {
		w.emitter = emitter
		return nil
	}
}
