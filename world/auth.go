package world

import (
	"context"

	"github.com/dshills/world/store"
)

// AuthProvider resolves the tenant identity for an incoming request,
// per spec.md's "authentication/tenant resolution" collaborator: World
// never authenticates anyone itself, it only asks this interface who is
// calling.
type AuthProvider interface {
	Resolve(ctx context.Context) (store.AuthContext, error)
}

// NoopAuthProvider resolves every request to an empty AuthContext. It is
// the default when no AuthProvider is supplied, matching the empty
// ownerId/projectId/environment behavior spec.md's Open Question (c)
// describes as the pre-integration fallback.
type NoopAuthProvider struct{}

func (NoopAuthProvider) Resolve(context.Context) (store.AuthContext, error) {
	return store.AuthContext{}, nil
}

// StaticAuthProvider always resolves to a fixed AuthContext, useful for
// single-tenant deployments and tests.
type StaticAuthProvider struct {
	Context store.AuthContext
}

func (p StaticAuthProvider) Resolve(context.Context) (store.AuthContext, error) {
	return p.Context, nil
}
