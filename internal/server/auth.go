package server

import (
	"net/http"
	"strings"

	"github.com/tinybase/tinybase/internal/engine"
)

// IdentityResolver turns a request into a caller identity. The engine never
// authenticates; whatever identity the resolver returns is what rules see as
// @request.auth. Returning (nil, nil) means anonymous.
type IdentityResolver interface {
	Resolve(r *http.Request) (*engine.Identity, error)
}

// IdentityResolverFunc adapts a function to IdentityResolver.
type IdentityResolverFunc func(r *http.Request) (*engine.Identity, error)

// Resolve implements IdentityResolver.
func (f IdentityResolverFunc) Resolve(r *http.Request) (*engine.Identity, error) {
	return f(r)
}

// adminTokenResolver grants admin to requests bearing the configured token.
// Everything else is anonymous. An empty token matches nothing.
type adminTokenResolver struct {
	token string
}

func (a adminTokenResolver) Resolve(r *http.Request) (*engine.Identity, error) {
	if a.token == "" {
		return nil, nil
	}
	if bearerToken(r) == a.token {
		return &engine.Identity{Admin: true}, nil
	}
	return nil, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return h[len(prefix):]
}
