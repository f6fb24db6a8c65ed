package storage

import "context"

type contextKey string

const contextKeyAuthenticated contextKey = "authenticated"

// WithAuthenticated returns a context carrying the caller's authentication
// state. The selector routes on this explicit value rather than on any
// ambient global, so a fake backend can be substituted trivially in tests.
func WithAuthenticated(ctx context.Context, authenticated bool) context.Context {
	return context.WithValue(ctx, contextKeyAuthenticated, authenticated)
}

// IsAuthenticated reports the authentication state carried by ctx.
// Absent value means guest.
func IsAuthenticated(ctx context.Context) bool {
	v, ok := ctx.Value(contextKeyAuthenticated).(bool)
	return ok && v
}

// Selector routes every persistence call to the local or remote Backend
// based on the authentication flag in the context. Pure routing, no state
// of its own.
type Selector struct {
	local  Backend // guest mode: device-local store
	remote Backend // authenticated: shared networked store
}

// NewSelector builds a Selector. Either backend may be nil when a deployment
// runs single-mode; For falls back to whichever is configured.
func NewSelector(local, remote Backend) *Selector {
	return &Selector{local: local, remote: remote}
}

// For returns the backend serving the caller's mode.
func (s *Selector) For(ctx context.Context) Backend {
	if IsAuthenticated(ctx) && s.remote != nil {
		return s.remote
	}
	if s.local != nil {
		return s.local
	}
	return s.remote
}
