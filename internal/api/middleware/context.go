package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey int

const (
	tenantIDKey contextKey = iota
	authKeyKey
)

// authKeyIdentity carries the authenticated API key through the middleware
// chain. Handlers never read it directly; tenant scoping flows only through
// the tenant ID, and the prefix exists for rate limiting and request logs.
type authKeyIdentity struct {
	prefix string
	scopes []string
}

// SetTenantID attaches the authenticated tenant to the context. Exported so
// handler tests can authenticate requests without the full middleware chain.
func SetTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

func GetTenantID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(tenantIDKey).(uuid.UUID)
	return id, ok
}

func setAuthKey(ctx context.Context, prefix string, scopes []string) context.Context {
	return context.WithValue(ctx, authKeyKey, authKeyIdentity{prefix: prefix, scopes: scopes})
}

func getKeyPrefix(r *http.Request) (string, bool) {
	identity, ok := r.Context().Value(authKeyKey).(authKeyIdentity)
	return identity.prefix, ok
}

func getScopes(r *http.Request) []string {
	identity, _ := r.Context().Value(authKeyKey).(authKeyIdentity)
	return identity.scopes
}
