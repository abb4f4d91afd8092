package middleware

import (
	"context"
	"net/http"
	"strings"

	"station-relay/shared/authx"
	"station-relay/shared/httpx"
)

type APIKeyLookup interface {
	Lookup(key string) (authx.Identity, error)
}

type TokenVerifier interface {
	Verify(raw string) (authx.Identity, error)
}

type OIDCVerifier interface {
	Verify(ctx context.Context, raw string) (authx.Identity, error)
}

// AuthMiddleware resolves the caller's identity from an API key (X-API-Key
// header or api_key query parameter) or a bearer token. Requests without
// credentials pass through anonymously; presented but invalid credentials
// are rejected with 401.
type AuthMiddleware struct {
	APIKeys APIKeyLookup
	Tokens  TokenVerifier
	OIDC    OIDCVerifier
	Skip    func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		id, presented, err := m.identify(r)
		if !presented {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "invalid credentials", nil)
			return
		}
		noteIdentity(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(authx.WithIdentity(r.Context(), id)))
	})
}

func (m AuthMiddleware) identify(r *http.Request) (authx.Identity, bool, error) {
	if key := apiKeyFromRequest(r); key != "" {
		if m.APIKeys == nil {
			return authx.Identity{}, true, authx.ErrInvalidCredentials
		}
		id, err := m.APIKeys.Lookup(key)
		return id, true, err
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" {
		return authx.Identity{}, false, nil
	}
	if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return authx.Identity{}, true, authx.ErrInvalidToken
	}
	token := strings.TrimSpace(authHeader[len("bearer "):])

	if m.Tokens != nil {
		if id, err := m.Tokens.Verify(token); err == nil {
			return id, true, nil
		}
	}
	if m.OIDC != nil {
		id, err := m.OIDC.Verify(r.Context(), token)
		return id, true, err
	}
	return authx.Identity{}, true, authx.ErrInvalidToken
}

func apiKeyFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}

// Allowed reports whether id may use p. Admin implies every permission.
func Allowed(id authx.Identity, p authx.Permission) bool {
	return id.HasPermission(p) || id.HasPermission(authx.PermAdmin)
}

// Require rejects anonymous callers with 401 and callers lacking p with 403.
func Require(p authx.Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := authx.IdentityFromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "authentication required", nil)
			return
		}
		if !Allowed(id, p) {
			httpx.WriteError(w, r, http.StatusForbidden, "ERR_FORBIDDEN", "missing permission: "+string(p), nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
