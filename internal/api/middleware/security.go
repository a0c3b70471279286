package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Rsync25/bria/internal/config"
	"github.com/Rsync25/bria/internal/primitives"
)

type contextKey int

const accountIDContextKey contextKey = iota

// AccountAuthenticator is the capability AccountAuth needs from
// internal/app.App — an interface rather than a direct dependency so this
// package never has to import internal/app.
type AccountAuthenticator interface {
	Authenticate(ctx context.Context, key string) (primitives.AccountID, error)
}

// AdminAuthenticator is the capability AdminAuth needs from
// internal/admin.App.
type AdminAuthenticator interface {
	Authenticate(ctx context.Context, key string) error
}

// AccountAuth authenticates every request against an account API key
// carried as a bearer token, storing the resolved AccountID in the request
// context for handlers to read via AccountIDFromContext. Replaces the
// teacher's browser-facing HostCheck/CORS/CSRF stack, which assumed a
// same-origin dashboard with no bearer credential at all — this surface is
// a server-to-server admin API, so the same "reject and log" shape now
// guards a credential instead of an origin.
func AccountAuth(auth AccountAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := bearerToken(r)
			if !ok {
				slog.Warn("account auth: missing bearer token", "path", r.URL.Path, "remoteAddr", r.RemoteAddr)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			accountID, err := auth.Authenticate(r.Context(), key)
			if err != nil {
				if errors.Is(err, config.ErrAuthKeyInvalid) {
					slog.Warn("account auth: invalid key", "path", r.URL.Path, "remoteAddr", r.RemoteAddr)
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				slog.Error("account auth: lookup failed", "error", err, "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), accountIDContextKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuth authenticates every request against the undifferentiated admin
// API key. There is no identity to stash in context — any valid admin key
// authenticates any admin call, per internal/admin.KeyRepo.
func AdminAuth(auth AdminAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := bearerToken(r)
			if !ok {
				slog.Warn("admin auth: missing bearer token", "path", r.URL.Path, "remoteAddr", r.RemoteAddr)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if err := auth.Authenticate(r.Context(), key); err != nil {
				if errors.Is(err, config.ErrAuthKeyInvalid) {
					slog.Warn("admin auth: invalid key", "path", r.URL.Path, "remoteAddr", r.RemoteAddr)
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				slog.Error("admin auth: lookup failed", "error", err, "path", r.URL.Path)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// AccountIDFromContext retrieves the AccountID AccountAuth stored on the
// request context. Only valid inside a handler mounted behind AccountAuth.
func AccountIDFromContext(ctx context.Context) (primitives.AccountID, bool) {
	accountID, ok := ctx.Value(accountIDContextKey).(primitives.AccountID)
	return accountID, ok
}
