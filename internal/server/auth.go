// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/warden-dev/warden/internal/registry"
	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

type contextKey string

const identityKey contextKey = "warden.identity"

// openPaths never require a token.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware resolves the bearer token to an identity and stores it in
// the request context. With no tokens configured the server runs in local
// mode and every request carries an anonymous root identity.
func authMiddleware(tokens map[string]registry.Identity, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] || strings.HasPrefix(r.URL.Path, "/docs") || strings.HasPrefix(r.URL.Path, "/openapi") {
				next.ServeHTTP(w, r)
				return
			}

			if len(tokens) == 0 {
				id := registry.Identity{ID: "local", Tier: store.TierRoot}
				next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}

			id, ok := lookupToken(tokens, token)
			if !ok {
				log.Warn("rejected request with unknown token", "path", r.URL.Path, "remote", r.RemoteAddr)
				unauthorized(w, "unknown token")
				return
			}

			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
		})
	}
}

// lookupToken compares in constant time so token values cannot be probed
// byte by byte.
func lookupToken(tokens map[string]registry.Identity, presented string) (registry.Identity, bool) {
	for token, id := range tokens {
		if len(token) == len(presented) &&
			subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1 {
			return id, true
		}
	}
	return registry.Identity{}, false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

func withIdentity(ctx context.Context, id registry.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// identityFrom returns the authenticated identity, or an unauthorized error
// when the middleware did not attach one.
func identityFrom(ctx context.Context) (registry.Identity, error) {
	id, ok := ctx.Value(identityKey).(registry.Identity)
	if !ok {
		return registry.Identity{}, wardenerr.New(wardenerr.CodeServerAuthUnauthorized, "no authenticated identity")
	}
	return id, nil
}

// requireCapability gates an operation on the caller's authority tier. It
// runs as operation middleware so the check precedes request body
// validation: an under-tier caller is told 403 no matter what the payload
// looks like.
func (s *Server) requireCapability(capability string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		id, err := identityFrom(ctx.Context())
		if err == nil {
			err = registry.Require(id, capability)
		}
		if err != nil {
			_ = huma.WriteErr(s.api, ctx, wardenerr.HTTPStatus(err), err.Error())
			return
		}
		next(ctx)
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
