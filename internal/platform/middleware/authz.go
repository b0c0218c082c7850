// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package middleware provides the HTTP middleware chain for the Veyra API server.
//
// # Architecture
//
// Middleware intercepts incoming HTTP requests to apply global policies
// before they reach the domain handlers. This includes cross-cutting concerns
// like Logging, AuthZ/AuthN, Rate Limiting, and CORS.
package middleware

import (
	"context"
	"net/http"

	"github.com/taibuivan/veyra/internal/platform/ctxutil"
	"github.com/taibuivan/veyra/internal/platform/request"
	"github.com/taibuivan/veyra/internal/platform/respond"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

// SessionResolver defines the interface needed to resolve bearer tokens in
// middleware.
//
// # Why an interface?
//
// Defining SessionResolver here decouples the middleware from the session
// service implementation, allowing us to easily inject mocks during unit
// testing.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (*sec.Actor, error)
}

// Authenticate extracts and resolves the bearer session token.
//
// # Flow
//  1. Check for 'Authorization: Bearer <token>' header.
//  2. If absent, request proceeds as anonymous; endpoints that require an
//     actor reject with not_auth themselves.
//  3. If present, resolve the token via [SessionResolver]. A stale or
//     rotated token aborts with auth_failed, a token whose user was merged
//     away aborts with user_not_found.
//  4. Inject the [*sec.Actor] into the request context for downstream use.
func Authenticate(resolver SessionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
			token := request.BearerToken(req)

			// ── 1. Anonymous Access ───────────────────────────────────────────
			if token == "" {
				next.ServeHTTP(writer, req)
				return
			}

			// ── 2. Token Resolution ───────────────────────────────────────────
			actor, err := resolver.Resolve(req.Context(), token)
			if err != nil {
				respond.Error(writer, req, err)
				return
			}

			// ── 3. Context Injection ──────────────────────────────────────────
			ctx := ctxutil.WithActor(req.Context(), actor)
			next.ServeHTTP(writer, req.WithContext(ctx))
		})
	}
}
