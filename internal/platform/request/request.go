// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package request provides helpers for parsing incoming HTTP requests.
//
// It centralizes JSON body decoding, bearer token extraction, and actor
// resolution so every handler treats malformed input identically.
package request

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/constants"
	"github.com/taibuivan/veyra/internal/platform/ctxutil"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/internal/platform/validate"
)

// maxBodyBytes caps request bodies to protect against oversized payloads.
const maxBodyBytes = 1 << 20 // 1 MB

// DecodeJSON parses the request body into dst.
//
// Unknown fields are tolerated (clients ship ahead of the server), but a
// syntactically broken or absent body fails with req_invalid. An empty body
// is also rejected: every decoding endpoint requires at least one field.
func DecodeJSON(r *http.Request, dst any) error {
	reader := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(reader)

	if err := decoder.Decode(dst); err != nil {
		return validate.ErrInvalidJSON
	}
	return nil
}

// BearerToken extracts the bearer token from the Authorization header.
// Returns the empty string when no token was presented.
func BearerToken(r *http.Request) string {
	header := r.Header.Get(constants.HeaderAuthorization)
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}

	// Legacy clients send the raw token without a scheme.
	return strings.TrimSpace(header)
}

// Actor returns the resolved session actor from the request context, or nil
// for anonymous requests.
func Actor(r *http.Request) *sec.Actor {
	return ctxutil.GetActor(r.Context())
}

// RequiredActor returns the resolved session actor, failing with
// [apperr.NotAuth] when the request carried no token at all.
//
// Requests that carried an invalid token never reach this point; the
// authentication middleware already rejected them with auth_failed.
func RequiredActor(r *http.Request) (*sec.Actor, error) {
	actor := ctxutil.GetActor(r.Context())
	if actor == nil {
		return nil, apperr.NotAuth()
	}
	return actor, nil
}
