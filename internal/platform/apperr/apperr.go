// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package apperr defines the centralized error handling framework for Veyra.

It provides a rich error type that bridges the gap between low-level Domain/Storage
errors and high-level HTTP responses.

Architecture:

  - AppError: A struct containing a machine-readable wire code and an optional
    structured info payload that is rendered verbatim to clients.
  - Taxonomy: One constructor per user-visible outcome; every failure that
    leaves the service layer is one of these, never an ad-hoc string.
  - Mapping: Explicit mapping from AppError to standard HTTP Status Codes.

The wire codes are a compatibility contract with existing mobile and web
clients and must never be renamed.
*/
package apperr

import (
	"errors"
	"net/http"
	"time"
)

// # Wire Codes

// Machine-readable error identifiers exposed in the response envelope.
//
// # Compatibility
//
// Clients dispatch on these exact strings. Two of them (CodeCodeTimeout and
// CodeInvalidConfirmationTime) describe the same cooldown mechanism but are
// kept distinct because they evolved on different endpoints with different
// info payloads.
const (
	CodeNotAuth                 = "not_auth"
	CodeAuthFailed              = "auth_failed"
	CodeAlreadyAuth             = "already_auth"
	CodeUserNotFound            = "user_not_found"
	CodeUserNotConfirmed        = "user_not_confirmed"
	CodeUserExist               = "user_exist"
	CodeIdentityExists          = "auth_identity_already_exists"
	CodeInvalidCode             = "invalid_code"
	CodeCodeExpired             = "code_expired"
	CodeInvalidConfirmationTime = "invalid_confirmation_time"
	CodeCodeTimeout             = "code_timeout"
	CodeIncorrectPassword       = "incorrect_password"
	CodeReqInvalid              = "req_invalid"
	CodeMergeWarning            = "merge_warning"
	CodeInternal                = "internal"
)

// AppError is the canonical error type for the Veyra API.
//
// It carries an HTTP status code, a machine-readable wire code, and an
// optional info payload rendered under the "info" key of the envelope.
//
// # Security
//
// The Cause field is for server-side logging only and is never sent to clients
// to avoid leaking internal implementation details (e.g., SQL queries).
type AppError struct {
	// Code is the machine-readable wire identifier (e.g. "user_exist").
	Code string `json:"code"`
	// HTTPStatus is the HTTP response status code.
	HTTPStatus int `json:"-"`
	// Info holds the structured payload attached to the error (e.g. the
	// cooldown hints of a rate-limit rejection, or the identities lost by a
	// merge). Nil when the error carries no payload.
	Info map[string]any `json:"-"`
	// Cause is the underlying error, used for server-side logging only.
	Cause error `json:"-"`
}

// Error implements the error interface. It returns the wire code.
func (e *AppError) Error() string { return e.Code }

// Unwrap allows [errors.Is] and [errors.As] to traverse the cause chain.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCode returns a shallow copy carrying a different wire code.
//
// Used at boundary seams where a legacy endpoint exposes the same failure
// under a historical spelling (see the initLink handler).
func (e *AppError) WithCode(code string) *AppError {
	clone := *e
	clone.Code = code
	return &clone
}

// # Session Errors (401)

// NotAuth is returned when no bearer token was presented at all.
func NotAuth() *AppError {
	return &AppError{Code: CodeNotAuth, HTTPStatus: http.StatusUnauthorized}
}

// AuthFailed is returned when a token was presented but is unknown or stale.
func AuthFailed() *AppError {
	return &AppError{Code: CodeAuthFailed, HTTPStatus: http.StatusUnauthorized}
}

// # Identity Errors (400/404)

// AlreadyAuth is returned when the session already owns the credential it is
// trying to assert.
func AlreadyAuth() *AppError {
	return &AppError{Code: CodeAlreadyAuth, HTTPStatus: http.StatusBadRequest}
}

// UserNotFound is returned when a credential or recovery key has no matching
// confirmed identity, or the session's user was merged away.
func UserNotFound() *AppError {
	return &AppError{Code: CodeUserNotFound, HTTPStatus: http.StatusNotFound}
}

// UserNotConfirmed is returned while the account's base credential is still
// unconfirmed; all further identity operations are blocked until then.
func UserNotConfirmed() *AppError {
	return &AppError{Code: CodeUserNotConfirmed, HTTPStatus: http.StatusBadRequest}
}

// UserExist is returned when the target uid is confirmed on a different
// account and no merge was requested or confirmed.
func UserExist() *AppError {
	return &AppError{Code: CodeUserExist, HTTPStatus: http.StatusBadRequest}
}

// IdentityExists is returned when the caller already owns this exact identity.
func IdentityExists() *AppError {
	return &AppError{Code: CodeIdentityExists, HTTPStatus: http.StatusBadRequest}
}

// IncorrectPassword is returned on a password mismatch during login or reset.
func IncorrectPassword() *AppError {
	return &AppError{Code: CodeIncorrectPassword, HTTPStatus: http.StatusBadRequest}
}

// ReqInvalid is returned for requests that are structurally invalid for the
// current state (e.g. OTP auth against another user's pending code).
func ReqInvalid() *AppError {
	return &AppError{Code: CodeReqInvalid, HTTPStatus: http.StatusBadRequest}
}

// # Code Lifecycle Errors

// InvalidCode is returned when a confirmation or recovery code does not match.
func InvalidCode() *AppError {
	return &AppError{Code: CodeInvalidCode, HTTPStatus: http.StatusBadRequest}
}

// CodeExpired is returned when the code exists but its validity window passed.
func CodeExpired() *AppError {
	return &AppError{Code: CodeCodeExpired, HTTPStatus: http.StatusBadRequest}
}

// CodeTimeout is the cooldown rejection used by proactive resend and OTP
// code-request endpoints.
//
// The info payload carries both the remaining seconds and the absolute
// wall-clock instant at which a new code may be requested.
func CodeTimeout(remaining time.Duration, nextRequestTime time.Time) *AppError {
	return &AppError{
		Code:       CodeCodeTimeout,
		HTTPStatus: http.StatusTooManyRequests,
		Info: map[string]any{
			"timeoutSec":      int(remaining.Seconds()),
			"nextRequestTime": nextRequestTime.UTC().Format(time.RFC3339),
		},
	}
}

// InvalidConfirmationTime is the cooldown rejection used by first-attempt
// confirmation and recovery endpoints. Same mechanism as [CodeTimeout] but a
// historically different payload shape that clients depend on.
func InvalidConfirmationTime(validInterval time.Duration, validTime time.Time) *AppError {
	return &AppError{
		Code:       CodeInvalidConfirmationTime,
		HTTPStatus: http.StatusTooManyRequests,
		Info: map[string]any{
			"validInterval": int(validInterval.Seconds()),
			"validTime":     validTime.UTC().Format(time.RFC3339),
		},
	}
}

// # Merge Negotiation (409)

// MergeWarning is the negotiation response requiring explicit client
// confirmation before a merge proceeds. It is not a hard failure.
//
// The lost parameter describes the identities on the losing side that would
// be discarded by the merge; it is rendered under info.lost so the client can
// present a warning dialog.
func MergeWarning(lost any) *AppError {
	return &AppError{
		Code:       CodeMergeWarning,
		HTTPStatus: http.StatusConflict,
		Info:       map[string]any{"lost": lost},
	}
}

// # Server Errors (5xx)

// Internal creates a 500 [AppError] wrapping an unexpected server-side error.
// The cause is stored for logging but is never sent to the client.
func Internal(cause error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		HTTPStatus: http.StatusInternalServerError,
		Cause:      cause,
	}
}

// # Helpers

// IsAppError reports whether err (or any error in its chain) is an [*AppError].
func IsAppError(err error) bool {
	var ae *AppError
	return errors.As(err, &ae)
}

// As extracts the [*AppError] from err's chain. It returns nil if not found.
func As(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// HasCode reports whether err is an [*AppError] carrying the given wire code.
func HasCode(err error, code string) bool {
	ae := As(err)
	return ae != nil && ae.Code == code
}
