// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package respond provides HTTP response helpers used by all API handlers.
//
// # Architecture
//
// This package centralizes the presentation logic for HTTP responses.
// It ensures that every response (Success or Error) across the entire application
// follows the strict, predictable result envelope that shipped clients parse:
//
//	success: {"result": true, ...payload fields}
//	failure: {"result": false, "error": {"code": "..."}, "info": {...}}
//
// The envelope shape is a compatibility contract; changing it breaks mobile apps.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/ctxutil"
)

// Fields is the payload type for success responses. Its entries are merged
// into the envelope at the top level next to "result".
type Fields map[string]any

// errorBody is the nested object under the "error" key of failure envelopes.
type errorBody struct {
	Code string `json:"code"`
}

// JSON writes a JSON response with the given status code.
func JSON(writer http.ResponseWriter, statusCode int, payload any) {
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(payload)
}

// OK writes a 200 envelope with result=true and the given extra fields merged
// at the top level.
func OK(writer http.ResponseWriter, fields Fields) {
	envelope := map[string]any{"result": true}
	for key, value := range fields {
		if key == "result" {
			continue
		}
		envelope[key] = value
	}
	JSON(writer, http.StatusOK, envelope)
}

// Error converts any Go error into the standardized failure envelope.
//
// Non-AppError values are treated as unexpected internal failures: they are
// logged with full detail and surfaced to the client as a generic 500.
func Error(writer http.ResponseWriter, request *http.Request, err error) {
	var appError *apperr.AppError
	if !errors.As(err, &appError) {
		logger := ctxutil.GetLogger(request.Context())
		logger.ErrorContext(request.Context(), "unhandled_error_swallowed",
			slog.String("error", err.Error()),
			slog.String("request_id", ctxutil.GetRequestID(request.Context())),
		)
		appError = apperr.Internal(err)
	}

	// Always log 5xx errors as they indicate server-side issues.
	if appError.HTTPStatus >= 500 {
		logger := ctxutil.GetLogger(request.Context())
		logger.ErrorContext(request.Context(), "api_server_error",
			slog.String("code", appError.Code),
			slog.String("request_id", ctxutil.GetRequestID(request.Context())),
			slog.Any("cause", appError.Cause),
		)
	}

	envelope := map[string]any{
		"result": false,
		"error":  errorBody{Code: appError.Code},
	}
	if appError.Info != nil {
		envelope["info"] = appError.Info
	}

	JSON(writer, appError.HTTPStatus, envelope)
}
