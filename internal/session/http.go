// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/veyra/internal/platform/request"
	"github.com/taibuivan/veyra/internal/platform/respond"
	"github.com/taibuivan/veyra/internal/platform/validate"
)

// Handler exposes the session lifecycle over HTTP.
type Handler struct {
	sessions *Manager
}

// NewHandler creates the session HTTP handler.
func NewHandler(sessions *Manager) *Handler {
	return &Handler{sessions: sessions}
}

// Register mounts the session routes on the router.
func (handler *Handler) Register(router chi.Router) {
	router.Post("/auth", handler.authenticate)
	router.Post("/logout", handler.logout)
}

type authenticateRequest struct {
	DeviceID string `json:"device_id"`
}

// authenticate creates or resumes the guest session for a device.
//
//	POST /auth {"device_id": "..."} -> {"result": true, "token": "...", "user_id": "..."}
func (handler *Handler) authenticate(writer http.ResponseWriter, req *http.Request) {
	var input authenticateRequest
	if err := request.DecodeJSON(req, &input); err != nil {
		respond.Error(writer, req, err)
		return
	}

	validator := &validate.Validator{}
	if err := validator.Required("device_id", input.DeviceID).MaxLen("device_id", input.DeviceID, 128).Err(); err != nil {
		respond.Error(writer, req, err)
		return
	}

	token, userID, err := handler.sessions.Authenticate(req.Context(), input.DeviceID)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	respond.OK(writer, respond.Fields{
		"token":   token,
		"user_id": userID,
	})
}

// logout rotates the session token and returns the replacement; the
// presented token is invalid as soon as the response is written.
//
//	POST /logout -> {"result": true, "token": "..."}
func (handler *Handler) logout(writer http.ResponseWriter, req *http.Request) {
	actor, err := request.RequiredActor(req)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	token, err := handler.sessions.Rotate(req.Context(), actor)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	respond.OK(writer, respond.Fields{"token": token})
}
