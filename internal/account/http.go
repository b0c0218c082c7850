// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package account

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/request"
	"github.com/taibuivan/veyra/internal/platform/respond"
	"github.com/taibuivan/veyra/internal/platform/validate"
)

// Handler exposes the profile and admin routes.
type Handler struct {
	accounts *Service

	// adminEnabled gates the destructive test-only surface. The route is
	// not even mounted when false.
	adminEnabled bool
}

// NewHandler creates the account HTTP handler.
func NewHandler(accounts *Service, adminEnabled bool) *Handler {
	return &Handler{accounts: accounts, adminEnabled: adminEnabled}
}

// Register mounts the account routes on the router.
func (handler *Handler) Register(router chi.Router) {
	router.Get("/profile", handler.profile)
	router.Post("/profile", handler.updateProfile)
	if handler.adminEnabled {
		router.Delete("/clearAll", handler.clearAll)
	}
}

// profile returns the current user, including an in-flight recovery code so
// integration tooling can drive the recovery flow end to end.
//
//	GET /profile -> {"result":true,"user":{...},"recovery_code":"123456"}
func (handler *Handler) profile(writer http.ResponseWriter, req *http.Request) {
	actor, err := request.RequiredActor(req)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	user, err := handler.accounts.Profile(req.Context(), actor.UserID)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	fields := respond.Fields{"user": user}
	if user.RecoveryCode != "" {
		fields["recovery_code"] = user.RecoveryCode
	}
	respond.OK(writer, fields)
}

type updateProfileRequest struct {
	Username string `json:"username"`
}

// updateProfile changes the current user's username.
//
//	POST /profile {"username":"alice"}
func (handler *Handler) updateProfile(writer http.ResponseWriter, req *http.Request) {
	actor, err := request.RequiredActor(req)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	var input updateProfileRequest
	if err := request.DecodeJSON(req, &input); err != nil {
		respond.Error(writer, req, err)
		return
	}
	validator := &validate.Validator{}
	if err := validator.Required(identity.FieldUsername, input.Username).
		MaxLen(identity.FieldUsername, input.Username, 64).Err(); err != nil {
		respond.Error(writer, req, err)
		return
	}

	user, err := handler.accounts.UpdateUsername(req.Context(), actor.UserID, input.Username)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, respond.Fields{"user": user})
}

// clearAll wipes every user and session. Only mounted when the admin surface
// is enabled; never enable it in production.
//
//	DELETE /clearAll -> {"result":true}
func (handler *Handler) clearAll(writer http.ResponseWriter, req *http.Request) {
	if err := handler.accounts.ClearAll(req.Context()); err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, nil)
}
