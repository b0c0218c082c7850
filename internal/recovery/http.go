// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package recovery

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/veyra/internal/confirm"
	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/request"
	"github.com/taibuivan/veyra/internal/platform/respond"
	"github.com/taibuivan/veyra/internal/platform/validate"
)

// Handler exposes password recovery over HTTP.
//
// Every operation is reachable under two paths: the current /recovery/*
// naming and the legacy /recover* naming older clients still call. The two
// request aliases additionally differ in which cooldown rejection shape they
// report, a split inherited from their independent evolution.
type Handler struct {
	recovery *Manager
}

// NewHandler creates the recovery HTTP handler.
func NewHandler(recovery *Manager) *Handler {
	return &Handler{recovery: recovery}
}

// Register mounts the recovery routes on the router.
func (handler *Handler) Register(router chi.Router) {
	router.Post("/recovery/request", handler.requestVariant(confirm.VariantInitial))
	router.Post("/recover", handler.requestVariant(confirm.VariantResend))

	router.Post("/recovery/validate", handler.validate)
	router.Post("/recover/validate", handler.validate)

	router.Post("/recovery", handler.reset)
	router.Post("/recover/reset", handler.reset)
}

// recoveryRequest is the shared body of all recovery calls.
type recoveryRequest struct {
	Family   string `json:"family"`
	Type     string `json:"type"`
	UID      string `json:"uid"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Code     string `json:"code"`
	Password string `json:"password"`
}

// uidValue resolves the identity key from the body.
func (r *recoveryRequest) uidValue() string {
	switch {
	case r.UID != "":
		return r.UID
	case r.Type == identity.FieldEmail:
		return r.Email
	case r.Type == identity.FieldPhone:
		return r.Phone
	}
	return ""
}

// family defaults to the password family; recovery exists for password
// credentials.
func (r *recoveryRequest) family() identity.Family {
	if r.Family == "" {
		return identity.FamilyPassword
	}
	return identity.Family(r.Family)
}

// decode parses and structurally validates a recovery body.
func decode(req *http.Request, needCode, needPassword bool) (*recoveryRequest, error) {
	input := &recoveryRequest{}
	if err := request.DecodeJSON(req, input); err != nil {
		return nil, err
	}

	validator := &validate.Validator{}
	validator.Required(identity.FieldType, input.Type)
	validator.Required(identity.FieldUID, input.uidValue())
	if needCode {
		validator.Required(identity.FieldCode, input.Code)
	}
	if needPassword {
		validator.Required(identity.FieldPassword, input.Password)
	}
	if err := validator.Err(); err != nil {
		return nil, err
	}
	return input, nil
}

// requestVariant builds the start-recovery handler for one path alias.
//
//	POST /recovery/request {"type":"email","email":"a@x.com"}
func (handler *Handler) requestVariant(variant confirm.Variant) http.HandlerFunc {
	return func(writer http.ResponseWriter, req *http.Request) {
		input, err := decode(req, false, false)
		if err != nil {
			respond.Error(writer, req, err)
			return
		}

		err = handler.recovery.Request(req.Context(), input.family(), input.Type, input.uidValue(), variant)
		if err != nil {
			respond.Error(writer, req, err)
			return
		}
		respond.OK(writer, nil)
	}
}

// validate checks a recovery code without consuming it.
//
//	POST /recovery/validate {"type":"email","email":"a@x.com","code":"123456"}
func (handler *Handler) validate(writer http.ResponseWriter, req *http.Request) {
	input, err := decode(req, true, false)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	err = handler.recovery.Validate(req.Context(), input.family(), input.Type, input.uidValue(), input.Code)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, nil)
}

// reset consumes the recovery code and rotates the password.
//
//	POST /recovery {"type":"email","email":"a@x.com","code":"123456","password":"new"}
func (handler *Handler) reset(writer http.ResponseWriter, req *http.Request) {
	input, err := decode(req, true, true)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	err = handler.recovery.Reset(req.Context(), input.family(), input.Type, input.uidValue(), input.Code, input.Password)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, nil)
}
