// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package link

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/request"
	"github.com/taibuivan/veyra/internal/platform/respond"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/internal/platform/validate"
)

// initLinkIdentityExists is the historical camelCase spelling of the
// auth_identity_already_exists code that the /initLink endpoint alone
// exposes. Shipped clients dispatch on it.
const initLinkIdentityExists = "authIdentityAlreadyExists"

// Handler exposes the linking and merge flows over HTTP.
type Handler struct {
	links *Coordinator
}

// NewHandler creates the link HTTP handler.
func NewHandler(links *Coordinator) *Handler {
	return &Handler{links: links}
}

// Register mounts the credential routes on the router.
func (handler *Handler) Register(router chi.Router) {
	router.Post("/register", handler.register)
	router.Post("/register/check", handler.registerCheck)
	router.Post("/login", handler.login)
	router.Post("/social/login", handler.socialLogin)
	router.Post("/otp/{key}/code", handler.otpCode)
	router.Post("/otp/{key}/auth", handler.otpAuth)
	router.Post("/confirm", handler.confirm)
	router.Post("/confirm/resend", handler.confirmResend)
	router.Post("/initLink", handler.initLink)
	router.Post("/link", handler.link)
}

// credentialRequest is the shared body of register/login/link calls. The uid
// may arrive under a type-specific field name (email, phone) or as "uid".
type credentialRequest struct {
	Family   string `json:"family"`
	Type     string `json:"type"`
	UID      string `json:"uid"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`

	Code         string `json:"code"`
	Merge        bool   `json:"merge"`
	ConfirmMerge bool   `json:"confirmMerge"`
}

// uidValue resolves the credential key from the request body.
func (c *credentialRequest) uidValue() string {
	switch {
	case c.UID != "":
		return c.UID
	case c.Type == identity.FieldEmail:
		return c.Email
	case c.Type == identity.FieldPhone:
		return c.Phone
	}
	return ""
}

// credential builds the domain credential. An absent family defaults to the
// password family, which is what register/login clients send.
func (c *credentialRequest) credential() Credential {
	family := identity.Family(c.Family)
	if c.Family == "" {
		family = identity.FamilyPassword
	}
	return Credential{
		Family:   family,
		Type:     c.Type,
		UID:      c.uidValue(),
		Password: c.Password,
	}
}

// validateCredential applies the structural rules shared by register and
// login bodies.
func validateCredential(input *credentialRequest, needPassword bool) error {
	validator := &validate.Validator{}
	validator.Required(identity.FieldType, input.Type)

	uid := input.uidValue()
	validator.Required(identity.FieldUID, uid)
	switch input.Type {
	case identity.FieldEmail:
		if uid != "" {
			validator.Email(identity.FieldEmail, uid)
		}
	case identity.FieldPhone:
		if uid != "" {
			validator.Phone(identity.FieldPhone, uid)
		}
	}
	if needPassword {
		validator.Required(identity.FieldPassword, input.Password).
			MinLen(identity.FieldPassword, input.Password, 1)
	}
	if input.Family != "" {
		validator.Custom(identity.FieldFamily, !identity.Family(input.Family).Known(), "Unknown credential family")
	}
	return validator.Err()
}

// register attaches an unconfirmed password identity and sends its code.
//
//	POST /register {"type":"email","email":"a@x.com","password":"p"}
func (handler *Handler) register(writer http.ResponseWriter, req *http.Request) {
	actor, _, cred, err := handler.decodeCredential(req, true)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	user, err := handler.links.Register(req.Context(), actor, cred)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	respond.OK(writer, respond.Fields{
		"uid":  cred.normalized().UID,
		"user": user,
	})
}

// registerCheck runs the collision checks without attaching anything.
//
//	POST /register/check {"type":"email","email":"a@x.com"}
func (handler *Handler) registerCheck(writer http.ResponseWriter, req *http.Request) {
	actor, _, cred, err := handler.decodeCredential(req, false)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	if err := handler.links.CheckRegister(req.Context(), actor, cred); err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, nil)
}

// login authenticates a confirmed password identity and rebinds the session.
//
//	POST /login {"type":"email","email":"a@x.com","password":"p"}
func (handler *Handler) login(writer http.ResponseWriter, req *http.Request) {
	actor, _, cred, err := handler.decodeCredential(req, true)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	outcome, err := handler.links.Login(req.Context(), actor, cred)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, outcomeFields(outcome))
}

type socialLoginRequest struct {
	Type         string `json:"type"`
	Token        string `json:"token"`
	ConfirmMerge bool   `json:"confirmMerge"`
}

// socialLogin verifies a provider token and attaches/logs in/merges.
//
//	POST /social/login {"type":"google","token":"..."}
func (handler *Handler) socialLogin(writer http.ResponseWriter, req *http.Request) {
	actor, err := request.RequiredActor(req)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	var input socialLoginRequest
	if err := request.DecodeJSON(req, &input); err != nil {
		respond.Error(writer, req, err)
		return
	}
	validator := &validate.Validator{}
	if err := validator.Required(identity.FieldType, input.Type).
		Required(identity.FieldToken, input.Token).Err(); err != nil {
		respond.Error(writer, req, err)
		return
	}

	outcome, err := handler.links.SocialLogin(req.Context(), actor, input.Type, input.Token,
		Options{ConfirmMerge: input.ConfirmMerge})
	if err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, outcomeFields(outcome))
}

type otpRequest struct {
	Phone        string `json:"phone"`
	UID          string `json:"uid"`
	Code         string `json:"code"`
	Merge        bool   `json:"merge"`
	ConfirmMerge bool   `json:"confirmMerge"`
}

// uidValue resolves the channel key from the body.
func (o *otpRequest) uidValue() string {
	if o.UID != "" {
		return o.UID
	}
	return o.Phone
}

// otpCode issues a login/link code on an OTP channel.
//
//	POST /otp/telegram/code {"phone":"+79990000000"}
func (handler *Handler) otpCode(writer http.ResponseWriter, req *http.Request) {
	actor, err := request.RequiredActor(req)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	var input otpRequest
	if err := request.DecodeJSON(req, &input); err != nil {
		respond.Error(writer, req, err)
		return
	}
	validator := &validate.Validator{}
	if err := validator.Required(identity.FieldPhone, input.uidValue()).
		Phone(identity.FieldPhone, input.uidValue()).Err(); err != nil {
		respond.Error(writer, req, err)
		return
	}

	channel := chi.URLParam(req, "key")
	err = handler.links.OTPRequestCode(req.Context(), actor, channel, input.uidValue(),
		Options{Merge: input.Merge})
	if err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, nil)
}

// otpAuth verifies an OTP code and completes the flow.
//
//	POST /otp/telegram/auth {"phone":"+79990000000","code":"123456"}
func (handler *Handler) otpAuth(writer http.ResponseWriter, req *http.Request) {
	actor, err := request.RequiredActor(req)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	var input otpRequest
	if err := request.DecodeJSON(req, &input); err != nil {
		respond.Error(writer, req, err)
		return
	}
	validator := &validate.Validator{}
	if err := validator.Required(identity.FieldPhone, input.uidValue()).
		Required(identity.FieldCode, input.Code).Err(); err != nil {
		respond.Error(writer, req, err)
		return
	}

	channel := chi.URLParam(req, "key")
	outcome, err := handler.links.OTPAuth(req.Context(), actor, channel, input.uidValue(), input.Code,
		Options{Merge: input.Merge, ConfirmMerge: input.ConfirmMerge})
	if err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, outcomeFields(outcome))
}

type confirmRequest struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// confirm verifies a pending password-family code.
//
//	POST /confirm {"type":"email","code":"123456"}
func (handler *Handler) confirm(writer http.ResponseWriter, req *http.Request) {
	actor, err := request.RequiredActor(req)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	var input confirmRequest
	if err := request.DecodeJSON(req, &input); err != nil {
		respond.Error(writer, req, err)
		return
	}
	validator := &validate.Validator{}
	if err := validator.Required(identity.FieldType, input.Type).
		Required(identity.FieldCode, input.Code).Err(); err != nil {
		respond.Error(writer, req, err)
		return
	}

	user, err := handler.links.Confirm(req.Context(), actor, input.Type, input.Code)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, respond.Fields{"user": user})
}

// confirmResend issues a fresh code inside the resend cooldown contract.
//
//	POST /confirm/resend {"type":"email"}
func (handler *Handler) confirmResend(writer http.ResponseWriter, req *http.Request) {
	actor, err := request.RequiredActor(req)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	var input confirmRequest
	if err := request.DecodeJSON(req, &input); err != nil {
		respond.Error(writer, req, err)
		return
	}
	validator := &validate.Validator{}
	if err := validator.Required(identity.FieldType, input.Type).Err(); err != nil {
		respond.Error(writer, req, err)
		return
	}

	if err := handler.links.ConfirmResend(req.Context(), actor, input.Type); err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, nil)
}

// initLink begins linking a new identity to the current account.
//
//	POST /initLink {"family":"password","type":"phone","phone":"+7..."}
//	-> {"result":true,"action":"link","confirmCodeRequired":true}
func (handler *Handler) initLink(writer http.ResponseWriter, req *http.Request) {
	actor, _, cred, err := handler.decodeCredential(req, false)
	if err != nil {
		respond.Error(writer, req, remapInitLink(err))
		return
	}

	result, err := handler.links.InitLink(req.Context(), actor, cred)
	if err != nil {
		respond.Error(writer, req, remapInitLink(err))
		return
	}

	respond.OK(writer, respond.Fields{
		"action":              result.Action,
		"confirmCodeRequired": result.ConfirmCodeRequired,
	})
}

// link completes the init-link protocol.
//
//	POST /link {"family":"password","type":"phone","phone":"+7...","code":"123456","merge":true,"confirmMerge":true}
func (handler *Handler) link(writer http.ResponseWriter, req *http.Request) {
	actor, input, cred, err := handler.decodeCredential(req, false)
	if err != nil {
		respond.Error(writer, req, err)
		return
	}

	outcome, err := handler.links.Link(req.Context(), actor, cred, input.Code,
		Options{Merge: input.Merge, ConfirmMerge: input.ConfirmMerge})
	if err != nil {
		respond.Error(writer, req, err)
		return
	}
	respond.OK(writer, outcomeFields(outcome))
}

// # Internal Helpers

// decodeCredential handles the shared actor/body/validation prologue of the
// credential endpoints.
func (handler *Handler) decodeCredential(req *http.Request, needPassword bool) (*sec.Actor, *credentialRequest, Credential, error) {
	actor, err := request.RequiredActor(req)
	if err != nil {
		return nil, nil, Credential{}, err
	}

	input := &credentialRequest{}
	if err := request.DecodeJSON(req, input); err != nil {
		return nil, nil, Credential{}, err
	}
	if err := validateCredential(input, needPassword); err != nil {
		return nil, nil, Credential{}, err
	}
	return actor, input, input.credential(), nil
}

// outcomeFields renders an [Outcome] into envelope fields.
func outcomeFields(outcome *Outcome) respond.Fields {
	fields := respond.Fields{"user": outcome.User}
	if outcome.Token != "" {
		fields["token"] = outcome.Token
	}
	if outcome.Lost != nil {
		fields["lost"] = outcome.Lost
	}
	return fields
}

// remapInitLink rewrites auth_identity_already_exists to the camelCase
// spelling this endpoint historically used.
func remapInitLink(err error) error {
	if appError := apperr.As(err); appError != nil && appError.Code == apperr.CodeIdentityExists {
		return appError.WithCode(initLinkIdentityExists)
	}
	return err
}
