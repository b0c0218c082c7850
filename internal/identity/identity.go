// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package identity defines the account and credential model at the heart of Veyra.

It holds users and their attached auth identities and enforces the global
uniqueness of a confirmed (family, type, uid) triple across all accounts.

# Architecture

This layer is the "Truth" of the system. Entities defined here have no external
dependencies and encapsulate all business rules related to credential ownership.
The [Store] interface is the single synchronization point for every mutation
that could race between sessions (attach, confirm, merge).
*/
package identity

import (
	"time"
)

// # Credential Families

// Family groups credential types that share a verification mechanism.
type Family string

const (
	// FamilyPassword covers email/phone + password credentials that are
	// confirmed with a delivered code.
	FamilyPassword Family = "password"

	// FamilySocial covers provider-attested credentials (google, apple, ...)
	// that are confirmed immediately on a trusted token.
	FamilySocial Family = "social"

	// FamilyOTP covers one-time-passcode channels (telegram, sms, ...).
	FamilyOTP Family = "otp"
)

// Known reports whether the family is one of the supported values.
func (f Family) Known() bool {
	switch f {
	case FamilyPassword, FamilySocial, FamilyOTP:
		return true
	}
	return false
}

// # Domain Entities

// AuthIdentity is a credential binding attached to a user: a credential type
// plus the external natural key (uid) it proves control of.
//
// A user holds at most one identity per (Family, Type); distinct types within
// one family coexist freely (e.g. password/email next to password/phone).
type AuthIdentity struct {
	Family Family `json:"family"`
	// Type is the key within the family: "email", "phone", "google",
	// "telegram", ...
	Type string `json:"type"`
	// UID is the external natural key: email address, E.164 phone, or the
	// provider subject id. Always stored in canonical (pkg/normalize) form.
	UID          string `json:"uid"`
	PasswordHash string `json:"-"` // Explicitly omitted from JSON for security.
	Confirmed    bool   `json:"confirmed"`

	// Pending confirmation code state. ConfirmCode and SentAt are always set
	// together; the code is usable until ExpiresAt.
	ConfirmCode string     `json:"-"`
	SentAt      *time.Time `json:"-"`
	ExpiresAt   *time.Time `json:"-"`
}

// Key returns the identity's authType key within a user (family + type).
func (ai *AuthIdentity) Key() string {
	return string(ai.Family) + "/" + ai.Type
}

// UIDKey returns the global ownership key (family + type + uid).
func (ai *AuthIdentity) UIDKey() string {
	return string(ai.Family) + "/" + ai.Type + "/" + ai.UID
}

// Clone returns a deep copy safe to hand outside the store's lock.
func (ai *AuthIdentity) Clone() *AuthIdentity {
	clone := *ai
	if ai.SentAt != nil {
		sentAt := *ai.SentAt
		clone.SentAt = &sentAt
	}
	if ai.ExpiresAt != nil {
		expiresAt := *ai.ExpiresAt
		clone.ExpiresAt = &expiresAt
	}
	return &clone
}

// User represents an account. Accounts start as device-bound guests and are
// promoted to full accounts on their first confirmed identity.
type User struct {
	ID       string `json:"id"`
	Guest    bool   `json:"guest"`
	Username string `json:"username,omitempty"`

	// Identities holds the attached credentials, at most one per (family, type).
	Identities []*AuthIdentity `json:"auth_identities"`

	// Recovery code state, set only while a password recovery is in flight.
	RecoveryCode   string     `json:"-"`
	RecoverySentAt *time.Time `json:"-"`

	// Active is false once the user has been absorbed into another account
	// by a merge. Sessions still pointing here resolve to user_not_found.
	Active bool `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity returns the user's identity for the given (family, type),
// or nil if none is attached.
func (u *User) Identity(family Family, identityType string) *AuthIdentity {
	for _, ident := range u.Identities {
		if ident.Family == family && ident.Type == identityType {
			return ident
		}
	}
	return nil
}

// ConfirmedIdentities returns the user's confirmed identities.
func (u *User) ConfirmedIdentities() []*AuthIdentity {
	var confirmed []*AuthIdentity
	for _, ident := range u.Identities {
		if ident.Confirmed {
			confirmed = append(confirmed, ident)
		}
	}
	return confirmed
}

// HasConfirmed reports whether the user owns at least one confirmed identity.
func (u *User) HasConfirmed() bool {
	return len(u.ConfirmedIdentities()) > 0
}

// PendingBase reports whether the account is a guest whose base credential is
// attached but still unconfirmed. Such accounts may not add further
// credentials until the base one is confirmed.
func (u *User) PendingBase() bool {
	return !u.HasConfirmed() && len(u.Identities) > 0
}

// Clone returns a deep copy safe to hand outside the store's lock.
func (u *User) Clone() *User {
	clone := *u
	clone.Identities = make([]*AuthIdentity, 0, len(u.Identities))
	for _, ident := range u.Identities {
		clone.Identities = append(clone.Identities, ident.Clone())
	}
	if u.RecoverySentAt != nil {
		sentAt := *u.RecoverySentAt
		clone.RecoverySentAt = &sentAt
	}
	return &clone
}

// # Field Identifiers

// Global field names for validation and identity mapping in the auth domain.
const (
	FieldDeviceID = "device_id"
	FieldType     = "type"
	FieldFamily   = "family"
	FieldEmail    = "email"
	FieldPhone    = "phone"
	FieldUID      = "uid"
	FieldPassword = "password"
	FieldCode     = "code"
	FieldToken    = "token"
	FieldUsername = "username"
)
