// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package recovery implements password recovery for confirmed identities.

It is a narrow path parallel to the link engine: it only touches the
identity store and the code lifecycle. The recovery code lives on the owning
user (not on an identity), so an in-flight recovery survives identity
operations, and requesting recovery for a second identity of the same user
replaces the previous code.
*/
package recovery

import (
	"context"

	"github.com/taibuivan/veyra/internal/confirm"
	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/pkg/normalize"
)

// codeDigits is the length of generated recovery codes.
const codeDigits = 6

// Manager issues, validates, and consumes recovery codes.
type Manager struct {
	store  identity.Store
	codes  *confirm.Manager
	sender confirm.Sender
}

// NewManager creates a recovery manager. The confirm manager supplies the
// shared cooldown windows and clock.
func NewManager(store identity.Store, codes *confirm.Manager, sender confirm.Sender) *Manager {
	return &Manager{store: store, codes: codes, sender: sender}
}

// Request starts a recovery for a confirmed identity: enforces the cooldown
// window, stores a fresh code on the owning user, and hands the code to the
// sender. The variant selects the cooldown rejection shape of the calling
// endpoint.
func (manager *Manager) Request(ctx context.Context, family identity.Family, identityType, uid string, variant confirm.Variant) error {
	owner, ident, err := manager.confirmedOwner(ctx, family, identityType, uid)
	if err != nil {
		return err
	}

	if err := manager.codes.CheckCooldown(owner.RecoverySentAt, variant); err != nil {
		return err
	}

	code, err := freshCode(owner.RecoveryCode)
	if err != nil {
		return err
	}
	if err := manager.store.SetRecoveryCode(ctx, owner.ID, code, manager.codes.Clock()); err != nil {
		return err
	}

	return manager.sender.SendCode(ctx, ident, code)
}

// Validate checks a recovery code without consuming it.
//
// Every failure (unknown identity, missing, mismatching, or expired code) is
// reported as user_not_found; the endpoint deliberately does not reveal
// which part was wrong.
func (manager *Manager) Validate(ctx context.Context, family identity.Family, identityType, uid, code string) error {
	_, _, err := manager.checkCode(ctx, family, identityType, uid, code)
	return err
}

// Reset consumes a valid recovery code and rotates the password hash of the
// identity the recovery was requested for. The old password fails with
// incorrect_password from the next login on.
func (manager *Manager) Reset(ctx context.Context, family identity.Family, identityType, uid, code, newPassword string) error {
	owner, ident, err := manager.checkCode(ctx, family, identityType, uid, code)
	if err != nil {
		return err
	}

	hash, err := sec.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := manager.store.SetPasswordHash(ctx, owner.ID, ident.Family, ident.Type, hash); err != nil {
		return err
	}
	return manager.store.ClearRecoveryCode(ctx, owner.ID)
}

// # Internal Helpers

// confirmedOwner resolves the confirmed identity a recovery targets.
func (manager *Manager) confirmedOwner(ctx context.Context, family identity.Family, identityType, uid string) (*identity.User, *identity.AuthIdentity, error) {
	owner, err := manager.store.FindConfirmed(ctx, family, identityType, normalizeUID(family, identityType, uid))
	if err != nil {
		return nil, nil, err
	}
	if owner == nil {
		return nil, nil, apperr.UserNotFound()
	}
	return owner, owner.Identity(family, identityType), nil
}

// checkCode verifies the stored recovery code against the submitted one.
func (manager *Manager) checkCode(ctx context.Context, family identity.Family, identityType, uid, code string) (*identity.User, *identity.AuthIdentity, error) {
	owner, ident, err := manager.confirmedOwner(ctx, family, identityType, uid)
	if err != nil {
		return nil, nil, err
	}

	if owner.RecoveryCode == "" || owner.RecoveryCode != code {
		return nil, nil, apperr.UserNotFound()
	}
	if owner.RecoverySentAt != nil &&
		manager.codes.Clock().After(owner.RecoverySentAt.Add(manager.codes.Validity())) {
		return nil, nil, apperr.UserNotFound()
	}
	return owner, ident, nil
}

// normalizeUID canonicalizes the identity key the same way the link engine
// does, so recovery finds the identity registration stored.
func normalizeUID(family identity.Family, identityType, uid string) string {
	switch {
	case family == identity.FamilyOTP || identityType == identity.FieldPhone:
		return normalize.Phone(uid)
	case identityType == identity.FieldEmail:
		return normalize.Email(uid)
	}
	return normalize.Subject(uid)
}

// freshCode generates a numeric code guaranteed to differ from previous.
func freshCode(previous string) (string, error) {
	for {
		code, err := sec.GenerateNumericCode(codeDigits)
		if err != nil {
			return "", err
		}
		if code != previous {
			return code, nil
		}
	}
}
