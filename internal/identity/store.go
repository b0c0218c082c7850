// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"context"
	"time"
)

// # Identity Data Access

// Store defines the data access contract for users and their auth identities.
//
// # Atomicity
//
// The shared mutable resource of the whole system is the mapping from
// (family, type, uid) to its owning identity record. Every mutating method
// below must apply its read-check-write sequence atomically (a single lock
// section or database transaction), so that two racing sessions can never
// both believe they won a claim. When a compare-and-set loses, the method
// returns the domain error the loser should observe ([apperr.UserExist],
// [apperr.IdentityExists], [apperr.UserNotFound]) — never a generic
// storage error.
type Store interface {

	// CreateGuestUser creates a fresh guest account and returns its id.
	CreateGuestUser(ctx context.Context) (string, error)

	// UserStatus reports whether the user exists/is active and whether it is
	// still a guest. A merged-away user reports active=false.
	UserStatus(ctx context.Context, userID string) (active bool, guest bool, err error)

	// FindUser returns the active user with the given id.
	// Fails with [apperr.UserNotFound] if absent or deactivated.
	FindUser(ctx context.Context, userID string) (*User, error)

	// FindConfirmed returns the user holding a confirmed identity with the
	// given key, or (nil, nil) when nobody does. This is the collision
	// detection primitive.
	FindConfirmed(ctx context.Context, family Family, identityType, uid string) (*User, error)

	// FindPending returns the user holding an unconfirmed reservation of the
	// given key, or (nil, nil) when nobody does.
	FindPending(ctx context.Context, family Family, identityType, uid string) (*User, error)

	// AttachUnconfirmed attaches a new unconfirmed identity to the user and
	// reserves its uid against concurrent claims.
	//
	// Fails with [apperr.IdentityExists] when the user already holds this
	// exact identity (or a confirmed identity of the same type), and with
	// [apperr.UserExist] when another user owns or has reserved the uid.
	// An unconfirmed identity of the same type on the same user is replaced.
	AttachUnconfirmed(ctx context.Context, userID string, ident *AuthIdentity) error

	// AttachConfirmed attaches an identity in confirmed state in one step
	// (trusted social tokens, OTP single-call auth). Same collision rules as
	// AttachUnconfirmed; additionally promotes the user out of guest state.
	AttachConfirmed(ctx context.Context, userID string, ident *AuthIdentity) error

	// SetPendingCode records a freshly issued confirmation code on the
	// user's identity of the given type.
	SetPendingCode(ctx context.Context, userID string, family Family, identityType, code string, sentAt, expiresAt time.Time) error

	// ConfirmIdentity flips the identity to confirmed, clears its pending
	// code, and promotes the user out of guest state.
	//
	// The uniqueness invariant is re-checked under the same lock: if another
	// user confirmed the same uid since the code was issued, the call fails
	// with [apperr.UserExist] and the identity is released.
	ConfirmIdentity(ctx context.Context, userID string, family Family, identityType string) error

	// ClearPendingCode clears the identity's code and expiry after a
	// successful redemption, keeping the issuance timestamp so the cooldown
	// window is unaffected.
	ClearPendingCode(ctx context.Context, userID string, family Family, identityType string) error

	// RemoveIdentity detaches the identity of the given type from the user.
	RemoveIdentity(ctx context.Context, userID string, family Family, identityType string) error

	// SetPasswordHash replaces the password hash on the user's identity.
	SetPasswordHash(ctx context.Context, userID string, family Family, identityType, passwordHash string) error

	// SetUsername updates the user's display username.
	SetUsername(ctx context.Context, userID, username string) error

	// SetRecoveryCode stores a recovery code on the user, replacing any
	// previous one.
	SetRecoveryCode(ctx context.Context, userID, code string, sentAt time.Time) error

	// ClearRecoveryCode invalidates the user's recovery code after use.
	ClearRecoveryCode(ctx context.Context, userID string) error

	// Merge folds the loser account into the survivor: every confirmed
	// identity of the loser is re-homed onto the survivor except those whose
	// (family, type) the survivor already holds — those are dropped and
	// returned. The loser is deactivated.
	Merge(ctx context.Context, survivorID, loserID string) (lost []*AuthIdentity, err error)

	// ClearAll wipes every user, identity, and reservation. Test-only.
	ClearAll(ctx context.Context) error
}
