// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package confirm implements the confirmation code lifecycle: rate-limited
issuance, time-boxed validity, and single-use verification.

# Time Semantics

Cooldown and expiry are data, not timers: every check compares stored
timestamps against the clock at request time. The clock is injectable so
window behavior is deterministic under test.

# Rejection Shapes

The same cooldown violation is reported under two historical wire shapes
depending on which endpoint tripped it: first-attempt endpoints use
invalid_confirmation_time {validInterval, validTime}, proactive resend and
OTP endpoints use code_timeout {timeoutSec, nextRequestTime}. Shipped
clients parse both; the split must be preserved.
*/
package confirm

import (
	"context"
	"log/slog"
	"time"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/ctxutil"
	"github.com/taibuivan/veyra/internal/platform/sec"
)

// codeDigits is the length of generated numeric confirmation codes.
const codeDigits = 6

// Variant selects which cooldown rejection shape an endpoint reports.
type Variant int

const (
	// VariantInitial rejects with invalid_confirmation_time (first-attempt
	// confirmation and recovery endpoints).
	VariantInitial Variant = iota

	// VariantResend rejects with code_timeout (resend and OTP code-request
	// endpoints).
	VariantResend
)

// Store is the slice of the identity layer the code lifecycle needs.
// Satisfied by identity.Store.
type Store interface {
	FindUser(ctx context.Context, userID string) (*identity.User, error)
	SetPendingCode(ctx context.Context, userID string, family identity.Family, identityType, code string, sentAt, expiresAt time.Time) error
	ConfirmIdentity(ctx context.Context, userID string, family identity.Family, identityType string) error
	ClearPendingCode(ctx context.Context, userID string, family identity.Family, identityType string) error
}

// Sender delivers a confirmation code to the channel behind an identity.
// Delivery is an opaque side effect; the lifecycle does not care how the
// code travels.
type Sender interface {
	SendCode(ctx context.Context, ident *identity.AuthIdentity, code string) error
}

// LogSender is the default [Sender]: it logs the code instead of delivering
// it. Real transports (email, SMS, push) are drop-in replacements.
type LogSender struct{}

// SendCode logs the issued code at info level.
func (LogSender) SendCode(ctx context.Context, ident *identity.AuthIdentity, code string) error {
	ctxutil.GetLogger(ctx).InfoContext(ctx, "confirmation_code_issued",
		slog.String("family", string(ident.Family)),
		slog.String("type", ident.Type),
		slog.String("uid", ident.UID),
		slog.String("code", code),
	)
	return nil
}

// Options tunes the lifecycle windows.
type Options struct {
	// Cooldown is the minimum interval between two code issuances for the
	// same identity.
	Cooldown time.Duration

	// Validity is how long an issued code can be verified.
	Validity time.Duration

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager implements code issuance and verification for pending identities.
type Manager struct {
	store    Store
	sender   Sender
	cooldown time.Duration
	validity time.Duration
	now      func() time.Time
}

// NewManager creates a confirmation code manager.
func NewManager(store Store, sender Sender, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    store,
		sender:   sender,
		cooldown: opts.Cooldown,
		validity: opts.Validity,
		now:      now,
	}
}

// Issue generates a fresh code for the user's pending identity of the given
// type, records the issuance time, and hands the code to the sender.
//
// A second issuance inside the cooldown window is rejected with the
// variant-specific 429 shape. The fresh code is guaranteed to differ from
// the previous one, so a captured old code can never collide with a resend.
func (manager *Manager) Issue(ctx context.Context, userID string, family identity.Family, identityType string, variant Variant) error {
	user, err := manager.store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	ident := user.Identity(family, identityType)
	if ident == nil {
		return apperr.UserNotFound()
	}

	currentTime := manager.now()
	if err := manager.checkCooldown(currentTime, ident.SentAt, variant); err != nil {
		return err
	}

	code, err := freshCode(ident.ConfirmCode)
	if err != nil {
		return err
	}

	expiresAt := currentTime.Add(manager.validity)
	if err := manager.store.SetPendingCode(ctx, userID, family, identityType, code, currentTime, expiresAt); err != nil {
		return err
	}

	return manager.sender.SendCode(ctx, ident, code)
}

// Verify checks a submitted code against the user's pending identity and,
// on success, confirms the identity and clears the code (single use).
//
// Failure order matters and is part of the boundary contract: a missing
// identity is user_not_found, a replayed (already confirmed or consumed)
// code is invalid_code, an expired window is code_expired, and only then a
// mismatching code is invalid_code.
func (manager *Manager) Verify(ctx context.Context, userID string, family identity.Family, identityType, code string) error {
	user, err := manager.store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	ident := user.Identity(family, identityType)
	if ident == nil {
		return apperr.UserNotFound()
	}
	if ident.Confirmed || ident.ConfirmCode == "" {
		// Replay against a consumed code.
		return apperr.InvalidCode()
	}

	if ident.ExpiresAt != nil && manager.now().After(*ident.ExpiresAt) {
		return apperr.CodeExpired()
	}
	if code != ident.ConfirmCode {
		return apperr.InvalidCode()
	}

	return manager.store.ConfirmIdentity(ctx, userID, family, identityType)
}

// Validate checks a submitted code without consuming it. Merge negotiation
// uses it so a merge_warning round-trip does not burn the code the
// confirming retry still needs.
func (manager *Manager) Validate(ctx context.Context, userID string, family identity.Family, identityType, code string) error {
	user, err := manager.store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	ident := user.Identity(family, identityType)
	if ident == nil {
		return apperr.UserNotFound()
	}
	if ident.ConfirmCode == "" {
		return apperr.InvalidCode()
	}

	if ident.ExpiresAt != nil && manager.now().After(*ident.ExpiresAt) {
		return apperr.CodeExpired()
	}
	if code != ident.ConfirmCode {
		return apperr.InvalidCode()
	}
	return nil
}

// Redeem checks a submitted code against an identity that may already be
// confirmed (OTP login on a known channel) and clears it on success without
// touching the confirmed flag.
//
// Same single-use and window semantics as [Manager.Verify]; only the state
// transition differs.
func (manager *Manager) Redeem(ctx context.Context, userID string, family identity.Family, identityType, code string) error {
	user, err := manager.store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	ident := user.Identity(family, identityType)
	if ident == nil {
		return apperr.UserNotFound()
	}
	if ident.ConfirmCode == "" {
		return apperr.InvalidCode()
	}

	if ident.ExpiresAt != nil && manager.now().After(*ident.ExpiresAt) {
		return apperr.CodeExpired()
	}
	if code != ident.ConfirmCode {
		return apperr.InvalidCode()
	}

	return manager.store.ClearPendingCode(ctx, userID, family, identityType)
}

// CheckCooldown reports whether a new issuance is allowed given the last
// issuance time, using the variant-specific rejection. Exported for the
// recovery path, which stores its timestamp on the user rather than on an
// identity but shares the same window semantics.
func (manager *Manager) CheckCooldown(sentAt *time.Time, variant Variant) error {
	return manager.checkCooldown(manager.now(), sentAt, variant)
}

// Validity returns the configured code validity window.
func (manager *Manager) Validity() time.Duration {
	return manager.validity
}

// Clock returns the current lifecycle time.
func (manager *Manager) Clock() time.Time {
	return manager.now()
}

// checkCooldown applies the cooldown window against the stored timestamp.
func (manager *Manager) checkCooldown(currentTime time.Time, sentAt *time.Time, variant Variant) error {
	if sentAt == nil {
		return nil
	}

	nextAllowed := sentAt.Add(manager.cooldown)
	if !currentTime.Before(nextAllowed) {
		return nil
	}

	remaining := nextAllowed.Sub(currentTime)
	if variant == VariantResend {
		return apperr.CodeTimeout(remaining, nextAllowed)
	}
	return apperr.InvalidConfirmationTime(remaining, nextAllowed)
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
