// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package confirm_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/veyra/internal/confirm"
	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
)

// captureSender records issued codes instead of delivering them.
type captureSender struct {
	codes []string
}

func (s *captureSender) SendCode(_ context.Context, _ *identity.AuthIdentity, code string) error {
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) last() string {
	if len(s.codes) == 0 {
		return ""
	}
	return s.codes[len(s.codes)-1]
}

// fixture wires a manager with an injectable clock around a pending email
// identity.
type fixture struct {
	store   *identity.MemoryStore
	sender  *captureSender
	manager *confirm.Manager
	userID  string
	clock   *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := identity.NewMemoryStore()
	sender := &captureSender{}
	currentTime := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	fx := &fixture{
		store:  store,
		sender: sender,
		clock:  &currentTime,
	}
	fx.manager = confirm.NewManager(store, sender, confirm.Options{
		Cooldown: time.Minute,
		Validity: 15 * time.Minute,
		Now:      func() time.Time { return *fx.clock },
	})

	userID, err := store.CreateGuestUser(ctx)
	require.NoError(t, err)
	require.NoError(t, store.AttachUnconfirmed(ctx, userID, &identity.AuthIdentity{
		Family: identity.FamilyPassword,
		Type:   "email",
		UID:    "a@x.com",
	}))
	fx.userID = userID
	return fx
}

func (fx *fixture) advance(d time.Duration) {
	*fx.clock = fx.clock.Add(d)
}

func (fx *fixture) issue(t *testing.T, variant confirm.Variant) {
	t.Helper()
	require.NoError(t, fx.manager.Issue(context.Background(), fx.userID, identity.FamilyPassword, "email", variant))
}

/*
TestManager_Issue_Cooldown verifies the issuance window: an immediate resend
is rejected, one after the cooldown succeeds with a different code.
*/
func TestManager_Issue_Cooldown(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	fx.issue(t, confirm.VariantResend)
	firstCode := fx.sender.last()
	require.Len(t, firstCode, 6)

	// Inside the window: rejected, nothing sent.
	fx.advance(30 * time.Second)
	err := fx.manager.Issue(ctx, fx.userID, identity.FamilyPassword, "email", confirm.VariantResend)
	assert.True(t, apperr.HasCode(err, apperr.CodeCodeTimeout))
	assert.Len(t, fx.sender.codes, 1)

	// Past the window: a fresh, different code.
	fx.advance(31 * time.Second)
	fx.issue(t, confirm.VariantResend)
	assert.Len(t, fx.sender.codes, 2)
	assert.NotEqual(t, firstCode, fx.sender.last())
}

/*
TestManager_Issue_RejectionShapes verifies that the two endpoint lineages
report the same cooldown violation under their historical payloads.
*/
func TestManager_Issue_RejectionShapes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		variant  confirm.Variant
		code     string
		infoKeys []string
	}{
		{"initial", confirm.VariantInitial, apperr.CodeInvalidConfirmationTime, []string{"validInterval", "validTime"}},
		{"resend", confirm.VariantResend, apperr.CodeCodeTimeout, []string{"timeoutSec", "nextRequestTime"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.issue(t, tt.variant)
			fx.advance(20 * time.Second)

			err := fx.manager.Issue(ctx, fx.userID, identity.FamilyPassword, "email", tt.variant)
			require.Error(t, err)

			ae := apperr.As(err)
			require.NotNil(t, ae)
			assert.Equal(t, tt.code, ae.Code)
			for _, key := range tt.infoKeys {
				assert.Contains(t, ae.Info, key)
			}
			// 40 seconds of the one-minute window remain.
			seconds, ok := ae.Info[tt.infoKeys[0]].(int)
			require.True(t, ok)
			assert.Equal(t, 40, seconds)
		})
	}
}

/*
TestManager_Verify verifies the single-use confirmation flow and its failure
order: expiry wins over mismatch, success flips the identity and burns the
code.
*/
func TestManager_Verify(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.issue(t, confirm.VariantInitial)
	code := fx.sender.last()

	// Wrong code first: rejected without consuming anything.
	err := fx.manager.Verify(ctx, fx.userID, identity.FamilyPassword, "email", "000000x")
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidCode))

	require.NoError(t, fx.manager.Verify(ctx, fx.userID, identity.FamilyPassword, "email", code))

	user, err := fx.store.FindUser(ctx, fx.userID)
	require.NoError(t, err)
	assert.True(t, user.Identity(identity.FamilyPassword, "email").Confirmed)
	assert.False(t, user.Guest)

	// Single use: replaying the consumed code is invalid_code, not a match.
	err = fx.manager.Verify(ctx, fx.userID, identity.FamilyPassword, "email", code)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidCode))
}

/*
TestManager_Verify_Expired verifies the validity window.
*/
func TestManager_Verify_Expired(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.issue(t, confirm.VariantInitial)
	code := fx.sender.last()

	fx.advance(15*time.Minute + time.Second)

	err := fx.manager.Verify(ctx, fx.userID, identity.FamilyPassword, "email", code)
	assert.True(t, apperr.HasCode(err, apperr.CodeCodeExpired))

	// Even a wrong code reports expiry: the window check comes first.
	err = fx.manager.Verify(ctx, fx.userID, identity.FamilyPassword, "email", "wrong")
	assert.True(t, apperr.HasCode(err, apperr.CodeCodeExpired))
}

/*
TestManager_Validate verifies the non-consuming check used by the merge
negotiation round-trip.
*/
func TestManager_Validate(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.issue(t, confirm.VariantInitial)
	code := fx.sender.last()

	// Validate twice: the code survives both checks.
	require.NoError(t, fx.manager.Validate(ctx, fx.userID, identity.FamilyPassword, "email", code))
	require.NoError(t, fx.manager.Validate(ctx, fx.userID, identity.FamilyPassword, "email", code))

	err := fx.manager.Validate(ctx, fx.userID, identity.FamilyPassword, "email", "mismatch")
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidCode))

	// And the real verification still works afterwards.
	require.NoError(t, fx.manager.Verify(ctx, fx.userID, identity.FamilyPassword, "email", code))
}

/*
TestManager_Redeem verifies code redemption on an already-confirmed identity:
the code is cleared, the confirmed flag untouched, and the cooldown window
still counts from the original issuance.
*/
func TestManager_Redeem(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.issue(t, confirm.VariantResend)
	code := fx.sender.last()
	require.NoError(t, fx.manager.Verify(ctx, fx.userID, identity.FamilyPassword, "email", code))

	// Issue a fresh code on the now-confirmed identity (OTP login on a known
	// channel works this way).
	fx.advance(2 * time.Minute)
	fx.issue(t, confirm.VariantResend)
	loginCode := fx.sender.last()

	require.NoError(t, fx.manager.Redeem(ctx, fx.userID, identity.FamilyPassword, "email", loginCode))

	user, err := fx.store.FindUser(ctx, fx.userID)
	require.NoError(t, err)
	ident := user.Identity(identity.FamilyPassword, "email")
	assert.True(t, ident.Confirmed)
	assert.Empty(t, ident.ConfirmCode)

	// Redemption is single use.
	err = fx.manager.Redeem(ctx, fx.userID, identity.FamilyPassword, "email", loginCode)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidCode))

	// The cleared code does not reopen the issuance window.
	err = fx.manager.Issue(ctx, fx.userID, identity.FamilyPassword, "email", confirm.VariantResend)
	assert.True(t, apperr.HasCode(err, apperr.CodeCodeTimeout))
}
