// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package link_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/veyra/internal/confirm"
	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/link"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/internal/session"
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

// fixture wires the full auth engine on in-memory stores with an injectable
// clock.
type fixture struct {
	store       *identity.MemoryStore
	sessions    *session.Manager
	sender      *captureSender
	coordinator *link.Coordinator
	clock       *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tokens, err := sec.NewTokenService("test-secret", "veyra-test")
	require.NoError(t, err)

	store := identity.NewMemoryStore()
	sessions := session.NewManager(session.NewMemoryStore(), store, tokens)
	sender := &captureSender{}
	currentTime := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	fx := &fixture{
		store:    store,
		sessions: sessions,
		sender:   sender,
		clock:    &currentTime,
	}
	codes := confirm.NewManager(store, sender, confirm.Options{
		Cooldown: time.Minute,
		Validity: 15 * time.Minute,
		Now:      func() time.Time { return *fx.clock },
	})
	fx.coordinator = link.NewCoordinator(store, codes, sessions, nil)
	return fx
}

func (fx *fixture) advance(d time.Duration) {
	*fx.clock = fx.clock.Add(d)
}

// actor authenticates a device and returns its acting session user.
func (fx *fixture) actor(t *testing.T, deviceID string) *sec.Actor {
	t.Helper()
	ctx := context.Background()

	token, _, err := fx.sessions.Authenticate(ctx, deviceID)
	require.NoError(t, err)
	actor, err := fx.sessions.Resolve(ctx, token)
	require.NoError(t, err)
	return actor
}

// registerConfirmed drives a device through register + confirm and returns
// the resulting non-guest actor.
func (fx *fixture) registerConfirmed(t *testing.T, deviceID, email, password string) *sec.Actor {
	t.Helper()
	ctx := context.Background()

	actor := fx.actor(t, deviceID)
	_, err := fx.coordinator.Register(ctx, actor, link.Credential{
		Family:   identity.FamilyPassword,
		Type:     "email",
		UID:      email,
		Password: password,
	})
	require.NoError(t, err)
	_, err = fx.coordinator.Confirm(ctx, actor, "email", fx.sender.last())
	require.NoError(t, err)

	fx.advance(2 * time.Minute) // past the issuance cooldown
	return actor
}

/*
TestCoordinator_RegisterConfirm drives the primary signup path: a guest
registers email+password, confirms with the delivered code, and is promoted
to a full account.
*/
func TestCoordinator_RegisterConfirm(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	actor := fx.actor(t, "device-1")

	user, err := fx.coordinator.Register(ctx, actor, link.Credential{
		Family:   identity.FamilyPassword,
		Type:     "email",
		UID:      "A@X.com",
		Password: "secret123",
	})
	require.NoError(t, err)
	assert.True(t, user.Guest)

	ident := user.Identity(identity.FamilyPassword, "email")
	require.NotNil(t, ident)
	assert.Equal(t, "a@x.com", ident.UID) // normalized
	assert.False(t, ident.Confirmed)

	// Until the base credential is confirmed, nothing else attaches.
	_, err = fx.coordinator.Register(ctx, actor, link.Credential{
		Family:   identity.FamilyPassword,
		Type:     "phone",
		UID:      "+79990000000",
		Password: "secret123",
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeUserNotConfirmed))

	user, err = fx.coordinator.Confirm(ctx, actor, "email", fx.sender.last())
	require.NoError(t, err)
	assert.False(t, user.Guest)
	assert.True(t, user.Identity(identity.FamilyPassword, "email").Confirmed)

	// Re-asserting the now-owned credential.
	_, err = fx.coordinator.Register(ctx, actor, link.Credential{
		Family:   identity.FamilyPassword,
		Type:     "email",
		UID:      "a@x.com",
		Password: "secret123",
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeAlreadyAuth))
}

/*
TestCoordinator_Register_ForeignUID verifies that registration against a uid
confirmed elsewhere is rejected, and that the pre-flight check agrees.
*/
func TestCoordinator_Register_ForeignUID(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.registerConfirmed(t, "device-1", "a@x.com", "secret123")

	stranger := fx.actor(t, "device-2")
	cred := link.Credential{
		Family:   identity.FamilyPassword,
		Type:     "email",
		UID:      "a@x.com",
		Password: "other456",
	}

	err := fx.coordinator.CheckRegister(ctx, stranger, cred)
	assert.True(t, apperr.HasCode(err, apperr.CodeUserExist))

	_, err = fx.coordinator.Register(ctx, stranger, cred)
	assert.True(t, apperr.HasCode(err, apperr.CodeUserExist))
}

/*
TestCoordinator_Register_CooldownCarriedOver verifies that re-registering
with a corrected address does not reopen the issuance window.
*/
func TestCoordinator_Register_CooldownCarriedOver(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	actor := fx.actor(t, "device-1")

	_, err := fx.coordinator.Register(ctx, actor, link.Credential{
		Family:   identity.FamilyPassword,
		Type:     "email",
		UID:      "typo@x.com",
		Password: "secret123",
	})
	require.NoError(t, err)

	// The corrected registration inherits the previous issuance time.
	_, err = fx.coordinator.Register(ctx, actor, link.Credential{
		Family:   identity.FamilyPassword,
		Type:     "email",
		UID:      "fixed@x.com",
		Password: "secret123",
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidConfirmationTime))
	assert.Len(t, fx.sender.codes, 1)
}

/*
TestCoordinator_Login covers the password login ladder: unknown uid, wrong
password, self-login, and the session rebind on success.
*/
func TestCoordinator_Login(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	owner := fx.registerConfirmed(t, "device-1", "a@x.com", "secret123")

	cred := link.Credential{
		Family:   identity.FamilyPassword,
		Type:     "email",
		UID:      "a@x.com",
		Password: "secret123",
	}

	guest := fx.actor(t, "device-2")

	_, err := fx.coordinator.Login(ctx, guest, link.Credential{
		Family: identity.FamilyPassword, Type: "email", UID: "nobody@x.com", Password: "secret123",
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeUserNotFound))

	wrong := cred
	wrong.Password = "not-it"
	_, err = fx.coordinator.Login(ctx, guest, wrong)
	assert.True(t, apperr.HasCode(err, apperr.CodeIncorrectPassword))

	_, err = fx.coordinator.Login(ctx, owner, cred)
	assert.True(t, apperr.HasCode(err, apperr.CodeAlreadyAuth))

	outcome, err := fx.coordinator.Login(ctx, guest, cred)
	require.NoError(t, err)
	assert.Equal(t, owner.UserID, outcome.User.ID)
	require.NotEmpty(t, outcome.Token)

	// The guest's session now acts as the owner.
	rebound, err := fx.sessions.Resolve(ctx, outcome.Token)
	require.NoError(t, err)
	assert.Equal(t, owner.UserID, rebound.UserID)
	assert.False(t, rebound.Guest)
}

/*
TestCoordinator_SocialLogin covers the social ladder: first contact attaches
confirmed, repeat is already_auth, a blank guest logs in, and two populated
accounts negotiate a merge.
*/
func TestCoordinator_SocialLogin(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	actor := fx.actor(t, "device-1")

	// First contact: the attested subject attaches confirmed, no code step.
	outcome, err := fx.coordinator.SocialLogin(ctx, actor, "google", "subj-1", link.Options{})
	require.NoError(t, err)
	assert.False(t, outcome.User.Guest)
	assert.Empty(t, outcome.Token)
	assert.True(t, outcome.User.Identity(identity.FamilySocial, "google").Confirmed)

	_, err = fx.coordinator.SocialLogin(ctx, actor, "google", "subj-1", link.Options{})
	assert.True(t, apperr.HasCode(err, apperr.CodeAlreadyAuth))

	// Blank guest presenting the same subject: ordinary login.
	guest := fx.actor(t, "device-2")
	outcome, err = fx.coordinator.SocialLogin(ctx, guest, "google", "subj-1", link.Options{})
	require.NoError(t, err)
	assert.Equal(t, actor.UserID, outcome.User.ID)
	assert.NotEmpty(t, outcome.Token)
}

/*
TestCoordinator_SocialLogin_Merge verifies the merge negotiation between two
populated accounts, including the lost-identity preview in the warning.
*/
func TestCoordinator_SocialLogin_Merge(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// Caller owns google/subj-A; the other account owns google/subj-B.
	caller := fx.actor(t, "device-1")
	_, err := fx.coordinator.SocialLogin(ctx, caller, "google", "subj-A", link.Options{})
	require.NoError(t, err)

	other := fx.actor(t, "device-2")
	_, err = fx.coordinator.SocialLogin(ctx, other, "google", "subj-B", link.Options{})
	require.NoError(t, err)

	// Without confirmation: a warning previewing what the merge discards.
	_, err = fx.coordinator.SocialLogin(ctx, caller, "google", "subj-B", link.Options{})
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.CodeMergeWarning, ae.Code)

	lost, ok := ae.Info["lost"].([]*identity.AuthIdentity)
	require.True(t, ok)
	require.Len(t, lost, 1)
	assert.Equal(t, "subj-B", lost[0].UID)

	// Confirmed: the other account is absorbed, the clashing identity dropped.
	outcome, err := fx.coordinator.SocialLogin(ctx, caller, "google", "subj-B", link.Options{ConfirmMerge: true})
	require.NoError(t, err)
	assert.Equal(t, caller.UserID, outcome.User.ID)
	require.Len(t, outcome.Lost, 1)
	assert.Equal(t, "subj-B", outcome.Lost[0].UID)
	assert.Equal(t, "subj-A", outcome.User.Identity(identity.FamilySocial, "google").UID)

	_, err = fx.store.FindUser(ctx, other.UserID)
	assert.True(t, apperr.HasCode(err, apperr.CodeUserNotFound))
}

/*
TestCoordinator_OTP_SignupAndLogin drives the two primary OTP paths: a guest
claiming a fresh channel, and a guest logging into a channel another account
owns.
*/
func TestCoordinator_OTP_SignupAndLogin(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// Fresh channel: the code reserves and then confirms the caller's identity.
	actor := fx.actor(t, "device-1")
	require.NoError(t, fx.coordinator.OTPRequestCode(ctx, actor, "telegram", "+7 (999) 000-00-00", link.Options{}))

	outcome, err := fx.coordinator.OTPAuth(ctx, actor, "telegram", "+79990000000", fx.sender.last(), link.Options{})
	require.NoError(t, err)
	assert.False(t, outcome.User.Guest)
	ident := outcome.User.Identity(identity.FamilyOTP, "telegram")
	require.NotNil(t, ident)
	assert.True(t, ident.Confirmed)
	assert.Equal(t, "+79990000000", ident.UID)

	// Guest login on the now-owned channel: the code lands on the owner and
	// the guest's session is rebound.
	fx.advance(2 * time.Minute)
	guest := fx.actor(t, "device-2")
	require.NoError(t, fx.coordinator.OTPRequestCode(ctx, guest, "telegram", "+79990000000", link.Options{}))

	outcome, err = fx.coordinator.OTPAuth(ctx, guest, "telegram", "+79990000000", fx.sender.last(), link.Options{})
	require.NoError(t, err)
	assert.Equal(t, actor.UserID, outcome.User.ID)
	require.NotEmpty(t, outcome.Token)

	rebound, err := fx.sessions.Resolve(ctx, outcome.Token)
	require.NoError(t, err)
	assert.Equal(t, actor.UserID, rebound.UserID)
}

/*
TestCoordinator_OTP_RepeatCodeRequest verifies that a guest asking for a
second code on their own freshly reserved channel runs into the issuance
cooldown, not the pending-base rejection, while a pending identity on a
different channel still blocks.
*/
func TestCoordinator_OTP_RepeatCodeRequest(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	actor := fx.actor(t, "device-1")
	require.NoError(t, fx.coordinator.OTPRequestCode(ctx, actor, "telegram", "+79990000000", link.Options{}))

	// The reservation left the account with a pending base, but the repeat
	// request targets that very channel: cooldown applies.
	err := fx.coordinator.OTPRequestCode(ctx, actor, "telegram", "+79990000000", link.Options{})
	assert.True(t, apperr.HasCode(err, apperr.CodeCodeTimeout))

	// Once the cooldown passes, the resend goes through.
	fx.advance(2 * time.Minute)
	require.NoError(t, fx.coordinator.OTPRequestCode(ctx, actor, "telegram", "+79990000000", link.Options{}))

	// A pending password base still blocks OTP requests on other channels.
	pending := fx.actor(t, "device-2")
	_, err = fx.coordinator.Register(ctx, pending, link.Credential{
		Family:   identity.FamilyPassword,
		Type:     "email",
		UID:      "a@x.com",
		Password: "secret123",
	})
	require.NoError(t, err)
	err = fx.coordinator.OTPRequestCode(ctx, pending, "telegram", "+79991111111", link.Options{})
	assert.True(t, apperr.HasCode(err, apperr.CodeUserNotConfirmed))
}

/*
TestCoordinator_OTP_ForeignPending verifies that authenticating against a
code reserved by somebody else is structurally invalid, not a login.
*/
func TestCoordinator_OTP_ForeignPending(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	first := fx.actor(t, "device-1")
	require.NoError(t, fx.coordinator.OTPRequestCode(ctx, first, "telegram", "+79990000000", link.Options{}))

	second := fx.actor(t, "device-2")
	_, err := fx.coordinator.OTPAuth(ctx, second, "telegram", "+79990000000", fx.sender.last(), link.Options{})
	assert.True(t, apperr.HasCode(err, apperr.CodeReqInvalid))

	// The reservation holder is unaffected.
	outcome, err := fx.coordinator.OTPAuth(ctx, first, "telegram", "+79990000000", fx.sender.last(), link.Options{})
	require.NoError(t, err)
	assert.True(t, outcome.User.Identity(identity.FamilyOTP, "telegram").Confirmed)
}

/*
TestCoordinator_OTP_Merge verifies OTP merge negotiation between two
populated accounts: opt-in at code request, warning at auth, and the
warning round-trip not consuming the code.
*/
func TestCoordinator_OTP_Merge(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	caller := fx.registerConfirmed(t, "device-1", "a@x.com", "secret123")

	// The other account owns the telegram channel.
	other := fx.actor(t, "device-2")
	require.NoError(t, fx.coordinator.OTPRequestCode(ctx, other, "telegram", "+79990000000", link.Options{}))
	_, err := fx.coordinator.OTPAuth(ctx, other, "telegram", "+79990000000", fx.sender.last(), link.Options{})
	require.NoError(t, err)
	fx.advance(2 * time.Minute)

	// A populated caller must opt in to the merge before any code is issued.
	err = fx.coordinator.OTPRequestCode(ctx, caller, "telegram", "+79990000000", link.Options{})
	assert.True(t, apperr.HasCode(err, apperr.CodeUserExist))

	require.NoError(t, fx.coordinator.OTPRequestCode(ctx, caller, "telegram", "+79990000000", link.Options{Merge: true}))
	code := fx.sender.last()

	// The warning round-trip must not burn the code.
	_, err = fx.coordinator.OTPAuth(ctx, caller, "telegram", "+79990000000", code, link.Options{Merge: true})
	assert.True(t, apperr.HasCode(err, apperr.CodeMergeWarning))

	outcome, err := fx.coordinator.OTPAuth(ctx, caller, "telegram", "+79990000000", code, link.Options{Merge: true, ConfirmMerge: true})
	require.NoError(t, err)
	assert.Equal(t, caller.UserID, outcome.User.ID)
	assert.Empty(t, outcome.Lost)

	// The channel moved over; the losing account is gone.
	assert.NotNil(t, outcome.User.Identity(identity.FamilyOTP, "telegram"))
	_, err = fx.store.FindUser(ctx, other.UserID)
	assert.True(t, apperr.HasCode(err, apperr.CodeUserNotFound))
}

/*
TestCoordinator_InitLink_Link drives the explicit two-step link protocol for
an unclaimed password credential.
*/
func TestCoordinator_InitLink_Link(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// Guests may not link: the account needs a confirmed base first.
	guest := fx.actor(t, "device-0")
	_, err := fx.coordinator.InitLink(ctx, guest, link.Credential{
		Family: identity.FamilyPassword, Type: "phone", UID: "+79990000000",
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeUserNotConfirmed))

	actor := fx.registerConfirmed(t, "device-1", "a@x.com", "secret123")

	result, err := fx.coordinator.InitLink(ctx, actor, link.Credential{
		Family: identity.FamilyPassword, Type: "phone", UID: "+79990000000",
	})
	require.NoError(t, err)
	assert.Equal(t, link.ActionLink, result.Action)
	assert.True(t, result.ConfirmCodeRequired)

	outcome, err := fx.coordinator.Link(ctx, actor, link.Credential{
		Family: identity.FamilyPassword, Type: "phone", UID: "+79990000000",
	}, fx.sender.last(), link.Options{})
	require.NoError(t, err)
	assert.True(t, outcome.User.Identity(identity.FamilyPassword, "phone").Confirmed)

	// Linking an identity the account already holds.
	_, err = fx.coordinator.InitLink(ctx, actor, link.Credential{
		Family: identity.FamilyPassword, Type: "phone", UID: "+79990000000",
	})
	assert.True(t, apperr.HasCode(err, apperr.CodeIdentityExists))
}

/*
TestCoordinator_Link_Merge drives the explicit merge protocol: init-link
classifies the foreign credential, /link demands the merge flag, warns, and
finally merges on confirmation.
*/
func TestCoordinator_Link_Merge(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	caller := fx.registerConfirmed(t, "device-1", "a@x.com", "secret123")
	fx.registerConfirmed(t, "device-2", "b@x.com", "other456")

	cred := link.Credential{Family: identity.FamilyPassword, Type: "email", UID: "b@x.com"}

	result, err := fx.coordinator.InitLink(ctx, caller, cred)
	require.NoError(t, err)
	assert.Equal(t, link.ActionMerge, result.Action)
	assert.True(t, result.ConfirmCodeRequired)
	code := fx.sender.last()

	// Without the explicit merge flag the collision stays a hard failure.
	_, err = fx.coordinator.Link(ctx, caller, cred, code, link.Options{})
	assert.True(t, apperr.HasCode(err, apperr.CodeUserExist))

	// With the flag but without confirmation: the warning, code intact.
	_, err = fx.coordinator.Link(ctx, caller, cred, code, link.Options{Merge: true})
	require.Error(t, err)
	ae := apperr.As(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperr.CodeMergeWarning, ae.Code)
	lost, ok := ae.Info["lost"].([]*identity.AuthIdentity)
	require.True(t, ok)
	require.Len(t, lost, 1)
	assert.Equal(t, "b@x.com", lost[0].UID)

	outcome, err := fx.coordinator.Link(ctx, caller, cred, code, link.Options{Merge: true, ConfirmMerge: true})
	require.NoError(t, err)
	assert.Equal(t, caller.UserID, outcome.User.ID)
	require.Len(t, outcome.Lost, 1)
	assert.Equal(t, "b@x.com", outcome.Lost[0].UID)
	// The caller keeps its own email slot.
	assert.Equal(t, "a@x.com", outcome.User.Identity(identity.FamilyPassword, "email").UID)
}

/*
TestCoordinator_Link_WrongCode verifies that merge completion still demands
proof of control over the foreign credential.
*/
func TestCoordinator_Link_WrongCode(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	caller := fx.registerConfirmed(t, "device-1", "a@x.com", "secret123")
	fx.registerConfirmed(t, "device-2", "b@x.com", "other456")

	cred := link.Credential{Family: identity.FamilyPassword, Type: "email", UID: "b@x.com"}
	_, err := fx.coordinator.InitLink(ctx, caller, cred)
	require.NoError(t, err)

	_, err = fx.coordinator.Link(ctx, caller, cred, "000000x", link.Options{Merge: true, ConfirmMerge: true})
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidCode))
}
