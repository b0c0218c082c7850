// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package link implements the identity linking and merge resolution engine.

Every credential-creating request (register, social login, OTP code/auth,
init-link/link) routes through the [Coordinator]. Per attach attempt it moves
through one state machine:

	Checking -> Rejected(user_exist)
	         -> Rejected(user_not_confirmed)
	         -> Linked
	         -> MergeRequired (409 merge_warning)
	         -> Merged

# Collision Ladder

Given a session attaching credential (family, type, uid), the coordinator
looks up the confirmed owner of the uid:

  - nobody: attach to the caller (unconfirmed + code, or confirmed
    immediately for social and one-step OTP auth).
  - the caller: already_auth.
  - another account, caller is a blank guest: ordinary login, the session is
    rebound to the owner.
  - another account, caller owns confirmed identities: merge candidate. The
    merge needs explicit opt-in (the merge flag on /link) and explicit
    confirmation (confirmMerge); between the two the client receives
    merge_warning carrying the identities the losing side would forfeit.

Same family with a different type key on the caller's own account is an
independent link, never a merge.

# Races

Two sessions racing on one uid are arbitrated by the identity store's
compare-and-set: exactly one wins, the loser observes user_exist,
invalid_code, or code_expired depending on completion order. Submission
order grants no priority.
*/
package link

import (
	"context"

	"github.com/taibuivan/veyra/internal/confirm"
	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/internal/session"
	"github.com/taibuivan/veyra/pkg/normalize"
)

// Credential is the attach request shared by all flows.
type Credential struct {
	Family identity.Family
	Type   string
	UID    string

	// Password is set for password-family registrations and logins only.
	Password string
}

// normalized returns a copy with the uid canonicalized by family/type, so
// the uniqueness invariant compares like with like.
func (c Credential) normalized() Credential {
	switch {
	case c.Family == identity.FamilyOTP || c.Type == identity.FieldPhone:
		c.UID = normalize.Phone(c.UID)
	case c.Type == identity.FieldEmail:
		c.UID = normalize.Email(c.UID)
	default:
		c.UID = normalize.Subject(c.UID)
	}
	return c
}

// Options are the explicit merge negotiation flags on link-capable requests.
type Options struct {
	// Merge opts in to merging with the current owner of the credential.
	Merge bool
	// ConfirmMerge acknowledges the merge_warning and lets the merge run.
	ConfirmMerge bool
}

// Outcome describes a successful attach, login, or merge.
type Outcome struct {
	// User is the caller's account after the operation.
	User *identity.User
	// Token is set when the session was rebound to a different user (login
	// or OTP login); previously issued tokens are then stale.
	Token string
	// Lost lists the identities discarded by a merge.
	Lost []*identity.AuthIdentity
}

// InitLinkResult is the negotiation answer of the init-link step.
type InitLinkResult struct {
	// Action is "link" when the credential is unclaimed and "merge" when it
	// is confirmed on another account.
	Action string
	// ConfirmCodeRequired reports whether a code was issued that the /link
	// completion call must present.
	ConfirmCodeRequired bool
}

const (
	// ActionLink marks an unclaimed credential in an init-link answer.
	ActionLink = "link"
	// ActionMerge marks a credential owned by another account.
	ActionMerge = "merge"
)

// Verifier validates a social provider token and extracts the provider
// subject id it attests.
type Verifier interface {
	Verify(ctx context.Context, provider, token string) (subject string, err error)
}

// TrustedVerifier is the default [Verifier] for deployments where an edge
// proxy already validated provider tokens: the token value is taken as the
// attested subject. Real provider verification is a drop-in replacement.
type TrustedVerifier struct{}

// Verify returns the token itself as the attested subject.
func (TrustedVerifier) Verify(_ context.Context, _ string, token string) (string, error) {
	if token == "" {
		return "", apperr.AuthFailed()
	}
	return token, nil
}

// Coordinator orchestrates credential attachment across the identity store,
// the code lifecycle, and the session manager.
type Coordinator struct {
	store    identity.Store
	codes    *confirm.Manager
	sessions *session.Manager
	verifier Verifier
}

// NewCoordinator creates the link/merge coordinator.
func NewCoordinator(store identity.Store, codes *confirm.Manager, sessions *session.Manager, verifier Verifier) *Coordinator {
	if verifier == nil {
		verifier = TrustedVerifier{}
	}
	return &Coordinator{store: store, codes: codes, sessions: sessions, verifier: verifier}
}

// # Password Registration

// Register attaches an unconfirmed password-family identity to the caller's
// account and issues its first confirmation code.
func (coordinator *Coordinator) Register(ctx context.Context, actor *sec.Actor, cred Credential) (*identity.User, error) {
	cred = cred.normalized()

	user, err := coordinator.store.FindUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	own := user.Identity(cred.Family, cred.Type)
	if own != nil && own.UID == cred.UID {
		// Re-asserting a credential the session already holds.
		return nil, apperr.AlreadyAuth()
	}
	if own == nil && user.PendingBase() {
		// The base credential must be confirmed before further ones attach.
		return nil, apperr.UserNotConfirmed()
	}

	if err := coordinator.checkClaimable(ctx, user, cred); err != nil {
		return nil, err
	}

	hash, err := sec.HashPassword(cred.Password)
	if err != nil {
		return nil, err
	}

	ident := &identity.AuthIdentity{
		Family:       cred.Family,
		Type:         cred.Type,
		UID:          cred.UID,
		PasswordHash: hash,
	}
	if own != nil && !own.Confirmed {
		// Replacing a stale reservation (e.g. a corrected address) carries
		// the cooldown forward so re-registering cannot evade it.
		ident.SentAt = own.SentAt
	}

	if err := coordinator.store.AttachUnconfirmed(ctx, user.ID, ident); err != nil {
		return nil, err
	}
	if err := coordinator.codes.Issue(ctx, user.ID, cred.Family, cred.Type, confirm.VariantInitial); err != nil {
		return nil, err
	}

	return coordinator.store.FindUser(ctx, user.ID)
}

// CheckRegister runs the registration collision checks without mutating
// anything, so clients can validate a credential before submitting it.
func (coordinator *Coordinator) CheckRegister(ctx context.Context, actor *sec.Actor, cred Credential) error {
	cred = cred.normalized()

	user, err := coordinator.store.FindUser(ctx, actor.UserID)
	if err != nil {
		return err
	}

	own := user.Identity(cred.Family, cred.Type)
	if own != nil && own.UID == cred.UID {
		return apperr.AlreadyAuth()
	}
	if own != nil && own.Confirmed {
		return apperr.IdentityExists()
	}

	return coordinator.checkClaimable(ctx, user, cred)
}

// # Password Login

// Login authenticates an existing confirmed password identity and rebinds
// the caller's session to the owning account.
func (coordinator *Coordinator) Login(ctx context.Context, actor *sec.Actor, cred Credential) (*Outcome, error) {
	cred = cred.normalized()

	owner, err := coordinator.store.FindConfirmed(ctx, cred.Family, cred.Type, cred.UID)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, apperr.UserNotFound()
	}

	ident := owner.Identity(cred.Family, cred.Type)
	if !sec.CheckPasswordHash(cred.Password, ident.PasswordHash) {
		return nil, apperr.IncorrectPassword()
	}

	if owner.ID == actor.UserID {
		return nil, apperr.AlreadyAuth()
	}

	token, err := coordinator.sessions.Bind(ctx, actor.SessionID, owner.ID)
	if err != nil {
		return nil, err
	}
	return &Outcome{User: owner, Token: token}, nil
}

// # Social Login

// SocialLogin verifies a provider token and attaches, logs in, or merges the
// attested social identity. Social identities are confirmed immediately,
// there is no code step.
func (coordinator *Coordinator) SocialLogin(ctx context.Context, actor *sec.Actor, provider, token string, opts Options) (*Outcome, error) {
	subject, err := coordinator.verifier.Verify(ctx, provider, token)
	if err != nil {
		return nil, err
	}
	cred := Credential{Family: identity.FamilySocial, Type: provider, UID: subject}.normalized()

	user, err := coordinator.store.FindUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if user.PendingBase() {
		return nil, apperr.UserNotConfirmed()
	}

	target, err := coordinator.store.FindConfirmed(ctx, cred.Family, cred.Type, cred.UID)
	if err != nil {
		return nil, err
	}

	switch {
	case target == nil:
		ident := &identity.AuthIdentity{Family: cred.Family, Type: cred.Type, UID: cred.UID}
		if err := coordinator.store.AttachConfirmed(ctx, user.ID, ident); err != nil {
			return nil, err
		}
		updated, err := coordinator.store.FindUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		return &Outcome{User: updated}, nil

	case target.ID == user.ID:
		return nil, apperr.AlreadyAuth()

	case !user.HasConfirmed():
		// Blank guest logging into an existing social account.
		return coordinator.rebind(ctx, actor, target)

	default:
		// Welding two populated accounts: social login carries implicit
		// merge intent, only the confirmation flag is negotiated.
		if !opts.ConfirmMerge {
			return nil, apperr.MergeWarning(coordinator.computeLost(user, target))
		}
		return coordinator.merge(ctx, user, target)
	}
}

// # OTP Flows

// OTPRequestCode issues a login/link code for an OTP channel key.
//
// The code always lands on the identity that will be proven: the caller's
// own (possibly freshly reserved) identity when the channel is unclaimed,
// or the current owner's identity when it belongs to another account.
func (coordinator *Coordinator) OTPRequestCode(ctx context.Context, actor *sec.Actor, channel, uid string, opts Options) error {
	cred := Credential{Family: identity.FamilyOTP, Type: channel, UID: uid}.normalized()

	user, err := coordinator.store.FindUser(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if user.PendingBase() {
		// A pending base blocks further channels, except when the pending
		// identity is the very channel being re-requested: that request falls
		// through to the cooldown instead.
		own := user.Identity(cred.Family, cred.Type)
		if own == nil || own.UID != cred.UID {
			return apperr.UserNotConfirmed()
		}
	}

	target, err := coordinator.store.FindConfirmed(ctx, cred.Family, cred.Type, cred.UID)
	if err != nil {
		return err
	}

	codeOwner := user.ID
	switch {
	case target == nil:
		own := user.Identity(cred.Family, cred.Type)
		if own == nil || own.UID != cred.UID {
			ident := &identity.AuthIdentity{Family: cred.Family, Type: cred.Type, UID: cred.UID}
			if own != nil && !own.Confirmed {
				ident.SentAt = own.SentAt
			}
			if err := coordinator.store.AttachUnconfirmed(ctx, user.ID, ident); err != nil {
				return err
			}
		}

	case target.ID == user.ID:
		// Re-verification on an owned channel.

	default:
		// The channel belongs to another account: a guest is heading for a
		// login, a populated account must opt in to the merge up front.
		if user.HasConfirmed() && !opts.Merge {
			return apperr.UserExist()
		}
		codeOwner = target.ID
	}

	return coordinator.codes.Issue(ctx, codeOwner, cred.Family, cred.Type, confirm.VariantResend)
}

// OTPAuth verifies an OTP code and completes the link, login, or merge the
// preceding code request set up.
func (coordinator *Coordinator) OTPAuth(ctx context.Context, actor *sec.Actor, channel, uid, code string, opts Options) (*Outcome, error) {
	cred := Credential{Family: identity.FamilyOTP, Type: channel, UID: uid}.normalized()

	user, err := coordinator.store.FindUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	owner, err := coordinator.store.FindConfirmed(ctx, cred.Family, cred.Type, cred.UID)
	if err != nil {
		return nil, err
	}

	if owner == nil {
		pending, err := coordinator.store.FindPending(ctx, cred.Family, cred.Type, cred.UID)
		if err != nil {
			return nil, err
		}
		if pending == nil {
			return nil, apperr.UserNotFound()
		}
		if pending.ID != user.ID {
			// OTP auth against another user's pending code.
			return nil, apperr.ReqInvalid()
		}

		if err := coordinator.codes.Verify(ctx, user.ID, cred.Family, cred.Type, code); err != nil {
			return nil, err
		}
		updated, err := coordinator.store.FindUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		return &Outcome{User: updated}, nil
	}

	if owner.ID == user.ID {
		if err := coordinator.codes.Redeem(ctx, owner.ID, cred.Family, cred.Type, code); err != nil {
			return nil, err
		}
		return &Outcome{User: owner}, nil
	}

	if !user.HasConfirmed() {
		// Guest login: the code proves control of the owner's channel.
		if err := coordinator.codes.Redeem(ctx, owner.ID, cred.Family, cred.Type, code); err != nil {
			return nil, err
		}
		return coordinator.rebind(ctx, actor, owner)
	}

	// Merge candidate. The warning must not consume the code, otherwise the
	// confirming retry could never succeed.
	if err := coordinator.codes.Validate(ctx, owner.ID, cred.Family, cred.Type, code); err != nil {
		return nil, err
	}
	if !opts.ConfirmMerge {
		return nil, apperr.MergeWarning(coordinator.computeLost(user, owner))
	}
	if err := coordinator.codes.Redeem(ctx, owner.ID, cred.Family, cred.Type, code); err != nil {
		return nil, err
	}
	return coordinator.merge(ctx, user, owner)
}

// # Confirmation

// Confirm verifies a pending password-family code on the caller's account.
func (coordinator *Coordinator) Confirm(ctx context.Context, actor *sec.Actor, identityType, code string) (*identity.User, error) {
	if err := coordinator.codes.Verify(ctx, actor.UserID, identity.FamilyPassword, identityType, code); err != nil {
		return nil, err
	}
	return coordinator.store.FindUser(ctx, actor.UserID)
}

// ConfirmResend issues a fresh code for the caller's pending identity,
// subject to the cooldown window.
func (coordinator *Coordinator) ConfirmResend(ctx context.Context, actor *sec.Actor, identityType string) error {
	return coordinator.codes.Issue(ctx, actor.UserID, identity.FamilyPassword, identityType, confirm.VariantResend)
}

// # Init-Link / Link Protocol

// InitLink begins linking a new identity to the caller's (authenticated)
// account: it classifies the credential as a plain link or a merge candidate
// and issues the confirmation code the /link completion must present.
func (coordinator *Coordinator) InitLink(ctx context.Context, actor *sec.Actor, cred Credential) (*InitLinkResult, error) {
	cred = cred.normalized()

	user, err := coordinator.store.FindUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if !user.HasConfirmed() {
		return nil, apperr.UserNotConfirmed()
	}

	target, err := coordinator.store.FindConfirmed(ctx, cred.Family, cred.Type, cred.UID)
	if err != nil {
		return nil, err
	}

	switch {
	case target == nil:
		if cred.Family == identity.FamilySocial {
			// Social identities confirm immediately; init-link completes the
			// whole link in one step.
			ident := &identity.AuthIdentity{Family: cred.Family, Type: cred.Type, UID: cred.UID}
			if err := coordinator.store.AttachConfirmed(ctx, user.ID, ident); err != nil {
				return nil, err
			}
			return &InitLinkResult{Action: ActionLink}, nil
		}

		own := user.Identity(cred.Family, cred.Type)
		if own != nil && own.Confirmed && own.UID == cred.UID {
			return nil, apperr.IdentityExists()
		}

		ident := &identity.AuthIdentity{
			Family: cred.Family,
			Type:   cred.Type,
			UID:    cred.UID,
		}
		if own != nil && !own.Confirmed {
			ident.SentAt = own.SentAt
		}
		if cred.Password != "" {
			hash, err := sec.HashPassword(cred.Password)
			if err != nil {
				return nil, err
			}
			ident.PasswordHash = hash
		}
		if err := coordinator.store.AttachUnconfirmed(ctx, user.ID, ident); err != nil {
			return nil, err
		}
		if err := coordinator.codes.Issue(ctx, user.ID, cred.Family, cred.Type, confirm.VariantInitial); err != nil {
			return nil, err
		}
		return &InitLinkResult{Action: ActionLink, ConfirmCodeRequired: true}, nil

	case target.ID == user.ID:
		return nil, apperr.IdentityExists()

	default:
		if cred.Family == identity.FamilySocial {
			return &InitLinkResult{Action: ActionMerge}, nil
		}
		// The merge must still prove control of the credential: the code is
		// issued on the current owner's identity.
		if err := coordinator.codes.Issue(ctx, target.ID, cred.Family, cred.Type, confirm.VariantInitial); err != nil {
			return nil, err
		}
		return &InitLinkResult{Action: ActionMerge, ConfirmCodeRequired: true}, nil
	}
}

// Link completes the init-link protocol: it confirms the pending identity or
// runs the merge negotiation against the credential's current owner.
func (coordinator *Coordinator) Link(ctx context.Context, actor *sec.Actor, cred Credential, code string, opts Options) (*Outcome, error) {
	cred = cred.normalized()

	user, err := coordinator.store.FindUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}

	target, err := coordinator.store.FindConfirmed(ctx, cred.Family, cred.Type, cred.UID)
	if err != nil {
		return nil, err
	}

	switch {
	case target == nil:
		if err := coordinator.codes.Verify(ctx, user.ID, cred.Family, cred.Type, code); err != nil {
			return nil, err
		}
		updated, err := coordinator.store.FindUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		return &Outcome{User: updated}, nil

	case target.ID == user.ID:
		return nil, apperr.IdentityExists()

	default:
		if !opts.Merge {
			return nil, apperr.UserExist()
		}

		codeRequired := cred.Family != identity.FamilySocial
		if codeRequired {
			if err := coordinator.codes.Validate(ctx, target.ID, cred.Family, cred.Type, code); err != nil {
				return nil, err
			}
		}
		if !opts.ConfirmMerge {
			return nil, apperr.MergeWarning(coordinator.computeLost(user, target))
		}
		if codeRequired {
			if err := coordinator.codes.Redeem(ctx, target.ID, cred.Family, cred.Type, code); err != nil {
				return nil, err
			}
		}
		return coordinator.merge(ctx, user, target)
	}
}

// # Internal Helpers

// checkClaimable fails when the uid is confirmed or reserved by another
// account. The caller's own reservation is claimable (it gets replaced).
func (coordinator *Coordinator) checkClaimable(ctx context.Context, user *identity.User, cred Credential) error {
	target, err := coordinator.store.FindConfirmed(ctx, cred.Family, cred.Type, cred.UID)
	if err != nil {
		return err
	}
	if target != nil && target.ID != user.ID {
		return apperr.UserExist()
	}

	pending, err := coordinator.store.FindPending(ctx, cred.Family, cred.Type, cred.UID)
	if err != nil {
		return err
	}
	if pending != nil && pending.ID != user.ID {
		return apperr.UserExist()
	}
	return nil
}

// rebind points the caller's session at the owner account (login).
func (coordinator *Coordinator) rebind(ctx context.Context, actor *sec.Actor, owner *identity.User) (*Outcome, error) {
	token, err := coordinator.sessions.Bind(ctx, actor.SessionID, owner.ID)
	if err != nil {
		return nil, err
	}
	return &Outcome{User: owner, Token: token}, nil
}

// merge folds the target account into the caller's and reports what was lost.
func (coordinator *Coordinator) merge(ctx context.Context, survivor, loser *identity.User) (*Outcome, error) {
	lost, err := coordinator.store.Merge(ctx, survivor.ID, loser.ID)
	if err != nil {
		return nil, err
	}
	merged, err := coordinator.store.FindUser(ctx, survivor.ID)
	if err != nil {
		return nil, err
	}
	return &Outcome{User: merged, Lost: lost}, nil
}

// computeLost previews which of the loser's confirmed identities a merge
// would discard: those whose (family, type) the survivor already holds.
func (coordinator *Coordinator) computeLost(survivor, loser *identity.User) []*identity.AuthIdentity {
	lost := []*identity.AuthIdentity{}
	for _, ident := range loser.ConfirmedIdentities() {
		if survivor.Identity(ident.Family, ident.Type) != nil {
			lost = append(lost, ident)
		}
	}
	return lost
}
