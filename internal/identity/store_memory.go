// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity

import (
	"context"
	"sync"
	"time"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/pkg/uuid"
)

// MemoryStore implements [Store] with an in-process map guarded by one mutex.
//
// # Role
//
// This is the reference implementation of the store's compare-and-set
// semantics: every mutation holds the single lock for its whole
// read-check-write sequence, so the race rules (exactly one winner per uid
// claim) hold by construction. It backs the test suite and single-node
// development; production deployments use the PostgreSQL implementation.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*User

	// owners maps a global uid key (family/type/uid) to the id of the user
	// holding it, confirmed or reserved. At most one holder exists at a time.
	owners map[string]string
}

// NewMemoryStore creates an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*User),
		owners: make(map[string]string),
	}
}

// CreateGuestUser creates a fresh guest account and returns its id.
func (store *MemoryStore) CreateGuestUser(_ context.Context) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	now := time.Now()
	user := &User{
		ID:        uuid.New(),
		Guest:     true,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	store.users[user.ID] = user
	return user.ID, nil
}

// UserStatus reports existence/activity and guest state without failing on
// deactivated accounts.
func (store *MemoryStore) UserStatus(_ context.Context, userID string) (bool, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	user, ok := store.users[userID]
	if !ok {
		return false, false, apperr.UserNotFound()
	}
	return user.Active, user.Guest, nil
}

// FindUser returns the active user with the given id.
func (store *MemoryStore) FindUser(_ context.Context, userID string) (*User, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	user, err := store.activeUser(userID)
	if err != nil {
		return nil, err
	}
	return user.Clone(), nil
}

// FindConfirmed returns the holder of a confirmed identity with the given
// key, or (nil, nil) when nobody holds it.
func (store *MemoryStore) FindConfirmed(_ context.Context, family Family, identityType, uid string) (*User, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	user, ident := store.holder(family, identityType, uid)
	if user == nil || !ident.Confirmed {
		return nil, nil
	}
	return user.Clone(), nil
}

// FindPending returns the holder of an unconfirmed reservation of the given
// key, or (nil, nil) when nobody holds it.
func (store *MemoryStore) FindPending(_ context.Context, family Family, identityType, uid string) (*User, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	user, ident := store.holder(family, identityType, uid)
	if user == nil || ident.Confirmed {
		return nil, nil
	}
	return user.Clone(), nil
}

// AttachUnconfirmed reserves the uid for the user with an unconfirmed identity.
func (store *MemoryStore) AttachUnconfirmed(_ context.Context, userID string, ident *AuthIdentity) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	attached := ident.Clone()
	attached.Confirmed = false
	return store.attach(userID, attached)
}

// AttachConfirmed attaches an identity in confirmed state in one step and
// promotes the user out of guest state.
func (store *MemoryStore) AttachConfirmed(_ context.Context, userID string, ident *AuthIdentity) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	attached := ident.Clone()
	attached.Confirmed = true
	attached.ConfirmCode = ""
	attached.SentAt = nil
	attached.ExpiresAt = nil

	if err := store.attach(userID, attached); err != nil {
		return err
	}
	store.users[userID].Guest = false
	return nil
}

// SetPendingCode records a freshly issued confirmation code on the identity.
func (store *MemoryStore) SetPendingCode(_ context.Context, userID string, family Family, identityType, code string, sentAt, expiresAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, ident, err := store.userIdentity(userID, family, identityType)
	if err != nil {
		return err
	}

	sent := sentAt
	expires := expiresAt
	ident.ConfirmCode = code
	ident.SentAt = &sent
	ident.ExpiresAt = &expires
	return nil
}

// ConfirmIdentity flips the identity to confirmed and clears its code.
func (store *MemoryStore) ConfirmIdentity(_ context.Context, userID string, family Family, identityType string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	user, ident, err := store.userIdentity(userID, family, identityType)
	if err != nil {
		return err
	}

	// Re-check ownership under the lock. The reservation normally guarantees
	// this holds, but the check keeps the invariant local to the flip.
	if owner, taken := store.owners[ident.UIDKey()]; taken && owner != userID {
		user.removeIdentity(family, identityType)
		return apperr.UserExist()
	}

	ident.Confirmed = true
	ident.ConfirmCode = ""
	ident.SentAt = nil
	ident.ExpiresAt = nil
	user.Guest = false
	user.UpdatedAt = time.Now()
	return nil
}

// ClearPendingCode clears the code and expiry, keeping the issuance time.
func (store *MemoryStore) ClearPendingCode(_ context.Context, userID string, family Family, identityType string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, ident, err := store.userIdentity(userID, family, identityType)
	if err != nil {
		return err
	}
	ident.ConfirmCode = ""
	ident.ExpiresAt = nil
	return nil
}

// RemoveIdentity detaches the identity and releases its uid reservation.
func (store *MemoryStore) RemoveIdentity(_ context.Context, userID string, family Family, identityType string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	user, ident, err := store.userIdentity(userID, family, identityType)
	if err != nil {
		return err
	}

	delete(store.owners, ident.UIDKey())
	user.removeIdentity(family, identityType)
	user.UpdatedAt = time.Now()
	return nil
}

// SetPasswordHash replaces the password hash on the user's identity.
func (store *MemoryStore) SetPasswordHash(_ context.Context, userID string, family Family, identityType, passwordHash string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	_, ident, err := store.userIdentity(userID, family, identityType)
	if err != nil {
		return err
	}
	ident.PasswordHash = passwordHash
	return nil
}

// SetUsername updates the user's display username.
func (store *MemoryStore) SetUsername(_ context.Context, userID, username string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	user, err := store.activeUser(userID)
	if err != nil {
		return err
	}
	user.Username = username
	user.UpdatedAt = time.Now()
	return nil
}

// SetRecoveryCode stores a recovery code on the user, replacing any previous one.
func (store *MemoryStore) SetRecoveryCode(_ context.Context, userID, code string, sentAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	user, err := store.activeUser(userID)
	if err != nil {
		return err
	}
	sent := sentAt
	user.RecoveryCode = code
	user.RecoverySentAt = &sent
	return nil
}

// ClearRecoveryCode invalidates the user's recovery code after use.
func (store *MemoryStore) ClearRecoveryCode(_ context.Context, userID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	user, err := store.activeUser(userID)
	if err != nil {
		return err
	}
	user.RecoveryCode = ""
	user.RecoverySentAt = nil
	return nil
}

// Merge folds the loser account into the survivor atomically.
func (store *MemoryStore) Merge(_ context.Context, survivorID, loserID string) ([]*AuthIdentity, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	survivor, err := store.activeUser(survivorID)
	if err != nil {
		return nil, err
	}
	loser, err := store.activeUser(loserID)
	if err != nil {
		return nil, err
	}

	var lost []*AuthIdentity
	for _, ident := range loser.Identities {
		if !ident.Confirmed {
			// Pending reservations do not survive the merge.
			delete(store.owners, ident.UIDKey())
			continue
		}

		if survivor.Identity(ident.Family, ident.Type) != nil {
			// The survivor already holds this type: the loser's identity is
			// dropped and reported so clients can warn before confirming.
			delete(store.owners, ident.UIDKey())
			lost = append(lost, ident.Clone())
			continue
		}

		store.owners[ident.UIDKey()] = survivorID
		survivor.Identities = append(survivor.Identities, ident)
	}

	now := time.Now()
	loser.Identities = nil
	loser.Active = false
	loser.UpdatedAt = now
	survivor.Guest = false
	survivor.UpdatedAt = now
	return lost, nil
}

// ClearAll wipes every user, identity, and reservation. Test-only.
func (store *MemoryStore) ClearAll(_ context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.users = make(map[string]*User)
	store.owners = make(map[string]string)
	return nil
}

// # Internal Helpers (caller must hold the lock)

// activeUser returns the live user record or [apperr.UserNotFound].
func (store *MemoryStore) activeUser(userID string) (*User, error) {
	user, ok := store.users[userID]
	if !ok || !user.Active {
		return nil, apperr.UserNotFound()
	}
	return user, nil
}

// holder returns the live user and identity owning the given uid key.
func (store *MemoryStore) holder(family Family, identityType, uid string) (*User, *AuthIdentity) {
	key := (&AuthIdentity{Family: family, Type: identityType, UID: uid}).UIDKey()
	ownerID, ok := store.owners[key]
	if !ok {
		return nil, nil
	}
	user, ok := store.users[ownerID]
	if !ok || !user.Active {
		return nil, nil
	}
	ident := user.Identity(family, identityType)
	if ident == nil || ident.UID != uid {
		return nil, nil
	}
	return user, ident
}

// userIdentity resolves a user's identity of the given type.
func (store *MemoryStore) userIdentity(userID string, family Family, identityType string) (*User, *AuthIdentity, error) {
	user, err := store.activeUser(userID)
	if err != nil {
		return nil, nil, err
	}
	ident := user.Identity(family, identityType)
	if ident == nil {
		return nil, nil, apperr.UserNotFound()
	}
	return user, ident, nil
}

// attach applies the collision rules shared by AttachUnconfirmed and
// AttachConfirmed and wires the identity into the user and the owners index.
func (store *MemoryStore) attach(userID string, ident *AuthIdentity) error {
	user, err := store.activeUser(userID)
	if err != nil {
		return err
	}

	existing := user.Identity(ident.Family, ident.Type)
	if existing != nil && existing.Confirmed {
		// Duplicate self-registration, or the type slot is already taken by a
		// confirmed credential. Replacing requires an explicit remove first.
		return apperr.IdentityExists()
	}

	if ownerID, taken := store.owners[ident.UIDKey()]; taken && ownerID != userID {
		// Another account owns or has reserved this uid. Reservations are
		// rejected, never merged (invariant 2).
		return apperr.UserExist()
	}

	if existing != nil {
		// Replace the user's own stale unconfirmed reservation (e.g. the
		// client re-registers with a corrected address).
		delete(store.owners, existing.UIDKey())
		user.removeIdentity(ident.Family, ident.Type)
	}

	store.owners[ident.UIDKey()] = userID
	user.Identities = append(user.Identities, ident)
	user.UpdatedAt = time.Now()
	return nil
}

// removeIdentity drops the identity of the given type from the user's slice.
func (u *User) removeIdentity(family Family, identityType string) {
	for i, ident := range u.Identities {
		if ident.Family == family && ident.Type == identityType {
			u.Identities = append(u.Identities[:i], u.Identities[i+1:]...)
			return
		}
	}
}
