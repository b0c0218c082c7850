// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/platform/apperr"
)

func newEmailIdentity(uid string) *identity.AuthIdentity {
	return &identity.AuthIdentity{
		Family: identity.FamilyPassword,
		Type:   "email",
		UID:    uid,
	}
}

/*
TestMemoryStore_GuestLifecycle verifies guest creation and promotion on the
first confirmed identity.
*/
func TestMemoryStore_GuestLifecycle(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemoryStore()

	userID, err := store.CreateGuestUser(ctx)
	require.NoError(t, err)

	active, guest, err := store.UserStatus(ctx, userID)
	require.NoError(t, err)
	assert.True(t, active)
	assert.True(t, guest)

	require.NoError(t, store.AttachUnconfirmed(ctx, userID, newEmailIdentity("a@x.com")))

	// Still a guest while the identity is unconfirmed.
	_, guest, err = store.UserStatus(ctx, userID)
	require.NoError(t, err)
	assert.True(t, guest)

	require.NoError(t, store.ConfirmIdentity(ctx, userID, identity.FamilyPassword, "email"))

	_, guest, err = store.UserStatus(ctx, userID)
	require.NoError(t, err)
	assert.False(t, guest)

	user, err := store.FindUser(ctx, userID)
	require.NoError(t, err)
	assert.True(t, user.HasConfirmed())
	assert.Empty(t, user.Identities[0].ConfirmCode)
}

/*
TestMemoryStore_UniqueOwnership verifies that a uid has at most one holder,
confirmed or reserved.
*/
func TestMemoryStore_UniqueOwnership(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemoryStore()

	first, _ := store.CreateGuestUser(ctx)
	second, _ := store.CreateGuestUser(ctx)

	require.NoError(t, store.AttachUnconfirmed(ctx, first, newEmailIdentity("a@x.com")))

	// A second party claiming a reserved uid is rejected, not merged.
	err := store.AttachUnconfirmed(ctx, second, newEmailIdentity("a@x.com"))
	assert.True(t, apperr.HasCode(err, apperr.CodeUserExist))

	require.NoError(t, store.ConfirmIdentity(ctx, first, identity.FamilyPassword, "email"))

	// Confirmed ownership blocks both attach variants.
	err = store.AttachUnconfirmed(ctx, second, newEmailIdentity("a@x.com"))
	assert.True(t, apperr.HasCode(err, apperr.CodeUserExist))
	err = store.AttachConfirmed(ctx, second, newEmailIdentity("a@x.com"))
	assert.True(t, apperr.HasCode(err, apperr.CodeUserExist))
}

/*
TestMemoryStore_AttachCollisions verifies the self-collision rules: duplicate
self-registration fails, own stale reservations are replaceable.
*/
func TestMemoryStore_AttachCollisions(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemoryStore()

	userID, _ := store.CreateGuestUser(ctx)
	require.NoError(t, store.AttachUnconfirmed(ctx, userID, newEmailIdentity("a@x.com")))

	// Replacing the own unconfirmed reservation with a corrected address.
	require.NoError(t, store.AttachUnconfirmed(ctx, userID, newEmailIdentity("b@x.com")))

	user, err := store.FindUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, user.Identities, 1)
	assert.Equal(t, "b@x.com", user.Identities[0].UID)

	// The old reservation was released.
	pending, err := store.FindPending(ctx, identity.FamilyPassword, "email", "a@x.com")
	require.NoError(t, err)
	assert.Nil(t, pending)

	// A confirmed identity of the same type cannot be attached over.
	require.NoError(t, store.ConfirmIdentity(ctx, userID, identity.FamilyPassword, "email"))
	err = store.AttachUnconfirmed(ctx, userID, newEmailIdentity("c@x.com"))
	assert.True(t, apperr.HasCode(err, apperr.CodeIdentityExists))
}

/*
TestMemoryStore_FindConfirmedVsPending verifies the two lookup primitives see
disjoint states.
*/
func TestMemoryStore_FindConfirmedVsPending(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemoryStore()

	userID, _ := store.CreateGuestUser(ctx)
	require.NoError(t, store.AttachUnconfirmed(ctx, userID, newEmailIdentity("a@x.com")))

	confirmed, err := store.FindConfirmed(ctx, identity.FamilyPassword, "email", "a@x.com")
	require.NoError(t, err)
	assert.Nil(t, confirmed)

	pending, err := store.FindPending(ctx, identity.FamilyPassword, "email", "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, userID, pending.ID)

	require.NoError(t, store.ConfirmIdentity(ctx, userID, identity.FamilyPassword, "email"))

	confirmed, err = store.FindConfirmed(ctx, identity.FamilyPassword, "email", "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, confirmed)
	assert.Equal(t, userID, confirmed.ID)

	pending, err = store.FindPending(ctx, identity.FamilyPassword, "email", "a@x.com")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

/*
TestMemoryStore_Merge verifies the re-homing rules: disjoint types move to
the survivor, overlapping types are dropped and reported, the loser is
deactivated.
*/
func TestMemoryStore_Merge(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemoryStore()

	survivorID, _ := store.CreateGuestUser(ctx)
	loserID, _ := store.CreateGuestUser(ctx)

	// Survivor: email. Loser: email (overlap) + google (disjoint).
	require.NoError(t, store.AttachConfirmed(ctx, survivorID, newEmailIdentity("a@x.com")))
	require.NoError(t, store.AttachConfirmed(ctx, loserID, newEmailIdentity("b@x.com")))
	require.NoError(t, store.AttachConfirmed(ctx, loserID, &identity.AuthIdentity{
		Family: identity.FamilySocial,
		Type:   "google",
		UID:    "subj-1",
	}))

	lost, err := store.Merge(ctx, survivorID, loserID)
	require.NoError(t, err)

	// The overlapping email identity is reported lost.
	require.Len(t, lost, 1)
	assert.Equal(t, "b@x.com", lost[0].UID)

	survivor, err := store.FindUser(ctx, survivorID)
	require.NoError(t, err)
	assert.NotNil(t, survivor.Identity(identity.FamilySocial, "google"))
	assert.Equal(t, "a@x.com", survivor.Identity(identity.FamilyPassword, "email").UID)

	// The loser is deactivated and its lost uid is released.
	active, _, err := store.UserStatus(ctx, loserID)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = store.FindUser(ctx, loserID)
	assert.True(t, apperr.HasCode(err, apperr.CodeUserNotFound))

	holder, err := store.FindConfirmed(ctx, identity.FamilyPassword, "email", "b@x.com")
	require.NoError(t, err)
	assert.Nil(t, holder)
}

/*
TestMemoryStore_MergeDisjointUnion verifies X union Y for non-overlapping
identity sets.
*/
func TestMemoryStore_MergeDisjointUnion(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemoryStore()

	survivorID, _ := store.CreateGuestUser(ctx)
	loserID, _ := store.CreateGuestUser(ctx)

	require.NoError(t, store.AttachConfirmed(ctx, survivorID, newEmailIdentity("a@x.com")))
	require.NoError(t, store.AttachConfirmed(ctx, loserID, &identity.AuthIdentity{
		Family: identity.FamilyOTP,
		Type:   "telegram",
		UID:    "+79990000000",
	}))

	lost, err := store.Merge(ctx, survivorID, loserID)
	require.NoError(t, err)
	assert.Empty(t, lost)

	survivor, err := store.FindUser(ctx, survivorID)
	require.NoError(t, err)
	assert.Len(t, survivor.Identities, 2)

	// The re-homed uid now resolves to the survivor.
	holder, err := store.FindConfirmed(ctx, identity.FamilyOTP, "telegram", "+79990000000")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, survivorID, holder.ID)
}

/*
TestMemoryStore_ConcurrentClaim verifies that racing claims on one uid have
exactly one winner.
*/
func TestMemoryStore_ConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemoryStore()

	const racers = 16
	userIDs := make([]string, racers)
	for i := range userIDs {
		userIDs[i], _ = store.CreateGuestUser(ctx)
	}

	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.AttachUnconfirmed(ctx, userIDs[i], newEmailIdentity("contested@x.com"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.True(t, apperr.HasCode(err, apperr.CodeUserExist))
		}
	}
	assert.Equal(t, 1, winners)
}

/*
TestMemoryStore_PendingCode verifies code bookkeeping: set, clear, and the
preserved issuance timestamp.
*/
func TestMemoryStore_PendingCode(t *testing.T) {
	ctx := context.Background()
	store := identity.NewMemoryStore()

	userID, _ := store.CreateGuestUser(ctx)
	require.NoError(t, store.AttachUnconfirmed(ctx, userID, newEmailIdentity("a@x.com")))

	sentAt := time.Now()
	expiresAt := sentAt.Add(15 * time.Minute)
	require.NoError(t, store.SetPendingCode(ctx, userID, identity.FamilyPassword, "email", "123456", sentAt, expiresAt))

	user, err := store.FindUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "123456", user.Identities[0].ConfirmCode)

	require.NoError(t, store.ClearPendingCode(ctx, userID, identity.FamilyPassword, "email"))

	user, err = store.FindUser(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, user.Identities[0].ConfirmCode)
	// The issuance time survives so the cooldown window still applies.
	require.NotNil(t, user.Identities[0].SentAt)
	assert.WithinDuration(t, sentAt, *user.Identities[0].SentAt, time.Second)
}
