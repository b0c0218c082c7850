// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package session manages device-bound sessions and the bearer tokens that
scope every API request to a user.

# Architecture

A session is created the first time a device identifier shows up and lives
for the lifetime of the device. The session record pins the id of the single
currently valid token; issuing a new token (login, logout, re-auth) swaps
that id atomically, so a previously issued token fails resolution the moment
the swap commits even though its signature is still valid.
*/
package session

import (
	"context"
	"time"
)

// Session binds a device to a user and to the single currently valid token.
type Session struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`

	// TokenID is the id of the only token accepted for this session. Tokens
	// carrying any other id are stale and resolve to auth_failed.
	TokenID string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// UserDirectory is the slice of the identity layer the session manager needs:
// creating guest accounts and checking whether a user is still alive.
// Satisfied by identity.Store.
type UserDirectory interface {
	CreateGuestUser(ctx context.Context) (string, error)
	UserStatus(ctx context.Context, userID string) (active bool, guest bool, err error)
}
