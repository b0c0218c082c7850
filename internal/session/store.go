// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
)

// Store defines the data access contract for session records.
//
// SwapTokenID is the concurrency-critical method: it must compare and swap
// in one atomic step so that a logout racing other requests on the old token
// has a single well-defined winner.
type Store interface {

	// Create persists a new session and indexes it by device.
	Create(ctx context.Context, session *Session) error

	// FindByID returns the session with the given id, or (nil, nil) when
	// unknown.
	FindByID(ctx context.Context, sessionID string) (*Session, error)

	// FindByDevice returns the session bound to the device, or (nil, nil)
	// when the device has never authenticated.
	FindByDevice(ctx context.Context, deviceID string) (*Session, error)

	// BindUser points the session at a (possibly different) user and installs
	// a fresh token id, invalidating every previously issued token.
	BindUser(ctx context.Context, sessionID, userID, tokenID string) error

	// SwapTokenID atomically replaces the session's token id, but only if the
	// current value still equals oldTokenID. Fails with [apperr.AuthFailed]
	// when the compare fails (the token was already rotated).
	SwapTokenID(ctx context.Context, sessionID, oldTokenID, newTokenID string) error

	// ClearAll wipes every session. Test-only.
	ClearAll(ctx context.Context) error
}
