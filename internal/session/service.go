// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/sec"
	"github.com/taibuivan/veyra/pkg/uuid"
)

// Manager implements the session lifecycle: device authentication, bearer
// token resolution, rebinding after logins and merges, and logout rotation.
type Manager struct {
	store  Store
	users  UserDirectory
	tokens *sec.TokenService
}

// NewManager creates a session manager on top of the given store, user
// directory, and token service.
func NewManager(store Store, users UserDirectory, tokens *sec.TokenService) *Manager {
	return &Manager{store: store, users: users, tokens: tokens}
}

// Authenticate creates or resumes the session for a device and returns a
// fresh bearer token.
//
// An unknown device gets a new guest user. A known device whose user was
// merged away gets a fresh guest user bound to the same session. Every call
// installs a new token id, so only the most recently issued token is valid.
func (manager *Manager) Authenticate(ctx context.Context, deviceID string) (string, string, error) {
	session, err := manager.store.FindByDevice(ctx, deviceID)
	if err != nil {
		return "", "", err
	}

	tokenID := uuid.New()

	if session == nil {
		userID, err := manager.users.CreateGuestUser(ctx)
		if err != nil {
			return "", "", err
		}
		session = &Session{
			ID:        uuid.New(),
			DeviceID:  deviceID,
			UserID:    userID,
			TokenID:   tokenID,
			CreatedAt: time.Now(),
		}
		if err := manager.store.Create(ctx, session); err != nil {
			return "", "", err
		}
	} else {
		userID := session.UserID
		active, _, err := manager.users.UserStatus(ctx, userID)
		if err != nil && !apperr.HasCode(err, apperr.CodeUserNotFound) {
			return "", "", err
		}
		if err != nil || !active {
			// The previous user was merged away; the device continues with a
			// fresh guest account on the same session.
			if userID, err = manager.users.CreateGuestUser(ctx); err != nil {
				return "", "", err
			}
		}
		if err := manager.store.BindUser(ctx, session.ID, userID, tokenID); err != nil {
			return "", "", err
		}
		session.UserID = userID
		session.TokenID = tokenID
	}

	token, err := manager.tokens.GenerateSessionToken(session.ID, session.UserID, session.TokenID)
	if err != nil {
		return "", "", fmt.Errorf("session_token_generate_failed: %w", err)
	}
	return token, session.UserID, nil
}

// Resolve verifies a bearer token and returns the acting session user.
//
// Failure modes: [apperr.AuthFailed] for unknown, malformed, or rotated
// tokens; [apperr.UserNotFound] when the token is current but its user was
// merged away.
func (manager *Manager) Resolve(ctx context.Context, token string) (*sec.Actor, error) {
	claims, err := manager.tokens.VerifySessionToken(token)
	if err != nil {
		return nil, apperr.AuthFailed()
	}

	session, err := manager.store.FindByID(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.TokenID != claims.TokenID {
		return nil, apperr.AuthFailed()
	}

	active, guest, err := manager.users.UserStatus(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, apperr.UserNotFound()
	}

	return &sec.Actor{
		SessionID: session.ID,
		UserID:    session.UserID,
		TokenID:   session.TokenID,
		Guest:     guest,
	}, nil
}

// Rotate invalidates the actor's current token and returns its replacement
// for the same user.
//
// The swap is a compare-and-set against the token id the actor presented, so
// concurrent requests on the old token observe auth_failed the moment the
// rotation commits.
func (manager *Manager) Rotate(ctx context.Context, actor *sec.Actor) (string, error) {
	tokenID := uuid.New()
	if err := manager.store.SwapTokenID(ctx, actor.SessionID, actor.TokenID, tokenID); err != nil {
		return "", err
	}

	token, err := manager.tokens.GenerateSessionToken(actor.SessionID, actor.UserID, tokenID)
	if err != nil {
		return "", fmt.Errorf("session_token_generate_failed: %w", err)
	}
	return token, nil
}

// Bind points the session at a different user (login or merge survivor) and
// returns a fresh token for it. Previously issued tokens become stale.
func (manager *Manager) Bind(ctx context.Context, sessionID, userID string) (string, error) {
	tokenID := uuid.New()
	if err := manager.store.BindUser(ctx, sessionID, userID, tokenID); err != nil {
		return "", err
	}

	token, err := manager.tokens.GenerateSessionToken(sessionID, userID, tokenID)
	if err != nil {
		return "", fmt.Errorf("session_token_generate_failed: %w", err)
	}
	return token, nil
}

// ClearAll wipes every session. Test-only.
func (manager *Manager) ClearAll(ctx context.Context) error {
	return manager.store.ClearAll(ctx)
}
