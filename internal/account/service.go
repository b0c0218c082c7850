// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package account exposes the current user's profile and the test-only
// administrative surface.
package account

import (
	"context"

	"github.com/taibuivan/veyra/internal/identity"
	"github.com/taibuivan/veyra/internal/session"
)

// Service implements profile reads/updates and the full reset.
type Service struct {
	store    identity.Store
	sessions *session.Manager
}

// NewService creates the account service.
func NewService(store identity.Store, sessions *session.Manager) *Service {
	return &Service{store: store, sessions: sessions}
}

// Profile returns the current user.
func (service *Service) Profile(ctx context.Context, userID string) (*identity.User, error) {
	return service.store.FindUser(ctx, userID)
}

// UpdateUsername changes the user's display name and returns the updated user.
func (service *Service) UpdateUsername(ctx context.Context, userID, username string) (*identity.User, error) {
	if err := service.store.SetUsername(ctx, userID, username); err != nil {
		return nil, err
	}
	return service.store.FindUser(ctx, userID)
}

// ClearAll wipes all users, identities, and sessions. Test-only.
func (service *Service) ClearAll(ctx context.Context) error {
	if err := service.store.ClearAll(ctx); err != nil {
		return err
	}
	return service.sessions.ClearAll(ctx)
}
