// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
	"sync"

	"github.com/taibuivan/veyra/internal/platform/apperr"
)

// MemoryStore implements [Store] with in-process maps guarded by one mutex.
// It is the compare-and-swap reference used by the test suite.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	devices  map[string]string // deviceID -> sessionID
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		devices:  make(map[string]string),
	}
}

// Create persists a new session and indexes it by device.
func (store *MemoryStore) Create(_ context.Context, session *Session) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	clone := *session
	store.sessions[session.ID] = &clone
	store.devices[session.DeviceID] = session.ID
	return nil
}

// FindByID returns the session with the given id, or (nil, nil).
func (store *MemoryStore) FindByID(_ context.Context, sessionID string) (*Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	session, ok := store.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	clone := *session
	return &clone, nil
}

// FindByDevice returns the session bound to the device, or (nil, nil).
func (store *MemoryStore) FindByDevice(_ context.Context, deviceID string) (*Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	sessionID, ok := store.devices[deviceID]
	if !ok {
		return nil, nil
	}
	session, ok := store.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	clone := *session
	return &clone, nil
}

// BindUser points the session at a user and installs a fresh token id.
func (store *MemoryStore) BindUser(_ context.Context, sessionID, userID, tokenID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	session, ok := store.sessions[sessionID]
	if !ok {
		return apperr.AuthFailed()
	}
	session.UserID = userID
	session.TokenID = tokenID
	return nil
}

// SwapTokenID atomically replaces the token id if the current value matches.
func (store *MemoryStore) SwapTokenID(_ context.Context, sessionID, oldTokenID, newTokenID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	session, ok := store.sessions[sessionID]
	if !ok || session.TokenID != oldTokenID {
		return apperr.AuthFailed()
	}
	session.TokenID = newTokenID
	return nil
}

// ClearAll wipes every session. Test-only.
func (store *MemoryStore) ClearAll(_ context.Context) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.sessions = make(map[string]*Session)
	store.devices = make(map[string]string)
	return nil
}
