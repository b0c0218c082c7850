// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/internal/platform/constants"
)

// Redis hash field names of a session record.
const (
	fieldID        = "id"
	fieldDeviceID  = "deviceid"
	fieldUserID    = "userid"
	fieldTokenID   = "tokenid"
	fieldCreatedAt = "createdat"
)

// swapTokenScript implements the compare-and-swap token rotation server-side,
// so two concurrent logouts on the same token have exactly one winner.
var swapTokenScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'tokenid') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'tokenid', ARGV[2])
	return 1
end
return 0
`)

// RedisStore implements [Store] on Redis hashes.
//
// Each session is one hash under auth:session:{id}; the device index is a
// plain string key auth:device:{device_id} -> session id. Sessions are
// device-scoped and long-lived, so records carry no TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Create persists a new session and indexes it by device.
func (store *RedisStore) Create(ctx context.Context, session *Session) error {
	pipe := store.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(session.ID), map[string]any{
		fieldID:        session.ID,
		fieldDeviceID:  session.DeviceID,
		fieldUserID:    session.UserID,
		fieldTokenID:   session.TokenID,
		fieldCreatedAt: session.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Set(ctx, deviceKey(session.DeviceID), session.ID, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis_session_create_failed: %w", err)
	}
	return nil
}

// FindByID returns the session with the given id, or (nil, nil).
func (store *RedisStore) FindByID(ctx context.Context, sessionID string) (*Session, error) {
	values, err := store.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis_session_find_failed: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return sessionFromHash(values)
}

// FindByDevice returns the session bound to the device, or (nil, nil).
func (store *RedisStore) FindByDevice(ctx context.Context, deviceID string) (*Session, error) {
	sessionID, err := store.client.Get(ctx, deviceKey(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis_session_device_lookup_failed: %w", err)
	}
	return store.FindByID(ctx, sessionID)
}

// BindUser points the session at a user and installs a fresh token id.
func (store *RedisStore) BindUser(ctx context.Context, sessionID, userID, tokenID string) error {
	key := sessionKey(sessionID)

	exists, err := store.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis_session_bind_failed: %w", err)
	}
	if exists == 0 {
		return apperr.AuthFailed()
	}

	err = store.client.HSet(ctx, key, map[string]any{
		fieldUserID:  userID,
		fieldTokenID: tokenID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis_session_bind_failed: %w", err)
	}
	return nil
}

// SwapTokenID atomically replaces the token id if the current value matches.
func (store *RedisStore) SwapTokenID(ctx context.Context, sessionID, oldTokenID, newTokenID string) error {
	swapped, err := swapTokenScript.Run(ctx, store.client,
		[]string{sessionKey(sessionID)}, oldTokenID, newTokenID).Int()
	if err != nil {
		return fmt.Errorf("redis_session_swap_failed: %w", err)
	}
	if swapped == 0 {
		return apperr.AuthFailed()
	}
	return nil
}

// ClearAll wipes every session and device index entry. Test-only.
func (store *RedisStore) ClearAll(ctx context.Context) error {
	for _, prefix := range []string{constants.RedisPrefixSession, constants.RedisPrefixDevice} {
		iter := store.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			if err := store.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("redis_session_clear_failed: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis_session_clear_failed: %w", err)
		}
	}
	return nil
}

// # Internal Helpers

func sessionKey(sessionID string) string {
	return constants.RedisPrefixSession + sessionID
}

func deviceKey(deviceID string) string {
	return constants.RedisPrefixDevice + deviceID
}

// sessionFromHash rebuilds a session record from its Redis hash fields.
func sessionFromHash(values map[string]string) (*Session, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, values[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("redis_session_corrupt_record: %w", err)
	}
	return &Session{
		ID:        values[fieldID],
		DeviceID:  values[fieldDeviceID],
		UserID:    values[fieldUserID],
		TokenID:   values[fieldTokenID],
		CreatedAt: createdAt,
	}, nil
}
