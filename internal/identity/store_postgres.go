// Copyright (c) 2026 Veyra. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// PostgreSQL implementation of the identity [Store].
//
// # Error Mapping
//
// Storage-specific errors (pgx.ErrNoRows, unique violations) are mapped to
// domain-friendly [apperr.AppError] values so that callers never see storage
// implementation details. The unique index on (family, type, uid) is the
// transactional arbiter of the ownership invariant: whichever transaction
// commits first wins a contested uid, the other observes user_exist.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taibuivan/veyra/internal/platform/apperr"
	"github.com/taibuivan/veyra/pkg/uuid"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint errors.
const uniqueViolation = "23505"

// PostgresStore implements [Store] using pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL implementation of the identity store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateGuestUser inserts a fresh guest account row.
func (store *PostgresStore) CreateGuestUser(ctx context.Context) (string, error) {
	const query = `
		INSERT INTO auth.account (id, guest, active, createdat, updatedat)
		VALUES ($1, TRUE, TRUE, $2, $2)`

	id := uuid.New()
	if _, err := store.pool.Exec(ctx, query, id, time.Now()); err != nil {
		return "", fmt.Errorf("postgres_identity_create_guest_failed: %w", err)
	}
	return id, nil
}

// UserStatus reports activity and guest state for the session layer.
func (store *PostgresStore) UserStatus(ctx context.Context, userID string) (bool, bool, error) {
	const query = `SELECT active, guest FROM auth.account WHERE id = $1`

	var active, guest bool
	err := store.pool.QueryRow(ctx, query, userID).Scan(&active, &guest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, apperr.UserNotFound()
		}
		return false, false, fmt.Errorf("postgres_identity_status_failed: %w", err)
	}
	return active, guest, nil
}

// FindUser loads the active user and all attached identities.
func (store *PostgresStore) FindUser(ctx context.Context, userID string) (*User, error) {
	const query = `
		SELECT id, guest, username, recoverycode, recoverysentat, active, createdat, updatedat
		FROM auth.account
		WHERE id = $1 AND active`

	user := &User{}
	err := store.pool.QueryRow(ctx, query, userID).Scan(
		&user.ID,
		&user.Guest,
		&user.Username,
		&user.RecoveryCode,
		&user.RecoverySentAt,
		&user.Active,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.UserNotFound()
		}
		return nil, fmt.Errorf("postgres_identity_find_user_failed: %w", err)
	}

	if user.Identities, err = store.loadIdentities(ctx, userID); err != nil {
		return nil, err
	}
	return user, nil
}

// FindConfirmed returns the holder of a confirmed identity, or (nil, nil).
func (store *PostgresStore) FindConfirmed(ctx context.Context, family Family, identityType, uid string) (*User, error) {
	return store.findByUID(ctx, family, identityType, uid, true)
}

// FindPending returns the holder of an unconfirmed reservation, or (nil, nil).
func (store *PostgresStore) FindPending(ctx context.Context, family Family, identityType, uid string) (*User, error) {
	return store.findByUID(ctx, family, identityType, uid, false)
}

// AttachUnconfirmed inserts an unconfirmed identity row, relying on the
// unique (family, type, uid) index for the reservation semantics.
func (store *PostgresStore) AttachUnconfirmed(ctx context.Context, userID string, ident *AuthIdentity) error {
	return store.attach(ctx, userID, ident, false)
}

// AttachConfirmed inserts a confirmed identity row and promotes the user.
func (store *PostgresStore) AttachConfirmed(ctx context.Context, userID string, ident *AuthIdentity) error {
	return store.attach(ctx, userID, ident, true)
}

// SetPendingCode records a freshly issued code on the identity row.
func (store *PostgresStore) SetPendingCode(ctx context.Context, userID string, family Family, identityType, code string, sentAt, expiresAt time.Time) error {
	const query = `
		UPDATE auth.identity
		SET confirmcode = $5, sentat = $6, expiresat = $7
		WHERE userid = $1 AND family = $2 AND type = $3
		  AND EXISTS (SELECT 1 FROM auth.account WHERE id = $4 AND active)`

	tag, err := store.pool.Exec(ctx, query, userID, family, identityType, userID, code, sentAt, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres_identity_set_code_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.UserNotFound()
	}
	return nil
}

// ConfirmIdentity flips the identity to confirmed inside one transaction.
func (store *PostgresStore) ConfirmIdentity(ctx context.Context, userID string, family Family, identityType string) error {
	return store.withRetry(ctx, func(tx pgx.Tx) error {
		const flip = `
			UPDATE auth.identity
			SET confirmed = TRUE, confirmcode = '', sentat = NULL, expiresat = NULL
			WHERE userid = $1 AND family = $2 AND type = $3`

		tag, err := tx.Exec(ctx, flip, userID, family, identityType)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.UserNotFound()
		}

		const promote = `UPDATE auth.account SET guest = FALSE, updatedat = $2 WHERE id = $1 AND active`
		if _, err := tx.Exec(ctx, promote, userID, time.Now()); err != nil {
			return err
		}
		return nil
	})
}

// ClearPendingCode clears the code and expiry, keeping the issuance time.
func (store *PostgresStore) ClearPendingCode(ctx context.Context, userID string, family Family, identityType string) error {
	const query = `
		UPDATE auth.identity
		SET confirmcode = '', expiresat = NULL
		WHERE userid = $1 AND family = $2 AND type = $3`

	tag, err := store.pool.Exec(ctx, query, userID, family, identityType)
	if err != nil {
		return fmt.Errorf("postgres_identity_clear_code_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.UserNotFound()
	}
	return nil
}

// RemoveIdentity deletes the identity row, releasing the uid.
func (store *PostgresStore) RemoveIdentity(ctx context.Context, userID string, family Family, identityType string) error {
	const query = `DELETE FROM auth.identity WHERE userid = $1 AND family = $2 AND type = $3`

	tag, err := store.pool.Exec(ctx, query, userID, family, identityType)
	if err != nil {
		return fmt.Errorf("postgres_identity_remove_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.UserNotFound()
	}
	return nil
}

// SetPasswordHash replaces only the identity's password hash.
func (store *PostgresStore) SetPasswordHash(ctx context.Context, userID string, family Family, identityType, passwordHash string) error {
	const query = `
		UPDATE auth.identity SET passwordhash = $4
		WHERE userid = $1 AND family = $2 AND type = $3`

	tag, err := store.pool.Exec(ctx, query, userID, family, identityType, passwordHash)
	if err != nil {
		return fmt.Errorf("postgres_identity_set_password_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.UserNotFound()
	}
	return nil
}

// SetUsername updates the user's display username.
func (store *PostgresStore) SetUsername(ctx context.Context, userID, username string) error {
	const query = `UPDATE auth.account SET username = $2, updatedat = $3 WHERE id = $1 AND active`

	tag, err := store.pool.Exec(ctx, query, userID, username, time.Now())
	if err != nil {
		return fmt.Errorf("postgres_identity_set_username_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.UserNotFound()
	}
	return nil
}

// SetRecoveryCode stores a recovery code on the account row.
func (store *PostgresStore) SetRecoveryCode(ctx context.Context, userID, code string, sentAt time.Time) error {
	const query = `UPDATE auth.account SET recoverycode = $2, recoverysentat = $3 WHERE id = $1 AND active`

	tag, err := store.pool.Exec(ctx, query, userID, code, sentAt)
	if err != nil {
		return fmt.Errorf("postgres_identity_set_recovery_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.UserNotFound()
	}
	return nil
}

// ClearRecoveryCode invalidates the account's recovery code after use.
func (store *PostgresStore) ClearRecoveryCode(ctx context.Context, userID string) error {
	const query = `UPDATE auth.account SET recoverycode = '', recoverysentat = NULL WHERE id = $1 AND active`

	if _, err := store.pool.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("postgres_identity_clear_recovery_failed: %w", err)
	}
	return nil
}

// Merge folds the loser account into the survivor inside one transaction.
func (store *PostgresStore) Merge(ctx context.Context, survivorID, loserID string) ([]*AuthIdentity, error) {
	var lost []*AuthIdentity

	err := store.withRetry(ctx, func(tx pgx.Tx) error {
		lost = lost[:0]

		// Lock both account rows in a stable order to avoid deadlocks.
		const lock = `SELECT id FROM auth.account WHERE id = ANY($1) AND active ORDER BY id FOR UPDATE`
		rows, err := tx.Query(ctx, lock, []string{survivorID, loserID})
		if err != nil {
			return err
		}
		locked := 0
		for rows.Next() {
			locked++
		}
		rows.Close()
		if locked != 2 {
			return apperr.UserNotFound()
		}

		// Identities of a type the survivor already holds are dropped and
		// reported; everything else is re-homed.
		const overlapping = `
			DELETE FROM auth.identity loser
			USING auth.identity kept
			WHERE loser.userid = $1 AND loser.confirmed
			  AND kept.userid = $2
			  AND kept.family = loser.family AND kept.type = loser.type
			RETURNING loser.family, loser.type, loser.uid`

		dropped, err := tx.Query(ctx, overlapping, loserID, survivorID)
		if err != nil {
			return err
		}
		for dropped.Next() {
			ident := &AuthIdentity{Confirmed: true}
			if err := dropped.Scan(&ident.Family, &ident.Type, &ident.UID); err != nil {
				dropped.Close()
				return err
			}
			lost = append(lost, ident)
		}
		dropped.Close()

		const rehome = `UPDATE auth.identity SET userid = $2 WHERE userid = $1 AND confirmed`
		if _, err := tx.Exec(ctx, rehome, loserID, survivorID); err != nil {
			return err
		}

		// Pending reservations do not survive the merge.
		const dropPending = `DELETE FROM auth.identity WHERE userid = $1`
		if _, err := tx.Exec(ctx, dropPending, loserID); err != nil {
			return err
		}

		now := time.Now()
		const deactivate = `UPDATE auth.account SET active = FALSE, updatedat = $2 WHERE id = $1`
		if _, err := tx.Exec(ctx, deactivate, loserID, now); err != nil {
			return err
		}
		const promote = `UPDATE auth.account SET guest = FALSE, updatedat = $2 WHERE id = $1`
		if _, err := tx.Exec(ctx, promote, survivorID, now); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lost, nil
}

// ClearAll truncates the identity schema. Test-only.
func (store *PostgresStore) ClearAll(ctx context.Context) error {
	const query = `TRUNCATE auth.identity, auth.account`

	if _, err := store.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("postgres_identity_clear_all_failed: %w", err)
	}
	return nil
}

// # Internal Helpers

// loadIdentities fetches every identity row attached to the user.
func (store *PostgresStore) loadIdentities(ctx context.Context, userID string) ([]*AuthIdentity, error) {
	const query = `
		SELECT family, type, uid, passwordhash, confirmed, confirmcode, sentat, expiresat
		FROM auth.identity
		WHERE userid = $1
		ORDER BY family, type`

	rows, err := store.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres_identity_load_failed: %w", err)
	}
	defer rows.Close()

	var identities []*AuthIdentity
	for rows.Next() {
		ident := &AuthIdentity{}
		if err := rows.Scan(
			&ident.Family,
			&ident.Type,
			&ident.UID,
			&ident.PasswordHash,
			&ident.Confirmed,
			&ident.ConfirmCode,
			&ident.SentAt,
			&ident.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("postgres_identity_scan_failed: %w", err)
		}
		identities = append(identities, ident)
	}
	return identities, rows.Err()
}

// findByUID resolves the active holder of a uid in the given confirmed state.
func (store *PostgresStore) findByUID(ctx context.Context, family Family, identityType, uid string, confirmed bool) (*User, error) {
	const query = `
		SELECT a.id
		FROM auth.identity i
		JOIN auth.account a ON a.id = i.userid AND a.active
		WHERE i.family = $1 AND i.type = $2 AND i.uid = $3 AND i.confirmed = $4`

	var userID string
	err := store.pool.QueryRow(ctx, query, family, identityType, uid, confirmed).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres_identity_find_uid_failed: %w", err)
	}
	return store.FindUser(ctx, userID)
}

// attach implements the shared insert path for both attach variants.
func (store *PostgresStore) attach(ctx context.Context, userID string, ident *AuthIdentity, confirmed bool) error {
	return store.withRetry(ctx, func(tx pgx.Tx) error {
		// A confirmed identity of this type blocks re-registration.
		const existing = `
			SELECT confirmed FROM auth.identity
			WHERE userid = $1 AND family = $2 AND type = $3
			FOR UPDATE`

		var alreadyConfirmed bool
		err := tx.QueryRow(ctx, existing, userID, ident.Family, ident.Type).Scan(&alreadyConfirmed)
		switch {
		case err == nil && alreadyConfirmed:
			return apperr.IdentityExists()
		case err == nil:
			// Replace the user's own stale unconfirmed reservation.
			const drop = `DELETE FROM auth.identity WHERE userid = $1 AND family = $2 AND type = $3`
			if _, err := tx.Exec(ctx, drop, userID, ident.Family, ident.Type); err != nil {
				return err
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		const insert = `
			INSERT INTO auth.identity (userid, family, type, uid, passwordhash, confirmed, confirmcode, sentat, expiresat)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

		_, err = tx.Exec(ctx, insert,
			userID,
			ident.Family,
			ident.Type,
			ident.UID,
			ident.PasswordHash,
			confirmed,
			ident.ConfirmCode,
			ident.SentAt,
			ident.ExpiresAt,
		)
		if err != nil {
			var pgError *pgconn.PgError
			if errors.As(err, &pgError) && pgError.Code == uniqueViolation {
				// Another account owns or has reserved this uid.
				return apperr.UserExist()
			}
			return err
		}

		if confirmed {
			const promote = `UPDATE auth.account SET guest = FALSE, updatedat = $2 WHERE id = $1 AND active`
			if _, err := tx.Exec(ctx, promote, userID, time.Now()); err != nil {
				return err
			}
		}
		return nil
	})
}

// withRetry runs fn in a transaction, retrying once on serialization
// failures before surfacing the mapped domain error. Contention must never
// leak to the caller as a generic internal error.
func (store *PostgresStore) withRetry(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const serializationFailure = "40001"

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		lastErr = pgx.BeginFunc(ctx, store.pool, fn)
		if lastErr == nil {
			return nil
		}

		var pgError *pgconn.PgError
		if errors.As(lastErr, &pgError) && pgError.Code == serializationFailure {
			continue
		}
		break
	}

	if apperr.IsAppError(lastErr) {
		return lastErr
	}
	return fmt.Errorf("postgres_identity_tx_failed: %w", lastErr)
}
