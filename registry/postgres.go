package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore keeps the refresh-token whitelist in PostgreSQL. Replace and
// Rotate run inside a transaction; the row lock taken by the DELETE
// serializes concurrent mutations for the same user, so the loser of a
// rotation race observes zero affected rows and reports ErrTokenNotFound.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed registry on the given pool.
//
// NewPostgresStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateSchema provisions the registry table and its user index. Safe to run
// repeatedly.
//
// CreateSchema may return an error when input validation, dependency calls, or security checks fail.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS refresh_tokens (
			token      TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS refresh_tokens_user_id_idx
			ON refresh_tokens (user_id);
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Insert describes the insert operation and its observable behavior.
//
// Insert may return an error when input validation, dependency calls, or security checks fail.
// Insert does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, Digest(rec.Token), rec.UserID, rec.ExpiresAt, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Find describes the find operation and its observable behavior.
//
// Find may return an error when input validation, dependency calls, or security checks fail.
// Find does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *PostgresStore) Find(ctx context.Context, token string) (*Record, error) {
	digest := Digest(token)
	rec := Record{Token: digest}

	err := s.pool.QueryRow(ctx, `
		SELECT user_id, expires_at, created_at
		FROM refresh_tokens
		WHERE token = $1
	`, digest).Scan(&rec.UserID, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !rec.ExpiresAt.After(time.Now()) {
		return nil, ErrTokenNotFound
	}

	return &rec, nil
}

// Delete describes the delete operation and its observable behavior.
//
// Delete may return an error when input validation, dependency calls, or security checks fail.
// Delete does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *PostgresStore) Delete(ctx context.Context, token string) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM refresh_tokens WHERE token = $1
	`, Digest(token))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ct.RowsAffected() > 0, nil
}

// DeleteAllForUser describes the deleteallforuser operation and its observable behavior.
//
// DeleteAllForUser may return an error when input validation, dependency calls, or security checks fail.
// DeleteAllForUser does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *PostgresStore) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM refresh_tokens WHERE user_id = $1
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(ct.RowsAffected()), nil
}

// lockUser serializes write transactions for one user via a transaction-scoped
// advisory lock. Under READ COMMITTED two concurrent delete-then-insert
// transactions do not conflict on rows and would both commit, leaving two live
// records for the user; the lock forces them to run one after the other.
func lockUser(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx, `
		SELECT pg_advisory_xact_lock(hashtext($1))
	`, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Replace runs delete-all-for-user plus insert in one transaction.
//
// Replace may return an error when input validation, dependency calls, or security checks fail.
// Replace does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *PostgresStore) Replace(ctx context.Context, rec Record) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUser(ctx, tx, rec.UserID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM refresh_tokens WHERE user_id = $1
	`, rec.UserID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, Digest(rec.Token), rec.UserID, rec.ExpiresAt, rec.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Rotate consumes the old token and installs the new record in one
// transaction scoped to that token and user.
//
// Rotate may return an error when input validation, dependency calls, or security checks fail.
// Rotate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *PostgresStore) Rotate(ctx context.Context, oldToken string, rec Record) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUser(ctx, tx, rec.UserID); err != nil {
		return err
	}

	ct, err := tx.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE token = $1 AND user_id = $2 AND expires_at > $3
	`, Digest(oldToken), rec.UserID, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrTokenNotFound
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (token, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
	`, Digest(rec.Token), rec.UserID, rec.ExpiresAt, rec.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// PurgeExpired describes the purgeexpired operation and its observable behavior.
//
// PurgeExpired may return an error when input validation, dependency calls, or security checks fail.
// PurgeExpired does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM refresh_tokens WHERE expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(ct.RowsAffected()), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
