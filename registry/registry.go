package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrDuplicateToken is returned by Insert when the token already exists.
	// Issuer-side jti uniqueness makes this unreachable in practice; seeing
	// it indicates a fatal logic error upstream.
	ErrDuplicateToken = errors.New("duplicate refresh token")

	// ErrTokenNotFound is returned when the token is absent from the live
	// registry. Absence is authoritative: a token that decodes and verifies
	// but is not registered must be treated as revoked or already rotated.
	ErrTokenNotFound = errors.New("refresh token not found")

	// ErrStoreUnavailable wraps backend I/O failures. Retriable by callers.
	ErrStoreUnavailable = errors.New("registry backend unavailable")
)

// Record is one live refresh token entry. A user has at most one live record
// at any time under the single-session policy; the engine enforces that by
// going through Replace on login.
type Record struct {
	// Token is the raw refresh token string on input. Stores never persist
	// it; they key entries by its SHA-256 digest, and records read back carry
	// the digest here.
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Store is the persisted whitelist of currently-valid refresh tokens.
//
// All mutating operations are atomic with respect to concurrent calls for
// the same user: Replace and Rotate are the composite forms of
// delete-all+insert and consume+insert that login and refresh require, so
// callers never sequence those steps client-side.
type Store interface {
	// Insert adds a record. Fails with ErrDuplicateToken if the token is
	// already registered.
	Insert(ctx context.Context, rec Record) error

	// Find looks up a live record by token. Returns ErrTokenNotFound for
	// absent or expired entries.
	Find(ctx context.Context, token string) (*Record, error)

	// Delete removes a record by token. Reports whether an entry was
	// removed; deleting an absent token is not an error.
	Delete(ctx context.Context, token string) (bool, error)

	// DeleteAllForUser removes every record owned by the user and returns
	// the number removed.
	DeleteAllForUser(ctx context.Context, userID string) (int, error)

	// Replace atomically evicts all of the user's records and installs rec.
	// Two concurrent logins fully serialize; exactly one record survives.
	Replace(ctx context.Context, rec Record) error

	// Rotate atomically consumes oldToken and installs rec, both owned by
	// rec.UserID. Returns ErrTokenNotFound when oldToken is absent, which is
	// the reuse/replay signal: the caller must not issue tokens on that path.
	Rotate(ctx context.Context, oldToken string, rec Record) error

	// PurgeExpired removes records past their expiry. Maintenance only;
	// expired tokens are already rejected at verification regardless.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Digest returns the hex SHA-256 digest used as the storage key for a token
// string, so raw refresh tokens never reach the backend or its logs.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
