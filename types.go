package authgate

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownUser may be returned by a [CredentialStore] when no record
// exists for the user id. The engine folds it into [ErrInvalidCredentials]
// so callers cannot discover whether an account exists.
var ErrUnknownUser = errors.New("unknown user")

// CredentialStore is the external collaborator that owns user credential
// records. The engine only ever reads the stored one-way hash; it never
// sees or persists plaintext secrets.
//
// Implementations should return [ErrUnknownUser] for missing users and wrap
// infrastructure failures in [ErrStorageUnavailable] so the engine can
// distinguish a retriable outage from a failed authentication.
type CredentialStore interface {
	PasswordHash(ctx context.Context, userID string) (string, error)
}

// TokenPair is the result of a successful login or refresh: a short-lived
// access token and the single live refresh token for the user.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthResult is returned by [Engine.VerifyAccessToken] for resource-serving
// code gating access.
type AuthResult struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
