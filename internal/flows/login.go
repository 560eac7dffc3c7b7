package flows

import (
	"context"
	"errors"
	"time"

	"github.com/ashmida/authgate/registry"
)

// LoginFailureKind classifies login flow failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureEmptyInput
	LoginFailureUnknownUser
	LoginFailureLookup
	LoginFailureHashFormat
	LoginFailurePasswordMismatch
	LoginFailureIssueAccess
	LoginFailureIssueRefresh
	LoginFailurePersist
)

// LoginResult carries either the issued token pair or failure metadata.
type LoginResult struct {
	Failure      LoginFailureKind
	Err          error
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// LoginDeps captures login flow dependencies.
type LoginDeps struct {
	PasswordHash      func(ctx context.Context, userID string) (string, error)
	VerifyPassword    func(secret, storedHash string) (bool, error)
	IssueAccessToken  func(userID string) (string, error)
	IssueRefreshToken func(userID string) (string, error)
	ReplaceRecord     func(ctx context.Context, rec registry.Record) error
	RefreshLifetime   func() time.Duration
	AccessLifetime    func() time.Duration
	Now               func() time.Time

	UnknownUser error
	HashFormat  error

	// DummyHash is a throwaway hash verified against when the user does not
	// exist, so the unknown-user path costs the same key derivation work as
	// a mismatched password. Empty disables the pad.
	DummyHash string
}

// RunLogin executes credential verification, token issuance, and the
// single-session registry replacement without root package dependencies.
func RunLogin(ctx context.Context, userID, password string, deps LoginDeps) LoginResult {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	if userID == "" || password == "" {
		return LoginResult{Failure: LoginFailureEmptyInput}
	}

	storedHash, err := deps.PasswordHash(ctx, userID)
	if err != nil {
		if deps.UnknownUser != nil && errors.Is(err, deps.UnknownUser) {
			if deps.DummyHash != "" {
				_, _ = deps.VerifyPassword(password, deps.DummyHash)
			}
			return LoginResult{Failure: LoginFailureUnknownUser, Err: err}
		}
		return LoginResult{Failure: LoginFailureLookup, Err: err}
	}

	ok, err := deps.VerifyPassword(password, storedHash)
	if err != nil {
		if deps.HashFormat != nil && errors.Is(err, deps.HashFormat) {
			return LoginResult{Failure: LoginFailureHashFormat, Err: err}
		}
		return LoginResult{Failure: LoginFailurePasswordMismatch, Err: err}
	}
	if !ok {
		return LoginResult{Failure: LoginFailurePasswordMismatch}
	}
	password = ""

	access, err := deps.IssueAccessToken(userID)
	if err != nil {
		return LoginResult{Failure: LoginFailureIssueAccess, Err: err}
	}
	refresh, err := deps.IssueRefreshToken(userID)
	if err != nil {
		return LoginResult{Failure: LoginFailureIssueRefresh, Err: err}
	}

	now := deps.Now()
	rec := registry.Record{
		Token:     refresh,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(deps.RefreshLifetime()),
	}
	if err := deps.ReplaceRecord(ctx, rec); err != nil {
		return LoginResult{Failure: LoginFailurePersist, Err: err}
	}

	return LoginResult{
		Failure:      LoginFailureNone,
		AccessToken:  access,
		RefreshToken: refresh,
		IssuedAt:     now,
		ExpiresAt:    now.Add(deps.AccessLifetime()),
	}
}
