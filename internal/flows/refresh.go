package flows

import (
	"context"
	"errors"
	"time"

	"github.com/ashmida/authgate/jwt"
	"github.com/ashmida/authgate/registry"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureExpired
	RefreshFailureIssueRefresh
	RefreshFailureReuse
	RefreshFailureRotate
	RefreshFailureIssueAccess
)

// RefreshResult carries either the rotated token pair or failure metadata.
type RefreshResult struct {
	Failure      RefreshFailureKind
	Err          error
	UserID       string
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	VerifyRefresh     func(tokenStr string) (*jwt.Claims, error)
	IssueAccessToken  func(userID string) (string, error)
	IssueRefreshToken func(userID string) (string, error)
	RotateRecord      func(ctx context.Context, oldToken string, rec registry.Record) error
	RefreshLifetime   func() time.Duration
	AccessLifetime    func() time.Duration
	Now               func() time.Time
}

// RunRefresh executes refresh rotation and issuance logic without root
// package dependencies. The registry rotate is the single atomic step:
// whichever concurrent call consumes the old record wins, every other call
// observes the reuse failure.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	claims, err := deps.VerifyRefresh(refreshToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return RefreshResult{Failure: RefreshFailureExpired, Err: err}
		}
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}
	userID := claims.Subject

	// Mint both replacement tokens before consuming the old record. Rotation
	// is irreversible; if issuance failed afterwards the caller would hold
	// neither the old session nor a new one.
	access, err := deps.IssueAccessToken(userID)
	if err != nil {
		return RefreshResult{
			Failure: RefreshFailureIssueAccess,
			Err:     err,
			UserID:  userID,
		}
	}
	nextRefresh, err := deps.IssueRefreshToken(userID)
	if err != nil {
		return RefreshResult{
			Failure: RefreshFailureIssueRefresh,
			Err:     err,
			UserID:  userID,
		}
	}

	now := deps.Now()
	rec := registry.Record{
		Token:     nextRefresh,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(deps.RefreshLifetime()),
	}
	if err := deps.RotateRecord(ctx, refreshToken, rec); err != nil {
		if errors.Is(err, registry.ErrTokenNotFound) {
			return RefreshResult{
				Failure: RefreshFailureReuse,
				Err:     err,
				UserID:  userID,
			}
		}
		return RefreshResult{
			Failure: RefreshFailureRotate,
			Err:     err,
			UserID:  userID,
		}
	}

	return RefreshResult{
		Failure:      RefreshFailureNone,
		UserID:       userID,
		AccessToken:  access,
		RefreshToken: nextRefresh,
		IssuedAt:     now,
		ExpiresAt:    now.Add(deps.AccessLifetime()),
	}
}
