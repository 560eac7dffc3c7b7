package flows

import (
	"context"

	"github.com/ashmida/authgate/jwt"
)

// LogoutFailureKind classifies logout flow failures for root-level mapping.
type LogoutFailureKind int

const (
	LogoutFailureNone LogoutFailureKind = iota
	LogoutFailureDecode
	LogoutFailureDelete
)

// LogoutResult reports which record, if any, was revoked.
type LogoutResult struct {
	Failure LogoutFailureKind
	Err     error
	UserID  string
	Revoked bool
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	VerifyRefresh    func(tokenStr string) (*jwt.Claims, error)
	DeleteRecord     func(ctx context.Context, token string) (bool, error)
	DeleteAllForUser func(ctx context.Context, userID string) (int, error)
}

// RunLogout revokes the registry record behind a refresh token. A token that
// verifies but has no live record is already logged out; that path succeeds
// with Revoked=false.
func RunLogout(ctx context.Context, refreshToken string, deps LogoutDeps) LogoutResult {
	claims, err := deps.VerifyRefresh(refreshToken)
	if err != nil {
		return LogoutResult{Failure: LogoutFailureDecode, Err: err}
	}

	revoked, err := deps.DeleteRecord(ctx, refreshToken)
	if err != nil {
		return LogoutResult{
			Failure: LogoutFailureDelete,
			Err:     err,
			UserID:  claims.Subject,
		}
	}
	return LogoutResult{
		Failure: LogoutFailureNone,
		UserID:  claims.Subject,
		Revoked: revoked,
	}
}

// RunLogoutAll revokes every live record owned by the user and returns the
// number removed.
func RunLogoutAll(ctx context.Context, userID string, deps LogoutDeps) (int, error) {
	return deps.DeleteAllForUser(ctx, userID)
}
