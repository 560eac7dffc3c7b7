package authgate

import "errors"

var (
	// ErrInvalidCredentials is an exported constant or variable used by the session engine.
	// Wrong secret and unknown user are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenInvalid is an exported constant or variable used by the session engine.
	// Covers malformed input, bad signatures, expiry, and wrong token type.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is an exported constant or variable used by the session engine.
	ErrTokenExpired = errors.New("token expired")
	// ErrRefreshReuse is an exported constant or variable used by the session engine.
	// A well-formed refresh token absent from the live registry: revoked,
	// already rotated out, or purged. Worth monitoring per user.
	ErrRefreshReuse = errors.New("refresh token revoked or reused")
	// ErrStorageUnavailable is an exported constant or variable used by the session engine.
	// Registry I/O failed or timed out; retriable by the caller.
	ErrStorageUnavailable = errors.New("registry storage unavailable")
	// ErrEngineNotReady is an exported constant or variable used by the session engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)
