package flows

import (
	"errors"

	"github.com/ashmida/authgate/jwt"
)

// ValidateFailureKind classifies access validation failures for root-level mapping.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureExpired
	ValidateFailureUnauthorized
)

// ValidateResult returns either the verified claims or a classified failure.
type ValidateResult struct {
	Failure ValidateFailureKind
	Err     error
	Claims  *jwt.Claims
}

// ValidateDeps captures access-token validation dependencies.
type ValidateDeps struct {
	VerifyAccess func(tokenStr string) (*jwt.Claims, error)
}

// RunValidate executes the stateless access-token check. Access tokens are
// never consulted against the registry; expiry is their only revocation.
func RunValidate(tokenStr string, deps ValidateDeps) ValidateResult {
	claims, err := deps.VerifyAccess(tokenStr)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return ValidateResult{Failure: ValidateFailureExpired, Err: err}
		}
		return ValidateResult{Failure: ValidateFailureUnauthorized, Err: err}
	}
	return ValidateResult{Failure: ValidateFailureNone, Claims: claims}
}
