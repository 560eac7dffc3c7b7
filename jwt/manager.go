package jwt

import (
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType is the claim discriminator separating short-lived access tokens
// from long-lived refresh tokens.
type TokenType string

const (
	// TypeAccess is an exported constant or variable used by the session engine.
	TypeAccess TokenType = "access"
	// TypeRefresh is an exported constant or variable used by the session engine.
	TypeRefresh TokenType = "refresh"
)

var (
	// ErrMalformed is returned for structurally invalid token input.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid is returned when the signature does not verify.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrExpired is returned when the clock is past the token's expiry.
	ErrExpired = errors.New("token expired")
	// ErrTypeMismatch is returned when a token of the wrong type is presented.
	ErrTypeMismatch = errors.New("token type mismatch")
)

const maxLeeway = 2 * time.Minute

// Config defines a public type used by authgate APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Algorithm is the JOSE algorithm name: "EdDSA" or "RS256".
	Algorithm string

	PrivateKey crypto.PrivateKey
	PublicKey  crypto.PublicKey
	KeyID      string

	// VerifyKeys optionally maps additional kids to verification keys so
	// tokens signed by a prior deploy's key remain verifiable during a
	// rollover window. When set, every presented token must carry a known kid.
	VerifyKeys map[string]crypto.PublicKey

	Issuer   string
	Audience string
	Leeway   time.Duration

	// Clock is the single authoritative time source for both issuance and
	// verification. Defaults to time.Now.
	Clock func() time.Time
}

// Manager encodes and decodes signed tokens. Encoding is a pure function of
// the private key and the claim set; decoding verifies signature, expiry,
// and declared type against the public key.
//
// Manager instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Manager struct {
	config Config
}

// Claims is the fixed claim schema carried by every token. The typ
// discriminator is checked at decode time rather than trusted blindly.
type Claims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// NewManager describes the newmanager operation and its observable behavior.
//
// NewManager may return an error when input validation, dependency calls, or security checks fail.
// NewManager does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return nil, errors.New("refresh TTL must not be shorter than access TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, errors.New("invalid leeway configuration")
	}
	switch cfg.Algorithm {
	case "EdDSA", "RS256":
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("signing key required")
	}
	if cfg.PublicKey == nil && len(cfg.VerifyKeys) == 0 {
		return nil, errors.New("verification key required")
	}
	for kid := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify key map contains empty kid")
		}
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Manager{config: cfg}, nil
}

// IssueAccess mints a signed access token for the subject.
//
// IssueAccess may return an error when input validation, dependency calls, or security checks fail.
// IssueAccess does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Manager) IssueAccess(userID string) (string, error) {
	return m.issue(userID, TypeAccess, m.config.AccessTTL)
}

// IssueRefresh mints a signed refresh token for the subject.
//
// IssueRefresh may return an error when input validation, dependency calls, or security checks fail.
// IssueRefresh does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Manager) IssueRefresh(userID string) (string, error) {
	return m.issue(userID, TypeRefresh, m.config.RefreshTTL)
}

// RefreshTTL reports the configured refresh token lifetime.
func (m *Manager) RefreshTTL() time.Duration {
	return m.config.RefreshTTL
}

func (m *Manager) issue(userID string, typ TokenType, ttl time.Duration) (string, error) {
	now := m.config.Clock()

	// The jti makes every token distinguishable from any prior one, even for
	// the same subject within the same second.
	claims := Claims{
		TokenType: string(typ),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    m.config.Issuer,
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(m.method(), claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}

	return token.SignedString(m.config.PrivateKey)
}

// Verify decodes the token and additionally checks that its declared type
// matches the expected one, preventing a long-lived refresh token from being
// replayed where a short-lived access token was required or vice versa.
//
// Verify may return an error when input validation, dependency calls, or security checks fail.
// Verify does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Manager) Verify(tokenStr string, expected TokenType) (*Claims, error) {
	claims, err := m.Decode(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != string(expected) {
		return nil, ErrTypeMismatch
	}
	return claims, nil
}

// Decode validates the token's signature and time claims and returns the
// claim set. Failures are classified as ErrMalformed, ErrSignatureInvalid,
// or ErrExpired.
//
// Decode may return an error when input validation, dependency calls, or security checks fail.
// Decode does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (m *Manager) Decode(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.config.Algorithm}),
		jwt.WithTimeFunc(m.config.Clock),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, m.keyFor)
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrSignatureInvalid
	}

	return claims, nil
}

func (m *Manager) keyFor(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != m.config.Algorithm {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	if len(m.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return key, nil
	}

	if m.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		if kid != m.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}

	return m.config.PublicKey, nil
}

func (m *Manager) method() jwt.SigningMethod {
	switch m.config.Algorithm {
	case "RS256":
		return jwt.SigningMethodRS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		// Parsing requires exp; a token without one is structurally
		// deficient, not a signature problem.
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}
