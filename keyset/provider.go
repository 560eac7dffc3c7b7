package keyset

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithm selects the asymmetric signing scheme used for token signatures.
//
// Algorithm instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Algorithm string

const (
	// AlgEdDSA is an exported constant or variable used by the session engine.
	AlgEdDSA Algorithm = "eddsa"
	// AlgRS256 is an exported constant or variable used by the session engine.
	AlgRS256 Algorithm = "rs256"
)

// JOSEName maps the algorithm to its JWS "alg" header value. Unknown
// algorithms map to the empty string and are rejected downstream.
func (a Algorithm) JOSEName() string {
	switch a {
	case AlgEdDSA:
		return "EdDSA"
	case AlgRS256:
		return "RS256"
	default:
		return ""
	}
}

// ErrKeyMaterial is returned when no usable signing key material is found.
// It is a startup-only, non-retriable failure; the process must not serve
// traffic without valid keys.
var ErrKeyMaterial = errors.New("invalid signing key material")

const minRSABits = 2048

// Config defines a public type used by authgate APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Algorithm Algorithm

	// PrivateKeyPEM holds inline PEM key material. Mutually exclusive with
	// PrivateKeyFile.
	PrivateKeyPEM []byte

	// PrivateKeyFile is a path to a PEM-encoded private key.
	PrivateKeyFile string

	// KeyID overrides the derived key identifier when non-empty.
	KeyID string
}

// Provider loads the signing key pair once at startup and serves it
// read-only afterwards. The private key never leaves the provider except
// through PrivateKey; the public key and kid are widely distributable.
//
// Provider is safe for unsynchronized concurrent reads.
type Provider struct {
	alg     Algorithm
	kid     string
	private crypto.PrivateKey
	public  crypto.PublicKey
}

// NewProvider describes the newprovider operation and its observable behavior.
//
// NewProvider may return an error when input validation, dependency calls, or security checks fail.
// NewProvider does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewProvider(cfg Config) (*Provider, error) {
	pemBytes, err := loadPEM(cfg)
	if err != nil {
		return nil, err
	}

	var (
		private crypto.PrivateKey
		public  crypto.PublicKey
	)

	switch cfg.Algorithm {
	case AlgEdDSA:
		parsed, parseErr := jwt.ParseEdPrivateKeyFromPEM(pemBytes)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, parseErr)
		}
		edKey, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an ed25519 private key", ErrKeyMaterial)
		}
		private = edKey
		public = edKey.Public()
	case AlgRS256:
		rsaKey, parseErr := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, parseErr)
		}
		if rsaKey.N.BitLen() < minRSABits {
			return nil, fmt.Errorf("%w: rsa key is %d bits, minimum is %d", ErrKeyMaterial, rsaKey.N.BitLen(), minRSABits)
		}
		private = rsaKey
		public = &rsaKey.PublicKey
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrKeyMaterial, cfg.Algorithm)
	}

	kid := strings.TrimSpace(cfg.KeyID)
	if kid == "" {
		kid, err = deriveKeyID(public)
		if err != nil {
			return nil, err
		}
	}

	return &Provider{
		alg:     cfg.Algorithm,
		kid:     kid,
		private: private,
		public:  public,
	}, nil
}

// PrivateKey returns the signing key. Callers must not retain it beyond
// signing operations.
func (p *Provider) PrivateKey() crypto.PrivateKey {
	return p.private
}

// PublicKey returns the verification key together with the key identifier.
func (p *Provider) PublicKey() (crypto.PublicKey, string) {
	return p.public, p.kid
}

// PublicKeyPEM encodes the verification key as PKIX PEM. The output feeds
// another deploy's VerifyKeysPEM during a rollover window.
func (p *Provider) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(p.public)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Algorithm describes the algorithm operation and its observable behavior.
//
// Algorithm does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (p *Provider) Algorithm() Algorithm {
	return p.alg
}

// KeyID describes the keyid operation and its observable behavior.
//
// KeyID does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (p *Provider) KeyID() string {
	return p.kid
}

func loadPEM(cfg Config) ([]byte, error) {
	if len(cfg.PrivateKeyPEM) > 0 && cfg.PrivateKeyFile != "" {
		return nil, fmt.Errorf("%w: both inline key and key file configured", ErrKeyMaterial)
	}
	if len(cfg.PrivateKeyPEM) > 0 {
		return cfg.PrivateKeyPEM, nil
	}
	if cfg.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: no key material configured", ErrKeyMaterial)
}

// ParsePublicKeyPEM parses a PEM-encoded verification key of the given
// algorithm, for configuring rollover verify-key sets.
//
// ParsePublicKeyPEM may return an error when input validation, dependency calls, or security checks fail.
func ParsePublicKeyPEM(alg Algorithm, pemBytes []byte) (crypto.PublicKey, error) {
	switch alg {
	case AlgEdDSA:
		parsed, err := jwt.ParseEdPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
		}
		return parsed, nil
	case AlgRS256:
		parsed, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
		}
		if parsed.N.BitLen() < minRSABits {
			return nil, fmt.Errorf("%w: rsa key is %d bits, minimum is %d", ErrKeyMaterial, parsed.N.BitLen(), minRSABits)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrKeyMaterial, alg)
	}
}

func deriveKeyID(public crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:12]), nil
}
