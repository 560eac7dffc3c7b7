package keyset

import (
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWK is a single published key in the discovery document. Only the fields
// relevant to the key's type are populated.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`

	// RSA members.
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// OKP (Ed25519) members.
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
}

// JWKS is the standard discovery document shape: {"keys":[...]}.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS publishes the provider's public key as a discovery document. The key
// is immutable for the process lifetime, so the result never changes and
// needs no caching beyond what the transport layer provides.
//
// JWKS may return an error when input validation, dependency calls, or security checks fail.
// JWKS does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (p *Provider) JWKS() (JWKS, error) {
	switch key := p.public.(type) {
	case ed25519.PublicKey:
		return JWKS{Keys: []JWK{{
			Kty: "OKP",
			Use: "sig",
			Alg: "EdDSA",
			Kid: p.kid,
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(key),
		}}}, nil
	case *rsa.PublicKey:
		return JWKS{Keys: []JWK{{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: p.kid,
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}}, nil
	default:
		return JWKS{}, fmt.Errorf("%w: unsupported public key type %T", ErrKeyMaterial, p.public)
	}
}
