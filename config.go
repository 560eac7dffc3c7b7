package authgate

import (
	"errors"
	"time"

	"github.com/ashmida/authgate/keyset"
)

// Config defines a public type used by authgate APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Keys     KeysConfig
	Token    TokenConfig
	Password PasswordConfig
	Registry RegistryConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

/*
====================================
KEYS CONFIG
====================================
*/

// KeysConfig defines a public type used by authgate APIs.
//
// KeysConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type KeysConfig struct {
	// Algorithm selects the asymmetric scheme: keyset.AlgEdDSA (default) or
	// keyset.AlgRS256. Shared-secret schemes are intentionally unsupported so
	// external services can verify tokens holding only the public key.
	Algorithm keyset.Algorithm

	// PrivateKeyPEM holds inline PEM key material; PrivateKeyFile loads it
	// from disk instead. Exactly one must be set.
	PrivateKeyPEM  []byte
	PrivateKeyFile string

	// KeyID overrides the fingerprint-derived kid.
	KeyID string

	// VerifyKeysPEM maps additional kids to public key PEM so tokens signed
	// by a prior deploy's key verify during a rollover window.
	VerifyKeysPEM map[string][]byte
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig defines a public type used by authgate APIs.
//
// TokenConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type TokenConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Audience   string

	// Leeway tolerates small clock skew during verification. Bounded to two
	// minutes by validation.
	Leeway time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig defines a public type used by authgate APIs.
//
// PasswordConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
REGISTRY CONFIG
====================================
*/

// RegistryConfig defines a public type used by authgate APIs.
//
// RegistryConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type RegistryConfig struct {
	// RedisPrefix namespaces registry keys when the Redis backend is used.
	RedisPrefix string

	// OpTimeout bounds every registry call issued by the engine. On timeout
	// the engine surfaces ErrStorageUnavailable rather than assuming the
	// write happened.
	OpTimeout time.Duration

	// PurgeInterval enables the background expiry sweep when positive. The
	// sweep reclaims storage only; expired tokens are rejected at
	// verification regardless.
	PurgeInterval time.Duration
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig defines a public type used by authgate APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int

	// DropIfFull sheds events instead of blocking the request path when the
	// buffer is saturated. Dropped counts are observable via Engine.AuditDropped.
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig defines a public type used by authgate APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		Keys: KeysConfig{
			Algorithm: keyset.AlgEdDSA,
		},
		Token: TokenConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Leeway:     10 * time.Second,
		},
		Password: PasswordConfig{
			Memory:      19 * 1024,
			Time:        2,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
		Registry: RegistryConfig{
			RedisPrefix: "ag",
			OpTimeout:   3 * time.Second,
		},
		Audit: AuditConfig{
			BufferSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Config) Validate() error {
	if c.Token.AccessTTL <= 0 {
		return errors.New("Token.AccessTTL must be positive")
	}
	if c.Token.RefreshTTL <= 0 {
		return errors.New("Token.RefreshTTL must be positive")
	}
	if c.Token.RefreshTTL < c.Token.AccessTTL {
		return errors.New("Token.RefreshTTL must not be shorter than Token.AccessTTL")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token.Leeway must be between 0 and 2 minutes")
	}
	if c.Registry.OpTimeout <= 0 {
		return errors.New("Registry.OpTimeout must be positive")
	}
	if c.Registry.PurgeInterval < 0 {
		return errors.New("Registry.PurgeInterval must not be negative")
	}
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit.BufferSize must be positive when audit is enabled")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Keys.PrivateKeyPEM = cloneBytes(cfg.Keys.PrivateKeyPEM)
	if cfg.Keys.VerifyKeysPEM != nil {
		out.Keys.VerifyKeysPEM = make(map[string][]byte, len(cfg.Keys.VerifyKeysPEM))
		for kid, pem := range cfg.Keys.VerifyKeysPEM {
			out.Keys.VerifyKeysPEM[kid] = cloneBytes(pem)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
