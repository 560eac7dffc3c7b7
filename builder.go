package authgate

import (
	"crypto"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ashmida/authgate/jwt"
	"github.com/ashmida/authgate/keyset"
	"github.com/ashmida/authgate/password"
	"github.com/ashmida/authgate/registry"
)

// Builder defines a public type used by authgate APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config

	redis    redis.UniversalClient
	postgres *pgxpool.Pool
	store    registry.Store

	credentials CredentialStore
	auditSink   AuditSink

	built bool
}

// New describes the new operation and its observable behavior.
//
// New may return an error when input validation, dependency calls, or security checks fail.
// New does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig describes the withconfig operation and its observable behavior.
//
// WithConfig may return an error when input validation, dependency calls, or security checks fail.
// WithConfig does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis describes the withredis operation and its observable behavior.
//
// WithRedis may return an error when input validation, dependency calls, or security checks fail.
// WithRedis does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPostgres describes the withpostgres operation and its observable behavior.
//
// WithPostgres may return an error when input validation, dependency calls, or security checks fail.
// WithPostgres does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithPostgres(pool *pgxpool.Pool) *Builder {
	b.postgres = pool
	return b
}

// WithRegistry installs a caller-supplied registry backend instead of the
// built-in Redis or Postgres stores.
func (b *Builder) WithRegistry(store registry.Store) *Builder {
	b.store = store
	return b
}

// WithCredentialStore describes the withcredentialstore operation and its observable behavior.
//
// WithCredentialStore may return an error when input validation, dependency calls, or security checks fail.
// WithCredentialStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithCredentialStore(cs CredentialStore) *Builder {
	b.credentials = cs
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
//
// WithAuditSink may return an error when input validation, dependency calls, or security checks fail.
// WithAuditSink does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithMetricsEnabled describes the withmetricsenabled operation and its observable behavior.
//
// WithMetricsEnabled may return an error when input validation, dependency calls, or security checks fail.
// WithMetricsEnabled does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms describes the withlatencyhistograms operation and its observable behavior.
//
// WithLatencyHistograms may return an error when input validation, dependency calls, or security checks fail.
// WithLatencyHistograms does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build may return an error when input validation, dependency calls, or security checks fail.
// Build does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.credentials == nil {
		return nil, errors.New("credential store required")
	}

	// -------- REGISTRY BACKEND --------
	var store registry.Store
	switch {
	case b.store != nil:
		if b.redis != nil || b.postgres != nil {
			return nil, errors.New("WithRegistry is mutually exclusive with WithRedis/WithPostgres")
		}
		store = b.store
	case b.redis != nil && b.postgres != nil:
		return nil, errors.New("configure either redis or postgres, not both")
	case b.redis != nil:
		store = registry.NewRedisStore(b.redis, cfg.Registry.RedisPrefix)
	case b.postgres != nil:
		store = registry.NewPostgresStore(b.postgres)
	default:
		return nil, errors.New("registry backend required")
	}

	// -------- SIGNING KEYS --------
	keys, err := keyset.NewProvider(keyset.Config{
		Algorithm:      cfg.Keys.Algorithm,
		PrivateKeyPEM:  cloneBytes(cfg.Keys.PrivateKeyPEM),
		PrivateKeyFile: cfg.Keys.PrivateKeyFile,
		KeyID:          cfg.Keys.KeyID,
	})
	if err != nil {
		return nil, err
	}

	var verifyKeys map[string]crypto.PublicKey
	if len(cfg.Keys.VerifyKeysPEM) > 0 {
		verifyKeys = make(map[string]crypto.PublicKey, len(cfg.Keys.VerifyKeysPEM)+1)
		for kid, pemBytes := range cfg.Keys.VerifyKeysPEM {
			pub, err := keyset.ParsePublicKeyPEM(keys.Algorithm(), pemBytes)
			if err != nil {
				return nil, fmt.Errorf("verify key %q: %w", kid, err)
			}
			verifyKeys[kid] = pub
		}
		pub, kid := keys.PublicKey()
		verifyKeys[kid] = pub
	}

	// -------- TOKEN CODEC --------
	pub, kid := keys.PublicKey()
	codec, err := jwt.NewManager(jwt.Config{
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
		Algorithm:  keys.Algorithm().JOSEName(),
		PrivateKey: keys.PrivateKey(),
		PublicKey:  pub,
		KeyID:      kid,
		VerifyKeys: verifyKeys,
		Issuer:     cfg.Token.Issuer,
		Audience:   cfg.Token.Audience,
		Leeway:     cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}

	// -------- PASSWORD HASHER --------
	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:      cfg,
		keys:        keys,
		codec:       codec,
		hasher:      hasher,
		store:       store,
		credentials: b.credentials,
		audit:       newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:     NewMetrics(cfg.Metrics),
	}
	engine.flows = engine.buildFlows()
	engine.startPurgeLoop()

	b.built = true

	return engine, nil
}
