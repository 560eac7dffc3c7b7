package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	algorithmID           = "argon2id"
)

// ErrHashFormat is returned when a stored hash cannot be parsed. Callers
// gating authentication should map it to a plain verification failure so the
// signal stays indistinguishable from a wrong password.
var ErrHashFormat = errors.New("unparseable password hash")

// Config defines a public type used by authgate APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher verifies presented secrets against stored one-way hashes using
// argon2id in PHC string format. It is stateless; the only I/O is reading
// the salt from crypto/rand when hashing.
type Hasher struct {
	config Config
}

type phcFields struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

// NewHasher describes the newhasher operation and its observable behavior.
//
// NewHasher may return an error when input validation, dependency calls, or security checks fail.
// NewHasher does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewHasher(cfg Config) (*Hasher, error) {
	if cfg.Memory < minMemoryKB {
		return nil, errors.New("password memory must be >= 8192 KB")
	}
	if cfg.Time < minTimeCost {
		return nil, errors.New("password time must be >= 1")
	}
	if cfg.Parallelism < minParallelism {
		return nil, errors.New("password parallelism must be >= 1")
	}
	if cfg.SaltLength < minSaltLength {
		return nil, errors.New("password salt length must be >= 16")
	}
	if cfg.KeyLength < minKeyLength {
		return nil, errors.New("password key length must be >= 16")
	}

	return &Hasher{config: cfg}, nil
}

// Hash derives a PHC-formatted argon2id hash from the plaintext secret.
//
// Hash may return an error when input validation, dependency calls, or security checks fail.
// Hash does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (h *Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.config.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key := argon2.IDKey(
		[]byte(secret),
		salt,
		h.config.Time,
		h.config.Memory,
		h.config.Parallelism,
		h.config.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.config.Memory,
		h.config.Time,
		h.config.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the hash with the stored parameters and compares in
// constant time. The plaintext secret is never logged or retained.
//
// Verify may return an error when input validation, dependency calls, or security checks fail.
// Verify does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (h *Hasher) Verify(secret, storedHash string) (bool, error) {
	fields, err := parsePHC(storedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(secret),
		fields.salt,
		fields.time,
		fields.memory,
		fields.parallelism,
		uint32(len(fields.hash)),
	)

	return subtle.ConstantTimeCompare(computed, fields.hash) == 1, nil
}

// NeedsUpgrade reports whether the stored hash was produced with weaker
// parameters than currently configured, so integrators can transparently
// re-hash after a successful login.
//
// NeedsUpgrade may return an error when input validation, dependency calls, or security checks fail.
// NeedsUpgrade does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (h *Hasher) NeedsUpgrade(storedHash string) (bool, error) {
	fields, err := parsePHC(storedHash)
	if err != nil {
		return false, err
	}

	switch {
	case h.config.Memory > fields.memory:
		return true, nil
	case h.config.Time > fields.time:
		return true, nil
	case h.config.Parallelism > fields.parallelism:
		return true, nil
	case h.config.KeyLength != uint32(len(fields.hash)):
		return true, nil
	}

	return false, nil
}

func parsePHC(storedHash string) (*phcFields, error) {
	parts := strings.Split(storedHash, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, fmt.Errorf("%w: wrong segment count", ErrHashFormat)
	}
	if parts[1] != algorithmID {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrHashFormat, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, fmt.Errorf("%w: missing version", ErrHashFormat)
	}
	if version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported argon2 version %d", ErrHashFormat, version)
	}

	fields := &phcFields{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &fields.memory, &fields.time, &fields.parallelism); err != nil {
		return nil, fmt.Errorf("%w: invalid parameters", ErrHashFormat)
	}
	if fields.memory < minMemoryKB || fields.time < minTimeCost || fields.parallelism < minParallelism {
		return nil, fmt.Errorf("%w: parameters below minimums", ErrHashFormat)
	}

	salt, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid salt encoding", ErrHashFormat)
	}
	if len(salt) < int(minSaltLength) {
		return nil, fmt.Errorf("%w: salt too short", ErrHashFormat)
	}
	fields.salt = salt

	hash, err := base64.StdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hash encoding", ErrHashFormat)
	}
	if len(hash) < int(minKeyLength) {
		return nil, fmt.Errorf("%w: hash too short", ErrHashFormat)
	}
	fields.hash = hash

	return fields, nil
}
