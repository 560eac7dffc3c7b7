// Package authgate provides a token-based session lifecycle engine with
// asymmetrically signed JWT access tokens, single-use rotating refresh
// tokens, argon2id credential verification, and a persisted refresh-token
// registry backed by Redis or Postgres.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authgate is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (TokenPair, AuthResult, MetricsSnapshot, AuditEvent). Flow
// orchestration lives under internal/ and is never exported; key loading,
// token encoding, password hashing, and registry storage live in the keyset,
// jwt, password, and registry sub-packages.
//
// # Security contract
//
//   - The engine never persists or logs plaintext passwords or raw token
//     strings; the registry keys records by token digest.
//   - Failed logins are indistinguishable between unknown users and wrong
//     passwords.
//   - A refresh token verifies at most once: rotation atomically consumes the
//     presented record, and any later presentation reports [ErrRefreshReuse].
//
// # Performance contract
//
// VerifyAccessToken is the hot path. It is stateless — signature and expiry
// checks only, no registry round-trip. Login, Refresh, and Logout are allowed
// one registry round-trip per call.
package authgate
