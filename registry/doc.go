// Package registry implements the persisted whitelist of currently-valid
// refresh tokens. The registry, not the token signature, is the source of
// truth for liveness: a refresh token absent from the registry is invalid
// even while its signature and expiry still check out.
//
// Two backends are provided. RedisStore serializes per-user mutations inside
// Lua scripts; PostgresStore serializes them with transactions over the
// (token, user_id, expires_at, created_at) table. Both key records by the
// SHA-256 digest of the token string so raw tokens are never persisted.
package registry
