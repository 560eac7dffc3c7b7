package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound   int64 = 0
	rotateStatusExpired    int64 = 1
	rotateStatusWrongOwner int64 = 2
	rotateStatusRotated    int64 = 3
	rotateStatusCorrupt    int64 = 4
	rotateStatusDuplicate  int64 = 5
)

// parseRecordLua mirrors the Go record codec in encoder.go so scripts can
// read the owner and expiry without a round trip.
const parseRecordLua = `
local function read_be64(s, i)
  local b1 = string.byte(s, i)
  local b2 = string.byte(s, i + 1)
  local b3 = string.byte(s, i + 2)
  local b4 = string.byte(s, i + 3)
  local b5 = string.byte(s, i + 4)
  local b6 = string.byte(s, i + 5)
  local b7 = string.byte(s, i + 6)
  local b8 = string.byte(s, i + 7)
  if not b8 then
    return nil
  end
  return ((((((((b1 * 256) + b2) * 256 + b3) * 256 + b4) * 256 + b5) * 256 + b6) * 256 + b7) * 256 + b8)
end

local function parse_record(data)
  local version = string.byte(data, 1)
  if version ~= 1 then
    return nil
  end
  local user_len = string.byte(data, 2)
  if not user_len or user_len == 0 then
    return nil
  end
  if #data ~= 2 + user_len + 16 then
    return nil
  end
  local user_id = string.sub(data, 3, 2 + user_len)
  local expires_at = read_be64(data, 2 + user_len + 9)
  if not expires_at then
    return nil
  end
  return { user_id = user_id, expires_at = expires_at }
end
`

const insertScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
local index_ttl = redis.call("PTTL", KEYS[2])
if index_ttl < tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
return 1
`

const replaceScript = `
local removed = 0
local olds = redis.call("SMEMBERS", KEYS[1])
for _, digest in ipairs(olds) do
  removed = removed + redis.call("DEL", ARGV[1] .. digest)
end
redis.call("DEL", KEYS[1])
redis.call("SET", KEYS[2], ARGV[3], "PX", ARGV[4])
redis.call("SADD", KEYS[1], ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return removed
`

const rotateScript = parseRecordLua + `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local rec = parse_record(data)
if not rec then
  return {4}
end
local user_key = ARGV[1] .. rec.user_id
if rec.expires_at <= tonumber(ARGV[6]) then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", user_key, ARGV[2])
  return {1}
end
if rec.user_id ~= ARGV[7] then
  return {2}
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return {5}
end
redis.call("DEL", KEYS[1])
redis.call("SREM", user_key, ARGV[2])
redis.call("SET", KEYS[2], ARGV[4], "PX", ARGV[5])
redis.call("SADD", user_key, ARGV[3])
redis.call("PEXPIRE", user_key, ARGV[5])
return {3}
`

const deleteScript = parseRecordLua + `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local rec = parse_record(data)
redis.call("DEL", KEYS[1])
if rec then
  redis.call("SREM", ARGV[1] .. rec.user_id, ARGV[2])
end
return 1
`

const deleteAllScript = `
local removed = 0
local members = redis.call("SMEMBERS", KEYS[1])
for _, digest in ipairs(members) do
  removed = removed + redis.call("DEL", ARGV[1] .. digest)
end
redis.call("DEL", KEYS[1])
return removed
`

var (
	insertLua    = redis.NewScript(insertScript)
	replaceLua   = redis.NewScript(replaceScript)
	rotateLua    = redis.NewScript(rotateScript)
	deleteLua    = redis.NewScript(deleteScript)
	deleteAllLua = redis.NewScript(deleteAllScript)
)

// RedisStore keeps the refresh-token whitelist in Redis. Records live under
// the token digest with a TTL matching their expiry; a per-user set indexes
// digests for DeleteAllForUser. Every mutation runs as a single Lua script,
// so concurrent logins and refreshes for one user fully serialize inside
// Redis.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedisStore creates a [RedisStore] using prefix as the key namespace.
//
// NewRedisStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ag"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) tokenKey(digest string) string {
	return s.prefix + ":t:" + digest
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

func (s *RedisStore) userPrefix() string {
	return s.prefix + ":u:"
}

func (s *RedisStore) tokenPrefix() string {
	return s.prefix + ":t:"
}

func ttlMillis(rec Record, now time.Time) (int64, error) {
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return 0, fmt.Errorf("record already expired")
	}
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return ms, nil
}

// Insert describes the insert operation and its observable behavior.
//
// Insert may return an error when input validation, dependency calls, or security checks fail.
// Insert does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *RedisStore) Insert(ctx context.Context, rec Record) error {
	blob, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	ms, err := ttlMillis(rec, time.Now())
	if err != nil {
		return err
	}

	digest := Digest(rec.Token)
	result, err := insertLua.Run(
		ctx,
		s.redis,
		[]string{s.tokenKey(digest), s.userKey(rec.UserID)},
		blob, ms, digest,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if result == 0 {
		return ErrDuplicateToken
	}
	return nil
}

// Find describes the find operation and its observable behavior.
//
// Find may return an error when input validation, dependency calls, or security checks fail.
// Find does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *RedisStore) Find(ctx context.Context, token string) (*Record, error) {
	digest := Digest(token)

	data, err := s.redis.Get(ctx, s.tokenKey(digest)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !rec.ExpiresAt.After(time.Now()) {
		// TTL should have reclaimed it already; treat as absent either way.
		return nil, ErrTokenNotFound
	}

	rec.Token = digest
	return rec, nil
}

// Delete describes the delete operation and its observable behavior.
//
// Delete may return an error when input validation, dependency calls, or security checks fail.
// Delete does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *RedisStore) Delete(ctx context.Context, token string) (bool, error) {
	digest := Digest(token)

	result, err := deleteLua.Run(
		ctx,
		s.redis,
		[]string{s.tokenKey(digest)},
		s.userPrefix(), digest,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return result == 1, nil
}

// DeleteAllForUser describes the deleteallforuser operation and its observable behavior.
//
// DeleteAllForUser may return an error when input validation, dependency calls, or security checks fail.
// DeleteAllForUser does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *RedisStore) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	result, err := deleteAllLua.Run(
		ctx,
		s.redis,
		[]string{s.userKey(userID)},
		s.tokenPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(result), nil
}

// Replace atomically evicts every record the user owns and installs rec in
// the same script invocation, enforcing the single-session policy even when
// two logins race.
//
// Replace may return an error when input validation, dependency calls, or security checks fail.
// Replace does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *RedisStore) Replace(ctx context.Context, rec Record) error {
	blob, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	ms, err := ttlMillis(rec, time.Now())
	if err != nil {
		return err
	}

	digest := Digest(rec.Token)
	_, err = replaceLua.Run(
		ctx,
		s.redis,
		[]string{s.userKey(rec.UserID), s.tokenKey(digest)},
		s.tokenPrefix(), digest, blob, ms,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Rotate atomically consumes the old token and installs the new record via
// a Lua compare-and-consume script. Exactly one of any number of concurrent
// rotations for the same old token wins; the rest observe ErrTokenNotFound,
// which is the reuse signal.
//
// Rotate may return an error when input validation, dependency calls, or security checks fail.
// Rotate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *RedisStore) Rotate(ctx context.Context, oldToken string, rec Record) error {
	blob, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	now := time.Now()
	ms, err := ttlMillis(rec, now)
	if err != nil {
		return err
	}

	oldDigest := Digest(oldToken)
	newDigest := Digest(rec.Token)

	result, err := rotateLua.Run(
		ctx,
		s.redis,
		[]string{s.tokenKey(oldDigest), s.tokenKey(newDigest)},
		s.userPrefix(), oldDigest, newDigest, blob, ms, now.Unix(), rec.UserID,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return fmt.Errorf("%w: invalid rotate script response", ErrStoreUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return fmt.Errorf("%w: invalid rotate script status", ErrStoreUnavailable)
	}

	switch code {
	case rotateStatusNotFound, rotateStatusExpired, rotateStatusWrongOwner:
		return ErrTokenNotFound
	case rotateStatusRotated:
		return nil
	case rotateStatusDuplicate:
		return ErrDuplicateToken
	case rotateStatusCorrupt:
		return fmt.Errorf("%w: corrupt record blob", ErrStoreUnavailable)
	default:
		return fmt.Errorf("%w: unknown rotate script status %d", ErrStoreUnavailable, code)
	}
}

// PurgeExpired prunes index entries whose token keys Redis already reclaimed
// by TTL, and drops empty index sets. Token keys themselves never outlive
// their expiry, so this sweep only reclaims index storage.
//
// PurgeExpired may return an error when input validation, dependency calls, or security checks fail.
// PurgeExpired does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	pattern := s.userPrefix() + "*"
	var (
		cursor uint64
		pruned int
	)

	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 250).Result()
		if err != nil {
			return pruned, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		for _, userKey := range keys {
			n, err := s.pruneIndex(ctx, userKey)
			if err != nil {
				return pruned, err
			}
			pruned += n
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return pruned, nil
}

func (s *RedisStore) pruneIndex(ctx context.Context, userKey string) (int, error) {
	digests, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(digests) == 0 {
		return 0, nil
	}

	pipe := s.redis.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(digests))
	for i, digest := range digests {
		existsCmds[i] = pipe.Exists(ctx, s.tokenKey(digest))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	stale := make([]interface{}, 0, len(digests))
	for i, cmd := range existsCmds {
		v, cmdErr := cmd.Result()
		if cmdErr != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, cmdErr)
		}
		if v == 0 {
			stale = append(stale, digests[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := s.redis.SRem(ctx, userKey, stale...).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return len(stale), nil
}
