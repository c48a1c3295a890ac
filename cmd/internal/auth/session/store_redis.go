package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis for deployments that keep sessions
// out of Postgres.
//
// Layout (prefix defaults to "learnhub:"):
//
//	<prefix>sess:<id>        hash of session fields, times in unix ms
//	<prefix>sess:rt:<hash>   session id owning a refresh digest
//	<prefix>sess:user:<uid>  zset of session ids scored by created_at
//
// Keys carry no TTL. Prune is the only path that deletes them, so the
// newest KeepPerUser rows of a user survive however old they get.
//
// Every state transition runs as a Lua script so it is atomic on the
// server. The multi-session scripts touch keys they derive at run time and
// therefore assume a single Redis node (or a cluster-aware prefix).
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "learnhub:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) sessKey(id string) string     { return s.prefix + "sess:" + id }
func (s *RedisStore) rtKey(hash string) string     { return s.prefix + "sess:rt:" + hash }
func (s *RedisStore) userKey(userID string) string { return s.prefix + "sess:user:" + userID }

const createScript = `
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("SET", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
return 1
`

// KEYS[1] session hash. ARGV: now, reason, replaced_by, require_unexpired.
// Returns -1 missing, 0 unchanged, 1 transitioned.
const invalidateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
if redis.call("HGET", KEYS[1], "valid") ~= "1" then
  return 0
end
if ARGV[4] == "1" then
  local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
  if exp == nil or exp <= tonumber(ARGV[1]) then
    return 0
  end
end
redis.call("HSET", KEYS[1], "valid", "0", "invalidated_at", ARGV[1], "reason", ARGV[2])
if ARGV[3] ~= "" then
  redis.call("HSET", KEYS[1], "replaced_by", ARGV[3], "last_used_at", ARGV[1])
end
return 1
`

// KEYS[1] user zset. ARGV: session key prefix, now, reason, except id.
const invalidateAllScript = `
local n = 0
for _, id in ipairs(redis.call("ZRANGE", KEYS[1], 0, -1)) do
  if id ~= ARGV[4] then
    local k = ARGV[1] .. id
    if redis.call("HGET", k, "valid") == "1" then
      redis.call("HSET", k, "valid", "0", "invalidated_at", ARGV[2], "reason", ARGV[3])
      n = n + 1
    end
  end
end
return n
`

// KEYS[1] user zset. ARGV: session key prefix, refresh key prefix, keep,
// now, dead-before cutoff.
const pruneUserScript = `
local ids = redis.call("ZREVRANGE", KEYS[1], 0, -1)
local keep = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local cutoff = tonumber(ARGV[5])
local n = 0
for i, id in ipairs(ids) do
  local k = ARGV[1] .. id
  local h = redis.call("HMGET", k, "valid", "expires_at", "invalidated_at", "rt_hash")
  if not h[2] then
    redis.call("ZREM", KEYS[1], id)
  elseif i > keep then
    local exp = tonumber(h[2])
    local dead = h[1] ~= "1" or exp <= now
    local at = exp
    if h[3] then at = tonumber(h[3]) end
    if dead and at < cutoff then
      redis.call("DEL", k)
      if h[4] then redis.call("DEL", ARGV[2] .. h[4]) end
      redis.call("ZREM", KEYS[1], id)
      n = n + 1
    end
  end
end
if redis.call("ZCARD", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
end
return n
`

var (
	createLua        = redis.NewScript(createScript)
	invalidateLua    = redis.NewScript(invalidateScript)
	invalidateAllLua = redis.NewScript(invalidateAllScript)
	pruneUserLua     = redis.NewScript(pruneUserScript)
)

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Create stores a new session.
func (s *RedisStore) Create(ctx context.Context, row Session) error {
	rm := "0"
	if row.RememberMe {
		rm = "1"
	}
	args := []any{
		row.ID, ms(row.CreatedAt),
		"user_id", row.UserID,
		"rt_hash", row.RefreshTokenHash,
		"user_agent", row.UserAgent,
		"ip", row.IP,
		"remember_me", rm,
		"created_at", ms(row.CreatedAt),
		"last_used_at", ms(row.CreatedAt),
		"expires_at", ms(row.ExpiresAt),
		"valid", "1",
	}
	keys := []string{s.sessKey(row.ID), s.rtKey(row.RefreshTokenHash), s.userKey(row.UserID)}

	n, err := createLua.Run(ctx, s.rdb, keys, args...).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateSession
	}
	return nil
}

// FindByRefreshHash resolves a refresh digest to its session.
func (s *RedisStore) FindByRefreshHash(ctx context.Context, hash string) (Session, error) {
	id, err := s.rdb.Get(ctx, s.rtKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return s.FindByID(ctx, id)
}

// FindByID loads a session by id.
func (s *RedisStore) FindByID(ctx context.Context, sessionID string) (Session, error) {
	m, err := s.rdb.HGetAll(ctx, s.sessKey(sessionID)).Result()
	if err != nil {
		return Session{}, err
	}
	if len(m) == 0 {
		return Session{}, ErrSessionNotFound
	}
	return decodeRedisSession(sessionID, m)
}

// ListValidByUser returns usable sessions, newest first.
func (s *RedisStore) ListValidByUser(ctx context.Context, userID string, now time.Time) ([]Session, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.sessKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(ids))
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		row, err := decodeRedisSession(ids[i], m)
		if err != nil {
			return nil, err
		}
		if row.Usable(now) {
			out = append(out, row)
		}
	}
	return out, nil
}

// Invalidate runs the conditional flip server-side.
func (s *RedisStore) Invalidate(ctx context.Context, inv Invalidation) (bool, error) {
	req := "0"
	if inv.RequireUnexpired {
		req = "1"
	}
	n, err := invalidateLua.Run(ctx, s.rdb, []string{s.sessKey(inv.SessionID)},
		ms(inv.Now), string(inv.Reason), inv.ReplacedBy, req).Int64()
	if err != nil {
		return false, err
	}
	switch n {
	case -1:
		return false, ErrSessionNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// InvalidateAllForUser flips all of a user's valid sessions except one.
func (s *RedisStore) InvalidateAllForUser(ctx context.Context, userID, exceptSessionID string, now time.Time, reason Reason) (int64, error) {
	return invalidateAllLua.Run(ctx, s.rdb, []string{s.userKey(userID)},
		s.prefix+"sess:", ms(now), string(reason), exceptSessionID).Int64()
}

// Prune walks every user index and deletes dead sessions per policy.
func (s *RedisStore) Prune(ctx context.Context, p PrunePolicy) (int64, error) {
	var total int64
	iter := s.rdb.Scan(ctx, 0, s.prefix+"sess:user:*", 200).Iterator()
	for iter.Next(ctx) {
		n, err := pruneUserLua.Run(ctx, s.rdb, []string{iter.Val()},
			s.prefix+"sess:", s.prefix+"sess:rt:", p.KeepPerUser, ms(p.Now), ms(p.DeadBefore)).Int64()
		if err != nil {
			return total, err
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return total, err
	}
	return total, nil
}

func decodeRedisSession(id string, m map[string]string) (Session, error) {
	msTime := func(field string) (time.Time, error) {
		v, err := strconv.ParseInt(m[field], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("session %s: bad %s", id, field)
		}
		return time.UnixMilli(v).UTC(), nil
	}

	row := Session{
		ID:                  id,
		UserID:              m["user_id"],
		RefreshTokenHash:    m["rt_hash"],
		UserAgent:           m["user_agent"],
		IP:                  m["ip"],
		RememberMe:          m["remember_me"] == "1",
		Valid:               m["valid"] == "1",
		InvalidationReason:  Reason(m["reason"]),
		ReplacedBySessionID: m["replaced_by"],
	}

	var err error
	if row.CreatedAt, err = msTime("created_at"); err != nil {
		return Session{}, err
	}
	if row.LastUsedAt, err = msTime("last_used_at"); err != nil {
		return Session{}, err
	}
	if row.ExpiresAt, err = msTime("expires_at"); err != nil {
		return Session{}, err
	}
	if _, ok := m["invalidated_at"]; ok {
		at, err := msTime("invalidated_at")
		if err != nil {
			return Session{}, err
		}
		row.InvalidatedAt = &at
	}
	return row, nil
}
