// Package session is C3: the concurrent-session tracker. It backs the
// "concurrent sessions" rate-limiter window (C4) and the session-affinity
// step of the selector funnel (C5, "pinned provider"). State lives in Redis
// sorted sets so every proxy instance sees the same session count instead of
// each tracking an independent in-process tally.
package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long an opened session is counted if it is never
// explicitly closed (e.g. the client disconnected mid-stream without the
// proxy observing it) — spec §4.3, 30 minutes.
const DefaultTTL = 30 * time.Minute

// Tracker is the C3 session tracker.
type Tracker struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New builds a Tracker over redisClient.
func New(redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{redis: redisClient, ttl: ttl, logger: logger.With(zap.String("component", "session_tracker"))}
}

func keySet(keyID uint) string      { return "sess:key:" + uitoa(keyID) }
func providerSet(providerID uint) string { return "sess:provider:" + uitoa(providerID) }
func sessionHash(sessionID string) string { return "sess:h:" + sessionID }

func uitoa(v uint) string {
	if v == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

// OpenSession records sessionID as active for keyID/userID against
// providerID. Calling it again with the same sessionID (idempotent open) just
// refreshes the TTL and the pinned provider instead of counting a second
// concurrent session.
func (t *Tracker) OpenSession(ctx context.Context, sessionID string, keyID, userID, providerID uint) error {
	now := float64(time.Now().Unix())

	pipe := t.redis.TxPipeline()
	pipe.HSet(ctx, sessionHash(sessionID), map[string]any{
		"key_id":      keyID,
		"user_id":     userID,
		"provider_id": providerID,
		"opened_at":   int64(now),
	})
	pipe.Expire(ctx, sessionHash(sessionID), t.ttl)
	pipe.ZAdd(ctx, keySet(keyID), redis.Z{Score: now, Member: sessionID})
	pipe.Expire(ctx, keySet(keyID), t.ttl)
	pipe.ZAdd(ctx, providerSet(providerID), redis.Z{Score: now, Member: sessionID})
	pipe.Expire(ctx, providerSet(providerID), t.ttl)

	_, err := pipe.Exec(ctx)
	if err != nil {
		t.logger.Warn("open session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return err
}

// CloseSession removes sessionID from every set it was tracked in. Closing a
// session that was never opened (or already closed) is a no-op — counts
// never go negative.
func (t *Tracker) CloseSession(ctx context.Context, sessionID string) error {
	h := t.redis.HGetAll(ctx, sessionHash(sessionID)).Val()
	if len(h) == 0 {
		return nil
	}

	keyID := parseUint(h["key_id"])
	providerID := parseUint(h["provider_id"])

	pipe := t.redis.TxPipeline()
	pipe.Del(ctx, sessionHash(sessionID))
	pipe.ZRem(ctx, keySet(keyID), sessionID)
	pipe.ZRem(ctx, providerSet(providerID), sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

func parseUint(s string) uint {
	var v uint
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		v = v*10 + uint(c-'0')
	}
	return v
}

// CountByProvider returns the number of currently-open sessions pinned to
// providerID.
func (t *Tracker) CountByProvider(ctx context.Context, providerID uint) (int64, error) {
	t.evictExpired(ctx, providerSet(providerID))
	return t.redis.ZCard(ctx, providerSet(providerID)).Result()
}

// CountByKey returns the number of currently-open sessions for keyID — the
// value checked against Key.LimitConcurrentSessions.
func (t *Tracker) CountByKey(ctx context.Context, keyID uint) (int64, error) {
	t.evictExpired(ctx, keySet(keyID))
	return t.redis.ZCard(ctx, keySet(keyID)).Result()
}

// PinnedProvider returns the providerID of keyID's most recently opened
// still-live session, for the selector's session-affinity step (spec §4.5
// step 6). ok is false if keyID has no open sessions.
func (t *Tracker) PinnedProvider(ctx context.Context, keyID uint) (providerID uint, ok bool, err error) {
	t.evictExpired(ctx, keySet(keyID))
	members, err := t.redis.ZRevRange(ctx, keySet(keyID), 0, 0).Result()
	if err != nil || len(members) == 0 {
		return 0, false, err
	}
	h := t.redis.HGetAll(ctx, sessionHash(members[0])).Val()
	if len(h) == 0 {
		return 0, false, nil
	}
	return parseUint(h["provider_id"]), true, nil
}

// evictExpired drops members whose backing session hash has already expired
// (TTL elapsed without an explicit close), keeping ZCARD-derived counts
// accurate without waiting on a background sweep.
func (t *Tracker) evictExpired(ctx context.Context, setKey string) {
	members, err := t.redis.ZRange(ctx, setKey, 0, -1).Result()
	if err != nil || len(members) == 0 {
		return
	}
	var stale []string
	for _, m := range members {
		if t.redis.Exists(ctx, sessionHash(m)).Val() == 0 {
			stale = append(stale, m)
		}
	}
	if len(stale) > 0 {
		t.redis.ZRem(ctx, setKey, toAnySlice(stale)...)
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
