package session

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ActivityWindow counts a session's recent activity. Observe is called
// after the activity has been recorded and returns the count within the
// trailing window ending at at, including that activity.
type ActivityWindow interface {
	Observe(ctx context.Context, sessionID, activityID string, at time.Time, window time.Duration) (int, error)
}

// StoreWindow counts persisted activity rows.
type StoreWindow struct {
	store Store
}

// NewStoreWindow returns a window backed by store.
func NewStoreWindow(store Store) StoreWindow { return StoreWindow{store: store} }

// Observe counts rows at or after at-window.
func (w StoreWindow) Observe(ctx context.Context, sessionID, _ string, at time.Time, window time.Duration) (int, error) {
	return w.store.CountActivitySince(ctx, sessionID, at.Add(-window))
}

// RedisWindow keeps a per-session sorted set of activity timestamps so that
// several processes share one view of a session's request rate.
type RedisWindow struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisWindow returns a window using rdb. Keys are prefix + session id.
func NewRedisWindow(rdb redis.UniversalClient, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "astral:session:activity:"
	}
	return &RedisWindow{rdb: rdb, prefix: prefix}
}

// Observe adds the activity, trims entries older than the window, and
// returns the remaining count in one round trip.
func (w *RedisWindow) Observe(ctx context.Context, sessionID, activityID string, at time.Time, window time.Duration) (int, error) {
	key := w.prefix + sessionID
	cutoff := strconv.FormatInt(at.Add(-window).UnixMilli(), 10)

	pipe := w.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: activityID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}
