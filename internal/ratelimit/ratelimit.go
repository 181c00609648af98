// Package ratelimit bounds requests per caller. With Redis configured the limit
// is shared by every replica; otherwise each process keeps its own buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"dms/internal/apperr"
	"dms/internal/config"
)

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// New picks the limiter for cfg: Noop when disabled, Redis when a URL is set,
// Local otherwise.
func New(ctx context.Context, cfg config.RateLimitConfig, redisCfg config.RedisConfig) (Limiter, error) {
	window := time.Duration(cfg.WindowSec) * time.Second
	switch {
	case !cfg.Enabled || cfg.Requests <= 0 || window <= 0:
		return Noop{}, nil
	case redisCfg.URL != "":
		return NewRedis(ctx, redisCfg.URL, cfg.Requests, window)
	default:
		return NewLocal(cfg.Requests, window), nil
	}
}

// slidingWindow trims entries older than the window and admits the request when
// fewer than limit remain. KEYS[1] is the bucket; ARGV is now, window start,
// limit, member and TTL in seconds.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)
local current = redis.call('ZCARD', key)
if current < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('EXPIRE', key, tonumber(ARGV[5]))
	return 1
end
return 0
`)

// Redis is a sliding-window limiter stored in sorted sets.
type Redis struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedis connects to url and checks the connection.
func NewRedis(ctx context.Context, url string, limit int, window time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisFromClient(client, limit, window, time.Now), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, limit int, window time.Duration, now func() time.Time) *Redis {
	return &Redis{client: client, limit: limit, window: window, now: now}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixNano()
	ttl := int64(r.window/time.Second) + 1

	res, err := slidingWindow.Run(ctx, r.client, []string{"dms:ratelimit:" + key},
		now, now-r.window.Nanoseconds(), r.limit, uuid.NewString(), ttl).Int()
	if err != nil {
		return false, apperr.Transient(fmt.Errorf("rate limit check failed: %w", err))
	}
	return res == 1, nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return apperr.Transient(err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Local keeps one token bucket per key in process memory. Buckets refill at
// limit per window with a burst of limit. A bucket untouched for a whole window
// is full again, so it is dropped and recreated on the next request.
type Local struct {
	limit  rate.Limit
	burst  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLocal returns an in-process limiter.
func NewLocal(limit int, window time.Duration) *Local {
	return &Local{
		limit:   rate.Limit(float64(limit) / window.Seconds()),
		burst:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	l.evictIdle(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1), nil
}

// evictIdle runs at most once per window. Callers hold l.mu.
func (l *Local) evictIdle(now time.Time) {
	if now.Sub(l.swept) < l.window {
		return
	}
	l.swept = now
	for key, b := range l.buckets {
		if now.Sub(b.seen) >= l.window {
			delete(l.buckets, key)
		}
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buckets)
	return nil
}

// Noop admits every request.
type Noop struct{}

func (Noop) Allow(context.Context, string) (bool, error) { return true, nil }

func (Noop) Close() error { return nil }
