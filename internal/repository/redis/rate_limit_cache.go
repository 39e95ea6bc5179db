package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// KEYS[1] window set, ARGV[1] now ms, ARGV[2] window start ms, ARGV[3] limit,
// ARGV[4] window ms, ARGV[5] member.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

-- Remove expired entries
redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local current_count = redis.call('ZCARD', key)
if current_count < limit then
	redis.call('ZADD', key, now, ARGV[5])
	redis.call('PEXPIRE', key, ARGV[4])
	return {1, current_count + 1}
end
return {0, current_count}
`)

// RateLimitCache counts events per key inside a sliding window.
type RateLimitCache struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client, now: time.Now}
}

var _ model.SendLimiter = (*RateLimitCache)(nil)

// Allow records one event for key and reports whether it fits in the window.
// A non-positive limit disables limiting.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	allowed, count, err := c.SlidingWindowRateLimit(ctx, key, limit, window)
	if err != nil {
		return false, err
	}
	if !allowed {
		util.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Int("count", count),
			zap.Int("limit", limit))
	}
	return allowed, nil
}

func (c *RateLimitCache) SlidingWindowRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	now := c.now().UnixMilli()
	windowStart := now - window.Milliseconds()

	result, err := c.client.RunScript(ctx, slidingWindowScript, []string{rateLimitPrefix + key},
		now, windowStart, limit, window.Milliseconds(), uuid.NewString())
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}
	allowed, err := toInt64(resultSlice[0])
	if err != nil {
		return false, 0, err
	}
	current, err := toInt64(resultSlice[1])
	if err != nil {
		return false, 0, err
	}
	return allowed == 1, int(current), nil
}

// reset clears the window for key.
func (c *RateLimitCache) reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, rateLimitPrefix+key); err != nil {
		return fmt.Errorf("failed to reset rate limit counter: %w", err)
	}
	return nil
}
