package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/webhook-indexer/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const redisCallTimeout = 250 * time.Millisecond

// RedisLimiter is a fixed-window limiter shared by every process that points
// at the same Redis. Each key gets Tokens acquisitions per Interval window.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	def    Rule
	rules  map[string]Rule
	now    func() time.Time
	logger *slog.Logger
}

func NewRedisLimiter(client *redis.Client, prefix string, def Rule, rules map[string]Rule, logger *slog.Logger) *RedisLimiter {
	if !def.valid() {
		def = DefaultRule
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	if logger == nil {
		logger = slog.Default()
	}
	copied := make(map[string]Rule, len(rules))
	for k, v := range rules {
		if v.valid() {
			copied[k] = v
		}
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		def:    def,
		rules:  copied,
		now:    time.Now,
		logger: logger.With("component", "ratelimit"),
	}
}

// Acquire increments the counter of the current window. Redis errors refuse
// the token so callers defer instead of hammering the provider.
func (l *RedisLimiter) Acquire(key string) bool {
	rule, ok := l.rules[key]
	if !ok {
		rule = l.def
	}
	window := l.now().UnixMilli() / rule.Interval.Milliseconds()
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, window)

	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, rule.Interval)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("redis rate limit check failed", "key", key, "error", err)
		metrics.RateLimitRefusals.WithLabelValues(key).Inc()
		return false
	}

	if incr.Val() > int64(rule.Tokens) {
		metrics.RateLimitRefusals.WithLabelValues(key).Inc()
		return false
	}
	return true
}
