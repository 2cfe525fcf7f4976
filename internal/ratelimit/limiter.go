// Package ratelimit provides Redis-backed rate limiting using INCR + EXPIRE
// fixed windows. The widget uses it to throttle a visitor's outbound sends per
// session before they reach the backend.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:send:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleSend allows 5 visitor sends per 10 seconds per session.
var RuleSend = Rule{Key: "rl:send:", Limit: 5, Window: 10 * time.Second}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	rule   Rule
	logger *slog.Logger
}

// NewLimiter creates a Limiter enforcing rule, backed by the given Redis client.
func NewLimiter(client *redis.Client, rule Rule, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, rule: rule, logger: logger.With("component", "ratelimit")}
}

// Allow checks whether identifier is within the limiter's rule. It increments
// the counter in Redis and sets the expiry on first access.
//
// On Redis errors Allow fails open (returns true) so that a Redis outage
// never blocks a visitor from writing.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	key := l.rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", "key", key, "err", err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, l.rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", "key", key, "err", err)
			// Without a TTL the key would throttle the session forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= l.rule.Limit, nil
}

// Remaining returns the number of sends identifier has left in the current
// window. Returns the full limit if the key does not exist yet or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string) (int, error) {
	key := l.rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return l.rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("redis GET failed, failing open", "key", key, "err", err)
		return l.rule.Limit, err
	}

	remaining := l.rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
