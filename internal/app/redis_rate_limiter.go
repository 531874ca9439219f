package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitScope names a throttled action. Each scope keeps its own counters.
type RateLimitScope string

// ScopeOTPIssue throttles how often a customer may request a fresh code.
const ScopeOTPIssue RateLimitScope = "otp_issue"

// RateLimitRule allows at most Limit hits per subject in each Window.
type RateLimitRule struct {
	Scope  RateLimitScope
	Limit  int
	Window time.Duration
}

func (r RateLimitRule) enabled() bool {
	return strings.TrimSpace(string(r.Scope)) != "" && r.Limit > 0 && r.Window > 0
}

// RateLimitDecision is the limiter's verdict for one hit.
type RateLimitDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the wait up to whole seconds, never below one.
func (d RateLimitDecision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// RateLimiter records a hit for subject under rule and reports whether it is allowed.
type RateLimiter interface {
	Allow(ctx context.Context, rule RateLimitRule, subject string) (RateLimitDecision, error)
}

// Rejected hits are not counted, so a client hammering the endpoint does not extend its own ban.
var allowHitScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= limit then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], window)
    ttl = window
  end
  return {0, current, ttl}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], window)
end
return {1, current, redis.call("PTTL", KEYS[1])}
`)

// RedisRateLimiter implements distributed fixed-window rate limiting using Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger"
	}
	return &RedisRateLimiter{client: client, prefix: trimmedPrefix + ":rate_limit"}
}

func (r *RedisRateLimiter) key(scope RateLimitScope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
}

func (r *RedisRateLimiter) Allow(ctx context.Context, rule RateLimitRule, subject string) (RateLimitDecision, error) {
	subject = strings.TrimSpace(subject)
	if r == nil || r.client == nil || !rule.enabled() || subject == "" {
		return RateLimitDecision{Allowed: true}, nil
	}

	windowMs := rule.Window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := allowHitScript.Run(ctx, r.client, []string{r.key(rule.Scope, subject)}, rule.Limit, windowMs).Int64Slice()
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit %s: %w", rule.Scope, err)
	}
	if len(raw) != 3 {
		return RateLimitDecision{}, fmt.Errorf("rate limit %s: unexpected reply length %d", rule.Scope, len(raw))
	}

	ttl := time.Duration(raw[2]) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Duration(windowMs) * time.Millisecond
	}
	remaining := rule.Limit - int(raw[1])
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitDecision{
		Allowed:    raw[0] == 1,
		Remaining:  remaining,
		RetryAfter: ttl,
	}, nil
}
