package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"invoice-agent/internal/metrics"
)

const (
	DefaultThrottleLimit  = 100
	DefaultThrottleWindow = time.Hour

	throttleKeyPrefix = "invoice-agent:throttle:"
)

// fixedWindowScript counts a request and starts the window on the first one.
// Returns {count, remaining window in ms}.
const fixedWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// Evaler is the part of a redis client the throttle needs.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// ThrottleResult describes one throttle check.
type ThrottleResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Throttle caps requests per user over a fixed window. A nil *Throttle
// allows everything.
type Throttle struct {
	client  Evaler
	limit   int
	window  time.Duration
	metrics *metrics.Metrics
}

func NewThrottle(client Evaler, limit int, window time.Duration, m *metrics.Metrics) *Throttle {
	if client == nil {
		return nil
	}
	if limit <= 0 {
		limit = DefaultThrottleLimit
	}
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &Throttle{client: client, limit: limit, window: window, metrics: m}
}

// NewRedisClient builds a client from a redis:// URL, or a bare host:port.
func NewRedisClient(url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("ratelimit: redis url must not be empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return redis.NewClient(&redis.Options{Addr: url}), nil
	}
	return redis.NewClient(opt), nil
}

func (t *Throttle) Allow(ctx context.Context, userID string) (ThrottleResult, error) {
	if t == nil {
		return ThrottleResult{Allowed: true}, nil
	}
	if userID == "" {
		return ThrottleResult{}, errors.New("ratelimit: throttle key is empty")
	}

	vals, err := t.client.Eval(ctx, fixedWindowScript, []string{throttleKeyPrefix + userID},
		t.window.Milliseconds()).Int64Slice()
	if err != nil {
		return ThrottleResult{}, fmt.Errorf("ratelimit: throttle eval: %w", err)
	}
	if len(vals) < 2 {
		return ThrottleResult{}, errors.New("ratelimit: invalid throttle script response")
	}

	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	res := ThrottleResult{
		Allowed:   count <= t.limit,
		Limit:     t.limit,
		Remaining: max(t.limit-count, 0),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		t.metrics.Throttled()
	}
	return res, nil
}
