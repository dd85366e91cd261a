package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"invoice-agent/internal/metrics"
)

type fakeRedis struct {
	counts map[string]int64
	keys   []string
	args   []interface{}
	err    error
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.keys = keys
	f.args = args
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[keys[0]]++
	return redis.NewCmdResult([]interface{}{f.counts[keys[0]], int64(1_800_000)}, nil)
}

func TestThrottle_AllowsUpToLimit(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	fake := &fakeRedis{}
	th := NewThrottle(fake, 3, time.Hour, m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := th.Allow(ctx, "user-1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, 2-i, res.Remaining)
	}
	res, err := th.Allow(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 30*time.Minute, res.RetryAfter)

	require.Equal(t, []string{"invoice-agent:throttle:user-1"}, fake.keys)
	require.Equal(t, []interface{}{int64(3_600_000)}, fake.args)

	other, err := th.Allow(ctx, "user-2")
	require.NoError(t, err)
	require.True(t, other.Allowed)
}

func TestThrottle_NilAllowsEverything(t *testing.T) {
	th := NewThrottle(nil, 1, time.Hour, nil)
	require.Nil(t, th)
	res, err := th.Allow(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestThrottle_RedisErrorSurfaces(t *testing.T) {
	th := NewThrottle(&fakeRedis{err: errors.New("connection refused")}, 0, 0, nil)
	_, err := th.Allow(context.Background(), "user-1")
	require.Error(t, err)
	require.Equal(t, DefaultThrottleLimit, th.limit)
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient("")
	require.Error(t, err)

	c, err := NewRedisClient("redis://localhost:6379/2")
	require.NoError(t, err)
	require.Equal(t, 2, c.Options().DB)

	c, err = NewRedisClient("localhost:6380")
	require.NoError(t, err)
	require.Equal(t, "localhost:6380", c.Options().Addr)
}
