package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"invoice-agent/internal/clock"
	"invoice-agent/internal/domain"
	"invoice-agent/internal/metrics"
)

type memoryCounters struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func newMemoryCounters() *memoryCounters {
	return &memoryCounters{counts: map[string]int{}}
}

func (m *memoryCounters) IncrementBelow(_ context.Context, userID, period string, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, false, m.err
	}
	key := userID + "/" + period
	if m.counts[key] >= limit {
		return m.counts[key], false, nil
	}
	m.counts[key]++
	return m.counts[key], true, nil
}

func (m *memoryCounters) Decrement(_ context.Context, userID, period string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "/" + period
	if m.counts[key] > 0 {
		m.counts[key]--
	}
	return nil
}

func (m *memoryCounters) Count(_ context.Context, userID, period string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[userID+"/"+period], m.err
}

func newTestQuota(t *testing.T, store CounterStore, clk clock.Clock) *Quota {
	t.Helper()
	q, err := NewQuota(store, QuotaOptions{FreeLimit: 5, Clock: clk, Metrics: metrics.New(prometheus.NewRegistry())})
	require.NoError(t, err)
	return q
}

func TestQuota_FreeTierSixthCallExceeded(t *testing.T) {
	store := newMemoryCounters()
	q := newTestQuota(t, store, clock.NewFake(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := q.CheckAndIncrement(ctx, "user-1", domain.TierFree)
		require.NoError(t, err, "call %d", i)
		require.True(t, d.Allowed)
		require.Equal(t, i, d.Count)
		require.Equal(t, 5-i, d.Remaining)
	}

	d, err := q.CheckAndIncrement(ctx, "user-1", domain.TierFree)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.False(t, d.Allowed)
	require.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), d.ResetsAt)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, 5, store.counts["user-1/2026-10"], "rejected call must not change the count")
}

func TestQuota_ProTierUnlimitedWithoutState(t *testing.T) {
	store := newMemoryCounters()
	q := newTestQuota(t, store, clock.NewFake(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)))

	for i := 0; i < 100; i++ {
		d, err := q.CheckAndIncrement(context.Background(), "user-pro", domain.TierPro)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.True(t, d.Unlimited)
	}
	require.Empty(t, store.counts)
}

func TestQuota_NewMonthResetsLazily(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 10, 31, 23, 0, 0, 0, time.UTC))
	store := newMemoryCounters()
	q := newTestQuota(t, store, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.CheckAndIncrement(ctx, "user-1", domain.TierFree)
		require.NoError(t, err)
	}
	_, err := q.CheckAndIncrement(ctx, "user-1", domain.TierFree)
	require.ErrorIs(t, err, ErrQuotaExceeded)

	clk.Advance(2 * time.Hour)
	d, err := q.CheckAndIncrement(ctx, "user-1", domain.TierFree)
	require.NoError(t, err)
	require.Equal(t, "2026-11", d.Period)
	require.Equal(t, 1, d.Count)
}

func TestQuota_ConcurrentCallsNeverExceedLimit(t *testing.T) {
	q := newTestQuota(t, newMemoryCounters(), clock.NewFake(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.CheckAndIncrement(context.Background(), "user-1", domain.TierFree); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 5, allowed)
}

func TestQuota_ReleaseAndRemaining(t *testing.T) {
	store := newMemoryCounters()
	q := newTestQuota(t, store, clock.NewFake(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	d, err := q.CheckAndIncrement(ctx, "user-1", domain.TierFree)
	require.NoError(t, err)
	rem, err := q.Remaining(ctx, "user-1", domain.TierFree)
	require.NoError(t, err)
	require.Equal(t, 4, rem.Remaining)

	require.NoError(t, q.Release(ctx, "user-1", d))
	rem, err = q.Remaining(ctx, "user-1", domain.TierFree)
	require.NoError(t, err)
	require.Equal(t, 5, rem.Remaining)

	require.NoError(t, q.Release(ctx, "user-1", Decision{Allowed: true, Unlimited: true}))
	rem, err = q.Remaining(ctx, "user-pro", domain.TierPro)
	require.NoError(t, err)
	require.True(t, rem.Unlimited)
}

func TestQuota_StoreErrorSurfaces(t *testing.T) {
	store := newMemoryCounters()
	store.err = errors.New("throughput exceeded")
	q := newTestQuota(t, store, clock.NewFake(time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)))

	_, err := q.CheckAndIncrement(context.Background(), "user-1", domain.TierFree)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrQuotaExceeded)
}

func TestNewQuota_Validation(t *testing.T) {
	_, err := NewQuota(nil, QuotaOptions{})
	require.Error(t, err)

	q, err := NewQuota(newMemoryCounters(), QuotaOptions{})
	require.NoError(t, err)
	require.Equal(t, DefaultFreeLimit, q.freeLimit)

	_, err = q.CheckAndIncrement(context.Background(), " ", domain.TierFree)
	require.Error(t, err)
}
