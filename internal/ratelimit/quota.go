package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"invoice-agent/internal/clock"
	"invoice-agent/internal/domain"
	"invoice-agent/internal/logging"
	"invoice-agent/internal/metrics"
)

// DefaultFreeLimit is the monthly invoice allowance of the free tier.
const DefaultFreeLimit = 5

var ErrQuotaExceeded = errors.New("ratelimit: monthly invoice quota exceeded")

// CounterStore keeps one invoice counter per user and calendar month.
// IncrementBelow must be a single atomic conditional update: it increments
// and returns the new count only while the count is below limit, and reports
// ok=false without changing anything otherwise. A missing counter counts as 0.
type CounterStore interface {
	IncrementBelow(ctx context.Context, userID, period string, limit int) (count int, ok bool, err error)
	Decrement(ctx context.Context, userID, period string) error
	Count(ctx context.Context, userID, period string) (int, error)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Unlimited bool
	Tier      domain.Tier
	Period    string
	Count     int
	Limit     int
	Remaining int
	// ResetsAt is the start of the next period.
	ResetsAt time.Time
}

type QuotaOptions struct {
	FreeLimit int
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Quota enforces the monthly invoice allowance per tier.
type Quota struct {
	store     CounterStore
	freeLimit int
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewQuota(store CounterStore, opts QuotaOptions) (*Quota, error) {
	if store == nil {
		return nil, errors.New("ratelimit: counter store must not be nil")
	}
	if opts.FreeLimit <= 0 {
		opts.FreeLimit = DefaultFreeLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &Quota{
		store:     store,
		freeLimit: opts.FreeLimit,
		clock:     opts.Clock,
		log:       logging.OrNop(opts.Logger),
		metrics:   opts.Metrics,
	}, nil
}

// CheckAndIncrement consumes one invoice from the user's allowance for the
// current month. Pro users are always allowed and nothing is recorded. When
// the allowance is spent it returns ErrQuotaExceeded and leaves the count
// unchanged.
func (q *Quota) CheckAndIncrement(ctx context.Context, userID string, tier domain.Tier) (Decision, error) {
	if strings.TrimSpace(userID) == "" {
		return Decision{}, errors.New("ratelimit: user id must not be empty")
	}
	now := q.clock.Now()
	period, resets := domain.PeriodOf(now), nextPeriod(now)
	if tier == domain.TierPro {
		q.metrics.QuotaDecision(string(tier), true)
		return Decision{Allowed: true, Unlimited: true, Tier: tier, Period: period, ResetsAt: resets}, nil
	}

	count, ok, err := q.store.IncrementBelow(ctx, userID, period, q.freeLimit)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: increment %s: %w", period, err)
	}
	q.metrics.QuotaDecision(string(domain.TierFree), ok)
	if !ok {
		logging.WithContext(ctx, q.log).Info("monthly quota exhausted",
			zap.String("period", period), zap.Int("limit", q.freeLimit))
		return Decision{Tier: domain.TierFree, Period: period, Count: q.freeLimit, Limit: q.freeLimit, ResetsAt: resets}, ErrQuotaExceeded
	}
	return Decision{
		Allowed:   true,
		Tier:      domain.TierFree,
		Period:    period,
		Count:     count,
		Limit:     q.freeLimit,
		Remaining: max(q.freeLimit-count, 0),
		ResetsAt:  resets,
	}, nil
}

// Release returns a slot consumed by CheckAndIncrement when the invoice it
// was taken for could not be written.
func (q *Quota) Release(ctx context.Context, userID string, d Decision) error {
	if !d.Allowed || d.Unlimited {
		return nil
	}
	if err := q.store.Decrement(ctx, userID, d.Period); err != nil {
		return fmt.Errorf("ratelimit: release %s: %w", d.Period, err)
	}
	return nil
}

// Remaining reports the current allowance without consuming it.
func (q *Quota) Remaining(ctx context.Context, userID string, tier domain.Tier) (Decision, error) {
	now := q.clock.Now()
	period, resets := domain.PeriodOf(now), nextPeriod(now)
	if tier == domain.TierPro {
		return Decision{Allowed: true, Unlimited: true, Tier: tier, Period: period, ResetsAt: resets}, nil
	}
	count, err := q.store.Count(ctx, userID, period)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: count %s: %w", period, err)
	}
	remaining := max(q.freeLimit-count, 0)
	return Decision{
		Allowed:   remaining > 0,
		Tier:      domain.TierFree,
		Period:    period,
		Count:     count,
		Limit:     q.freeLimit,
		Remaining: remaining,
		ResetsAt:  resets,
	}, nil
}

func nextPeriod(now time.Time) time.Time {
	return domain.PeriodStart(now).AddDate(0, 1, 0)
}
