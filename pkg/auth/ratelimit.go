package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether an authenticated caller may proceed. A
// rejection should be a *RateLimitError so the caller learns when to retry.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// RateLimitError rejects a request. It matches ErrTooManyRequests.
type RateLimitError struct {
	Tier       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v for tier %q, retry in %s", ErrTooManyRequests, e.Tier, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrTooManyRequests }

// TierConfig is the budget of one service tier. A non-positive
// RequestsPerMinute means unlimited. Burst defaults to RequestsPerMinute.
type TierConfig struct {
	RequestsPerMinute int
	Burst             int
}

func (tc TierConfig) newBucket() *rate.Limiter {
	burst := tc.Burst
	if burst <= 0 {
		burst = tc.RequestsPerMinute
	}
	return rate.NewLimiter(rate.Limit(float64(tc.RequestsPerMinute)/60), burst)
}

// BucketLimiter keeps a token bucket per owner and tier. The owner is the
// tenant when there is one, so all users of a tenant share a budget, and
// the subject otherwise.
type BucketLimiter struct {
	tiers    map[string]TierConfig
	fallback TierConfig

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewBucketLimiter limits tiers missing from tiers to defaultRPM.
func NewBucketLimiter(tiers map[string]TierConfig, defaultRPM int) *BucketLimiter {
	return &BucketLimiter{
		tiers:    tiers,
		fallback: TierConfig{RequestsPerMinute: defaultRPM},
		buckets:  make(map[string]*rate.Limiter),
	}
}

func (l *BucketLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.ServiceTier
	if tier == "" {
		tier = "default"
	}
	tc, ok := l.tiers[tier]
	if !ok {
		tc = l.fallback
	}
	if tc.RequestsPerMinute <= 0 {
		return nil
	}

	owner := identity.TenantID()
	if owner == "" {
		owner = identity.Subject
	}
	bucket := l.bucket(owner+"\x00"+tier, tc)

	now := time.Now()
	res := bucket.ReserveN(now, 1)
	if !res.OK() {
		return &RateLimitError{Tier: tier, RetryAfter: time.Minute}
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return &RateLimitError{Tier: tier, RetryAfter: d}
	}
	return nil
}

func (l *BucketLimiter) bucket(key string, tc TierConfig) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = tc.newBucket()
		l.buckets[key] = b
	}
	return b
}
