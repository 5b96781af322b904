package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/rhuss/schaubild/pkg/debug"
)

// RetryOptions bounds retries of retryable backend errors.
type RetryOptions struct {
	// MaxRetries is the number of extra attempts after the first call.
	MaxRetries int

	// Interval is the minimum spacing between attempts.
	Interval time.Duration
}

// WithRetry wraps p so that retryable errors are retried up to
// opts.MaxRetries times. A zero MaxRetries returns p unchanged.
func WithRetry(p Provider, opts RetryOptions) Provider {
	if opts.MaxRetries <= 0 {
		return p
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &retrying{Provider: p, opts: opts}
}

type retrying struct {
	Provider
	opts RetryOptions
}

func (r *retrying) Complete(ctx context.Context, req *Request) (*Response, error) {
	// Burst of one: the first call goes out immediately, later ones wait.
	limiter := rate.NewLimiter(rate.Every(r.opts.Interval), 1)

	for attempt := 0; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := r.Provider.Complete(ctx, req)
		if err == nil || attempt >= r.opts.MaxRetries || !IsRetryable(err) {
			return resp, err
		}

		debug.Log("llm", "retrying after backend error",
			"backend", r.Provider.Name(),
			"attempt", attempt+1,
			"error", err.Error(),
		)
	}
}
