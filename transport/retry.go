package transport

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"rpcdo/rpcerr"
)

// RetryOptions configures Retry. Zero fields take the defaults of
// DefaultRetryOptions.
type RetryOptions struct {
	MaxAttempts  int // total attempts, including the first
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	ShouldRetry  func(err error, attempt int) bool
	OnRetry      func(method string, attempt int, err error, delay time.Duration)
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// Retry re-issues failed calls on the inner transport with exponential backoff.
type Retry struct {
	inner   Transport
	opts    RetryOptions
	backoff Backoff

	mu  sync.Mutex
	rng *rand.Rand

	// sleep waits for d or until ctx ends; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetry(inner Transport, opts RetryOptions) *Retry {
	def := DefaultRetryOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = def.InitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.Multiplier <= 0 {
		opts.Multiplier = def.Multiplier
	}
	if opts.ShouldRetry == nil {
		opts.ShouldRetry = func(err error, _ int) bool { return rpcerr.IsRetryable(err) }
	}
	return &Retry{
		inner: inner,
		opts:  opts,
		backoff: Backoff{
			InitialDelay: opts.InitialDelay,
			Multiplier:   opts.Multiplier,
			MaxDelay:     opts.MaxDelay,
			Jitter:       opts.Jitter,
		},
		rng:   newRand(),
		sleep: sleepContext,
	}
}

func (r *Retry) Call(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := r.inner.Call(ctx, method, args)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if attempt >= r.opts.MaxAttempts || !r.opts.ShouldRetry(err, attempt) {
			return nil, lastErr
		}

		r.mu.Lock()
		delay := r.backoff.Delay(attempt, r.rng)
		r.mu.Unlock()
		if r.opts.OnRetry != nil {
			r.opts.OnRetry(method, attempt, err, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, lastErr
		}
	}
}

func (r *Retry) Close() error {
	return Close(r.inner)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
