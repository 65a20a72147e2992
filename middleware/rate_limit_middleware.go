package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"rpcdo/rpcerr"
)

// RateLimit rejects calls beyond r per second (token bucket of size burst)
// with a retryable RATE_LIMITED error before they reach the transport.
func RateLimit(r float64, burst int) Hooks {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return Hooks{
		OnRequest: func(_ context.Context, c *Call) error {
			if !limiter.Allow() {
				return rpcerr.Connection(rpcerr.CodeRateLimited, true, nil, "rate limit exceeded for %s", c.Method)
			}
			return nil
		},
	}
}
