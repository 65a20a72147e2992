package middleware

import (
	"context"

	"rpcdo/rpcerr"
)

// RetryObserver reports failures a retry policy would consider retryable. It
// never re-issues the call; wrap the transport in transport.Retry for that.
func RetryObserver(observe func(method string, err error)) Hooks {
	return Hooks{
		OnError: func(_ context.Context, c *Call, err error) error {
			if rpcerr.IsRetryable(err) {
				observe(c.Method, err)
			}
			return nil
		},
	}
}
