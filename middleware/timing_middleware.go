package middleware

import (
	"context"
	"encoding/json"
	"time"
)

// Timing reports the wall time of every call, successful or not.
func Timing(report func(method string, d time.Duration, err error)) Hooks {
	return Hooks{
		OnResponse: func(_ context.Context, c *Call, _ json.RawMessage) error {
			report(c.Method, time.Since(c.Start), nil)
			return nil
		},
		OnError: func(_ context.Context, c *Call, err error) error {
			report(c.Method, time.Since(c.Start), err)
			return nil
		},
	}
}
