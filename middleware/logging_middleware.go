package middleware

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"rpcdo/rpcerr"
)

// Logging logs each call at debug level and each failure at warn level.
func Logging(log *zap.Logger) Hooks {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("call")
	return Hooks{
		OnRequest: func(_ context.Context, c *Call) error {
			log.Debug("call started",
				zap.String("id", c.ID),
				zap.String("method", c.Method),
				zap.Int("args", len(c.Args)))
			return nil
		},
		OnResponse: func(_ context.Context, c *Call, result json.RawMessage) error {
			log.Debug("call finished",
				zap.String("id", c.ID),
				zap.String("method", c.Method),
				zap.Duration("duration", time.Since(c.Start)),
				zap.Int("result_bytes", len(result)))
			return nil
		},
		OnError: func(_ context.Context, c *Call, err error) error {
			log.Warn("call failed",
				zap.String("id", c.ID),
				zap.String("method", c.Method),
				zap.Duration("duration", time.Since(c.Start)),
				zap.String("code", rpcerr.CodeOf(err)),
				zap.Bool("retryable", rpcerr.IsRetryable(err)),
				zap.Error(err))
			return nil
		},
	}
}
