package transport

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"rpcdo/rpcerr"
)

// Composite tries its members in order and returns the first success.
//
// When every member fails, only the last member's error is returned. Earlier
// errors are logged at debug level and otherwise discarded.
type Composite struct {
	members []Transport
	log     *zap.Logger
}

// NewComposite copies members, so later changes to the caller's slice do not
// affect the chain.
func NewComposite(log *zap.Logger, members ...Transport) *Composite {
	if log == nil {
		log = zap.NewNop()
	}
	return &Composite{
		members: append([]Transport(nil), members...),
		log:     log.Named("composite"),
	}
}

func (c *Composite) Call(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	if len(c.members) == 0 {
		return nil, rpcerr.Connection(rpcerr.CodeNoTransports, false, nil, "composite has no transports")
	}

	var lastErr error
	for i, t := range c.members {
		res, err := t.Call(ctx, method, args)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if i == len(c.members)-1 {
			break
		}
		c.log.Debug("transport failed, trying next",
			zap.Int("index", i), zap.String("method", method), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// Close closes every member and joins their errors.
func (c *Composite) Close() error {
	var errs []error
	for _, t := range c.members {
		if err := Close(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
