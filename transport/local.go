package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"rpcdo/message"
)

// Handler dispatches a call in-process. server.Dispatcher implements it.
type Handler interface {
	Dispatch(ctx context.Context, method string, args []json.RawMessage) (any, error)
}

// Local binds a Handler in-process. Arguments and results cross the boundary
// JSON-encoded, exactly as they would on a wire, so callers cannot share
// mutable state with the handler.
type Local struct {
	handler Handler
}

func NewLocal(h Handler) *Local {
	return &Local{handler: h}
}

func (l *Local) Call(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	raw, err := message.EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, contextError(err, method)
	}
	out, err := l.handler.Dispatch(ctx, method, raw)
	if err != nil {
		return nil, err
	}
	if b, ok := out.(json.RawMessage); ok {
		return b, nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", method, err)
	}
	return b, nil
}
