// Package transport implements the client-side transports and the call-correlation layer.
//
// Every transport satisfies one contract:
//
//	Call(ctx, method, args) → (json.RawMessage, error)    plus optional io.Closer
//
// Concrete strategies:
//
//	HTTP / JSONRPC / GRPC   one call = one exchange
//	Socket                  one persistent connection, many calls multiplexed by request id
//	Local / Func            in-process binding
//
// Decorators compose on top of the contract:
//
//	Retry      re-issues failed calls with backoff
//	Composite  tries members in order, first success wins
//	Balanced   picks an instance from a registry per call
package transport

import (
	"context"
	"encoding/json"
	"io"
)

// Transport delivers a single call to a remote dispatcher.
// Implementations must be safe for concurrent use.
type Transport interface {
	Call(ctx context.Context, method string, args []any) (json.RawMessage, error)
}

// Func adapts a plain function to the Transport contract.
type Func func(ctx context.Context, method string, args []any) (json.RawMessage, error)

func (f Func) Call(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	return f(ctx, method, args)
}

// Close releases t when it owns resources. Transports without a Close method
// are left alone.
func Close(t Transport) error {
	if c, ok := t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
