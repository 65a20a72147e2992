// Package middleware runs ordered observation hooks around every call a
// client dispatches.
//
//	OnRequest[0] → OnRequest[1] → … → transport.Call
//	                                     ├─ ok    → OnResponse[0] → OnResponse[1] → …
//	                                     └─ error → OnError[0]    → OnError[1]    → …
//
// Hooks observe; they cannot change a result. Retrying belongs to
// transport.Retry, which wraps the transport below this layer.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Call describes one dispatch as seen by hooks.
type Call struct {
	ID     string // unique per dispatch, for log correlation
	Method string
	Args   []any
	Start  time.Time
}

// Hooks is one hook set. Nil members are skipped.
type Hooks struct {
	OnRequest  func(ctx context.Context, call *Call) error
	OnResponse func(ctx context.Context, call *Call, result json.RawMessage) error
	OnError    func(ctx context.Context, call *Call, err error) error
}

// Next performs the actual call.
type Next func(ctx context.Context, method string, args []any) (json.RawMessage, error)

// Chain is an ordered list of hook sets.
type Chain []Hooks

// Invoke runs the request hooks, next, then the response or error hooks, each
// phase strictly in list order.
//
// A failing request hook stops the call before next runs. A failing response
// hook replaces the result with its error. A failing error hook stops the
// remaining error hooks and is joined with the call's error, so the original
// code stays reachable through errors.As.
func (c Chain) Invoke(ctx context.Context, method string, args []any, next Next) (json.RawMessage, error) {
	if len(c) == 0 {
		return next(ctx, method, args)
	}

	call := &Call{
		ID:     uuid.NewString(),
		Method: method,
		Args:   args,
		Start:  time.Now(),
	}

	for _, h := range c {
		if h.OnRequest == nil {
			continue
		}
		if err := h.OnRequest(ctx, call); err != nil {
			return nil, err
		}
	}

	res, err := next(ctx, method, args)
	if err != nil {
		for _, h := range c {
			if h.OnError == nil {
				continue
			}
			if herr := h.OnError(ctx, call, err); herr != nil {
				return nil, errors.Join(err, herr)
			}
		}
		return nil, err
	}

	for _, h := range c {
		if h.OnResponse == nil {
			continue
		}
		if herr := h.OnResponse(ctx, call, res); herr != nil {
			return nil, herr
		}
	}
	return res, nil
}
