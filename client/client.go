// Package client turns chains of names into remote calls.
//
//	c := client.New(tr)
//	c.Get("users").Get("get").Call(ctx, 42)   // one call: "users.get" [42]
//	c.Path("db.tables.count").Into(ctx, &n)
//
// Building a Path never touches the transport; only Call, Go and Into do.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"rpcdo/middleware"
	"rpcdo/rpcerr"
	"rpcdo/transport"
)

// Factory produces the transport for a lazily bound Client.
type Factory func(ctx context.Context) (transport.Transport, error)

type Option func(*Client)

// WithHooks appends hook sets run around every call, in order.
func WithHooks(hooks ...middleware.Hooks) Option {
	return func(c *Client) { c.chain = append(c.chain, hooks...) }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithCallTimeout bounds every call that has no earlier deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// Client is the root of every call path. It is safe for concurrent use.
type Client struct {
	factory     Factory
	resolving   singleflight.Group
	chain       middleware.Chain
	log         *zap.Logger
	callTimeout time.Duration

	mu     sync.Mutex
	tr     transport.Transport
	closed bool
}

// New binds a ready transport.
func New(t transport.Transport, opts ...Option) *Client {
	c := newClient(opts)
	c.tr = t
	return c
}

// NewLazy binds a factory that runs on the first call. Concurrent first calls
// share one resolution; a failed resolution is retried by the next call.
func NewLazy(f Factory, opts ...Option) *Client {
	c := newClient(opts)
	c.factory = f
	return c
}

func newClient(opts []Option) *Client {
	c := &Client{log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get starts a call path at name.
func (c *Client) Get(name string) *Path {
	return (&Path{client: c}).Get(name)
}

// Path builds a call path from its dotted form. Any reserved segment yields
// nil, like Get.
func (c *Client) Path(dotted string) *Path {
	p := &Path{client: c}
	start := 0
	for i := 0; i <= len(dotted); i++ {
		if i == len(dotted) || dotted[i] == '.' {
			p = p.Get(dotted[start:i])
			start = i + 1
		}
	}
	return p
}

// Close releases the bound transport. Only the first call does anything; a
// lazy client whose factory never ran has nothing to release.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.tr
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	return transport.Close(t)
}

// resolved returns the bound transport without running the factory.
func (c *Client) resolved() (transport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rpcerr.ErrClosed
	}
	if c.tr == nil {
		return nil, rpcerr.ErrNotInitialized
	}
	return c.tr, nil
}

func (c *Client) transport(ctx context.Context) (transport.Transport, error) {
	t, err := c.resolved()
	if !errors.Is(err, rpcerr.ErrNotInitialized) || c.factory == nil {
		return t, err
	}

	// The factory outlives any single caller's cancellation: other callers
	// may be waiting on the same resolution.
	fctx := context.WithoutCancel(ctx)
	ch := c.resolving.DoChan("transport", func() (any, error) {
		if t, err := c.resolved(); !errors.Is(err, rpcerr.ErrNotInitialized) {
			return t, err
		}
		t, err := c.factory(fctx)
		if err != nil {
			c.log.Warn("transport factory failed", zap.Error(err))
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			_ = transport.Close(t)
			return nil, rpcerr.ErrClosed
		}
		c.tr = t
		return t, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(transport.Transport), nil
	case <-ctx.Done():
		return nil, rpcerr.Context(ctx.Err(), "resolve transport")
	}
}

func (c *Client) call(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	if c.callTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}
	}
	t, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	return c.chain.Invoke(ctx, method, args, t.Call)
}
