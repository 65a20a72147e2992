package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrReservedMember is returned by every method of the nil Path produced by a
// reserved name.
var ErrReservedMember = errors.New("client: reserved member has no call path")

// reserved names never extend a path. then/catch/finally keep a handle from
// being taken for an awaitable by dynamic callers; close belongs to Client.
var reserved = map[string]bool{
	"close":   true,
	"then":    true,
	"catch":   true,
	"finally": true,
}

// Path is an immutable call path. A nil *Path is valid and stands for a
// reserved member.
type Path struct {
	client *Client
	path   string
}

// Get returns a new Path with name appended.
func (p *Path) Get(name string) *Path {
	if p == nil || name == "" || reserved[name] {
		return nil
	}
	next := name
	if p.path != "" {
		next = p.path + "." + name
	}
	return &Path{client: p.client, path: next}
}

// String returns the dotted method name.
func (p *Path) String() string {
	if p == nil {
		return ""
	}
	return p.path
}

// Call dispatches the path once with args.
func (p *Path) Call(ctx context.Context, args ...any) (json.RawMessage, error) {
	if p == nil {
		return nil, ErrReservedMember
	}
	return p.client.call(ctx, p.path, args)
}

// Into calls the path and decodes the result into reply.
func (p *Path) Into(ctx context.Context, reply any, args ...any) error {
	res, err := p.Call(ctx, args...)
	if err != nil {
		return err
	}
	return decode(p.String(), res, reply)
}

// Go dispatches the path in the background.
func (p *Path) Go(ctx context.Context, args ...any) *Pending {
	pr := &Pending{method: p.String(), done: make(chan struct{})}
	if p == nil {
		pr.err = ErrReservedMember
		close(pr.done)
		return pr
	}
	go func() {
		pr.result, pr.err = p.client.call(ctx, p.path, args)
		close(pr.done)
	}()
	return pr
}

// Pending is the deferred result of Go.
type Pending struct {
	method string
	done   chan struct{}
	result json.RawMessage
	err    error
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

func (p *Pending) Wait() (json.RawMessage, error) {
	<-p.done
	return p.result, p.err
}

func (p *Pending) Decode(v any) error {
	res, err := p.Wait()
	if err != nil {
		return err
	}
	return decode(p.method, res, v)
}

func decode(method string, res json.RawMessage, v any) error {
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(res, v); err != nil {
		return fmt.Errorf("decode result of %s: %w", method, err)
	}
	return nil
}
