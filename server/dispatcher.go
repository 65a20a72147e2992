package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"

	"rpcdo/middleware"
	"rpcdo/rpcerr"
)

// Dispatcher resolves a dotted call path to a registered Go function.
//
//	d.Handle("math.add", func(a, b int) int { return a + b })
//	d.Register("users", &Users{})        // users.get, users.list, ...
//
// It satisfies transport.Handler, so it can be bound in-process with
// transport.NewLocal as well as served over any of the Server adapters.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[string]*handler
	namespaces map[string]bool // every proper prefix of a registered path
	chain      middleware.Chain
	log        *zap.Logger
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		handlers:   make(map[string]*handler),
		namespaces: make(map[string]bool),
		log:        log.Named("dispatcher"),
	}
}

// Handle binds fn to path.
func (d *Dispatcher) Handle(path string, fn any) error {
	h, err := newHandler(reflect.ValueOf(fn))
	if err != nil {
		return fmt.Errorf("handle %s: %w", path, err)
	}
	d.add(path, h)
	return nil
}

// Register binds every exported method of rcvr under name.
func (d *Dispatcher) Register(name string, rcvr any) error {
	methods, err := receiverMethods(rcvr)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	for m, h := range methods {
		d.add(name+"."+m, h)
	}
	return nil
}

func (d *Dispatcher) add(path string, h *handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[path] = h
	for i := strings.Index(path, "."); i >= 0; {
		d.namespaces[path[:i]] = true
		next := strings.Index(path[i+1:], ".")
		if next < 0 {
			break
		}
		i += next + 1
	}
}

// Use appends hooks observing every dispatched call.
func (d *Dispatcher) Use(hooks ...middleware.Hooks) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chain = append(d.chain, hooks...)
}

// Methods returns every registered path.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for p := range d.handlers {
		out = append(out, p)
	}
	return out
}

// Dispatch runs method and returns its JSON-encoded result. Failures are
// always *rpcerr.RemoteError.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	res, err := d.DispatchRaw(ctx, method, args)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DispatchRaw is Dispatch with a concrete result type.
func (d *Dispatcher) DispatchRaw(ctx context.Context, method string, args []json.RawMessage) (json.RawMessage, error) {
	d.mu.RLock()
	h, ok := d.handlers[method]
	chain := d.chain
	d.mu.RUnlock()

	if !ok {
		return nil, d.notFound(method)
	}

	hookArgs := make([]any, len(args))
	for i, a := range args {
		hookArgs[i] = a
	}
	res, err := chain.Invoke(ctx, method, hookArgs, func(ctx context.Context, method string, _ []any) (json.RawMessage, error) {
		out, err := h.call(ctx, method, args)
		if err != nil {
			return nil, err
		}
		if raw, ok := out.(json.RawMessage); ok {
			return raw, nil
		}
		return json.Marshal(out)
	})
	if err != nil {
		re := toRemote(err)
		d.log.Debug("call failed", zap.String("method", method), zap.String("code", re.Code), zap.Error(err))
		return nil, re
	}
	return res, nil
}

func (d *Dispatcher) notFound(method string) *rpcerr.RemoteError {
	ns := ""
	if i := strings.LastIndex(method, "."); i >= 0 {
		ns = method[:i]
	}
	d.mu.RLock()
	known := d.namespaces[ns]
	d.mu.RUnlock()

	if ns == "" || known {
		return &rpcerr.RemoteError{Code: rpcerr.CodeMethodNotFound, Message: "method not found: " + method}
	}
	return &rpcerr.RemoteError{Code: rpcerr.CodeUnknownNamespace, Message: "unknown namespace: " + ns}
}

// toRemote converts any handler failure into the wire error document.
func toRemote(err error) *rpcerr.RemoteError {
	var re *rpcerr.RemoteError
	if errors.As(err, &re) {
		return re
	}
	if code := rpcerr.CodeOf(err); code != "" {
		return &rpcerr.RemoteError{Code: code, Message: err.Error()}
	}
	return &rpcerr.RemoteError{Code: rpcerr.CodeInternal, Message: err.Error()}
}
