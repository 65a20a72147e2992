package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"rpcdo/rpcerr"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// handler wraps one callable with positional JSON arguments. Accepted shapes:
//
//	func([ctx context.Context,] args...)
//	func([ctx context.Context,] args...) error
//	func([ctx context.Context,] args...) R
//	func([ctx context.Context,] args...) (R, error)
type handler struct {
	fn        reflect.Value
	hasCtx    bool
	params    []reflect.Type
	hasResult bool
	hasErr    bool
}

func newHandler(fn reflect.Value) (*handler, error) {
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("server: handler must be a func, got %s", fn.Kind())
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("server: variadic handlers are not supported")
	}

	h := &handler{fn: fn}
	start := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		h.hasCtx = true
		start = 1
	}
	for i := start; i < ft.NumIn(); i++ {
		h.params = append(h.params, ft.In(i))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			h.hasErr = true
		} else {
			h.hasResult = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("server: second result must be error, got %s", ft.Out(1))
		}
		h.hasResult, h.hasErr = true, true
	default:
		return nil, fmt.Errorf("server: handler returns %d values, at most 2 allowed", ft.NumOut())
	}
	return h, nil
}

// call decodes args into the parameter types; missing trailing args take
// their zero value.
func (h *handler) call(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	if len(args) > len(h.params) {
		return nil, &rpcerr.ValidationError{
			Method: method,
			Reason: fmt.Sprintf("expected at most %d arguments, got %d", len(h.params), len(args)),
		}
	}

	in := make([]reflect.Value, 0, len(h.params)+1)
	if h.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, pt := range h.params {
		v := reflect.New(pt)
		if i < len(args) {
			if err := json.Unmarshal(args[i], v.Interface()); err != nil {
				return nil, &rpcerr.ValidationError{Method: method, Reason: fmt.Sprintf("argument %d: %v", i, err)}
			}
		}
		in = append(in, v.Elem())
	}

	out := h.fn.Call(in)
	var result any
	if h.hasResult {
		result = out[0].Interface()
	}
	if h.hasErr {
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
	}
	return result, nil
}

// receiverMethods returns every exported method of rcvr with a supported
// signature, keyed by its name with the first letter lowered.
func receiverMethods(rcvr any) (map[string]*handler, error) {
	val := reflect.ValueOf(rcvr)
	typ := val.Type()
	if typ.Kind() != reflect.Ptr && typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must be a struct or pointer to struct, got %s", typ.Kind())
	}

	methods := make(map[string]*handler)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if !m.IsExported() {
			continue
		}
		h, err := newHandler(val.Method(i))
		if err != nil {
			continue
		}
		methods[lowerFirst(m.Name)] = h
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("server: %s has no callable methods", typ)
	}
	return methods, nil
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[n:]
}
