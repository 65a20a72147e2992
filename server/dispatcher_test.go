package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcdo/middleware"
	"rpcdo/rpcerr"
	"rpcdo/transport"
)

type Arith struct{}

func (a *Arith) Add(x, y int) int { return x + y }

func (a *Arith) Div(x, y int) (int, error) {
	if y == 0 {
		return 0, errors.New("division by zero")
	}
	return x / y, nil
}

func (a *Arith) Reset() {}

type Users struct{ names map[string]string }

func (u *Users) Get(ctx context.Context, id string) (string, error) {
	name, ok := u.names[id]
	if !ok {
		return "", &rpcerr.RemoteError{Code: "NOT_FOUND", Message: "no user " + id}
	}
	return name, nil
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher(nil)
	require.NoError(t, d.Register("arith", &Arith{}))
	require.NoError(t, d.Register("users", &Users{names: map[string]string{"1": "ada"}}))
	require.NoError(t, d.Handle("echo", func(s string) string { return s }))
	require.NoError(t, d.Handle("db.tables.count", func(ctx context.Context) int { return 7 }))
	return d
}

func args(t *testing.T, vals ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestDispatchRegisteredMethods(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.DispatchRaw(ctx, "arith.add", args(t, 2, 3))
	require.NoError(t, err)
	assert.JSONEq(t, `5`, string(res))

	res, err = d.DispatchRaw(ctx, "users.get", args(t, "1"))
	require.NoError(t, err)
	assert.JSONEq(t, `"ada"`, string(res))

	res, err = d.DispatchRaw(ctx, "db.tables.count", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `7`, string(res))

	res, err = d.DispatchRaw(ctx, "arith.reset", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(res))

	assert.ElementsMatch(t,
		[]string{"arith.add", "arith.div", "arith.reset", "users.get", "echo", "db.tables.count"},
		d.Methods())
}

func TestDispatchMissingArgsUseZeroValues(t *testing.T) {
	d := newTestDispatcher(t)
	res, err := d.DispatchRaw(context.Background(), "arith.add", args(t, 4))
	require.NoError(t, err)
	assert.JSONEq(t, `4`, string(res))
}

func TestDispatchErrors(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		args   []json.RawMessage
		code   string
	}{
		{"unknown method in known namespace", "arith.mul", nil, rpcerr.CodeMethodNotFound},
		{"unknown top-level method", "nope", nil, rpcerr.CodeMethodNotFound},
		{"unknown namespace", "billing.charge", nil, rpcerr.CodeUnknownNamespace},
		{"intermediate namespace", "db.tables.drop", nil, rpcerr.CodeMethodNotFound},
		{"too many arguments", "echo", args(t, "a", "b"), rpcerr.CodeValidation},
		{"wrong argument type", "arith.add", args(t, "x", 1), rpcerr.CodeValidation},
		{"handler error", "arith.div", args(t, 1, 0), rpcerr.CodeInternal},
		{"handler remote error", "users.get", args(t, "2"), "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.DispatchRaw(ctx, tt.method, tt.args)
			var re *rpcerr.RemoteError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.code, re.Code)
		})
	}
}

func TestHandleRejectsBadShapes(t *testing.T) {
	d := NewDispatcher(nil)
	assert.Error(t, d.Handle("x", 42))
	assert.Error(t, d.Handle("x", func(...int) {}))
	assert.Error(t, d.Handle("x", func() (int, int) { return 0, 0 }))
	assert.Error(t, d.Handle("x", func() (int, error, bool) { return 0, nil, false }))
	assert.Error(t, d.Register("x", 3))
}

func TestDispatcherHooks(t *testing.T) {
	d := newTestDispatcher(t)
	var seen []string
	d.Use(middleware.Hooks{
		OnRequest: func(_ context.Context, c *middleware.Call) error {
			seen = append(seen, c.Method)
			if c.Method == "arith.div" {
				return &rpcerr.RemoteError{Code: rpcerr.CodeAuthFailed, Message: "forbidden"}
			}
			return nil
		},
	})

	_, err := d.DispatchRaw(context.Background(), "arith.add", args(t, 1, 1))
	require.NoError(t, err)
	_, err = d.DispatchRaw(context.Background(), "arith.div", args(t, 4, 2))
	assert.Equal(t, rpcerr.CodeAuthFailed, rpcerr.CodeOf(err))
	assert.Equal(t, []string{"arith.add", "arith.div"}, seen)
}

func TestLocalTransport(t *testing.T) {
	local := transport.NewLocal(newTestDispatcher(t))

	res, err := local.Call(context.Background(), "arith.add", []any{20, 22})
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(res))

	_, err = local.Call(context.Background(), "arith.mul", []any{1, 2})
	assert.Equal(t, rpcerr.CodeMethodNotFound, rpcerr.CodeOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = local.Call(ctx, "arith.add", []any{1, 2})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, rpcerr.CodeCancelled, rpcerr.CodeOf(err))
}
