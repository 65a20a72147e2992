package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcdo/middleware"
	"rpcdo/rpcerr"
	"rpcdo/transport"
)

type recordedCall struct {
	method string
	args   []any
}

// recorder answers every call with the method name and remembers it.
type recorder struct {
	mu     sync.Mutex
	calls  []recordedCall
	result json.RawMessage
	closed atomic.Int32
}

func (r *recorder) Call(_ context.Context, method string, args []any) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{method: method, args: args})
	if r.result != nil {
		return r.result, nil
	}
	return json.Marshal(method)
}

func (r *recorder) Close() error {
	r.closed.Add(1)
	return nil
}

func (r *recorder) recorded() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedCall(nil), r.calls...)
}

func TestPathDispatchesOnce(t *testing.T) {
	rec := &recorder{}
	c := New(rec)

	res, err := c.Get("a").Get("b").Get("c").Call(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.JSONEq(t, `"a.b.c"`, string(res))
	assert.Equal(t, []recordedCall{{method: "a.b.c", args: []any{1, 2}}}, rec.recorded())
}

func TestBuildingPathsMakesNoCalls(t *testing.T) {
	rec := &recorder{}
	c := New(rec)

	p := c.Get("a").Get("b")
	assert.Equal(t, "a.b", p.String())
	assert.Equal(t, "a.b.c", p.Get("c").String())
	assert.Equal(t, "a.b", p.String(), "paths are immutable")
	assert.Equal(t, "users.get", c.Path("users.get").String())
	assert.Empty(t, rec.recorded())
}

func TestCallWithoutArgsSendsEmptyList(t *testing.T) {
	rec := &recorder{}
	_, err := New(rec).Get("ping").Call(context.Background())
	require.NoError(t, err)
	require.Len(t, rec.recorded(), 1)
	assert.NotNil(t, rec.recorded()[0].args)
	assert.Empty(t, rec.recorded()[0].args)
}

func TestReservedMembers(t *testing.T) {
	rec := &recorder{}
	c := New(rec)

	for _, name := range []string{"close", "then", "catch", "finally"} {
		assert.Nil(t, c.Get(name), name)
		assert.Nil(t, c.Get("users").Get(name), name)
	}
	assert.Nil(t, c.Path("users.then.get"))
	assert.Nil(t, c.Path("users..get"))

	var p *Path
	assert.Nil(t, p.Get("x"))
	assert.Equal(t, "", p.String())
	_, err := p.Call(context.Background(), 1)
	assert.ErrorIs(t, err, ErrReservedMember)
	_, err = p.Go(context.Background()).Wait()
	assert.ErrorIs(t, err, ErrReservedMember)
	assert.ErrorIs(t, p.Into(context.Background(), nil), ErrReservedMember)
	assert.Empty(t, rec.recorded())
}

func TestIntoAndGo(t *testing.T) {
	rec := &recorder{result: json.RawMessage(`{"id":7,"name":"ada"}`)}
	c := New(rec)

	var user struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, c.Path("users.get").Into(context.Background(), &user, 7))
	assert.Equal(t, 7, user.ID)
	assert.Equal(t, "ada", user.Name)

	pending := c.Path("users.get").Go(context.Background(), 7)
	select {
	case <-pending.Done():
	case <-time.After(time.Second):
		t.Fatal("pending call never completed")
	}
	var again map[string]any
	require.NoError(t, pending.Decode(&again))
	assert.Equal(t, "ada", again["name"])

	var n int
	err := c.Path("users.get").Into(context.Background(), &n)
	assert.ErrorContains(t, err, "decode result of users.get")
}

func TestLazyFactorySharedResolution(t *testing.T) {
	rec := &recorder{}
	var resolutions atomic.Int32
	release := make(chan struct{})
	c := NewLazy(func(context.Context) (transport.Transport, error) {
		resolutions.Add(1)
		<-release
		return rec, nil
	})

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get("x").Call(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), resolutions.Load())
	assert.Len(t, rec.recorded(), n)
}

func TestLazyFactoryFailureIsNotCached(t *testing.T) {
	rec := &recorder{}
	var attempts atomic.Int32
	c := NewLazy(func(context.Context) (transport.Transport, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("registry unavailable")
		}
		return rec, nil
	})

	_, err := c.Get("x").Call(context.Background())
	assert.EqualError(t, err, "registry unavailable")
	_, err = c.Get("x").Call(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestLazyFactoryCallerCancel(t *testing.T) {
	release := make(chan struct{})
	c := NewLazy(func(context.Context) (transport.Transport, error) {
		<-release
		return &recorder{}, nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Get("x").Call(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, rpcerr.CodeRequestTimeout, rpcerr.CodeOf(err))
}

func TestSubHandlesNeedResolvedTransport(t *testing.T) {
	rec := &recorder{}
	c := NewLazy(func(context.Context) (transport.Transport, error) { return rec, nil })

	_, err := c.SQL()
	assert.Equal(t, rpcerr.CodeNotInitialized, rpcerr.CodeOf(err))
	_, err = c.Storage()
	assert.Equal(t, rpcerr.CodeNotInitialized, rpcerr.CodeOf(err))
	_, err = c.Collection("users")
	assert.Equal(t, rpcerr.CodeNotInitialized, rpcerr.CodeOf(err))
	assert.Empty(t, rec.recorded(), "sub-handles never trigger resolution")

	_, err = c.Get("warmup").Call(context.Background())
	require.NoError(t, err)

	sql, err := c.SQL()
	require.NoError(t, err)
	_, err = sql.Query(context.Background(), "select * from users where id = ?", 1)
	require.NoError(t, err)
	_, err = sql.First(context.Background(), "select 1")
	require.NoError(t, err)

	calls := rec.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, recordedCall{method: MethodSQL, args: []any{"select * from users where id = ?", []any{1}}}, calls[1])
	assert.Equal(t, recordedCall{method: MethodSQLFirst, args: []any{"select 1", []any{}}}, calls[2])
}

func TestStorageAndCollectionHandles(t *testing.T) {
	rec := &recorder{}
	c := New(rec)
	ctx := context.Background()

	st, err := c.Storage()
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "k", 1))
	require.NoError(t, st.Delete(ctx, "k"))

	col, err := c.Collection("users")
	require.NoError(t, err)
	assert.Equal(t, "users", col.Name())
	require.NoError(t, col.Put(ctx, "1", map[string]string{"name": "ada"}))
	_, err = col.Find(ctx, map[string]any{"active": true})
	require.NoError(t, err)

	calls := rec.recorded()
	require.Len(t, calls, 4)
	assert.Equal(t, MethodStoragePut, calls[0].method)
	assert.Equal(t, []any{"k", 1}, calls[0].args)
	assert.Equal(t, MethodCollectionPut, calls[2].method)
	assert.Equal(t, "users", calls[2].args[0])
	assert.Equal(t, []any{"users", map[string]any{"active": true}}, calls[3].args)

	rec.result = json.RawMessage(`3`)
	n, err := col.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rec.result = json.RawMessage(`true`)
	ok, err := col.Has(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)

	rec.result = json.RawMessage(`["a","b"]`)
	keys, err := st.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestCloseIsIdempotent(t *testing.T) {
	rec := &recorder{}
	c := New(rec)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), rec.closed.Load())

	_, err := c.Get("x").Call(context.Background())
	assert.Equal(t, rpcerr.CodeClosed, rpcerr.CodeOf(err))
	assert.Empty(t, rec.recorded())
}

func TestCloseUnresolvedLazyClient(t *testing.T) {
	called := false
	c := NewLazy(func(context.Context) (transport.Transport, error) {
		called = true
		return &recorder{}, nil
	})
	require.NoError(t, c.Close())
	assert.False(t, called)

	_, err := c.Get("x").Call(context.Background())
	assert.Equal(t, rpcerr.CodeClosed, rpcerr.CodeOf(err))
	assert.False(t, called)
}

func TestHooksRunAroundCalls(t *testing.T) {
	var seen []string
	c := New(&recorder{}, WithHooks(middleware.Hooks{
		OnRequest: func(_ context.Context, call *middleware.Call) error {
			seen = append(seen, "request:"+call.Method)
			return nil
		},
		OnResponse: func(_ context.Context, call *middleware.Call, _ json.RawMessage) error {
			seen = append(seen, "response:"+call.Method)
			return nil
		},
	}))

	_, err := c.Path("users.get").Call(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"request:users.get", "response:users.get"}, seen)
}

func TestCallTimeout(t *testing.T) {
	var hadDeadline bool
	c := New(transport.Func(func(ctx context.Context, method string, _ []any) (json.RawMessage, error) {
		_, hadDeadline = ctx.Deadline()
		return json.RawMessage(`null`), nil
	}), WithCallTimeout(time.Second))

	_, err := c.Get("x").Call(context.Background())
	require.NoError(t, err)
	assert.True(t, hadDeadline)
}

func TestDefaultClient(t *testing.T) {
	SetDefault(nil)
	_, err := Default()
	assert.ErrorIs(t, err, ErrNoDefault)

	c := New(&recorder{})
	SetDefault(c)
	defer SetDefault(nil)
	got, err := Default()
	require.NoError(t, err)
	assert.Same(t, c, got)
}
