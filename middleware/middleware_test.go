package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"rpcdo/rpcerr"
)

func echo(_ context.Context, method string, _ []any) (json.RawMessage, error) {
	return json.Marshal(method)
}

func failing(err error) Next {
	return func(context.Context, string, []any) (json.RawMessage, error) {
		return nil, err
	}
}

// tracer records the order in which hooks fire.
func tracer(name string, trace *[]string) Hooks {
	return Hooks{
		OnRequest: func(context.Context, *Call) error {
			*trace = append(*trace, name+".request")
			return nil
		},
		OnResponse: func(context.Context, *Call, json.RawMessage) error {
			*trace = append(*trace, name+".response")
			return nil
		},
		OnError: func(context.Context, *Call, error) error {
			*trace = append(*trace, name+".error")
			return nil
		},
	}
}

func TestChainOrder(t *testing.T) {
	var trace []string
	chain := Chain{tracer("a", &trace), tracer("b", &trace)}

	res, err := chain.Invoke(context.Background(), "users.get", nil, echo)
	require.NoError(t, err)
	assert.Equal(t, `"users.get"`, string(res))
	assert.Equal(t, []string{"a.request", "b.request", "a.response", "b.response"}, trace)

	trace = nil
	_, err = chain.Invoke(context.Background(), "x", nil, failing(errors.New("down")))
	assert.EqualError(t, err, "down")
	assert.Equal(t, []string{"a.request", "b.request", "a.error", "b.error"}, trace)
}

func TestRequestHookAbortsCall(t *testing.T) {
	var trace []string
	called := false
	denied := errors.New("denied")
	chain := Chain{
		{OnRequest: func(context.Context, *Call) error { return denied }},
		tracer("b", &trace),
	}

	_, err := chain.Invoke(context.Background(), "x", nil, func(context.Context, string, []any) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, denied)
	assert.False(t, called)
	assert.Empty(t, trace)
}

func TestErrorHookFailureKeepsOriginalCode(t *testing.T) {
	var trace []string
	chain := Chain{
		{OnError: func(context.Context, *Call, error) error { return errors.New("hook broke") }},
		tracer("b", &trace),
	}

	_, err := chain.Invoke(context.Background(), "x", nil, failing(rpcerr.ErrConnectionLost))
	assert.Equal(t, rpcerr.CodeConnectionLost, rpcerr.CodeOf(err))
	assert.Contains(t, err.Error(), "hook broke")
	assert.Empty(t, trace, "remaining error hooks are skipped")
}

func TestHooksSeeSameCall(t *testing.T) {
	var reqCall, respCall *Call
	chain := Chain{{
		OnRequest:  func(_ context.Context, c *Call) error { reqCall = c; return nil },
		OnResponse: func(_ context.Context, c *Call, _ json.RawMessage) error { respCall = c; return nil },
	}}
	_, err := chain.Invoke(context.Background(), "a.b", []any{1, 2}, echo)
	require.NoError(t, err)
	require.NotNil(t, reqCall)
	assert.Same(t, reqCall, respCall)
	assert.Equal(t, "a.b", reqCall.Method)
	assert.Equal(t, []any{1, 2}, reqCall.Args)
	assert.NotEmpty(t, reqCall.ID)
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	chain := Chain{Logging(zap.New(core))}

	_, err := chain.Invoke(context.Background(), "users.get", nil, echo)
	require.NoError(t, err)
	_, err = chain.Invoke(context.Background(), "users.get", nil, failing(rpcerr.ErrConnectionLost))
	require.Error(t, err)

	assert.Equal(t, 2, logs.FilterMessage("call started").Len())
	assert.Equal(t, 1, logs.FilterMessage("call finished").Len())
	failed := logs.FilterMessage("call failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, rpcerr.CodeConnectionLost, failed[0].ContextMap()["code"])
}

func TestTiming(t *testing.T) {
	var methods []string
	var errs []error
	chain := Chain{Timing(func(method string, d time.Duration, err error) {
		methods = append(methods, method)
		errs = append(errs, err)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	})}

	_, _ = chain.Invoke(context.Background(), "ok", nil, echo)
	_, _ = chain.Invoke(context.Background(), "bad", nil, failing(errors.New("x")))
	assert.Equal(t, []string{"ok", "bad"}, methods)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	chain := Chain{Metrics(reg)}

	for i := 0; i < 3; i++ {
		_, _ = chain.Invoke(context.Background(), "users.get", nil, echo)
	}
	_, _ = chain.Invoke(context.Background(), "users.get", nil, failing(&rpcerr.RemoteError{Code: rpcerr.CodeMethodNotFound}))
	_, _ = chain.Invoke(context.Background(), "users.get", nil, failing(errors.New("plain")))

	n, err := testutil.GatherAndCount(reg, "rpcdo_client_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "one series per outcome code")

	n, err = testutil.GatherAndCount(reg, "rpcdo_client_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRateLimit(t *testing.T) {
	// rate=1/s, burst=2: the first two pass, the third is rejected.
	chain := Chain{RateLimit(1, 2)}
	for i := 0; i < 2; i++ {
		_, err := chain.Invoke(context.Background(), "Arith.Add", nil, echo)
		require.NoError(t, err, "request %d", i)
	}

	_, err := chain.Invoke(context.Background(), "Arith.Add", nil, echo)
	assert.Equal(t, rpcerr.CodeRateLimited, rpcerr.CodeOf(err))
	assert.True(t, rpcerr.IsRetryable(err))
}

func TestRetryObserverNeverRetries(t *testing.T) {
	var observed []string
	calls := 0
	next := func(context.Context, string, []any) (json.RawMessage, error) {
		calls++
		return nil, rpcerr.ErrConnectionLost
	}
	chain := Chain{RetryObserver(func(method string, _ error) { observed = append(observed, method) })}

	_, err := chain.Invoke(context.Background(), "m", nil, next)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"m"}, observed)

	_, _ = chain.Invoke(context.Background(), "m", nil, failing(&rpcerr.ValidationError{Method: "m", Reason: "bad"}))
	assert.Len(t, observed, 1, "non-retryable failures are not reported")
}

func TestEmptyChain(t *testing.T) {
	res, err := Chain(nil).Invoke(context.Background(), "a", nil, echo)
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(res))
}
