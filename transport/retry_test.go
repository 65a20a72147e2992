package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcdo/rpcerr"
)

func flaky(failures int, err error) (*int, Transport) {
	calls := 0
	return &calls, Func(func(context.Context, string, []any) (json.RawMessage, error) {
		calls++
		if calls <= failures {
			return nil, err
		}
		return json.RawMessage(`"ok"`), nil
	})
}

func recordSleeps(r *Retry) *[]time.Duration {
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return &delays
}

func TestRetryFailsTwiceThenSucceeds(t *testing.T) {
	calls, inner := flaky(2, rpcerr.ErrConnectionLost)
	r := NewRetry(inner, RetryOptions{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, Multiplier: 2, Jitter: 0.5})
	delays := recordSleeps(r)

	res, err := r.Call(context.Background(), "users.get", []any{1})
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(res))
	assert.Equal(t, 3, *calls)
	require.Len(t, *delays, 2)
	assert.LessOrEqual(t, (*delays)[0], (*delays)[1])
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls, inner := flaky(10, errors.New("read: connection reset by peer"))
	var retried []int
	r := NewRetry(inner, RetryOptions{
		MaxAttempts: 4,
		OnRetry: func(_ string, attempt int, _ error, _ time.Duration) {
			retried = append(retried, attempt)
		},
	})
	recordSleeps(r)

	_, err := r.Call(context.Background(), "m", nil)
	assert.EqualError(t, err, "read: connection reset by peer")
	assert.Equal(t, 4, *calls)
	assert.Equal(t, []int{1, 2, 3}, retried)
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	calls, inner := flaky(1, &rpcerr.RemoteError{Code: rpcerr.CodeMethodNotFound})
	r := NewRetry(inner, RetryOptions{MaxAttempts: 5})
	delays := recordSleeps(r)

	_, err := r.Call(context.Background(), "m", nil)
	assert.Equal(t, rpcerr.CodeMethodNotFound, rpcerr.CodeOf(err))
	assert.Equal(t, 1, *calls)
	assert.Empty(t, *delays)
}

func TestRetryCustomPredicate(t *testing.T) {
	calls, inner := flaky(2, errors.New("business rule"))
	r := NewRetry(inner, RetryOptions{
		MaxAttempts: 3,
		ShouldRetry: func(err error, attempt int) bool { return attempt < 3 },
	})
	recordSleeps(r)

	_, err := r.Call(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, *calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	calls, inner := flaky(10, rpcerr.ErrConnectionLost)
	r := NewRetry(inner, RetryOptions{MaxAttempts: 5, InitialDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.Call(ctx, "m", nil)
	assert.ErrorIs(t, err, rpcerr.ErrConnectionLost)
	assert.Equal(t, 1, *calls)
}

func TestRetryClosesInner(t *testing.T) {
	rec := &recorder{}
	require.NoError(t, NewRetry(rec, RetryOptions{}).Close())
	assert.Equal(t, 1, rec.closed)
}
