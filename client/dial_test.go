package client

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rpcdo/config"
	"rpcdo/rpcerr"
	"rpcdo/server"
	"rpcdo/transport"
)

func testServer(t *testing.T) *server.Server {
	t.Helper()
	d := server.NewDispatcher(nil)
	require.NoError(t, d.Handle("math.add", func(a, b int) int { return a + b }))
	return server.NewServer(d, nil, zaptest.NewLogger(t))
}

func baseConfig() config.Config {
	cfg := config.Default()
	cfg.Timeout = 5 * time.Second
	cfg.Socket.HeartbeatInterval = 0
	cfg.Socket.HeartbeatTimeout = 0
	return cfg
}

func TestDialHTTP(t *testing.T) {
	ts := httptest.NewServer(testServer(t).HTTPHandler())
	defer ts.Close()

	cfg := baseConfig()
	cfg.URL = ts.URL
	cfg.Transports = []string{config.TransportHTTP}

	c, err := Dial(context.Background(), cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer c.Close()

	var sum int
	require.NoError(t, c.Path("math.add").Into(context.Background(), &sum, 2, 3))
	assert.Equal(t, 5, sum)
}

func TestDialCompositeFallsThrough(t *testing.T) {
	// The endpoint only speaks the plain HTTP envelope, so the JSON-RPC member
	// fails first on every call and the HTTP member answers.
	ts := httptest.NewServer(testServer(t).HTTPHandler())
	defer ts.Close()

	cfg := baseConfig()
	cfg.URL = ts.URL
	cfg.Transports = []string{config.TransportJSONRPC, config.TransportHTTP}

	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()
	_, ok := c.tr.(*transport.Composite)
	assert.True(t, ok)

	res, err := c.Path("math.add").Call(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(res))
}

func TestDialWebSocketWithRetry(t *testing.T) {
	ts := httptest.NewServer(testServer(t).WebSocketHandler())
	defer ts.Close()

	cfg := baseConfig()
	cfg.URL = ts.URL // http scheme is rewritten to ws
	cfg.Transports = []string{config.TransportWebSocket}
	cfg.Retry.MaxAttempts = 3

	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()
	_, ok := c.tr.(*transport.Retry)
	assert.True(t, ok)

	res, err := c.Path("math.add").Call(context.Background(), 20, 22)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(res))
}

func TestDialStaticDiscovery(t *testing.T) {
	srv := testServer(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.ServeListener(l) }()
	defer srv.Shutdown(time.Second)

	cfg := baseConfig()
	cfg.Transports = []string{config.TransportTCP}
	cfg.Discovery.Service = "math"
	cfg.Discovery.Static = []string{l.Addr().String()}

	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Path("math.add").Call(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(res))

	_, err = c.Path("math.mul").Call(context.Background(), 1, 2)
	assert.Equal(t, rpcerr.CodeMethodNotFound, rpcerr.CodeOf(err))
}

func TestDialRejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.URL = ""
	_, err := Dial(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewTransportRejectsUnknownCodec(t *testing.T) {
	for _, kind := range []string{config.TransportWebSocket, config.TransportTCP} {
		t.Run(kind, func(t *testing.T) {
			cfg := baseConfig()
			cfg.URL = "ws://127.0.0.1:1/rpc"
			cfg.Transports = []string{kind}
			cfg.Codec = "msgpack"
			_, err := NewTransport(context.Background(), cfg, zaptest.NewLogger(t))
			assert.ErrorContains(t, err, `unknown codec "msgpack"`)
		})
	}
}
