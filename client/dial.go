package client

// Dial assembles the transport stack from configuration:
//
//	url + transports ──→ one member per kind (ws|tcp|http|jsonrpc|grpc)
//	                 ──→ Composite when more than one member
//	discovery.service ─→ Balanced over the registry instead of url
//	retry.max_attempts > 1 ──→ Retry around the whole stack

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"rpcdo/codec"
	"rpcdo/config"
	"rpcdo/loadbalance"
	"rpcdo/registry"
	"rpcdo/transport"
)

// Dial builds a Client from cfg. Socket transports connect on first use; with
// discovery, the registry is queried once so that an unreachable backend
// fails here.
func Dial(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := newClient(opts)
	t, err := NewTransport(ctx, cfg, c.log)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 && c.callTimeout == 0 {
		c.callTimeout = cfg.Timeout
	}
	c.tr = t
	return c, nil
}

// NewTransport builds the configured transport stack.
func NewTransport(ctx context.Context, cfg config.Config, log *zap.Logger) (transport.Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &builder{cfg: cfg, log: log}

	var (
		t   transport.Transport
		err error
	)
	if cfg.Discovery.Service != "" {
		t, err = b.balanced(ctx)
	} else {
		t, err = b.direct()
	}
	if err != nil {
		return nil, err
	}

	if cfg.Retry.MaxAttempts > 1 {
		t = transport.NewRetry(t, transport.RetryOptions{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			Jitter:       cfg.Retry.Jitter,
			OnRetry: func(method string, attempt int, err error, delay time.Duration) {
				log.Debug("retrying call", zap.String("method", method), zap.Int("attempt", attempt),
					zap.Duration("delay", delay), zap.Error(err))
			},
		})
	}
	return t, nil
}

type builder struct {
	cfg config.Config
	log *zap.Logger
}

func (b *builder) direct() (transport.Transport, error) {
	u, err := url.Parse(b.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	members := make([]transport.Transport, 0, len(b.cfg.Transports))
	for _, kind := range b.cfg.Transports {
		t, err := b.member(kind, u)
		if err != nil {
			for _, m := range members {
				_ = transport.Close(m)
			}
			return nil, err
		}
		members = append(members, t)
	}
	if len(members) == 1 {
		return members[0], nil
	}
	return transport.NewComposite(b.log, members...), nil
}

func (b *builder) balanced(ctx context.Context) (transport.Transport, error) {
	d := b.cfg.Discovery

	var (
		reg    registry.Registry
		closer io.Closer
	)
	if len(d.EtcdEndpoints) > 0 {
		etcd, err := registry.NewEtcd(d.EtcdEndpoints, b.cfg.Socket.ConnectTimeout, b.log)
		if err != nil {
			return nil, err
		}
		reg, closer = etcd, etcd
	} else {
		reg = registry.NewStatic(d.Service, d.Static...)
	}

	fail := func(err error) (transport.Transport, error) {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	if _, err := reg.Discover(ctx, d.Service); err != nil {
		return fail(fmt.Errorf("discover %s: %w", d.Service, err))
	}
	bal, err := loadbalance.New(d.Balancer)
	if err != nil {
		return fail(err)
	}

	pool := transport.NewPool(d.PoolSize, func(inst registry.ServiceInstance) (transport.Transport, error) {
		kind := inst.Transport
		if kind == "" && len(b.cfg.Transports) > 0 {
			kind = b.cfg.Transports[0]
		}
		if kind == "" {
			kind = config.TransportTCP
		}
		u, err := instanceURL(kind, inst.Addr)
		if err != nil {
			return nil, err
		}
		return b.member(kind, u)
	})
	bt := transport.NewBalanced(d.Service, reg, bal, pool, b.log)
	if closer == nil {
		return bt, nil
	}
	return &ownedRegistry{Balanced: bt, registry: closer}, nil
}

// ownedRegistry closes the registry client together with the transport.
type ownedRegistry struct {
	*transport.Balanced
	registry io.Closer
}

func (o *ownedRegistry) Close() error {
	return errors.Join(o.Balanced.Close(), o.registry.Close())
}

func instanceURL(kind, addr string) (*url.URL, error) {
	if strings.Contains(addr, "://") {
		return url.Parse(addr)
	}
	scheme := kind
	if kind == config.TransportJSONRPC {
		scheme = "http"
	}
	return url.Parse(scheme + "://" + addr + "/")
}

func (b *builder) member(kind string, u *url.URL) (transport.Transport, error) {
	creds := transport.Credentials{
		Token:             b.cfg.Token,
		AllowInsecureAuth: b.cfg.AllowInsecureAuth,
	}
	secure := isSecure(u.Scheme)

	switch kind {
	case config.TransportWebSocket:
		cdc, err := codec.ByName(b.cfg.Codec)
		if err != nil {
			return nil, err
		}
		wsURL := withScheme(u, "ws", "wss")
		return transport.NewSocket(&transport.WebSocketDialer{
			URL:              wsURL,
			HandshakeTimeout: b.cfg.Socket.ConnectTimeout,
			Binary:           cdc.Type() == codec.CodecTypeBinary,
			Credentials:      creds,
		}, b.socketOptions(cdc)), nil
	case config.TransportTCP:
		cdc, err := codec.ByName(b.cfg.Codec)
		if err != nil {
			return nil, err
		}
		d := &transport.TCPDialer{Addr: u.Host, Codec: cdc, Credentials: creds}
		if secure {
			d.TLS = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
		}
		return transport.NewSocket(d, b.socketOptions(cdc)), nil
	case config.TransportHTTP:
		h := transport.NewHTTP(withScheme(u, "http", "https"), creds)
		h.Timeout = b.cfg.Timeout
		return h, nil
	case config.TransportJSONRPC:
		j := transport.NewJSONRPC(withScheme(u, "http", "https"), creds)
		j.Timeout = b.cfg.Timeout
		return j, nil
	case config.TransportGRPC:
		var tc *tls.Config
		if secure {
			tc = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
		}
		return transport.DialGRPC(u.Host, tc, creds)
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

func (b *builder) socketOptions(cdc codec.Codec) transport.SocketOptions {
	s := b.cfg.Socket
	opts := transport.DefaultSocketOptions()
	opts.Codec = cdc
	opts.Reconnect = s.Reconnect
	opts.ConnectTimeout = s.ConnectTimeout
	opts.HeartbeatInterval = s.HeartbeatInterval
	opts.HeartbeatTimeout = s.HeartbeatTimeout
	opts.MaxReconnectAttempts = s.MaxReconnectAttempts
	opts.RequestTimeout = s.RequestTimeout
	if s.ReconnectDelay > 0 {
		opts.Backoff.InitialDelay = s.ReconnectDelay
	}
	if s.MaxReconnectDelay > 0 {
		opts.Backoff.MaxDelay = s.MaxReconnectDelay
	}
	opts.Logger = b.log.Named("socket")
	opts.OnStateChange = func(from, to transport.State) {
		b.log.Debug("socket state", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	return opts
}

func isSecure(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "https", "wss", "grpcs", "tls":
		return true
	}
	return false
}

// withScheme rewrites u onto the plain or TLS scheme of one family.
func withScheme(u *url.URL, plain, secure string) string {
	out := *u
	out.Scheme = plain
	if isSecure(u.Scheme) {
		out.Scheme = secure
	}
	return out.String()
}
