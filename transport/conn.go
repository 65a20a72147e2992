package transport

import (
	"context"
	"net/url"
	"strings"

	"rpcdo/rpcerr"
)

// Conn is one physical, message-oriented, bidirectional connection.
// Send may be called from one goroutine while Recv runs in another.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Dialer opens a new Conn. Socket calls it once per connection attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Credentials attaches a bearer token to a connection or request.
type Credentials struct {
	Token string
	// TokenFunc, when set, is consulted on every dial/request instead of Token.
	TokenFunc func(ctx context.Context) (string, error)
	// AllowInsecureAuth permits sending credentials over an unencrypted
	// connection. Off by default.
	AllowInsecureAuth bool
}

func (c Credentials) token(ctx context.Context) (string, error) {
	if c.TokenFunc != nil {
		return c.TokenFunc(ctx)
	}
	return c.Token, nil
}

// resolve returns the token to attach, refusing plaintext schemes unless the
// caller opted out.
func (c Credentials) resolve(ctx context.Context, endpoint string, secure bool) (string, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return "", rpcerr.Connection(rpcerr.CodeAuthFailed, false, err, "resolve credentials")
	}
	if tok == "" || secure || c.AllowInsecureAuth {
		return tok, nil
	}
	return "", rpcerr.Connection(rpcerr.CodeInsecure, false, nil,
		"refusing to send credentials over unencrypted connection to %s", redact(endpoint))
}

func secureScheme(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss", "grpcs", "tls":
		return true
	}
	return false
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
