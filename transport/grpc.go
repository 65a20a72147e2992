package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"rpcdo/codec"
	"rpcdo/message"
	"rpcdo/rpcerr"
)

const (
	// GRPCService is the service name every call path is routed under:
	// /rpcdo.Dispatcher/<path>.
	GRPCService = "rpcdo.Dispatcher"
	// GRPCErrorKey is the binary trailer that carries a JSON RemoteError document.
	GRPCErrorKey = "rpcdo-error-bin"
)

// GRPCMethod returns the full gRPC method name for a call path.
func GRPCMethod(path string) string {
	return "/" + GRPCService + "/" + path
}

// GRPC invokes each call as a unary RPC with JSON payloads.
type GRPC struct {
	conn  *grpc.ClientConn
	owned bool
	creds Credentials
	tls   bool
}

// NewGRPC wraps an existing connection. The caller keeps ownership; Close on
// the transport leaves conn open. secure reports whether conn is encrypted,
// which governs whether credentials may be attached.
func NewGRPC(conn *grpc.ClientConn, secure bool, creds Credentials) *GRPC {
	return &GRPC{conn: conn, creds: creds, tls: secure}
}

// DialGRPC creates a client connection to target. A nil tlsConfig dials in
// plaintext.
func DialGRPC(target string, tlsConfig *tls.Config, creds Credentials, opts ...grpc.DialOption) (*GRPC, error) {
	tc := insecure.NewCredentials()
	if tlsConfig != nil {
		tc = credentials.NewTLS(tlsConfig)
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(tc)}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", target, err)
	}
	return &GRPC{conn: conn, owned: true, creds: creds, tls: tlsConfig != nil}, nil
}

func (g *GRPC) Call(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	raw, err := message.EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	tok, err := g.creds.resolve(ctx, "grpc://"+g.conn.Target(), g.tls)
	if err != nil {
		return nil, err
	}
	if tok != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
	}

	var (
		reply   json.RawMessage
		trailer metadata.MD
	)
	err = g.conn.Invoke(ctx, GRPCMethod(method), raw, &reply,
		grpc.CallContentSubtype(codec.GRPCSubtype),
		grpc.Trailer(&trailer),
	)
	if err != nil {
		return nil, fromGRPCError(ctx, method, err, trailer)
	}
	if len(reply) == 0 {
		return json.RawMessage("null"), nil
	}
	return reply, nil
}

func (g *GRPC) Close() error {
	if !g.owned {
		return nil
	}
	return g.conn.Close()
}

// fromGRPCError maps gRPC status codes onto the error taxonomy. A RemoteError
// in the trailer takes precedence over the status code.
func fromGRPCError(ctx context.Context, method string, err error, trailer metadata.MD) error {
	if vals := trailer.Get(GRPCErrorKey); len(vals) > 0 {
		var re rpcerr.RemoteError
		if json.Unmarshal([]byte(vals[0]), &re) == nil {
			return &re
		}
	}

	st, ok := status.FromError(err)
	if !ok {
		return rpcerr.Connection(rpcerr.CodeConnectionLost, true, err, "%s: grpc call failed", method)
	}
	switch st.Code() {
	case codes.Unavailable:
		return rpcerr.Connection(rpcerr.CodeConnectionLost, true, err, "%s: %s", method, st.Message())
	case codes.DeadlineExceeded:
		return rpcerr.Connection(rpcerr.CodeRequestTimeout, true, err, "%s timed out", method)
	case codes.Canceled:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contextError(ctxErr, method)
		}
		return rpcerr.Connection(rpcerr.CodeConnectionLost, true, err, "%s: cancelled by server", method)
	case codes.Unauthenticated, codes.PermissionDenied:
		return rpcerr.Connection(rpcerr.CodeAuthFailed, false, err, "%s: %s", method, st.Message())
	case codes.Unimplemented, codes.NotFound:
		return &rpcerr.RemoteError{Code: rpcerr.CodeMethodNotFound, Message: st.Message()}
	case codes.ResourceExhausted:
		return &rpcerr.RemoteError{Code: rpcerr.CodeRateLimited, Message: st.Message()}
	case codes.InvalidArgument:
		return &rpcerr.RemoteError{Code: rpcerr.CodeValidation, Message: st.Message()}
	default:
		return &rpcerr.RemoteError{Code: rpcerr.CodeInternal, Message: st.Message()}
	}
}
