package server

import (
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"rpcdo/rpcerr"
	"rpcdo/transport"
)

// NewGRPCServer returns a grpc.Server routing every /rpcdo.Dispatcher/<path>
// call to the dispatcher. Payloads use the JSON codec registered by the codec
// package, so no generated stubs are involved.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnknownServiceHandler(s.handleGRPC))
	return grpc.NewServer(opts...)
}

func (s *Server) handleGRPC(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method name unavailable")
	}
	prefix := "/" + transport.GRPCService + "/"
	if !strings.HasPrefix(full, prefix) {
		return status.Errorf(codes.Unimplemented, "unknown service method %s", full)
	}
	method := strings.TrimPrefix(full, prefix)
	ctx := stream.Context()

	if s.auth != nil {
		var token string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("authorization"); len(vals) > 0 && len(vals[0]) > 7 {
				token = vals[0][7:]
			}
		}
		if err := s.auth(ctx, token); err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
	}

	var args []json.RawMessage
	if err := stream.RecvMsg(&args); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode arguments: %v", err)
	}

	res, err := s.dispatcher.DispatchRaw(ctx, method, args)
	if err != nil {
		re := toRemote(err)
		if doc, merr := json.Marshal(re); merr == nil {
			stream.SetTrailer(metadata.Pairs(transport.GRPCErrorKey, string(doc)))
		}
		return status.Error(grpcCode(re.Code), re.Message)
	}
	if res == nil {
		res = json.RawMessage("null")
	}
	return stream.SendMsg(res)
}

func grpcCode(code string) codes.Code {
	switch code {
	case rpcerr.CodeMethodNotFound, rpcerr.CodeUnknownNamespace:
		return codes.NotFound
	case rpcerr.CodeValidation:
		return codes.InvalidArgument
	case rpcerr.CodeAuthFailed:
		return codes.Unauthenticated
	case rpcerr.CodeRateLimited:
		return codes.ResourceExhausted
	}
	return codes.Unknown
}
