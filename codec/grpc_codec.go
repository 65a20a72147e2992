package codec

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// GRPCSubtype is the content-subtype under which GRPCCodec is registered.
// Clients select it with grpc.CallContentSubtype.
const GRPCSubtype = "rpcdo-json"

func init() {
	encoding.RegisterCodec(GRPCCodec{})
}

// GRPCCodec carries JSON payloads in gRPC messages so a dispatcher can be
// served without generated protobuf stubs. Raw JSON passes through untouched.
type GRPCCodec struct{}

func (GRPCCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case json.RawMessage:
		return m, nil
	case *json.RawMessage:
		return *m, nil
	}
	return json.Marshal(v)
}

func (GRPCCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(*json.RawMessage); ok {
		*m = append((*m)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

func (GRPCCodec) Name() string { return GRPCSubtype }
