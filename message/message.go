// Package message defines the envelopes exchanged between a client transport and a remote dispatcher.
//
// Duplex transports exchange Request/Response envelopes correlated by ID:
//
//	→ {"id":1,"method":"users.get","args":[42]}
//	← {"id":1,"result":{"name":"ada"}}
//	← {"id":2,"error":{"code":"METHOD_NOT_FOUND","message":"..."}}
//	→ {"type":"ping"}   ← {"type":"pong"}
//
// Request/response transports send a single HTTPRequest body per exchange.
package message

import (
	"encoding/json"
	"fmt"

	"rpcdo/rpcerr"
)

// Envelope types. The zero value is an ordinary call/response.
const (
	TypePing = "ping"
	TypePong = "pong"
	TypeAuth = "auth"
)

// Request is an outbound duplex envelope.
//
//   - Call:  ID and Method are set, Args carries the JSON-encoded positional arguments.
//   - Ping:  Type is "ping", nothing else is set.
//   - Auth:  Type is "auth", Token carries the credential (sent first on raw sockets).
type Request struct {
	Type   string            `json:"type,omitempty"`
	ID     uint64            `json:"id,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Token  string            `json:"token,omitempty"`
}

// MarshalJSON writes call envelopes as {id, method, args} with args always
// present, an empty call included. Control frames keep only their set fields.
func (r Request) MarshalJSON() ([]byte, error) {
	type frame Request
	if r.Type != "" {
		return json.Marshal(frame(r))
	}
	args := r.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	return json.Marshal(struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Args   []json.RawMessage `json:"args"`
		Token  string            `json:"token,omitempty"`
	}{r.ID, r.Method, args, r.Token})
}

// Response is an inbound duplex envelope. A response with neither Result nor
// Error carries no outcome and is ignored by the client.
type Response struct {
	Type   string              `json:"type,omitempty"`
	ID     uint64              `json:"id,omitempty"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  *rpcerr.RemoteError `json:"error,omitempty"`
}

// HasOutcome reports whether the response resolves a pending call.
func (r *Response) HasOutcome() bool {
	return r.Result != nil || r.Error != nil
}

// HTTPRequest is the body of a single request/response exchange.
type HTTPRequest struct {
	Path string            `json:"path"`
	Args []json.RawMessage `json:"args"`
}

// HTTPErrorBody is the error document a dispatcher returns with a non-2xx status.
type HTTPErrorBody struct {
	Error *rpcerr.RemoteError `json:"error"`
}

// EncodeArgs JSON-encodes each positional argument. A nil slice encodes as an
// empty argument list so the wire always carries an array.
func EncodeArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
