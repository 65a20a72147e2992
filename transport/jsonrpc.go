package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/rpc/v2/json2"

	"rpcdo/message"
	"rpcdo/rpcerr"
)

// JSONRPC speaks JSON-RPC 2.0 over HTTP POST: the call path is the method
// name and the positional args are the params array.
type JSONRPC struct {
	HTTP
}

func NewJSONRPC(url string, creds Credentials) *JSONRPC {
	return &JSONRPC{HTTP: *NewHTTP(url, creds)}
}

func (j *JSONRPC) Call(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	raw, err := message.EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	body, err := json2.EncodeClientRequest(method, raw)
	if err != nil {
		return nil, err
	}
	tok, err := j.Credentials.resolve(ctx, j.URL, secureScheme(j.URL))
	if err != nil {
		return nil, err
	}

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range j.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := j.client().Do(req)
	if err != nil {
		return nil, requestError(ctx, err, method)
	}
	defer cleanlyCloseBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return nil, statusError(resp.StatusCode, buf.Bytes())
	}

	var result json.RawMessage
	err = json2.DecodeClientResponse(resp.Body, &result)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, json2.ErrNullResult):
		return json.RawMessage("null"), nil
	}

	var je *json2.Error
	if errors.As(err, &je) {
		return nil, fromJSONRPCError(je)
	}
	if ctx.Err() != nil {
		return nil, requestError(ctx, err, method)
	}
	return nil, rpcerr.Connection(rpcerr.CodeInvalidResponse, false, err, "%s: decode json-rpc response", method)
}

// fromJSONRPCError maps the numeric JSON-RPC error space onto remote codes.
// Servers that carry a richer error put a RemoteError document in data.
func fromJSONRPCError(je *json2.Error) *rpcerr.RemoteError {
	re := &rpcerr.RemoteError{Message: je.Message}
	if je.Data != nil {
		if b, err := json.Marshal(je.Data); err == nil {
			var inner rpcerr.RemoteError
			if json.Unmarshal(b, &inner) == nil && inner.Code != "" {
				return &inner
			}
			re.Data = b
		}
	}
	switch je.Code {
	case json2.E_NO_METHOD:
		re.Code = rpcerr.CodeMethodNotFound
	case json2.E_BAD_PARAMS, json2.E_INVALID_REQ:
		re.Code = rpcerr.CodeValidation
	case json2.E_INTERNAL:
		re.Code = rpcerr.CodeInternal
	default:
		re.Code = strconv.Itoa(int(je.Code))
	}
	return re
}
