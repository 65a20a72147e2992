package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"

	"rpcdo/rpcerr"
)

// JSONRPCHandler serves JSON-RPC 2.0: the method is the call path and params
// the positional argument array. Failures carry the RemoteError document in
// the error's data member.
func (s *Server) JSONRPCHandler() http.Handler {
	codec := json2.NewCodec()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		req := codec.NewRequest(r)
		method, err := req.Method()
		if err != nil {
			req.WriteError(w, http.StatusBadRequest, err)
			return
		}
		if s.auth != nil {
			if err := s.auth(r.Context(), bearer(r)); err != nil {
				req.WriteError(w, http.StatusUnauthorized, jsonRPCError(&rpcerr.RemoteError{Code: rpcerr.CodeAuthFailed, Message: err.Error()}))
				return
			}
		}

		var params []json.RawMessage
		if err := req.ReadRequest(&params); err != nil {
			req.WriteError(w, http.StatusBadRequest, err)
			return
		}

		res, err := s.dispatcher.DispatchRaw(r.Context(), method, params)
		if err != nil {
			re := toRemote(err)
			req.WriteError(w, statusFor(re.Code), jsonRPCError(re))
			return
		}
		if res == nil {
			res = json.RawMessage("null")
		}
		req.WriteResponse(w, res)
	})
}

func jsonRPCError(re *rpcerr.RemoteError) *json2.Error {
	code := json2.E_SERVER
	switch re.Code {
	case rpcerr.CodeMethodNotFound, rpcerr.CodeUnknownNamespace:
		code = json2.E_NO_METHOD
	case rpcerr.CodeValidation:
		code = json2.E_BAD_PARAMS
	case rpcerr.CodeInternal:
		code = json2.E_INTERNAL
	}
	return &json2.Error{Code: code, Message: re.Message, Data: re}
}
