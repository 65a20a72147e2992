package server

import (
	"encoding/json"
	"io"
	"net/http"

	"rpcdo/message"
	"rpcdo/rpcerr"
)

const maxRequestBody = 32 << 20

// HTTPHandler serves one call per POST with body {"path": ..., "args": [...]}.
// The response body is the raw JSON result, or {"error": {...}} with a
// non-2xx status.
func (s *Server) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.auth != nil {
			if err := s.auth(r.Context(), bearer(r)); err != nil {
				writeJSONError(w, &rpcerr.RemoteError{Code: rpcerr.CodeAuthFailed, Message: err.Error()})
				return
			}
		}

		var req message.HTTPRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeJSONError(w, &rpcerr.RemoteError{Code: rpcerr.CodeValidation, Message: "malformed request body: " + err.Error()})
			return
		}

		res, err := s.dispatcher.DispatchRaw(r.Context(), req.Path, req.Args)
		if err != nil {
			writeJSONError(w, toRemote(err))
			return
		}
		if res == nil {
			res = json.RawMessage("null")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(res)
	})
}
