package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rpcdo/codec"
	"rpcdo/message"
	"rpcdo/rpcerr"
)

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}

// WebSocketHandler upgrades the request and serves duplex envelopes. Text
// frames use the JSON codec and binary frames the binary codec; each reply
// uses the frame type of its request.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth != nil {
			if err := s.auth(r.Context(), bearer(r)); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		s.serveWebSocket(conn)
	})
}

func (s *Server) serveWebSocket(conn *websocket.Conn) {
	s.track(conn, true)
	defer func() {
		s.track(conn, false)
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	write := func(mt int, c codec.Codec, resp *message.Response) {
		data, err := c.Encode(resp)
		if err != nil {
			s.log.Warn("encode response", zap.Error(err))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(mt, data); err != nil {
			s.log.Debug("websocket write", zap.Error(err))
		}
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var c codec.Codec = &codec.JSONCodec{}
		if mt == websocket.BinaryMessage {
			c = &codec.BinaryCodec{}
		}

		var req message.Request
		if err := c.Decode(data, &req); err != nil {
			s.log.Debug("dropping undecodable message", zap.Error(err))
			continue
		}
		switch req.Type {
		case message.TypePing:
			write(mt, c, &message.Response{Type: message.TypePong})
			continue
		case message.TypePong, message.TypeAuth:
			continue
		}

		s.wg.Add(1)
		go func(req message.Request) {
			defer s.wg.Done()
			write(mt, c, s.respond(context.Background(), &req))
		}(req)
	}
}

// statusFor maps a remote error code onto an HTTP status.
func statusFor(code string) int {
	switch code {
	case rpcerr.CodeMethodNotFound, rpcerr.CodeUnknownNamespace:
		return http.StatusNotFound
	case rpcerr.CodeValidation:
		return http.StatusBadRequest
	case rpcerr.CodeAuthFailed:
		return http.StatusUnauthorized
	case rpcerr.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeJSONError(w http.ResponseWriter, re *rpcerr.RemoteError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(re.Code))
	_ = json.NewEncoder(w).Encode(message.HTTPErrorBody{Error: re})
}
