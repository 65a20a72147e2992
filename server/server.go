// Package server is a reference dispatcher with serving adapters for every
// client transport.
//
// TCP request pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → auth envelope first, when an Authenticator is set
//	  → ping: answer pong inline
//	  → call: go handleRequest (parallel) → Dispatcher → write response frame
//
// The same Dispatcher also backs WebSocketHandler, HTTPHandler,
// JSONRPCHandler and NewGRPCServer.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rpcdo/codec"
	"rpcdo/message"
	"rpcdo/protocol"
	"rpcdo/registry"
	"rpcdo/rpcerr"
)

// Authenticator validates a bearer token. A nil Authenticator accepts every
// connection.
type Authenticator func(ctx context.Context, token string) error

// Server serves a Dispatcher over framed TCP and registers itself for
// discovery.
type Server struct {
	dispatcher *Dispatcher
	auth       Authenticator
	log        *zap.Logger

	listener      net.Listener
	wg            sync.WaitGroup // in-flight requests
	shutdown      atomic.Bool    // set before closing the listener
	registry      registry.Registry
	service       string
	advertiseAddr string // routable address registered for discovery

	mu    sync.Mutex
	conns map[io.Closer]struct{} // live TCP and WebSocket connections
}

func NewServer(d *Dispatcher, auth Authenticator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		dispatcher: d,
		auth:       auth,
		log:        log.Named("server"),
		conns:      make(map[io.Closer]struct{}),
	}
}

// Dispatcher returns the dispatcher this server routes to.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Serve listens on address and blocks in the accept loop. When reg is not nil
// the server registers itself as an instance of service under advertiseAddr.
func (s *Server) Serve(ctx context.Context, network, address, service, advertiseAddr string, reg registry.Registry) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	if reg != nil {
		if advertiseAddr == "" {
			advertiseAddr = l.Addr().String()
		}
		inst := registry.ServiceInstance{Addr: advertiseAddr, Weight: 1, Transport: "tcp"}
		if err := reg.Register(ctx, service, inst, 10); err != nil {
			_ = l.Close()
			return fmt.Errorf("register %s: %w", service, err)
		}
		s.registry, s.service, s.advertiseAddr = reg, service, advertiseAddr
	}
	return s.ServeListener(l)
}

// ServeListener runs the accept loop on l until Shutdown.
func (s *Server) ServeListener(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	if s.shutdown.Load() {
		_ = l.Close()
		return nil
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn io.Closer, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConn reads frames sequentially and dispatches each call on its own
// goroutine. writeMu keeps response frames from interleaving.
func (s *Server) handleConn(conn net.Conn) {
	s.track(conn, true)
	defer func() {
		s.track(conn, false)
		_ = conn.Close()
	}()

	writeMu := &sync.Mutex{}
	authed := s.auth == nil
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		c := codec.GetCodec(codec.CodecType(header.CodecType))
		var req message.Request
		if err := c.Decode(body, &req); err != nil {
			s.log.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}

		switch req.Type {
		case message.TypeAuth:
			resp := &message.Response{Type: message.TypeAuth, Result: []byte("true")}
			if s.auth != nil {
				if err := s.auth(context.Background(), req.Token); err != nil {
					resp = &message.Response{Type: message.TypeAuth, Error: &rpcerr.RemoteError{Code: rpcerr.CodeAuthFailed, Message: err.Error()}}
				} else {
					authed = true
				}
			}
			s.write(conn, writeMu, header, c, resp)
			if resp.Error != nil {
				return
			}
			continue
		case message.TypePing:
			s.write(conn, writeMu, header, c, &message.Response{Type: message.TypePong})
			continue
		case message.TypePong:
			continue
		}

		if !authed {
			s.write(conn, writeMu, header, c, &message.Response{ID: req.ID, Error: &rpcerr.RemoteError{Code: rpcerr.CodeAuthFailed, Message: "authentication required"}})
			return
		}
		s.wg.Add(1)
		go s.handleRequest(conn, writeMu, header, c, &req)
	}
}

func (s *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, c codec.Codec, req *message.Request) {
	defer s.wg.Done()
	s.write(conn, writeMu, header, c, s.respond(context.Background(), req))
}

// respond runs one call envelope through the dispatcher.
func (s *Server) respond(ctx context.Context, req *message.Request) *message.Response {
	res, err := s.dispatcher.DispatchRaw(ctx, req.Method, req.Args)
	if err != nil {
		return &message.Response{ID: req.ID, Error: toRemote(err)}
	}
	if res == nil {
		res = []byte("null")
	}
	return &message.Response{ID: req.ID, Result: res}
}

func (s *Server) write(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, c codec.Codec, resp *message.Response) {
	body, err := c.Encode(resp)
	if err != nil {
		s.log.Warn("encode response", zap.Error(err))
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	err = protocol.Encode(conn, &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}, body)
	if err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}

// Shutdown deregisters from discovery, stops accepting, waits for in-flight
// requests up to timeout and then drops the remaining connections.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.service, s.advertiseAddr); err != nil {
			s.log.Warn("deregister", zap.Error(err))
		}
		cancel()
	}

	s.shutdown.Store(true)
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("server: timeout waiting for in-flight requests")
	}

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	return err
}
