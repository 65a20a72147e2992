package transport

// Socket multiplexes many concurrent calls over one persistent connection.
//
// Each call gets a unique request id. A single writer goroutine drains a FIFO
// of encoded envelopes, and a single reader goroutine routes every response to
// the caller waiting on that id:
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ outq ──→ writeLoop ──→ conn ──→ Server
//	goroutine-3 ──Call(id=3)──┘
//
//	readLoop:  ←── response(id=2) → pending[2] → goroutine-2 wakes up
//
// Lifecycle:
//
//	Disconnected ──Call/Connect──→ Connecting ──dial ok──→ Open
//	     ↑                            ↑   │                 │
//	     └──── dial failed, ──────────┘   └── backoff ←─────┘ connection lost
//	           no reconnect                                   (reconnect enabled)
//
//	any state ──Close──→ Closing ──→ Closed (terminal)

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"rpcdo/codec"
	"rpcdo/message"
	"rpcdo/rpcerr"
)

// State is the connection state of a Socket.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SocketOptions configures a Socket. Zero durations disable the feature they
// control, except ConnectTimeout and WriteTimeout which fall back to defaults.
type SocketOptions struct {
	Codec                codec.Codec
	Reconnect            bool
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxReconnectAttempts int // 0 means unlimited
	Backoff              Backoff
	RequestTimeout       time.Duration
	Logger               *zap.Logger

	// OnStateChange runs with the socket lock held and must not call back
	// into the Socket.
	OnStateChange func(from, to State)
}

// DefaultSocketOptions mirrors the configuration defaults.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		Reconnect:            true,
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		MaxReconnectAttempts: 10,
		Backoff: Backoff{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       0.1,
		},
	}
}

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall lives between enqueueing a request and its single outcome.
type pendingCall struct {
	id        uint64
	method    string
	createdAt time.Time
	done      chan callResult // buffered; written exactly once, after removal from the pending set
}

type outbound struct {
	id   uint64 // 0 for control envelopes (ping/pong)
	data []byte
}

// socketConn is one physical connection generation.
type socketConn struct {
	conn Conn
	wake chan struct{} // writer signal, cap 1
	pong chan struct{} // liveness signal, cap 1
	done chan struct{} // closed when this generation ends
	once sync.Once
	lost bool // guarded by Socket.mu
	err  error
}

func newSocketConn(c Conn) *socketConn {
	return &socketConn{
		conn: c,
		wake: make(chan struct{}, 1),
		pong: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (sc *socketConn) signal() {
	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

func (sc *socketConn) finish(cause error) error {
	var err error
	sc.once.Do(func() {
		sc.err = cause
		close(sc.done)
		err = sc.conn.Close()
	})
	return err
}

// Socket is the persistent duplex transport.
type Socket struct {
	dialer Dialer
	opts   SocketOptions
	codec  codec.Codec
	log    *zap.Logger
	ping   []byte
	pong   []byte

	mu      sync.Mutex
	state   State
	changed chan struct{} // closed and replaced on every state change
	conn    *socketConn
	nextID  uint64
	pending map[uint64]*pendingCall
	outq    []outbound
	lastErr error
	rng     *rand.Rand

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSocket creates a Socket in the Disconnected state. No connection is made
// until the first Call or Connect.
func NewSocket(d Dialer, opts SocketOptions) *Socket {
	if opts.Codec == nil {
		opts.Codec = &codec.JSONCodec{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.HeartbeatInterval > 0 && opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = opts.HeartbeatInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Socket{
		dialer:  d,
		opts:    opts,
		codec:   opts.Codec,
		log:     log.Named("socket"),
		changed: make(chan struct{}),
		pending: make(map[uint64]*pendingCall),
		rng:     newRand(),
		closed:  make(chan struct{}),
	}
	// Control envelopes never change; encode them once.
	s.ping, _ = s.codec.Encode(&message.Request{Type: message.TypePing})
	s.pong, _ = s.codec.Encode(&message.Request{Type: message.TypePong})
	return s
}

// State returns the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of calls awaiting an outcome.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Connect starts a connection cycle if none is running and blocks until the
// socket is Open, the cycle gives up, or ctx ends.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.lastErr = nil
		s.startCycleLocked()
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		st, ch, lastErr := s.state, s.changed, s.lastErr
		s.mu.Unlock()

		switch st {
		case StateOpen:
			return nil
		case StateClosing, StateClosed:
			return rpcerr.ErrClosed
		case StateDisconnected:
			if lastErr != nil {
				return lastErr
			}
			return rpcerr.ErrConnectionLost
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return contextError(ctx.Err(), "connect")
		}
	}
}

// Call sends method/args and waits for the correlated response.
//
// Calls made before the connection opens are queued and written in order once
// it does. Calls that fail because the connection dropped are not replayed.
func (s *Socket) Call(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	raw, err := message.EncodeArgs(args)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil, rpcerr.Connection(rpcerr.CodeClosed, false, nil, "socket closed, cannot call %s", method)
	}

	s.nextID++
	id := s.nextID
	data, err := s.codec.Encode(&message.Request{ID: id, Method: method, Args: raw})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	pc := &pendingCall{
		id:        id,
		method:    method,
		createdAt: time.Now(),
		done:      make(chan callResult, 1),
	}
	s.pending[id] = pc
	s.outq = append(s.outq, outbound{id: id, data: data})

	switch s.state {
	case StateOpen:
		s.conn.signal()
	case StateDisconnected:
		s.startCycleLocked()
	}
	s.mu.Unlock()

	var timeout <-chan time.Time
	if s.opts.RequestTimeout > 0 {
		t := time.NewTimer(s.opts.RequestTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-pc.done:
		return r.result, r.err
	case <-ctx.Done():
		if !s.abandon(id) {
			r := <-pc.done
			return r.result, r.err
		}
		return nil, contextError(ctx.Err(), method)
	case <-timeout:
		if !s.abandon(id) {
			r := <-pc.done
			return r.result, r.err
		}
		return nil, rpcerr.Connection(rpcerr.CodeRequestTimeout, true, nil,
			"%s timed out after %s", method, s.opts.RequestTimeout)
	}
}

// Close rejects every outstanding call, closes the connection and stops any
// reconnect cycle. Calling Close again is a no-op.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.setStateLocked(StateClosing)
		failed := s.takePendingLocked()
		sc := s.conn
		s.conn = nil
		if sc != nil {
			sc.lost = true
		}
		close(s.closed)
		s.mu.Unlock()

		reject(failed, rpcerr.ErrClosed)
		if sc != nil {
			err = sc.finish(rpcerr.ErrClosed)
		}

		s.mu.Lock()
		s.setStateLocked(StateClosed)
		s.mu.Unlock()
		s.log.Debug("socket closed", zap.Int("rejected", len(failed)))
	})
	return err
}

func (s *Socket) abandon(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (s *Socket) setStateLocked(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to)
	}
}

func (s *Socket) startCycleLocked() {
	s.setStateLocked(StateConnecting)
	go s.run()
}

// takePendingLocked empties the pending set and the outbound queue.
func (s *Socket) takePendingLocked() []*pendingCall {
	failed := make([]*pendingCall, 0, len(s.pending))
	for id, pc := range s.pending {
		failed = append(failed, pc)
		delete(s.pending, id)
	}
	s.outq = nil
	return failed
}

func reject(calls []*pendingCall, err error) {
	for _, pc := range calls {
		pc.done <- callResult{err: err}
	}
}

func (s *Socket) isClosing() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// run owns one connect/reconnect cycle. It exits when the socket closes, when
// the cycle gives up, or when the connection drops with reconnect disabled.
func (s *Socket) run() {
	var lastErr error
	attempt := 0 // consecutive reconnect attempts since the last successful open

	for {
		if attempt > 0 {
			if s.opts.MaxReconnectAttempts > 0 && attempt > s.opts.MaxReconnectAttempts {
				s.endCycle(rpcerr.Connection(rpcerr.CodeReconnectFailed, false, lastErr,
					"gave up after %d reconnect attempts", s.opts.MaxReconnectAttempts))
				return
			}
			s.mu.Lock()
			delay := s.opts.Backoff.Delay(attempt, s.rng)
			s.mu.Unlock()
			s.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
			if !s.sleep(delay) {
				return
			}
		}

		sc, err := s.dial()
		if err != nil {
			if s.isClosing() {
				return
			}
			s.log.Warn("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			if !s.opts.Reconnect || !rpcerr.IsRetryable(err) {
				s.endCycle(err)
				return
			}
			lastErr = err
			attempt++
			continue
		}

		if !s.open(sc) {
			_ = sc.finish(rpcerr.ErrClosed)
			return
		}
		attempt = 0

		<-sc.done
		if s.isClosing() || !s.opts.Reconnect {
			return
		}
		lastErr = sc.err
		attempt = 1
	}
}

func (s *Socket) dial() (*socketConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	c, err := s.dialer.Dial(ctx)
	if err != nil {
		if rpcerr.CodeOf(err) != "" {
			return nil, err
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, rpcerr.Connection(rpcerr.CodeConnectionTimeout, true, err,
				"connect timed out after %s", s.opts.ConnectTimeout)
		}
		return nil, rpcerr.Connection(rpcerr.CodeConnectionLost, true, err, "connect failed")
	}
	return newSocketConn(c), nil
}

func (s *Socket) open(sc *socketConn) bool {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.conn = sc
	s.lastErr = nil
	s.setStateLocked(StateOpen)
	queued := len(s.outq)
	s.mu.Unlock()

	s.log.Debug("socket open", zap.Int("queued", queued))
	go s.readLoop(sc)
	go s.writeLoop(sc)
	if s.opts.HeartbeatInterval > 0 {
		go s.heartbeatLoop(sc)
	}
	return true
}

// endCycle fails every queued call with err and returns to Disconnected.
func (s *Socket) endCycle(err error) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	failed := s.takePendingLocked()
	s.lastErr = err
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	reject(failed, err)
}

// connectionLost tears down sc after an unexpected failure. Pending calls are
// rejected before the reconnect cycle can open a new connection, so a new
// generation never inherits stale entries.
func (s *Socket) connectionLost(sc *socketConn, cause error) {
	err := lostError(cause)

	s.mu.Lock()
	if sc.lost {
		s.mu.Unlock()
		return
	}
	sc.lost = true
	if s.conn == sc {
		s.conn = nil
	}
	var failed []*pendingCall
	if s.state != StateClosing && s.state != StateClosed {
		failed = s.takePendingLocked()
		if s.opts.Reconnect {
			s.setStateLocked(StateConnecting)
		} else {
			s.lastErr = err
			s.setStateLocked(StateDisconnected)
		}
	}
	s.mu.Unlock()

	s.log.Warn("connection lost", zap.Error(err), zap.Int("rejected", len(failed)))
	_ = sc.finish(err)
	reject(failed, err)
}

func lostError(cause error) error {
	if rpcerr.CodeOf(cause) != "" {
		return cause
	}
	return rpcerr.Connection(rpcerr.CodeConnectionLost, true, cause, "connection lost")
}

func (s *Socket) sleep(d time.Duration) bool {
	if d <= 0 {
		return !s.isClosing()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.closed:
		return false
	}
}

// next pops the oldest envelope that still has a caller waiting for it.
func (s *Socket) next(sc *socketConn) (outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != sc {
		return outbound{}, false
	}
	for len(s.outq) > 0 {
		o := s.outq[0]
		s.outq = s.outq[1:]
		if o.id != 0 {
			if _, ok := s.pending[o.id]; !ok {
				continue // abandoned before it reached the wire
			}
		}
		return o, true
	}
	return outbound{}, false
}

func (s *Socket) writeLoop(sc *socketConn) {
	for {
		for {
			o, ok := s.next(sc)
			if !ok {
				break
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
			err := sc.conn.Send(ctx, o.data)
			cancel()
			if err != nil {
				s.connectionLost(sc, err)
				return
			}
		}
		select {
		case <-sc.wake:
		case <-sc.done:
			return
		}
	}
}

func (s *Socket) readLoop(sc *socketConn) {
	for {
		data, err := sc.conn.Recv()
		if err != nil {
			s.connectionLost(sc, err)
			return
		}

		var resp message.Response
		if err := s.codec.Decode(data, &resp); err != nil {
			s.log.Debug("dropping undecodable message", zap.Error(err))
			continue
		}

		switch resp.Type {
		case message.TypePong:
			select {
			case sc.pong <- struct{}{}:
			default:
			}
			continue
		case message.TypePing:
			s.enqueueControl(sc, s.pong)
			continue
		}

		if !resp.HasOutcome() {
			continue
		}
		s.resolve(&resp)
	}
}

func (s *Socket) resolve(resp *message.Response) {
	s.mu.Lock()
	pc, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()
	if !ok {
		return // already resolved, timed out, or not ours
	}

	if resp.Error != nil {
		pc.done <- callResult{err: resp.Error}
		return
	}
	pc.done <- callResult{result: resp.Result}
}

func (s *Socket) enqueueControl(sc *socketConn, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != sc {
		return
	}
	s.outq = append(s.outq, outbound{data: data})
	sc.signal()
}

// heartbeatLoop probes liveness. A ping left unanswered for HeartbeatTimeout
// marks the connection lost.
func (s *Socket) heartbeatLoop(sc *socketConn) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-sc.done:
			return
		}

		select {
		case <-sc.pong:
		default:
		}
		s.enqueueControl(sc, s.ping)

		timer := time.NewTimer(s.opts.HeartbeatTimeout)
		select {
		case <-sc.pong:
			timer.Stop()
		case <-sc.done:
			timer.Stop()
			return
		case <-timer.C:
			s.connectionLost(sc, rpcerr.Connection(rpcerr.CodeHeartbeatTimeout, true, nil,
				"no pong within %s", s.opts.HeartbeatTimeout))
			return
		}
	}
}
