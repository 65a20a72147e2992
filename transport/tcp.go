package transport

// TCP duplex connection: envelopes wrapped in protocol frames over a raw
// (optionally TLS) stream.
//
//	Send(frame seq=1) ──┐
//	Send(frame seq=2) ──┼──→ single TCP conn ──→ Server
//	Send(frame seq=3) ──┘
//
//	Recv: ←── frame → body → Socket matches the envelope id

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"rpcdo/codec"
	"rpcdo/message"
	"rpcdo/protocol"
	"rpcdo/rpcerr"
)

// TCPDialer opens duplex connections speaking the protocol frame format.
// When credentials are present the first frame is an auth envelope and Dial
// waits for the server to acknowledge it.
type TCPDialer struct {
	Addr  string
	TLS   *tls.Config // nil for plaintext
	Codec codec.Codec // nil means JSON
	Credentials
}

func (d *TCPDialer) codec() codec.Codec {
	if d.Codec == nil {
		return &codec.JSONCodec{}
	}
	return d.Codec
}

func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	tok, err := d.Credentials.resolve(ctx, "tcp://"+d.Addr, d.TLS != nil)
	if err != nil {
		return nil, err
	}

	var raw net.Conn
	if d.TLS != nil {
		td := &tls.Dialer{Config: d.TLS}
		raw, err = td.DialContext(ctx, "tcp", d.Addr)
	} else {
		var nd net.Dialer
		raw, err = nd.DialContext(ctx, "tcp", d.Addr)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, rpcerr.Connection(rpcerr.CodeConnectionTimeout, true, err, "dial %s", d.Addr)
		}
		return nil, rpcerr.Connection(rpcerr.CodeConnectionLost, true, err, "dial %s", d.Addr)
	}

	c := &tcpConn{conn: raw, codecType: byte(d.codec().Type())}
	if tok == "" {
		return c, nil
	}
	if err := d.authenticate(ctx, c, tok); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return c, nil
}

func (d *TCPDialer) authenticate(ctx context.Context, c *tcpConn, tok string) error {
	cdc := d.codec()
	body, err := cdc.Encode(&message.Request{Type: message.TypeAuth, Token: tok})
	if err != nil {
		return err
	}
	if err := c.Send(ctx, body); err != nil {
		return rpcerr.Connection(rpcerr.CodeConnectionLost, true, err, "send auth")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	reply, err := c.Recv()
	if err != nil {
		return rpcerr.Connection(rpcerr.CodeConnectionLost, true, err, "await auth ack")
	}
	var resp message.Response
	if err := cdc.Decode(reply, &resp); err != nil {
		return rpcerr.Connection(rpcerr.CodeInvalidResponse, false, err, "decode auth ack")
	}
	if resp.Error != nil {
		return rpcerr.Connection(rpcerr.CodeAuthFailed, false, resp.Error, "server rejected credentials")
	}
	return nil
}

type tcpConn struct {
	conn      net.Conn
	codecType byte
	sending   sync.Mutex // whole frames only; interleaved writes corrupt the stream
	seq       uint32
}

func (c *tcpConn) Send(ctx context.Context, data []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()

	c.seq++
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return protocol.Encode(c.conn, &protocol.Header{
		CodecType: c.codecType,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       c.seq,
	}, data)
}

func (c *tcpConn) Recv() ([]byte, error) {
	_, body, err := protocol.Decode(c.conn)
	return body, err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}
