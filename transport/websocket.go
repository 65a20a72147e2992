package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rpcdo/rpcerr"
)

// WebSocketDialer opens duplex connections over WebSocket.
type WebSocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	// Binary sends binary frames instead of text frames; use it with the binary codec.
	Binary bool
	Credentials
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	tok, err := d.Credentials.resolve(ctx, d.URL, secureScheme(d.URL))
	if err != nil {
		return nil, err
	}

	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, rpcerr.Connection(rpcerr.CodeAuthFailed, false, err, "websocket handshake rejected with status %d", resp.StatusCode)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, rpcerr.Connection(rpcerr.CodeConnectionTimeout, true, err, "dial %s", redact(d.URL))
		}
		return nil, rpcerr.Connection(rpcerr.CodeConnectionLost, true, err, "dial %s", redact(d.URL))
	}

	msgType := websocket.TextMessage
	if d.Binary {
		msgType = websocket.BinaryMessage
	}
	return &wsConn{conn: conn, msgType: msgType}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	msgType int
	writeMu sync.Mutex // gorilla allows one concurrent writer
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(c.msgType, data)
}

func (c *wsConn) Recv() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
