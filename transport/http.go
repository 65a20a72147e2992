package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"rpcdo/message"
	"rpcdo/rpcerr"
)

const (
	maxResponseSize = 32 << 20
	maxErrorBody    = 512
)

// HTTP issues one POST per call. The body is {"path": method, "args": [...]}
// and a 2xx response body is the raw result.
type HTTP struct {
	URL     string
	Client  *http.Client  // nil means a client with sane transport defaults
	Timeout time.Duration // per call, on top of any ctx deadline
	Header  http.Header   // extra headers sent with every call
	Credentials
}

// NewHTTP returns an HTTP transport for url with a 30s per-call timeout.
func NewHTTP(url string, creds Credentials) *HTTP {
	return &HTTP{
		URL:         url,
		Timeout:     30 * time.Second,
		Credentials: creds,
	}
}

var defaultHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	},
}

func (h *HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return defaultHTTPClient
}

func (h *HTTP) Call(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	raw, err := message.EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(message.HTTPRequest{Path: method, Args: raw})
	if err != nil {
		return nil, err
	}
	tok, err := h.Credentials.resolve(ctx, h.URL, secureScheme(h.URL))
	if err != nil {
		return nil, err
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := h.client().Do(req)
	if err != nil {
		return nil, requestError(ctx, err, method)
	}
	defer cleanlyCloseBody(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, requestError(ctx, err, method)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, data)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, rpcerr.Connection(rpcerr.CodeInvalidResponse, false, nil,
			"%s: response body is not valid JSON", method)
	}
	return json.RawMessage(data), nil
}

// requestError separates deadline expiry from network failure.
func requestError(ctx context.Context, err error, method string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contextError(ctxErr, method)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contextError(context.DeadlineExceeded, method)
	}
	return rpcerr.Connection(rpcerr.CodeConnectionLost, true, err, "%s: request failed", method)
}

func statusError(code int, body []byte) error {
	se := &rpcerr.StatusError{StatusCode: code}
	var eb message.HTTPErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != nil {
		se.Remote = eb.Error
	}
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	se.Body = text
	return se
}

// cleanlyCloseBody drains before closing so the connection can be reused.
func cleanlyCloseBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseSize))
	_ = body.Close()
}
