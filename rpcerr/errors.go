// Package rpcerr defines the error taxonomy shared by every transport.
//
// Three families exist:
//
//   - ConnectionError: the transport could not deliver the call or lost its answer.
//     Each carries a Retryable flag consumed by the retry decorator.
//   - RemoteError / StatusError: the remote side answered with a failure. The code and
//     data are propagated untouched.
//   - ValidationError / VersionError: local schema or protocol mismatches, never retried.
//
// Every error exposes a machine-readable code through CodeOf.
package rpcerr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Connection error codes.
const (
	CodeConnectionTimeout = "CONNECTION_TIMEOUT"
	CodeConnectionLost    = "CONNECTION_LOST"
	CodeReconnectFailed   = "RECONNECT_FAILED"
	CodeHeartbeatTimeout  = "HEARTBEAT_TIMEOUT"
	CodeInsecure          = "INSECURE_CONNECTION"
	CodeRequestTimeout    = "REQUEST_TIMEOUT"
	CodeClosed            = "CONNECTION_CLOSED"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeInvalidResponse   = "INVALID_RESPONSE"
	CodeNotInitialized    = "TRANSPORT_NOT_INITIALIZED"
	CodeNoTransports      = "NO_TRANSPORTS"
	CodeRateLimited       = "RATE_LIMITED"
	CodeCancelled         = "CANCELLED"
)

// Remote and local codes.
const (
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeUnknownNamespace = "UNKNOWN_NAMESPACE"
	CodeInternal         = "INTERNAL_ERROR"
	CodeValidation       = "VALIDATION_ERROR"
	CodeVersionMismatch  = "VERSION_MISMATCH"
)

var (
	ErrClosed         = &ConnectionError{Code: CodeClosed, Message: "connection closed"}
	ErrConnectionLost = &ConnectionError{Code: CodeConnectionLost, Message: "connection lost", Retryable: true}
	ErrHeartbeat      = &ConnectionError{Code: CodeHeartbeatTimeout, Message: "heartbeat timeout", Retryable: true}
	ErrNotInitialized = &ConnectionError{Code: CodeNotInitialized, Message: "transport not initialized"}
)

// ConnectionError is raised when the transport itself fails.
type ConnectionError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error // underlying cause, may be nil
}

// Connection builds a ConnectionError with the given code and cause.
func Connection(code string, retryable bool, cause error, format string, args ...any) *ConnectionError {
	return &ConnectionError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		Err:       cause,
	}
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("rpc: %s: %s", e.Code, e.Message)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches any ConnectionError carrying the same code, so sentinels like
// ErrClosed work with errors.Is regardless of message or cause.
func (e *ConnectionError) Is(target error) bool {
	var t *ConnectionError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Context translates a context failure during op. A deadline becomes a
// retryable REQUEST_TIMEOUT and cancellation a terminal CANCELLED; the
// context error stays reachable through errors.Is.
func Context(err error, op string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Connection(CodeRequestTimeout, true, err, "%s timed out", op)
	case errors.Is(err, context.Canceled):
		return Connection(CodeCancelled, false, err, "%s cancelled", op)
	}
	return err
}

// RemoteError is the error object returned by the remote dispatcher.
type RemoteError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "rpc: remote: " + e.Message
	}
	return fmt.Sprintf("rpc: remote %s: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts both string and numeric codes (JSON-RPC style servers
// send integers).
func (e *RemoteError) UnmarshalJSON(data []byte) error {
	var raw struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Message = raw.Message
	e.Data = raw.Data
	e.Code = ""
	code := bytes.TrimSpace(raw.Code)
	if len(code) == 0 || bytes.Equal(code, []byte("null")) {
		return nil
	}
	if code[0] == '"' {
		return json.Unmarshal(code, &e.Code)
	}
	var n json.Number
	if err := json.Unmarshal(code, &n); err != nil {
		return fmt.Errorf("rpcerr: invalid error code %s", code)
	}
	e.Code = n.String()
	return nil
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
	Remote     *RemoteError // parsed error body, when the server sent one
}

func (e *StatusError) Error() string {
	if e.Remote != nil {
		return fmt.Sprintf("rpc: http %d: %s", e.StatusCode, e.Remote.Error())
	}
	if e.Body == "" {
		return fmt.Sprintf("rpc: http %d", e.StatusCode)
	}
	return fmt.Sprintf("rpc: http %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Remote == nil {
		return nil
	}
	return e.Remote
}

// ValidationError reports a local schema mismatch before or after a call.
type ValidationError struct {
	Method string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rpc: validation failed for %s: %s", e.Method, e.Reason)
}

// VersionError reports a protocol version mismatch.
type VersionError struct {
	Expected string
	Actual   string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("rpc: protocol version mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// CodeOf returns the machine-readable code carried by err, or "" when err
// does not belong to the taxonomy.
func CodeOf(err error) string {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Code
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.Remote != nil && se.Remote.Code != "" {
			return se.Remote.Code
		}
		return "HTTP_" + strconv.Itoa(se.StatusCode)
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CodeValidation
	}
	var vm *VersionError
	if errors.As(err, &vm) {
		return CodeVersionMismatch
	}
	return ""
}
