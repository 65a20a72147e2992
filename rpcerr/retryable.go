package rpcerr

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
)

// retryableCodes is the fixed allowlist consulted by IsRetryable.
var retryableCodes = map[string]bool{
	"ECONNRESET":          true,
	"ECONNREFUSED":        true,
	"ETIMEDOUT":           true,
	"EPIPE":               true,
	"UNAVAILABLE":         true,
	CodeConnectionLost:    true,
	CodeConnectionTimeout: true,
	CodeHeartbeatTimeout:  true,
	CodeRequestTimeout:    true,
	CodeRateLimited:       true,
}

var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

var retryablePatterns = []string{
	"eof",
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"network",
}

// IsRetryable is the default retry predicate.
//
// Order of precedence: explicit flags on ConnectionError win, then local
// validation/version errors and context cancellation are never retried, then
// the code allowlist, then message heuristics for untyped network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	var ve *ValidationError
	var vm *VersionError
	if errors.As(err, &ve) || errors.As(err, &vm) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && retryableStatus[se.StatusCode] {
		return true
	}
	if retryableCodes[CodeOf(err)] {
		return true
	}
	var re *RemoteError
	if errors.As(err, &re) {
		// Remote failures are only retried through the allowlist.
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
