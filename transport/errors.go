package transport

import "rpcdo/rpcerr"

// contextError gives a context failure its taxonomy code so timeouts stay
// distinct from network failures.
func contextError(err error, method string) error {
	return rpcerr.Context(err, method)
}
