package client

import (
	"errors"
	"sync"
)

// ErrNoDefault is returned by Default before SetDefault.
var ErrNoDefault = errors.New("client: no default client configured")

var (
	defaultMu     sync.RWMutex
	defaultClient *Client
)

// SetDefault installs c as the process-wide client. Start-up code calls it
// once; nil clears it.
func SetDefault(c *Client) {
	defaultMu.Lock()
	defaultClient = c
	defaultMu.Unlock()
}

func Default() (*Client, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultClient == nil {
		return nil, ErrNoDefault
	}
	return defaultClient, nil
}
