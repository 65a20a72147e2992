// Package registry tracks the live instances of a remote dispatcher service.
//
// transport.Balanced discovers instances here on every call and keeps a
// per-address transport for each one.
package registry

import "context"

// ServiceInstance is one reachable dispatcher endpoint.
type ServiceInstance struct {
	Addr      string `json:"addr"`
	Weight    int    `json:"weight,omitempty"`
	Version   string `json:"version,omitempty"`
	Transport string `json:"transport,omitempty"` // ws|tcp|http|jsonrpc|grpc; empty means the client default
}

type Registry interface {
	Register(ctx context.Context, service string, inst ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
}
