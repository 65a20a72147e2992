package transport

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"rpcdo/loadbalance"
	"rpcdo/registry"
	"rpcdo/rpcerr"
)

// Balanced spreads calls over the instances of a service.
//
//	Call(method) ──→ registry.Discover(service)
//	             ──→ balancer.Pick(method, instances)
//	             ──→ pool.Get(instance).Call(...)
//
// An instance whose transport reports a connection-level failure is evicted
// from the pool so the next call to it starts fresh.
type Balanced struct {
	service  string
	registry registry.Registry
	balancer loadbalance.Balancer
	pool     *Pool
	log      *zap.Logger
}

func NewBalanced(service string, reg registry.Registry, bal loadbalance.Balancer, pool *Pool, log *zap.Logger) *Balanced {
	if log == nil {
		log = zap.NewNop()
	}
	return &Balanced{
		service:  service,
		registry: reg,
		balancer: bal,
		pool:     pool,
		log:      log.Named("balanced"),
	}
}

var evictCodes = map[string]bool{
	rpcerr.CodeConnectionLost:    true,
	rpcerr.CodeConnectionTimeout: true,
	rpcerr.CodeReconnectFailed:   true,
	rpcerr.CodeHeartbeatTimeout:  true,
}

func (b *Balanced) Call(ctx context.Context, method string, args []any) (json.RawMessage, error) {
	instances, err := b.registry.Discover(ctx, b.service)
	if err != nil {
		return nil, rpcerr.Connection(rpcerr.CodeConnectionLost, true, err, "discover %s", b.service)
	}
	if len(instances) == 0 {
		return nil, rpcerr.Connection(rpcerr.CodeNoTransports, true, nil, "no instances of %s", b.service)
	}

	inst, err := b.balancer.Pick(method, instances)
	if err != nil {
		return nil, rpcerr.Connection(rpcerr.CodeNoTransports, true, err, "pick instance of %s", b.service)
	}
	t, err := b.pool.Get(*inst)
	if err != nil {
		return nil, err
	}

	res, err := t.Call(ctx, method, args)
	if err != nil && evictCodes[rpcerr.CodeOf(err)] {
		b.log.Info("evicting instance", zap.String("addr", inst.Addr), zap.Error(err))
		if cerr := b.pool.Evict(inst.Addr); cerr != nil {
			b.log.Debug("close evicted transports", zap.String("addr", inst.Addr), zap.Error(cerr))
		}
	}
	return res, err
}

func (b *Balanced) Close() error {
	return b.pool.Close()
}
