package registry

// Etcd stores one key per instance:
//
//	Key:   {prefix}/{service}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Each key is bound to a lease kept alive in the background; when the owner
// dies the lease expires and the instance disappears.

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/rpcdo"

// Etcd implements Registry on etcd v3.
type Etcd struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]context.CancelFunc // key -> stops KeepAlive
}

// NewEtcd connects to the given endpoints.
func NewEtcd(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return NewEtcdFromClient(c, DefaultPrefix, log), nil
}

func NewEtcdFromClient(c *clientv3.Client, prefix string, log *zap.Logger) *Etcd {
	if log == nil {
		log = zap.NewNop()
	}
	return &Etcd{
		client: c,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    log.Named("registry"),
		leases: make(map[string]context.CancelFunc),
	}
}

func (r *Etcd) servicePrefix(service string) string {
	return r.prefix + "/" + service + "/"
}

// Register puts inst under a lease of ttl seconds and keeps the lease alive
// until Deregister or Close.
func (r *Etcd) Register(ctx context.Context, service string, inst ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	key := r.servicePrefix(service) + inst.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive outlives the Register call, so it gets its own context.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev()
	}
	r.leases[key] = cancel
	r.mu.Unlock()
	return nil
}

func (r *Etcd) Deregister(ctx context.Context, service, addr string) error {
	key := r.servicePrefix(service) + addr
	r.mu.Lock()
	if cancel, ok := r.leases[key]; ok {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, key)
	return err
}

func (r *Etcd) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch sends the current list, then applies put/delete events to it and
// sends the updated list after every watch response.
func (r *Etcd) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	out := make(chan []ServiceInstance, 1)
	prefix := r.servicePrefix(service)

	go func() {
		defer close(out)

		resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			r.log.Warn("watch: initial fetch failed", zap.String("service", service), zap.Error(err))
			return
		}
		current := make(map[string]ServiceInstance, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			var inst ServiceInstance
			if json.Unmarshal(kv.Value, &inst) == nil {
				current[string(kv.Key)] = inst
			}
		}
		if !send(ctx, out, snapshot(current)) {
			return
		}

		wch := r.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for wr := range wch {
			if err := wr.Err(); err != nil {
				r.log.Warn("watch error", zap.String("service", service), zap.Error(err))
				return
			}
			for _, ev := range wr.Events {
				key := string(ev.Kv.Key)
				switch ev.Type {
				case mvccpb.PUT:
					var inst ServiceInstance
					if json.Unmarshal(ev.Kv.Value, &inst) == nil {
						current[key] = inst
					}
				case mvccpb.DELETE:
					delete(current, key)
				}
			}
			if !send(ctx, out, snapshot(current)) {
				return
			}
		}
	}()
	return out
}

// Close stops every keepalive and closes the etcd client.
func (r *Etcd) Close() error {
	r.mu.Lock()
	for key, cancel := range r.leases {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}

func snapshot(m map[string]ServiceInstance) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(m))
	for _, inst := range m {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// send delivers the latest list, replacing an unread older one.
func send(ctx context.Context, out chan []ServiceInstance, list []ServiceInstance) bool {
	select {
	case <-out:
	default:
	}
	select {
	case out <- list:
		return true
	case <-ctx.Done():
		return false
	}
}
