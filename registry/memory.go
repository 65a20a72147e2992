package registry

import (
	"context"
	"sync"
)

// Memory is an in-process Registry for static deployments and tests. TTLs are
// ignored; instances stay until deregistered.
type Memory struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

// NewStatic returns a Memory registry pre-populated with one instance per addr.
func NewStatic(service string, addrs ...string) *Memory {
	m := NewMemory()
	for _, a := range addrs {
		_ = m.Register(context.Background(), service, ServiceInstance{Addr: a, Weight: 1}, 0)
	}
	return m
}

func (m *Memory) Register(_ context.Context, service string, inst ServiceInstance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.services[service]
	if !ok {
		set = make(map[string]ServiceInstance)
		m.services[service] = set
	}
	set[inst.Addr] = inst
	m.notifyLocked(service)
	return nil
}

func (m *Memory) Deregister(_ context.Context, service, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.services[service]; ok {
		delete(set, addr)
		m.notifyLocked(service)
	}
	return nil
}

func (m *Memory) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot(m.services[service]), nil
}

func (m *Memory) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	ch <- snapshot(m.services[service])
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *Memory) notifyLocked(service string) {
	list := snapshot(m.services[service])
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
