package transport

// Pool keeps a small set of transports per remote address.
//
// Each address owns a buffered channel used as a FIFO ring: Get takes the
// transport at the head and puts it straight back at the tail, so concurrent
// callers spread over the set without exclusive borrowing (every Transport is
// safe for concurrent use).
//
//	addr A: [t1 t2 t3] ──Get──→ t1, ring becomes [t2 t3 t1]
//	addr B: [t1]

import (
	"errors"
	"fmt"
	"sync"

	"rpcdo/registry"
)

// InstanceFactory builds a transport for one registry instance.
type InstanceFactory func(inst registry.ServiceInstance) (Transport, error)

type Pool struct {
	factory InstanceFactory
	size    int

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

type poolEntry struct {
	ring chan Transport
	all  []Transport
}

// NewPool creates transports lazily, size per address (at least one).
func NewPool(size int, factory InstanceFactory) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		factory: factory,
		size:    size,
		entries: make(map[string]*poolEntry),
	}
}

// Get returns the next transport for inst, creating the set on first use.
func (p *Pool) Get(inst registry.ServiceInstance) (Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("transport pool closed")
	}

	e, ok := p.entries[inst.Addr]
	if !ok {
		var err error
		if e, err = p.fill(inst); err != nil {
			return nil, err
		}
		p.entries[inst.Addr] = e
	}

	t := <-e.ring
	e.ring <- t
	return t, nil
}

func (p *Pool) fill(inst registry.ServiceInstance) (*poolEntry, error) {
	e := &poolEntry{ring: make(chan Transport, p.size)}
	for i := 0; i < p.size; i++ {
		t, err := p.factory(inst)
		if err != nil {
			for _, made := range e.all {
				_ = Close(made)
			}
			return nil, fmt.Errorf("create transport for %s: %w", inst.Addr, err)
		}
		e.all = append(e.all, t)
		e.ring <- t
	}
	return e, nil
}

// Evict drops and closes every transport for addr. The next Get recreates them.
func (p *Pool) Evict(addr string) error {
	p.mu.Lock()
	e, ok := p.entries[addr]
	delete(p.entries, addr)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return closeAll(e.all)
}

// Len returns the number of addresses with live transports.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := closeAll(e.all); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeAll(ts []Transport) error {
	var errs []error
	for _, t := range ts {
		if err := Close(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
