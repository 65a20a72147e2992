// Package loadbalance picks one service instance per call.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless dispatchers with equal capacity
//   - WeightedRandom:  heterogeneous instances
//   - ConsistentHash:  the same method always lands on the same instance
//
// Every Pick receives the call's method path as its key; strategies that do
// not need affinity ignore it.
package loadbalance

import (
	"errors"
	"fmt"

	"rpcdo/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance for a call. Pick runs on every call and must
// be safe for concurrent use.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return NewWeightedRandomBalancer(), nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
}
