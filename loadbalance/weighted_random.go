package loadbalance

import (
	"math/rand"
	"sync"
	"time"

	"rpcdo/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their Weight. Non-positive weights count as 1.
type WeightedRandomBalancer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewWeightedRandomBalancer() *WeightedRandomBalancer {
	return &WeightedRandomBalancer{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func weight(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for _, inst := range instances {
		total += weight(inst)
	}

	b.mu.Lock()
	r := b.rng.Intn(total)
	b.mu.Unlock()

	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "weighted_random"
}
