package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcdo/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var got []string
	for i := 0; i < 4; i++ {
		inst, err := b.Pick("users.get", testInstances)
		require.NoError(t, err)
		got = append(got, inst.Addr)
	}
	assert.Equal(t, []string{":8001", ":8002", ":8003", ":8001"}, got)
}

func TestEmptyInstances(t *testing.T) {
	for _, name := range []string{"round_robin", "weighted_random", "consistent_hash"} {
		b, err := New(name)
		require.NoError(t, err)
		_, err = b.Pick("k", nil)
		assert.ErrorIs(t, err, ErrNoInstances, name)
		assert.Equal(t, name, b.Name())
	}
}

func TestNewUnknown(t *testing.T) {
	_, err := New("random_walk")
	assert.Error(t, err)
}

func TestWeightedRandom(t *testing.T) {
	b := NewWeightedRandomBalancer()

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// 10:5:10, so :8001 should be picked about twice as often as :8002.
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := NewWeightedRandomBalancer()
	inst, err := b.Pick("", []registry.ServiceInstance{{Addr: "a"}, {Addr: "b"}})
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, inst.Addr)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	first, err := b.Pick("users.get", testInstances)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, _ := b.Pick("users.get", testInstances)
		assert.Equal(t, first.Addr, again.Addr)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(fmt.Sprintf("method-%d", i), testInstances)
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashRebuildsOnChange(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.Pick("k", testInstances)
	require.NoError(t, err)

	only := []registry.ServiceInstance{{Addr: ":9000"}}
	inst, err := b.Pick("k", only)
	require.NoError(t, err)
	assert.Equal(t, ":9000", inst.Addr)
}
