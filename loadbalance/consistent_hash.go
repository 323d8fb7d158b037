package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"labrpc/registry"
)

// ConsistentHashBalancer maps an affinity key (e.g. a peer or session id) to
// a stable node: the same key lands on the same instance until membership
// changes. Each real instance occupies replicas virtual points on the ring
// so load spreads evenly.
//
// It does not implement the Balancer interface — consistent hashing is
// key-based, so callers use PickFor.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32
	nodes map[uint32]registry.NodeInstance
}

// NewConsistentHashBalancer builds a ring with 100 virtual points per
// instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.NodeInstance),
	}
}

// Update rebuilds the ring from the current instance list, typically fed
// from a registry Watch channel.
func (b *ConsistentHashBalancer) Update(instances []registry.NodeInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// PickFor finds the instance owning key: hash the key and walk clockwise to
// the nearest virtual point, wrapping past the top of the ring.
func (b *ConsistentHashBalancer) PickFor(key string) (*registry.NodeInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
