// Package loadbalance picks a target node from the instances a registry
// discovered. Strategies:
//
//   - RoundRobin:      equal-capacity nodes
//   - WeightedRandom:  heterogeneous nodes
//   - ConsistentHash:  session affinity (same key → same node)
package loadbalance

import "labrpc/registry"

// Balancer selects one instance per call; implementations must be
// goroutine-safe.
type Balancer interface {
	Pick(instances []registry.NodeInstance) (*registry.NodeInstance, error)

	// Name identifies the strategy in logs.
	Name() string
}
