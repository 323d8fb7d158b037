// Package registry lets labrpc nodes find each other. A node registers the
// UDP address it answers on under a service name; callers discover the live
// instances and hand them to a balancer.
package registry

// NodeInstance describes one reachable RPC node.
type NodeInstance struct {
	Addr    string // UDP address the node listens on, e.g. "10.0.0.5:7788"
	Weight  int    // relative capacity, consumed by weighted balancers
	Version string
}

// Registry is the discovery contract.
type Registry interface {
	// Register announces an instance under a service name with a TTL in
	// seconds; the entry self-expires if the node stops renewing it.
	Register(service string, instance NodeInstance, ttl int64) error

	// Deregister withdraws an instance, typically during orderly shutdown.
	Deregister(service string, addr string) error

	// Discover returns the currently registered instances for a service.
	Discover(service string) ([]NodeInstance, error)

	// Watch emits the updated instance list whenever membership changes.
	Watch(service string) <-chan []NodeInstance
}
