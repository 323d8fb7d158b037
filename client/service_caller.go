package client

import (
	"context"
	"net"

	"labrpc/loadbalance"
	"labrpc/registry"
	"labrpc/wire"
)

// ServiceCaller calls by service name instead of address: it discovers the
// registered node instances, lets the balancer pick one, and forwards to the
// underlying caller.
type ServiceCaller struct {
	reg    registry.Registry
	bal    loadbalance.Balancer
	caller Caller
}

// NewServiceCaller wires discovery and balancing in front of caller.
func NewServiceCaller(reg registry.Registry, bal loadbalance.Balancer, caller Caller) *ServiceCaller {
	return &ServiceCaller{reg: reg, bal: bal, caller: caller}
}

// Call resolves service through the registry and issues the request against
// the picked node.
func (s *ServiceCaller) Call(ctx context.Context, service, method string, args []any, kwargs map[string]any) (any, error) {
	instances, err := s.reg.Discover(service)
	if err != nil {
		return nil, wire.Errorf("discover %s: %v", service, err)
	}
	instance, err := s.bal.Pick(instances)
	if err != nil {
		return nil, wire.Errorf("pick instance for %s: %v", service, err)
	}
	addr, err := net.ResolveUDPAddr("udp", instance.Addr)
	if err != nil {
		return nil, wire.Errorf("resolve %s: %v", instance.Addr, err)
	}
	return s.caller.Call(ctx, addr, method, args, kwargs)
}
