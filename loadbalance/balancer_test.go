package loadbalance

import (
	"testing"

	"labrpc/registry"
)

func instances(addrs ...string) []registry.NodeInstance {
	out := make([]registry.NodeInstance, len(addrs))
	for i, addr := range addrs {
		out[i] = registry.NodeInstance{Addr: addr, Weight: 1}
	}
	return out
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}
	insts := instances("a", "b", "c")

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		inst, err := b.Pick(insts)
		if err != nil {
			t.Fatal(err)
		}
		seen[inst.Addr]++
	}
	for _, addr := range []string{"a", "b", "c"} {
		if seen[addr] != 3 {
			t.Errorf("instance %s picked %d times, want 3", addr, seen[addr])
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); err == nil {
		t.Error("expected error for empty instance list")
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}
	insts := []registry.NodeInstance{
		{Addr: "heavy", Weight: 9},
		{Addr: "light", Weight: 1},
	}

	seen := make(map[string]int)
	for i := 0; i < 1000; i++ {
		inst, err := b.Pick(insts)
		if err != nil {
			t.Fatal(err)
		}
		seen[inst.Addr]++
	}
	if seen["heavy"] <= seen["light"] {
		t.Errorf("weight ignored: heavy=%d light=%d", seen["heavy"], seen["light"])
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick(instances("a"))
	if err != nil {
		t.Fatal(err)
	}
	_ = inst

	// All weights zero: every instance is still pickable.
	insts := []registry.NodeInstance{{Addr: "x"}, {Addr: "y"}}
	if _, err := b.Pick(insts); err != nil {
		t.Fatalf("zero-weight pick failed: %v", err)
	}
}

func TestConsistentHashAffinity(t *testing.T) {
	b := NewConsistentHashBalancer()
	b.Update(instances("a", "b", "c"))

	first, err := b.PickFor("session-42")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		inst, err := b.PickFor("session-42")
		if err != nil {
			t.Fatal(err)
		}
		if inst.Addr != first.Addr {
			t.Fatalf("key moved between instances: %s then %s", first.Addr, inst.Addr)
		}
	}
}

func TestConsistentHashEmpty(t *testing.T) {
	b := NewConsistentHashBalancer()
	if _, err := b.PickFor("key"); err == nil {
		t.Error("expected error for empty ring")
	}
}
