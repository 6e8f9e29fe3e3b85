package portmap

import (
	"sync"
	"testing"

	"Go2NatPeer/internal/conntrack"

	"github.com/go-playground/assert/v2"
)

var identity = [6]byte{0x02, 0x42, 0xac, 0x11, 0x00, 0x02}

func TestStartPortRange(t *testing.T) {
	for salt := uint32(0); salt < 2000; salt++ {
		m := NewWithSalt(salt)
		start := m.StartPort(identity)
		if start < MinPort {
			t.Fatalf("salt %d: start port %d below %d", salt, start, MinPort)
		}
	}
	m := NewWithSalt(7)
	assert.Equal(t, m.StartPort(identity), m.StartPort(identity))
}

func TestAllocateIsStableAndExclusive(t *testing.T) {
	m := NewWithSalt(1)
	first := m.Allocate(1, identity)
	assert.Equal(t, first, m.StartPort(identity))
	assert.Equal(t, m.Owner(first), conntrack.FlowID(1))

	// Same identity, different owner: the start port is taken.
	second := m.Allocate(2, identity)
	if second == first || second == 0 {
		t.Fatalf("expected a distinct port, got %d and %d", first, second)
	}
	assert.Equal(t, m.Len(), 2)

	assert.Equal(t, m.Release(first, 2), false)
	assert.Equal(t, m.Release(first, 1), true)
	assert.Equal(t, m.Owner(first), conntrack.FlowID(0))
	assert.Equal(t, m.Allocate(3, identity), first)
}

func TestAllocateWrapsToMinPort(t *testing.T) {
	m := NewWithSalt(0)
	for port := 60000; port < Size; port++ {
		if !m.claim(port, 99) {
			t.Fatalf("claim %d failed", port)
		}
	}
	assert.Equal(t, m.allocateFrom(5, 60000), uint16(MinPort))
	assert.Equal(t, m.Owner(MinPort), conntrack.FlowID(5))
}

func TestAllocateExhausted(t *testing.T) {
	m := NewWithSalt(3)
	for port := MinPort; port < Size; port++ {
		m.claim(port, 1)
	}
	assert.Equal(t, m.Allocate(2, identity), uint16(0))
	assert.Equal(t, m.Len(), Size-MinPort)

	m.Reset()
	assert.Equal(t, m.Len(), 0)
	assert.Equal(t, len(m.Entries()), 0)
}

func TestConcurrentAllocationIsUnique(t *testing.T) {
	m := NewWithSalt(42)
	const workers, perWorker = 32, 200

	ports := make([][]uint16, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				owner := conntrack.FlowID(w*perWorker + i + 1)
				ports[w] = append(ports[w], m.Allocate(owner, identity))
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint16]bool)
	for _, list := range ports {
		for _, p := range list {
			if p == 0 {
				t.Fatal("allocation failed with free ports left")
			}
			if seen[p] {
				t.Fatalf("port %d allocated twice", p)
			}
			seen[p] = true
		}
	}
	assert.Equal(t, m.Len(), workers*perWorker)
	assert.Equal(t, len(m.Entries()), workers*perWorker)
}
