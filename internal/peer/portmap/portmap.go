// Package portmap hands out rendezvous ports. Each port of the 16-bit space
// is owned by at most one user-expect flow at a time.
package portmap

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/pkg/random"

	"github.com/spaolacci/murmur3"
)

const (
	// Size is the number of entries in the map, one per port number.
	Size = 65536
	// MinPort is the lowest port ever allocated.
	MinPort = 1024
)

// Entry is one owned port.
type Entry struct {
	Port  uint16           `json:"port"`
	Owner conntrack.FlowID `json:"owner"`
}

// Map is the rendezvous port map. Reads are lock-free; claims and releases
// serialize on one lock and re-check the slot under it.
type Map struct {
	mu     sync.Mutex
	owners [Size]atomic.Uint64
	salt   uint32
	used   atomic.Int64
}

// New creates an empty map with a random hash salt.
func New() *Map {
	return NewWithSalt(random.Uint32())
}

// NewWithSalt creates an empty map with a fixed hash salt.
func NewWithSalt(salt uint32) *Map {
	return &Map{salt: salt}
}

// StartPort returns where the probe for identity begins.
func (m *Map) StartPort(identity [6]byte) uint16 {
	seed := uint32(binary.BigEndian.Uint16(identity[4:6])) ^ m.salt
	hash := murmur3.Sum32WithSeed(identity[:4], seed)
	return uint16(MinPort + hash%(Size-MinPort))
}

// Allocate claims the first free port at or after the identity's start
// port, wrapping to MinPort. It returns 0 when every port is owned.
func (m *Map) Allocate(owner conntrack.FlowID, identity [6]byte) uint16 {
	return m.allocateFrom(owner, int(m.StartPort(identity)))
}

func (m *Map) allocateFrom(owner conntrack.FlowID, start int) uint16 {
	for port := start; port < Size; port++ {
		if m.claim(port, owner) {
			return uint16(port)
		}
	}
	for port := MinPort; port < start; port++ {
		if m.claim(port, owner) {
			return uint16(port)
		}
	}
	return 0
}

func (m *Map) claim(port int, owner conntrack.FlowID) bool {
	if m.owners[port].Load() != 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[port].Load() != 0 {
		return false
	}
	m.owners[port].Store(uint64(owner))
	m.used.Add(1)
	return true
}

// Owner returns the flow owning port, or 0.
func (m *Map) Owner(port uint16) conntrack.FlowID {
	if m.owners[port].Load() == 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return conntrack.FlowID(m.owners[port].Load())
}

// Release frees port if it is still owned by owner.
func (m *Map) Release(port uint16, owner conntrack.FlowID) bool {
	if port == 0 || m.owners[port].Load() != uint64(owner) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.owners[port].CompareAndSwap(uint64(owner), 0) {
		return false
	}
	m.used.Add(-1)
	return true
}

// Len returns the number of owned ports.
func (m *Map) Len() int {
	return int(m.used.Load())
}

// Entries returns every owned port in ascending order.
func (m *Map) Entries() []Entry {
	entries := make([]Entry, 0, m.Len())
	for port := MinPort; port < Size; port++ {
		if id := m.owners[port].Load(); id != 0 {
			entries = append(entries, Entry{Port: uint16(port), Owner: conntrack.FlowID(id)})
		}
	}
	return entries
}

// Reset releases every port.
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port := range m.owners {
		m.owners[port].Store(0)
	}
	m.used.Store(0)
}
