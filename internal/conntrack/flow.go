package conntrack

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"Go2NatPeer/internal/model"
)

// FlowID is a stable handle for a tracked flow. Side tables key on it
// instead of holding flow pointers across packets.
type FlowID uint64

// Direction of a packet relative to the flow's first packet.
type Direction uint8

const (
	Original Direction = 0
	Reply    Direction = 1
)

func (d Direction) String() string {
	if d == Original {
		return "original"
	}
	return "reply"
}

// Tag is the owner-defined kind of a flow. It moves away from TagNone at
// most once, through CompareAndSwapTag.
type Tag uint32

const TagNone Tag = 0

// Flag is a per-flow status bit.
type Flag uint32

const (
	FlagBypass Flag = 1 << iota
	FlagAck
	FlagFastForwardStop
)

// Endpoint is an address and port pair.
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.IP, e.Port) }

// Flow is one tracked connection.
type Flow struct {
	id      FlowID
	created time.Time

	mu     sync.RWMutex
	tuples [2]model.Tuple
	dnat   bool
	snat   bool

	confirmed atomic.Bool
	tag       atomic.Uint32
	flags     atomic.Uint32

	// TCP is the window tracking state of a TCP flow.
	TCP TCPState
}

func newFlow(id FlowID, orig model.Tuple) *Flow {
	f := &Flow{id: id, created: time.Now()}
	f.tuples[Original] = orig
	f.tuples[Reply] = orig.Reverse()
	return f
}

func (f *Flow) ID() FlowID { return f.id }
func (f *Flow) Created() time.Time { return f.created }
func (f *Flow) Confirmed() bool { return f.confirmed.Load() }
func (f *Flow) Tag() Tag { return Tag(f.tag.Load()) }
func (f *Flow) HasFlag(g Flag) bool { return Flag(f.flags.Load())&g != 0 }

// Tuple returns the tuple of the given direction.
func (f *Flow) Tuple(dir Direction) model.Tuple {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tuples[dir]
}

// CompareAndSwapTag sets the tag to next if it currently equals prev.
func (f *Flow) CompareAndSwapTag(prev, next Tag) bool {
	return f.tag.CompareAndSwap(uint32(prev), uint32(next))
}

// SetFlag sets g and reports whether any of its bits were already set.
func (f *Flow) SetFlag(g Flag) bool {
	return Flag(f.flags.Or(uint32(g)))&g != 0
}

// NATed reports which address translations are bound to the flow.
func (f *Flow) NATed() (dnat, snat bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dnat, f.snat
}

func (f *Flow) String() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return fmt.Sprintf("flow %d [%s | %s]", f.id, f.tuples[Original], f.tuples[Reply])
}
