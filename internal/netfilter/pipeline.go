// Package netfilter runs datagrams through ordered hook chains at the
// classic routing points and hands the survivors to an Output.
package netfilter

import (
	"math"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/engine/protocol"

	"github.com/golang/glog"
)

// Verdict is what a hook decides about a packet.
type Verdict uint8

const (
	// Accept lets the packet continue to the next hook.
	Accept Verdict = iota
	// Drop discards the packet.
	Drop
	// Stolen means the hook took ownership of the packet.
	Stolen
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Drop:
		return "drop"
	case Stolen:
		return "stolen"
	}
	return "unknown"
}

// HookPoint is a position in the datagram path.
type HookPoint uint8

const (
	PreRouting HookPoint = iota
	LocalIn
	Forward
	LocalOut
	PostRouting
	numHookPoints
)

func (h HookPoint) String() string {
	return [...]string{"PRE_ROUTING", "LOCAL_IN", "FORWARD", "LOCAL_OUT", "POST_ROUTING"}[h]
}

// Hook priorities. Lower runs first.
const (
	PriorityFirst     = math.MinInt32
	PriorityConntrack = -200
	PriorityNATDst    = -100
	PriorityNATSrc    = 100
	PriorityLast      = math.MaxInt32
)

// Origin tells where a packet entered the pipeline.
type Origin uint8

const (
	FromWire Origin = iota
	FromHost
)

// Packet is an IPv4 datagram in flight plus the metadata hooks share.
type Packet struct {
	// Data is the IPv4 datagram. Hooks may replace it, e.g. to grow the
	// TCP header.
	Data      []byte
	SrcMAC    net.HardwareAddr
	DstMAC    net.HardwareAddr
	InDev     string
	OutDev    string
	Mark      uint32
	MTU       int
	Worker    int
	Timestamp time.Time
	Origin    Origin

	CT    *conntrack.Flow
	CTDir conntrack.Direction
}

// Dst returns the current destination address of the datagram.
func (p *Packet) Dst() netip.Addr {
	if len(p.Data) < 20 {
		return netip.Addr{}
	}
	return protocol.Addr(p.Data[16:20])
}

// HookFunc inspects or rewrites a packet.
type HookFunc func(p *Packet) Verdict

// Hook is a named function attached to a hook point.
type Hook struct {
	Name     string
	Point    HookPoint
	Priority int
	Fn       HookFunc
}

// Output receives packets that made it through the pipeline.
type Output interface {
	// Transmit sends a packet out of OutDev.
	Transmit(p *Packet) error
	// Deliver hands a packet to the local stack.
	Deliver(p *Packet) error
}

// Pipeline holds the hook chains.
type Pipeline struct {
	mu      sync.RWMutex
	chains  [numHookPoints][]Hook
	out     Output
	isLocal func(netip.Addr) bool
}

// New creates a pipeline. isLocal decides routing after PRE_ROUTING.
func New(out Output, isLocal func(netip.Addr) bool) *Pipeline {
	return &Pipeline{out: out, isLocal: isLocal}
}

// Register attaches hooks. Equal priorities keep registration order.
func (p *Pipeline) Register(hooks ...Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hooks {
		chain := append(p.chains[h.Point], h)
		sort.SliceStable(chain, func(i, j int) bool { return chain[i].Priority < chain[j].Priority })
		p.chains[h.Point] = chain
	}
}

// Hooks returns the names of the hooks at point in run order.
func (p *Pipeline) Hooks(point HookPoint) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.chains[point]))
	for _, h := range p.chains[point] {
		names = append(names, h.Name)
	}
	return names
}

// Run passes pkt through the chain at point and returns the first verdict
// other than Accept.
func (p *Pipeline) Run(point HookPoint, pkt *Packet) Verdict {
	p.mu.RLock()
	chain := p.chains[point]
	p.mu.RUnlock()
	for _, h := range chain {
		if v := h.Fn(pkt); v != Accept {
			if glog.V(3) {
				glog.Infof("netfilter: %s %s -> %s", point, h.Name, v)
			}
			return v
		}
	}
	return Accept
}

// Receive processes a packet that arrived from the wire.
func (p *Pipeline) Receive(pkt *Packet) Verdict {
	if v := p.Run(PreRouting, pkt); v != Accept {
		return v
	}
	if p.isLocal != nil && p.isLocal(pkt.Dst()) {
		if v := p.Run(LocalIn, pkt); v != Accept {
			return v
		}
		if err := p.out.Deliver(pkt); err != nil {
			glog.Warningf("netfilter: deliver to %s failed: %v", pkt.Dst(), err)
			return Drop
		}
		return Accept
	}
	if v := p.Run(Forward, pkt); v != Accept {
		return v
	}
	return p.post(pkt)
}

// Output processes a packet generated by the local host.
func (p *Pipeline) Output(pkt *Packet) Verdict {
	pkt.Origin = FromHost
	if v := p.Run(LocalOut, pkt); v != Accept {
		return v
	}
	return p.post(pkt)
}

func (p *Pipeline) post(pkt *Packet) Verdict {
	if v := p.Run(PostRouting, pkt); v != Accept {
		return v
	}
	if err := p.out.Transmit(pkt); err != nil {
		glog.Warningf("netfilter: transmit to %s failed: %v", pkt.Dst(), err)
		return Drop
	}
	return Accept
}
