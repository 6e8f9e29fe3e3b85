// Package handshake runs the emulated TCP handshake between peer servers
// and binds real flows to the mappings it establishes.
package handshake

import (
	"net/netip"

	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer/registry"
	"Go2NatPeer/internal/peer/session"

	"github.com/golang/glog"
)

// Log and event stage names.
const (
	StagePreIn   = "PPI"
	StagePostOut = "PPO"
	StageDNAT    = "PD"
)

// Hook priorities.
const (
	PriorityPreIn   = netfilter.PriorityConntrack - 5
	PriorityDNAT    = netfilter.PriorityNATDst - 40
	PriorityPostOut = netfilter.PriorityLast - 5
)

// Mark is set on every packet of a bound flow.
const Mark uint32 = 0x99

// DefaultRendezvous is where real flows arriving through a fake user are
// sent.
var DefaultRendezvous = conntrack.Endpoint{IP: netip.AddrFrom4([4]byte{192, 168, 16, 1}), Port: 443}

// Transmitter sends a finished packet out of its OutDev.
type Transmitter interface {
	Transmit(p *netfilter.Packet) error
}

// NAT binds address translations to unconfirmed flows.
type NAT interface {
	DNATSetup(f *conntrack.Flow, ep conntrack.Endpoint) error
}

// Config holds the process-wide handshake settings.
type Config struct {
	// Rendezvous is the local service a fake user's real flow is sent to.
	// An invalid IP keeps the flow's own destination address.
	Rendezvous conntrack.Endpoint
	// Identity is advertised in every PEER_SYN and PEER_ACK.
	Identity [6]byte
	// IsLocal reports whether an address belongs to this host.
	IsLocal func(netip.Addr) bool
	// Workers is the number of goroutines running hooks concurrently.
	Workers int
}

// Machine owns the handshake hooks.
type Machine struct {
	cfg      Config
	registry *registry.Registry
	store    *session.Store
	nat      NAT
	out      Transmitter
	events   model.EventSink
	counters *metrics.Counters

	// scratch is indexed by worker; each worker only touches its own.
	scratch []*session.Scratch
}

// New creates a machine. events and counters may be nil.
func New(cfg Config, reg *registry.Registry, store *session.Store, nat NAT, out Transmitter, events model.EventSink, counters *metrics.Counters) *Machine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.IsLocal == nil {
		cfg.IsLocal = func(netip.Addr) bool { return true }
	}
	if events == nil {
		events = model.Discard
	}
	if counters == nil {
		counters = metrics.New("natpeer", metrics.All...)
	}
	return &Machine{
		cfg:      cfg,
		registry: reg,
		store:    store,
		nat:      nat,
		out:      out,
		events:   events,
		counters: counters,
		scratch:  make([]*session.Scratch, cfg.Workers),
	}
}

// Hooks returns the hooks to register on the pipeline.
func (m *Machine) Hooks() []netfilter.Hook {
	return []netfilter.Hook{
		{Name: "peer_pre_in", Point: netfilter.PreRouting, Priority: PriorityPreIn, Fn: m.PreIn},
		{Name: "peer_dnat", Point: netfilter.PreRouting, Priority: PriorityDNAT, Fn: m.DNAT},
		{Name: "peer_post_out", Point: netfilter.PostRouting, Priority: PriorityPostOut, Fn: m.PostOut},
	}
}

func (m *Machine) scratchFor(worker int) *session.Scratch {
	if worker < 0 || worker >= len(m.scratch) {
		glog.V(1).Infof("worker %d has no scratch buffer", worker)
		return session.NewScratch()
	}
	if m.scratch[worker] == nil {
		m.scratch[worker] = session.NewScratch()
	}
	return m.scratch[worker]
}

func (m *Machine) transmit(p *netfilter.Packet) bool {
	if err := m.out.Transmit(p); err != nil {
		m.counters.Inc(metrics.TransmitFailures)
		glog.Errorf("transmit %d bytes on %q failed: %v", len(p.Data), p.OutDev, err)
		return false
	}
	return true
}

func (m *Machine) emit(ev model.Event) {
	m.events.Emit(ev)
}
