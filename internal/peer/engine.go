// Package peer assembles the NAT hole-punch engine: the flow tracker, the
// rendezvous port map, the server registry, the session store and the
// hooks that run the emulated handshake and rewrite bound flows.
package peer

import (
	"net/netip"
	"time"

	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer/handshake"
	"Go2NatPeer/internal/peer/portmap"
	"Go2NatPeer/internal/peer/registry"
	"Go2NatPeer/internal/peer/rewrite"
	"Go2NatPeer/internal/peer/session"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
)

// Options configures an Engine. Zero values take the package defaults.
type Options struct {
	Identity   [6]byte
	Rendezvous conntrack.Endpoint

	MaxServers    int
	MaxProbeSlots int
	MaxTuples     int
	ExpectTimeout time.Duration
	UserTimeout   time.Duration
	// PortSalt seeds the map port hash. Zero picks a random salt.
	PortSalt uint32

	Workers   int
	Conntrack conntrack.Options

	Clock    clock.Clock
	IsLocal  func(netip.Addr) bool
	Events   model.EventSink
	Counters *metrics.Counters
}

// Engine owns every table of one peer node. Tables are never shared
// between engines.
type Engine struct {
	opts Options

	table    *conntrack.Table
	tracker  *netfilter.Tracker
	ports    *portmap.Map
	registry *registry.Registry
	store    *session.Store
	machine  *handshake.Machine
	rewriter *rewrite.Rewriter
}

// New creates an engine that sends handshake packets through out.
func New(opts Options, out handshake.Transmitter) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Events == nil {
		opts.Events = model.Discard
	}
	if opts.Counters == nil {
		opts.Counters = metrics.New("natpeer", metrics.All...)
	}
	if !opts.Rendezvous.IP.IsValid() && opts.Rendezvous.Port == 0 {
		opts.Rendezvous = handshake.DefaultRendezvous
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	e := &Engine{opts: opts}
	e.table = conntrack.NewTable(opts.Conntrack)
	e.tracker = netfilter.NewTracker(e.table)
	if opts.PortSalt != 0 {
		e.ports = portmap.NewWithSalt(opts.PortSalt)
	} else {
		e.ports = portmap.New()
	}
	e.registry = registry.New(registry.Options{
		MaxServers:    opts.MaxServers,
		MaxProbeSlots: opts.MaxProbeSlots,
		Clock:         opts.Clock,
		OnReplace:     e.serverReplaced,
	})
	e.store = session.NewStore(e.table, e.ports, session.Options{
		MaxTuples:     opts.MaxTuples,
		ExpectTimeout: opts.ExpectTimeout,
		UserTimeout:   opts.UserTimeout,
		Clock:         opts.Clock,
	})
	e.machine = handshake.New(handshake.Config{
		Rendezvous: opts.Rendezvous,
		Identity:   opts.Identity,
		IsLocal:    opts.IsLocal,
		Workers:    opts.Workers,
	}, e.registry, e.store, e.table, out, opts.Events, opts.Counters)
	e.rewriter = rewrite.New(e.store, e.table, opts.Events, opts.Counters)
	return e
}

func (e *Engine) serverReplaced(old, ip netip.Addr) {
	ev := model.NewEvent(model.EventServerReplaced, handshake.StagePostOut, model.Tuple{SrcIP: old, DstIP: ip})
	ev.Message = "registry full, least recently active server dropped"
	e.opts.Events.Emit(ev)
}

// Hooks returns the tracker stages followed by the peer hooks.
func (e *Engine) Hooks() []netfilter.Hook {
	hooks := e.tracker.Hooks()
	hooks = append(hooks, e.machine.Hooks()...)
	hooks = append(hooks, e.rewriter.Hooks()...)
	return hooks
}

// Register attaches every hook of the engine to p.
func (e *Engine) Register(p *netfilter.Pipeline) {
	p.Register(e.Hooks()...)
}

// Start runs the flow expiry reaper.
func (e *Engine) Start() {
	e.table.Start()
	glog.Infof("peer engine started, rendezvous=%s workers=%d", e.opts.Rendezvous, e.opts.Workers)
}

// Close stops the reaper. Tables keep their content.
func (e *Engine) Close() {
	e.table.Stop()
	glog.Info("peer engine stopped")
}

// AddServer makes sure a record for ip exists with slots probe slots, as
// a triggering ping would.
func (e *Engine) AddServer(ip netip.Addr, slots int) bool {
	if slots <= 0 {
		slots = e.registry.MaxProbeSlots()
	}
	return e.registry.GetOrCreate(ip, slots-1, true) != nil
}

func (e *Engine) Table() *conntrack.Table { return e.table }
func (e *Engine) Ports() *portmap.Map { return e.ports }
func (e *Engine) Registry() *registry.Registry { return e.registry }
func (e *Engine) Store() *session.Store { return e.store }
func (e *Engine) Machine() *handshake.Machine { return e.machine }
func (e *Engine) Rewriter() *rewrite.Rewriter { return e.rewriter }
func (e *Engine) Counters() *metrics.Counters { return e.opts.Counters }
func (e *Engine) Rendezvous() conntrack.Endpoint { return e.opts.Rendezvous }

// State is a point-in-time copy of every table.
type State struct {
	Timestamp time.Time              `json:"timestamp"`
	Servers   []registry.ServerInfo  `json:"servers"`
	Users     []session.UserInfo     `json:"users"`
	Ports     []portmap.Entry        `json:"ports"`
	Stats     session.Stats          `json:"stats"`
	Counters  map[string]uint64      `json:"counters"`
	Settings  map[string]interface{} `json:"settings"`
}

// Snapshot copies the engine's tables.
func (e *Engine) Snapshot() *State {
	return &State{
		Timestamp: e.opts.Clock.Now(),
		Servers:   e.registry.Snapshot(),
		Users:     e.store.Users(),
		Ports:     e.ports.Entries(),
		Stats:     e.store.Stats(),
		Counters:  e.opts.Counters.Snapshot(),
		Settings: map[string]interface{}{
			"rendezvous":      e.opts.Rendezvous.String(),
			"max_probe_slots": e.registry.MaxProbeSlots(),
			"workers":         e.opts.Workers,
		},
	}
}

// Reset drops every flow, user, port and server record.
func (e *Engine) Reset() {
	e.store.Reset()
	e.ports.Reset()
	e.registry.Reset()
	glog.Info("peer engine tables reset")
}
