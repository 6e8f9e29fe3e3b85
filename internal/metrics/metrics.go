// Package metrics holds the engine's named counters and exports them to
// Prometheus.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter names.
const (
	PingsSent         = "pings_sent"
	PongsSent         = "pongs_sent"
	SynIn             = "syn_in"
	SynAckIn          = "synack_in"
	AckIn             = "ack_in"
	HandshakesDone    = "handshakes_done"
	Recoveries        = "recoveries"
	StalePingDrops    = "stale_ping_drops"
	SessionUsedDrops  = "session_used_drops"
	UnexpectedPings   = "unexpected_pings"
	MalformedOptions  = "malformed_options"
	PortAllocFailures = "port_alloc_failures"
	FlowsBound        = "flows_bound"
	FlowsBypassed     = "flows_bypassed"
	NoTupleMisses     = "no_tuple_misses"
	FirstSynEncoded   = "fsyn_encoded"
	FirstAckEncoded   = "fack_encoded"
	HeaderFullDrops   = "header_full_drops"
	SegmentsRewritten = "segments_rewritten"
	TransmitFailures  = "transmit_failures"
	EventsDropped     = "events_dropped"
	ProbesTriggered   = "probes_triggered"
	PacketsProcessed  = "packets_processed"
	PacketsDropped    = "packets_dropped"
	PacketsStolen     = "packets_stolen"
	WorkerQueueDrops  = "worker_queue_drops"
)

// All lists every counter the engine maintains.
var All = []string{
	PingsSent, PongsSent, SynIn, SynAckIn, AckIn, HandshakesDone, Recoveries,
	StalePingDrops, SessionUsedDrops, UnexpectedPings, MalformedOptions,
	PortAllocFailures, FlowsBound, FlowsBypassed, NoTupleMisses,
	FirstSynEncoded, FirstAckEncoded, HeaderFullDrops, SegmentsRewritten,
	TransmitFailures, EventsDropped, ProbesTriggered,
	PacketsProcessed, PacketsDropped, PacketsStolen, WorkerQueueDrops,
}

// Counters is a set of monotonically increasing named counters. Unknown
// names are created on first use.
type Counters struct {
	namespace string

	mu     sync.RWMutex
	values map[string]*atomic.Uint64
	descs  map[string]*prometheus.Desc
}

// New creates counters for names, exported under namespace.
func New(namespace string, names ...string) *Counters {
	c := &Counters{
		namespace: namespace,
		values:    make(map[string]*atomic.Uint64, len(names)),
		descs:     make(map[string]*prometheus.Desc, len(names)),
	}
	for _, name := range names {
		c.counter(name)
	}
	return c
}

func (c *Counters) counter(name string) *atomic.Uint64 {
	c.mu.RLock()
	v, ok := c.values[name]
	c.mu.RUnlock()
	if ok {
		return v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.values[name]; ok {
		return v
	}
	v = new(atomic.Uint64)
	c.values[name] = v
	c.descs[name] = prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "", name+"_total"), "Number of "+name+".", nil, nil)
	return v
}

// Inc adds one to a counter.
func (c *Counters) Inc(name string) { c.counter(name).Add(1) }

// Add adds n to a counter.
func (c *Counters) Add(name string, n uint64) { c.counter(name).Add(n) }

// Get returns a counter's value.
func (c *Counters) Get(name string) uint64 { return c.counter(name).Load() }

// Names returns the counter names in sorted order.
func (c *Counters) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.values))
	for name := range c.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns every counter's value.
func (c *Counters) Snapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.values))
	for name, v := range c.values {
		out[name] = v.Load()
	}
	return out
}

// Describe implements prometheus.Collector.
func (c *Counters) Describe(ch chan<- *prometheus.Desc) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Counters) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, v := range c.values {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v.Load()))
	}
}

// Delta returns how much each counter grew since prev.
func Delta(cur, prev map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(cur))
	for name, v := range cur {
		out[name] = v - prev[name]
	}
	return out
}
