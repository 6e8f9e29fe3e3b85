// Package registry keeps the fixed-capacity table of remote peer servers
// and the probe slots used to punch towards each of them.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"Go2NatPeer/internal/pkg/random"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
)

var (
	ErrProbeMismatch = errors.New("probe slot mismatch")
	ErrUnknownServer = errors.New("peer server not found")
)

const (
	DefaultMaxServers    = 8
	DefaultMaxProbeSlots = 64

	// MinMTU is the smallest IPv4 MTU, used when the path MTU is unknown.
	MinMTU = 576
	// DefaultMSS is advertised until a server's MSS has been learned.
	DefaultMSS = MinMTU - 40
)

// Slot is one emulated TCP flow used only for the handshake. A zero Sport
// marks the slot unused.
type Slot struct {
	Sport      uint16    `json:"sport"`
	Dport      uint16    `json:"dport"`
	LocalSeq   uint32    `json:"local_seq"`
	RemoteSeq  uint32    `json:"remote_seq"`
	Connected  bool      `json:"connected"`
	LastActive time.Time `json:"last_active"`
	Generation uint32    `json:"generation"`
}

func (s *Slot) reset() {
	gen := s.Generation + 1
	*s = Slot{Generation: gen}
}

// Server is a remote peer server record. The ip is readable without the
// lock; everything else is guarded by mu.
type Server struct {
	ip atomic.Uint32

	mu            sync.Mutex
	mss           uint16
	mapPort       uint16
	maxProbeIndex int
	lastActive    time.Time
	slots         []Slot

	clock clock.Clock
}

// IP returns the server address, or the zero Addr for a free record.
func (s *Server) IP() netip.Addr {
	v := s.ip.Load()
	if v == 0 {
		return netip.Addr{}
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// MapPort returns the rendezvous port last advertised by the server.
func (s *Server) MapPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapPort
}

// ProbeRequest selects and prepares a probe slot.
type ProbeRequest struct {
	// Index is the slot to use. A negative index derives it from Sequence.
	Index int
	// Sequence is the ICMP echo sequence of the triggering ping.
	Sequence uint16
	// MTU is the path MTU towards the server, 0 when unknown. It is used
	// once to learn the server's MSS.
	MTU int
}

// Probe is a copy of a prepared slot.
type Probe struct {
	Index      int
	Sport      uint16
	Dport      uint16
	LocalSeq   uint32
	RemoteSeq  uint32
	Connected  bool
	MSS        uint16
	Generation uint32
}

// PrepareProbe makes sure the selected slot has ports and a local sequence
// number, generating them on first use, and returns a copy of it.
func (s *Server) PrepareProbe(req ProbeRequest) Probe {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mss == 0 && req.MTU > 0 {
		s.mss = uint16(max(req.MTU, MinMTU) - 40)
	}
	idx := req.Index
	if idx < 0 || idx >= len(s.slots) {
		idx = int(req.Sequence) % (s.maxProbeIndex + 1)
	}
	slot := &s.slots[idx]
	if slot.Sport == 0 {
		slot.Sport = random.Port()
		slot.Dport = random.Port()
	}
	if slot.LocalSeq == 0 {
		slot.LocalSeq = random.Seq()
	}
	mss := s.mss
	if mss == 0 {
		mss = DefaultMSS
	}
	return Probe{
		Index:      idx,
		Sport:      slot.Sport,
		Dport:      slot.Dport,
		LocalSeq:   slot.LocalSeq,
		RemoteSeq:  slot.RemoteSeq,
		Connected:  slot.Connected,
		MSS:        mss,
		Generation: slot.Generation,
	}
}

// AcceptSynAck validates a pong against slot pmi. sport and dport are the
// ports of the incoming segment. On success the advertised map port is
// adopted and, for a SYN-ACK, the slot becomes connected with seq as the
// remote sequence. The previous map port is returned.
func (s *Server) AcceptSynAck(pmi int, sport, dport uint16, seq, ack uint32, mapPort uint16, syn bool) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pmi < 0 || pmi >= len(s.slots) {
		return s.mapPort, fmt.Errorf("%w: index %d", ErrProbeMismatch, pmi)
	}
	slot := &s.slots[pmi]
	if slot.Sport != dport || slot.Dport != sport || slot.LocalSeq != ack-1 {
		return s.mapPort, fmt.Errorf("%w: slot %d port(%d:%d) local_seq %d", ErrProbeMismatch, pmi, slot.Sport, slot.Dport, slot.LocalSeq)
	}

	prev := s.mapPort
	s.mapPort = mapPort
	now := s.clock.Now()
	s.lastActive = now
	slot.LastActive = now
	if syn {
		slot.Connected = true
		slot.RemoteSeq = seq
	}
	return prev, nil
}

// ResetProbe clears slot pmi if it still holds the given ports and local
// sequence, starting a new generation.
func (s *Server) ResetProbe(pmi int, sport, dport uint16, localSeq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pmi < 0 || pmi >= len(s.slots) {
		return fmt.Errorf("%w: index %d", ErrProbeMismatch, pmi)
	}
	slot := &s.slots[pmi]
	if slot.Sport != sport || slot.Dport != dport || slot.LocalSeq != localSeq {
		return fmt.Errorf("%w: slot %d port(%d:%d) local_seq %d, want port(%d:%d) local_seq %d",
			ErrProbeMismatch, pmi, slot.Sport, slot.Dport, slot.LocalSeq, sport, dport, localSeq)
	}
	slot.reset()
	return nil
}

// ServerInfo is a point-in-time copy of a server record.
type ServerInfo struct {
	IP            netip.Addr `json:"ip"`
	MSS           uint16     `json:"mss"`
	MapPort       uint16     `json:"map_port"`
	MaxProbeIndex int        `json:"max_probe_index"`
	LastActive    time.Time  `json:"last_active"`
	Slots         []SlotInfo `json:"slots"`
}

// SlotInfo is a used probe slot with its index.
type SlotInfo struct {
	Index int `json:"index"`
	Slot
}

// Info copies the record. Unused slots are omitted.
func (s *Server) Info() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := ServerInfo{
		IP:            s.IP(),
		MSS:           s.mss,
		MapPort:       s.mapPort,
		MaxProbeIndex: s.maxProbeIndex,
		LastActive:    s.lastActive,
	}
	for i, slot := range s.slots {
		if slot.Sport != 0 || slot.LocalSeq != 0 {
			info.Slots = append(info.Slots, SlotInfo{Index: i, Slot: slot})
		}
	}
	return info
}

// Options sizes a Registry.
type Options struct {
	MaxServers    int
	MaxProbeSlots int
	Clock         clock.Clock
	// OnReplace is called after the record of old was given to new.
	OnReplace func(old, new netip.Addr)
}

// Registry is the table of peer servers. Lookups take only the matching
// record's lock; creation is serialized so that one ip never gets two
// records.
type Registry struct {
	clock     clock.Clock
	servers   []Server
	createMu  sync.Mutex
	onReplace func(old, new netip.Addr)
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.MaxServers <= 0 {
		opts.MaxServers = DefaultMaxServers
	}
	if opts.MaxProbeSlots <= 0 {
		opts.MaxProbeSlots = DefaultMaxProbeSlots
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	r := &Registry{clock: opts.Clock, servers: make([]Server, opts.MaxServers), onReplace: opts.OnReplace}
	for i := range r.servers {
		r.servers[i].slots = make([]Slot, opts.MaxProbeSlots)
		r.servers[i].clock = opts.Clock
	}
	return r
}

// MaxProbeSlots returns the number of slots per server.
func (r *Registry) MaxProbeSlots() int {
	return len(r.servers[0].slots)
}

func ipKey(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

func (r *Registry) clamp(idx int) int {
	return min(max(idx, 0), r.MaxProbeSlots()-1)
}

// GetOrCreate returns the record for ip. When create is set a missing
// record is made, taking a free entry or replacing the least recently
// active one, and the max probe index of an existing one is updated.
func (r *Registry) GetOrCreate(ip netip.Addr, maxProbeIndex int, create bool) *Server {
	if !ip.Is4() {
		return nil
	}
	key := ipKey(ip)
	maxProbeIndex = r.clamp(maxProbeIndex)

	if s := r.find(key, maxProbeIndex, create); s != nil || !create {
		return s
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()
	if s := r.find(key, maxProbeIndex, create); s != nil {
		return s
	}

	var victim *Server
	var oldest time.Time
	for i := range r.servers {
		s := &r.servers[i]
		if s.ip.Load() == 0 {
			victim = s
			break
		}
		s.mu.Lock()
		active := s.lastActive
		s.mu.Unlock()
		if victim == nil || active.Before(oldest) {
			victim, oldest = s, active
		}
	}
	if victim == nil {
		return nil
	}

	victim.mu.Lock()
	replaced := victim.ip.Load() != 0
	old := victim.IP()
	if replaced {
		glog.Warningf("drop the old server %s map_port=%d replace new=%s", old, victim.mapPort, ip)
		for i := range victim.slots {
			victim.slots[i].reset()
		}
	}
	victim.ip.Store(key)
	victim.mss = 0
	victim.mapPort = 0
	victim.maxProbeIndex = maxProbeIndex
	victim.lastActive = r.clock.Now()
	victim.mu.Unlock()

	if replaced && r.onReplace != nil {
		r.onReplace(old, ip)
	}
	return victim
}

func (r *Registry) find(key uint32, maxProbeIndex int, create bool) *Server {
	for i := range r.servers {
		s := &r.servers[i]
		if s.ip.Load() != key {
			continue
		}
		s.mu.Lock()
		if s.ip.Load() == key {
			if create && s.maxProbeIndex != maxProbeIndex {
				s.maxProbeIndex = maxProbeIndex
			}
			s.mu.Unlock()
			return s
		}
		s.mu.Unlock()
	}
	return nil
}

// Lookup returns the record for ip without creating one.
func (r *Registry) Lookup(ip netip.Addr) (*Server, error) {
	if s := r.GetOrCreate(ip, 0, false); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownServer, ip)
}

// Len returns the number of records in use.
func (r *Registry) Len() int {
	n := 0
	for i := range r.servers {
		if r.servers[i].ip.Load() != 0 {
			n++
		}
	}
	return n
}

// Snapshot copies every record in use.
func (r *Registry) Snapshot() []ServerInfo {
	infos := make([]ServerInfo, 0, len(r.servers))
	for i := range r.servers {
		if r.servers[i].ip.Load() == 0 {
			continue
		}
		infos = append(infos, r.servers[i].Info())
	}
	return infos
}

// Reset frees every record.
func (r *Registry) Reset() {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	for i := range r.servers {
		s := &r.servers[i]
		s.mu.Lock()
		s.ip.Store(0)
		s.mss, s.mapPort, s.maxProbeIndex = 0, 0, 0
		s.lastActive = time.Time{}
		for j := range s.slots {
			s.slots[j] = Slot{}
		}
		s.mu.Unlock()
	}
}
