package session

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/pkg/random"

	"github.com/benbjohnson/clock"
)

// FakeUser correlates a punch towards a peer server with the probe slot
// that sent it.
type FakeUser struct {
	// Index is the probe slot of the server the punch used.
	Index    int
	localSeq atomic.Uint32
}

// LocalSeq returns the local sequence number of the probe, 0 if unset.
func (f *FakeUser) LocalSeq() uint32 { return f.localSeq.Load() }

// AdoptLocalSeq records seq unless a sequence number is already set, and
// returns the one in effect.
func (f *FakeUser) AdoptLocalSeq(seq uint32) uint32 {
	if f.localSeq.CompareAndSwap(0, seq) {
		return seq
	}
	return f.localSeq.Load()
}

// PeerTuple is one single-use rendezvous ticket: the 4-tuple of a punch
// and the sequence numbers negotiated on it.
type PeerTuple struct {
	SrcIP      netip.Addr `json:"sip"`
	DstIP      netip.Addr `json:"dip"`
	SrcPort    uint16     `json:"sport"`
	DstPort    uint16     `json:"dport"`
	LocalSeq   uint32     `json:"local_seq"`
	RemoteSeq  uint32     `json:"remote_seq"`
	Connected  bool       `json:"connected"`
	LastActive time.Time  `json:"last_active"`
	Generation uint32     `json:"generation"`
}

func (pt *PeerTuple) used() bool { return pt.SrcIP.IsValid() }

func (pt *PeerTuple) matches(t model.Tuple) bool {
	return pt.SrcIP == t.SrcIP && pt.DstIP == t.DstIP && pt.SrcPort == t.SrcPort && pt.DstPort == t.DstPort
}

func (pt *PeerTuple) clear() {
	gen := pt.Generation + 1
	*pt = PeerTuple{Generation: gen}
}

// Pong carries what a reply to a punch must say.
type Pong struct {
	MapPort   uint16
	LocalSeq  uint32
	RemoteSeq uint32
	Connected bool
}

// User is the rendezvous identity of one client: its mapped port and the
// ring of peer tuples punched towards it.
type User struct {
	id       conntrack.FlowID
	identity [6]byte
	ip       netip.Addr
	clock    clock.Clock
	window   time.Duration

	mapPort atomic.Uint32

	mu         sync.Mutex
	lastActive time.Time
	tuples     []PeerTuple
}

func newUser(id conntrack.FlowID, identity [6]byte, ip netip.Addr, tuples int, clk clock.Clock, window time.Duration) *User {
	return &User{
		id:       id,
		identity: identity,
		ip:       ip,
		clock:    clk,
		window:   window,
		tuples:   make([]PeerTuple, tuples),
	}
}

func (u *User) ID() conntrack.FlowID { return u.id }
func (u *User) Identity() [6]byte { return u.identity }
func (u *User) MapPort() uint16 { return uint16(u.mapPort.Load()) }

func (u *User) String() string {
	return fmt.Sprintf("user[%s] @map_port=%d", net.HardwareAddr(u.identity[:]), u.MapPort())
}

// bind returns the slot of key, reclaiming the first unused or the least
// recently active slot when key has none.
func (u *User) bind(key model.Tuple) int {
	now := u.clock.Now()
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastActive = now

	for i := range u.tuples {
		if u.tuples[i].used() && u.tuples[i].matches(key) {
			u.tuples[i].LastActive = now
			return i
		}
	}

	victim := 0
	for i := range u.tuples {
		if !u.tuples[i].used() {
			victim = i
			break
		}
		if u.tuples[i].LastActive.Before(u.tuples[victim].LastActive) {
			victim = i
		}
	}
	pt := &u.tuples[victim]
	pt.clear()
	pt.SrcIP, pt.DstIP = key.SrcIP, key.DstIP
	pt.SrcPort, pt.DstPort = key.SrcPort, key.DstPort
	pt.LastActive = now
	return victim
}

// slot returns tuple idx if it still belongs to key. u.mu must be held.
func (u *User) slot(idx int, key model.Tuple) (*PeerTuple, error) {
	if idx < 0 || idx >= len(u.tuples) || !u.tuples[idx].matches(key) {
		return nil, fmt.Errorf("%w: %s", ErrSessionUsed, key)
	}
	return &u.tuples[idx], nil
}

func (u *User) pong(pt *PeerTuple) Pong {
	if pt.LocalSeq == 0 {
		pt.LocalSeq = random.Seq()
	}
	return Pong{MapPort: u.MapPort(), LocalSeq: pt.LocalSeq, RemoteSeq: pt.RemoteSeq, Connected: pt.Connected}
}

// AcceptSyn records seq as the remote sequence of tuple idx, which must
// still belong to key. A different non-zero remote sequence is stale.
func (u *User) AcceptSyn(idx int, key model.Tuple, seq uint32) (Pong, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	pt, err := u.slot(idx, key)
	if err != nil {
		return Pong{}, err
	}
	if pt.RemoteSeq != seq {
		if pt.RemoteSeq != 0 {
			return Pong{}, fmt.Errorf("%w: remote_seq %d, got %d", ErrStaleSeq, pt.RemoteSeq, seq)
		}
		pt.RemoteSeq = seq
	}
	return u.pong(pt), nil
}

// ConfirmAck completes the handshake of tuple idx on a PEER_ACK carrying
// seq. It reports whether the tuple just became connected.
func (u *User) ConfirmAck(idx int, key model.Tuple, seq uint32) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	pt, err := u.slot(idx, key)
	if err != nil {
		return false, err
	}
	if pt.RemoteSeq != seq-1 {
		return false, fmt.Errorf("%w: remote_seq %d, got ack seq %d", ErrStaleSeq, pt.RemoteSeq, seq)
	}
	if pt.Connected || pt.LocalSeq == 0 {
		return false, nil
	}
	pt.Connected = true
	return true, nil
}

// KeepAlive handles a PEER_SYN carried on an ACK. When the tuple lost its
// sequence numbers, as after a restart, both are adopted from the segment
// and a new generation begins.
func (u *User) KeepAlive(idx int, key model.Tuple, seq, ack uint32) (Pong, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	pt, err := u.slot(idx, key)
	if err != nil {
		return Pong{}, false, err
	}

	recovered := false
	switch {
	case pt.RemoteSeq == seq-1:
	case (pt.RemoteSeq == 0 || pt.LocalSeq == 0) && seq-1 != 0 && ack-1 != 0:
		pt.RemoteSeq = seq - 1
		pt.LocalSeq = ack - 1
		pt.Generation++
		recovered = true
	default:
		return Pong{}, false, fmt.Errorf("%w: remote_seq %d, got keepalive seq %d", ErrStaleSeq, pt.RemoteSeq, seq)
	}
	if pt.LocalSeq != 0 {
		pt.Connected = true
	}
	return u.pong(pt), recovered, nil
}

// ConsumeFreshest takes the most recently active tuple seen within the
// user timeout, provided it completed its handshake, and clears it.
func (u *User) ConsumeFreshest() (PeerTuple, error) {
	now := u.clock.Now()
	u.mu.Lock()
	defer u.mu.Unlock()

	best := -1
	for i := range u.tuples {
		pt := &u.tuples[i]
		if !pt.used() || now.Sub(pt.LastActive) >= u.window {
			continue
		}
		if best < 0 || pt.LastActive.After(u.tuples[best].LastActive) {
			best = i
		}
	}
	if best < 0 {
		return PeerTuple{}, ErrNoTuple
	}
	pt := &u.tuples[best]
	if !pt.Connected || pt.LocalSeq == 0 || pt.RemoteSeq == 0 {
		return *pt, fmt.Errorf("%w: local_seq=%d remote_seq=%d", ErrNotConnected, pt.LocalSeq, pt.RemoteSeq)
	}
	taken := *pt
	pt.clear()
	return taken, nil
}

// Tuple returns a copy of tuple idx.
func (u *User) Tuple(idx int) PeerTuple {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tuples[idx]
}

// UserInfo is a point-in-time copy of a user.
type UserInfo struct {
	ID         conntrack.FlowID `json:"id"`
	Identity   string           `json:"identity"`
	IP         netip.Addr       `json:"ip"`
	MapPort    uint16           `json:"map_port"`
	LastActive time.Time        `json:"last_active"`
	Tuples     []PeerTuple      `json:"tuples"`
}

// Info copies the user. Unused tuples are omitted.
func (u *User) Info() UserInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	info := UserInfo{
		ID:         u.id,
		Identity:   net.HardwareAddr(u.identity[:]).String(),
		IP:         u.ip,
		MapPort:    u.MapPort(),
		LastActive: u.lastActive,
	}
	for _, pt := range u.tuples {
		if pt.used() {
			info.Tuples = append(info.Tuples, pt)
		}
	}
	return info
}
