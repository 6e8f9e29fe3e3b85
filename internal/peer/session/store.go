// Package session keeps the synthetic flows that anchor handshake state in
// the flow table, and the per-flow state of bound real flows.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/peer/portmap"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
)

// Flow tags owned by this package.
const (
	TagFakeUser conntrack.Tag = iota + 1
	TagUser
	TagPeerFlow
)

var (
	ErrCreate        = errors.New("session create failed")
	ErrTagMismatch   = errors.New("flow is tagged for another use")
	ErrPortExhausted = errors.New("rendezvous port space exhausted")
	ErrSessionUsed   = errors.New("session has been used")
	ErrStaleSeq      = errors.New("stale sequence number")
	ErrNoTuple       = errors.New("no available port mapping")
	ErrNotConnected  = errors.New("port mapping not connected")
)

const (
	DefaultMaxTuples     = 8
	DefaultExpectTimeout = 30 * time.Second
	DefaultUserTimeout   = 180 * time.Second

	// UserDport is the destination port of every user anchor datagram.
	UserDport = 65535
)

// UserDst is the destination address of every user anchor datagram.
var UserDst = netip.AddrFrom4([4]byte{127, 255, 255, 254})

// Session is the state of a real flow bound to a completed handshake.
// A non-zero LocalSeq marks the client role. The embedded mutex guards
// every field.
type Session struct {
	sync.Mutex
	LocalSeq  uint32
	Offset    uint32
	RemoteSeq uint32
	PeerIP    netip.Addr
	PeerPort  uint16
}

// Options configures a Store.
type Options struct {
	MaxTuples     int
	ExpectTimeout time.Duration
	UserTimeout   time.Duration
	Clock         clock.Clock
}

// Store holds the side tables keyed by flow id. Entries live exactly as
// long as their flow does in the table.
type Store struct {
	table *conntrack.Table
	ports *portmap.Map
	opts  Options

	mu        sync.RWMutex
	fakeUsers map[conntrack.FlowID]*FakeUser
	users     map[conntrack.FlowID]*User
	sessions  map[conntrack.FlowID]*Session
}

// NewStore creates a store over table. Ports of expiring users are
// released back to ports.
func NewStore(table *conntrack.Table, ports *portmap.Map, opts Options) *Store {
	if opts.MaxTuples <= 0 {
		opts.MaxTuples = DefaultMaxTuples
	}
	if opts.ExpectTimeout <= 0 {
		opts.ExpectTimeout = DefaultExpectTimeout
	}
	if opts.UserTimeout <= 0 {
		opts.UserTimeout = DefaultUserTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	s := &Store{
		table:     table,
		ports:     ports,
		opts:      opts,
		fakeUsers: make(map[conntrack.FlowID]*FakeUser),
		users:     make(map[conntrack.FlowID]*User),
		sessions:  make(map[conntrack.FlowID]*Session),
	}
	table.OnEvict(s.evicted)
	return s
}

// Table returns the flow table sessions live in.
func (s *Store) Table() *conntrack.Table { return s.table }

// Ports returns the rendezvous port map.
func (s *Store) Ports() *portmap.Map { return s.ports }

func (s *Store) evicted(f *conntrack.Flow) {
	id := f.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fakeUsers, id)
	delete(s.sessions, id)
	if u, ok := s.users[id]; ok {
		delete(s.users, id)
		if s.ports.Release(u.MapPort(), id) {
			glog.V(1).Infof("%s expired, map_port released", u)
		}
	}
}

// anchor runs a synthetic datagram through the table and confirms its
// flow. alloc runs exactly once per flow, for the caller that wins the tag.
func (s *Store) anchor(sc *Scratch, src, dst netip.Addr, sport, dport uint16, tag conntrack.Tag, alloc func(f *conntrack.Flow), undo func(f *conntrack.Flow)) (*conntrack.Flow, error) {
	data, err := sc.datagram(src, dst, sport, dport)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreate, err)
	}
	f, _, err := s.table.In(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreate, err)
	}
	won := !f.Confirmed() && f.CompareAndSwapTag(conntrack.TagNone, tag)
	if won {
		alloc(f)
	}
	if err := s.table.Confirm(f); err != nil {
		if won {
			undo(f)
		}
		return nil, fmt.Errorf("%w: %v", ErrCreate, err)
	}
	if f.Tag() != tag {
		return nil, fmt.Errorf("%w: %s", ErrTagMismatch, f)
	}
	s.table.Touch(f, s.opts.UserTimeout)
	return f, nil
}

// FakeUserExpectIn finds or creates the fake user of a punch sent from
// tuple.SrcIP:SrcPort to tuple.DstIP:DstPort through probe slot pmi.
func (s *Store) FakeUserExpectIn(sc *Scratch, tuple model.Tuple, pmi int) (*FakeUser, *conntrack.Flow, error) {
	f, err := s.anchor(sc, tuple.SrcIP, tuple.DstIP, tuple.SrcPort, tuple.DstPort, TagFakeUser,
		func(f *conntrack.Flow) {
			s.mu.Lock()
			s.fakeUsers[f.ID()] = &FakeUser{Index: pmi}
			s.mu.Unlock()
		},
		func(f *conntrack.Flow) {
			s.mu.Lock()
			delete(s.fakeUsers, f.ID())
			s.mu.Unlock()
		})
	if err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	fu := s.fakeUsers[f.ID()]
	s.mu.RUnlock()
	if fu == nil {
		return nil, nil, fmt.Errorf("%w: %s has no fake user", ErrCreate, f)
	}
	glog.V(1).Infof("fakeuser %s pmi=%d upmi=%d", tuple, pmi, fu.Index)
	return fu, f, nil
}

// UserExpectIn finds or creates the user of identity and binds key, the
// tuple of an incoming punch, to one of its peer tuples. It returns the
// user and the index of the bound tuple.
func (s *Store) UserExpectIn(sc *Scratch, key model.Tuple, identity [6]byte) (*User, int, error) {
	src := protocol.Addr(identity[0:4])
	sport := binary.BigEndian.Uint16(identity[4:6])
	f, err := s.anchor(sc, src, UserDst, sport, UserDport, TagUser,
		func(f *conntrack.Flow) {
			u := newUser(f.ID(), identity, key.SrcIP, s.opts.MaxTuples, s.opts.Clock, s.opts.UserTimeout)
			u.mapPort.Store(uint32(s.ports.Allocate(f.ID(), identity)))
			s.mu.Lock()
			s.users[f.ID()] = u
			s.mu.Unlock()
		},
		func(f *conntrack.Flow) {
			s.mu.Lock()
			if u, ok := s.users[f.ID()]; ok {
				s.ports.Release(u.MapPort(), f.ID())
				delete(s.users, f.ID())
			}
			s.mu.Unlock()
		})
	if err != nil {
		return nil, -1, err
	}
	s.mu.RLock()
	u := s.users[f.ID()]
	s.mu.RUnlock()
	if u == nil {
		return nil, -1, fmt.Errorf("%w: %s has no user", ErrCreate, f)
	}

	id := f.ID()
	if s.ports.Owner(u.MapPort()) != id {
		// The port was never allocated or has been reclaimed.
		u.mu.Lock()
		if s.ports.Owner(u.MapPort()) != id {
			u.mapPort.Store(uint32(s.ports.Allocate(id, identity)))
		}
		u.mu.Unlock()
		if s.ports.Owner(u.MapPort()) != id {
			return u, -1, fmt.Errorf("%w: %s", ErrPortExhausted, u)
		}
	}
	return u, u.bind(key), nil
}

// UserByPort returns the user owning a rendezvous port.
func (s *Store) UserByPort(port uint16) (*User, bool) {
	id := s.ports.Owner(port)
	if id == 0 {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// LookupFakeUser finds the fake user whose anchor flow carries tuple,
// given as the TCP tuple of a segment.
func (s *Store) LookupFakeUser(tuple model.Tuple) (*FakeUser, *conntrack.Flow, conntrack.Direction, bool) {
	f, dir, ok := s.table.Lookup(tuple.WithProto(model.ProtoUDP))
	if !ok {
		return nil, nil, dir, false
	}
	s.mu.RLock()
	fu := s.fakeUsers[f.ID()]
	s.mu.RUnlock()
	if fu == nil || f.Tag() != TagFakeUser {
		return nil, f, dir, false
	}
	return fu, f, dir, true
}

// LookupPeerFlow finds the bound real flow carrying tuple.
func (s *Store) LookupPeerFlow(tuple model.Tuple) (*conntrack.Flow, conntrack.Direction, bool) {
	f, dir, ok := s.table.Lookup(tuple)
	if !ok || f.Tag() != TagPeerFlow {
		return nil, dir, false
	}
	return f, dir, true
}

// SessionIn returns the session of a real flow, creating it if needed.
func (s *Store) SessionIn(f *conntrack.Flow) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.sessions[f.ID()]
	if !ok {
		ns = &Session{}
		s.sessions[f.ID()] = ns
	}
	return ns
}

// SessionGet returns the session of a real flow.
func (s *Store) SessionGet(id conntrack.FlowID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.sessions[id]
	return ns, ok
}

// TouchExpect shortens the life of a consumed anchor flow.
func (s *Store) TouchExpect(f *conntrack.Flow) {
	s.table.Touch(f, s.opts.ExpectTimeout)
}

// Users copies every user, ordered by map port.
func (s *Store) Users() []UserInfo {
	s.mu.RLock()
	users := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.RUnlock()

	infos := make([]UserInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, u.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].MapPort < infos[j].MapPort })
	return infos
}

// Stats counts the side table entries.
type Stats struct {
	FakeUsers int `json:"fake_users"`
	Users     int `json:"users"`
	Sessions  int `json:"sessions"`
	Flows     int `json:"flows"`
}

// Stats returns the side table sizes.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		FakeUsers: len(s.fakeUsers),
		Users:     len(s.users),
		Sessions:  len(s.sessions),
		Flows:     s.table.Len(),
	}
}

// Reset drops every flow and side entry.
func (s *Store) Reset() {
	s.table.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		s.ports.Release(u.MapPort(), id)
	}
	clear(s.fakeUsers)
	clear(s.users)
	clear(s.sessions)
}
