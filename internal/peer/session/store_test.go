package session

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/peer/portmap"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

var (
	local    = netip.MustParseAddr("10.0.0.2")
	remote   = netip.MustParseAddr("198.51.100.7")
	identity = [6]byte{0x02, 0x00, 0x5e, 0x10, 0x20, 0x30}
)

func newTestStore(tuples int) (*Store, *clock.Mock) {
	mock := clock.NewMock()
	table := conntrack.NewTable(conntrack.Options{})
	return NewStore(table, portmap.NewWithSalt(11), Options{MaxTuples: tuples, Clock: mock}), mock
}

func punch(sport uint16) model.Tuple {
	return model.Tuple{SrcIP: remote, DstIP: local, SrcPort: sport, DstPort: 40000, Proto: model.ProtoTCP}
}

func TestFakeUserExpectIn(t *testing.T) {
	s, _ := newTestStore(0)
	sc := NewScratch()
	out := model.Tuple{SrcIP: local, DstIP: remote, SrcPort: 2000, DstPort: 3000, Proto: model.ProtoTCP}

	fu, f, err := s.FakeUserExpectIn(sc, out, 5)
	if err != nil {
		t.Fatalf("FakeUserExpectIn failed: %v", err)
	}
	assert.Equal(t, fu.Index, 5)
	assert.Equal(t, f.Tag(), TagFakeUser)
	assert.Equal(t, fu.AdoptLocalSeq(77), uint32(77))
	assert.Equal(t, fu.AdoptLocalSeq(88), uint32(77))

	again, g, err := s.FakeUserExpectIn(sc, out, 9)
	assert.Equal(t, err, nil)
	assert.Equal(t, again, fu)
	assert.Equal(t, g.ID(), f.ID())
	assert.Equal(t, again.Index, 5)

	// Replies of the punch find it in the reply direction.
	got, _, dir, ok := s.LookupFakeUser(out.Reverse())
	assert.Equal(t, ok, true)
	assert.Equal(t, got, fu)
	assert.Equal(t, dir, conntrack.Reply)

	_, _, _, ok = s.LookupFakeUser(punch(1))
	assert.Equal(t, ok, false)
	assert.Equal(t, s.Stats().FakeUsers, 1)
}

func TestUserExpectInBindsTuples(t *testing.T) {
	s, _ := newTestStore(4)
	sc := NewScratch()

	u, idx, err := s.UserExpectIn(sc, punch(1111), identity)
	if err != nil {
		t.Fatalf("UserExpectIn failed: %v", err)
	}
	assert.Equal(t, idx, 0)
	assert.Equal(t, u.MapPort(), s.Ports().StartPort(identity))
	assert.Equal(t, s.Ports().Owner(u.MapPort()), u.ID())

	same, idx, _ := s.UserExpectIn(sc, punch(1111), identity)
	assert.Equal(t, same, u)
	assert.Equal(t, idx, 0)

	_, idx, _ = s.UserExpectIn(sc, punch(2222), identity)
	assert.Equal(t, idx, 1)

	byPort, ok := s.UserByPort(u.MapPort())
	assert.Equal(t, ok, true)
	assert.Equal(t, byPort, u)
	assert.Equal(t, len(s.Users()), 1)
	assert.Equal(t, len(s.Users()[0].Tuples), 2)
}

func TestUserHandshake(t *testing.T) {
	s, _ := newTestStore(4)
	sc := NewScratch()
	key := punch(1111)
	u, idx, err := s.UserExpectIn(sc, key, identity)
	if err != nil {
		t.Fatalf("UserExpectIn failed: %v", err)
	}

	pong, err := u.AcceptSyn(idx, key, 1000)
	if err != nil {
		t.Fatalf("AcceptSyn failed: %v", err)
	}
	assert.Equal(t, pong.MapPort, u.MapPort())
	assert.Equal(t, pong.RemoteSeq, uint32(1000))
	assert.Equal(t, pong.Connected, false)
	if pong.LocalSeq == 0 {
		t.Fatal("pong without local sequence")
	}

	// A retransmitted SYN gets the same answer.
	again, err := u.AcceptSyn(idx, key, 1000)
	assert.Equal(t, err, nil)
	assert.Equal(t, again, pong)

	// A stale ping leaves the tuple untouched.
	before := u.Tuple(idx)
	if _, err := u.AcceptSyn(idx, key, 2000); !errors.Is(err, ErrStaleSeq) {
		t.Fatalf("expected ErrStaleSeq, got %v", err)
	}
	assert.Equal(t, u.Tuple(idx), before)

	if _, err := u.AcceptSyn(idx, punch(9), 1000); !errors.Is(err, ErrSessionUsed) {
		t.Fatalf("expected ErrSessionUsed, got %v", err)
	}

	if _, err := u.ConfirmAck(idx, key, 1500); !errors.Is(err, ErrStaleSeq) {
		t.Fatalf("expected ErrStaleSeq, got %v", err)
	}
	done, err := u.ConfirmAck(idx, key, 1001)
	assert.Equal(t, err, nil)
	assert.Equal(t, done, true)
	done, _ = u.ConfirmAck(idx, key, 1001)
	assert.Equal(t, done, false)

	pt, err := u.ConsumeFreshest()
	if err != nil {
		t.Fatalf("ConsumeFreshest failed: %v", err)
	}
	assert.Equal(t, pt.SrcIP, remote)
	assert.Equal(t, pt.SrcPort, uint16(1111))
	assert.Equal(t, pt.LocalSeq, pong.LocalSeq)
	assert.Equal(t, pt.RemoteSeq, uint32(1000))

	// Tickets are single use.
	if _, err := u.ConsumeFreshest(); !errors.Is(err, ErrNoTuple) {
		t.Fatalf("expected ErrNoTuple, got %v", err)
	}
	if _, err := u.ConfirmAck(idx, key, 1001); !errors.Is(err, ErrSessionUsed) {
		t.Fatalf("expected ErrSessionUsed after consumption, got %v", err)
	}
}

func TestConsumeRequiresConnectedTuple(t *testing.T) {
	s, mock := newTestStore(4)
	sc := NewScratch()
	u, idx, _ := s.UserExpectIn(sc, punch(1111), identity)
	u.AcceptSyn(idx, punch(1111), 1000)

	if _, err := u.ConsumeFreshest(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	// Still there, and the handshake can complete.
	done, err := u.ConfirmAck(idx, punch(1111), 1001)
	assert.Equal(t, err, nil)
	assert.Equal(t, done, true)

	mock.Add(DefaultUserTimeout)
	if _, err := u.ConsumeFreshest(); !errors.Is(err, ErrNoTuple) {
		t.Fatalf("expected ErrNoTuple for an idle tuple, got %v", err)
	}
}

func TestKeepAliveRecovery(t *testing.T) {
	s, _ := newTestStore(4)
	sc := NewScratch()
	key := punch(1111)
	u, idx, _ := s.UserExpectIn(sc, key, identity)
	gen := u.Tuple(idx).Generation

	pong, recovered, err := u.KeepAlive(idx, key, 5001, 7001)
	assert.Equal(t, err, nil)
	assert.Equal(t, recovered, true)
	assert.Equal(t, pong.LocalSeq, uint32(7000))
	assert.Equal(t, pong.RemoteSeq, uint32(5000))
	assert.Equal(t, pong.Connected, true)
	assert.Equal(t, u.Tuple(idx).Generation, gen+1)

	// Replaying the keepalive converges on the same pair.
	again, recovered, err := u.KeepAlive(idx, key, 5001, 7001)
	assert.Equal(t, err, nil)
	assert.Equal(t, recovered, false)
	assert.Equal(t, again, pong)

	if _, _, err := u.KeepAlive(idx, key, 6001, 7001); !errors.Is(err, ErrStaleSeq) {
		t.Fatalf("expected ErrStaleSeq, got %v", err)
	}
}

func TestReclaimsLeastRecentlyActiveTuple(t *testing.T) {
	s, mock := newTestStore(2)
	sc := NewScratch()

	_, first, _ := s.UserExpectIn(sc, punch(1), identity)
	mock.Add(time.Second)
	_, second, _ := s.UserExpectIn(sc, punch(2), identity)
	mock.Add(time.Second)
	u, third, _ := s.UserExpectIn(sc, punch(3), identity)

	assert.Equal(t, first, 0)
	assert.Equal(t, second, 1)
	assert.Equal(t, third, 0)
	assert.Equal(t, u.Tuple(0).SrcPort, uint16(3))
	assert.Equal(t, u.Tuple(0).Generation, uint32(2))
}

func TestUserExpectInReallocatesLostPort(t *testing.T) {
	s, _ := newTestStore(2)
	sc := NewScratch()
	u, _, _ := s.UserExpectIn(sc, punch(1), identity)
	old := u.MapPort()

	s.Ports().Release(old, u.ID())
	if got := s.Ports().Allocate(12345, identity); got != old {
		t.Fatalf("expected the freed port %d to be taken, got %d", old, got)
	}

	u2, _, err := s.UserExpectIn(sc, punch(1), identity)
	assert.Equal(t, err, nil)
	assert.Equal(t, u2, u)
	if u.MapPort() == old || u.MapPort() == 0 {
		t.Fatalf("expected a new map port, got %d", u.MapPort())
	}
	assert.Equal(t, s.Ports().Owner(u.MapPort()), u.ID())
}

func TestExpiryReleasesPort(t *testing.T) {
	s, _ := newTestStore(2)
	sc := NewScratch()
	u, _, _ := s.UserExpectIn(sc, punch(1), identity)
	port := u.MapPort()

	f, _, ok := s.Table().Lookup(model.Tuple{SrcIP: netip.AddrFrom4([4]byte{0x02, 0x00, 0x5e, 0x10}), DstIP: UserDst, SrcPort: 0x2030, DstPort: UserDport, Proto: model.ProtoUDP})
	if !ok {
		t.Fatal("user anchor flow not found")
	}
	s.Table().Touch(f, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s.Table().Expire()

	deadline := time.Now().Add(time.Second)
	for s.Ports().Owner(port) != 0 || s.Stats().Users != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expired user still owns its port")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, ok = s.UserByPort(port)
	assert.Equal(t, ok, false)
}

func TestSessionSideTable(t *testing.T) {
	s, _ := newTestStore(0)
	sc := NewScratch()
	_, f, _ := s.FakeUserExpectIn(sc, model.Tuple{SrcIP: local, DstIP: remote, SrcPort: 1, DstPort: 2}, 0)

	ns := s.SessionIn(f)
	ns.Lock()
	ns.LocalSeq = 42
	ns.Unlock()
	assert.Equal(t, s.SessionIn(f), ns)
	got, ok := s.SessionGet(f.ID())
	assert.Equal(t, ok, true)
	assert.Equal(t, got.LocalSeq, uint32(42))

	s.Reset()
	_, ok = s.SessionGet(f.ID())
	assert.Equal(t, ok, false)
	assert.Equal(t, s.Stats(), Stats{})
}
