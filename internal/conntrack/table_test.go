package conntrack

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/model"

	"github.com/go-playground/assert/v2"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	client = netip.MustParseAddr("198.51.100.20")
	server = netip.MustParseAddr("10.0.0.2")
	peer   = netip.MustParseAddr("203.0.113.7")
)

func udpDatagram(t *testing.T, src, dst netip.Addr, sport, dport uint16) []byte {
	t.Helper()
	s, d := src.As4(), dst.As4()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 255, Protocol: layers.IPProtocolUDP, SrcIP: net.IP(s[:]), DstIP: net.IP(d[:])}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum failed: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ip, udp); err != nil {
		t.Fatalf("SerializeLayers failed: %v", err)
	}
	return buf.Bytes()
}

func tcpSegment(t *testing.T, tuple model.Tuple, seq, ack uint32, flags header.TCPFlags, payload []byte) []byte {
	t.Helper()
	data, err := protocol.BuildTCP(protocol.TCPBuild{Tuple: tuple, Seq: seq, Ack: ack, Flags: flags, Window: 65535, Payload: payload})
	if err != nil {
		t.Fatalf("BuildTCP failed: %v", err)
	}
	return data
}

func TestTable_ConfirmAndLookup(t *testing.T) {
	tbl := NewTable(Options{})
	data := udpDatagram(t, client, server, 5000, 6000)

	f, dir, err := tbl.In(data)
	if err != nil {
		t.Fatalf("In failed: %v", err)
	}
	assert.Equal(t, dir, Original)
	assert.Equal(t, f.Confirmed(), false)

	orig := model.Tuple{SrcIP: client, DstIP: server, SrcPort: 5000, DstPort: 6000, Proto: model.ProtoUDP}
	if _, _, ok := tbl.Lookup(orig); ok {
		t.Fatal("unconfirmed flow must not be visible")
	}

	if err := tbl.Confirm(f); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	got, dir, ok := tbl.Lookup(orig.Reverse())
	if !ok {
		t.Fatal("confirmed flow not found by its reply tuple")
	}
	assert.Equal(t, got.ID(), f.ID())
	assert.Equal(t, dir, Reply)
	assert.Equal(t, tbl.Len(), 1)

	// A second ingress of the same tuple attaches to the same flow.
	again, _, err := tbl.In(data)
	if err != nil {
		t.Fatalf("In failed: %v", err)
	}
	assert.Equal(t, again.ID(), f.ID())
}

func TestTable_ConfirmClash(t *testing.T) {
	tbl := NewTable(Options{})
	data := udpDatagram(t, client, server, 5000, 6000)

	a, _, _ := tbl.In(data)
	b, _, _ := tbl.In(data)
	if a.ID() == b.ID() {
		t.Fatal("two unconfirmed flows must get distinct ids")
	}
	if err := tbl.Confirm(a); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if err := tbl.Confirm(b); !errors.Is(err, ErrClash) {
		t.Fatalf("expected ErrClash, got %v", err)
	}
}

func TestFlow_TagAndFlags(t *testing.T) {
	f := newFlow(1, model.Tuple{SrcIP: client, DstIP: server, Proto: model.ProtoUDP})
	assert.Equal(t, f.CompareAndSwapTag(TagNone, Tag(2)), true)
	assert.Equal(t, f.CompareAndSwapTag(TagNone, Tag(3)), false)
	assert.Equal(t, f.Tag(), Tag(2))

	assert.Equal(t, f.SetFlag(FlagBypass|FlagAck), false)
	assert.Equal(t, f.SetFlag(FlagAck), true)
	assert.Equal(t, f.HasFlag(FlagFastForwardStop), false)
	assert.Equal(t, f.HasFlag(FlagBypass), true)
}

func TestTable_ExpiryNotifiesListeners(t *testing.T) {
	tbl := NewTable(Options{})
	evicted := make(chan FlowID, 1)
	tbl.OnEvict(func(f *Flow) { evicted <- f.ID() })

	f, _, _ := tbl.In(udpDatagram(t, client, server, 5000, 6000))
	if err := tbl.Confirm(f); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	tbl.Touch(f, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	tbl.Expire()

	select {
	case id := <-evicted:
		assert.Equal(t, id, f.ID())
	case <-time.After(time.Second):
		t.Fatal("eviction listener was not called")
	}
	if _, _, ok := tbl.Lookup(f.Tuple(Original)); ok {
		t.Fatal("expired flow still visible")
	}

	// The tuple can be reused by a new flow.
	g, _, _ := tbl.In(udpDatagram(t, client, server, 5000, 6000))
	if g.ID() == f.ID() {
		t.Fatal("expected a fresh flow after expiry")
	}
	if err := tbl.Confirm(g); err != nil {
		t.Fatalf("Confirm after expiry failed: %v", err)
	}
}

func TestTable_NATBindings(t *testing.T) {
	tbl := NewTable(Options{})
	orig := model.Tuple{SrcIP: client, DstIP: server, SrcPort: 41000, DstPort: 52000, Proto: model.ProtoTCP}
	syn := tcpSegment(t, orig, 100, 0, header.TCPFlagSyn, nil)

	f, _, err := tbl.In(syn)
	if err != nil {
		t.Fatalf("In failed: %v", err)
	}
	if err := tbl.DNATSetup(f, Endpoint{IP: peer, Port: 33000}); err != nil {
		t.Fatalf("DNATSetup failed: %v", err)
	}
	if err := tbl.SNATSetup(f, Endpoint{IP: server, Port: 44000}); err != nil {
		t.Fatalf("SNATSetup failed: %v", err)
	}
	assert.Equal(t, f.Tuple(Reply), model.Tuple{SrcIP: peer, DstIP: server, SrcPort: 33000, DstPort: 44000, Proto: model.ProtoTCP})

	assert.Equal(t, ManipDst(f, Original, syn), true)
	assert.Equal(t, ManipSrc(f, Original, syn), true)
	seg, _ := protocol.ParseSegment(syn)
	assert.Equal(t, seg.Tuple(), f.Tuple(Reply).Reverse())
	if !seg.Valid() {
		t.Fatal("checksum invalid after translation")
	}

	if err := tbl.Confirm(f); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if err := tbl.DNATSetup(f, Endpoint{IP: peer, Port: 1}); !errors.Is(err, ErrConfirmed) {
		t.Fatalf("expected ErrConfirmed, got %v", err)
	}

	// Replies are translated back to the original tuple.
	synack := tcpSegment(t, f.Tuple(Reply), 900, 101, header.TCPFlagSyn|header.TCPFlagAck, nil)
	got, dir, err := tbl.In(synack)
	if err != nil {
		t.Fatalf("In failed: %v", err)
	}
	assert.Equal(t, got.ID(), f.ID())
	assert.Equal(t, dir, Reply)
	ManipDst(f, Reply, synack)
	ManipSrc(f, Reply, synack)
	seg, _ = protocol.ParseSegment(synack)
	assert.Equal(t, seg.Tuple(), orig.Reverse())
}

func TestTable_NotTracked(t *testing.T) {
	tbl := NewTable(Options{})
	if _, _, err := tbl.In([]byte{0x45, 0}); !errors.Is(err, ErrNotTracked) {
		t.Fatalf("expected ErrNotTracked, got %v", err)
	}
}
