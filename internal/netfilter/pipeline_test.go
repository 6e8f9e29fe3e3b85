package netfilter

import (
	"net/netip"
	"testing"

	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/model"

	"github.com/go-playground/assert/v2"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

type recorder struct {
	sent      []*Packet
	delivered []*Packet
}

func (r *recorder) Transmit(p *Packet) error { r.sent = append(r.sent, p); return nil }
func (r *recorder) Deliver(p *Packet) error { r.delivered = append(r.delivered, p); return nil }

var local = netip.MustParseAddr("10.0.0.2")

func isLocal(a netip.Addr) bool { return a == local }

func segment(t *testing.T, tuple model.Tuple, flags header.TCPFlags) []byte {
	t.Helper()
	data, err := protocol.BuildTCP(protocol.TCPBuild{Tuple: tuple, Seq: 7, Flags: flags, Window: 1024})
	if err != nil {
		t.Fatalf("BuildTCP failed: %v", err)
	}
	return data
}

func TestPipeline_PriorityOrder(t *testing.T) {
	p := New(&recorder{}, isLocal)
	var order []string
	mark := func(name string) HookFunc {
		return func(*Packet) Verdict { order = append(order, name); return Accept }
	}
	p.Register(
		Hook{Name: "late", Point: PreRouting, Priority: 10, Fn: mark("late")},
		Hook{Name: "early", Point: PreRouting, Priority: -10, Fn: mark("early")},
		Hook{Name: "late2", Point: PreRouting, Priority: 10, Fn: mark("late2")},
	)
	assert.Equal(t, p.Hooks(PreRouting), []string{"early", "late", "late2"})

	p.Run(PreRouting, &Packet{})
	assert.Equal(t, order, []string{"early", "late", "late2"})
}

func TestPipeline_Routing(t *testing.T) {
	out := &recorder{}
	p := New(out, isLocal)
	var seen []HookPoint
	for _, point := range []HookPoint{PreRouting, LocalIn, Forward, LocalOut, PostRouting} {
		point := point
		p.Register(Hook{Name: point.String(), Point: point, Fn: func(*Packet) Verdict {
			seen = append(seen, point)
			return Accept
		}})
	}

	toLocal := model.Tuple{SrcIP: netip.MustParseAddr("192.0.2.1"), DstIP: local, SrcPort: 1, DstPort: 2, Proto: model.ProtoTCP}
	assert.Equal(t, p.Receive(&Packet{Data: segment(t, toLocal, header.TCPFlagSyn)}), Accept)
	assert.Equal(t, seen, []HookPoint{PreRouting, LocalIn})
	assert.Equal(t, len(out.delivered), 1)

	seen = nil
	assert.Equal(t, p.Receive(&Packet{Data: segment(t, toLocal.Reverse(), header.TCPFlagSyn)}), Accept)
	assert.Equal(t, seen, []HookPoint{PreRouting, Forward, PostRouting})
	assert.Equal(t, len(out.sent), 1)

	seen = nil
	pkt := &Packet{Data: segment(t, toLocal.Reverse(), header.TCPFlagSyn)}
	assert.Equal(t, p.Output(pkt), Accept)
	assert.Equal(t, seen, []HookPoint{LocalOut, PostRouting})
	assert.Equal(t, pkt.Origin, FromHost)
}

func TestPipeline_StopsOnVerdict(t *testing.T) {
	out := &recorder{}
	p := New(out, isLocal)
	called := false
	p.Register(
		Hook{Name: "steal", Point: PreRouting, Priority: 0, Fn: func(*Packet) Verdict { return Stolen }},
		Hook{Name: "after", Point: PreRouting, Priority: 1, Fn: func(*Packet) Verdict { called = true; return Accept }},
	)
	tuple := model.Tuple{SrcIP: netip.MustParseAddr("192.0.2.1"), DstIP: local, SrcPort: 1, DstPort: 2, Proto: model.ProtoTCP}
	assert.Equal(t, p.Receive(&Packet{Data: segment(t, tuple, header.TCPFlagSyn)}), Stolen)
	assert.Equal(t, called, false)
	assert.Equal(t, len(out.delivered), 0)
}

func TestTracker_DNATRoundTrip(t *testing.T) {
	out := &recorder{}
	table := conntrack.NewTable(conntrack.Options{})
	tracker := NewTracker(table)
	p := New(out, isLocal)
	p.Register(tracker.Hooks()...)

	backend := conntrack.Endpoint{IP: netip.MustParseAddr("203.0.113.9"), Port: 8443}
	p.Register(Hook{Name: "dnat", Point: PreRouting, Priority: -140, Fn: func(pkt *Packet) Verdict {
		if pkt.CT != nil && !pkt.CT.Confirmed() {
			if err := table.DNATSetup(pkt.CT, backend); err != nil {
				return Drop
			}
		}
		return Accept
	}})

	client := model.Tuple{SrcIP: netip.MustParseAddr("192.0.2.1"), DstIP: local, SrcPort: 40000, DstPort: 443, Proto: model.ProtoTCP}
	assert.Equal(t, p.Receive(&Packet{Data: segment(t, client, header.TCPFlagSyn)}), Accept)
	if len(out.sent) != 1 {
		t.Fatalf("expected the translated syn to be forwarded, got %d", len(out.sent))
	}
	seg, _ := protocol.ParseSegment(out.sent[0].Data)
	assert.Equal(t, seg.Tuple().DstIP, backend.IP)
	assert.Equal(t, seg.Tuple().DstPort, backend.Port)
	assert.Equal(t, out.sent[0].CT.Confirmed(), true)

	reply := model.Tuple{SrcIP: backend.IP, DstIP: client.SrcIP, SrcPort: backend.Port, DstPort: client.SrcPort, Proto: model.ProtoTCP}
	assert.Equal(t, p.Receive(&Packet{Data: segment(t, reply, header.TCPFlagSyn|header.TCPFlagAck)}), Accept)
	if len(out.sent) != 2 {
		t.Fatalf("expected the reply to be forwarded, got %d", len(out.sent))
	}
	seg, _ = protocol.ParseSegment(out.sent[1].Data)
	assert.Equal(t, seg.Tuple(), client.Reverse())
	assert.Equal(t, out.sent[1].CTDir, conntrack.Reply)
}
