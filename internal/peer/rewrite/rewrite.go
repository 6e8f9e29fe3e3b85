// Package rewrite maps the sequence space of bound real flows onto the
// numbers agreed during their emulated handshake.
package rewrite

import (
	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer/session"
	"Go2NatPeer/internal/peer/wire"

	"github.com/golang/glog"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const Stage = "PS"

// Priority runs the rewriter just before source NAT is applied.
const Priority = netfilter.PriorityNATSrc - 10

// NAT binds source translations to unconfirmed flows.
type NAT interface {
	SNATSetup(f *conntrack.Flow, ep conntrack.Endpoint) error
}

// Rewriter owns the SNAT hook.
type Rewriter struct {
	store    *session.Store
	nat      NAT
	events   model.EventSink
	counters *metrics.Counters
}

// New creates a rewriter. events and counters may be nil.
func New(store *session.Store, nat NAT, events model.EventSink, counters *metrics.Counters) *Rewriter {
	if events == nil {
		events = model.Discard
	}
	if counters == nil {
		counters = metrics.New("natpeer", metrics.All...)
	}
	return &Rewriter{store: store, nat: nat, events: events, counters: counters}
}

// Hooks returns the hooks to register on the pipeline.
func (r *Rewriter) Hooks() []netfilter.Hook {
	return []netfilter.Hook{
		{Name: "peer_snat", Point: netfilter.PostRouting, Priority: Priority, Fn: r.SNAT},
		{Name: "peer_snat", Point: netfilter.LocalIn, Priority: Priority, Fn: r.SNAT},
	}
}

// SNAT rewrites every segment of a bound flow. The side that sent the
// emulated SYN (local_seq set) is the client: its peer's segments carry
// shifted acknowledgments and its own replies get shifted sequence
// numbers. The other side is the server and shifts the other way round.
// The first SYN and SYN-ACK of the real flow travel as the next ACK of
// the emulated handshake, marked with FSYN or FACK.
func (r *Rewriter) SNAT(p *netfilter.Packet) netfilter.Verdict {
	f := p.CT
	if f == nil || f.Tag() != session.TagPeerFlow {
		return netfilter.Accept
	}
	seg, err := protocol.ParseSegment(p.Data)
	if err != nil {
		return netfilter.Accept
	}
	key := seg.Tuple()
	ns, ok := r.store.SessionGet(f.ID())
	if !ok {
		glog.Warningf("(%s) %s: ns not found", Stage, key)
		return netfilter.Accept
	}

	ns.Lock()
	defer ns.Unlock()

	dir := p.CTDir
	synOnly := seg.Has(header.TCPFlagSyn) && !seg.Has(header.TCPFlagAck)
	synAck := seg.Has(header.TCPFlagSyn) && seg.Has(header.TCPFlagAck)

	if dir != conntrack.Original {
		switch {
		case ns.LocalSeq == 0:
			r.shiftAck(f, dir, seg, ns.Offset)
		case !synAck:
			r.shiftSeq(f, dir, seg, ns.Offset)
		default:
			if err := r.encodeFAck(p, f, ns); err != nil {
				r.counters.Inc(metrics.HeaderFullDrops)
				glog.Warningf("(%s) %s: %v", Stage, key, err)
			}
		}
		return netfilter.Accept
	}

	if ns.LocalSeq != 0 {
		if !synOnly {
			r.shiftAck(f, dir, seg, ns.Offset)
		}
		return netfilter.Accept
	}
	if !synOnly {
		r.shiftSeq(f, dir, seg, ns.Offset)
	} else if err := r.encodeFSyn(p, f, ns); err != nil {
		r.counters.Inc(metrics.HeaderFullDrops)
		glog.Warningf("(%s) %s: %v", Stage, key, err)
		return netfilter.Drop
	}

	if f.Confirmed() {
		return netfilter.Accept
	}
	ep := conntrack.Endpoint{IP: ns.PeerIP, Port: ns.PeerPort}
	glog.Infof("(%s) %s: found user expect, doing SNAT to %s", Stage, key, ep)
	if err := r.nat.SNATSetup(f, ep); err != nil {
		glog.Errorf("(%s) %s: snat setup failed, server=%s: %v", Stage, key, ep, err)
	}
	return netfilter.Accept
}

func (r *Rewriter) shiftSeq(f *conntrack.Flow, dir conntrack.Direction, seg *protocol.Segment, offset uint32) {
	Recheck(&f.TCP, dir, seg, offset, 0)
	seg.SetSeq(seg.Seq() + offset)
	r.counters.Inc(metrics.SegmentsRewritten)
}

func (r *Rewriter) shiftAck(f *conntrack.Flow, dir conntrack.Direction, seg *protocol.Segment, offset uint32) {
	Recheck(&f.TCP, dir, seg, 0, -offset)
	seg.SetAck(seg.Ack() - offset)
	seg.ShiftSack(-offset)
	r.counters.Inc(metrics.SegmentsRewritten)
}

// encodeFAck turns the SYN-ACK of the rendezvous service into the ACK
// that follows our emulated SYN, and fixes the flow's offset from it.
func (r *Rewriter) encodeFAck(p *netfilter.Packet, f *conntrack.Flow, ns *session.Session) error {
	opt := wire.Option{Type: wire.TypeFAck}
	data, seg, err := protocol.InsertOption(p.Data, opt.Marshal())
	if err != nil {
		return err
	}
	p.Data = data
	ns.Offset = ns.LocalSeq - seg.Seq()
	Recheck(&f.TCP, p.CTDir, seg, ns.Offset, 0)

	seg.TCP.SetSequenceNumber(seg.Seq() + ns.Offset + 1)
	seg.SetFlags(seg.Flags() &^ header.TCPFlagSyn)
	seg.Recompute()

	r.counters.Inc(metrics.FirstAckEncoded)
	ev := model.NewEvent(model.EventFirstAckEncoded, Stage, seg.Tuple())
	ev.LocalSeq = ns.LocalSeq
	r.events.Emit(ev)
	return nil
}

// encodeFSyn turns the SYN of a flow sent to a user's mapping into the
// ACK that follows the user's emulated SYN-ACK.
func (r *Rewriter) encodeFSyn(p *netfilter.Packet, f *conntrack.Flow, ns *session.Session) error {
	opt := wire.Option{Type: wire.TypeFSyn}
	data, seg, err := protocol.InsertOption(p.Data, opt.Marshal())
	if err != nil {
		return err
	}
	p.Data = data
	Recheck(&f.TCP, p.CTDir, seg, ns.Offset, 0)

	seg.TCP.SetSequenceNumber(seg.Seq() + ns.Offset + 1)
	seg.TCP.SetAckNumber(ns.RemoteSeq + 1)
	seg.SetFlags(seg.Flags()&^header.TCPFlagSyn | header.TCPFlagAck)
	seg.Recompute()

	r.counters.Inc(metrics.FirstSynEncoded)
	ev := model.NewEvent(model.EventFirstSynEncoded, Stage, seg.Tuple())
	ev.RemoteSeq = ns.RemoteSeq
	r.events.Emit(ev)
	return nil
}
