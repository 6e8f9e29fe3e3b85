package handshake

import (
	"errors"

	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer/registry"
	"Go2NatPeer/internal/peer/session"
	"Go2NatPeer/internal/peer/wire"

	"github.com/golang/glog"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// PreIn interprets punches addressed to this host. Every punch it
// understands is stolen; FSYN and FACK carriers are retagged as the SYN
// and SYN-ACK of their real flow and let through.
func (m *Machine) PreIn(p *netfilter.Packet) netfilter.Verdict {
	seg, err := protocol.ParseSegment(p.Data)
	if err != nil {
		return netfilter.Accept
	}
	opt, err := wire.Find(seg.Options())
	if errors.Is(err, wire.ErrNoOption) {
		return netfilter.Accept
	}
	key := seg.Tuple()
	if !m.cfg.IsLocal(key.DstIP) {
		return netfilter.Accept
	}
	if err != nil {
		m.counters.Inc(metrics.MalformedOptions)
		glog.Warningf("(%s) %s: bad peer option, drop: %v", StagePreIn, key, err)
		return netfilter.Stolen
	}

	syn, ack := seg.Has(header.TCPFlagSyn), seg.Has(header.TCPFlagAck)
	switch {
	case syn && ack, opt.Type == wire.TypeSynAck, opt.Type == wire.TypeFSyn:
		return m.synAckIn(p, seg, opt)
	case syn && !ack:
		if opt.Type != wire.TypeSyn {
			return netfilter.Accept
		}
		return m.synIn(p, seg, opt)
	case !syn && ack:
		if opt.Type == wire.TypeFAck {
			m.fackIn(seg)
			return netfilter.Accept
		}
		if opt.Type != wire.TypeSyn && opt.Type != wire.TypeAck {
			return netfilter.Accept
		}
		return m.ackIn(p, seg, opt)
	}
	return netfilter.Accept
}

// synAckIn handles the answers to our own punches and the first segment
// of a real flow coming through one of them.
func (m *Machine) synAckIn(p *netfilter.Packet, seg *protocol.Segment, opt *wire.Option) netfilter.Verdict {
	key := seg.Tuple()
	fu, anchor, dir, ok := m.store.LookupFakeUser(key)
	if anchor == nil {
		// Not one of ours.
		return netfilter.Accept
	}
	if !ok || dir != conntrack.Reply {
		m.counters.Inc(metrics.UnexpectedPings)
		glog.Warningf("(%s) %s: got unexpected ping in, bypass", StagePreIn, key)
		return netfilter.Stolen
	}

	if opt.Type == wire.TypeFSyn {
		glog.Infof("(%s) %s: got fsyn in", StagePreIn, key)
		seg.SetFlags(seg.Flags()&^header.TCPFlagAck | header.TCPFlagSyn)
		seg.TCP.SetSequenceNumber(seg.Seq() - 1)
		seg.TCP.SetAckNumber(0)
		seg.Recompute()
		return netfilter.Accept
	}
	if opt.Type != wire.TypeSynAck {
		return netfilter.Stolen
	}

	srv, err := m.registry.Lookup(key.SrcIP)
	if err != nil {
		glog.Warningf("(%s) %s: %v", StagePreIn, key, err)
		return netfilter.Stolen
	}
	syn := seg.Has(header.TCPFlagSyn)
	prev, err := srv.AcceptSynAck(fu.Index, key.SrcPort, key.DstPort, seg.Seq(), seg.Ack(), opt.MapPort, syn)
	if err != nil {
		m.counters.Inc(metrics.UnexpectedPings)
		glog.Warningf("(%s) %s: %v", StagePreIn, key, err)
		return netfilter.Stolen
	}
	if prev != opt.MapPort {
		glog.Infof("(%s) %s: update map_port from %d to %d", StagePreIn, key, prev, opt.MapPort)
		ev := model.NewEvent(model.EventMapPortChanged, StagePreIn, key)
		ev.MapPort = opt.MapPort
		ev.ProbeIndex = fu.Index
		m.emit(ev)
	}

	if !syn {
		glog.Infof("(%s) %s: got ack, pong in", StagePreIn, key)
		ev := model.NewEvent(model.EventPongIn, StagePreIn, key)
		ev.MapPort = opt.MapPort
		ev.ProbeIndex = fu.Index
		m.emit(ev)
		return netfilter.Stolen
	}

	m.counters.Inc(metrics.SynAckIn)
	ev := model.NewEvent(model.EventSynAckIn, StagePreIn, key)
	ev.MapPort = opt.MapPort
	ev.ProbeIndex = fu.Index
	ev.RemoteSeq = seg.Seq()
	m.emit(ev)

	out, _, err := m.pingInit(p, srv, registry.ProbeRequest{Index: fu.Index}, true)
	if err != nil {
		glog.Errorf("(%s) %s: sending ack failed: %v", StagePreIn, key, err)
		return netfilter.Stolen
	}
	if m.transmit(out) {
		m.counters.Inc(metrics.PingsSent)
		glog.Infof("(%s) %s: got synack, sending ack back", StagePreIn, key)
	}
	return netfilter.Stolen
}

// synIn answers a punch from a remote client with its map port.
func (m *Machine) synIn(p *netfilter.Packet, seg *protocol.Segment, opt *wire.Option) netfilter.Verdict {
	key := seg.Tuple()
	glog.Infof("(%s) %s: got syn in", StagePreIn, key)
	if seg.Seq() == 0 {
		glog.Warningf("(%s) %s: got syn in, but seq is 0, drop", StagePreIn, key)
		return netfilter.Stolen
	}
	m.counters.Inc(metrics.SynIn)

	u, idx, err := m.store.UserExpectIn(m.scratchFor(p.Worker), key, opt.Identity)
	if err != nil {
		m.userFailed(key, err)
		return netfilter.Stolen
	}
	pong, err := u.AcceptSyn(idx, key, seg.Seq())
	if err != nil {
		m.pingRejected(key, err)
		return netfilter.Stolen
	}

	ev := model.NewEvent(model.EventSynIn, StagePreIn, key)
	ev.MapPort = pong.MapPort
	ev.LocalSeq = pong.LocalSeq
	ev.RemoteSeq = seg.Seq()
	ev.Message = opt.IP.String()
	m.emit(ev)

	glog.Infof("(%s) %s: got ping(syn) SYN in, create new session, sending synack back", StagePreIn, key)
	m.sendPong(p, seg, pong)
	return netfilter.Stolen
}

// ackIn completes a handshake on PEER_ACK, and keeps a mapping alive on
// a PEER_SYN riding an ACK.
func (m *Machine) ackIn(p *netfilter.Packet, seg *protocol.Segment, opt *wire.Option) netfilter.Verdict {
	key := seg.Tuple()
	if seg.Seq()-1 == 0 {
		glog.Warningf("(%s) %s: got ping(ack) in, but seq is 1, drop", StagePreIn, key)
		return netfilter.Stolen
	}
	m.counters.Inc(metrics.AckIn)

	u, idx, err := m.store.UserExpectIn(m.scratchFor(p.Worker), key, opt.Identity)
	if err != nil {
		m.userFailed(key, err)
		return netfilter.Stolen
	}

	if opt.Type == wire.TypeAck {
		done, err := u.ConfirmAck(idx, key, seg.Seq())
		if err != nil {
			m.pingRejected(key, err)
			return netfilter.Stolen
		}
		if done {
			m.counters.Inc(metrics.HandshakesDone)
			glog.Infof("(%s) %s: got ping(ack) in, 3-way handshake complete", StagePreIn, key)
			pt := u.Tuple(idx)
			ev := model.NewEvent(model.EventHandshakeDone, StagePreIn, key)
			ev.MapPort = u.MapPort()
			ev.LocalSeq = pt.LocalSeq
			ev.RemoteSeq = pt.RemoteSeq
			m.emit(ev)
		}
		return netfilter.Stolen
	}

	pong, recovered, err := u.KeepAlive(idx, key, seg.Seq(), seg.Ack())
	if err != nil {
		m.pingRejected(key, err)
		return netfilter.Stolen
	}
	if recovered {
		m.counters.Inc(metrics.Recoveries)
		glog.Infof("(%s) %s: got ping(ack) SYN in, assume connection ok", StagePreIn, key)
		ev := model.NewEvent(model.EventRecovered, StagePreIn, key)
		ev.MapPort = pong.MapPort
		ev.LocalSeq = pong.LocalSeq
		ev.RemoteSeq = pong.RemoteSeq
		m.emit(ev)
	} else {
		glog.V(1).Infof("(%s) %s: got ping(ack) SYN in, ok", StagePreIn, key)
	}
	m.sendPong(p, seg, pong)
	return netfilter.Stolen
}

// fackIn turns the FACK carrier of a bound flow back into its SYN-ACK.
func (m *Machine) fackIn(seg *protocol.Segment) {
	key := seg.Tuple()
	_, dir, ok := m.store.LookupPeerFlow(key)
	if !ok || dir != conntrack.Reply {
		return
	}
	glog.Infof("(%s) %s: got fack in", StagePreIn, key)
	seg.SetFlags(seg.Flags() | header.TCPFlagSyn)
	seg.TCP.SetSequenceNumber(seg.Seq() - 1)
	seg.Recompute()
}

func (m *Machine) sendPong(p *netfilter.Packet, seg *protocol.Segment, pong session.Pong) {
	out, err := m.replyPong(p, seg, pong)
	if err != nil {
		glog.Errorf("(%s) %s: build pong failed: %v", StagePreIn, seg.Tuple(), err)
		return
	}
	if m.transmit(out) {
		m.counters.Inc(metrics.PongsSent)
	}
}

func (m *Machine) userFailed(key model.Tuple, err error) {
	if errors.Is(err, session.ErrPortExhausted) {
		m.counters.Inc(metrics.PortAllocFailures)
		ev := model.NewEvent(model.EventPortExhausted, StagePreIn, key)
		ev.Message = err.Error()
		m.emit(ev)
	}
	glog.Warningf("(%s) %s: user expect failed: %v", StagePreIn, key, err)
}

func (m *Machine) pingRejected(key model.Tuple, err error) {
	switch {
	case errors.Is(err, session.ErrSessionUsed):
		m.counters.Inc(metrics.SessionUsedDrops)
	case errors.Is(err, session.ErrStaleSeq):
		m.counters.Inc(metrics.StalePingDrops)
	}
	ev := model.NewEvent(model.EventPingRejected, StagePreIn, key)
	ev.Message = err.Error()
	m.emit(ev)
	glog.Warningf("(%s) %s: ping dropped: %v", StagePreIn, key, err)
}
