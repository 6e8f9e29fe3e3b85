package handshake

import (
	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer/registry"
	"Go2NatPeer/internal/peer/session"

	"github.com/golang/glog"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// DNAT binds the first SYN of a new real flow to a completed handshake.
// A flow arriving through one of our punches goes to the rendezvous
// service; a flow arriving on a user's map port goes to that user's
// freshest mapping.
func (m *Machine) DNAT(p *netfilter.Packet) netfilter.Verdict {
	f := p.CT
	if f == nil {
		return netfilter.Accept
	}
	seg, err := protocol.ParseSegment(p.Data)
	if err != nil {
		return netfilter.Accept
	}
	if f.Tag() == session.TagPeerFlow {
		p.Mark |= Mark
		f.SetFlag(conntrack.FlagFastForwardStop)
		return netfilter.Accept
	}
	if f.Confirmed() || p.CTDir != conntrack.Original {
		return netfilter.Accept
	}
	if !seg.Has(header.TCPFlagSyn) || seg.Has(header.TCPFlagAck) {
		return netfilter.Accept
	}
	key := seg.Tuple()
	if !m.cfg.IsLocal(key.DstIP) {
		return netfilter.Accept
	}

	fu, anchor, dir, ok := m.store.LookupFakeUser(key)
	if anchor != nil {
		if !ok || dir != conntrack.Reply {
			glog.Warningf("(%s) %s: user found but status or dir mismatch", StageDNAT, key)
			return netfilter.Accept
		}
		m.bindFakeUser(p, f, key, fu, anchor)
		return netfilter.Accept
	}
	m.bindUser(p, f, key, seg.Seq())
	return netfilter.Accept
}

func (m *Machine) bindFakeUser(p *netfilter.Packet, f *conntrack.Flow, key model.Tuple, fu *session.FakeUser, anchor *conntrack.Flow) {
	m.store.TouchExpect(anchor)
	localSeq := fu.LocalSeq()

	ns := m.store.SessionIn(f)
	ns.Lock()
	ns.LocalSeq = localSeq
	ns.Unlock()

	m.rearm(p, key, fu.Index, localSeq)

	ep := m.cfg.Rendezvous
	if !ep.IP.IsValid() {
		ep.IP = key.DstIP
	}
	if err := m.nat.DNATSetup(f, ep); err != nil {
		glog.Errorf("(%s) %s: dnat setup failed, server=%s: %v", StageDNAT, key, ep, err)
	}
	if m.claim(p, f) {
		m.counters.Inc(metrics.FlowsBypassed)
		glog.Infof("(%s) %s: found fakeuser expect, do DNAT to %s", StageDNAT, key, ep)
		ev := model.NewEvent(model.EventFlowBypass, StageDNAT, key)
		ev.ProbeIndex = fu.Index
		ev.LocalSeq = localSeq
		ev.Message = ep.String()
		m.emit(ev)
	}
}

// rearm retires the probe slot whose punch a real flow just used and
// punches again through a fresh one.
func (m *Machine) rearm(p *netfilter.Packet, key model.Tuple, pmi int, localSeq uint32) {
	srv, err := m.registry.Lookup(key.SrcIP)
	if err != nil {
		glog.Warningf("(%s) %s: peer_server_node not found, just bypass", StageDNAT, key)
		return
	}
	if err := srv.ResetProbe(pmi, key.DstPort, key.SrcPort, localSeq); err != nil {
		glog.Warningf("(%s) %s: %v, just bypass", StageDNAT, key, err)
		return
	}
	out, probe, err := m.pingInit(p, srv, registry.ProbeRequest{Index: pmi}, true)
	if err != nil {
		glog.Errorf("(%s) %s: auto sending new syn failed: %v", StageDNAT, key, err)
		return
	}
	if !m.transmit(out) {
		return
	}
	m.counters.Inc(metrics.PingsSent)
	glog.Infof("(%s) %s: auto sending new syn out", StageDNAT, key)
	ev := model.NewEvent(model.EventProbeRearmed, StageDNAT, key)
	ev.ProbeIndex = probe.Index
	ev.LocalSeq = probe.LocalSeq
	m.emit(ev)
}

func (m *Machine) bindUser(p *netfilter.Packet, f *conntrack.Flow, key model.Tuple, seq uint32) {
	u, ok := m.store.UserByPort(key.DstPort)
	if !ok {
		return
	}
	if u.MapPort() != key.DstPort {
		glog.Errorf("(%s) %s: map_port=%d dest=%d mismatch", StageDNAT, key, u.MapPort(), key.DstPort)
		return
	}

	pt, err := u.ConsumeFreshest()
	if err != nil {
		m.counters.Inc(metrics.NoTupleMisses)
		glog.Warningf("(%s) %s: %v", StageDNAT, key, err)
		return
	}
	ns := m.store.SessionIn(f)
	ns.Lock()
	ns.PeerIP = pt.DstIP
	ns.PeerPort = pt.DstPort
	ns.Offset = pt.LocalSeq - seq
	ns.RemoteSeq = pt.RemoteSeq
	ns.Unlock()

	ep := conntrack.Endpoint{IP: pt.SrcIP, Port: pt.SrcPort}
	if err := m.nat.DNATSetup(f, ep); err != nil {
		glog.Errorf("(%s) %s: dnat setup failed, server=%s: %v", StageDNAT, key, ep, err)
	}
	if m.claim(p, f) {
		m.counters.Inc(metrics.FlowsBound)
		glog.Infof("(%s) %s: found user expect, do DNAT to %s", StageDNAT, key, ep)
		ev := model.NewEvent(model.EventFlowBound, StageDNAT, key)
		ev.MapPort = key.DstPort
		ev.LocalSeq = pt.LocalSeq
		ev.RemoteSeq = pt.RemoteSeq
		ev.Message = ep.String()
		m.emit(ev)
	}
}

// claim marks f as a bound flow and reports whether this call bound it.
func (m *Machine) claim(p *netfilter.Packet, f *conntrack.Flow) bool {
	p.Mark |= Mark
	f.SetFlag(conntrack.FlagFastForwardStop)
	if !f.CompareAndSwapTag(conntrack.TagNone, session.TagPeerFlow) {
		return false
	}
	f.SetFlag(conntrack.FlagBypass | conntrack.FlagAck)
	return true
}
