package handshake

import (
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer/registry"

	"github.com/golang/glog"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// PostOut turns an outgoing ICMP echo with TTL 1 into a punch towards its
// destination. The echo sequence selects the probe slot and the payload
// length bounds the slots the server may use.
func (m *Machine) PostOut(p *netfilter.Packet) netfilter.Verdict {
	ip, err := protocol.ParseIPv4(p.Data)
	if err != nil || ip.Protocol() != uint8(header.ICMPv4ProtocolNumber) || ip.TTL() != 1 {
		return netfilter.Accept
	}
	icmp := header.ICMPv4(ip.Payload())
	if len(icmp) < header.ICMPv4MinimumSize {
		return netfilter.Accept
	}
	dst := protocol.Addr(ip[16:20])
	tuple := model.Tuple{SrcIP: protocol.Addr(ip[12:16]), DstIP: dst, Proto: model.ProtoICMP}
	glog.V(1).Infof("(%s) %s seq=%d: ping out", StagePostOut, tuple, icmp.Sequence())
	m.counters.Inc(metrics.ProbesTriggered)

	maxIdx := len(icmp) - header.ICMPv4MinimumSize
	srv := m.registry.GetOrCreate(dst, maxIdx, true)
	if srv == nil {
		glog.Warningf("(%s) %s: no peer server record", StagePostOut, tuple)
		return netfilter.Stolen
	}
	req := registry.ProbeRequest{Index: -1, Sequence: icmp.Sequence(), MTU: p.MTU}
	out, probe, err := m.pingInit(p, srv, req, false)
	if err != nil {
		glog.Errorf("(%s) %s: ping init failed: %v", StagePostOut, tuple, err)
		return netfilter.Stolen
	}
	if !m.transmit(out) {
		return netfilter.Stolen
	}
	m.counters.Inc(metrics.PingsSent)

	tuple.SrcPort, tuple.DstPort, tuple.Proto = probe.Sport, probe.Dport, model.ProtoTCP
	glog.Infof("(%s) %s: new sending syn out", StagePostOut, tuple)
	ev := model.NewEvent(model.EventProbeSent, StagePostOut, tuple)
	ev.ProbeIndex = probe.Index
	ev.LocalSeq = probe.LocalSeq
	ev.RemoteSeq = probe.RemoteSeq
	ev.MapPort = srv.MapPort()
	m.emit(ev)
	return netfilter.Stolen
}
