package handshake

import (
	"fmt"

	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer/registry"
	"Go2NatPeer/internal/peer/session"
	"Go2NatPeer/internal/peer/wire"
	"Go2NatPeer/internal/pkg/random"

	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	handshakeTTL    = 255
	handshakeWindow = 65535
)

// pingInit builds the next punch of probe slot req towards srv. A punch
// triggered by an outgoing ping leaves the way the ping would have; a
// reply punch goes back out of the device trigger came in on.
func (m *Machine) pingInit(trigger *netfilter.Packet, srv *registry.Server, req registry.ProbeRequest, reply bool) (*netfilter.Packet, registry.Probe, error) {
	ip := header.IPv4(trigger.Data)
	src, dst := protocol.Addr(ip[12:16]), protocol.Addr(ip[16:20])
	id := ip.ID()
	if reply {
		src, dst = dst, src
		id = uint16(random.Uint32())
	}

	probe := srv.PrepareProbe(req)
	tuple := model.Tuple{SrcIP: src, DstIP: dst, SrcPort: probe.Sport, DstPort: probe.Dport, Proto: model.ProtoTCP}

	fu, _, err := m.store.FakeUserExpectIn(m.scratchFor(trigger.Worker), tuple, probe.Index)
	if err != nil {
		return nil, probe, fmt.Errorf("fake user %s: %w", tuple, err)
	}
	fu.AdoptLocalSeq(probe.LocalSeq)

	opt := wire.Option{Type: wire.TypeSyn, IP: src, Identity: m.cfg.Identity}
	b := protocol.TCPBuild{
		Tuple:  tuple,
		Seq:    probe.LocalSeq,
		Flags:  header.TCPFlagSyn,
		Window: handshakeWindow,
		ID:     id,
		TTL:    handshakeTTL,
	}
	if probe.Connected {
		b.Seq = probe.LocalSeq + 1
		b.Ack = probe.RemoteSeq + 1
		b.Flags = header.TCPFlagAck
		if reply {
			opt.Type = wire.TypeAck
		}
		b.Options = []layers.TCPOption{opt.TCPOption()}
	} else {
		b.Options = []layers.TCPOption{opt.TCPOption(), wire.MSSOption(probe.MSS)}
	}
	data, err := protocol.BuildTCP(b)
	if err != nil {
		return nil, probe, err
	}

	p := &netfilter.Packet{
		Data:      data,
		MTU:       trigger.MTU,
		Worker:    trigger.Worker,
		Timestamp: trigger.Timestamp,
		Origin:    netfilter.FromHost,
	}
	if reply {
		p.SrcMAC, p.DstMAC, p.OutDev = trigger.DstMAC, trigger.SrcMAC, trigger.InDev
	} else {
		p.SrcMAC, p.DstMAC, p.OutDev = trigger.SrcMAC, trigger.DstMAC, trigger.OutDev
	}
	return p, probe, nil
}

// replyPong answers the punch seg with a PEER_SYNACK advertising the
// user's map port.
func (m *Machine) replyPong(trigger *netfilter.Packet, seg *protocol.Segment, pong session.Pong) (*netfilter.Packet, error) {
	ack := seg.Seq() + uint32(seg.PayloadLen())
	if seg.Has(header.TCPFlagSyn) {
		ack++
	}
	b := protocol.TCPBuild{
		Tuple:  seg.Tuple().Reverse(),
		Seq:    pong.LocalSeq,
		Ack:    ack,
		Flags:  header.TCPFlagSyn | header.TCPFlagAck,
		Window: handshakeWindow,
		ID:     uint16(random.Uint32()),
		TTL:    handshakeTTL,
	}
	if pong.Connected {
		b.Seq = pong.LocalSeq + 1
		b.Ack = pong.RemoteSeq + 1
		b.Flags = header.TCPFlagAck
	}
	opt := wire.Option{Type: wire.TypeSynAck, MapPort: pong.MapPort}
	b.Options = []layers.TCPOption{opt.TCPOption(), wire.MSSOption(registry.DefaultMSS)}

	data, err := protocol.BuildTCP(b)
	if err != nil {
		return nil, err
	}
	return &netfilter.Packet{
		Data:      data,
		SrcMAC:    trigger.DstMAC,
		DstMAC:    trigger.SrcMAC,
		OutDev:    trigger.InDev,
		MTU:       trigger.MTU,
		Worker:    trigger.Worker,
		Timestamp: trigger.Timestamp,
		Origin:    netfilter.FromHost,
	}, nil
}
