package session

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Scratch builds the synthetic datagrams that anchor sessions in the flow
// table. A Scratch belongs to one worker and is reused for every datagram
// it builds.
type Scratch struct {
	buf gopacket.SerializeBuffer
	ip  layers.IPv4
	udp layers.UDP
}

// NewScratch allocates a scratch buffer.
func NewScratch() *Scratch {
	return &Scratch{buf: gopacket.NewSerializeBufferExpectedSize(20, 8)}
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// datagram writes an empty IPv4/UDP datagram into the buffer and returns
// its bytes, valid until the next call.
func (s *Scratch) datagram(src, dst netip.Addr, sport, dport uint16) ([]byte, error) {
	sb, db := src.As4(), dst.As4()
	s.ip = layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      255,
		Id:       0xDEAD,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(sb[:]),
		DstIP:    net.IP(db[:]),
	}
	s.udp = layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := s.udp.SetNetworkLayerForChecksum(&s.ip); err != nil {
		return nil, err
	}
	if err := s.buf.Clear(); err != nil {
		return nil, err
	}
	if err := gopacket.SerializeLayers(s.buf, serializeOpts, &s.ip, &s.udp); err != nil {
		return nil, err
	}
	return s.buf.Bytes(), nil
}
