package protocol

import (
	"fmt"
	"net"
	"net/netip"

	"Go2NatPeer/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// TCPBuild describes a TCP segment to serialize.
type TCPBuild struct {
	Tuple   model.Tuple
	Seq     uint32
	Ack     uint32
	Flags   header.TCPFlags
	Window  uint16
	ID      uint16
	TTL     uint8
	Options []layers.TCPOption
	Payload []byte
}

// BuildTCP serializes an IPv4/TCP datagram with valid lengths and checksums.
func BuildTCP(b TCPBuild) ([]byte, error) {
	ttl := b.TTL
	if ttl == 0 {
		ttl = 64
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       b.ID,
		TTL:      ttl,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    ipOf(b.Tuple.SrcIP),
		DstIP:    ipOf(b.Tuple.DstIP),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(b.Tuple.SrcPort),
		DstPort: layers.TCPPort(b.Tuple.DstPort),
		Seq:     b.Seq,
		Ack:     b.Ack,
		FIN:     b.Flags&header.TCPFlagFin != 0,
		SYN:     b.Flags&header.TCPFlagSyn != 0,
		RST:     b.Flags&header.TCPFlagRst != 0,
		PSH:     b.Flags&header.TCPFlagPsh != 0,
		ACK:     b.Flags&header.TCPFlagAck != 0,
		Window:  b.Window,
		Options: b.Options,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	return serialize(ip, tcp, gopacket.Payload(b.Payload))
}

// BuildICMPEcho serializes an ICMP echo request carrying payloadLen zero bytes.
func BuildICMPEcho(src, dst netip.Addr, ttl uint8, id, seq uint16, payloadLen int) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       seq,
		TTL:      ttl,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    ipOf(src),
		DstIP:    ipOf(dst),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	return serialize(ip, icmp, gopacket.Payload(make([]byte, payloadLen)))
}

// BuildEthernet wraps an IPv4 datagram in an ethernet frame.
func BuildEthernet(src, dst net.HardwareAddr, datagram []byte) ([]byte, error) {
	if src == nil {
		src = make(net.HardwareAddr, 6)
	}
	if dst == nil {
		dst = make(net.HardwareAddr, 6)
	}
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(datagram)); err != nil {
		return nil, fmt.Errorf("failed to serialize ethernet frame: %w", err)
	}
	return buf.Bytes(), nil
}

func serialize(l ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, l...); err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %w", err)
	}
	data := buf.Bytes()
	out := make([]byte, len(data), len(data)+FrameHeadroom)
	copy(out, data)
	return out, nil
}

func ipOf(a netip.Addr) net.IP {
	if !a.Is4() {
		return net.IPv4zero.To4()
	}
	b := a.As4()
	return net.IP(b[:])
}
