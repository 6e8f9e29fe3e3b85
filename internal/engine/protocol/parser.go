package protocol

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"Go2NatPeer/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// FrameHeadroom is the spare capacity reserved behind every decoded datagram
// so that a peer option can be inserted without reallocating.
const FrameHeadroom = 40

// Frame holds an IPv4 datagram lifted out of a link-layer frame.
type Frame struct {
	Timestamp time.Time
	SrcMAC    net.HardwareAddr
	DstMAC    net.HardwareAddr
	// IP is a private copy of the datagram, trimmed to its total length.
	IP    []byte
	Tuple model.Tuple
}

// ParsePacket uses gopacket to decode a captured packet and extract the IPv4 datagram.
func ParsePacket(packet gopacket.Packet) (*Frame, error) {
	frame := &Frame{Timestamp: time.Now()}
	if meta := packet.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		frame.Timestamp = meta.Timestamp
	}

	if l := packet.Layer(layers.LayerTypeEthernet); l != nil {
		eth := l.(*layers.Ethernet)
		frame.SrcMAC = eth.SrcMAC
		frame.DstMAC = eth.DstMAC
	}

	l := packet.Layer(layers.LayerTypeIPv4)
	if l == nil {
		return nil, ErrNotIPv4
	}
	ip := l.(*layers.IPv4)
	raw := append(append([]byte(nil), ip.Contents...), ip.Payload...)
	if int(ip.Length) < len(ip.Contents) || int(ip.Length) > len(raw) {
		return nil, fmt.Errorf("%w: ipv4 length %d of %d bytes", ErrTruncated, ip.Length, len(raw))
	}
	frame.IP = make([]byte, ip.Length, int(ip.Length)+FrameHeadroom)
	copy(frame.IP, raw)

	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
	frame.Tuple = model.Tuple{SrcIP: src, DstIP: dst, Proto: uint8(ip.Protocol)}

	if l := packet.Layer(layers.LayerTypeTCP); l != nil {
		tcp := l.(*layers.TCP)
		frame.Tuple.SrcPort = uint16(tcp.SrcPort)
		frame.Tuple.DstPort = uint16(tcp.DstPort)
	} else if l := packet.Layer(layers.LayerTypeUDP); l != nil {
		udp := l.(*layers.UDP)
		frame.Tuple.SrcPort = uint16(udp.SrcPort)
		frame.Tuple.DstPort = uint16(udp.DstPort)
	}

	return frame, nil
}

// ParseEthernet decodes a raw ethernet frame.
func ParseEthernet(data []byte) (*Frame, error) {
	return ParsePacket(gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default))
}
