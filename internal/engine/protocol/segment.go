package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"Go2NatPeer/internal/model"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	ErrNotIPv4         = errors.New("not an IPv4 packet")
	ErrNotTCP          = errors.New("not a TCP segment")
	ErrTruncated       = errors.New("truncated packet")
	ErrHeaderFull      = errors.New("tcp header has no room for option")
	ErrMalformedOption = errors.New("malformed tcp option")
)

// MaxTCPHeaderSize is the largest header a 4-bit data offset can describe.
const MaxTCPHeaderSize = 60

// ParseIPv4 validates the fixed IPv4 header and returns a view trimmed to the
// datagram's total length.
func ParseIPv4(data []byte) (header.IPv4, error) {
	if len(data) < header.IPv4MinimumSize {
		return nil, ErrTruncated
	}
	if data[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}
	ip := header.IPv4(data)
	hl, tl := int(ip.HeaderLength()), int(ip.TotalLength())
	if hl < header.IPv4MinimumSize || tl < hl || tl > len(data) {
		return nil, fmt.Errorf("%w: ihl %d total %d of %d bytes", ErrTruncated, hl, tl, len(data))
	}
	return ip[:tl], nil
}

// Segment is an in-place view over an IPv4 datagram carrying TCP.
// Mutating methods write straight into the underlying packet bytes.
type Segment struct {
	IP  header.IPv4
	TCP header.TCP
}

// ParseSegment returns a view over the IPv4/TCP headers of data.
func ParseSegment(data []byte) (*Segment, error) {
	ip, err := ParseIPv4(data)
	if err != nil {
		return nil, err
	}
	if ip.Protocol() != uint8(header.TCPProtocolNumber) {
		return nil, ErrNotTCP
	}
	payload := []byte(ip[ip.HeaderLength():])
	if len(payload) < header.TCPMinimumSize {
		return nil, ErrTruncated
	}
	tcp := header.TCP(payload)
	off := int(tcp.DataOffset())
	if off < header.TCPMinimumSize || off > len(tcp) {
		return nil, fmt.Errorf("%w: tcp data offset %d of %d bytes", ErrTruncated, off, len(tcp))
	}
	return &Segment{IP: ip, TCP: tcp}, nil
}

// Tuple returns the TCP tuple of the segment.
func (s *Segment) Tuple() model.Tuple {
	return model.Tuple{
		SrcIP:   Addr(s.IP[12:16]),
		DstIP:   Addr(s.IP[16:20]),
		SrcPort: s.TCP.SourcePort(),
		DstPort: s.TCP.DestinationPort(),
		Proto:   model.ProtoTCP,
	}
}

func (s *Segment) Seq() uint32 { return s.TCP.SequenceNumber() }
func (s *Segment) Ack() uint32 { return s.TCP.AckNumber() }
func (s *Segment) Window() uint16 { return s.TCP.WindowSize() }
func (s *Segment) Flags() header.TCPFlags { return header.TCPFlags(s.TCP[header.TCPFlagsOffset]) }
func (s *Segment) Has(f header.TCPFlags) bool { return s.Flags()&f != 0 }

// HeaderLen returns the TCP header length in bytes.
func (s *Segment) HeaderLen() int { return int(s.TCP.DataOffset()) }

// PayloadLen returns the number of TCP payload bytes.
func (s *Segment) PayloadLen() int { return len(s.TCP) - s.HeaderLen() }

// Options returns the raw TCP option bytes.
func (s *Segment) Options() []byte { return s.TCP[header.TCPMinimumSize:s.HeaderLen()] }

// SetSeq rewrites the sequence number, updating the checksum incrementally.
func (s *Segment) SetSeq(v uint32) {
	old := s.TCP.SequenceNumber()
	s.TCP.SetSequenceNumber(v)
	s.TCP.SetChecksum(Replace32(s.TCP.Checksum(), old, v))
}

// SetAck rewrites the acknowledgment number, updating the checksum incrementally.
func (s *Segment) SetAck(v uint32) {
	old := s.TCP.AckNumber()
	s.TCP.SetAckNumber(v)
	s.TCP.SetChecksum(Replace32(s.TCP.Checksum(), old, v))
}

// ShiftSack adds delta to every SACK block edge, updating the checksum
// incrementally.
func (s *Segment) ShiftSack(delta uint32) {
	WalkOptions(s.Options(), func(kind byte, opt []byte) bool {
		if kind != OptionSack {
			return true
		}
		for i := 2; i+4 <= len(opt); i += 4 {
			old := binary.BigEndian.Uint32(opt[i:])
			binary.BigEndian.PutUint32(opt[i:], old+delta)
			s.TCP.SetChecksum(Replace32(s.TCP.Checksum(), old, old+delta))
		}
		return true
	})
}

// SetFlags overwrites the flag byte. The checksum is left stale; callers
// finish with Recompute.
func (s *Segment) SetFlags(f header.TCPFlags) {
	s.TCP[header.TCPFlagsOffset] = uint8(f)
}

// Recompute recalculates the full TCP checksum over the pseudo-header,
// header and payload.
func (s *Segment) Recompute() {
	xsum := s.pseudoHeader()
	s.TCP.SetChecksum(0)
	xsum = checksum.Checksum(s.TCP.Payload(), xsum)
	s.TCP.SetChecksum(^s.TCP.CalculateChecksum(xsum))
}

// RecomputeIP recalculates the IPv4 header checksum.
func (s *Segment) RecomputeIP() {
	s.IP.SetChecksum(0)
	s.IP.SetChecksum(^s.IP.CalculateChecksum())
}

// Valid reports whether both the IPv4 and TCP checksums verify.
func (s *Segment) Valid() bool {
	if checksum.Checksum(s.IP[:s.IP.HeaderLength()], 0) != 0xffff {
		return false
	}
	return checksum.Checksum(s.TCP, s.pseudoHeader()) == 0xffff
}

func (s *Segment) pseudoHeader() uint16 {
	return header.PseudoHeaderChecksum(header.TCPProtocolNumber, s.IP.SourceAddress(), s.IP.DestinationAddress(), uint16(len(s.TCP)))
}

// SetAddrs rewrites the addresses and ports of the segment and recomputes
// both checksums.
func (s *Segment) SetAddrs(t model.Tuple) {
	src, dst := t.SrcIP.As4(), t.DstIP.As4()
	copy(s.IP[12:16], src[:])
	copy(s.IP[16:20], dst[:])
	s.TCP.SetSourcePort(t.SrcPort)
	s.TCP.SetDestinationPort(t.DstPort)
	s.RecomputeIP()
	s.Recompute()
}

// InsertOption inserts opt directly after the fixed TCP header, shifting the
// existing options and the payload, so EOL padding cannot hide opt. It
// returns the possibly reallocated datagram and a fresh view over it. The
// checksums are recomputed.
func InsertOption(data []byte, opt []byte) ([]byte, *Segment, error) {
	seg, err := ParseSegment(data)
	if err != nil {
		return data, nil, err
	}
	if len(opt)%4 != 0 {
		return data, nil, fmt.Errorf("%w: option length %d is not 4-byte aligned", ErrMalformedOption, len(opt))
	}
	hl := seg.HeaderLen()
	if hl+len(opt) > MaxTCPHeaderSize {
		return data, nil, fmt.Errorf("%w: header %d + option %d", ErrHeaderFull, hl, len(opt))
	}

	ihl := int(seg.IP.HeaderLength())
	tl := int(seg.IP.TotalLength())
	out := data[:tl]
	if cap(out) < tl+len(opt) {
		grown := make([]byte, tl, tl+FrameHeadroom)
		copy(grown, out)
		out = grown
	}
	out = out[:tl+len(opt)]
	at := ihl + header.TCPMinimumSize
	copy(out[at+len(opt):], out[at:tl])
	copy(out[at:], opt)

	header.IPv4(out).SetTotalLength(uint16(tl + len(opt)))
	out[ihl+12] = byte((hl+len(opt))/4)<<4 | out[ihl+12]&0x0f

	seg, err = ParseSegment(out)
	if err != nil {
		return data, nil, err
	}
	seg.RecomputeIP()
	seg.Recompute()
	return out, seg, nil
}

// Addr converts 4 raw bytes to an address.
func Addr(b []byte) netip.Addr {
	return netip.AddrFrom4([4]byte(b[:4]))
}
