// Package wire encodes and decodes the peer handshake TCP option.
//
// Layout, all multi-byte fields in network order:
//
//	0      1      2      3
//	+------+------+------+------------+
//	| kind | size | type | encryption |  header, 4 bytes
//	+------+------+------+------------+
//	| ip (4) | identity (6) | pad (2) |  SYN / ACK, size 16
//	| map port (2) | pad (2)          |  SYNACK, size 8
//	(no body)                            FSYN / FACK, size 4
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"Go2NatPeer/internal/engine/protocol"

	"github.com/google/gopacket/layers"
)

// OptionKind is the TCP option kind carrying the peer header.
const OptionKind = 0x9B

// Type is the peer message type carried in the option.
type Type uint8

const (
	TypeSyn Type = iota + 1
	TypeAck
	TypeSynAck
	TypeFSyn
	TypeFAck
)

// Option sizes, header included, padded to 4 bytes.
const (
	HeaderSize = 4
	PeerSize   = 16
	SynAckSize = 8
)

var (
	ErrNoOption  = errors.New("no peer option")
	ErrMalformed = errors.New("malformed peer option")
	ErrEncrypted = errors.New("encrypted peer option not supported")
)

func (t Type) String() string {
	switch t {
	case TypeSyn:
		return "PEER_SYN"
	case TypeAck:
		return "PEER_ACK"
	case TypeSynAck:
		return "PEER_SYNACK"
	case TypeFSyn:
		return "PEER_FSYN"
	case TypeFAck:
		return "PEER_FACK"
	}
	return fmt.Sprintf("PEER_TYPE(%d)", uint8(t))
}

// Size returns the encoded option size for the type.
func (t Type) Size() int {
	switch t {
	case TypeSyn, TypeAck:
		return PeerSize
	case TypeSynAck:
		return SynAckSize
	default:
		return HeaderSize
	}
}

// Option is a decoded peer option.
type Option struct {
	Type       Type
	Encryption uint8
	// IP and Identity are set on SYN and ACK.
	IP       netip.Addr
	Identity [6]byte
	// MapPort is set on SYNACK.
	MapPort uint16
}

// Marshal encodes the option, kind and size bytes included.
func (o *Option) Marshal() []byte {
	size := o.Type.Size()
	b := make([]byte, size)
	b[0] = OptionKind
	b[1] = byte(size)
	b[2] = byte(o.Type)
	b[3] = o.Encryption
	switch o.Type {
	case TypeSyn, TypeAck:
		if o.IP.Is4() {
			ip := o.IP.As4()
			copy(b[4:8], ip[:])
		}
		copy(b[8:14], o.Identity[:])
	case TypeSynAck:
		binary.BigEndian.PutUint16(b[4:6], o.MapPort)
	}
	return b
}

// TCPOption returns the option in the form gopacket serializes.
func (o *Option) TCPOption() layers.TCPOption {
	b := o.Marshal()
	return layers.TCPOption{
		OptionType:   layers.TCPOptionKind(OptionKind),
		OptionLength: b[1],
		OptionData:   b[2:],
	}
}

// Decode parses one peer option; b starts at the kind byte and holds exactly
// the option.
func Decode(b []byte) (*Option, error) {
	if len(b) < HeaderSize || b[0] != OptionKind {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	size := int(b[1])
	if size != len(b) || size%4 != 0 {
		return nil, fmt.Errorf("%w: size %d of %d bytes", ErrMalformed, size, len(b))
	}
	o := &Option{Type: Type(b[2]), Encryption: b[3]}
	if o.Encryption != 0 {
		return nil, ErrEncrypted
	}
	switch o.Type {
	case TypeSyn, TypeAck:
		if size < PeerSize {
			return nil, fmt.Errorf("%w: %s size %d", ErrMalformed, o.Type, size)
		}
		o.IP = netip.AddrFrom4([4]byte(b[4:8]))
		copy(o.Identity[:], b[8:14])
	case TypeSynAck:
		if size < SynAckSize {
			return nil, fmt.Errorf("%w: %s size %d", ErrMalformed, o.Type, size)
		}
		o.MapPort = binary.BigEndian.Uint16(b[4:6])
	case TypeFSyn, TypeFAck:
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, b[2])
	}
	return o, nil
}

// Find locates and decodes the peer option among raw TCP option bytes.
// It returns ErrNoOption when none is present.
func Find(opts []byte) (*Option, error) {
	var found []byte
	err := protocol.WalkOptions(opts, func(kind byte, opt []byte) bool {
		if kind == OptionKind {
			found = opt
			return false
		}
		return true
	})
	if found == nil {
		if err != nil {
			if truncatedPeer(opts) {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
		return nil, ErrNoOption
	}
	return Decode(found)
}

// FromLayer decodes the peer option from a gopacket TCP layer.
func FromLayer(tcp *layers.TCP) (*Option, error) {
	for _, o := range tcp.Options {
		if o.OptionType != layers.TCPOptionKind(OptionKind) {
			continue
		}
		b := make([]byte, 0, 2+len(o.OptionData))
		b = append(b, byte(o.OptionType), o.OptionLength)
		b = append(b, o.OptionData...)
		return Decode(b)
	}
	return nil, ErrNoOption
}

// MSSOption returns a maximum segment size option.
func MSSOption(mss uint16) layers.TCPOption {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, mss)
	return layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: data}
}

// truncatedPeer reports whether the option walk stopped on a peer kind byte.
func truncatedPeer(opts []byte) bool {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case protocol.OptionEnd:
			return false
		case protocol.OptionNop:
			i++
			continue
		case OptionKind:
			return true
		}
		if i+1 >= len(opts) || opts[i+1] < 2 {
			return false
		}
		i += int(opts[i+1])
	}
	return false
}
