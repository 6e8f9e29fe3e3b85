package model

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// IP protocol numbers used in tuples.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Tuple represents the 5-tuple of a packet as seen in one direction.
// It is comparable and used directly as a map key.
type Tuple struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// Reverse returns the tuple of the opposite direction.
func (t Tuple) Reverse() Tuple {
	return Tuple{
		SrcIP:   t.DstIP,
		DstIP:   t.SrcIP,
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
		Proto:   t.Proto,
	}
}

// WithProto returns a copy of the tuple with the protocol replaced.
func (t Tuple) WithProto(proto uint8) Tuple {
	t.Proto = proto
	return t
}

func (t Tuple) String() string {
	name := "ip"
	switch t.Proto {
	case ProtoTCP:
		name = "tcp"
	case ProtoUDP:
		name = "udp"
	case ProtoICMP:
		name = "icmp"
	}
	return fmt.Sprintf("%s %s:%d->%s:%d", name, t.SrcIP, t.SrcPort, t.DstIP, t.DstPort)
}

// EventKind names a notable transition of the peer handshake.
type EventKind string

const (
	EventProbeSent       EventKind = "probe_sent"
	EventSynIn           EventKind = "syn_in"
	EventSynAckIn        EventKind = "synack_in"
	EventPongIn          EventKind = "pong_in"
	EventAckIn           EventKind = "ack_in"
	EventHandshakeDone   EventKind = "handshake_done"
	EventRecovered       EventKind = "recovered"
	EventMapPortChanged  EventKind = "map_port_changed"
	EventServerReplaced  EventKind = "server_replaced"
	EventFlowBound       EventKind = "flow_bound"
	EventFlowBypass      EventKind = "flow_bypass"
	EventProbeRearmed    EventKind = "probe_rearmed"
	EventFirstSynEncoded EventKind = "fsyn_encoded"
	EventFirstAckEncoded EventKind = "fack_encoded"
	EventPingRejected    EventKind = "ping_rejected"
	EventPortExhausted   EventKind = "port_exhausted"
)

// Event is a single handshake transition reported by the peer engine.
type Event struct {
	ID         string
	Timestamp  time.Time
	Kind       EventKind
	Stage      string
	Tuple      Tuple
	MapPort    uint16
	ProbeIndex int
	LocalSeq   uint32
	RemoteSeq  uint32
	Message    string
}

// NewEvent creates an event with a fresh id stamped with the current time.
func NewEvent(kind EventKind, stage string, tuple Tuple) Event {
	return Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Kind:       kind,
		Stage:      stage,
		Tuple:      tuple,
		ProbeIndex: -1,
	}
}
