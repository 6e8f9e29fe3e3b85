package conntrack

import (
	"encoding/binary"
	"sync"

	"Go2NatPeer/internal/engine/protocol"

	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// TCPConnState is the coarse TCP connection state.
type TCPConnState uint8

const (
	TCPNone TCPConnState = iota
	TCPSynSent
	TCPSynRecv
	TCPEstablished
	TCPFinWait
	TCPTimeWait
	TCPClose
)

// Window flags.
const (
	WindowScale uint8 = 1 << iota
	SackPerm
	DataUnacknowledged
	MaxAckSet
	BeLiberal
)

// maxAckWindowConst is the minimum ack window accepted behind td_end.
const maxAckWindowConst = 66000

// maxWindowScale is the largest shift RFC 7323 allows.
const maxWindowScale = 14

// TCPWindow is what one direction of a connection has been seen to send.
type TCPWindow struct {
	End    uint32 // highest seq + len sent
	MaxEnd uint32 // highest ack + window received from the peer
	MaxWin uint32 // largest window advertised
	MaxAck uint32 // highest ack sent
	Scale  uint8
	Flags  uint8
}

// TCPState is the window tracking state of a flow. The embedded mutex
// guards every field.
type TCPState struct {
	sync.Mutex
	State   TCPConnState
	Seen    [2]TCPWindow
	LastDir Direction
	LastSeq uint32
	LastAck uint32
	LastEnd uint32
	LastWin uint16
	Retrans uint8

	finSeen [2]bool
}

// SeqAfter reports whether a comes after b in sequence space.
func SeqAfter(a, b uint32) bool { return seqnum.Value(b).LessThan(seqnum.Value(a)) }

// SeqBefore reports whether a comes before b in sequence space.
func SeqBefore(a, b uint32) bool { return seqnum.Value(a).LessThan(seqnum.Value(b)) }

// SegmentEnd returns seq plus the sequence space the segment occupies.
func SegmentEnd(seg *protocol.Segment) uint32 {
	end := seg.Seq() + uint32(seg.PayloadLen())
	if seg.Has(header.TCPFlagSyn) {
		end++
	}
	if seg.Has(header.TCPFlagFin) {
		end++
	}
	return end
}

// MaxSack returns the highest right edge among the segment's SACK blocks,
// or ack when none is higher.
func MaxSack(opts []byte, ack uint32) uint32 {
	sack := ack
	protocol.WalkOptions(opts, func(kind byte, opt []byte) bool {
		if kind != protocol.OptionSack {
			return true
		}
		for i := 2; i+8 <= len(opt); i += 8 {
			edge := binary.BigEndian.Uint32(opt[i+4 : i+8])
			if SeqAfter(edge, sack) {
				sack = edge
			}
		}
		return true
	})
	return sack
}

func readOptions(seg *protocol.Segment, w *TCPWindow) {
	w.Scale = 0
	w.Flags &^= WindowScale | SackPerm
	protocol.WalkOptions(seg.Options(), func(kind byte, opt []byte) bool {
		switch kind {
		case protocol.OptionSackPerm:
			if len(opt) == 2 {
				w.Flags |= SackPerm
			}
		case protocol.OptionWScale:
			if len(opt) == 3 {
				w.Scale = min(opt[2], maxWindowScale)
				w.Flags |= WindowScale
			}
		}
		return true
	})
}

func maxAckWindow(w *TCPWindow) uint32 {
	return max(w.MaxWin, maxAckWindowConst)
}

// track runs the in-window test for a segment and advances the state.
// isNew is set for the first packet of an unconfirmed flow.
func (s *TCPState) track(dir Direction, seg *protocol.Segment, isNew bool) bool {
	s.Lock()
	defer s.Unlock()

	if isNew && s.State == TCPNone {
		s.init(seg)
	}
	ok := s.inWindow(dir, seg)
	if ok {
		s.transition(dir, seg)
	}
	return ok
}

func (s *TCPState) init(seg *protocol.Segment) {
	s.Seen = [2]TCPWindow{}
	w := &s.Seen[Original]
	win := uint32(seg.Window())
	if seg.Has(header.TCPFlagSyn) && !seg.Has(header.TCPFlagAck) {
		w.End = SegmentEnd(seg)
		w.MaxWin = max(win, 1)
		w.MaxEnd = w.End
		readOptions(seg, w)
		return
	}
	// Picked up mid-stream: trust the packet, assume SACK and be liberal.
	w.End = SegmentEnd(seg)
	w.MaxWin = max(win, 1)
	w.MaxEnd = w.End + w.MaxWin
	s.Seen[Original].Flags = SackPerm | BeLiberal
	s.Seen[Reply].Flags = SackPerm | BeLiberal
	s.State = TCPEstablished
}

func (s *TCPState) inWindow(dir Direction, seg *protocol.Segment) bool {
	sender := &s.Seen[dir]
	receiver := &s.Seen[1-dir]

	syn := seg.Has(header.TCPFlagSyn)
	ackSet := seg.Has(header.TCPFlagAck)
	rst := seg.Has(header.TCPFlagRst)
	fin := seg.Has(header.TCPFlagFin)

	seq := seg.Seq()
	ack := seg.Ack()
	sack := ack
	win := uint32(seg.Window())
	end := SegmentEnd(seg)
	if receiver.Flags&SackPerm != 0 {
		sack = MaxSack(seg.Options(), sack)
	}

	if sender.MaxWin == 0 {
		if syn {
			// SYN-ACK in reply to a SYN, or a SYN from the reply side.
			sender.End = end
			sender.MaxEnd = end
			sender.MaxWin = max(win, 1)
			readOptions(seg, sender)
			if sender.Flags&WindowScale == 0 || receiver.Flags&WindowScale == 0 {
				sender.Scale = 0
				receiver.Scale = 0
			}
			if !ackSet {
				return true
			}
		} else {
			sender.End = end
			swin := win << sender.Scale
			sender.MaxWin = max(swin, 1)
			sender.MaxEnd = end + sender.MaxWin
			if receiver.MaxWin == 0 {
				receiver.End = sack
				receiver.MaxEnd = sack
			} else if sack == receiver.End+1 {
				receiver.End++
			}
		}
	} else if ((s.State == TCPSynSent && dir == Original) || (s.State == TCPSynRecv && dir == Reply)) && SeqAfter(end, sender.End) {
		// Reinitialised connection reusing the tuple.
		sender.End = end
		sender.MaxEnd = end
		sender.MaxWin = max(win, 1)
		readOptions(seg, sender)
	}

	if !ackSet {
		ack = receiver.End
		sack = receiver.End
	} else if rst && ack == 0 {
		ack = receiver.End
		sack = receiver.End
	}

	if rst && seq == 0 && s.State == TCPSynSent {
		seq = sender.End
		end = sender.End
	}

	inRecvWin := receiver.MaxWin == 0 || SeqAfter(end, sender.End-receiver.MaxWin-1)

	if SeqBefore(seq, sender.MaxEnd+1) &&
		inRecvWin &&
		SeqBefore(sack, receiver.End+1) &&
		SeqAfter(sack, receiver.End-maxAckWindow(sender)-1) {
		if !syn {
			win <<= sender.Scale
		}

		swin := win + (sack - ack)
		if sender.MaxWin < swin {
			sender.MaxWin = swin
		}
		if SeqAfter(end, sender.End) {
			sender.End = end
			sender.Flags |= DataUnacknowledged
		}
		if ackSet {
			if sender.Flags&MaxAckSet == 0 {
				sender.MaxAck = ack
				sender.Flags |= MaxAckSet
			} else if SeqAfter(ack, sender.MaxAck) {
				sender.MaxAck = ack
			}
		}

		if receiver.MaxWin != 0 && SeqAfter(end, sender.MaxEnd) {
			receiver.MaxWin += end - sender.MaxEnd
		}
		if SeqAfter(sack+win, receiver.MaxEnd-1) {
			receiver.MaxEnd = sack + win
			if win == 0 {
				receiver.MaxEnd++
			}
		}
		if ack == receiver.End {
			receiver.Flags &^= DataUnacknowledged
		}

		if ackSet && !syn && !fin && !rst {
			if s.LastDir == dir && s.LastSeq == seq && s.LastAck == ack && s.LastEnd == end && s.LastWin == uint16(win) {
				s.Retrans++
			} else {
				s.LastDir = dir
				s.LastSeq = seq
				s.LastAck = ack
				s.LastEnd = end
				s.LastWin = uint16(win)
				s.Retrans = 0
			}
		}
		return true
	}

	return sender.Flags&BeLiberal != 0
}

func (s *TCPState) transition(dir Direction, seg *protocol.Segment) {
	syn := seg.Has(header.TCPFlagSyn)
	ack := seg.Has(header.TCPFlagAck)
	switch {
	case seg.Has(header.TCPFlagRst):
		s.State = TCPClose
	case syn && !ack:
		if s.State == TCPNone || s.State == TCPClose || s.State == TCPTimeWait {
			s.State = TCPSynSent
		}
	case syn && ack:
		if s.State == TCPSynSent && dir == Reply {
			s.State = TCPSynRecv
		}
	case seg.Has(header.TCPFlagFin):
		s.finSeen[dir] = true
		if s.finSeen[Original] && s.finSeen[Reply] {
			s.State = TCPTimeWait
		} else {
			s.State = TCPFinWait
		}
	case ack:
		if s.State == TCPSynRecv && dir == Original {
			s.State = TCPEstablished
		}
	}
}
