package rewrite

import (
	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/engine/protocol"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Recheck moves the window state of st by the offsets that are about to be
// added to the sequence and acknowledgment numbers of seg, a segment
// travelling in dir, so that the tracker keeps accepting the rewritten
// stream. Nothing changes until the sender has been seen.
func Recheck(st *conntrack.TCPState, dir conntrack.Direction, seg *protocol.Segment, seqoff, ackoff uint32) {
	syn := seg.Has(header.TCPFlagSyn)
	ackSet := seg.Has(header.TCPFlagAck)
	rst := seg.Has(header.TCPFlagRst)
	fin := seg.Has(header.TCPFlagFin)
	pureAck := ackSet && !rst && !syn && !fin

	seq := seg.Seq()
	ack := seg.Ack()
	sack := ack
	win := uint32(seg.Window())
	end := conntrack.SegmentEnd(seg)

	st.Lock()
	defer st.Unlock()

	sender := &st.Seen[dir]
	receiver := &st.Seen[1-dir]
	if receiver.Flags&conntrack.SackPerm != 0 {
		sack = conntrack.MaxSack(seg.Options(), sack)
	}
	if sender.MaxWin == 0 {
		return
	}

	// Move what the tracker already recorded for this segment.
	if seqoff != 0 {
		if sender.End == end {
			sender.End += seqoff
		}
		if pureAck && st.LastSeq == seq && st.LastDir == dir {
			st.LastSeq = seq + seqoff
			st.LastEnd = end + seqoff
		}
		seq += seqoff
		end += seqoff
	}
	if ackoff != 0 {
		if receiver.MaxWin == 0 && receiver.End == sack {
			receiver.End = sack + ackoff
		}
		if pureAck && sender.MaxAck == ack {
			sender.MaxAck = ack + ackoff
		}
		if pureAck && st.LastAck == ack && st.LastDir == dir {
			st.LastAck = ack + ackoff
		}
		ack += ackoff
		sack += ackoff
	}

	if !ackSet || (rst && ack == 0) {
		ack = receiver.End
		sack = receiver.End
	}
	if rst && seq == 0 && st.State == conntrack.TCPSynSent {
		end = sender.End
	}
	if !syn {
		win <<= sender.Scale
	}

	// Then account for the rewritten segment as if it had been tracked.
	if ackoff != 0 {
		if pureAck {
			if sender.Flags&conntrack.MaxAckSet == 0 {
				sender.MaxAck = ack
				sender.Flags |= conntrack.MaxAckSet
			} else if conntrack.SeqAfter(ack, sender.MaxAck) {
				sender.MaxAck = ack
			}
		}
		if ack == receiver.End {
			receiver.Flags &^= conntrack.DataUnacknowledged
		}
		if conntrack.SeqAfter(sack+win, receiver.MaxEnd-1) {
			receiver.MaxEnd = sack + win
			if win == 0 {
				receiver.MaxEnd++
			}
		}
	}
	if seqoff != 0 {
		if conntrack.SeqAfter(end, sender.MaxEnd) {
			receiver.MaxWin += end - sender.MaxEnd
		}
		if conntrack.SeqAfter(end, sender.End) {
			sender.End = end
			sender.Flags |= conntrack.DataUnacknowledged
		}
	}
}
