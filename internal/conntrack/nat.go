package conntrack

import (
	"fmt"

	"Go2NatPeer/internal/engine/protocol"
)

// DNATSetup binds a destination translation to an unconfirmed flow: packets
// of the original direction are sent to ep, replies come back from it.
func (t *Table) DNATSetup(f *Flow, ep Endpoint) error {
	if f.Confirmed() {
		return fmt.Errorf("dnat %s: %w", ep, ErrConfirmed)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.tuples[Reply]
	r.SrcIP, r.SrcPort = ep.IP, ep.Port
	f.tuples[Reply] = r
	f.dnat = true
	return nil
}

// SNATSetup binds a source translation to an unconfirmed flow: packets of
// the original direction leave from ep.
func (t *Table) SNATSetup(f *Flow, ep Endpoint) error {
	if f.Confirmed() {
		return fmt.Errorf("snat %s: %w", ep, ErrConfirmed)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.tuples[Reply]
	r.DstIP, r.DstPort = ep.IP, ep.Port
	f.tuples[Reply] = r
	f.snat = true
	return nil
}

// ManipDst rewrites the destination of a TCP datagram of f travelling in
// dir to what the flow's bindings require. It reports whether the
// packet changed.
func ManipDst(f *Flow, dir Direction, data []byte) bool {
	seg, err := protocol.ParseSegment(data)
	if err != nil {
		return false
	}
	want := f.Tuple(Reply).SrcIP
	port := f.Tuple(Reply).SrcPort
	if dir == Reply {
		orig := f.Tuple(Original)
		want, port = orig.SrcIP, orig.SrcPort
	}
	cur := seg.Tuple()
	if cur.DstIP == want && cur.DstPort == port {
		return false
	}
	cur.DstIP, cur.DstPort = want, port
	seg.SetAddrs(cur)
	return true
}

// ManipSrc rewrites the source of a TCP datagram of f travelling in dir.
func ManipSrc(f *Flow, dir Direction, data []byte) bool {
	seg, err := protocol.ParseSegment(data)
	if err != nil {
		return false
	}
	want := f.Tuple(Reply).DstIP
	port := f.Tuple(Reply).DstPort
	if dir == Reply {
		orig := f.Tuple(Original)
		want, port = orig.DstIP, orig.DstPort
	}
	cur := seg.Tuple()
	if cur.SrcIP == want && cur.SrcPort == port {
		return false
	}
	cur.SrcIP, cur.SrcPort = want, port
	seg.SetAddrs(cur)
	return true
}
