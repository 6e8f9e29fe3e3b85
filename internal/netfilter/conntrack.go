package netfilter

import (
	"errors"

	"Go2NatPeer/internal/conntrack"

	"github.com/golang/glog"
)

// Tracker attaches packets to conntrack flows and applies their NAT
// bindings.
type Tracker struct {
	table *conntrack.Table
}

// NewTracker wraps a flow table.
func NewTracker(table *conntrack.Table) *Tracker {
	return &Tracker{table: table}
}

// Table returns the wrapped flow table.
func (t *Tracker) Table() *conntrack.Table { return t.table }

// Hooks returns the tracking, translation and confirmation stages.
func (t *Tracker) Hooks() []Hook {
	return []Hook{
		{Name: "ct_in", Point: PreRouting, Priority: PriorityConntrack, Fn: t.in},
		{Name: "ct_in", Point: LocalOut, Priority: PriorityConntrack, Fn: t.in},
		{Name: "nat_dst", Point: PreRouting, Priority: PriorityNATDst, Fn: natDst},
		{Name: "nat_dst", Point: LocalOut, Priority: PriorityNATDst, Fn: natDst},
		{Name: "nat_src", Point: LocalIn, Priority: PriorityNATSrc, Fn: natSrc},
		{Name: "nat_src", Point: PostRouting, Priority: PriorityNATSrc, Fn: natSrc},
		{Name: "ct_confirm", Point: LocalIn, Priority: PriorityLast, Fn: t.confirm},
		{Name: "ct_confirm", Point: PostRouting, Priority: PriorityLast, Fn: t.confirm},
	}
}

func (t *Tracker) in(p *Packet) Verdict {
	if p.CT != nil {
		return Accept
	}
	f, dir, err := t.table.In(p.Data)
	switch {
	case errors.Is(err, conntrack.ErrNotTracked):
		return Accept
	case errors.Is(err, conntrack.ErrOutOfWindow):
		glog.V(2).Infof("conntrack: drop out of window segment of %s", f)
		return Drop
	case err != nil:
		return Drop
	}
	p.CT, p.CTDir = f, dir
	return Accept
}

// natDst rewrites destinations: the bound DNAT on original packets, the
// inverse SNAT on replies.
func natDst(p *Packet) Verdict {
	if p.CT == nil {
		return Accept
	}
	dnat, snat := p.CT.NATed()
	if (p.CTDir == conntrack.Original && dnat) || (p.CTDir == conntrack.Reply && snat) {
		conntrack.ManipDst(p.CT, p.CTDir, p.Data)
	}
	return Accept
}

func natSrc(p *Packet) Verdict {
	if p.CT == nil {
		return Accept
	}
	dnat, snat := p.CT.NATed()
	if (p.CTDir == conntrack.Original && snat) || (p.CTDir == conntrack.Reply && dnat) {
		conntrack.ManipSrc(p.CT, p.CTDir, p.Data)
	}
	return Accept
}

func (t *Tracker) confirm(p *Packet) Verdict {
	if p.CT == nil || p.CT.Confirmed() {
		return Accept
	}
	if err := t.table.Confirm(p.CT); err != nil {
		glog.Warningf("conntrack: confirm %s: %v", p.CT, err)
		return Drop
	}
	return Accept
}
