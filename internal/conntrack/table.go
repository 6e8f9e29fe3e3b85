package conntrack

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/model"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrNotTracked  = errors.New("packet is not trackable")
	ErrClash       = errors.New("tuple already owned by a confirmed flow")
	ErrConfirmed   = errors.New("flow is already confirmed")
	ErrOutOfWindow = errors.New("tcp segment outside the tracked window")
)

// Options configures a Table.
type Options struct {
	TCPTimeout  time.Duration
	UDPTimeout  time.Duration
	ICMPTimeout time.Duration
	// StrictWindow rejects TCP segments that fail the in-window test
	// instead of accepting them without updating the window.
	StrictWindow bool
}

type tupleRef struct {
	id  FlowID
	dir Direction
}

// Table tracks flows by both of their direction tuples. Confirmed flows
// live in a TTL cache; expiry evicts them and notifies listeners.
type Table struct {
	opts  Options
	cache *ttlcache.Cache[FlowID, *Flow]

	mu    sync.RWMutex
	index map[model.Tuple]tupleRef

	nextID  atomic.Uint64
	running atomic.Bool

	lmu       sync.RWMutex
	listeners []func(*Flow)
}

// NewTable creates an empty flow table.
func NewTable(opts Options) *Table {
	if opts.TCPTimeout <= 0 {
		opts.TCPTimeout = 2 * time.Hour
	}
	if opts.UDPTimeout <= 0 {
		opts.UDPTimeout = 30 * time.Second
	}
	if opts.ICMPTimeout <= 0 {
		opts.ICMPTimeout = 30 * time.Second
	}

	t := &Table{
		opts:  opts,
		index: make(map[model.Tuple]tupleRef),
		cache: ttlcache.New[FlowID, *Flow](
			ttlcache.WithDisableTouchOnHit[FlowID, *Flow](),
		),
	}
	t.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[FlowID, *Flow]) {
		t.evicted(item.Value())
	})
	return t
}

// Start runs the expiry reaper until Stop is called.
func (t *Table) Start() {
	if t.running.CompareAndSwap(false, true) {
		go t.cache.Start()
	}
}

// Stop halts the expiry reaper.
func (t *Table) Stop() {
	if t.running.CompareAndSwap(true, false) {
		t.cache.Stop()
	}
}

// OnEvict registers fn to run after a confirmed flow leaves the table.
// fn must not call back into the table.
func (t *Table) OnEvict(fn func(*Flow)) {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Len returns the number of confirmed flows.
func (t *Table) Len() int {
	return t.cache.Len()
}

// Lookup finds the confirmed flow owning tuple and the direction tuple
// belongs to.
func (t *Table) Lookup(tuple model.Tuple) (*Flow, Direction, bool) {
	t.mu.RLock()
	ref, ok := t.index[tuple]
	t.mu.RUnlock()
	if !ok {
		return nil, Original, false
	}
	item := t.cache.Get(ref.id)
	if item == nil {
		return nil, Original, false
	}
	return item.Value(), ref.dir, true
}

// In attaches a datagram to its flow, creating a new unconfirmed flow when
// none exists, and runs TCP window tracking. On ErrOutOfWindow the flow is
// still returned.
func (t *Table) In(data []byte) (*Flow, Direction, error) {
	tuple, seg, err := classify(data)
	if err != nil {
		return nil, Original, err
	}

	f, dir, found := t.Lookup(tuple)
	if !found {
		f = newFlow(FlowID(t.nextID.Add(1)), tuple)
		dir = Original
	} else {
		t.cache.Set(f.id, f, t.timeoutFor(tuple.Proto))
	}

	if seg != nil && !f.TCP.track(dir, seg, !found) {
		if t.opts.StrictWindow {
			return f, dir, ErrOutOfWindow
		}
		glog.V(2).Infof("conntrack: %s %s segment out of window, accepted", f, dir)
	}
	return f, dir, nil
}

// Confirm publishes an unconfirmed flow under both of its tuples.
func (t *Table) Confirm(f *Flow) error {
	if f.Confirmed() {
		return nil
	}
	orig, reply := f.Tuple(Original), f.Tuple(Reply)
	t.purgeStale(orig)
	t.purgeStale(reply)

	t.mu.Lock()
	if _, ok := t.index[orig]; ok {
		t.mu.Unlock()
		return ErrClash
	}
	if _, ok := t.index[reply]; ok {
		t.mu.Unlock()
		return ErrClash
	}
	t.index[orig] = tupleRef{id: f.id, dir: Original}
	t.index[reply] = tupleRef{id: f.id, dir: Reply}
	f.confirmed.Store(true)
	t.mu.Unlock()

	t.cache.Set(f.id, f, t.timeoutFor(orig.Proto))
	return nil
}

// Touch resets the expiry of a confirmed flow to timeout from now.
func (t *Table) Touch(f *Flow, timeout time.Duration) {
	if !f.Confirmed() {
		return
	}
	t.cache.Set(f.id, f, timeout)
}

// Remove evicts a confirmed flow immediately.
func (t *Table) Remove(f *Flow) {
	t.cache.Delete(f.id)
}

// Flush evicts every confirmed flow.
func (t *Table) Flush() {
	t.cache.DeleteAll()
}

// Expire evicts flows whose timeout has passed.
func (t *Table) Expire() {
	t.cache.DeleteExpired()
}

// purgeStale unindexes an expired flow still indexed under tuple whose
// eviction has not run yet.
func (t *Table) purgeStale(tuple model.Tuple) {
	t.mu.RLock()
	ref, ok := t.index[tuple]
	t.mu.RUnlock()
	if !ok || t.cache.Get(ref.id) != nil {
		return
	}
	t.mu.Lock()
	if cur, ok := t.index[tuple]; ok && cur.id == ref.id {
		delete(t.index, tuple)
	}
	t.mu.Unlock()
}

func (t *Table) evicted(f *Flow) {
	t.mu.Lock()
	for _, dir := range []Direction{Original, Reply} {
		tuple := f.Tuple(dir)
		if ref, ok := t.index[tuple]; ok && ref.id == f.id {
			delete(t.index, tuple)
		}
	}
	t.mu.Unlock()

	t.lmu.RLock()
	defer t.lmu.RUnlock()
	for _, fn := range t.listeners {
		fn(f)
	}
}

func (t *Table) timeoutFor(proto uint8) time.Duration {
	switch proto {
	case model.ProtoTCP:
		return t.opts.TCPTimeout
	case model.ProtoICMP:
		return t.opts.ICMPTimeout
	default:
		return t.opts.UDPTimeout
	}
}

// classify extracts the tuple of a datagram, and its TCP view for TCP.
func classify(data []byte) (model.Tuple, *protocol.Segment, error) {
	ip, err := protocol.ParseIPv4(data)
	if err != nil {
		return model.Tuple{}, nil, errors.Join(ErrNotTracked, err)
	}
	tuple := model.Tuple{
		SrcIP: protocol.Addr(ip[12:16]),
		DstIP: protocol.Addr(ip[16:20]),
		Proto: ip.Protocol(),
	}
	payload := ip[ip.HeaderLength():]
	switch tuple.Proto {
	case model.ProtoTCP:
		seg, err := protocol.ParseSegment(data)
		if err != nil {
			return tuple, nil, errors.Join(ErrNotTracked, err)
		}
		return seg.Tuple(), seg, nil
	case model.ProtoUDP:
		if len(payload) < 8 {
			return tuple, nil, ErrNotTracked
		}
		tuple.SrcPort = binary.BigEndian.Uint16(payload[0:2])
		tuple.DstPort = binary.BigEndian.Uint16(payload[2:4])
		return tuple, nil, nil
	case model.ProtoICMP:
		return tuple, nil, nil
	}
	return tuple, nil, ErrNotTracked
}
