package events

import (
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"

	"github.com/go-playground/assert/v2"
)

type memSink struct {
	mu     sync.Mutex
	events []model.Event
	fail   bool
	closed bool
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Write(ev model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.fail {
		return errors.New("sink down")
	}
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestDispatcher_FansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: true}
	d := NewDispatcher(16, nil, a, b)
	d.Start()
	for i := 0; i < 5; i++ {
		d.Emit(model.NewEvent(model.EventSynIn, "PPI", model.Tuple{}))
	}
	d.Close()

	assert.Equal(t, len(a.events), 5)
	assert.Equal(t, len(b.events), 5)
	assert.Equal(t, a.closed, true)
	assert.Equal(t, b.closed, true)

	// Closing twice is harmless and later events are dropped.
	d.Close()
	d.Emit(model.NewEvent(model.EventSynIn, "PPI", model.Tuple{}))
	assert.Equal(t, len(a.events), 5)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	counters := metrics.New("test", metrics.All...)
	sink := &memSink{}
	d := NewDispatcher(2, counters, sink)
	// Not started: nothing drains the queue.
	for i := 0; i < 5; i++ {
		d.Emit(model.NewEvent(model.EventAckIn, "PPI", model.Tuple{}))
	}
	assert.Equal(t, counters.Get(metrics.EventsDropped), uint64(3))

	d.Start()
	d.Close()
	assert.Equal(t, len(sink.events), 2)
}

func TestFormat(t *testing.T) {
	ev := model.NewEvent(model.EventHandshakeDone, "PPI", model.Tuple{
		SrcIP:   netip.MustParseAddr("198.51.100.20"),
		DstIP:   netip.MustParseAddr("203.0.113.7"),
		SrcPort: 3000,
		DstPort: 4000,
		Proto:   model.ProtoTCP,
	})
	ev.MapPort = 5000
	ev.ProbeIndex = 2
	line := Format(ev)
	assert.Equal(t, strings.HasPrefix(line, "(PPI) handshake_done tcp 198.51.100.20:3000->203.0.113.7:4000"), true)
	assert.Equal(t, strings.Contains(line, "map_port=5000"), true)
	assert.Equal(t, strings.Contains(line, "pmi=2"), true)
	assert.Equal(t, strings.Contains(line, "local_seq"), false)
}

func TestRow(t *testing.T) {
	ev := model.NewEvent(model.EventPortExhausted, "PPI", model.Tuple{SrcIP: netip.MustParseAddr("198.51.100.20")})
	row := Row(ev)
	assert.Equal(t, len(row), 14)
	assert.Equal(t, row[2], "port_exhausted")
	assert.Equal(t, row[4], "198.51.100.20")
	assert.Equal(t, row[5], "")
	assert.Equal(t, row[10], int16(-1))
}
