package manager

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer/wire"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

type output struct {
	mu        sync.Mutex
	sent      []*netfilter.Packet
	delivered []*netfilter.Packet
}

func (o *output) Transmit(p *netfilter.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, p)
	return nil
}

func (o *output) Deliver(p *netfilter.Packet) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivered = append(o.delivered, p)
	return nil
}

func (o *output) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

type notifier struct{}

func (notifier) Send(string, string) error { return nil }

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Peer.LocalAddrs = []string{"198.51.100.20"}
	cfg.Peer.Servers = []config.ServerDef{{IP: "203.0.113.7", ProbeSlots: 2}}
	cfg.Peer.PortSalt = 3
	cfg.Engine.NumWorkers = 2
	cfg.Capture.Interface = "wan0"
	cfg.Snapshot.Enabled = true
	cfg.Snapshot.RootPath = t.TempDir()
	return cfg
}

func waitFor(cond func() bool) {
	for i := 0; i < 500 && !cond(); i++ {
		time.Sleep(2 * time.Millisecond)
	}
}

func TestManager_ProbesConfiguredServers(t *testing.T) {
	cfg := testConfig(t)
	out := &output{}
	m, err := NewManager(cfg, Options{Output: out, Clock: clock.NewMock(), Events: model.Discard})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Start()
	waitFor(func() bool { return out.count() == 2 })
	m.Stop()

	assert.Equal(t, out.count(), 2)
	for _, p := range out.sent {
		seg, err := protocol.ParseSegment(p.Data)
		if err != nil {
			t.Fatalf("ParseSegment: %v", err)
		}
		assert.Equal(t, seg.Flags(), header.TCPFlagSyn)
		assert.Equal(t, seg.Tuple().DstIP.String(), "203.0.113.7")
		opt, err := wire.Find(seg.Options())
		if err != nil {
			t.Fatalf("no peer option: %v", err)
		}
		assert.Equal(t, opt.Type, wire.TypeSyn)
	}

	c := m.Counters()
	assert.Equal(t, c.Get(metrics.ProbesTriggered), uint64(2))
	assert.Equal(t, c.Get(metrics.PingsSent), uint64(2))
	assert.Equal(t, c.Get(metrics.PacketsStolen), uint64(2))
	assert.Equal(t, c.Get(metrics.PacketsProcessed), uint64(2))

	servers := m.Engine().Registry().Snapshot()
	assert.Equal(t, len(servers), 1)
	assert.Equal(t, servers[0].MaxProbeIndex, 1)

	// Stop writes a final snapshot.
	matches, _ := filepath.Glob(filepath.Join(cfg.Snapshot.RootPath, "*", "summary.json"))
	assert.Equal(t, len(matches), 1)

	assert.Equal(t, m.Receive(&netfilter.Packet{}), ErrStopped)
	m.Stop()
}

func TestManager_DropsWhenQueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.Peer.Servers = nil
	cfg.Engine.NumWorkers = 1
	cfg.Engine.SizeOfPacketChannel = 1
	m, err := NewManager(cfg, Options{Output: &output{}, Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, m.Receive(&netfilter.Packet{Data: []byte{0x45}}), nil)
	}
	assert.Equal(t, m.Counters().Get(metrics.WorkerQueueDrops), uint64(2))
	m.Stop()
}

func TestNewManager_Alerter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Alerter.Enabled = true
	cfg.Alerter.Rules = []config.AlerterRule{{Name: "drops", Counter: metrics.PacketsDropped, Threshold: 1}}

	m, err := NewManager(cfg, Options{Output: &output{}, Clock: clock.NewMock()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	assert.Equal(t, m.alerter == nil, true)

	m, err = NewManager(cfg, Options{Output: &output{}, Clock: clock.NewMock(), Notifier: notifier{}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	assert.Equal(t, m.alerter != nil, true)
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Peer.Identity = "not-a-mac"
	_, err := NewManager(cfg, Options{Output: &output{}})
	assert.NotEqual(t, err, nil)

	_, err = NewManager(testConfig(t), Options{})
	assert.NotEqual(t, err, nil)
}

func TestEngineOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Peer.Identity = "02:00:00:00:00:01"
	opts, err := EngineOptions(cfg)
	if err != nil {
		t.Fatalf("EngineOptions: %v", err)
	}
	assert.Equal(t, opts.Identity, [6]byte{2, 0, 0, 0, 0, 1})
	assert.Equal(t, opts.Rendezvous.Port, uint16(443))
	assert.Equal(t, opts.Workers, 2)
	assert.Equal(t, opts.ExpectTimeout, 30*time.Second)
	assert.Equal(t, opts.IsLocal(cfg.Peer.Locals()[0]), true)
}
