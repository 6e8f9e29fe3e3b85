// Package manager runs a peer engine behind a flow-affine worker pool and
// drives its periodic jobs: probing, snapshots and alerting.
package manager

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"Go2NatPeer/internal/alerter"
	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/conntrack"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/notification"
	"Go2NatPeer/internal/peer"
	"Go2NatPeer/internal/peer/handshake"
	"Go2NatPeer/internal/probe/persistent"
	"Go2NatPeer/internal/snapshot"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
)

// ErrStopped is returned for packets offered after Stop.
var ErrStopped = errors.New("manager stopped")

// Options holds the collaborators a Manager cannot build from config.
type Options struct {
	// Output sends transmitted packets to the wire and delivers local ones.
	Output netfilter.Output
	Events model.EventSink
	// Counters defaults to a fresh set under the "natpeer" namespace.
	Counters *metrics.Counters
	// Recorder, when set, captures every handshake packet the engine sends.
	Recorder *persistent.Worker
	// Notifier overrides the SMTP notifier built from config.
	Notifier model.Notifier
	Clock    clock.Clock
	// Lossless makes Receive wait for queue space instead of dropping.
	Lossless bool
}

type job struct {
	pkt   *netfilter.Packet
	local bool
}

// Manager owns one peer engine and the goroutines that feed it.
type Manager struct {
	cfg      *config.Config
	engine   *peer.Engine
	pipeline *netfilter.Pipeline
	counters *metrics.Counters
	clock    clock.Clock
	lossless bool

	// Worker pool, one channel per worker
	mu       sync.RWMutex
	stopped  bool
	channels []chan job
	workerWg sync.WaitGroup

	writers []model.Writer
	alerter *alerter.Alerter
	prober  *prober

	done          chan struct{}
	snapshotterWg sync.WaitGroup
	stopOnce      sync.Once
}

// NewManager builds the engine, its pipeline and the periodic jobs.
func NewManager(cfg *config.Config, opts Options) (*Manager, error) {
	if opts.Output == nil {
		return nil, fmt.Errorf("manager needs an output")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Counters == nil {
		opts.Counters = metrics.New("natpeer", metrics.All...)
	}

	engineOpts, err := EngineOptions(cfg)
	if err != nil {
		return nil, err
	}
	engineOpts.Clock = opts.Clock
	engineOpts.Events = opts.Events
	engineOpts.Counters = opts.Counters

	var tx handshake.Transmitter = opts.Output
	if opts.Recorder != nil {
		tx = opts.Recorder.Tap(opts.Output)
	}
	eng := peer.New(engineOpts, tx)
	pipeline := netfilter.New(opts.Output, engineOpts.IsLocal)
	eng.Register(pipeline)

	m := &Manager{
		cfg:      cfg,
		engine:   eng,
		pipeline: pipeline,
		counters: opts.Counters,
		clock:    opts.Clock,
		lossless: opts.Lossless,
		channels: make([]chan job, cfg.Engine.NumWorkers),
		done:     make(chan struct{}),
	}
	for i := range m.channels {
		m.channels[i] = make(chan job, cfg.Engine.SizeOfPacketChannel)
	}

	if cfg.Snapshot.Enabled {
		interval := config.Duration(cfg.Snapshot.Interval, time.Minute)
		m.writers = append(m.writers, snapshot.NewWriter(cfg.Snapshot.RootPath, interval))
	}

	if cfg.Alerter.Enabled {
		notifier := opts.Notifier
		if notifier == nil && cfg.SMTP.Host != "" {
			notifier = notification.NewEmailNotifier(cfg.SMTP)
		}
		if notifier != nil {
			m.alerter, err = alerter.NewAlerter(&cfg.Alerter, opts.Counters.Snapshot, notifier, opts.Clock)
			if err != nil {
				return nil, fmt.Errorf("failed to create alerter: %w", err)
			}
			glog.Info("Alerter enabled and initialized.")
		} else {
			glog.Warning("Alerter is enabled in config, but no notifiers are configured. Alerter will not run.")
		}
	}

	m.prober, err = newProber(cfg, m)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// EngineOptions translates the peer and engine config sections.
func EngineOptions(cfg *config.Config) (peer.Options, error) {
	identity, err := cfg.Peer.IdentityMAC()
	if err != nil {
		return peer.Options{}, err
	}
	ip, port := cfg.Peer.Rendezvous()
	locals := make(map[netip.Addr]struct{})
	for _, a := range cfg.Peer.Locals() {
		locals[a] = struct{}{}
	}
	return peer.Options{
		Identity:      identity,
		Rendezvous:    conntrack.Endpoint{IP: ip, Port: port},
		MaxServers:    cfg.Peer.MaxServers,
		MaxProbeSlots: cfg.Peer.MaxProbeSlots,
		MaxTuples:     cfg.Peer.MaxTuples,
		ExpectTimeout: config.Duration(cfg.Peer.ExpectTimeout, config.DefaultExpectTimeout),
		UserTimeout:   config.Duration(cfg.Peer.UserTimeout, config.DefaultUserTimeout),
		PortSalt:      cfg.Peer.PortSalt,
		Workers:       cfg.Engine.NumWorkers,
		Conntrack: conntrack.Options{
			TCPTimeout:   config.Duration(cfg.Engine.TCPTimeout, 2*time.Hour),
			UDPTimeout:   config.Duration(cfg.Engine.UDPTimeout, 30*time.Second),
			ICMPTimeout:  config.Duration(cfg.Engine.ICMPTimeout, 30*time.Second),
			StrictWindow: cfg.Engine.StrictWindow,
		},
		IsLocal: func(a netip.Addr) bool {
			_, ok := locals[a]
			return ok
		},
	}, nil
}

func (m *Manager) Engine() *peer.Engine { return m.engine }
func (m *Manager) Pipeline() *netfilter.Pipeline { return m.pipeline }
func (m *Manager) Counters() *metrics.Counters { return m.counters }
func (m *Manager) Writers() []model.Writer { return m.writers }

// Start begins the engine reaper, the workers, the snapshotters, the
// alerter and the prober.
func (m *Manager) Start() {
	m.engine.Start()

	m.workerWg.Add(len(m.channels))
	for i, ch := range m.channels {
		go m.worker(i, ch)
	}
	glog.Infof("Manager started with %d workers.", len(m.channels))

	for _, writer := range m.writers {
		m.snapshotterWg.Add(1)
		go m.runSnapshotter(writer)
		glog.Infof("Started snapshotter for a writer with interval %s.", writer.GetInterval())
	}

	if m.alerter != nil {
		m.alerter.Start()
	}
	m.prober.start()
}

// Receive queues a packet that arrived from the wire. Both directions of
// a flow are handled by the same worker.
func (m *Manager) Receive(p *netfilter.Packet) error {
	return m.dispatch(job{pkt: p})
}

// Send queues a packet generated by the local host.
func (m *Manager) Send(p *netfilter.Packet) error {
	return m.dispatch(job{pkt: p, local: true})
}

func (m *Manager) dispatch(j job) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return ErrStopped
	}
	ch := m.channels[protocol.FlowHash(j.pkt.Data)%uint32(len(m.channels))]
	if m.lossless {
		ch <- j
		return nil
	}
	select {
	case ch <- j:
	default:
		m.counters.Inc(metrics.WorkerQueueDrops)
	}
	return nil
}

func (m *Manager) worker(id int, ch <-chan job) {
	defer m.workerWg.Done()
	for j := range ch {
		j.pkt.Worker = id
		var v netfilter.Verdict
		if j.local {
			v = m.pipeline.Output(j.pkt)
		} else {
			v = m.pipeline.Receive(j.pkt)
		}
		m.counters.Inc(metrics.PacketsProcessed)
		switch v {
		case netfilter.Drop:
			m.counters.Inc(metrics.PacketsDropped)
		case netfilter.Stolen:
			m.counters.Inc(metrics.PacketsStolen)
		}
	}
}

// runSnapshotter runs a dedicated snapshot loop for a single writer.
func (m *Manager) runSnapshotter(writer model.Writer) {
	defer m.snapshotterWg.Done()
	interval := writer.GetInterval()
	if interval <= 0 {
		glog.Warningf("Invalid interval %s for writer, snapshotter will not run.", interval)
		return
	}
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.TakeSnapshot(writer)
		case <-m.done:
			m.TakeSnapshot(writer)
			return
		}
	}
}

// TakeSnapshot writes the engine's current state through writer.
func (m *Manager) TakeSnapshot(writer model.Writer) {
	state := m.engine.Snapshot()
	timestamp := state.Timestamp.Format("2006-01-02_15-04-05")
	if err := writer.Write(state, timestamp); err != nil {
		glog.Errorf("Error writing snapshot at %s: %v", timestamp, err)
		return
	}
	glog.V(1).Infof("Completed snapshot at %s: %d servers, %d users.", timestamp, len(state.Servers), len(state.Users))
}

// Stop gracefully shuts down the manager. Queued packets are processed
// before the final snapshot is taken.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		glog.Info("Manager stopping...")
		// 1. Stop generating and accepting packets.
		m.prober.stop()
		m.mu.Lock()
		m.stopped = true
		for _, ch := range m.channels {
			close(ch)
		}
		m.mu.Unlock()

		// 2. Drain the workers.
		m.workerWg.Wait()

		// 3. Final snapshots.
		close(m.done)
		m.snapshotterWg.Wait()

		if m.alerter != nil {
			m.alerter.Stop()
		}
		m.engine.Close()
		glog.Info("Manager stopped.")
	})
}
