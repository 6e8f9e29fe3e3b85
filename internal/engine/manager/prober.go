package manager

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/netfilter"

	"github.com/golang/glog"
)

// pingID is the ICMP identifier of locally generated probe triggers.
const pingID = 0x4e50

type target struct {
	ip    netip.Addr
	slots int
}

// prober keeps rendezvous with the configured servers alive by emitting
// one TTL-1 echo per probe slot every interval.
type prober struct {
	m        *Manager
	src      netip.Addr
	targets  []target
	interval time.Duration
	dev      string
	mtu      int

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func newProber(cfg *config.Config, m *Manager) (*prober, error) {
	p := &prober{
		m:        m,
		interval: config.Duration(cfg.Peer.ProbeInterval, config.DefaultProbeInterval),
		dev:      cfg.Capture.Interface,
		mtu:      cfg.Capture.MTU,
		stopChan: make(chan struct{}),
	}
	for _, s := range cfg.Peer.Servers {
		ip, err := netip.ParseAddr(s.IP)
		if err != nil {
			return nil, fmt.Errorf("invalid server %q: %w", s.IP, err)
		}
		slots := s.ProbeSlots
		if slots <= 0 {
			slots = cfg.Peer.MaxProbeSlots
		}
		p.targets = append(p.targets, target{ip: ip, slots: slots})
	}
	if locals := cfg.Peer.Locals(); len(locals) > 0 {
		p.src = locals[0]
	}
	return p, nil
}

func (p *prober) start() {
	if len(p.targets) == 0 {
		return
	}
	if !p.src.IsValid() {
		glog.Warning("prober: no local address configured, servers will not be probed")
		return
	}
	ticker := p.m.clock.Ticker(p.interval)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()
		p.round()
		for {
			select {
			case <-ticker.C:
				p.round()
			case <-p.stopChan:
				return
			}
		}
	}()
	glog.Infof("prober started for %d server(s), interval %s", len(p.targets), p.interval)
}

func (p *prober) stop() {
	p.once.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

// round sends the triggers for every slot of every target.
func (p *prober) round() {
	for _, t := range p.targets {
		for i := 0; i < t.slots; i++ {
			pkt, err := p.trigger(t, uint16(i))
			if err != nil {
				glog.Errorf("prober: %s slot %d: %v", t.ip, i, err)
				continue
			}
			if err := p.m.Send(pkt); err != nil {
				return
			}
		}
	}
}

// trigger builds the echo for slot seq of t. The payload length tells the
// engine how many slots the server may use.
func (p *prober) trigger(t target, seq uint16) (*netfilter.Packet, error) {
	data, err := protocol.BuildICMPEcho(p.src, t.ip, 1, pingID, seq, t.slots-1)
	if err != nil {
		return nil, err
	}
	return &netfilter.Packet{
		Data:      data,
		OutDev:    p.dev,
		MTU:       p.mtu,
		Timestamp: p.m.clock.Now(),
	}, nil
}
