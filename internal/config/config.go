package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied to zero fields after loading.
const (
	DefaultRendezvousIP   = "192.168.16.1"
	DefaultRendezvousPort = 443
	DefaultMaxServers     = 8
	DefaultMaxProbeSlots  = 64
	DefaultMaxTuples      = 8
	DefaultExpectTimeout  = 30 * time.Second
	DefaultUserTimeout    = 180 * time.Second
	DefaultProbeInterval  = 20 * time.Second
	DefaultNumWorkers     = 4
	DefaultChannelSize    = 4096
	DefaultMTU            = 1500
	maxTCPPort            = 65535
)

// ErrInvalidConfig is returned by Validate for any rejected value.
var ErrInvalidConfig = errors.New("invalid config")

// ServerDef names a peer server the prober keeps a rendezvous with.
type ServerDef struct {
	IP         string `yaml:"ip"`
	ProbeSlots int    `yaml:"probe_slots"`
}

// PeerConfig holds the peer handshake engine settings.
type PeerConfig struct {
	LocalAddrs     []string    `yaml:"local_addrs"`
	Identity       string      `yaml:"identity"`
	RendezvousIP   string      `yaml:"rendezvous_ip"`
	RendezvousPort int         `yaml:"rendezvous_port"`
	MaxServers     int         `yaml:"max_servers"`
	MaxProbeSlots  int         `yaml:"max_probe_slots"`
	MaxTuples      int         `yaml:"max_tuples"`
	ExpectTimeout  string      `yaml:"expect_timeout"`
	UserTimeout    string      `yaml:"user_timeout"`
	PortSalt       uint32      `yaml:"port_salt"`
	ProbeInterval  string      `yaml:"probe_interval"`
	Servers        []ServerDef `yaml:"servers"`
}

// EngineConfig holds the worker pool and flow tracker settings.
type EngineConfig struct {
	NumWorkers          int    `yaml:"num_workers"`
	SizeOfPacketChannel int    `yaml:"size_of_packet_channel"`
	TCPTimeout          string `yaml:"tcp_timeout"`
	UDPTimeout          string `yaml:"udp_timeout"`
	ICMPTimeout         string `yaml:"icmp_timeout"`
	StrictWindow        bool   `yaml:"strict_window"`
}

// CaptureConfig holds the capture and transmit device settings.
type CaptureConfig struct {
	Interface   string `yaml:"interface"`
	SnapLen     int32  `yaml:"snap_len"`
	Promiscuous bool   `yaml:"promiscuous"`
	BPFFilter   string `yaml:"bpf_filter"`
	LocalMAC    string `yaml:"local_mac"`
	GatewayMAC  string `yaml:"gateway_mac"`
	MTU         int    `yaml:"mtu"`
}

// NATSConfig holds the event bus settings.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// ClickHouseConfig holds the event store settings.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Interval string `yaml:"interval"`
}

// EventsConfig selects the event sinks created through the factory.
type EventsConfig struct {
	Types      []string         `yaml:"types"`
	BufferSize int              `yaml:"buffer_size"`
	NATS       NATSConfig       `yaml:"nats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// PersistenceConfig controls the handshake packet capture writer.
type PersistenceConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Path              string `yaml:"path"`
	Encoding          string `yaml:"encoding"`
	NumWorkers        int    `yaml:"num_workers"`
	ChannelBufferSize int    `yaml:"channel_buffer_size"`
}

// SnapshotConfig controls the periodic state snapshot writer.
type SnapshotConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	RootPath string `yaml:"root_path"`
}

// APIConfig holds the REST and health listener addresses.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HealthAddr string `yaml:"health_addr"`
}

// AlerterRule fires when a counter grows by more than Threshold in one check interval.
type AlerterRule struct {
	Name      string `yaml:"name"`
	Counter   string `yaml:"counter"`
	Threshold uint64 `yaml:"threshold"`
}

// AlerterConfig holds the alerting rules.
type AlerterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval string        `yaml:"check_interval"`
	Rules         []AlerterRule `yaml:"rules"`
}

// SMTPConfig holds the mail notifier settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Peer        PeerConfig        `yaml:"peer"`
	Engine      EngineConfig      `yaml:"engine"`
	Capture     CaptureConfig     `yaml:"capture"`
	Events      EventsConfig      `yaml:"events"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	API         APIConfig         `yaml:"api"`
	Alerter     AlerterConfig     `yaml:"alerter"`
	SMTP        SMTPConfig        `yaml:"smtp"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	p := &c.Peer
	if p.RendezvousIP == "" {
		p.RendezvousIP = DefaultRendezvousIP
	}
	if p.RendezvousPort == 0 {
		p.RendezvousPort = DefaultRendezvousPort
	}
	if p.MaxServers == 0 {
		p.MaxServers = DefaultMaxServers
	}
	if p.MaxProbeSlots == 0 {
		p.MaxProbeSlots = DefaultMaxProbeSlots
	}
	if p.MaxTuples == 0 {
		p.MaxTuples = DefaultMaxTuples
	}
	if p.ExpectTimeout == "" {
		p.ExpectTimeout = DefaultExpectTimeout.String()
	}
	if p.UserTimeout == "" {
		p.UserTimeout = DefaultUserTimeout.String()
	}
	if p.ProbeInterval == "" {
		p.ProbeInterval = DefaultProbeInterval.String()
	}

	e := &c.Engine
	if e.NumWorkers <= 0 {
		e.NumWorkers = DefaultNumWorkers
	}
	if e.SizeOfPacketChannel <= 0 {
		e.SizeOfPacketChannel = DefaultChannelSize
	}
	if e.TCPTimeout == "" {
		e.TCPTimeout = "2h"
	}
	if e.UDPTimeout == "" {
		e.UDPTimeout = "30s"
	}
	if e.ICMPTimeout == "" {
		e.ICMPTimeout = "30s"
	}

	if c.Capture.SnapLen == 0 {
		c.Capture.SnapLen = 1600
	}
	if c.Capture.MTU == 0 {
		c.Capture.MTU = DefaultMTU
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 1024
	}
	if c.Events.NATS.URL == "" {
		c.Events.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Events.NATS.Subject == "" {
		c.Events.NATS.Subject = "natpeer.events"
	}
	if c.Events.ClickHouse.Host == "" {
		c.Events.ClickHouse.Host = "localhost"
	}
	if c.Events.ClickHouse.Port == 0 {
		c.Events.ClickHouse.Port = 9000
	}
	if c.Events.ClickHouse.Database == "" {
		c.Events.ClickHouse.Database = "default"
	}
	if c.Events.ClickHouse.Interval == "" {
		c.Events.ClickHouse.Interval = "10s"
	}
	if c.Persistence.Encoding == "" {
		c.Persistence.Encoding = "pcap"
	}
	if c.Snapshot.Interval == "" {
		c.Snapshot.Interval = "1m"
	}
	if c.Alerter.CheckInterval == "" {
		c.Alerter.CheckInterval = "1m"
	}
}

// Validate rejects malformed addresses, sizes and durations.
func (c *Config) Validate() error {
	p := &c.Peer
	for _, a := range p.LocalAddrs {
		if _, err := netip.ParseAddr(a); err != nil {
			return fmt.Errorf("%w: local address %q: %v", ErrInvalidConfig, a, err)
		}
	}
	if _, err := p.IdentityMAC(); err != nil {
		return err
	}
	if _, err := netip.ParseAddr(p.RendezvousIP); err != nil {
		return fmt.Errorf("%w: rendezvous ip %q: %v", ErrInvalidConfig, p.RendezvousIP, err)
	}
	if p.RendezvousPort < 0 || p.RendezvousPort > maxTCPPort {
		return fmt.Errorf("%w: rendezvous port %d out of range", ErrInvalidConfig, p.RendezvousPort)
	}
	if p.MaxServers < 1 || p.MaxProbeSlots < 1 || p.MaxTuples < 1 {
		return fmt.Errorf("%w: peer table sizes must be positive", ErrInvalidConfig)
	}
	for _, s := range p.Servers {
		if _, err := netip.ParseAddr(s.IP); err != nil {
			return fmt.Errorf("%w: server %q: %v", ErrInvalidConfig, s.IP, err)
		}
		if s.ProbeSlots < 0 || s.ProbeSlots > p.MaxProbeSlots {
			return fmt.Errorf("%w: server %s probe_slots %d exceeds %d", ErrInvalidConfig, s.IP, s.ProbeSlots, p.MaxProbeSlots)
		}
	}
	for name, d := range map[string]string{
		"peer.expect_timeout": p.ExpectTimeout,
		"peer.user_timeout":   p.UserTimeout,
		"peer.probe_interval": p.ProbeInterval,
		"engine.tcp_timeout":  c.Engine.TCPTimeout,
		"engine.udp_timeout":  c.Engine.UDPTimeout,
		"engine.icmp_timeout": c.Engine.ICMPTimeout,
	} {
		if v, err := time.ParseDuration(d); err != nil || v <= 0 {
			return fmt.Errorf("%w: %s %q is not a positive duration", ErrInvalidConfig, name, d)
		}
	}
	for name, m := range map[string]string{
		"capture.local_mac":   c.Capture.LocalMAC,
		"capture.gateway_mac": c.Capture.GatewayMAC,
	} {
		if m == "" {
			continue
		}
		if _, err := net.ParseMAC(m); err != nil {
			return fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, name, m, err)
		}
	}
	return nil
}

// IdentityMAC returns the 6-byte identity announced in outgoing SYN probes.
// An empty identity yields the zero address.
func (p *PeerConfig) IdentityMAC() ([6]byte, error) {
	var id [6]byte
	if p.Identity == "" {
		return id, nil
	}
	hw, err := net.ParseMAC(p.Identity)
	if err != nil || len(hw) != 6 {
		return id, fmt.Errorf("%w: identity %q is not a 6-byte MAC", ErrInvalidConfig, p.Identity)
	}
	copy(id[:], hw)
	return id, nil
}

// Rendezvous returns the local service endpoint bypassed flows are sent to.
func (p *PeerConfig) Rendezvous() (netip.Addr, uint16) {
	addr, err := netip.ParseAddr(p.RendezvousIP)
	if err != nil {
		return netip.Addr{}, uint16(p.RendezvousPort)
	}
	return addr, uint16(p.RendezvousPort)
}

// Locals returns the parsed local address set.
func (p *PeerConfig) Locals() []netip.Addr {
	out := make([]netip.Addr, 0, len(p.LocalAddrs))
	for _, a := range p.LocalAddrs {
		if addr, err := netip.ParseAddr(a); err == nil {
			out = append(out, addr)
		}
	}
	return out
}

// Duration parses a validated duration string, falling back to def.
func Duration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
