package config

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadConfig_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := []byte(`
peer:
  local_addrs: ["10.0.0.2"]
  identity: "02:00:0a:00:00:02"
engine:
  num_workers: 2
`)
	if err := os.WriteFile(path, doc, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	assert.Equal(t, cfg.Engine.NumWorkers, 2)
	assert.Equal(t, cfg.Peer.MaxServers, DefaultMaxServers)
	assert.Equal(t, cfg.Peer.MaxProbeSlots, DefaultMaxProbeSlots)
	assert.Equal(t, cfg.Peer.MaxTuples, DefaultMaxTuples)
	assert.Equal(t, Duration(cfg.Peer.UserTimeout, 0), 180*time.Second)
	assert.Equal(t, Duration(cfg.Peer.ExpectTimeout, 0), 30*time.Second)

	ip, port := cfg.Peer.Rendezvous()
	assert.Equal(t, ip, netip.MustParseAddr("192.168.16.1"))
	assert.Equal(t, port, uint16(443))

	id, err := cfg.Peer.IdentityMAC()
	if err != nil {
		t.Fatalf("IdentityMAC failed: %v", err)
	}
	assert.Equal(t, id, [6]byte{0x02, 0x00, 0x0a, 0x00, 0x00, 0x02})
	assert.Equal(t, cfg.Peer.Locals(), []netip.Addr{netip.MustParseAddr("10.0.0.2")})
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad identity", "peer:\n  identity: nope\n"},
		{"bad rendezvous", "peer:\n  rendezvous_ip: 300.1.1.1\n"},
		{"bad port", "peer:\n  rendezvous_port: 70000\n"},
		{"bad duration", "peer:\n  user_timeout: soon\n"},
		{"negative tuples", "peer:\n  max_tuples: -1\n"},
		{"too many slots", "peer:\n  servers:\n    - ip: 1.2.3.4\n      probe_slots: 65\n"},
		{"bad gateway", "capture:\n  gateway_mac: zz\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
