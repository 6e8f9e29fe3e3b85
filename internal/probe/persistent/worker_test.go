package persistent

import (
	"net/netip"
	"os"
	"strings"
	"testing"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer/wire"

	"github.com/go-playground/assert/v2"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

type nopTransmitter struct{ n int }

func (t *nopTransmitter) Transmit(*netfilter.Packet) error {
	t.n++
	return nil
}

func punch(t *testing.T) *netfilter.Packet {
	t.Helper()
	opt := wire.Option{Type: wire.TypeSyn, IP: netip.MustParseAddr("198.51.100.20")}
	data, err := protocol.BuildTCP(protocol.TCPBuild{
		Tuple: model.Tuple{
			SrcIP:   netip.MustParseAddr("198.51.100.20"),
			DstIP:   netip.MustParseAddr("203.0.113.7"),
			SrcPort: 3000,
			DstPort: 4000,
			Proto:   model.ProtoTCP,
		},
		Seq:     42,
		Flags:   header.TCPFlagSyn,
		Options: []layers.TCPOption{opt.TCPOption()},
	})
	if err != nil {
		t.Fatalf("BuildTCP failed: %v", err)
	}
	return &netfilter.Packet{Data: data, OutDev: "wan0"}
}

func TestWorker_Pcap(t *testing.T) {
	w, err := NewWorker(config.PersistenceConfig{Path: t.TempDir(), Encoding: "pcap"})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	next := &nopTransmitter{}
	out := w.Tap(next)
	for i := 0; i < 2; i++ {
		if err := out.Transmit(punch(t)); err != nil {
			t.Fatalf("Transmit failed: %v", err)
		}
	}
	w.Stop()
	assert.Equal(t, next.n, 2)

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	assert.Equal(t, r.LinkType(), layers.LinkTypeRaw)
	n := 0
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		seg, err := protocol.ParseSegment(data)
		if err != nil {
			t.Fatalf("ParseSegment failed: %v", err)
		}
		assert.Equal(t, seg.Seq(), uint32(42))
		n++
	}
	assert.Equal(t, n, 2)
}

func TestWorker_Text(t *testing.T) {
	w, err := NewWorker(config.PersistenceConfig{Path: t.TempDir(), Encoding: "text", NumWorkers: 2})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	w.Enqueue(punch(t))
	w.Stop()

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	line := string(data)
	assert.Equal(t, strings.Contains(line, "PEER_SYN"), true)
	assert.Equal(t, strings.Contains(line, "seq=42"), true)
	assert.Equal(t, strings.Contains(line, "wan0"), true)
}

func TestWorker_UnknownEncoding(t *testing.T) {
	if _, err := NewWorker(config.PersistenceConfig{Path: t.TempDir(), Encoding: "xml"}); err == nil {
		t.Fatal("expected an error for an unknown encoding")
	}
}
