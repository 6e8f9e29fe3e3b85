package conntrack

import (
	"encoding/binary"
	"errors"
	"testing"

	"Go2NatPeer/internal/model"

	"github.com/go-playground/assert/v2"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func handshake(t *testing.T, tbl *Table) (*Flow, model.Tuple) {
	t.Helper()
	orig := model.Tuple{SrcIP: client, DstIP: server, SrcPort: 41000, DstPort: 80, Proto: model.ProtoTCP}

	f, _, err := tbl.In(tcpSegment(t, orig, 1000, 0, header.TCPFlagSyn, nil))
	if err != nil {
		t.Fatalf("SYN rejected: %v", err)
	}
	assert.Equal(t, f.TCP.State, TCPSynSent)
	if err := tbl.Confirm(f); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if _, _, err := tbl.In(tcpSegment(t, orig.Reverse(), 5000, 1001, header.TCPFlagSyn|header.TCPFlagAck, nil)); err != nil {
		t.Fatalf("SYN-ACK rejected: %v", err)
	}
	assert.Equal(t, f.TCP.State, TCPSynRecv)
	if _, _, err := tbl.In(tcpSegment(t, orig, 1001, 5001, header.TCPFlagAck, nil)); err != nil {
		t.Fatalf("ACK rejected: %v", err)
	}
	assert.Equal(t, f.TCP.State, TCPEstablished)
	return f, orig
}

func TestTCP_HandshakeWindows(t *testing.T) {
	tbl := NewTable(Options{StrictWindow: true})
	f, orig := handshake(t, tbl)

	assert.Equal(t, f.TCP.Seen[Original].End, uint32(1001))
	assert.Equal(t, f.TCP.Seen[Reply].End, uint32(5001))
	assert.Equal(t, f.TCP.Seen[Original].MaxAck, uint32(5001))

	if _, _, err := tbl.In(tcpSegment(t, orig, 1001, 5001, header.TCPFlagAck|header.TCPFlagPsh, []byte("GET / HTTP/1.1\r\n"))); err != nil {
		t.Fatalf("in-window data rejected: %v", err)
	}
	assert.Equal(t, f.TCP.Seen[Original].End, uint32(1001+16))
	assert.Equal(t, f.TCP.Seen[Original].Flags&DataUnacknowledged != 0, true)
}

func TestTCP_OutOfWindow(t *testing.T) {
	strict := NewTable(Options{StrictWindow: true})
	_, orig := handshake(t, strict)
	far := tcpSegment(t, orig, 1001+1<<30, 5001, header.TCPFlagAck, []byte("x"))
	if _, _, err := strict.In(far); !errors.Is(err, ErrOutOfWindow) {
		t.Fatalf("expected ErrOutOfWindow, got %v", err)
	}

	liberal := NewTable(Options{})
	_, orig = handshake(t, liberal)
	far = tcpSegment(t, orig, 1001+1<<30, 5001, header.TCPFlagAck, []byte("x"))
	if _, _, err := liberal.In(far); err != nil {
		t.Fatalf("liberal table rejected segment: %v", err)
	}
}

func TestMaxSack(t *testing.T) {
	opts := make([]byte, 0, 20)
	opts = append(opts, 1, 1, 5, 18)
	block := make([]byte, 16)
	binary.BigEndian.PutUint32(block[0:4], 2000)
	binary.BigEndian.PutUint32(block[4:8], 3000)
	binary.BigEndian.PutUint32(block[8:12], 4000)
	binary.BigEndian.PutUint32(block[12:16], 4500)
	opts = append(opts, block...)

	assert.Equal(t, MaxSack(opts, 1500), uint32(4500))
	assert.Equal(t, MaxSack(opts, 5000), uint32(5000))
	assert.Equal(t, MaxSack(nil, 7), uint32(7))
}

func TestSeqCompare(t *testing.T) {
	assert.Equal(t, SeqAfter(1, 0xffffffff), true)
	assert.Equal(t, SeqBefore(0xffffffff, 1), true)
	assert.Equal(t, SeqAfter(5, 5), false)
}
