// Package device moves datagrams between the pipeline and a link: a live
// interface opened through libpcap or a capture file written with pcapgo.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/netfilter"

	"github.com/golang/glog"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

// ErrClosed is returned when writing to a closed link.
var ErrClosed = errors.New("link closed")

// Link writes whole link-layer frames.
type Link interface {
	WritePacketData(data []byte) error
}

// Output frames datagrams for a link. It implements netfilter.Output.
type Output struct {
	link       Link
	local      Link
	localMAC   net.HardwareAddr
	gatewayMAC net.HardwareAddr
}

// NewOutput sends transmitted datagrams to link. Delivered datagrams go
// to local, or are discarded when local is nil.
func NewOutput(link, local Link, localMAC, gatewayMAC net.HardwareAddr) *Output {
	return &Output{link: link, local: local, localMAC: localMAC, gatewayMAC: gatewayMAC}
}

// OutputFromConfig parses the capture MAC addresses.
func OutputFromConfig(cfg config.CaptureConfig, link, local Link) (*Output, error) {
	var localMAC, gatewayMAC net.HardwareAddr
	var err error
	if cfg.LocalMAC != "" {
		if localMAC, err = net.ParseMAC(cfg.LocalMAC); err != nil {
			return nil, fmt.Errorf("invalid local mac: %w", err)
		}
	}
	if cfg.GatewayMAC != "" {
		if gatewayMAC, err = net.ParseMAC(cfg.GatewayMAC); err != nil {
			return nil, fmt.Errorf("invalid gateway mac: %w", err)
		}
	}
	return NewOutput(link, local, localMAC, gatewayMAC), nil
}

// Transmit frames p for the next hop. A packet addressed to this host's
// MAC, or without a destination MAC, goes to the gateway.
func (o *Output) Transmit(p *netfilter.Packet) error {
	src := o.localMAC
	if src == nil {
		src = p.SrcMAC
	}
	dst := p.DstMAC
	if dst == nil || (o.localMAC != nil && bytes.Equal(dst, o.localMAC)) {
		dst = o.gatewayMAC
	}
	frame, err := protocol.BuildEthernet(src, dst, p.Data)
	if err != nil {
		return err
	}
	return o.link.WritePacketData(frame)
}

// Deliver hands p to the local link.
func (o *Output) Deliver(p *netfilter.Packet) error {
	if o.local == nil {
		return nil
	}
	frame, err := protocol.BuildEthernet(p.SrcMAC, o.localMAC, p.Data)
	if err != nil {
		return err
	}
	return o.local.WritePacketData(frame)
}

// ToPacket wraps a decoded frame for the pipeline.
func ToPacket(f *protocol.Frame, dev string, mtu int) *netfilter.Packet {
	return &netfilter.Packet{
		Data:      f.IP,
		SrcMAC:    f.SrcMAC,
		DstMAC:    f.DstMAC,
		InDev:     dev,
		OutDev:    dev,
		MTU:       mtu,
		Timestamp: f.Timestamp,
		Origin:    netfilter.FromWire,
	}
}

// Live is an interface opened for capture and injection.
type Live struct {
	name   string
	handle *pcap.Handle
}

// OpenLive opens cfg.Interface and applies the BPF filter.
func OpenLive(cfg config.CaptureConfig) (*Live, error) {
	handle, err := pcap.OpenLive(cfg.Interface, cfg.SnapLen, cfg.Promiscuous, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Interface, err)
	}
	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to set BPF filter %q: %w", cfg.BPFFilter, err)
		}
	}
	glog.Infof("opened %s for capture, snaplen %d, filter %q", cfg.Interface, cfg.SnapLen, cfg.BPFFilter)
	return &Live{name: cfg.Interface, handle: handle}, nil
}

func (l *Live) Name() string { return l.name }

// WritePacketData injects a frame.
func (l *Live) WritePacketData(data []byte) error {
	return l.handle.WritePacketData(data)
}

// Frames decodes captured IPv4 frames until ctx is done or the handle is
// closed. The channel is closed on return.
func (l *Live) Frames(ctx context.Context) <-chan *protocol.Frame {
	out := make(chan *protocol.Frame, 1024)
	source := gopacket.NewPacketSource(l.handle, l.handle.LinkType())
	go func() {
		defer close(out)
		packets := source.Packets()
		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-packets:
				if !ok {
					return
				}
				frame, err := protocol.ParsePacket(packet)
				if err != nil {
					continue
				}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Stats returns the capture counters of the handle.
func (l *Live) Stats() (*pcap.Stats, error) {
	return l.handle.Stats()
}

func (l *Live) Close() {
	l.handle.Close()
}

// FileLink appends every frame to a pcap file.
type FileLink struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer func() error
	now    func() time.Time
	closed bool
	count  int
}

// NewFileLink writes the pcap header to w. closer is called by Close and
// may be nil.
func NewFileLink(w io.Writer, closer func() error, now func() time.Time) (*FileLink, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap file header: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	if closer == nil {
		closer = func() error { return nil }
	}
	return &FileLink{w: pw, closer: closer, now: now}, nil
}

// WritePacketData appends one frame.
func (f *FileLink) WritePacketData(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	ci := gopacket.CaptureInfo{Timestamp: f.now(), CaptureLength: len(data), Length: len(data)}
	if err := f.w.WritePacket(ci, data); err != nil {
		return err
	}
	f.count++
	return nil
}

// Count returns how many frames were written.
func (f *FileLink) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *FileLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.closer()
}
