// Package persistent records the handshake packets an engine sends.
package persistent

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/netfilter"
	"Go2NatPeer/internal/peer/wire"

	"github.com/golang/glog"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 1600

// Record is one captured packet with its decoded handshake fields.
type Record struct {
	Timestamp time.Time
	Device    string
	Tuple     model.Tuple
	Flags     string
	Seq       uint32
	Ack       uint32
	Option    string
	Length    int
	Data      []byte
}

// NewRecord decodes what it can of p.
func NewRecord(p *netfilter.Packet) *Record {
	r := &Record{
		Timestamp: p.Timestamp,
		Device:    p.OutDev,
		Length:    len(p.Data),
		Data:      append([]byte(nil), p.Data...),
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	seg, err := protocol.ParseSegment(p.Data)
	if err != nil {
		return r
	}
	r.Tuple = seg.Tuple()
	r.Flags = seg.Flags().String()
	r.Seq, r.Ack = seg.Seq(), seg.Ack()
	if opt, err := wire.Find(seg.Options()); err == nil {
		r.Option = opt.Type.String()
	}
	return r
}

func (r *Record) String() string {
	return fmt.Sprintf("%s %s %s [%s] seq=%d ack=%d %s len=%d",
		r.Timestamp.Format("2006-01-02 15:04:05.000"), r.Device, r.Tuple, r.Flags, r.Seq, r.Ack, r.Option, r.Length)
}

// Transmitter sends a finished packet.
type Transmitter interface {
	Transmit(p *netfilter.Packet) error
}

// Worker writes records to one file from a pool of goroutines.
type Worker struct {
	records  chan *Record
	stopChan chan struct{}
	stopped  chan struct{}
	wg       sync.WaitGroup
	path     string
}

// NewWorker creates the output file and starts the writers.
func NewWorker(cfg config.PersistenceConfig) (*Worker, error) {
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory: %w", err)
	}
	bufferSize := cfg.ChannelBufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	w := &Worker{
		records:  make(chan *Record, bufferSize),
		stopChan: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if err := w.start(cfg); err != nil {
		return nil, err
	}
	return w, nil
}

// Path returns the file being written.
func (w *Worker) Path() string { return w.path }

func (w *Worker) start(cfg config.PersistenceConfig) error {
	file, err := createOutputFile(cfg)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	w.path = file.Name()

	var workerFunc func()
	numWorkers := cfg.NumWorkers
	switch cfg.Encoding {
	case "gob":
		enc := gob.NewEncoder(file)
		var mu sync.Mutex
		workerFunc = func() {
			for r := range w.records {
				mu.Lock()
				err := enc.Encode(r)
				mu.Unlock()
				if err != nil {
					glog.Errorf("persistent (gob): error encoding packet: %v", err)
				}
			}
		}
	case "text":
		buf := bufio.NewWriter(file)
		var mu sync.Mutex
		workerFunc = func() {
			for r := range w.records {
				mu.Lock()
				_, err := buf.WriteString(r.String() + "\n")
				mu.Unlock()
				if err != nil {
					glog.Errorf("persistent (text): error writing packet: %v", err)
				}
			}
			mu.Lock()
			buf.Flush()
			mu.Unlock()
		}
	case "pcap":
		pw := pcapgo.NewWriter(file)
		if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
			file.Close()
			return fmt.Errorf("failed to write pcap file header: %w", err)
		}
		// Packets must stay in order.
		numWorkers = 1
		workerFunc = func() {
			for r := range w.records {
				ci := gopacket.CaptureInfo{Timestamp: r.Timestamp, CaptureLength: len(r.Data), Length: r.Length}
				if err := pw.WritePacket(ci, r.Data); err != nil {
					glog.Errorf("persistent (pcap): error writing packet: %v", err)
				}
			}
		}
	default:
		file.Close()
		return fmt.Errorf("unknown persistence encoding %q", cfg.Encoding)
	}

	if numWorkers <= 0 {
		numWorkers = 1
	}
	w.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer w.wg.Done()
			workerFunc()
		}()
	}

	go func() {
		defer close(w.stopped)
		<-w.stopChan
		close(w.records)
		w.wg.Wait()
		if err := file.Close(); err != nil {
			glog.Errorf("persistent: error closing file: %v", err)
		}
		glog.Info("persistent worker stopped and file closed")
	}()

	glog.Infof("persistent worker started with %d goroutines, encoding: %s, writing to: %s", numWorkers, cfg.Encoding, w.path)
	return nil
}

func createOutputFile(cfg config.PersistenceConfig) (*os.File, error) {
	ext := ".log"
	switch cfg.Encoding {
	case "gob":
		ext = ".gob"
	case "pcap":
		ext = ".pcap"
	}
	fileName := fmt.Sprintf("handshake_%s%s", time.Now().Format("2006-01-02_15-04-05"), ext)
	return os.OpenFile(filepath.Join(cfg.Path, fileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

// Stop flushes queued records and closes the file.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.stopped
}

// Enqueue queues a copy of p. It never blocks.
func (w *Worker) Enqueue(p *netfilter.Packet) {
	select {
	case w.records <- NewRecord(p):
	default:
		glog.Warning("persistent: channel is full, dropping packet")
	}
}

// Tap returns a transmitter that records every packet before passing it
// to next.
func (w *Worker) Tap(next Transmitter) Transmitter {
	return tap{w: w, next: next}
}

type tap struct {
	w    *Worker
	next Transmitter
}

func (t tap) Transmit(p *netfilter.Packet) error {
	t.w.Enqueue(p)
	return t.next.Transmit(p)
}
