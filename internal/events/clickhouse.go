package events

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/golang/glog"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS peer_events (
    Timestamp  DateTime64(3),
    ID         String,
    Kind       LowCardinality(String),
    Stage      LowCardinality(String),
    SrcIP      String,
    DstIP      String,
    SrcPort    UInt16,
    DstPort    UInt16,
    Protocol   UInt8,
    MapPort    UInt16,
    ProbeIndex Int16,
    LocalSeq   UInt32,
    RemoteSeq  UInt32,
    Message    String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Kind, Timestamp);
`

// maxBatch flushes a batch early once it holds this many events.
const maxBatch = 4096

// ClickHouseSink buffers events and inserts them into the peer_events
// table every interval.
type ClickHouseSink struct {
	conn     driver.Conn
	interval time.Duration

	mu      sync.Mutex
	pending []model.Event

	done chan struct{}
	wg   sync.WaitGroup
}

// NewClickHouseSink connects, creates the table and starts the flusher.
func NewClickHouseSink(cfg config.ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	glog.Info("connected to ClickHouse, peer_events table ready")

	s := &ClickHouseSink{
		conn:     conn,
		interval: config.Duration(cfg.Interval, 10*time.Second),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Connect opens and pings a ClickHouse connection.
func Connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// Write queues ev for the next flush.
func (s *ClickHouseSink) Write(ev model.Event) error {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	full := len(s.pending) >= maxBatch
	s.mu.Unlock()
	if full {
		return s.flush()
	}
	return nil
}

func (s *ClickHouseSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.flush(); err != nil {
				glog.Errorf("clickhouse: %v", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *ClickHouseSink) flush() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	b, err := s.conn.PrepareBatch(context.Background(), "INSERT INTO peer_events")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, ev := range batch {
		if err := b.Append(Row(ev)...); err != nil {
			return fmt.Errorf("failed to append event to batch: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	glog.V(1).Infof("wrote %d events to ClickHouse", len(batch))
	return nil
}

// Row returns the column values of ev in table order.
func Row(ev model.Event) []interface{} {
	return []interface{}{
		ev.Timestamp,
		ev.ID,
		string(ev.Kind),
		ev.Stage,
		addrString(ev.Tuple.SrcIP),
		addrString(ev.Tuple.DstIP),
		ev.Tuple.SrcPort,
		ev.Tuple.DstPort,
		ev.Tuple.Proto,
		ev.MapPort,
		int16(ev.ProbeIndex),
		ev.LocalSeq,
		ev.RemoteSeq,
		ev.Message,
	}
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

// Close flushes what is left and closes the connection.
func (s *ClickHouseSink) Close() error {
	close(s.done)
	s.wg.Wait()
	err := s.flush()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
