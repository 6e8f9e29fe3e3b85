// Package query reads stored handshake events back from ClickHouse.
package query

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/events"
	"Go2NatPeer/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Filter narrows an event query. Zero fields match everything.
type Filter struct {
	Kind  model.EventKind
	IP    netip.Addr
	Since time.Time
	Until time.Time
	Limit int
}

// KindCount is the number of events of one kind.
type KindCount struct {
	Kind  string
	Count uint64
}

// Querier defines the interface for querying stored events.
type Querier interface {
	RecentEvents(ctx context.Context, f Filter) ([]model.Event, error)
	CountByKind(ctx context.Context, f Filter) ([]KindCount, error)
	Close() error
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := events.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

// Where renders the filter as a WHERE clause and its arguments.
func (f Filter) Where() (string, []interface{}) {
	var whereClauses []string
	args := []interface{}{}

	if f.Kind != "" {
		whereClauses = append(whereClauses, "Kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.IP.IsValid() {
		whereClauses = append(whereClauses, "(SrcIP = ? OR DstIP = ?)")
		args = append(args, f.IP.String(), f.IP.String())
	}
	if !f.Since.IsZero() {
		whereClauses = append(whereClauses, "Timestamp >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		whereClauses = append(whereClauses, "Timestamp <= ?")
		args = append(args, f.Until)
	}
	if len(whereClauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(whereClauses, " AND "), args
}

// RecentEvents returns the newest matching events first.
func (q *clickhouseQuerier) RecentEvents(ctx context.Context, f Filter) ([]model.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where, args := f.Where()
	query := `
		SELECT Timestamp, ID, Kind, Stage, SrcIP, DstIP, SrcPort, DstPort, Protocol,
		       MapPort, ProbeIndex, LocalSeq, RemoteSeq, Message
		FROM peer_events` + where + fmt.Sprintf(" ORDER BY Timestamp DESC LIMIT %d", limit)

	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev           model.Event
			kind         string
			srcIP, dstIP string
			probeIndex   int16
		)
		if err := rows.Scan(&ev.Timestamp, &ev.ID, &kind, &ev.Stage, &srcIP, &dstIP,
			&ev.Tuple.SrcPort, &ev.Tuple.DstPort, &ev.Tuple.Proto, &ev.MapPort,
			&probeIndex, &ev.LocalSeq, &ev.RemoteSeq, &ev.Message); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = model.EventKind(kind)
		ev.ProbeIndex = int(probeIndex)
		ev.Tuple.SrcIP, _ = netip.ParseAddr(srcIP)
		ev.Tuple.DstIP, _ = netip.ParseAddr(dstIP)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByKind returns per-kind totals, largest first.
func (q *clickhouseQuerier) CountByKind(ctx context.Context, f Filter) ([]KindCount, error) {
	where, args := f.Where()
	query := "SELECT Kind, count() AS N FROM peer_events" + where + " GROUP BY Kind ORDER BY N DESC"

	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan kind count: %w", err)
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}

func (q *clickhouseQuerier) Close() error {
	return q.conn.Close()
}
