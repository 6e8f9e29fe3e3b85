package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/events"
	"Go2NatPeer/internal/model"
	"Go2NatPeer/internal/probe"
	"Go2NatPeer/internal/query"

	"github.com/golang/glog"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	mode := flag.String("mode", "sub", "Operating mode: 'sub' to follow live events, 'history' to query ClickHouse, 'counts' for per-kind totals.")
	kind := flag.String("kind", "", "Only show events of this kind (history and counts modes).")
	ip := flag.String("ip", "", "Only show events involving this address (history and counts modes).")
	since := flag.Duration("since", time.Hour, "How far back to look (history and counts modes).")
	limit := flag.Int("limit", 100, "Maximum number of events (history mode).")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}

	switch *mode {
	case "sub":
		runSubscriber(cfg.Events.NATS)
	case "history", "counts":
		f := query.Filter{Kind: model.EventKind(*kind), Since: time.Now().Add(-*since), Limit: *limit}
		if *ip != "" {
			if f.IP, err = netip.ParseAddr(*ip); err != nil {
				glog.Fatalf("Invalid -ip: %v", err)
			}
		}
		runQuery(cfg.Events.ClickHouse, *mode, f)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runSubscriber prints engine events as they are published.
func runSubscriber(cfg config.NATSConfig) {
	glog.Infof("Subscribing to %s on %s", cfg.Subject, cfg.URL)
	sub, err := probe.NewSubscriber(cfg)
	if err != nil {
		glog.Fatalf("Failed to create subscriber: %v", err)
	}
	defer sub.Close()

	handler := func(ev model.Event) {
		fmt.Printf("%s %s\n", ev.Timestamp.Format("15:04:05.000"), events.Format(ev))
	}
	if err := sub.Start(handler); err != nil {
		glog.Fatalf("Subscriber failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	glog.Info("Shutdown signal received, cleaning up...")
}

// runQuery prints stored events or their per-kind totals.
func runQuery(cfg config.ClickHouseConfig, mode string, f query.Filter) {
	q, err := query.NewClickHouseQuerier(cfg)
	if err != nil {
		glog.Fatalf("Failed to create querier: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if mode == "counts" {
		counts, err := q.CountByKind(ctx, f)
		if err != nil {
			glog.Fatalf("Query failed: %v", err)
		}
		for _, c := range counts {
			fmt.Printf("%-18s %d\n", c.Kind, c.Count)
		}
		return
	}

	evs, err := q.RecentEvents(ctx, f)
	if err != nil {
		glog.Fatalf("Query failed: %v", err)
	}
	for i := len(evs) - 1; i >= 0; i-- {
		fmt.Printf("%s %s\n", evs[i].Timestamp.Format("2006-01-02 15:04:05.000"), events.Format(evs[i]))
	}
}
