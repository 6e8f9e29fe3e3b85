package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/device"
	"Go2NatPeer/internal/engine/manager"
	"Go2NatPeer/internal/engine/protocol"
	"Go2NatPeer/internal/events"
	"Go2NatPeer/internal/factory"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/probe/persistent"
	"Go2NatPeer/pkg/pcap"

	"github.com/golang/glog"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	in := flag.String("in", "", "Capture file to replay (required).")
	outPath := flag.String("out", "replay_out.pcap", "Capture file receiving every transmitted and delivered packet.")
	sinkTypes := flag.String("events", "log", "Comma separated event sinks, overriding events.types.")
	flag.Parse()
	defer glog.Flush()

	if *in == "" {
		fmt.Println("Usage: pcap-replay -in <path_to_pcap_file> [-out file] [-config file]")
		os.Exit(1)
	}

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	cfg.Events.Types = nil
	for _, t := range strings.Split(*sinkTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.Events.Types = append(cfg.Events.Types, t)
		}
	}
	// Replays never probe on a timer.
	cfg.Peer.Servers = nil
	glog.Info("Configuration loaded successfully.")

	// 2. Initialize modules
	counters := metrics.New("natpeer", metrics.All...)
	sinks, err := factory.Create(cfg)
	if err != nil {
		glog.Fatalf("Failed to create event sinks: %v", err)
	}
	dispatcher := events.NewDispatcher(cfg.Events.BufferSize, counters, sinks...)
	dispatcher.Start()

	var recorder *persistent.Worker
	if cfg.Persistence.Enabled {
		if recorder, err = persistent.NewWorker(cfg.Persistence); err != nil {
			glog.Fatalf("Failed to create persistent worker: %v", err)
		}
	}

	f, err := os.Create(*outPath)
	if err != nil {
		glog.Fatalf("Failed to create output file: %v", err)
	}
	link, err := device.NewFileLink(f, f.Close, nil)
	if err != nil {
		glog.Fatalf("Failed to create output link: %v", err)
	}
	out, err := device.OutputFromConfig(cfg.Capture, link, link)
	if err != nil {
		glog.Fatalf("Failed to create device output: %v", err)
	}

	mgr, err := manager.NewManager(cfg, manager.Options{
		Output:   out,
		Events:   dispatcher,
		Counters: counters,
		Recorder: recorder,
		Lossless: true,
	})
	if err != nil {
		glog.Fatalf("Failed to create manager: %v", err)
	}

	reader, err := pcap.NewReader(*in)
	if err != nil {
		glog.Fatalf("Failed to open pcap file: %v", err)
	}
	defer reader.Close()
	glog.Infof("Reading packets from '%s'...", *in)

	// 3. Start the processing pipeline and feed it
	mgr.Start()
	frames := make(chan *protocol.Frame, 1024)
	go reader.ReadFrames(frames)
	dev := cfg.Capture.Interface
	if dev == "" {
		dev = "replay0"
	}
	for frame := range frames {
		if err := mgr.Receive(device.ToPacket(frame, dev, cfg.Capture.MTU)); err != nil {
			glog.Errorf("Failed to queue packet: %v", err)
			break
		}
	}
	glog.Info("Finished reading all packets from pcap file.")

	// 4. Graceful shutdown
	mgr.Stop()
	dispatcher.Close()
	if recorder != nil {
		recorder.Stop()
	}
	if err := link.Close(); err != nil {
		glog.Errorf("Failed to close output file: %v", err)
	}

	fmt.Printf("wrote %d packets to %s\n", link.Count(), *outPath)
	snapshot := counters.Snapshot()
	for _, name := range counters.Names() {
		if v := snapshot[name]; v > 0 {
			fmt.Printf("%-22s %d\n", name, v)
		}
	}
}
