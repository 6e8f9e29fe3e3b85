package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Go2NatPeer/internal/api"
	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/device"
	"Go2NatPeer/internal/engine/manager"
	"Go2NatPeer/internal/events"
	"Go2NatPeer/internal/factory"
	"Go2NatPeer/internal/metrics"
	"Go2NatPeer/internal/probe/persistent"
	"Go2NatPeer/internal/query"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()
	defer glog.Flush()

	glog.Info("Starting np-engine...")

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		glog.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Capture.Interface == "" {
		glog.Fatal("capture.interface is required")
	}
	glog.Info("Configuration loaded successfully.")

	counters := metrics.New("natpeer", metrics.All...)

	// 2. Event sinks
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

	// 3. Capture device and engine
	live, err := device.OpenLive(cfg.Capture)
	if err != nil {
		glog.Fatalf("Failed to open capture device: %v", err)
	}
	out, err := device.OutputFromConfig(cfg.Capture, live, nil)
	if err != nil {
		glog.Fatalf("Failed to create device output: %v", err)
	}
	mgr, err := manager.NewManager(cfg, manager.Options{
		Output:   out,
		Events:   dispatcher,
		Counters: counters,
		Recorder: recorder,
	})
	if err != nil {
		glog.Fatalf("Failed to create manager: %v", err)
	}

	var querier query.Querier
	for _, t := range cfg.Events.Types {
		if t != "clickhouse" {
			continue
		}
		if querier, err = query.NewClickHouseQuerier(cfg.Events.ClickHouse); err != nil {
			glog.Warningf("Event history disabled: %v", err)
			querier = nil
		}
	}

	// 4. API and health servers
	httpServer := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: api.NewHandler(mgr.Engine(), querier).Router(),
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	mgr.Start()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	g.Go(func() error {
		received := 0
		for frame := range live.Frames(ctx) {
			if err := mgr.Receive(device.ToPacket(frame, cfg.Capture.Interface, cfg.Capture.MTU)); err != nil {
				return err
			}
			received++
			if received%100000 == 0 {
				glog.V(1).Infof("%d packets received...", received)
			}
		}
		return nil
	})

	if cfg.API.ListenAddr != "" {
		g.Go(func() error {
			glog.Infof("API server starting on %s", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if cfg.API.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.API.HealthAddr)
		if err != nil {
			glog.Fatalf("Failed to listen on %s: %v", cfg.API.HealthAddr, err)
		}
		g.Go(func() error {
			glog.Infof("gRPC health server starting on %s", cfg.API.HealthAddr)
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			healthServer.Shutdown()
			grpcServer.GracefulStop()
			return nil
		})
	}

	// 5. Wait for a shutdown signal or a failed service
	if err := g.Wait(); err != nil {
		glog.Errorf("np-engine stopped with error: %v", err)
	}

	glog.Info("Shutting down...")
	live.Close()
	mgr.Stop()
	dispatcher.Close()
	if recorder != nil {
		recorder.Stop()
	}
	glog.Info("Shutdown complete.")
}
