package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lasertag/beetle-relay/pkg/config"
	"github.com/lasertag/beetle-relay/pkg/eventbus"
	"github.com/lasertag/beetle-relay/pkg/gamestate"
	"github.com/lasertag/beetle-relay/pkg/metrics"
	"github.com/lasertag/beetle-relay/pkg/orchestrator"
	"github.com/lasertag/beetle-relay/pkg/transport"
)

var (
	configPath = flag.String("config", "beetle-relay.yaml", "Path to YAML configuration file")
	baudRate   = flag.Int("baud", 115200, "Serial baud rate for peripheral transports")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting beetle-relay")
	log.Printf("Config path: %s", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	gs := gamestate.New(cfg.Storage.MagSize)
	if err := gamestate.LoadSnapshotFile(cfg.Snapshot.Path, gs); err != nil {
		log.Printf("Warning loading snapshot: %v", err)
	}

	bus, err := eventbus.New(cfg.Redis.Addr, cfg.Redis.Channel)
	if err != nil {
		log.Printf("Warning: event bus disabled: %v", err)
		bus = nil
	}

	metricsSrv := metrics.StartHTTP(cfg.Metrics.Addr)
	if metricsSrv != nil {
		log.Printf("Serving metrics on %s", cfg.Metrics.Addr)
		defer metricsSrv.Close()
	}

	opener := transport.OpenSerial(*baudRate)
	orch := orchestrator.New(cfg, opener, gs, bus)

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Shutdown signal received")
		cancel()
	}()

	orch.Run(ctx)
	log.Printf("Shutting down...")
}
