// twin-analytics is a local stand-in for the flag evaluation and event
// ingestion API. It serves the three endpoints the SDK calls, plus an admin
// plane for setting flags, inspecting received batches, and injecting faults.
//
// Point the SDK at it by setting base_url to http://localhost:12120.
package main

import (
	"context"
	"log"
	"os"

	"github.com/wondertwin-ai/beacon/internal/twin"
	"github.com/wondertwin-ai/beacon/internal/twincore"
)

func main() {
	cfg, err := twincore.ParseFlags("twin-analytics", os.Args[1:])
	if err != nil {
		log.Fatalf("parsing flags: %v", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 12120
	}

	store := twin.NewStore(nil)
	tw := twin.New(cfg, store, nil)

	if cfg.SeedFile != "" {
		data, err := os.ReadFile(cfg.SeedFile)
		if err != nil {
			log.Fatalf("failed to read seed file: %v", err)
		}
		if err := store.LoadState(data); err != nil {
			log.Fatalf("failed to load seed data: %v", err)
		}
		tw.Logger.Info("loaded seed data", "file", cfg.SeedFile)
	}

	tw.Logger.Info("twin-analytics ready", "port", cfg.Port)

	if err := tw.Serve(context.Background()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
