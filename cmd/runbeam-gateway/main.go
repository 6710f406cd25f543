package main

import (
	"log"

	"github.com/runbeam/runbeam/core/gateway"
	"github.com/runbeam/runbeam/core/infra/config"
	"github.com/runbeam/runbeam/core/infra/logging"
)

// Injected at build time via -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	logging.Info("gateway", "runbeam gateway starting",
		"version", version, "commit", commit, "built", date)
	cfg := config.Load()
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
