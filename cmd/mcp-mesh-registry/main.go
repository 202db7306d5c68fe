package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mcp-mesh-registry/src/core/config"
	"mcp-mesh-registry/src/core/database"
	"mcp-mesh-registry/src/core/logger"
	"mcp-mesh-registry/src/core/registry"
)

var version = "1.0.0"

func main() {
	var (
		host        = flag.String("host", "", "Bind address (overrides HOST)")
		port        = flag.Int("port", 0, "Bind port (overrides PORT)")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mcp-mesh-registry %s\n", version)
		return
	}

	cfg := config.LoadFromEnv()
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg)
	log.Info("Starting MCP Mesh Registry %s", version)
	log.Info("%s", log.GetStartupBanner())

	store, err := database.Initialize(cfg.Database)
	if err != nil {
		log.Error("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	server := registry.NewServer(store, cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		log.Error("Registry exited with error: %v", err)
		os.Exit(1)
	}
	log.Info("Registry shut down cleanly")
}
