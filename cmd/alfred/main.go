package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/alfred-labs/alfred/internal/assistant"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Path to config file")
	dataDir := flag.String("data", "", "Override the data directory")
	httpAddr := flag.String("http", "", "Override the API listen address")
	once := flag.String("once", "", "Handle a single utterance, print the reply, and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("alfred %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Logger
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Load config
	cp := *configPath
	if cp == "" {
		cp = os.Getenv("ALFRED_CONFIG_PATH")
	}

	cfg, err := assistant.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.RerootData(*dataDir)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	if *once != "" {
		// One-shot mode: no channels, no HTTP, just the reply on stdout.
		cfg.CLI.Disabled = true
		cfg.Matrix.Enabled = false
	}

	a, err := assistant.New(cfg)
	if err != nil {
		slog.Error("failed to start assistant", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if *once != "" {
		reply, err := a.Once(ctx, *once)
		if err != nil {
			slog.Error("failed to handle utterance", "error", err)
			os.Exit(1)
		}
		fmt.Println(reply)
		return
	}

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("assistant error", "error", err)
		os.Exit(1)
	}

	slog.Info("alfred stopped")
}
