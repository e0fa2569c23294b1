package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/penflow/syncd/internal/auth"
	authzsqlite "github.com/penflow/syncd/internal/authz/sqlite"
	"github.com/penflow/syncd/internal/config"
	"github.com/penflow/syncd/internal/crdt"
	"github.com/penflow/syncd/internal/registry"
	"github.com/penflow/syncd/internal/server"
	"github.com/penflow/syncd/internal/updatelog"
	"github.com/penflow/syncd/internal/ws"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.InsecureDev {
		logger.Warn("insecure dev mode is enabled: unauthenticated connections will be admitted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	oracle, err := authzsqlite.New(ctx, cfg.AuthzDB)
	if err != nil {
		return fmt.Errorf("failed to open authorization store: %w", err)
	}
	defer func() {
		if err := oracle.Close(); err != nil {
			logger.Error("failed to close authorization store", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	ulog, err := updatelog.Open(filepath.Join(cfg.DataDir, "updates.db"), logger)
	if err != nil {
		return fmt.Errorf("failed to open update log: %w", err)
	}

	reg := registry.New(ulog, func() crdt.Document { return crdt.NewAutomergeDocument() }, logger)
	hub := ws.NewHub(logger)
	gate := auth.NewGate(auth.NewJWTVerifier(cfg.JWTSecret), oracle, cfg.InsecureDev, logger)

	srv := server.New(cfg, logger, reg, hub, gate, ulog)
	logger.Info("starting sync server",
		"addr", cfg.Addr(), "data_dir", cfg.DataDir, "authz_db", cfg.AuthzDB, "version", Version)

	// srv.Run owns the teardown of the sockets and the update log.
	return srv.Run(ctx)
}

func printVersion() {
	fmt.Printf("syncd - collaborative document sync server\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
