// Command bountyd is the bounty marketplace server daemon.
// It wires the identity directory, the escrowed lifecycle engine, and
// the HTTP API over one SQLite database, configured from a YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openbounty/bountyd/bounty"
	"github.com/openbounty/bountyd/config"
	"github.com/openbounty/bountyd/escrow"
	"github.com/openbounty/bountyd/events"
	"github.com/openbounty/bountyd/identity"
	"github.com/openbounty/bountyd/internal/version"
	"github.com/openbounty/bountyd/server"
	"github.com/openbounty/bountyd/storage"
)

var configPath = flag.String("config", "bountyd.yaml", "path to config file")

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting bountyd",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}
	db, err := storage.Open(filepath.Join(cfg.DataDir, "bountyd.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	stores := db.Stores()
	dir := identity.NewDirectory(stores.Agents)
	bus := events.NewBus()
	engine := bounty.NewEngine(db, bounty.Options{
		Escrow: escrow.Config{
			FeeBps:   cfg.Market.FeeBps,
			Vault:    common.HexToAddress(cfg.Market.VaultAccount),
			Platform: common.HexToAddress(cfg.Market.PlatformAccount),
		},
		Arbiter: common.HexToAddress(cfg.Auth.ArbiterAddress),
		Events:  bus,
	})

	srv := server.New(*cfg, version.Version, logger)
	srv.SetDirectory(dir)
	srv.SetEngine(engine)
	srv.SetStores(stores)
	srv.SetEvents(bus)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("bountyd listening on %s\n", cfg.Server.Addr)
	fmt.Printf("Version: %s (%s)\n", version.Version, version.Commit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("Shutting down...")
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	fmt.Println("Shutdown complete")
}
