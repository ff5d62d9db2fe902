package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alcovechat/rtc-core/pkg/relay"
	"github.com/alcovechat/rtc-core/pkg/storage"
)

const (
	defaultAddr   = ":8080"
	defaultDBPath = "./data/relay.db"
)

var (
	addr          = flag.String("addr", defaultAddr, "Address to listen on")
	dbPath        = flag.String("db", defaultDBPath, "Path to the relay database")
	sweepInterval = flag.Duration("sweep", relay.DefaultSweepInterval, "Expiry sweep interval")
)

func main() {
	flag.Parse()

	printBanner()

	secret := os.Getenv("RELAY_SECRET")
	if secret == "" {
		log.Fatal("Error: RELAY_SECRET environment variable is required")
	}

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	store, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	log.Printf("📬 Database opened at %s", *dbPath)

	server := relay.NewServer(relay.Config{
		Addr:          *addr,
		Secret:        []byte(secret),
		SweepInterval: *sweepInterval,
	}, store)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		fmt.Println()
		log.Println("Shutting down gracefully...")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Relay server failed: %v", err)
	}

	if err := store.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
	log.Println("✓ Relay server stopped")
	log.Println("Goodbye! 👋")
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            Alcove Signaling Relay v1.0            ║")
	fmt.Println("║     calls, mesh signaling, expiring messages      ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}
