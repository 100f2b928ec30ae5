// Command settld-worker drains the outbox queue on a fixed tick, signing
// and POSTing delivery bodies to registered webhook destinations (spec
// §4.7).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/settld/substrate/pkg/config"
	"github.com/settld/substrate/pkg/outbox"
	"github.com/settld/substrate/pkg/store"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

var startWorker = runWorker

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startWorker()
		return 0
	}

	switch args[1] {
	case "run":
		startWorker()
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startWorker()
			return 0
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "settld-worker — outbox delivery worker")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: settld-worker [run]")
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory", "":
		return store.NewMemoryStore(), nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(context.Background()); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return store.NewSQLStore(db, store.DialectPostgres)
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store.NewSQLStore(db, store.DialectSQLite)
	default:
		return nil, fmt.Errorf("unknown SETTLD_STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func runWorker() {
	fmt.Fprintln(os.Stdout, "settld-worker starting...")
	cfg := config.Load()

	s, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	destinations, err := outbox.ParseDestinationsJSON([]byte(os.Getenv("SETTLD_WEBHOOK_DESTINATIONS_JSON")))
	if err != nil {
		log.Fatalf("failed to parse SETTLD_WEBHOOK_DESTINATIONS_JSON: %v", err)
	}

	w := outbox.NewWorker(s, outbox.NewStaticDestinationResolver(destinations), &outbox.StorePayloadLoader{Store: s})
	if cfg.OutboxMaxAttempts > 0 {
		w.MaxAttempts = cfg.OutboxMaxAttempts
	}
	if cfg.OutboxLeaseSeconds > 0 {
		w.LeaseDuration = time.Duration(cfg.OutboxLeaseSeconds) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, 5*time.Second)

	log.Println("[settld] outbox worker ready")
	log.Println("[settld] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[settld] shutting down")
	cancel()
}
