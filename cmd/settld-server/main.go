// Command settld-server runs the HTTP API surface: event append, bundle
// ingest, and the domain routes layered on top of pkg/store (spec §6).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/settld/substrate/pkg/api"
	"github.com/settld/substrate/pkg/config"
	"github.com/settld/substrate/pkg/observability"
	"github.com/settld/substrate/pkg/store"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			startServer()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "settld-server — event-append and artifact HTTP API")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: settld-server [server|health]")
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

func runServer() {
	fmt.Fprintln(os.Stdout, "settld-server starting...")
	logger := slog.Default()
	cfg := config.Load()

	s, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	ctx := context.Background()
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.OtelServiceName,
		OTLPEndpoint: cfg.OtelEndpoint,
		Enabled:      cfg.OtelEnabled,
		Insecure:     true,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init observability: %v", err)
	}
	defer func() { _ = obs.Shutdown(ctx) }()

	router := api.NewRouter(s, obs, cfg.Signer, cfg.Trust)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("[settld] api server: :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthServer := &http.Server{Addr: ":8081", Handler: healthMux}

	go func() {
		log.Printf("[settld] health server: :8081")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[settld] health server error: %v", err)
		}
	}()

	log.Println("[settld] ready")
	log.Println("[settld] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[settld] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
