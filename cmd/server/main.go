/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Meridian order engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize zap logger and SQLite store
  3. Wire services: sequence generator, batch assigner, order service,
     packing service, ledger engine, rate rollover job
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port          HTTP server port (default: 8080)
  -db            SQLite database path (default: orders.db)
                 Use ":memory:" for an in-memory database
  -cutoff-hour   Batch cutoff hour; earlier orders join the morning run
  -no-rollover   Disable the background rate carry-forward job
  -dev           Human-readable development logging

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the rollover job, close the database
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/orders.db"

  # Run with in-memory database, no background job
  ./server -db=":memory:" -no-rollover

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meridian/order-engine/api"
	"github.com/meridian/order-engine/ledger"
	"github.com/meridian/order-engine/orders"
	"github.com/meridian/order-engine/packing"
	"github.com/meridian/order-engine/sequence"
	"github.com/meridian/order-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "orders.db", "SQLite database path")
	cutoffHour := flag.Int("cutoff-hour", 12, "batch cutoff hour (0-23)")
	noRollover := flag.Bool("no-rollover", false, "disable the rate carry-forward job")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Wire services
	seq := sequence.NewGenerator(store)
	batches := orders.NewCutoffBatchAssigner(store)
	batches.CutoffHour = *cutoffHour
	orderSvc := orders.NewService(store, seq, batches, logger)
	packingSvc := packing.NewService(store, logger)
	engine := ledger.NewEngine(store, logger)
	rollover := api.NewRateRollover(store, logger)

	handler := api.NewHandler(store, orderSvc, packingSvc, engine, rollover, logger)
	router := api.NewRouter(handler)

	if !*noRollover {
		rollover.Start()
		defer rollover.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.Int("port", *port),
			zap.String("db", *dbPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
