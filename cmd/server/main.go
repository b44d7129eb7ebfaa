/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the account ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Start the async notification dispatcher
  4. Build the ledger service and analytics
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port        HTTP server port (default: 8080)
  -db          SQLite database path (default: ledger.db)
               Use ":memory:" for an in-memory database
  -high-value  High-value alert threshold (default: 10000)
  -max-amount  Maximum single transaction amount (default: 1000000)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain the notification queue
  4. Close the database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - ledger/service.go: Operation semantics
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/bank-ledger/api"
	"github.com/warp/bank-ledger/ledger"
	"github.com/warp/bank-ledger/metrics"
	"github.com/warp/bank-ledger/notify"
	"github.com/warp/bank-ledger/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "ledger.db", "SQLite database path")
	highValue := flag.Float64("high-value", 10000, "high-value alert threshold")
	maxAmount := flag.Float64("max-amount", 1000000, "maximum single transaction amount")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	// Notifications drain to the log until a real gateway is wired.
	dispatcher := notify.NewAsync(&notify.LogSink{Logger: logger}, 2, 256, logger)

	collector := metrics.NewCollector()

	svc := ledger.NewService(ledger.Config{
		Store:                store,
		Dispatcher:           dispatcher,
		Metrics:              collector,
		Logger:               logger,
		HighValueThreshold:   decimal.NewFromFloat(*highValue),
		MaxTransactionAmount: decimal.NewFromFloat(*maxAmount),
	})
	analytics := ledger.NewAnalytics(store, decimal.NewFromFloat(*highValue))

	handler := api.NewHandler(svc, analytics)
	router := api.NewRouter(handler, collector.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			slog.Int("port", *port),
			slog.String("db", *dbPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	if err := dispatcher.Close(ctx); err != nil {
		logger.Warn("notification queue did not drain", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}
