/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), apply flag overrides
  2. Build the zap logger
  3. Initialize SQLite store
  4. Create metrics, engine and API handler
  5. Configure HTTP router, start the audit scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides SERVER_PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close database connection

EXAMPLES:
  ./server -db="./data/loyalty.db"
  ./server -db=":memory:" -port=3000
  LOG_FORMAT=text SERVER_ENABLE_SCENARIOS=true ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	// Flags
	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DB.Path, "SQLite database path")
	flag.Parse()
	cfg.Server.Port = *port
	cfg.DB.Path = *dbPath

	logger, err := logging.New(logging.Config{
		ServiceName: "loyalty-engine",
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Program.Validate(); err != nil {
		return fmt.Errorf("loyalty program: %w", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DB.Path, sqlite.WithBusyTimeout(cfg.DB.BusyTimeout))
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer store.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	engine, err := loyalty.NewEngine(store,
		loyalty.WithPolicy(cfg.Program),
		loyalty.WithCodeGenerator(loyalty.NewRandomCodeGenerator(store, cfg.CustomerCodeLength)),
		loyalty.WithMaxAttempts(cfg.Ledger.MaxAttempts),
		loyalty.WithRetryBackoff(cfg.Ledger.RetryBackoff),
		loyalty.WithLogger(logger.Named("ledger")),
		loyalty.WithRecorder(m),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	handler := api.NewHandler(engine, store, logger.Named("api"))
	handler.EnableScenarios = cfg.Server.EnableScenarios

	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger.Named("http"),
		Requests:       m,
		MetricsHandler: promhttp.Handler(),
	})

	scheduler := api.NewAuditScheduler(engine, cfg.AuditInterval, logger.Named("audit"))
	scheduler.Observer = m
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.DB.Path),
			zap.Bool("scenarios", cfg.Server.EnableScenarios),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
