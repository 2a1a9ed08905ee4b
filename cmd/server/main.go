/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the cashback ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load the config file
  2. Build the logger
  3. Initialize SQLite store
  4. Dial the Gnosis Chain RPC
  5. Build the pipeline (processor, metrics, reconciler)
  6. Configure HTTP router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional, see config/config.go)
  -port    HTTP server port, overrides listen
  -db      SQLite database path, overrides database
           Use ":memory:" for in-memory database
  -rpc     JSON-RPC endpoint, overrides rpc.endpoint

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -config=./cashback.yaml
  ./server -db=":memory:" -rpc=http://localhost:8545

SEE ALSO:
  - api/server.go: Router configuration
  - pipeline/processor.go: Event processing
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
	"github.com/sirupsen/logrus"
	"github.com/warp/cashback-engine/api"
	"github.com/warp/cashback-engine/chain"
	"github.com/warp/cashback-engine/config"
	"github.com/warp/cashback-engine/pipeline"
	"github.com/warp/cashback-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	rpcURL := flag.String("rpc", "", "Gnosis Chain JSON-RPC endpoint (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.ListenAddress = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *rpcURL != "" {
		cfg.RPC.Endpoint = *rpcURL
	}

	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.LoadConfig(path)
}

func run(cfg config.Config, log *logrus.Logger) error {
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	calculator, err := cfg.Calculator(registry)
	if err != nil {
		return err
	}

	// Initialize store
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Dial chain
	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.RPC.Timeout.Duration)
	client, err := chain.Dial(dialCtx, cfg.RPC.Endpoint)
	cancel()
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()
	gateway := chain.NewGateway(client, cfg.OGNFTAddress())
	gateway.CallTimeout = cfg.RPC.Timeout.Duration

	// Pipeline
	registerer := prometheus.DefaultRegisterer
	metrics := pipeline.NewMetrics(registerer)
	processor, err := pipeline.NewProcessor(pipeline.Config{
		Store:      store,
		Chain:      gateway,
		Registry:   registry,
		Calculator: calculator,
		Logger:     log,
		Metrics:    metrics,
		Notifier:   pipeline.LogNotifier{Log: log},
	})
	if err != nil {
		return err
	}

	reconciler := pipeline.NewReconciler(store, log, metrics)
	reconciler.CheckInterval = cfg.Reconcile.Interval.Duration
	reconciler.Enabled = cfg.Reconcile.IsEnabled()
	reconciler.Start()
	defer reconciler.Stop()

	// Router
	handler := api.NewHandler(processor, store, registry)
	handler.Reconciler = reconciler
	handler.Batch = pipeline.NewDispatcher(processor, cfg.Workers, log)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSOrigins,
		Gatherer:       prometheus.DefaultGatherer,
		Logger:         log,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"listen":   cfg.ListenAddress,
			"database": cfg.DatabasePath,
			"workers":  cfg.Workers,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	log.Info("shutting down server")

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
