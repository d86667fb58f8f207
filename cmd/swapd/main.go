package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"liquidswap/chain"
	"liquidswap/config"
	"liquidswap/escrow"
	"liquidswap/observability"
	"liquidswap/observability/logging"
	"liquidswap/orders"
	"liquidswap/prover"
	"liquidswap/server"
	"liquidswap/signing"
	"liquidswap/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.Setup("swapd", cfg.Environment)

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := storage.AutoMigrate(db); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}
	store := storage.NewStore(db)
	metrics := observability.Engine()

	var pv prover.Prover
	var network chain.Client
	if cfg.MockMode {
		logger.Info("mock mode enabled, using deterministic prover and chain stubs")
		pv = prover.NewStub()
		network = chain.NewStub()
	} else {
		pv = prover.NewClient(cfg.ProverURL, cfg.ProverTimeout, cfg.ProverMaxAttempts, cfg.ProverRateLimit, logger)
		network = chain.NewRPCClient(cfg.ChainRPCURL, cfg.ChainRPCUser, cfg.ChainRPCPassword, cfg.ProverTimeout)
	}

	pipeline := signing.NewPipeline(store, pv, network, cfg.FeeRate, cfg.ChainName, logger, metrics)
	orderManager := orders.NewManager(store, pipeline, network, cfg.OrderExpiryBlocks, logger, metrics)
	escrowManager := escrow.NewManager(store, pipeline, network, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := signing.NewWatcher(pipeline, cfg.ConfirmPollInterval, logger)
	go watcher.Run(ctx)
	sweeper := orders.NewSweeper(orderManager, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	srv := server.New(db, orderManager, escrowManager, pipeline, pv, cfg.ProverURL, cfg.MockMode, logger, metrics)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		_ = httpServer.Shutdown(context.Background())
	}()

	logger.Info("swapd listening",
		"port", cfg.Port,
		"mock_mode", cfg.MockMode,
		"chain", cfg.ChainName,
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server", "error", err)
		os.Exit(1)
	}
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DatabaseURL != "" {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	}
	if !cfg.MockMode {
		return nil, fmt.Errorf("database url is required outside mock mode")
	}
	// Mock mode without a database falls back to a shared in-memory store.
	return gorm.Open(sqlite.Open("file:swapd?mode=memory&cache=shared"), &gorm.Config{})
}
