package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wallet/internal/api"
	"wallet/internal/config"
	"wallet/internal/identity"
	"wallet/internal/ledger"
	"wallet/internal/logging"
	"wallet/internal/metrics"
	"wallet/internal/store"
	"wallet/internal/store/memory"
	"wallet/internal/store/mongo"
	"wallet/internal/store/postgres"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	envErr := config.LoadDotEnv()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("no .env file loaded", zap.Error(envErr))
	}
	if cfg.EphemeralSecret {
		logger.Warn("JWT_SECRET not set; tokens will not survive a restart")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("wallet", reg)

	ids, err := identity.NewService(st, identity.Config{
		TokenSecret: cfg.JWTSecret,
		TokenTTL:    cfg.TokenTTL,
		BcryptCost:  cfg.BcryptCost,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("identity service: %w", err)
	}

	engine := ledger.NewEngine(st, ledger.Config{
		MaxAttempts: cfg.TransferMaxAttempts,
		RetryBase:   cfg.TransferRetryBase,
		Logger:      logger,
		Metrics:     collector,
	})

	server := api.NewServer(engine, ids, st, logger, api.Config{
		RequestTimeout: cfg.RequestTimeout,
		Gatherer:       reg,
		Metrics:        collector,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Addr())
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	if err := <-serverErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *logging.Logger) (store.Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err := postgres.Open(connectCtx, cfg.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return s, nil
	case config.DriverMongo:
		s, err := mongo.Open(connectCtx, cfg.Mongo, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		return s, nil
	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
