package main

import (
	"context"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mt5bridge/config"
	"mt5bridge/internal/adapters/logger"
	"mt5bridge/internal/adapters/mt5gateway"
	"mt5bridge/internal/api"
	"mt5bridge/internal/fetcher"
	"mt5bridge/internal/smartqueue"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Terminal Driver (Gateway Adapter)
	driver, err := mt5gateway.New(mt5gateway.Config{
		BaseURL:        cfg.GatewayURL,
		Logger:         appLogger,
		RequestTimeout: cfg.GatewayTimeout,
		RetryMax:       cfg.GatewayRetries,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize terminal gateway client")
		log.Fatalf("FATAL: Failed to initialize terminal gateway client: %v", err)
	}
	appLogger.Info(ctx, "Terminal gateway client initialized", map[string]interface{}{"gatewayURL": cfg.GatewayURL})

	// 4. Initialize History Fetcher
	historyFetcher, err := fetcher.New(fetcher.Config{
		Driver:         driver,
		Logger:         appLogger,
		WarmupInterval: cfg.WarmupInterval,
		WarmupRange:    cfg.WarmupRange,
		MaxRetries:     cfg.MaxRetries,
		RetryStep:      cfg.RetryBackoffStep,
		RecentWindow:   cfg.DealsRecentWindow,
		EntryBackfill:  cfg.EntryDealsBackfill,
		SLTPScan:       cfg.SLTPOrderScan,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize history fetcher")
		log.Fatalf("FATAL: Failed to initialize history fetcher: %v", err)
	}
	appLogger.Info(ctx, "History fetcher initialized")

	// 5. Initialize Smart Queue Manager
	manager, err := smartqueue.New(smartqueue.Config{
		Driver:             driver,
		Fetcher:            historyFetcher,
		Logger:             appLogger,
		CacheTTL:           cfg.CacheTTL,
		QueueCapacity:      cfg.QueueCapacity,
		WorkerIdleTick:     cfg.WorkerIdleTick,
		CallerPollInterval: cfg.CallerPollInterval,
		CallerTimeout:      cfg.CallerTimeout,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize smart queue manager")
		log.Fatalf("FATAL: Failed to initialize smart queue manager: %v", err)
	}
	appLogger.Info(ctx, "Smart queue manager initialized")

	// 6. Initialize HTTP Shell
	server, err := api.NewServer(api.Config{
		APIKey:             cfg.APIKey,
		AllowedOrigins:     cfg.AllowedOrigins,
		DefaultHistoryDays: cfg.DefaultHistoryDays,
		Engine:             manager,
		Logger:             appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize API server")
		log.Fatalf("FATAL: Failed to initialize API server: %v", err)
	}

	// 7. Start worker and HTTP server with graceful shutdown
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		manager.Run(runCtx)
	}()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: server.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info(runCtx, "HTTP server listening", map[string]interface{}{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		appLogger.Info(runCtx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
	case err := <-serverErr:
		appLogger.Error(runCtx, err, "HTTP server exited with error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(ctx, err, "HTTP server shutdown failed")
	}

	cancel()
	select {
	case <-workerDone:
		appLogger.Info(ctx, "Worker shut down gracefully")
	case <-time.After(5 * time.Second):
		appLogger.Warn(ctx, "Timeout waiting for worker to shut down")
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
