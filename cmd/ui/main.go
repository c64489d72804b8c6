package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"swing-trade-bot-go/internal/api"
	"swing-trade-bot-go/internal/config"
	"swing-trade-bot-go/internal/database"
	"swing-trade-bot-go/internal/logger"

	"go.uber.org/zap"
)

// The dashboard serves the trade store read-only. It never schedules jobs or
// fetches market data.
func main() {
	cfg, err := config.LoadStoreConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	handler := api.NewHandler(log, database.NewTradeStore(db))
	server := api.NewServer(port, api.SetupRoutes(handler), log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server.Start()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Web server shutdown failed", zap.Error(err))
	}
}
