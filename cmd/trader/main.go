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
	"swing-trade-bot-go/internal/events"
	"swing-trade-bot-go/internal/logger"
	"swing-trade-bot-go/internal/marketdata"
	"swing-trade-bot-go/internal/metrics"
	"swing-trade-bot-go/internal/scheduler"
	"swing-trade-bot-go/internal/screener"
	"swing-trade-bot-go/internal/trader"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	log.Info("Configuration loaded", zap.String("policy", cfg.Trading.EntryPolicy), zap.String("timezone", cfg.App.Timezone))

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal("Invalid exchange timezone", zap.Error(err))
	}

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")
	store := database.NewTradeStore(db)

	m := metrics.NewMetrics(cfg.Metrics.Namespace)

	fmp, err := marketdata.NewFMP(cfg.Market.Secondary, log)
	if err != nil {
		log.Fatal("Failed to create secondary market data source", zap.Error(err))
	}
	retry := marketdata.RetryPolicy{MaxAttempts: cfg.Market.Retry.MaxAttempts, Delay: cfg.Market.Retry.Delay}
	fetcher := marketdata.NewFetcher(log, loc, retry,
		[]marketdata.Source{marketdata.NewYahoo(cfg.Market.Primary, log), fmp},
		marketdata.WithMetrics(m))

	policy, err := trader.NewEntryPolicy(cfg.Trading)
	if err != nil {
		log.Fatal("Invalid entry policy", zap.Error(err))
	}

	publisher := events.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("Failed to close event publisher", zap.Error(err))
		}
	}()

	engine, err := trader.NewEngine(log, &cfg, store, fetcher, screener.NewChartink(cfg.Screener, log), policy,
		trader.WithPublisher(publisher),
		trader.WithPublishTimeout(cfg.Kafka.PublishTimeout),
		trader.WithMetrics(m))
	if err != nil {
		log.Fatal("Failed to create engine", zap.Error(err))
	}

	sched := scheduler.NewScheduler(loc, log, m)
	if err := sched.RegisterAll(scheduler.EngineJobs(engine, cfg.Schedule)); err != nil {
		log.Fatal("Failed to register jobs", zap.Error(err))
	}

	// Setup context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	for _, j := range sched.Jobs() {
		log.Info("Job scheduled", zap.String("job", j.Name), zap.String("cron", j.Cron), zap.Time("next_run", j.NextRun))
	}

	var server *api.Server
	if cfg.Server.Port > 0 {
		handler := api.NewHandler(log, store,
			api.WithEngine(engine),
			api.WithJobs(sched),
			api.WithMetrics(m))
		server = api.NewServer(cfg.Server.Port, api.SetupRoutes(handler), log)
		server.Start()
	}

	<-ctx.Done()
	log.Info("Shutdown signal received, gracefully shutting down...")

	sched.Stop()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("API server shutdown failed", zap.Error(err))
		}
	}

	log.Info("Bot has been shut down.")
}
