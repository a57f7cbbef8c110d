package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/ai-support/internal/bootstrap"
	"github.com/suPer8Hu/ai-support/internal/chat"
	"github.com/suPer8Hu/ai-support/internal/config"
	"github.com/suPer8Hu/ai-support/internal/db"
	"github.com/suPer8Hu/ai-support/internal/metrics"
	"github.com/suPer8Hu/ai-support/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-support/internal/worker"
)

func main() {
	cfg := config.Load()
	bootstrap.SetupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.AutoMigrate(gdb, chat.Tables()...); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate")
	}
	repo := chat.NewRepo(gdb)

	provider, err := bootstrap.NewProvider(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.AIProvider).Msg("failed to init ai provider")
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// repairs bypass admission; pacing comes from the worker's token bucket
	orch := chat.NewOrchestrator(chat.OrchestratorConfig{
		Store:             repo,
		Provider:          provider,
		ProviderName:      cfg.AIProvider,
		ContextWindowSize: cfg.ChatContextWindowSize,
		ProviderTimeout:   cfg.ProviderTimeout,
		Logger:            log.Logger,
		Metrics:           m,
	})

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit publisher")
	}
	defer pub.Close()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit consumer")
	}
	defer consumer.Close()

	// strict concurrency control
	deliveries, err := consumer.Consume(cfg.WorkerConcurrency)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	// a live attempt never outlasts its provider call plus the writes after it
	w := worker.New(worker.Config{
		Jobs:         repo,
		Repairer:     orch,
		Retrier:      pub,
		RatePerSec:   cfg.RepairRatePerSec,
		MaxAttempts:  cfg.RepairMaxAttempts,
		ClaimTimeout: 2 * cfg.ProviderTimeout,
		Logger:       log.Logger,
		Metrics:      m,
	})

	metricsSrv := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()

	log.Info().
		Str("queue", consumer.Queue()).
		Int("concurrency", cfg.WorkerConcurrency).
		Float64("rate_per_sec", cfg.RepairRatePerSec).
		Msg("worker started")
	w.Run(ctx, deliveries, cfg.WorkerConcurrency)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info().Msg("stopped")
}
