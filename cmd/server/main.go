package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/ai-support/internal/auth"
	"github.com/suPer8Hu/ai-support/internal/bootstrap"
	"github.com/suPer8Hu/ai-support/internal/chat"
	"github.com/suPer8Hu/ai-support/internal/config"
	"github.com/suPer8Hu/ai-support/internal/db"
	"github.com/suPer8Hu/ai-support/internal/httpapi"
	"github.com/suPer8Hu/ai-support/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-support/internal/metrics"
	"github.com/suPer8Hu/ai-support/internal/models"
	"github.com/suPer8Hu/ai-support/internal/ratelimit"
	"github.com/suPer8Hu/ai-support/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-support/internal/store/redisstore"
)

func main() {
	cfg := config.Load()
	bootstrap.SetupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to open database")
	}
	if err := db.AutoMigrate(gdb, append([]any{&models.User{}}, chat.Tables()...)...); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate")
	}

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	if err := rds.Ping(ctx); err != nil {
		// the limiter policy decides what an unreachable store means
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable at startup")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	policy := ratelimit.FailOpen
	if !cfg.RateLimitFailOpen {
		policy = ratelimit.FailClosed
	}
	limiter := ratelimit.New(rds,
		ratelimit.WithPolicy(policy),
		ratelimit.WithLogger(log.Logger),
		ratelimit.WithMetrics(m),
	)

	provider, err := bootstrap.NewProvider(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.AIProvider).Msg("failed to init ai provider")
	}

	repo := chat.NewRepo(gdb)
	orchCfg := chat.OrchestratorConfig{
		Store:             repo,
		Limiter:           limiter,
		Provider:          provider,
		ProviderName:      cfg.AIProvider,
		IPLimit:           chat.Limit{Requests: cfg.IPRateLimit, WindowSeconds: cfg.IPRateWindowSec},
		SessionLimit:      chat.Limit{Requests: cfg.SessionRateLimit, WindowSeconds: cfg.SessionRateWindowSec},
		ContextWindowSize: cfg.ChatContextWindowSize,
		ProviderTimeout:   cfg.ProviderTimeout,
		Logger:            log.Logger,
		Metrics:           m,
	}
	if cfg.RepairEnabled {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect rabbitmq")
		}
		defer pub.Close()
		orchCfg.Orphans = chat.NewRepairScheduler(repo, pub, log.Logger, m)
	}
	orch := chat.NewOrchestrator(orchCfg)

	accounts := auth.NewService(auth.NewUserRepo(gdb), auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTExpire))
	gateway := chat.NewGateway(accounts, repo)

	h := handlers.NewHandler(accounts, gateway, orch, log.Logger)
	router := httpapi.NewRouter(h, httpapi.RouterConfig{
		AllowedOrigins: cfg.CORSOrigins,
		Gatherer:       reg,
		Logger:         log.Logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.HTTPAddr).
			Str("provider", cfg.AIProvider).
			Str("ratelimit_policy", policy.String()).
			Bool("repair", cfg.RepairEnabled).
			Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	log.Info().Msg("stopped")
}
