package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XavierBriggs/Iris/adapters/theoddsapi"
	"github.com/XavierBriggs/Iris/internal/cache"
	"github.com/XavierBriggs/Iris/internal/config"
	"github.com/XavierBriggs/Iris/internal/delta"
	"github.com/XavierBriggs/Iris/internal/logging"
	"github.com/XavierBriggs/Iris/internal/metrics"
	"github.com/XavierBriggs/Iris/internal/registry"
	"github.com/XavierBriggs/Iris/internal/scheduler"
	"github.com/XavierBriggs/Iris/internal/server"
	"github.com/XavierBriggs/Iris/internal/tracing"
	"github.com/XavierBriggs/Iris/internal/writer"
	"github.com/XavierBriggs/Iris/pkg/contracts"
	"github.com/XavierBriggs/Iris/sports/americanfootball_nfl"
	"github.com/XavierBriggs/Iris/sports/basketball_nba"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var configPath = flag.String("config", "", "Path to configuration file (optional; IRIS_* env vars override)")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Fatalf("failed to initialize tracing: %v", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Redis backs the shared cache, delta detection and the output streams
	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" || cfg.Scheduler.Enabled {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		if err := rc.Ping(ctx).Err(); err != nil {
			if cfg.Cache.Backend == "redis" {
				logger.Fatalf("failed to connect to Redis: %v", err)
			}
			logger.WithError(err).Warn("redis unavailable, streams and delta detection disabled")
			rc.Close()
		} else {
			redisClient = rc
			defer redisClient.Close()
			logger.Info("connected to Redis")
		}
	}

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			logger.Fatalf("failed to open Postgres: %v", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			logger.Fatalf("failed to ping Postgres: %v", err)
		}
		logger.Info("connected to Postgres")
	}

	opts := []theoddsapi.Option{
		theoddsapi.WithLogger(logger),
		theoddsapi.WithMetrics(m),
	}
	if cfg.Cache.Backend == "redis" {
		opts = append(opts, theoddsapi.WithCache(cache.NewRedis(redisClient, cfg.Cache.Prefix)))
	}

	client, err := theoddsapi.NewClient(theoddsapi.Config{
		APIKey:            cfg.OddsAPI.APIKey,
		BaseURL:           cfg.OddsAPI.BaseURL,
		RequestsPerMinute: cfg.OddsAPI.RequestsPerMinute,
		CacheTTL:          cfg.OddsAPI.CacheTTL,
		RequestDeadline:   cfg.OddsAPI.RequestDeadline,
		HTTPTimeout:       cfg.OddsAPI.HTTPTimeout,
		Retry:             cfg.RetryPolicy(),
	}, opts...)
	if err != nil {
		logger.Fatalf("failed to create Odds API client: %v", err)
	}

	sportRegistry := registry.NewSportRegistry()
	available := []contracts.SportModule{
		basketball_nba.NewModule(),
		americanfootball_nfl.NewModule(),
	}
	if err := sportRegistry.RegisterEnabled(available, cfg.Sports); err != nil {
		logger.Fatalf("failed to register sports: %v", err)
	}
	logger.Infof("registered %d sport(s)", sportRegistry.Count())

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		var streams redis.UniversalClient
		if redisClient != nil {
			streams = redisClient
		}

		w := writer.NewWriter(db, streams, logger)
		if err := w.EnsureSchema(ctx); err != nil {
			logger.Fatalf("failed to prepare schema: %v", err)
		}

		var detector scheduler.ChangeDetector
		if redisClient != nil {
			detector = delta.NewEngine(redisClient, 24*time.Hour)
		}

		sched = scheduler.NewScheduler(client, detector, w, sportRegistry, m, logger)
		if err := sched.Start(ctx); err != nil {
			logger.Fatalf("failed to start scheduler: %v", err)
		}
	}

	api := server.New(client, sportRegistry, reg, server.Config{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		RequestTimeout:    cfg.OddsAPI.RequestDeadline + 5*time.Second,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.OddsAPI.RequestDeadline + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("iris API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		logger.WithError(err).Error("server failed")
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	if sched != nil {
		sched.Stop()
	}

	if shutdownCtx.Err() != nil {
		logger.Error("shutdown timeout exceeded")
		os.Exit(1)
	}
	logger.Info("iris stopped")
}
