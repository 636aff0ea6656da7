// Server exposes the attribution pipeline over HTTP: POST a window to
// trigger a run, GET stored summaries and reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/attribution-pipeline/internal/api"
	"github.com/ignite/attribution-pipeline/internal/config"
	"github.com/ignite/attribution-pipeline/internal/export"
	"github.com/ignite/attribution-pipeline/internal/pipeline"
	"github.com/ignite/attribution-pipeline/internal/pkg/distlock"
	"github.com/ignite/attribution-pipeline/internal/pkg/httpretry"
	"github.com/ignite/attribution-pipeline/internal/pkg/logger"
	"github.com/ignite/attribution-pipeline/internal/pkg/ratelimit"
	"github.com/ignite/attribution-pipeline/internal/repository"
	"github.com/ignite/attribution-pipeline/internal/repository/postgres"
	"github.com/ignite/attribution-pipeline/internal/repository/snowflake"
	"github.com/ignite/attribution-pipeline/internal/scoring"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fatal("loading configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("validating configuration", err)
	}

	ctx := context.Background()

	store, err := postgres.Open(cfg.Storage.DatabaseURL)
	if err != nil {
		fatal("connecting to postgres", err)
	}
	defer store.Close()

	var events repository.EventReader = store
	if cfg.Storage.EventsBackend == "snowflake" {
		sf, err := snowflake.Open(ctx, cfg.Storage.Snowflake)
		if err != nil {
			fatal("connecting to snowflake", err)
		}
		defer sf.Close()
		events = sf
	}

	var redisClient *redis.Client
	var limiter httpretry.Limiter
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			fatal("parsing redis URL", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		limiter = ratelimit.NewRedisLimiter(redisClient, "attribution:scoring", cfg.Scoring.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NewLocalLimiter(cfg.Scoring.RateLimitPerMinute)
	}

	var exporter pipeline.Exporter
	if cfg.Export.Enabled {
		s3Exporter, err := export.NewS3Exporter(ctx, cfg.Export)
		if err != nil {
			fatal("initializing S3 exporter", err)
		}
		exporter = s3Exporter
	}

	lockTTL := cfg.Pipeline.RunTimeout() + 5*time.Minute
	orch := pipeline.New(cfg.Pipeline, pipeline.Options{
		Events:      events,
		Results:     store,
		Scorer:      scoring.NewClient(cfg.Scoring, limiter),
		Parallelism: cfg.Scoring.Parallelism,
		NewLock: func(windowStart, windowEnd time.Time) distlock.DistLock {
			return distlock.NewRunLock(redisClient, store.DB(), windowStart, windowEnd, lockTTL)
		},
		Exporter: exporter,
	})

	handlers := api.NewHandlers(orch, store, store.DB(), redisClient)
	server := api.NewServer(cfg.Server, handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil {
			logger.Error("server stopped", "error", err.Error())
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err.Error())
	}
}

func fatal(msg string, err error) {
	logger.Error(msg, "error", err.Error())
	os.Exit(1)
}
