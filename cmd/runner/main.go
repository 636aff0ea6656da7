// Runner drives attribution runs from the command line. The default step
// executes a full run; "build" stops after chunking for a dry-run look at
// the window, and "report" re-reads a stored report as CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/attribution-pipeline/internal/aggregate"
	"github.com/ignite/attribution-pipeline/internal/chunker"
	"github.com/ignite/attribution-pipeline/internal/config"
	"github.com/ignite/attribution-pipeline/internal/domain"
	"github.com/ignite/attribution-pipeline/internal/export"
	"github.com/ignite/attribution-pipeline/internal/journey"
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
	var (
		configPath  = flag.String("config", "config.yaml", "path to the configuration file")
		step        = flag.String("step", "all", "pipeline step: build, score, all, or report")
		windowStart = flag.String("window-start", "", "run window start (RFC3339 or YYYY-MM-DD)")
		windowEnd   = flag.String("window-end", "", "run window end (RFC3339 or YYYY-MM-DD)")
		runID       = flag.String("run-id", "", "run ID (generated when empty; required for -step report)")
		bestEffort  = flag.Bool("best-effort", false, "proceed past failed chunks and flag the report")
		out         = flag.String("out", "", "CSV output path for -step report (stdout when empty)")
	)
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

	if *step == "report" {
		if *runID == "" {
			fatal("reading report", fmt.Errorf("-run-id is required for -step report"))
		}
		if err := writeReport(ctx, store, *runID, *out); err != nil {
			fatal("reading report", err)
		}
		return
	}

	start, end, err := parseWindow(*windowStart, *windowEnd)
	if err != nil {
		fatal("parsing window", err)
	}

	var events repository.EventReader = store
	if cfg.Storage.EventsBackend == "snowflake" {
		sf, err := snowflake.Open(ctx, cfg.Storage.Snowflake)
		if err != nil {
			fatal("connecting to snowflake", err)
		}
		defer sf.Close()
		events = sf
	}

	switch *step {
	case "build":
		if err := dryRun(ctx, cfg, events, start, end); err != nil {
			fatal("dry run", err)
		}
		return
	case "score", "all":
		// Journeys rebuild deterministically from events, so scoring always
		// starts from a fresh build; "score" and "all" run the same path.
	default:
		fatal("parsing flags", fmt.Errorf("unknown -step %q", *step))
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

	summary, report, err := orch.Run(ctx, pipeline.RunRequest{
		RunID:       *runID,
		WindowStart: start,
		WindowEnd:   end,
		BestEffort:  bestEffort,
	})
	if err != nil {
		fatal("run", err)
	}

	logger.Info("run complete",
		"run_id", summary.RunID,
		"status", string(summary.Status),
		"journeys", summary.JourneyCount,
		"channels", len(report.Rows),
		"warnings", summary.WarningCount())

	if *out != "" {
		if err := writeCSVFile(report, *out); err != nil {
			fatal("writing report csv", err)
		}
		logger.Info("report written", "path", *out)
	}
}

// dryRun loads and builds the window's journeys without touching the scoring
// service, then prints what a full run would submit.
func dryRun(ctx context.Context, cfg *config.Config, events repository.EventReader, start, end time.Time) error {
	raw, err := events.ReadEvents(ctx, start, end, cfg.Pipeline.Lookback())
	if err != nil {
		return err
	}

	builder := journey.NewBuilder(journey.Options{
		SessionTimeout:    cfg.Pipeline.SessionTimeout(),
		ChannelWhitelist:  cfg.Pipeline.ChannelWhitelist,
		DedupeDuplicates:  cfg.Pipeline.DedupeDuplicates,
		KeepNonConverting: cfg.Pipeline.KeepNonConverting,
	})
	built := builder.Build(raw, start, end)
	chunks := chunker.New(cfg.Pipeline.MaxChunkJourneys, cfg.Pipeline.MaxChunkBytes).Chunk("dry-run", built.Journeys)

	oversized := 0
	for _, c := range chunks {
		if c.Oversized {
			oversized++
		}
	}

	logger.Info("dry run",
		"events", len(raw),
		"duplicates", len(built.Duplicates),
		"invalid", len(built.Invalid),
		"journeys", len(built.Journeys),
		"chunks", len(chunks),
		"oversized_chunks", oversized)
	return nil
}

func writeReport(ctx context.Context, store *postgres.Store, runID, out string) error {
	report, err := store.ReadReport(ctx, runID)
	if err != nil {
		return err
	}
	if out == "" {
		return aggregate.WriteCSV(os.Stdout, report)
	}
	return writeCSVFile(report, out)
}

func writeCSVFile(report domain.ChannelReport, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return aggregate.WriteCSV(f, report)
}

// parseWindow resolves the run window, defaulting to the last 7 days ending
// at today's midnight UTC.
func parseWindow(startStr, endStr string) (time.Time, time.Time, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -7)

	var err error
	if endStr != "" {
		if end, err = parseTime(endStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -window-end: %w", err)
		}
		start = end.AddDate(0, 0, -7)
	}
	if startStr != "" {
		if start, err = parseTime(startStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -window-start: %w", err)
		}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("window end %s is not after start %s", end, start)
	}
	return start, end, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func fatal(msg string, err error) {
	logger.Error(msg, "error", err.Error())
	os.Exit(1)
}
