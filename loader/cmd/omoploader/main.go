package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/omop/cdm/pkg/metrics"
	"github.com/malbeclabs/omop/cdm/pkg/postgres"
	"github.com/malbeclabs/omop/cdm/pkg/stage"
	"github.com/malbeclabs/omop/loader/internal/config"
	"github.com/malbeclabs/omop/utils/pkg/logger"
	"github.com/malbeclabs/omop/utils/pkg/retry"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const metricsJob = "omoploader"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.NewFlags("omoploader")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	runID := uuid.NewString()
	log := logger.New(flags.Debug).With("run_id", runID)

	if err := config.LoadEnvFile(flags.EnvFile); err != nil {
		return err
	}
	cfg := config.FromEnv(os.Getenv)
	flags.Apply(&cfg)

	action, err := flags.Action()
	if err != nil {
		return err
	}
	steps, err := stage.Plan(action, cfg.SkipCheck)
	if err != nil {
		return err
	}
	if err := cfg.Validate(steps); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting", "action", action, "steps", len(steps), "dry_run", cfg.DryRun, "skip_check", cfg.SkipCheck,
		"cdm_schema", cfg.Schemas.CDM, "vocab_schema", cfg.Schemas.Vocabulary, "results_schema", cfg.Schemas.Results)

	runErr := execute(ctx, log, cfg, action, steps)

	status := metrics.StatusSuccess
	if runErr != nil {
		status = metrics.StatusError
	}
	metrics.RunsTotal.WithLabelValues(string(action), status).Inc()

	if cfg.MetricsPushgateway != "" {
		pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := metrics.Push(pushCtx, cfg.MetricsPushgateway, metricsJob); err != nil {
			log.Warn("failed to push metrics", "error", err)
		}
		pushCancel()
	}

	if runErr != nil {
		log.Error("run failed", "action", action, "error", runErr, "error_type", postgres.Classify(runErr).String())
		if cfg.SentryDSN != "" {
			sentry.CaptureException(runErr)
		}
		return runErr
	}
	return nil
}

func execute(ctx context.Context, log *slog.Logger, cfg config.Config, action stage.Action, steps []stage.Step) error {
	span := sentry.StartSpan(ctx, "omop.run", sentry.WithTransactionName("omoploader "+string(action)))
	defer span.Finish()
	ctx = span.Context()

	client, err := postgres.Connect(ctx, log, cfg.ConnStr, retry.DefaultConfig())
	if err != nil {
		span.Status = sentry.SpanStatusUnavailable
		return err
	}
	defer func() {
		if err := client.Close(context.Background()); err != nil {
			log.Warn("failed to close PostgreSQL connection", "error", err)
		}
	}()

	executor, err := stage.New(stage.Config{
		Logger:       log,
		Schemas:      cfg.Schemas,
		Templates:    cfg.Templates,
		DataPath:     cfg.DataPath,
		DataPattern:  cfg.DataPattern,
		VocabArchive: cfg.VocabArchive,
	})
	if err != nil {
		return fmt.Errorf("failed to create stage executor: %w", err)
	}

	runner, err := stage.NewRunner(stage.RunnerConfig{
		Logger:   log,
		Client:   client,
		Executor: executor,
		DryRun:   cfg.DryRun,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	report, err := runner.Run(ctx, steps)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return err
	}
	span.Status = sentry.SpanStatusOK

	for _, s := range report.Steps {
		log.Debug("omoploader: stage summary", "stage", s.Stage, "applied", s.Applied, "skipped", s.Skipped, "rows", s.Rows, "duration", s.Duration)
	}
	log.Info("done", "action", action, "committed", report.Committed, "applied", report.Applied(), "rows", report.Rows())
	return nil
}
