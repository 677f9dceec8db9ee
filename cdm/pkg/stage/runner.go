package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/omop/cdm/pkg/postgres"
)

// StepExecutor runs one step on a connection.
type StepExecutor interface {
	Execute(ctx context.Context, conn postgres.Conn, step Step) (StageReport, error)
}

type RunnerConfig struct {
	Logger   *slog.Logger
	Client   postgres.Client
	Executor StepExecutor
	// DryRun rolls the transaction back after every step succeeded.
	DryRun bool
}

func (cfg *RunnerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	return nil
}

// Report is the outcome of a run.
type Report struct {
	Steps     []StageReport
	Committed bool
}

func (r Report) Applied() int {
	var n int
	for _, s := range r.Steps {
		n += s.Applied
	}
	return n
}

func (r Report) Rows() int64 {
	var n int64
	for _, s := range r.Steps {
		n += s.Rows
	}
	return n
}

// Runner executes a plan inside a single transaction.
type Runner struct {
	log *slog.Logger
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

// Run executes steps in order on one transaction. The transaction is
// committed only if every step succeeds and the run is not a dry run.
func (r *Runner) Run(ctx context.Context, steps []Step) (Report, error) {
	var report Report

	tx, err := r.cfg.Client.Begin(ctx)
	if err != nil {
		return report, err
	}
	done := false
	defer func() {
		if done {
			return
		}
		// ctx may already be cancelled.
		if err := tx.Rollback(context.Background()); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			r.log.Error("failed to roll back transaction", "error", err)
		}
	}()

	for _, step := range steps {
		rep, err := r.cfg.Executor.Execute(ctx, tx, step)
		report.Steps = append(report.Steps, rep)
		if err != nil {
			return report, fmt.Errorf("failed to run stage %s: %w", step.Stage, err)
		}
	}

	if r.cfg.DryRun {
		done = true
		if err := tx.Rollback(ctx); err != nil {
			return report, fmt.Errorf("failed to roll back dry run: %w", err)
		}
		r.log.Info("dry run complete, transaction rolled back", "steps", len(steps), "applied", report.Applied())
		return report, nil
	}

	done = true
	if err := tx.Commit(ctx); err != nil {
		return report, fmt.Errorf("failed to commit transaction: %w", err)
	}
	report.Committed = true
	r.log.Info("transaction committed", "steps", len(steps), "applied", report.Applied(), "rows", report.Rows())
	return report, nil
}
