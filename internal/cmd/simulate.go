package cmd

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/internal/config"
	"github.com/3leaps/alphaflow/internal/observability"
	"github.com/3leaps/alphaflow/internal/server"
	"github.com/3leaps/alphaflow/internal/server/handlers"
	"github.com/3leaps/alphaflow/pkg/brain"
	"github.com/3leaps/alphaflow/pkg/jobsource"
	"github.com/3leaps/alphaflow/pkg/ledger"
	"github.com/3leaps/alphaflow/pkg/output"
	"github.com/3leaps/alphaflow/pkg/scheduler"
)

const modeSimulate = "simulate"

var simulateCmd = &cobra.Command{
	Use:   "simulate <input>...",
	Short: "Submit jobs and poll them to completion",
	Long: `Submit simulation jobs and keep up to --concurrency of them in flight until
every input has been processed.

Inputs are JSONL, JSON, YAML, CSV or plain text files (one expression per
line), doublestar globs over local files, or s3://bucket/key objects. Entries
are numbered from zero across all inputs in order; the cursor records the
first index not yet submitted so a restarted run skips finished work.

Results are written as JSONL to stdout (or disposition.results). Rejected
alphas are blacklisted, unresolved jobs are appended to the failure log and
the active set is mirrored to the queue file while the run is in progress.

Examples:
  # Run a job file with the default concurrency
  alphaflow simulate jobs.jsonl

  # Stop after 5 accepted alphas, serving status on :8080
  alphaflow simulate --target 5 --serve 'batches/**/*.csv'

  # Show what would be submitted
  alphaflow simulate --dry-run s3://research/jobs/today.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.Int("concurrency", 0, "Maximum jobs in flight (default from config)")
	f.Int64("target", 0, "Stop after this many accepted alphas (0 = no target)")
	f.Duration("idle-timeout", 0, "Stop when nothing is accepted for this long (0 = never)")
	f.Bool("serve", false, "Serve health and progress over HTTP while running")
	f.Int("port", 0, "Status server port (default from config)")
	f.Bool("dry-run", false, "Load inputs and report the resume position without submitting")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	logger := observability.CLILogger

	schedCfg := schedulerConfig(cmd, cfg)

	loader := jobsource.NewLoader(jobsource.Options{
		Defaults: &cfg.Jobs.Settings,
		S3:       cfg.S3,
	}, logger)
	stream, err := loader.Load(ctx, args...)
	if err != nil {
		return inputError(err)
	}

	cur, err := openCursor(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close() }()

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return printDryRun(ctx, cmd, stream, cur)
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	sinks, err := newRunSinks(cfg, modeSimulate, client, journalOf(cfg, cur), logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sinks.Close(); cerr != nil {
			logger.Warn("Failed to close run sinks", zap.Error(cerr))
		}
	}()

	ctrl := scheduler.New(client, sinks.Router, cur, schedCfg, logger).WithMirror(sinks.Queue)

	stopServer := startStatusServer(ctx, cmd, cfg, ctrl, cur)
	defer stopServer()

	logger.Info("Starting simulation run",
		zap.String("run_id", sinks.RunID),
		zap.Int("jobs", stream.Len()),
		zap.Int("concurrency", schedCfg.Concurrency),
		zap.Int64("target", schedCfg.TargetAccepted),
		zap.String("cursor", cfg.State.Cursor))

	sum, runErr := ctrl.Run(ctx, stream)
	if sum != nil {
		stats := client.Executor().Stats()
		logger.Info("Simulation run finished",
			zap.String("stop_reason", sum.StopReason),
			zap.Int64("admitted", sum.Admitted),
			zap.Int64("accepted", sum.Accepted),
			zap.Int64("rejected", sum.Rejected),
			zap.Int64("transient", sum.Transient),
			zap.Int64("abandoned", sum.Abandoned),
			zap.Int64("resubmitted", sum.Resubmitted),
			zap.Int64("skipped", sum.Skipped),
			zap.Int("max_active", sum.MaxActive),
			zap.Int64("cursor", sum.Cursor),
			zap.Int64("rate_limited", stats.RateLimited),
			zap.Int64("reauths", stats.Reauths),
			zap.Duration("duration", sum.Duration))

		// The run context may already be cancelled; the summary still goes out.
		if err := sinks.Results.WriteSummary(context.WithoutCancel(ctx), summaryRecord(sum)); err != nil {
			logger.Warn("Failed to write run summary", zap.Error(err))
		}
	}

	return runError(runErr)
}

// schedulerConfig merges configuration and flags.
func schedulerConfig(cmd *cobra.Command, cfg *config.Config) scheduler.Config {
	sc := scheduler.Config{
		Concurrency:             cfg.Scheduler.Concurrency,
		IdleSleep:               cfg.Scheduler.IdleSleep,
		MaxIndeterminateRetries: cfg.Scheduler.MaxIndeterminateRetries,
		TargetAccepted:          cfg.Scheduler.TargetAccepted,
		IdleTimeout:             cfg.Scheduler.IdleTimeout,
		Classify:                classifyOptions(cfg),
	}
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		sc.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("target") {
		sc.TargetAccepted, _ = flags.GetInt64("target")
	}
	if flags.Changed("idle-timeout") {
		sc.IdleTimeout, _ = flags.GetDuration("idle-timeout")
	}
	return sc
}

// startStatusServer starts the status server when enabled and returns a
// function that stops it.
func startStatusServer(ctx context.Context, cmd *cobra.Command, cfg *config.Config, ctrl *scheduler.Controller, cur ledger.Cursor) func() {
	serve, _ := cmd.Flags().GetBool("serve")
	if !serve && !cfg.Server.Enabled {
		return func() {}
	}
	port := cfg.Server.Port
	if cmd.Flags().Changed("port") {
		port, _ = cmd.Flags().GetInt("port")
	}

	srv := server.New(cfg.Server.Host, port).
		WithLogger(observability.CLILogger).
		WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
			GoVersion: runtime.Version(),
		}).
		WithStatus(func() any { return ctrl.Status() }).
		WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout)
	srv.Health().RegisterChecker("cursor", handlers.CheckerFunc(func(ctx context.Context) error {
		_, err := cur.Read(ctx)
		return err
	}))

	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(srvCtx); err != nil {
			observability.CLILogger.Error("Status server failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// printDryRun reports how much of the input remains past the cursor.
func printDryRun(ctx context.Context, cmd *cobra.Command, stream *jobsource.Stream, cur ledger.Cursor) error {
	pos, err := cur.Read(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read cursor", err)
	}
	skipped := stream.SkipTo(pos)
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Jobs:      %d\n", stream.Len())
	_, _ = fmt.Fprintf(out, "Cursor:    %d\n", pos)
	_, _ = fmt.Fprintf(out, "Completed: %d\n", skipped)
	_, _ = fmt.Fprintf(out, "Remaining: %d\n", stream.Remaining())
	if next, err := stream.Next(ctx); err == nil {
		_, _ = fmt.Fprintf(out, "Next:      #%d %s\n", next.Index, next.Request.Regular)
	}
	return nil
}

func summaryRecord(sum *scheduler.Summary) *output.SummaryRecord {
	return &output.SummaryRecord{
		Admitted:      sum.Admitted,
		Accepted:      sum.Accepted,
		Rejected:      sum.Rejected,
		Transient:     sum.Transient,
		Abandoned:     sum.Abandoned,
		Resubmitted:   sum.Resubmitted,
		Cursor:        sum.Cursor,
		StopReason:    sum.StopReason,
		Duration:      sum.Duration,
		DurationHuman: sum.Duration.Round(time.Millisecond).String(),
	}
}

// inputError maps job source failures to exit codes.
func inputError(err error) error {
	switch {
	case errors.Is(err, jobsource.ErrInputAccessDenied):
		return exitError(foundry.ExitFileReadError, "Cannot read job input", err)
	case errors.Is(err, jobsource.ErrInputNotFound):
		return exitError(foundry.ExitFileNotFound, "Job input not found", err)
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid job input", err)
	}
}

// runError maps a fatal run error to an exit code.
func runError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Run interrupted", err)
	case brain.IsAuthFailure(err):
		return exitError(foundry.ExitExternalServiceUnavailable, "Authentication failed", err)
	case errors.Is(err, ledger.ErrCursorRegression):
		return exitError(foundry.ExitFileWriteError, "Cursor update failed", err)
	default:
		return exitError(exitFailure, "Run failed", err)
	}
}
