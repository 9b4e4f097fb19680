package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/internal/config"
	"github.com/3leaps/alphaflow/internal/observability"
	"github.com/3leaps/alphaflow/pkg/brain"
	"github.com/3leaps/alphaflow/pkg/checker"
	"github.com/3leaps/alphaflow/pkg/output"
	"github.com/3leaps/alphaflow/pkg/scheduler"
)

const modeCheck = "check"

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run submission checks on unsubmitted alphas",
	Long: `List unsubmitted alphas that pass the quality filter and run the
submission check on each, one at a time.

Blacklisted alphas and alphas that already fail a check are skipped. Each
checked alpha is classified and routed like a simulation result: accepted
alphas can be tagged, rejected ones are blacklisted and indeterminate
correlations are tagged for manual triage.

Dates accept YYYY-MM-DD or RFC3339.

Examples:
  # Check alphas created in a window
  alphaflow check --after 2024-01-01 --before 2024-02-01

  # Tighter filter, tagging accepted alphas
  alphaflow check --min-sharpe 1.5 --limit 20 --tag-accepted`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	f := checkCmd.Flags()
	f.String("after", "", "Only alphas created after this date")
	f.String("before", "", "Only alphas created before this date")
	f.Float64("min-sharpe", 0, "Minimum in-sample Sharpe (default from config)")
	f.Float64("min-fitness", 0, "Minimum in-sample fitness (default from config)")
	f.Float64("max-turnover", 0, "Maximum in-sample turnover (default from config)")
	f.String("region", "", "Only alphas simulated in this region")
	f.Int("limit", 0, "Maximum alphas to list (default from config)")
	f.Bool("tag-accepted", false, "Tag accepted alphas")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	logger := observability.CLILogger

	q, err := alphaQuery(cmd, cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid check filter", err)
	}
	if v, _ := cmd.Flags().GetBool("tag-accepted"); v {
		cfg.Disposition.TagAccepted = true
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	sinks, err := newRunSinks(cfg, modeCheck, client, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sinks.Close(); cerr != nil {
			logger.Warn("Failed to close run sinks", zap.Error(cerr))
		}
	}()

	chk := checker.New(client, sinks.Router, sinks.Blacklist, checker.Config{
		Attempts: cfg.Check.Attempts,
		Backoff:  cfg.Check.IndeterminateBackoff,
		Classify: classifyOptions(cfg),
	}, logger)

	logger.Info("Starting check run",
		zap.String("run_id", sinks.RunID),
		zap.Time("created_after", q.CreatedAfter),
		zap.Time("created_before", q.CreatedBefore),
		zap.Float64("min_sharpe", q.MinSharpe),
		zap.Float64("min_fitness", q.MinFitness),
		zap.Float64("max_turnover", q.MaxTurnover),
		zap.Int("limit", q.Limit))

	sum, runErr := chk.Run(ctx, q)
	if sum != nil {
		logger.Info("Check run finished",
			zap.Int("listed", sum.Listed),
			zap.Int("skipped", sum.Skipped),
			zap.Int("prefailed", sum.Prefailed),
			zap.Int("checked", sum.Checked),
			zap.Int("accepted", sum.Accepted),
			zap.Int("rejected", sum.Rejected),
			zap.Int("transient", sum.Transient),
			zap.Duration("duration", sum.Duration))

		stopReason := scheduler.StopExhausted
		switch {
		case errors.Is(runErr, context.Canceled):
			stopReason = scheduler.StopCancelled
		case runErr != nil:
			stopReason = scheduler.StopFatal
		}
		rec := &output.SummaryRecord{
			Admitted:      int64(sum.Checked),
			Accepted:      int64(sum.Accepted),
			Rejected:      int64(sum.Rejected),
			Transient:     int64(sum.Transient),
			Cursor:        -1,
			StopReason:    stopReason,
			Duration:      sum.Duration,
			DurationHuman: sum.Duration.Round(time.Millisecond).String(),
		}
		if err := sinks.Results.WriteSummary(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn("Failed to write check summary", zap.Error(err))
		}
	}

	return runError(runErr)
}

// alphaQuery builds the listing filter from configuration and flags.
func alphaQuery(cmd *cobra.Command, cfg *config.Config) (brain.AlphaQuery, error) {
	c := cfg.Check
	flags := cmd.Flags()

	after := c.CreatedAfter
	if flags.Changed("after") {
		after, _ = flags.GetString("after")
	}
	before := c.CreatedBefore
	if flags.Changed("before") {
		before, _ = flags.GetString("before")
	}

	q := brain.AlphaQuery{
		MinSharpe:    c.MinSharpe,
		MinFitness:   c.MinFitness,
		MaxTurnover:  c.MaxTurnover,
		Region:       c.Region,
		Limit:        c.Limit,
		MinPositions: c.MinPositions,
	}
	var err error
	if q.CreatedAfter, err = parseDate(after); err != nil {
		return q, fmt.Errorf("after: %w", err)
	}
	if q.CreatedBefore, err = parseDate(before); err != nil {
		return q, fmt.Errorf("before: %w", err)
	}
	if !q.CreatedAfter.IsZero() && !q.CreatedBefore.IsZero() && !q.CreatedBefore.After(q.CreatedAfter) {
		return q, fmt.Errorf("before (%s) must be later than after (%s)", before, after)
	}

	if flags.Changed("min-sharpe") {
		q.MinSharpe, _ = flags.GetFloat64("min-sharpe")
	}
	if flags.Changed("min-fitness") {
		q.MinFitness, _ = flags.GetFloat64("min-fitness")
	}
	if flags.Changed("max-turnover") {
		q.MaxTurnover, _ = flags.GetFloat64("max-turnover")
	}
	if flags.Changed("region") {
		q.Region, _ = flags.GetString("region")
	}
	if flags.Changed("limit") {
		q.Limit, _ = flags.GetInt("limit")
	}
	if q.Limit < 0 {
		return q, fmt.Errorf("limit must be >= 0")
	}
	return q, nil
}

// parseDate accepts YYYY-MM-DD or RFC3339. Empty is the zero time.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD or RFC3339)", s)
	}
	return t.UTC(), nil
}
