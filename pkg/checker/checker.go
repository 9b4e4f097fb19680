// Package checker runs pre-submission checks over existing alphas and
// routes the results like simulation outcomes.
package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/pkg/brain"
	"github.com/3leaps/alphaflow/pkg/classify"
	"github.com/3leaps/alphaflow/pkg/disposition"
)

// Remote is the subset of the simulation client the checker needs.
type Remote interface {
	ListAlphas(ctx context.Context, q brain.AlphaQuery) ([]brain.AlphaSummary, error)
	CheckSubmission(ctx context.Context, alphaID string) ([]byte, error)
	InvalidateSession()
}

// Router receives check outcomes.
type Router interface {
	Route(ctx context.Context, res disposition.Resolution) error
}

// Skipper reports alphas that should not be checked again.
type Skipper interface {
	Contains(alphaID string) bool
}

// Config configures a check run.
type Config struct {
	// Attempts bounds checks per alpha when the result is indeterminate.
	// Default: 3
	Attempts int

	// Backoff is the pause after an indeterminate result.
	// Default: 40s
	Backoff time.Duration

	// Classify tunes result classification.
	Classify classify.Options
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Attempts: 3,
		Backoff:  40 * time.Second,
	}
}

// Summary contains check run statistics.
type Summary struct {
	Listed    int
	Skipped   int
	Prefailed int
	Checked   int
	Accepted  int
	Rejected  int
	Transient int
	Duration  time.Duration
}

// Checker lists candidate alphas and checks them one at a time.
type Checker struct {
	remote Remote
	router Router
	skip   Skipper
	config Config
	logger *zap.Logger
}

// New creates a checker. skip may be nil.
func New(remote Remote, router Router, skip Skipper, cfg Config, logger *zap.Logger) *Checker {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{remote: remote, router: router, skip: skip, config: cfg, logger: logger}
}

// Run lists alphas matching q, skips blacklisted ones and ones with a
// failing check, then checks and routes the rest in listing order.
func (c *Checker) Run(ctx context.Context, q brain.AlphaQuery) (*Summary, error) {
	start := time.Now()
	sum := &Summary{}

	alphas, err := c.remote.ListAlphas(ctx, q)
	if err != nil {
		return sum, fmt.Errorf("list alphas: %w", err)
	}
	sum.Listed = len(alphas)

	for i, a := range alphas {
		if c.skip != nil && c.skip.Contains(a.ID) {
			sum.Skipped++
			c.logger.Debug("Skipping blacklisted alpha", zap.String("alpha_id", a.ID))
			continue
		}
		if a.HasFailedChecks() {
			sum.Prefailed++
			c.logger.Debug("Skipping alpha with failed checks", zap.String("alpha_id", a.ID))
			continue
		}

		c.logger.Info("Checking alpha",
			zap.Int("n", i+1),
			zap.Int("of", len(alphas)),
			zap.String("alpha_id", a.ID),
			zap.Float64("sharpe", a.Sharpe),
			zap.Float64("fitness", a.Fitness),
			zap.Float64("turnover", a.Turnover))

		outcome, attempts, err := c.Check(ctx, a.ID)
		if err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}
		sum.Checked++
		switch outcome.Kind {
		case classify.Accepted:
			sum.Accepted++
		case classify.Rejected:
			sum.Rejected++
		default:
			sum.Transient++
		}

		if err := c.router.Route(ctx, disposition.Resolution{Outcome: outcome, Attempts: attempts}); err != nil {
			sum.Duration = time.Since(start)
			return sum, fmt.Errorf("route alpha %s: %w", a.ID, err)
		}
	}

	sum.Duration = time.Since(start)
	return sum, nil
}

// Check runs the submission check for one alpha. Indeterminate results are
// retried with a fresh session up to the attempt budget and then reported as
// TransientError. Only credential failures and cancellation are returned as
// errors.
func (c *Checker) Check(ctx context.Context, alphaID string) (classify.Outcome, int, error) {
	var outcome classify.Outcome
	for attempt := 1; attempt <= c.config.Attempts; attempt++ {
		doc, err := c.remote.CheckSubmission(ctx, alphaID)
		switch {
		case err == nil:
			outcome = classify.Classify(doc, c.config.Classify)
		case brain.IsAuthFailure(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return outcome, attempt, err
		default:
			c.logger.Warn("Submission check failed", zap.String("alpha_id", alphaID), zap.Error(err))
			outcome = classify.Outcome{Kind: classify.Indeterminate, Reason: classify.ReasonMalformed}
		}
		if outcome.AlphaID == "" {
			outcome.AlphaID = alphaID
		}

		if outcome.Kind != classify.Indeterminate {
			return outcome, attempt, nil
		}
		if attempt == c.config.Attempts {
			break
		}

		c.logger.Info("Indeterminate check, retrying with a new session",
			zap.String("alpha_id", alphaID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", c.config.Backoff))
		c.remote.InvalidateSession()
		if err := brain.Sleep(ctx, c.config.Backoff); err != nil {
			return outcome, attempt, err
		}
	}

	outcome.Kind = classify.TransientError
	return outcome, c.config.Attempts, nil
}
