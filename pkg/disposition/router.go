package disposition

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/pkg/brain"
	"github.com/3leaps/alphaflow/pkg/classify"
	"github.com/3leaps/alphaflow/pkg/ledger"
	"github.com/3leaps/alphaflow/pkg/output"
	"github.com/3leaps/alphaflow/pkg/sim"
)

// Tagger updates remote alpha properties.
type Tagger interface {
	SetProperties(ctx context.Context, alphaID string, p brain.Properties) error
}

// Journal records per-job dispositions.
type Journal interface {
	Record(ctx context.Context, e ledger.JournalEntry) error
}

// Default tags.
const (
	DefaultAcceptedTag = "OKOK"
	DefaultTimeoutTag  = "timeout"
)

// Options controls which side effects the router performs.
type Options struct {
	// TagAccepted tags accepted alphas with AcceptedTag.
	TagAccepted bool
	AcceptedTag string

	// TagTimeouts tags alphas with an indeterminate correlation with
	// TimeoutTag for manual triage.
	TagTimeouts bool
	TimeoutTag  string

	// BlacklistAccepted also blacklists accepted alphas so later check
	// runs skip them.
	BlacklistAccepted bool
}

// Sinks are the destinations for routed outcomes. Nil sinks are skipped.
type Sinks struct {
	Results   output.Writer
	Blacklist *Blacklist
	Failures  *FailureLog
	Tagger    Tagger
	Journal   Journal
}

// Resolution is a finished job ready for routing.
type Resolution struct {
	// Spec is the submitted job; nil for alphas checked outside a run.
	Spec *sim.JobSpec

	Location string
	Outcome  classify.Outcome
	Attempts int
}

// Stats counts routed outcomes.
type Stats struct {
	Accepted    int64
	Rejected    int64
	Transient   int64
	Abandoned   int64
	Blacklisted int64
	Tagged      int64
	TagErrors   int64
}

// Router applies the disposition table to outcomes.
//
// Route is safe for concurrent use; sinks serialize their own writes.
type Router struct {
	sinks  Sinks
	opts   Options
	logger *zap.Logger

	accepted    atomic.Int64
	rejected    atomic.Int64
	transient   atomic.Int64
	abandoned   atomic.Int64
	blacklisted atomic.Int64
	tagged      atomic.Int64
	tagErrors   atomic.Int64
}

// NewRouter creates a router.
func NewRouter(sinks Sinks, opts Options, logger *zap.Logger) *Router {
	if opts.AcceptedTag == "" {
		opts.AcceptedTag = DefaultAcceptedTag
	}
	if opts.TimeoutTag == "" {
		opts.TimeoutTag = DefaultTimeoutTag
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{sinks: sinks, opts: opts, logger: logger}
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Accepted:    r.accepted.Load(),
		Rejected:    r.rejected.Load(),
		Transient:   r.transient.Load(),
		Abandoned:   r.abandoned.Load(),
		Blacklisted: r.blacklisted.Load(),
		Tagged:      r.tagged.Load(),
		TagErrors:   r.tagErrors.Load(),
	}
}

// Route performs the side effects for res.
//
// Local sink failures are returned. Remote tagging failures are logged and
// counted but do not fail the route.
func (r *Router) Route(ctx context.Context, res Resolution) error {
	out := res.Outcome
	var tags []string

	switch out.Kind {
	case classify.Accepted:
		r.accepted.Add(1)
		if r.opts.TagAccepted {
			tags = append(tags, r.opts.AcceptedTag)
		}
		if r.opts.BlacklistAccepted {
			if err := r.blacklist(out.AlphaID); err != nil {
				return err
			}
		}

	case classify.Rejected:
		r.rejected.Add(1)
		if out.Reason == classify.ReasonIndeterminateCorrelation {
			if r.opts.TagTimeouts {
				tags = append(tags, r.opts.TimeoutTag)
			}
			break
		}
		if err := r.blacklist(out.AlphaID); err != nil {
			return err
		}

	case classify.TransientError, classify.Indeterminate:
		r.transient.Add(1)
		if res.Spec != nil && r.sinks.Failures != nil {
			if err := r.sinks.Failures.Append(*res.Spec, out.Reason); err != nil {
				return err
			}
		}
		if err := r.writeFailure(ctx, res.Spec, output.FailTransient, out.Reason); err != nil {
			return err
		}
	}

	if len(tags) > 0 {
		tags = r.tag(ctx, out.AlphaID, tags)
	}

	if r.sinks.Results != nil {
		rec := &output.ResultRecord{
			Index:        -1,
			AlphaID:      out.AlphaID,
			Location:     res.Location,
			Kind:         out.Kind.String(),
			Reason:       out.Reason,
			Correlation:  out.Correlation,
			Sharpe:       out.Metrics.Sharpe,
			Fitness:      out.Metrics.Fitness,
			Turnover:     out.Metrics.Turnover,
			FailedChecks: out.FailedChecks,
			Attempts:     res.Attempts,
			Tags:         tags,
		}
		if res.Spec != nil {
			rec.Index = res.Spec.Index
			rec.Expression = res.Spec.Request.Regular
		}
		if err := r.sinks.Results.WriteResult(ctx, rec); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}

	if res.Spec != nil {
		if err := r.journal(ctx, ledger.JournalEntry{
			Index:       res.Spec.Index,
			Expression:  res.Spec.Request.Regular,
			Location:    res.Location,
			AlphaID:     out.AlphaID,
			Kind:        out.Kind.String(),
			Reason:      out.Reason,
			Correlation: out.Correlation,
			Attempts:    res.Attempts,
		}); err != nil {
			return err
		}
	}

	r.logger.Info("Job resolved",
		zap.Int64("index", indexOf(res.Spec)),
		zap.String("alpha", out.AlphaID),
		zap.String("kind", out.Kind.String()),
		zap.String("reason", out.Reason),
		zap.Strings("tags", tags))
	return nil
}

// RouteAbandoned records a spec whose submission budget ran out.
func (r *Router) RouteAbandoned(ctx context.Context, spec sim.JobSpec, cause error) error {
	r.abandoned.Add(1)
	reason := "submission abandoned"
	if cause != nil {
		reason = cause.Error()
	}

	if r.sinks.Failures != nil {
		if err := r.sinks.Failures.Append(spec, reason); err != nil {
			return err
		}
	}
	if err := r.writeFailure(ctx, &spec, output.FailAbandoned, reason); err != nil {
		return err
	}
	if err := r.journal(ctx, ledger.JournalEntry{
		Index:      spec.Index,
		Expression: spec.Request.Regular,
		Kind:       "abandoned",
		Reason:     reason,
	}); err != nil {
		return err
	}

	r.logger.Warn("Job abandoned", zap.Int64("index", spec.Index), zap.String("reason", reason))
	return nil
}

func (r *Router) blacklist(alphaID string) error {
	if alphaID == "" || r.sinks.Blacklist == nil {
		return nil
	}
	if r.sinks.Blacklist.Contains(alphaID) {
		return nil
	}
	if err := r.sinks.Blacklist.Add(alphaID); err != nil {
		return err
	}
	r.blacklisted.Add(1)
	return nil
}

// tag applies tags and returns the ones that were actually set.
func (r *Router) tag(ctx context.Context, alphaID string, tags []string) []string {
	if alphaID == "" || r.sinks.Tagger == nil {
		return nil
	}
	if err := r.sinks.Tagger.SetProperties(ctx, alphaID, brain.Properties{Tags: tags}); err != nil {
		r.tagErrors.Add(1)
		r.logger.Warn("Tagging failed", zap.String("alpha", alphaID), zap.Strings("tags", tags), zap.Error(err))
		return nil
	}
	r.tagged.Add(1)
	return tags
}

func (r *Router) writeFailure(ctx context.Context, spec *sim.JobSpec, code, msg string) error {
	if r.sinks.Results == nil {
		return nil
	}
	rec := &output.FailureRecord{Index: indexOf(spec), Code: code, Message: msg}
	if spec != nil {
		rec.Expression = spec.Request.Regular
	}
	if err := r.sinks.Results.WriteFailure(ctx, rec); err != nil {
		return fmt.Errorf("write failure: %w", err)
	}
	return nil
}

func (r *Router) journal(ctx context.Context, e ledger.JournalEntry) error {
	if r.sinks.Journal == nil {
		return nil
	}
	if err := r.sinks.Journal.Record(ctx, e); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

func indexOf(spec *sim.JobSpec) int64 {
	if spec == nil {
		return -1
	}
	return spec.Index
}
