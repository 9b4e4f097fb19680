// Package scheduler drives job specs through submission, polling and
// classification with a bounded number of jobs in flight.
//
// The Controller is a level-triggered loop. Each pass reaps finished jobs,
// admits new ones while capacity and input remain, and sleeps when nothing
// could be admitted. Admission follows source order. Completion order is
// whatever the remote service produces, but outcomes from one reap are
// routed in admission order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/pkg/brain"
	"github.com/3leaps/alphaflow/pkg/classify"
	"github.com/3leaps/alphaflow/pkg/disposition"
	"github.com/3leaps/alphaflow/pkg/ledger"
	"github.com/3leaps/alphaflow/pkg/sim"
)

// Remote is the subset of the simulation client the controller needs.
type Remote interface {
	Submit(ctx context.Context, spec sim.JobSpec) (*sim.JobHandle, error)
	Check(ctx context.Context, h *sim.JobHandle) (*brain.PollStatus, error)
	InvalidateSession()
}

// Router receives finished jobs.
type Router interface {
	Route(ctx context.Context, res disposition.Resolution) error
	RouteAbandoned(ctx context.Context, spec sim.JobSpec, cause error) error
}

// Mirror publishes the active set for external visibility.
type Mirror interface {
	Write(handles []*sim.JobHandle) error
}

// Source yields job specs in order and io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (sim.JobSpec, error)
}

// Stop reasons reported in Summary.
const (
	StopExhausted     = "exhausted"
	StopTargetReached = "target-reached"
	StopIdleTimeout   = "idle-timeout"
	StopCancelled     = "cancelled"
	StopFatal         = "fatal"
)

const reasonPollFailed = "poll-failed"

// Config configures the controller.
type Config struct {
	// Concurrency is the maximum number of jobs in flight.
	// Default: 3
	Concurrency int

	// IdleSleep is the pause between passes when nothing was admitted.
	// Default: 3s
	IdleSleep time.Duration

	// MaxIndeterminateRetries bounds resubmission of a spec whose result
	// could not be judged.
	// Default: 3
	MaxIndeterminateRetries int

	// TargetAccepted stops the run after this many accepted outcomes.
	// 0 disables the target.
	TargetAccepted int64

	// IdleTimeout stops the run when no outcome has been accepted for this
	// long. 0 disables the timeout.
	IdleTimeout time.Duration

	// Classify tunes result classification.
	Classify classify.Options
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Concurrency:             3,
		IdleSleep:               3 * time.Second,
		MaxIndeterminateRetries: 3,
	}
}

// Summary contains run statistics.
type Summary struct {
	Admitted    int64
	Accepted    int64
	Rejected    int64
	Transient   int64
	Abandoned   int64
	Resubmitted int64
	Skipped     int64
	MaxActive   int
	Cursor      int64
	StopReason  string
	Duration    time.Duration
}

// ActiveJob describes one in-flight job.
type ActiveJob struct {
	Index       int64     `json:"index"`
	Expression  string    `json:"expression"`
	Location    string    `json:"location"`
	SubmittedAt time.Time `json:"submitted_at"`
	Resubmits   int       `json:"resubmits"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	Running   bool        `json:"running"`
	Cursor    int64       `json:"cursor"`
	Admitted  int64       `json:"admitted"`
	Accepted  int64       `json:"accepted"`
	Rejected  int64       `json:"rejected"`
	Transient int64       `json:"transient"`
	Abandoned int64       `json:"abandoned"`
	Active    []ActiveJob `json:"active"`
}

type slot struct {
	handle    *sim.JobHandle
	nextCheck time.Time
}

// Controller owns the active set.
//
// TryAdmit, Reap and Run must be called from a single goroutine. Status
// may be called concurrently.
type Controller struct {
	config Config
	remote Remote
	router Router
	cursor ledger.Cursor
	mirror Mirror
	logger *zap.Logger

	mu        sync.Mutex
	active    []*slot
	cursorPos int64
	running   bool

	admitted    atomic.Int64
	accepted    atomic.Int64
	rejected    atomic.Int64
	transient   atomic.Int64
	abandoned   atomic.Int64
	resubmitted atomic.Int64
	skipped     atomic.Int64
	maxActive   atomic.Int64

	now func() time.Time
}

// New creates a controller. The cursor is read on Run; callers driving
// TryAdmit directly should call LoadCursor first.
func New(remote Remote, router Router, cursor ledger.Cursor, cfg Config, logger *zap.Logger) *Controller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 3 * time.Second
	}
	if cfg.MaxIndeterminateRetries < 0 {
		cfg.MaxIndeterminateRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		config: cfg,
		remote: remote,
		router: router,
		cursor: cursor,
		logger: logger,
		now:    time.Now,
	}
}

// WithMirror sets the active-set mirror.
func (c *Controller) WithMirror(m Mirror) *Controller {
	c.mirror = m
	return c
}

// LoadCursor reads the committed cursor.
func (c *Controller) LoadCursor(ctx context.Context) (int64, error) {
	pos, err := c.cursor.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	c.mu.Lock()
	c.cursorPos = pos
	c.mu.Unlock()
	return pos, nil
}

// Active returns the number of jobs in flight.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Status returns a snapshot for reporting.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	jobs := make([]ActiveJob, 0, len(c.active))
	for _, s := range c.active {
		jobs = append(jobs, ActiveJob{
			Index:       s.handle.Index(),
			Expression:  s.handle.Spec.Request.Regular,
			Location:    s.handle.Location,
			SubmittedAt: s.handle.SubmittedAt,
			Resubmits:   s.handle.Resubmits,
		})
	}
	return Status{
		Running:   c.running,
		Cursor:    c.cursorPos,
		Admitted:  c.admitted.Load(),
		Accepted:  c.accepted.Load(),
		Rejected:  c.rejected.Load(),
		Transient: c.transient.Load(),
		Abandoned: c.abandoned.Load(),
		Active:    jobs,
	}
}

// TryAdmit offers spec to the controller.
//
// It returns false without side effects when the active set is full.
// Otherwise the spec is consumed and true is returned: specs below the
// committed cursor are skipped, specs that cannot be submitted are routed
// as abandoned, and the rest join the active set. The cursor advances past
// the spec once it is submitted or abandoned.
//
// Credential failures and context cancellation are returned as errors.
func (c *Controller) TryAdmit(ctx context.Context, spec sim.JobSpec) (bool, error) {
	c.mu.Lock()
	full := len(c.active) >= c.config.Concurrency
	pos := c.cursorPos
	c.mu.Unlock()
	if full {
		return false, nil
	}

	if spec.Index < pos {
		c.skipped.Add(1)
		c.logger.Debug("Skipping resolved job", zap.Int64("index", spec.Index), zap.Int64("cursor", pos))
		return true, nil
	}

	h, err := c.remote.Submit(ctx, spec)
	if err != nil {
		if isFatal(ctx, err) {
			return false, err
		}
		c.abandoned.Add(1)
		if rerr := c.router.RouteAbandoned(ctx, spec, err); rerr != nil {
			return false, fmt.Errorf("route abandoned job %d: %w", spec.Index, rerr)
		}
		return true, c.commit(ctx, spec.Index+1)
	}

	c.mu.Lock()
	c.active = append(c.active, &slot{handle: h})
	n := int64(len(c.active))
	c.mu.Unlock()

	c.admitted.Add(1)
	for {
		cur := c.maxActive.Load()
		if n <= cur || c.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	c.logger.Info("Job admitted",
		zap.Int64("index", spec.Index),
		zap.String("location", h.Location),
		zap.Int64("active", n))

	c.publish()
	return true, c.commit(ctx, spec.Index+1)
}

type checkResult struct {
	status *brain.PollStatus
	err    error
}

// Reap performs one completion check per due job, removes finished jobs
// and routes them. Checks run in parallel; routing follows admission order.
// It returns the resolutions that were routed.
func (c *Controller) Reap(ctx context.Context) ([]disposition.Resolution, error) {
	c.mu.Lock()
	slots := make([]*slot, len(c.active))
	copy(slots, c.active)
	c.mu.Unlock()

	if len(slots) == 0 {
		return nil, nil
	}

	now := c.now()
	results := make([]*checkResult, len(slots))
	sem := make(chan struct{}, c.config.Concurrency)
	var wg sync.WaitGroup

	for i, s := range slots {
		if s.nextCheck.After(now) {
			continue
		}
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(i int, h *sim.JobHandle) {
			defer wg.Done()
			defer func() { <-sem }()
			st, err := c.remote.Check(ctx, h)
			results[i] = &checkResult{status: st, err: err}
		}(i, s.handle)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		routed []disposition.Resolution
		keep   = make([]*slot, 0, len(slots))
	)

	for i, s := range slots {
		r := results[i]
		if r == nil {
			keep = append(keep, s)
			continue
		}

		if r.err != nil {
			if isFatal(ctx, r.err) {
				c.replaceActive(append(keep, slots[i:]...))
				return routed, r.err
			}
			if brain.IsSessionContextLost(r.err) {
				next, res, err := c.resubmit(ctx, s.handle, classify.Outcome{
					Kind:   classify.Indeterminate,
					Reason: classify.ReasonSessionLost,
				})
				if err != nil {
					c.replaceActive(append(keep, slots[i+1:]...))
					return routed, err
				}
				if next != nil {
					keep = append(keep, next)
				}
				if res != nil {
					routed = append(routed, *res)
				}
				continue
			}
			c.logger.Warn("Completion check failed",
				zap.Int64("index", s.handle.Index()),
				zap.Error(r.err))
			res := c.resolution(s.handle, classify.Outcome{
				Kind:   classify.TransientError,
				Reason: reasonPollFailed,
			})
			if err := c.route(ctx, res); err != nil {
				c.replaceActive(append(keep, slots[i+1:]...))
				return routed, err
			}
			routed = append(routed, res)
			continue
		}

		st := r.status
		if !st.Done {
			s.nextCheck = now.Add(st.RetryAfter)
			keep = append(keep, s)
			continue
		}

		outcome := classify.Outcome{Kind: classify.Indeterminate, Reason: classify.ReasonSessionLost}
		if !st.Indeterminate {
			outcome = classify.Classify(st.Payload, c.config.Classify)
			if outcome.AlphaID == "" {
				outcome.AlphaID = st.AlphaID
			}
		}

		if outcome.Kind == classify.Indeterminate {
			next, res, err := c.resubmit(ctx, s.handle, outcome)
			if err != nil {
				c.replaceActive(append(keep, slots[i+1:]...))
				return routed, err
			}
			if next != nil {
				keep = append(keep, next)
			}
			if res != nil {
				routed = append(routed, *res)
			}
			continue
		}

		res := c.resolution(s.handle, outcome)
		if err := c.route(ctx, res); err != nil {
			c.replaceActive(append(keep, slots[i+1:]...))
			return routed, err
		}
		routed = append(routed, res)
	}

	if len(keep) != len(slots) || c.membershipChanged(slots, keep) {
		c.replaceActive(keep)
		c.publish()
	}
	return routed, nil
}

// resubmit handles a job whose result could not be judged. It returns the
// replacement slot, or a routed resolution once the retry budget is spent.
func (c *Controller) resubmit(ctx context.Context, h *sim.JobHandle, outcome classify.Outcome) (*slot, *disposition.Resolution, error) {
	if h.Resubmits >= c.config.MaxIndeterminateRetries {
		outcome.Kind = classify.TransientError
		res := c.resolution(h, outcome)
		if err := c.route(ctx, res); err != nil {
			return nil, nil, err
		}
		return nil, &res, nil
	}

	c.logger.Info("Resubmitting indeterminate job",
		zap.Int64("index", h.Index()),
		zap.Int("resubmits", h.Resubmits+1),
		zap.String("reason", outcome.Reason))

	c.remote.InvalidateSession()
	next, err := c.remote.Submit(ctx, h.Spec)
	if err != nil {
		if isFatal(ctx, err) {
			return nil, nil, err
		}
		c.abandoned.Add(1)
		if rerr := c.router.RouteAbandoned(ctx, h.Spec, err); rerr != nil {
			return nil, nil, fmt.Errorf("route abandoned job %d: %w", h.Index(), rerr)
		}
		return nil, nil, nil
	}

	next.Resubmits = h.Resubmits + 1
	c.resubmitted.Add(1)
	return &slot{handle: next}, nil, nil
}

func (c *Controller) resolution(h *sim.JobHandle, outcome classify.Outcome) disposition.Resolution {
	spec := h.Spec
	return disposition.Resolution{
		Spec:     &spec,
		Location: h.Location,
		Outcome:  outcome,
		Attempts: h.Resubmits + 1,
	}
}

func (c *Controller) route(ctx context.Context, res disposition.Resolution) error {
	switch res.Outcome.Kind {
	case classify.Accepted:
		c.accepted.Add(1)
	case classify.Rejected:
		c.rejected.Add(1)
	default:
		c.transient.Add(1)
	}
	if err := c.router.Route(ctx, res); err != nil {
		return fmt.Errorf("route job %d: %w", res.Spec.Index, err)
	}
	return nil
}

func (c *Controller) membershipChanged(before, after []*slot) bool {
	for i := range before {
		if before[i] != after[i] {
			return true
		}
	}
	return false
}

func (c *Controller) replaceActive(slots []*slot) {
	c.mu.Lock()
	c.active = slots
	c.mu.Unlock()
}

// publish writes the active set to the mirror. Mirror failures are logged.
func (c *Controller) publish() {
	if c.mirror == nil {
		return
	}
	c.mu.Lock()
	handles := make([]*sim.JobHandle, 0, len(c.active))
	for _, s := range c.active {
		handles = append(handles, s.handle)
	}
	c.mu.Unlock()

	if err := c.mirror.Write(handles); err != nil {
		c.logger.Warn("Failed to write queue mirror", zap.Error(err))
	}
}

func (c *Controller) commit(ctx context.Context, k int64) error {
	c.mu.Lock()
	if k <= c.cursorPos {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.cursor.Commit(ctx, k); err != nil {
		return fmt.Errorf("commit cursor %d: %w", k, err)
	}

	c.mu.Lock()
	c.cursorPos = k
	c.mu.Unlock()
	return nil
}

// Run drives src to completion or until a stop condition.
//
// Run returns a summary together with any fatal error. Cancellation
// returns a partial summary and the context error. Jobs still in flight
// when a target or idle timeout stops the run are left running remotely.
func (c *Controller) Run(ctx context.Context, src Source) (*Summary, error) {
	start := c.now()

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if _, err := c.LoadCursor(ctx); err != nil {
		return c.buildSummary(StopFatal, c.now().Sub(start)), err
	}

	var (
		pending      *sim.JobSpec
		exhausted    bool
		lastAccepted = c.accepted.Load()
		lastProgress = start
	)

	for {
		if ctx.Err() != nil {
			return c.buildSummary(StopCancelled, c.now().Sub(start)), ctx.Err()
		}

		if _, err := c.Reap(ctx); err != nil {
			return c.stopOnError(err, start)
		}

		if n := c.accepted.Load(); n != lastAccepted {
			lastAccepted = n
			lastProgress = c.now()
		}
		if c.config.TargetAccepted > 0 && lastAccepted >= c.config.TargetAccepted {
			c.logger.Info("Accepted target reached", zap.Int64("accepted", lastAccepted))
			return c.buildSummary(StopTargetReached, c.now().Sub(start)), nil
		}

		admittedAny := false
		for !exhausted {
			if pending == nil {
				spec, err := src.Next(ctx)
				if errors.Is(err, io.EOF) {
					exhausted = true
					break
				}
				if err != nil {
					return c.stopOnError(fmt.Errorf("read job source: %w", err), start)
				}
				pending = &spec
			}

			ok, err := c.TryAdmit(ctx, *pending)
			if err != nil {
				return c.stopOnError(err, start)
			}
			if !ok {
				break
			}
			pending = nil
			admittedAny = true
		}

		if exhausted && c.Active() == 0 {
			return c.buildSummary(StopExhausted, c.now().Sub(start)), nil
		}

		if c.config.IdleTimeout > 0 && c.now().Sub(lastProgress) >= c.config.IdleTimeout {
			c.logger.Warn("Idle timeout reached",
				zap.Duration("idle_timeout", c.config.IdleTimeout),
				zap.Int("active", c.Active()))
			return c.buildSummary(StopIdleTimeout, c.now().Sub(start)), nil
		}

		if !admittedAny {
			if err := brain.Sleep(ctx, c.config.IdleSleep); err != nil {
				return c.buildSummary(StopCancelled, c.now().Sub(start)), err
			}
		}
	}
}

func (c *Controller) stopOnError(err error, start time.Time) (*Summary, error) {
	reason := StopFatal
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = StopCancelled
	}
	return c.buildSummary(reason, c.now().Sub(start)), err
}

// buildSummary creates a Summary from the atomic counters.
func (c *Controller) buildSummary(reason string, d time.Duration) *Summary {
	c.mu.Lock()
	pos := c.cursorPos
	c.mu.Unlock()
	return &Summary{
		Admitted:    c.admitted.Load(),
		Accepted:    c.accepted.Load(),
		Rejected:    c.rejected.Load(),
		Transient:   c.transient.Load(),
		Abandoned:   c.abandoned.Load(),
		Resubmitted: c.resubmitted.Load(),
		Skipped:     c.skipped.Load(),
		MaxActive:   int(c.maxActive.Load()),
		Cursor:      pos,
		StopReason:  reason,
		Duration:    d,
	}
}

// isFatal reports whether err should end the run.
func isFatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return brain.IsAuthFailure(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
