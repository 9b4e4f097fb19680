// Package brain is the client for the remote simulation API. All requests go
// through an Executor, which owns authentication, rate limiting and retries;
// Client adds the job and alpha operations on top.
package brain

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/pkg/sim"
)

// SubmitPolicy controls submission retries.
type SubmitPolicy struct {
	// Attempts is the number of submission tries before abandoning a spec.
	// Default: 15
	Attempts int

	// RetryDelay is the wait between failed submissions.
	// Default: 15s
	RetryDelay time.Duration
}

// DefaultSubmitPolicy returns the default submission policy.
func DefaultSubmitPolicy() SubmitPolicy {
	return SubmitPolicy{
		Attempts:   15,
		RetryDelay: 15 * time.Second,
	}
}

// Client exposes the simulation API operations on top of an Executor.
type Client struct {
	exec   *Executor
	submit SubmitPolicy
	logger *zap.Logger
}

// NewClient creates an API client.
func NewClient(exec *Executor, submit SubmitPolicy, logger *zap.Logger) *Client {
	def := DefaultSubmitPolicy()
	if submit.Attempts <= 0 {
		submit.Attempts = def.Attempts
	}
	if submit.RetryDelay <= 0 {
		submit.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{exec: exec, submit: submit, logger: logger}
}

// Executor returns the underlying executor.
func (c *Client) Executor() *Executor {
	return c.exec
}

// InvalidateSession drops the current session so the next call
// re-authenticates. Used when a response shows the session lost its context.
func (c *Client) InvalidateSession() {
	sessions := c.exec.Sessions()
	sessions.Invalidate(sessions.Current())
}

// Submit posts a simulation and returns a handle to its status resource.
//
// Each failed attempt invalidates the session before the next try. After the
// attempt budget the error wraps ErrSubmissionAbandoned. ErrAuthFailure and
// context cancellation are returned immediately.
func (c *Client) Submit(ctx context.Context, spec sim.JobSpec) (*sim.JobHandle, error) {
	body, err := spec.Body()
	if err != nil {
		return nil, fmt.Errorf("%w: encode job %d: %v", ErrSubmissionAbandoned, spec.Index, err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.submit.Attempts; attempt++ {
		resp, err := c.exec.Do(ctx, &Request{
			Op:     "Submit",
			Method: http.MethodPost,
			Target: "/simulations",
			Body:   body,
		})
		var sess *Session
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if IsAuthFailure(err) {
				return nil, err
			}
			lastErr = err
			sess = sessionOf(err)
		case resp.Header.Get("Location") == "":
			lastErr = fmt.Errorf("%w: no Location header (status %d)", ErrMalformedResponse, resp.Status)
			sess = resp.Session
		default:
			location, err := c.exec.Resolve(resp.Header.Get("Location"))
			if err != nil {
				lastErr = fmt.Errorf("%w: %v", ErrMalformedResponse, err)
				sess = resp.Session
				break
			}
			c.logger.Debug("Submitted",
				zap.Int64("index", spec.Index),
				zap.String("location", location),
				zap.Int("attempt", attempt))
			return &sim.JobHandle{
				Spec:        spec,
				Location:    location,
				SubmittedAt: time.Now().UTC(),
			}, nil
		}

		c.exec.Sessions().Invalidate(sess)
		c.logger.Warn("Submission failed",
			zap.Int64("index", spec.Index),
			zap.Int("attempt", attempt),
			zap.Int("attempts", c.submit.Attempts),
			zap.Error(lastErr))
		if attempt == c.submit.Attempts {
			break
		}
		if err := Sleep(ctx, c.submit.RetryDelay); err != nil {
			return nil, err
		}
	}

	return nil, &APIError{
		Op:     "Submit",
		Method: http.MethodPost,
		URL:    "/simulations",
		Err:    fmt.Errorf("%w after %d attempts: %v", ErrSubmissionAbandoned, c.submit.Attempts, lastErr),
	}
}
