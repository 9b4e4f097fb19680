package brain

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/pkg/sim"
)

// PollStatus is the result of one completion check.
type PollStatus struct {
	// Done is true once the service stops sending a Retry-After hint.
	Done bool

	// RetryAfter is the server's suggested wait while not done.
	RetryAfter time.Duration

	// Status is the simulation status from the progress resource, if any.
	Status string

	// AlphaID names the produced alpha, if any.
	AlphaID string

	// Payload is the terminal document: the alpha record when AlphaID is set,
	// otherwise the raw progress body.
	Payload []byte

	// Indeterminate is true when the terminal progress body carried none of
	// the fields an authenticated session receives.
	Indeterminate bool
}

type progressDoc struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Alpha   string `json:"alpha"`
	Message string `json:"message"`
}

// Check performs a single non-blocking completion check.
func (c *Client) Check(ctx context.Context, h *sim.JobHandle) (*PollStatus, error) {
	resp, err := c.exec.Do(ctx, &Request{
		Op:     "Poll",
		Method: http.MethodGet,
		Target: h.Location,
	})
	if err != nil {
		return nil, err
	}

	wait, ok := resp.RetryAfter()
	if ok && wait > 0 {
		return &PollStatus{RetryAfter: wait}, nil
	}
	if !ok && resp.Header.Get("Retry-After") != "" {
		// Present but unreadable still means in progress.
		return &PollStatus{RetryAfter: c.exec.policy.RetryDelay}, nil
	}

	st := &PollStatus{Done: true, Payload: resp.Body}

	var doc progressDoc
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		st.Indeterminate = true
		return st, nil
	}
	st.Status = doc.Status
	st.AlphaID = doc.Alpha
	if doc.Status == "" && doc.Alpha == "" && doc.ID == "" {
		st.Indeterminate = true
		return st, nil
	}

	if doc.Alpha != "" {
		alpha, err := c.GetAlpha(ctx, doc.Alpha)
		if err != nil {
			if ctx.Err() != nil || IsAuthFailure(err) || IsSessionContextLost(err) {
				return nil, err
			}
			// The simulation finished; fetch the alpha again on the next check.
			c.logger.Warn("Alpha fetch failed, will retry",
				zap.Int64("index", h.Index()),
				zap.String("alpha", doc.Alpha),
				zap.Error(err))
			return &PollStatus{RetryAfter: c.exec.policy.RetryDelay, Status: doc.Status, AlphaID: doc.Alpha}, nil
		}
		st.Payload = alpha
	}

	c.logger.Debug("Simulation finished",
		zap.Int64("index", h.Index()),
		zap.String("status", doc.Status),
		zap.String("alpha", doc.Alpha))
	return st, nil
}

// Wait polls h until it is terminal, sleeping exactly the server hint
// between checks.
func (c *Client) Wait(ctx context.Context, h *sim.JobHandle) (*PollStatus, error) {
	for {
		st, err := c.Check(ctx, h)
		if err != nil {
			return nil, err
		}
		if st.Done {
			return st, nil
		}
		if err := Sleep(ctx, st.RetryAfter); err != nil {
			return nil, err
		}
	}
}
