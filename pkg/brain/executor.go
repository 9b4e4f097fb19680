package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy controls how the Executor reacts to failed requests.
type RetryPolicy struct {
	// RateLimitWait is the wait after a 429 without a Retry-After header.
	// Default: 15s
	RateLimitWait time.Duration

	// RetryDelay is the wait after an unexpected status.
	// Default: 5s
	RetryDelay time.Duration

	// MaxStatusRetries bounds retries on unexpected statuses before
	// ErrTransient is returned.
	// Default: 5
	MaxStatusRetries int

	// NetworkBackoff is the wait after a transport error.
	// Default: 10s
	NetworkBackoff time.Duration

	// MaxNetworkRetries bounds retries on transport errors. 0 = unlimited.
	MaxNetworkRetries int

	// MaxReauths bounds consecutive 401 responses on fresh sessions.
	// Default: 5
	MaxReauths int

	// RequestsPerSecond paces outgoing requests. 0 = unlimited.
	RequestsPerSecond float64
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitWait:    15 * time.Second,
		RetryDelay:       5 * time.Second,
		MaxStatusRetries: 5,
		NetworkBackoff:   10 * time.Second,
		MaxReauths:       5,
	}
}

// Request is a single logical API call.
type Request struct {
	// Op names the operation for logs and errors.
	Op string

	Method string

	// Target is a path relative to the base URL or an absolute URL.
	Target string

	// Body is sent as application/json when non-nil.
	Body []byte
}

// Response is a fully read API response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	URL    string

	// Session is the session the request succeeded on.
	Session *Session
}

// RetryAfter returns the server's Retry-After hint in seconds.
func (r *Response) RetryAfter() (time.Duration, bool) {
	return parseRetryAfter(r.Header)
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedResponse, r.URL, err)
	}
	return nil
}

// ExecutorStats is a snapshot of executor counters.
type ExecutorStats struct {
	Requests       int64
	RateLimited    int64
	Reauths        int64
	StatusRetries  int64
	NetworkRetries int64
}

// Executor is the single chokepoint for remote I/O.
//
// It absorbs rate limiting, session expiry, unexpected statuses and transport
// errors. Callers only see a successful response, a fatal ErrAuthFailure, an
// exhausted retry budget (ErrTransient) or context cancellation.
type Executor struct {
	baseURL  *url.URL
	sessions *SessionManager
	policy   RetryPolicy
	limiter  *rate.Limiter
	logger   *zap.Logger

	requests       atomic.Int64
	rateLimited    atomic.Int64
	reauths        atomic.Int64
	statusRetries  atomic.Int64
	networkRetries atomic.Int64
}

// NewExecutor creates an executor sending requests through sessions.
func NewExecutor(sessions *SessionManager, policy RetryPolicy, logger *zap.Logger) (*Executor, error) {
	base, err := url.Parse(sessions.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", sessions.cfg.BaseURL)
	}

	def := DefaultRetryPolicy()
	if policy.RateLimitWait <= 0 {
		policy.RateLimitWait = def.RateLimitWait
	}
	if policy.RetryDelay <= 0 {
		policy.RetryDelay = def.RetryDelay
	}
	if policy.MaxStatusRetries <= 0 {
		policy.MaxStatusRetries = def.MaxStatusRetries
	}
	if policy.NetworkBackoff <= 0 {
		policy.NetworkBackoff = def.NetworkBackoff
	}
	if policy.MaxReauths <= 0 {
		policy.MaxReauths = def.MaxReauths
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if policy.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), 1)
	}

	return &Executor{
		baseURL:  base,
		sessions: sessions,
		policy:   policy,
		limiter:  limiter,
		logger:   logger,
	}, nil
}

// Sessions returns the session manager the executor draws from.
func (e *Executor) Sessions() *SessionManager {
	return e.sessions
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Requests:       e.requests.Load(),
		RateLimited:    e.rateLimited.Load(),
		Reauths:        e.reauths.Load(),
		StatusRetries:  e.statusRetries.Load(),
		NetworkRetries: e.networkRetries.Load(),
	}
}

// Resolve turns a path or absolute URL into an absolute URL on the API host.
func (e *Executor) Resolve(target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", target, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base := *e.baseURL
	base.Path = strings.TrimRight(base.Path, "/") + "/"
	ref.Path = strings.TrimLeft(ref.Path, "/")
	return base.ResolveReference(ref).String(), nil
}

// Do sends req until it succeeds or a retry budget runs out.
func (e *Executor) Do(ctx context.Context, req *Request) (*Response, error) {
	target, err := e.Resolve(req.Target)
	if err != nil {
		return nil, &APIError{Op: req.Op, Method: req.Method, URL: req.Target, Err: err}
	}

	var (
		statusFailures  int
		networkFailures int
		reauths         int
		lastStatus      int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sess, err := e.sessions.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := e.send(ctx, sess, req.Method, target, req.Body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			networkFailures++
			e.networkRetries.Add(1)
			e.sessions.Invalidate(sess)
			if e.policy.MaxNetworkRetries > 0 && networkFailures > e.policy.MaxNetworkRetries {
				return nil, &APIError{Op: req.Op, Method: req.Method, URL: target, session: sess,
					Err: fmt.Errorf("%w: %v", ErrTransient, err)}
			}
			e.logger.Warn("Request failed, re-authenticating",
				zap.String("op", req.Op),
				zap.String("url", target),
				zap.Int("attempt", networkFailures),
				zap.Duration("backoff", e.policy.NetworkBackoff),
				zap.Error(err))
			if err := Sleep(ctx, e.policy.NetworkBackoff); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.Status >= 200 && resp.Status < 300:
			return resp, nil

		case resp.Status == http.StatusTooManyRequests:
			e.rateLimited.Add(1)
			wait, ok := resp.RetryAfter()
			if !ok || wait <= 0 {
				wait = e.policy.RateLimitWait
			}
			e.logger.Debug("Rate limited",
				zap.String("op", req.Op),
				zap.Duration("wait", wait))
			if err := Sleep(ctx, wait); err != nil {
				return nil, err
			}

		case resp.Status == http.StatusUnauthorized:
			reauths++
			e.reauths.Add(1)
			e.sessions.Invalidate(sess)
			if reauths > e.policy.MaxReauths {
				return nil, &APIError{Op: req.Op, Method: req.Method, URL: target, Status: resp.Status, session: sess,
					Err: fmt.Errorf("%w: still unauthorized after %d re-authentications", ErrSessionContextLost, e.policy.MaxReauths)}
			}
			e.logger.Info("Session expired, re-authenticating",
				zap.String("op", req.Op),
				zap.Uint64("session", sess.Generation()))

		default:
			statusFailures++
			lastStatus = resp.Status
			e.statusRetries.Add(1)
			if statusFailures > e.policy.MaxStatusRetries {
				return nil, &APIError{Op: req.Op, Method: req.Method, URL: target, Status: lastStatus, session: sess,
					Err: fmt.Errorf("%w: %s", ErrTransient, snippet(resp.Body))}
			}
			e.logger.Warn("Unexpected status, retrying",
				zap.String("op", req.Op),
				zap.String("url", target),
				zap.Int("status", resp.Status),
				zap.Int("attempt", statusFailures),
				zap.String("body", snippet(resp.Body)))
			if err := Sleep(ctx, e.policy.RetryDelay); err != nil {
				return nil, err
			}
		}
	}
}

func (e *Executor) send(ctx context.Context, sess *Session, method, target string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	e.requests.Add(1)
	httpResp, err := sess.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		Status:  httpResp.StatusCode,
		Header:  httpResp.Header,
		Body:    data,
		URL:     target,
		Session: sess,
	}, nil
}

// resolveURL resolves ref against base.
func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
