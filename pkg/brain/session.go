package brain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Session is an authenticated connection to the service.
//
// Sessions are immutable once issued. When the service stops honoring one,
// the SessionManager replaces it with a new Session rather than mutating it.
type Session struct {
	generation uint64
	client     *http.Client
	creds      Credentials
	createdAt  time.Time
}

// Generation is a monotonically increasing identifier of this session.
func (s *Session) Generation() uint64 {
	return s.generation
}

// CreatedAt is when the session authenticated.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// do sends req with the session's cookies and basic credentials.
func (s *Session) do(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(s.creds.Username, s.creds.Password)
	return s.client.Do(req)
}

// BiometricPrompt is invoked when the service requires an out-of-band
// biometric confirmation. It receives the confirmation URL and should block
// until the operator reports completion.
type BiometricPrompt func(ctx context.Context, confirmURL string) error

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	// BaseURL is the API root, e.g. https://api.worldquantbrain.com.
	BaseURL string

	// Credentials are sent as HTTP basic auth.
	Credentials Credentials

	// RetryBackoff is the fixed wait between failed authentication attempts.
	// Default: 15s
	RetryBackoff time.Duration

	// BiometricPoll is the wait between biometric confirmation checks.
	// Default: 5s
	BiometricPoll time.Duration

	// BiometricAttempts bounds the biometric confirmation checks.
	// Default: 60
	BiometricAttempts int

	// HTTPTimeout is the per-request timeout of the underlying client.
	// Default: 60s
	HTTPTimeout time.Duration

	// Transport overrides the HTTP transport (tests, proxies).
	Transport http.RoundTripper
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		BaseURL:           "https://api.worldquantbrain.com",
		RetryBackoff:      15 * time.Second,
		BiometricPoll:     5 * time.Second,
		BiometricAttempts: 60,
		HTTPTimeout:       60 * time.Second,
	}
}

// SessionManager owns the current Session for one worker identity.
//
// Acquire and Invalidate are safe for concurrent use. Authentication is
// serialized so that concurrent callers observing the same stale session
// cause a single re-login.
type SessionManager struct {
	cfg    SessionConfig
	logger *zap.Logger
	prompt BiometricPrompt

	mu         sync.Mutex
	current    *Session
	generation uint64

	logins        atomic.Int64
	invalidations atomic.Int64
}

// NewSessionManager creates a session manager. No network I/O happens until
// the first Acquire.
func NewSessionManager(cfg SessionConfig, logger *zap.Logger) *SessionManager {
	def := DefaultSessionConfig()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.BiometricPoll <= 0 {
		cfg.BiometricPoll = def.BiometricPoll
	}
	if cfg.BiometricAttempts <= 0 {
		cfg.BiometricAttempts = def.BiometricAttempts
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{cfg: cfg, logger: logger}
}

// WithBiometricPrompt sets the hook used for biometric confirmation.
// Returns the manager for method chaining.
func (m *SessionManager) WithBiometricPrompt(p BiometricPrompt) *SessionManager {
	m.prompt = p
	return m
}

// Logins reports how many successful authentications have happened.
func (m *SessionManager) Logins() int64 {
	return m.logins.Load()
}

// Invalidations reports how many sessions were dropped.
func (m *SessionManager) Invalidations() int64 {
	return m.invalidations.Load()
}

// Acquire returns a valid session, authenticating if needed.
//
// Transient failures are retried indefinitely with a fixed backoff. Only
// credential rejection (ErrAuthFailure) or context cancellation end the wait.
func (m *SessionManager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current, nil
	}

	for attempt := 1; ; attempt++ {
		s, err := m.authenticate(ctx)
		if err == nil {
			m.current = s
			m.logins.Add(1)
			m.logger.Info("Authenticated",
				zap.String("user", m.cfg.Credentials.Username),
				zap.Uint64("session", s.generation),
				zap.Int("attempt", attempt))
			return s, nil
		}
		if IsAuthFailure(err) {
			m.logger.Error("Authentication rejected", zap.Error(err))
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		m.logger.Warn("Authentication failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", m.cfg.RetryBackoff),
			zap.Error(err))
		if err := Sleep(ctx, m.cfg.RetryBackoff); err != nil {
			return nil, err
		}
	}
}

// Current returns the current session without authenticating, or nil.
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Invalidate marks s unusable. The next Acquire authenticates again.
//
// Invalidating a session that has already been replaced is a no-op, so
// several callers holding the same stale session trigger one re-login.
func (m *SessionManager) Invalidate(s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != s {
		return
	}
	m.current = nil
	m.invalidations.Add(1)
	m.logger.Debug("Session invalidated", zap.Uint64("session", s.generation))
}

// authenticate performs one login round, including the biometric step.
func (m *SessionManager) authenticate(ctx context.Context) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	client := &http.Client{
		Jar:       jar,
		Timeout:   m.cfg.HTTPTimeout,
		Transport: m.cfg.Transport,
	}

	m.generation++
	s := &Session{
		generation: m.generation,
		client:     client,
		creds:      m.cfg.Credentials,
		createdAt:  time.Now().UTC(),
	}

	authURL := m.cfg.BaseURL + "/authentication"
	resp, err := m.post(ctx, s, authURL)
	if err != nil {
		return nil, &APIError{Op: "Authenticate", Method: http.MethodPost, URL: authURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return s, nil
	case resp.StatusCode == http.StatusUnauthorized:
		if strings.EqualFold(resp.Header.Get("WWW-Authenticate"), "persona") && resp.Header.Get("Location") != "" {
			confirmURL, err := resolveURL(authURL, resp.Header.Get("Location"))
			if err != nil {
				return nil, fmt.Errorf("%w: bad biometric location: %v", ErrMalformedResponse, err)
			}
			if err := m.confirmBiometrics(ctx, s, confirmURL); err != nil {
				return nil, err
			}
			return s, nil
		}
		return nil, &APIError{Op: "Authenticate", Method: http.MethodPost, URL: authURL, Status: resp.StatusCode,
			Err: fmt.Errorf("%w: incorrect username or password", ErrAuthFailure)}
	default:
		return nil, &APIError{Op: "Authenticate", Method: http.MethodPost, URL: authURL, Status: resp.StatusCode, Err: ErrTransient}
	}
}

// confirmBiometrics hands the confirmation URL to the operator and polls it
// until the service answers 201.
func (m *SessionManager) confirmBiometrics(ctx context.Context, s *Session, confirmURL string) error {
	if m.prompt == nil {
		return fmt.Errorf("%w: biometric confirmation required at %s", ErrAuthFailure, confirmURL)
	}
	m.logger.Warn("Biometric confirmation required", zap.String("url", confirmURL))
	if err := m.prompt(ctx, confirmURL); err != nil {
		return fmt.Errorf("%w: biometric prompt: %v", ErrAuthFailure, err)
	}

	for attempt := 1; attempt <= m.cfg.BiometricAttempts; attempt++ {
		resp, err := m.post(ctx, s, confirmURL)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusCreated {
				m.logger.Info("Biometric confirmation completed")
				return nil
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := Sleep(ctx, m.cfg.BiometricPoll); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: biometric confirmation not completed", ErrAuthFailure)
}

func (m *SessionManager) post(ctx context.Context, s *Session, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	return s.do(req)
}
