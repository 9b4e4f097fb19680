package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/internal/config"
	"github.com/3leaps/alphaflow/internal/observability"
	"github.com/3leaps/alphaflow/pkg/brain"
	"github.com/3leaps/alphaflow/pkg/classify"
	"github.com/3leaps/alphaflow/pkg/disposition"
	"github.com/3leaps/alphaflow/pkg/ledger"
	"github.com/3leaps/alphaflow/pkg/output"
)

const defaultCredentialsFile = "credentials.json"

// credentialsPath returns the configured credential file, defaulting to the
// state directory.
func credentialsPath(cfg *config.Config) string {
	if cfg.CredentialsFile != "" {
		return cfg.CredentialsFile
	}
	return filepath.Join(cfg.State.Dir, defaultCredentialsFile)
}

// newClient builds the API client stack from configuration.
func newClient(cfg *config.Config, logger *zap.Logger) (*brain.Client, error) {
	creds, err := brain.LoadCredentials(credentialsPath(cfg))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Cannot load credentials", err)
	}

	sessions := brain.NewSessionManager(brain.SessionConfig{
		BaseURL:           cfg.BaseURL,
		Credentials:       creds,
		RetryBackoff:      cfg.Session.RetryBackoff,
		BiometricPoll:     cfg.Session.BiometricPoll,
		BiometricAttempts: cfg.Session.BiometricAttempts,
		HTTPTimeout:       cfg.Session.HTTPTimeout,
	}, logger).WithBiometricPrompt(promptBiometrics(logger))

	exec, err := brain.NewExecutor(sessions, brain.RetryPolicy{
		RateLimitWait:     cfg.Retry.RateLimitWait,
		RetryDelay:        cfg.Retry.RetryDelay,
		MaxStatusRetries:  cfg.Retry.MaxStatusRetries,
		NetworkBackoff:    cfg.Retry.NetworkBackoff,
		MaxNetworkRetries: cfg.Retry.MaxNetworkRetries,
		MaxReauths:        cfg.Retry.MaxReauths,
		RequestsPerSecond: cfg.Retry.RequestsPerSecond,
	}, logger)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid base_url", err)
	}

	return brain.NewClient(exec, brain.SubmitPolicy{
		Attempts:   cfg.Submit.Attempts,
		RetryDelay: cfg.Submit.RetryDelay,
	}, logger), nil
}

// promptBiometrics asks the operator to open the confirmation URL. The
// session manager polls for completion after the prompt returns.
func promptBiometrics(logger *zap.Logger) brain.BiometricPrompt {
	return func(ctx context.Context, confirmURL string) error {
		logger.Warn("Biometric confirmation required, open the URL to continue",
			zap.String("url", confirmURL))
		_, _ = fmt.Fprintf(os.Stderr, "\nConfirm sign-in: %s\n\n", confirmURL)
		return ctx.Err()
	}
}

// openCursor opens the configured cursor backend.
func openCursor(ctx context.Context, cfg *config.Config) (ledger.Cursor, error) {
	backend := ledger.Backend(cfg.State.Backend)
	if cfg.State.Backend == "auto" {
		backend = ledger.BackendAuto
	}
	if err := ensureParentDir(cfg.State.Cursor); err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Cannot create state directory", err)
	}
	cur, err := ledger.Open(ctx, ledger.Config{
		Path:    cfg.State.Cursor,
		Backend: backend,
		Name:    cfg.State.Name,
	})
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Cannot open cursor", err)
	}
	return cur, nil
}

// ensureParentDir creates the directory holding a local state file. DSNs
// and in-memory paths are left alone.
func ensureParentDir(path string) error {
	if path == "" || path == ":memory:" || hasScheme(path) {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// hasScheme reports whether p starts with a URI scheme such as file: or
// libsql:. Windows drive letters are not schemes.
func hasScheme(p string) bool {
	i := strings.Index(p, ":")
	if i <= 1 {
		return false
	}
	return !strings.ContainsAny(p[:i], `/\`)
}

// runSinks holds the disposition destinations for one run.
type runSinks struct {
	RunID     string
	Router    *disposition.Router
	Results   *output.JSONLWriter
	Blacklist *disposition.Blacklist
	Queue     *disposition.QueueMirror

	closers []io.Closer
}

// Close flushes and closes the result writer and any opened files.
func (s *runSinks) Close() error {
	var errs []error
	if s.Results != nil {
		errs = append(errs, s.Results.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// newRunSinks builds the router and its sinks. tagger and journal may be nil.
func newRunSinks(cfg *config.Config, mode string, tagger disposition.Tagger, journal disposition.Journal, logger *zap.Logger) (*runSinks, error) {
	s := &runSinks{RunID: uuid.NewString()}

	var resultsOut io.Writer = os.Stdout
	if p := cfg.Disposition.Results; p != "" && p != "-" {
		if err := ensureParentDir(p); err != nil {
			return nil, exitError(foundry.ExitFileWriteError, "Cannot create results directory", err)
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, exitError(foundry.ExitFileWriteError, "Cannot open results file", err)
		}
		s.closers = append(s.closers, f)
		resultsOut = f
	}
	s.Results = output.NewJSONLWriter(resultsOut, s.RunID, mode)

	for _, p := range []string{cfg.Disposition.Blacklist, cfg.Disposition.Failures, cfg.Disposition.Queue} {
		if err := ensureParentDir(p); err != nil {
			_ = s.Close()
			return nil, exitError(foundry.ExitFileWriteError, "Cannot create state directory", err)
		}
	}

	blacklist, err := disposition.LoadBlacklist(cfg.Disposition.Blacklist)
	if err != nil {
		_ = s.Close()
		return nil, exitError(foundry.ExitFileReadError, "Cannot load blacklist", err)
	}
	s.Blacklist = blacklist
	s.Queue = disposition.NewQueueMirror(cfg.Disposition.Queue)

	sinks := disposition.Sinks{
		Results:   s.Results,
		Blacklist: blacklist,
		Failures:  disposition.NewFailureLog(cfg.Disposition.Failures),
		Tagger:    tagger,
		Journal:   journal,
	}

	s.Router = disposition.NewRouter(sinks, disposition.Options{
		TagAccepted:       cfg.Disposition.TagAccepted,
		AcceptedTag:       cfg.Disposition.AcceptedTag,
		TagTimeouts:       cfg.Disposition.TagTimeouts,
		TimeoutTag:        cfg.Disposition.TimeoutTag,
		BlacklistAccepted: cfg.Disposition.BlacklistAccepted,
	}, logger)

	observability.CLILogger.Debug("Run sinks ready",
		zap.String("run_id", s.RunID),
		zap.String("blacklist", cfg.Disposition.Blacklist),
		zap.Int("blacklisted", blacklist.Len()),
		zap.String("failures", cfg.Disposition.Failures),
		zap.String("queue", cfg.Disposition.Queue))
	return s, nil
}

// journalOf returns the cursor as a Journal when it supports one and the
// journal is enabled.
func journalOf(cfg *config.Config, cur ledger.Cursor) disposition.Journal {
	if !cfg.State.Journal {
		return nil
	}
	db, ok := cur.(*ledger.SQLite)
	if !ok {
		observability.CLILogger.Warn("state.journal needs a SQLite cursor; journal disabled",
			zap.String("cursor", cfg.State.Cursor))
		return nil
	}
	return db
}

// classifyOptions returns classification options from configuration.
func classifyOptions(cfg *config.Config) classify.Options {
	return classify.Options{CorrelationCheck: cfg.Scheduler.CorrelationCheck}
}
