package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		stateDir := t.TempDir()
		cfg, err := Load(ctx, "", map[string]any{"state": map[string]any{"dir": stateDir}})
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "https://api.worldquantbrain.com", cfg.BaseURL)

		assert.Equal(t, 15*time.Second, cfg.Session.RetryBackoff)
		assert.Equal(t, 60*time.Second, cfg.Session.HTTPTimeout)

		assert.Equal(t, 15*time.Second, cfg.Retry.RateLimitWait)
		assert.Equal(t, 5*time.Second, cfg.Retry.RetryDelay)
		assert.Equal(t, 5, cfg.Retry.MaxStatusRetries)
		assert.Equal(t, 10*time.Second, cfg.Retry.NetworkBackoff)

		assert.Equal(t, 15, cfg.Submit.Attempts)
		assert.Equal(t, 15*time.Second, cfg.Submit.RetryDelay)

		assert.Equal(t, 3, cfg.Scheduler.Concurrency)
		assert.Equal(t, 3*time.Second, cfg.Scheduler.IdleSleep)
		assert.Equal(t, 3, cfg.Scheduler.MaxIndeterminateRetries)
		assert.Equal(t, time.Duration(0), cfg.Scheduler.IdleTimeout)
		assert.Equal(t, "SELF_CORRELATION", cfg.Scheduler.CorrelationCheck)

		assert.Equal(t, filepath.Join(stateDir, "cursor"), cfg.State.Cursor)
		assert.Equal(t, filepath.Join(stateDir, "blacklist.txt"), cfg.Disposition.Blacklist)
		assert.Equal(t, "", cfg.Disposition.Results)
		assert.Equal(t, "OKOK", cfg.Disposition.AcceptedTag)

		assert.Equal(t, 40*time.Second, cfg.Check.IndeterminateBackoff)
		assert.Equal(t, 100, cfg.Check.Limit)

		assert.Equal(t, "USA", cfg.Jobs.Settings.Region)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.False(t, cfg.Server.Enabled)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"scheduler": map[string]any{
				"concurrency": 8,
				"idle_sleep":  "500ms",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, "", overrides)
		require.NoError(t, err)

		assert.Equal(t, 8, cfg.Scheduler.Concurrency)
		assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.IdleSleep)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 15, cfg.Submit.Attempts)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("ALPHAFLOW_SCHEDULER_CONCURRENCY", "5")
		t.Setenv("ALPHAFLOW_LOGGING_LEVEL", "warn")
		t.Setenv("ALPHAFLOW_RETRY_RATE_LIMIT_WAIT", "45s")

		cfg, err := Load(ctx, "")
		require.NoError(t, err)

		assert.Equal(t, 5, cfg.Scheduler.Concurrency)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 45*time.Second, cfg.Retry.RateLimitWait)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("ALPHAFLOW_SCHEDULER_CONCURRENCY", "4")

		cfg, err := Load(ctx, "", map[string]any{
			"scheduler": map[string]any{"concurrency": 6},
		})
		require.NoError(t, err)
		assert.Equal(t, 6, cfg.Scheduler.Concurrency)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "alphaflow.yaml")
		content := `
credentials_file: /etc/alphaflow/credentials.json
scheduler:
  concurrency: 2
  target_accepted: 10
  idle_timeout: 30m
state:
  dir: ` + dir + `
  cursor: state.db
jobs:
  settings:
    region: CHN
    universe: TOP2000A
    decay: 4
disposition:
  results: "-"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := Load(ctx, path)
		require.NoError(t, err)

		assert.Equal(t, "/etc/alphaflow/credentials.json", cfg.CredentialsFile)
		assert.Equal(t, 2, cfg.Scheduler.Concurrency)
		assert.Equal(t, int64(10), cfg.Scheduler.TargetAccepted)
		assert.Equal(t, 30*time.Minute, cfg.Scheduler.IdleTimeout)
		assert.Equal(t, filepath.Join(dir, "state.db"), cfg.State.Cursor)
		assert.Equal(t, "CHN", cfg.Jobs.Settings.Region)
		assert.Equal(t, "TOP2000A", cfg.Jobs.Settings.Universe)
		assert.Equal(t, 4, cfg.Jobs.Settings.Decay)
		assert.Equal(t, "SUBINDUSTRY", cfg.Jobs.Settings.Neutralization, "unset settings keep defaults")
		assert.Equal(t, "-", cfg.Disposition.Results)
	})

	t.Run("MissingConfigFile", func(t *testing.T) {
		_, err := Load(ctx, filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestGetConfig(t *testing.T) {
	cfg, err := Load(context.Background(), "", map[string]any{
		"scheduler": map[string]any{"concurrency": 7},
	})
	require.NoError(t, err)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg.Scheduler.Concurrency, current.Scheduler.Concurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{
			name:      "zero concurrency",
			overrides: map[string]any{"scheduler": map[string]any{"concurrency": 0}},
			wantErr:   "scheduler.concurrency",
		},
		{
			name:      "zero submit attempts",
			overrides: map[string]any{"submit": map[string]any{"attempts": 0}},
			wantErr:   "submit.attempts",
		},
		{
			name:      "bad backend",
			overrides: map[string]any{"state": map[string]any{"backend": "redis"}},
			wantErr:   "state.backend",
		},
		{
			name:      "empty base url",
			overrides: map[string]any{"base_url": ""},
			wantErr:   "base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), "", tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStatePathsKeepURIs(t *testing.T) {
	cfg, err := Load(context.Background(), "", map[string]any{
		"state": map[string]any{
			"dir":    "/var/lib/alphaflow",
			"cursor": "libsql://state.example.turso.io",
		},
		"disposition": map[string]any{
			"failures": "/tmp/failures.csv",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "libsql://state.example.turso.io", cfg.State.Cursor)
	assert.Equal(t, "/tmp/failures.csv", cfg.Disposition.Failures)
	assert.Equal(t, filepath.Join("/var/lib/alphaflow", "queue.csv"), cfg.Disposition.Queue)
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"Server": map[string]any{"port": 1, "tls": map[string]any{"on": true}},
		"x":      "y",
	})
	assert.Equal(t, map[string]any{
		"server.port":   1,
		"server.tls.on": true,
		"x":             "y",
	}, got)
}
