package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout and the exit code.
// Flag values persist on the global command tree, so they are reset first.
func execute(t *testing.T, args ...string) (string, int) {
	t.Helper()
	resetFlags(rootCmd)
	cfgFile, logLevel, logFormat, logFile = "", "", "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	code := Execute(context.Background())
	return out.String(), code
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// isolate points all state at a fresh temp directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ALPHAFLOW_STATE_DIR", dir)
	t.Setenv("ALPHAFLOW_LOGGING_LEVEL", "error")
	return dir
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2024-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitFileWriteError, "Cannot write cursor", cause)

	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, foundry.ExitFileWriteError, ee.Code)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Cannot write cursor: boom", err.Error())

	assert.Equal(t, "Diagnostics failed", exitError(1, "Diagnostics failed", nil).Error())
}

func TestExecute_ExitCodes(t *testing.T) {
	isolate(t)

	t.Run("success", func(t *testing.T) {
		_, code := execute(t, "version")
		assert.Equal(t, 0, code)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		t.Setenv("ALPHAFLOW_SCHEDULER_CONCURRENCY", "0")
		_, code := execute(t, "cursor", "show")
		assert.Equal(t, foundry.ExitInvalidArgument, code)
	})

	t.Run("invalid log level", func(t *testing.T) {
		_, code := execute(t, "--log-level", "loud", "version")
		assert.Equal(t, foundry.ExitInvalidArgument, code)
	})

	t.Run("unknown command", func(t *testing.T) {
		_, code := execute(t, "nope")
		assert.Equal(t, exitFailure, code)
	})
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.2.3", "abc123", "2024-01-15")

	out, code := execute(t, "version")
	require.Equal(t, 0, code)
	assert.Equal(t, "alphaflow 1.2.3\n", out)

	out, code = execute(t, "version", "--extended")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "commit:   abc123")
	assert.Contains(t, out, "built:    2024-01-15")
}
