// Package cmd implements the alphaflow command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/internal/config"
	"github.com/3leaps/alphaflow/internal/observability"
)

// VersionInfo is set by main from build flags.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "none", BuildDate: "unknown"}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string

	// appConfig is loaded in PersistentPreRunE.
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Drive simulation jobs through a rate-limited research API",
	Long: `alphaflow submits alpha expressions for remote simulation, polls them to
completion under the service's rate limits, classifies the results and
records what happened. Progress is kept in a cursor so an interrupted run
resumes where it stopped.

Configuration comes from defaults, an optional YAML file (--config),
ALPHAFLOW_* environment variables and flags, in increasing precedence.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Config file (YAML)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (console|json)")
	pf.StringVar(&logFile, "log-file", "", "Also write JSON logs to this file (rotated)")
}

// loadRuntime loads configuration and initializes logging for every command.
func loadRuntime(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if logFormat != "" {
		logging["format"] = logFormat
	}
	if logFile != "" {
		logging["file"] = logFile
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}

	cfg, err := config.Load(cmd.Context(), cfgFile, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.InitCLILogger(config.AppName, observability.LogOptions{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	appConfig = cfg

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("config_file", cfgFile),
		zap.String("state_dir", cfg.State.Dir),
		zap.String("base_url", cfg.BaseURL))
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *ExitError
		if errors.As(err, &ee) {
			return ee.Code
		}
		return exitFailure
	}
	return 0
}
