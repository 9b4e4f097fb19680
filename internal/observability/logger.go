// Package observability configures process-wide logging.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the process logger used by commands. It is a no-op logger
// until InitCLILogger runs.
var CLILogger = zap.NewNop()

// LogOptions configures InitCLILogger.
type LogOptions struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Format is "console" or "json".
	Format string

	// File, when set, also writes JSON logs to a rotated file.
	File string

	// MaxSizeMB, MaxBackups and MaxAgeDays tune file rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel converts a level name to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return lvl, nil
}

// NewLogger builds a logger for appName. Console output goes to stderr so
// stdout stays free for JSONL records.
func NewLogger(appName string, opts LogOptions) (*zap.Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var stderrEnc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "console":
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		stderrEnc = zapcore.NewConsoleEncoder(consoleCfg)
	case "json":
		stderrEnc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q (expected console or json)", opts.Format)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(stderrEnc, zapcore.Lock(os.Stderr), lvl),
	}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    withDefault(opts.MaxSizeMB, 50),
			MaxBackups: withDefault(opts.MaxBackups, 5),
			MaxAge:     withDefault(opts.MaxAgeDays, 28),
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), lvl))
	}

	return zap.New(zapcore.NewTee(cores...)).Named(appName), nil
}

// InitCLILogger replaces CLILogger.
func InitCLILogger(appName string, opts LogOptions) error {
	logger, err := NewLogger(appName, opts)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
