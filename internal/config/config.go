// Package config loads alphaflow configuration from defaults, an optional
// YAML file, ALPHAFLOW_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/alphaflow/pkg/jobsource"
	"github.com/3leaps/alphaflow/pkg/sim"
)

// AppName is the application name used for paths and the env prefix.
const AppName = "alphaflow"

// EnvPrefix prefixes environment overrides, e.g. ALPHAFLOW_SCHEDULER_CONCURRENCY.
const EnvPrefix = "ALPHAFLOW"

// Config is the full application configuration.
type Config struct {
	BaseURL         string `mapstructure:"base_url"`
	CredentialsFile string `mapstructure:"credentials_file"`

	Session     SessionConfig      `mapstructure:"session"`
	Retry       RetryConfig        `mapstructure:"retry"`
	Submit      SubmitConfig       `mapstructure:"submit"`
	Scheduler   SchedulerConfig    `mapstructure:"scheduler"`
	State       StateConfig        `mapstructure:"state"`
	Disposition DispositionConfig  `mapstructure:"disposition"`
	Check       CheckConfig        `mapstructure:"check"`
	Jobs        JobsConfig         `mapstructure:"jobs"`
	S3          jobsource.S3Config `mapstructure:"s3"`
	Server      ServerConfig       `mapstructure:"server"`
	Logging     LoggingConfig      `mapstructure:"logging"`
}

// SessionConfig tunes authentication.
type SessionConfig struct {
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	BiometricPoll     time.Duration `mapstructure:"biometric_poll"`
	BiometricAttempts int           `mapstructure:"biometric_attempts"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
}

// RetryConfig tunes the request executor.
type RetryConfig struct {
	RateLimitWait     time.Duration `mapstructure:"rate_limit_wait"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MaxStatusRetries  int           `mapstructure:"max_status_retries"`
	NetworkBackoff    time.Duration `mapstructure:"network_backoff"`
	MaxNetworkRetries int           `mapstructure:"max_network_retries"`
	MaxReauths        int           `mapstructure:"max_reauths"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// SubmitConfig tunes job submission.
type SubmitConfig struct {
	Attempts   int           `mapstructure:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// SchedulerConfig tunes the concurrency controller.
type SchedulerConfig struct {
	Concurrency             int           `mapstructure:"concurrency"`
	IdleSleep               time.Duration `mapstructure:"idle_sleep"`
	MaxIndeterminateRetries int           `mapstructure:"max_indeterminate_retries"`
	TargetAccepted          int64         `mapstructure:"target_accepted"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	CorrelationCheck        string        `mapstructure:"correlation_check"`
}

// StateConfig locates local run state.
type StateConfig struct {
	// Dir is the base directory for relative state paths.
	Dir string `mapstructure:"dir"`

	// Cursor is the cursor file or SQLite database.
	Cursor string `mapstructure:"cursor"`

	// Backend is auto, file or sqlite.
	Backend string `mapstructure:"backend"`

	// Name selects a named cursor in SQLite state.
	Name string `mapstructure:"name"`

	// Journal enables the per-job journal. Requires a SQLite cursor.
	Journal bool `mapstructure:"journal"`
}

// DispositionConfig configures outcome sinks.
type DispositionConfig struct {
	Blacklist string `mapstructure:"blacklist"`
	Failures  string `mapstructure:"failures"`
	Queue     string `mapstructure:"queue"`

	// Results is the JSONL result path; empty or "-" writes to stdout.
	Results string `mapstructure:"results"`

	TagAccepted       bool   `mapstructure:"tag_accepted"`
	AcceptedTag       string `mapstructure:"accepted_tag"`
	TagTimeouts       bool   `mapstructure:"tag_timeouts"`
	TimeoutTag        string `mapstructure:"timeout_tag"`
	BlacklistAccepted bool   `mapstructure:"blacklist_accepted"`
}

// CheckConfig configures the submission-check workflow.
type CheckConfig struct {
	CreatedAfter         string        `mapstructure:"created_after"`
	CreatedBefore        string        `mapstructure:"created_before"`
	MinSharpe            float64       `mapstructure:"min_sharpe"`
	MinFitness           float64       `mapstructure:"min_fitness"`
	MaxTurnover          float64       `mapstructure:"max_turnover"`
	Region               string        `mapstructure:"region"`
	Limit                int           `mapstructure:"limit"`
	MinPositions         int           `mapstructure:"min_positions"`
	Attempts             int           `mapstructure:"attempts"`
	IndeterminateBackoff time.Duration `mapstructure:"indeterminate_backoff"`
}

// JobsConfig holds defaults applied to job entries.
type JobsConfig struct {
	// Settings fill fields an entry leaves out.
	Settings sim.Settings `mapstructure:"settings"`
}

// ServerConfig configures the optional status server.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// DefaultStateDir returns the platform data directory for alphaflow.
func DefaultStateDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// SetDefaults registers default values on v. Every key needs a default for
// environment overrides to be picked up.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "https://api.worldquantbrain.com")
	v.SetDefault("credentials_file", "")

	v.SetDefault("session.retry_backoff", "15s")
	v.SetDefault("session.biometric_poll", "5s")
	v.SetDefault("session.biometric_attempts", 60)
	v.SetDefault("session.http_timeout", "60s")

	v.SetDefault("retry.rate_limit_wait", "15s")
	v.SetDefault("retry.retry_delay", "5s")
	v.SetDefault("retry.max_status_retries", 5)
	v.SetDefault("retry.network_backoff", "10s")
	v.SetDefault("retry.max_network_retries", 0)
	v.SetDefault("retry.max_reauths", 5)
	v.SetDefault("retry.requests_per_second", 0.0)

	v.SetDefault("submit.attempts", 15)
	v.SetDefault("submit.retry_delay", "15s")

	v.SetDefault("scheduler.concurrency", 3)
	v.SetDefault("scheduler.idle_sleep", "3s")
	v.SetDefault("scheduler.max_indeterminate_retries", 3)
	v.SetDefault("scheduler.target_accepted", 0)
	v.SetDefault("scheduler.idle_timeout", "0s")
	v.SetDefault("scheduler.correlation_check", "SELF_CORRELATION")

	v.SetDefault("state.dir", "")
	v.SetDefault("state.cursor", "cursor")
	v.SetDefault("state.backend", "auto")
	v.SetDefault("state.name", "default")
	v.SetDefault("state.journal", false)

	v.SetDefault("disposition.blacklist", "blacklist.txt")
	v.SetDefault("disposition.failures", "failures.csv")
	v.SetDefault("disposition.queue", "queue.csv")
	v.SetDefault("disposition.results", "")
	v.SetDefault("disposition.tag_accepted", false)
	v.SetDefault("disposition.accepted_tag", "OKOK")
	v.SetDefault("disposition.tag_timeouts", true)
	v.SetDefault("disposition.timeout_tag", "timeout")
	v.SetDefault("disposition.blacklist_accepted", false)

	v.SetDefault("check.created_after", "")
	v.SetDefault("check.created_before", "")
	v.SetDefault("check.min_sharpe", 1.25)
	v.SetDefault("check.min_fitness", 1.0)
	v.SetDefault("check.max_turnover", 0.7)
	v.SetDefault("check.region", "")
	v.SetDefault("check.limit", 100)
	v.SetDefault("check.min_positions", 100)
	v.SetDefault("check.attempts", 3)
	v.SetDefault("check.indeterminate_backoff", "40s")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.force_path_style", false)
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. configFile may be empty. Runtime overrides are
// nested maps keyed like the YAML file and win over everything else.
func Load(ctx context.Context, configFile string, overrides ...map[string]any) (*Config, error) {
	v := New()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg, err := Decode(ctx, v)
	if err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// Decode builds a Config from v and resolves state paths.
func Decode(ctx context.Context, v *viper.Viper) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := &Config{Jobs: JobsConfig{Settings: sim.DefaultSettings()}}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be >= 1")
	}
	if c.Submit.Attempts < 1 {
		return fmt.Errorf("submit.attempts must be >= 1")
	}
	if c.Scheduler.MaxIndeterminateRetries < 0 {
		return fmt.Errorf("scheduler.max_indeterminate_retries must be >= 0")
	}
	if c.Retry.RequestsPerSecond < 0 {
		return fmt.Errorf("retry.requests_per_second must be >= 0")
	}
	switch c.State.Backend {
	case "auto", "file", "sqlite":
	default:
		return fmt.Errorf("state.backend must be auto, file or sqlite (got %q)", c.State.Backend)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// resolvePaths places relative state files under State.Dir.
func (c *Config) resolvePaths() {
	if c.State.Dir == "" {
		c.State.Dir = DefaultStateDir()
	}
	c.State.Cursor = c.statePath(c.State.Cursor)
	c.Disposition.Blacklist = c.statePath(c.Disposition.Blacklist)
	c.Disposition.Failures = c.statePath(c.Disposition.Failures)
	c.Disposition.Queue = c.statePath(c.Disposition.Queue)
	if c.Disposition.Results != "" && c.Disposition.Results != "-" {
		c.Disposition.Results = c.statePath(c.Disposition.Results)
	}
}

func (c *Config) statePath(p string) string {
	if p == "" || p == ":memory:" || filepath.IsAbs(p) || strings.Contains(p, ":") {
		return p
	}
	return filepath.Join(c.State.Dir, p)
}

// flatten converts nested maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
