package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/alphaflow/internal/config"
	"github.com/3leaps/alphaflow/internal/observability"
	"github.com/3leaps/alphaflow/pkg/brain"
	"github.com/3leaps/alphaflow/pkg/ledger"
)

var (
	doctorS3     bool
	doctorOnline bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the local setup and suggest fixes for common issues.

Examples:
  alphaflow doctor            # Local environment, state and credentials
  alphaflow doctor --online   # Also sign in to the API
  alphaflow doctor --s3       # Also check AWS credentials for s3:// inputs`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorS3, "s3", false, "Check AWS credentials used for s3:// job inputs")
	doctorCmd.Flags().BoolVar(&doctorOnline, "online", false, "Authenticate against the API")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	log := observability.CLILogger

	log.Info("=== " + config.AppName + " doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6
	if doctorOnline {
		totalChecks++
	}
	if doctorS3 {
		totalChecks += 2
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Gofulmen access
	if v := crucible.GetVersion().Gofulmen; v != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, v),
			zap.String("gofulmen_version", v))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: State directory
	if err := checkWritableDir(cfg.State.Dir); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking state directory... ❌ %s is not writable", checkNum, totalChecks, cfg.State.Dir),
			zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking state directory... ✅ %s", checkNum, totalChecks, cfg.State.Dir),
			zap.String("state_dir", cfg.State.Dir))
	}
	checkNum++

	// Check 4: Credentials
	credsPath := credentialsPath(cfg)
	creds, credsErr := brain.LoadCredentials(credsPath)
	if credsErr != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking credentials... ❌ %s", checkNum, totalChecks, credsPath),
			zap.Error(credsErr))
		printCredentialsHelp(credsPath)
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking credentials... ✅ %s", checkNum, totalChecks, maskUsername(creds.Username)),
			zap.String("credentials_file", credsPath))
	}
	checkNum++

	// Check 5: Cursor
	if pos, backend, err := readCursor(ctx); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking cursor... ❌ Cannot read %s", checkNum, totalChecks, cfg.State.Cursor),
			zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking cursor... ✅ %d (%s)", checkNum, totalChecks, pos, backend),
			zap.String("cursor", cfg.State.Cursor))
	}
	checkNum++

	// Check 6: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorOnline {
		if credsErr != nil {
			log.Warn(fmt.Sprintf("[%d/%d] Checking API sign-in... ⚠️  skipped, no credentials", checkNum, totalChecks))
			allChecks = false
		} else if ok := checkSignIn(ctx, cfg, checkNum, totalChecks); !ok {
			allChecks = false
		}
		checkNum++
	}

	if doctorS3 {
		allChecks = runS3Checks(ctx, cfg, checkNum, totalChecks, allChecks)
	}

	log.Info("")
	if allChecks {
		log.Info("✅ All checks passed! Your " + config.AppName + " setup is healthy.")
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")

	if !allChecks {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", nil)
	}
	return nil
}

// checkWritableDir creates dir if needed and verifies a file can be written.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// readCursor opens the configured cursor and returns its value and backend.
func readCursor(ctx context.Context) (int64, string, error) {
	cur, err := openCursor(ctx, appConfig)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = cur.Close() }()
	pos, err := cur.Read(ctx)
	backend := "file"
	if _, ok := cur.(*ledger.SQLite); ok {
		backend = "sqlite"
	}
	return pos, backend, err
}

// checkSignIn authenticates once against the API.
func checkSignIn(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	log := observability.CLILogger
	client, err := newClient(cfg, log)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking API sign-in... ❌ %v", checkNum, totalChecks, err))
		return false
	}
	sess, err := client.Executor().Sessions().Acquire(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking API sign-in... ❌ %s", checkNum, totalChecks, cfg.BaseURL),
			zap.Error(err))
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking API sign-in... ✅ %s", checkNum, totalChecks, cfg.BaseURL),
		zap.Uint64("session_generation", sess.Generation()))
	return true
}

// runS3Checks runs AWS credential checks for s3:// job inputs.
func runS3Checks(ctx context.Context, cfg *config.Config, checkNum, totalChecks int, allChecks bool) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("S3 Input Checks:")

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3.Region))
	}
	if cfg.S3.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.S3.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// maskUsername keeps the first character and the mail domain.
func maskUsername(user string) string {
	local, domain, hasDomain := strings.Cut(user, "@")
	if local == "" {
		return "****"
	}
	masked := local[:1] + "****"
	if hasDomain {
		masked += "@" + domain
	}
	return masked
}

// printCredentialsHelp prints help for creating the credential file.
func printCredentialsHelp(path string) {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure API credentials:")
	log.Info(fmt.Sprintf("  1. Create %s containing [\"user@example.com\", \"password\"], or", path))
	log.Info("  2. Point credentials_file (ALPHAFLOW_CREDENTIALS_FILE) at an existing file")
	log.Info(fmt.Sprintf("  Keep the file private: chmod 600 %s", filepath.Base(path)))
	log.Info("")
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile (s3.profile), or")
	log.Info("  3. Use IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	log.Info("  - s3.endpoint and s3.force_path_style in the config file")
	log.Info("")
}
