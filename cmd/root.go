package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/logger"
)

var (
	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "carousel",
	Short: "Authorization-gated credential audit harness",
	Long: `Carousel - Credential Audit Campaign Engine

Verifies candidate secrets against one authorized target account and
reports which are live. Every campaign is gated on a signed engagement
manifest; carousel refuses to send a single request without one.

COMMANDS:
  carousel run         - Run a verification campaign against a target
  carousel identities  - Load an egress identity roster and check health
  carousel results     - Query stored campaign results
  carousel serve       - Serve the status API over a result store
  carousel secrets     - Manage operator secrets in the local vault
  carousel version     - Print version information

A campaign needs written authorization. Point --engagement at the
manifest describing it and pass --acknowledge-authorization to confirm.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync on stdout/stderr reports EINVAL on Linux; only real
			// failures are worth surfacing.
			if err := log.Sync(); err != nil {
				if err.Error() != "sync /dev/stdout: invalid argument" && err.Error() != "sync /dev/stderr: invalid argument" {
					fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
				}
			}
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindEnv("logger.level", "CAROUSEL_LOG_LEVEL")
	viper.BindEnv("logger.format", "CAROUSEL_LOG_FORMAT")

	rootCmd.PersistentFlags().String("db-driver", "sqlite3", "result store driver (sqlite3, postgres)")
	rootCmd.PersistentFlags().String("db-dsn", "", "result store DSN (default: sqlite file under ~/.carousel)")
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.driver", "CAROUSEL_DATABASE_DRIVER")
	viper.BindEnv("database.dsn", "CAROUSEL_DATABASE_DSN", "DATABASE_URL")

	viper.BindEnv("redis.addr", "CAROUSEL_REDIS_ADDR")
	viper.BindEnv("redis.password", "CAROUSEL_REDIS_PASSWORD")
	viper.BindEnv("queue.backend", "CAROUSEL_QUEUE_BACKEND")

	viper.BindEnv("telemetry.enabled", "CAROUSEL_TELEMETRY_ENABLED")
	viper.BindEnv("telemetry.endpoint", "CAROUSEL_TELEMETRY_ENDPOINT")

	viper.BindEnv("identity.tor_control_password", "CAROUSEL_TOR_CONTROL_PASSWORD")
	viper.BindEnv("verify.api.auth_token", "CAROUSEL_VERIFIER_API_TOKEN")

	viper.BindEnv("engagement.manifest_path", "CAROUSEL_ENGAGEMENT_MANIFEST")
	viper.BindEnv("api.addr", "CAROUSEL_API_ADDR")
	viper.BindEnv("checkpoint.dir", "CAROUSEL_CHECKPOINT_DIR")
}

// initConfig merges flags and environment over programmatic defaults.
// Carousel reads no config files: what a campaign does should be visible
// in the invocation that launched it.
func initConfig() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("CAROUSEL")

	cfg = config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg.Validate()
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *logger.Logger {
	return log
}
