// Package cmd defines the monorail command tree. Each command lives in
// its own file and registers itself in init; Execute wires the shared
// context through cobra.
package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/monorail-dev/monorail/internal/config"
	"github.com/monorail-dev/monorail/internal/log"
)

var (
	flagCwd       string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "monorail",
	Short: "Task runner and pruner for JavaScript monorepos",
	Long: `monorail discovers the packages of a monorepo, builds their dependency
graph, and runs pipeline tasks across them in dependency order with
content-addressed caching. It can also prune the workspace down to the
minimal subset needed to build and deploy a chosen set of packages.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command under ctx so interrupts cancel
// in-flight tasks.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&flagCwd, "cwd", ".", "workspace root directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "log format (text, json)")
}

// initConfig layers the orchestrator configuration: defaults, then an
// optional config file from the user config dir, then MONORAIL_*
// environment variables. A missing config file is fine.
func initConfig() {
	config.SetDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(config.ConfigDir())

	viper.SetEnvPrefix("MONORAIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// loadConfig resolves the configuration, applies the persistent flag
// overrides, and builds the process logger from the result.
func loadConfig() (*config.Config, *log.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := log.New(log.Config{
		Level:  log.ParseLevel(cfg.LogLevel),
		Format: log.ParseFormat(cfg.LogFormat),
		Output: log.NewOutput(os.Stderr),
	})
	log.SetDefaultLogger(logger)
	return cfg, logger, nil
}
