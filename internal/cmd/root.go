// Package cmd implements the julesched command-line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franklinbaldo/julesched/internal/config"
	"github.com/franklinbaldo/julesched/internal/logging"
)

var (
	cfgFile   string
	repoDir   string
	logLevel  string
	logFormat string
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "julesched",
	Short: "Persona cycle scheduler for remote coding-agent sessions",
	Long: `julesched drives a round-robin cycle of personas over a repository.

Each tick it resolves the previous persona's session, merges its pull
request into the integration branch once checks pass, heals branch drift,
and dispatches the next persona in the rotation. State lives in a JSON
file committed alongside the repository, so ticks can run from cron or CI.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/julesched/config.yaml, then ./.jules/julesched.yaml)")
	rootCmd.PersistentFlags().StringVarP(&repoDir, "repo-dir", "C", ".", "repository working directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, text)")
}

// initConfig sets up viper with defaults, config file and environment.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if dir, err := config.ConfigDir(); err == nil {
			viper.AddConfigPath(dir)
		}
		viper.AddConfigPath(filepath.Join(repoDir, ".jules"))
		viper.SetConfigName("julesched")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("JULESCHED")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); cfgFile != "" || !notFound {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}

	if logLevel != "" {
		viper.Set("logging.level", logLevel)
	}
	if logFormat != "" {
		viper.Set("logging.format", logFormat)
	}
}

// loadConfig builds the runtime configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}
