// Package cmd wires the sarpipe CLI: configuration loading, logger
// setup, and the serve/process/doctor/version commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentryal/sarpipe/internal/config"
	"github.com/sentryal/sarpipe/internal/observability"
	"github.com/sentryal/sarpipe/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo stamps build metadata before Execute. Called from main
// with -ldflags values.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.Version = version
	handlers.GitCommit = commit
	handlers.BuildDate = buildDate
}

var (
	flagLogLevel   string
	flagLogProfile string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sarpipe",
	Short: "InSAR processing pipeline service",
	Long: `sarpipe orchestrates Sentinel-1 interferometric processing: it runs
the preprocessing-to-geocoding tool chain locally or dispatches jobs to a
serverless GPU endpoint, tracks job state durably, and retries transient
failures with backoff.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd.Context(), flagOverrides())
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		level := cfg.Logging.Level
		if flagLogLevel != "" {
			level = flagLogLevel
		}
		profile := cfg.Logging.Profile
		if flagLogProfile != "" {
			profile = flagLogProfile
		}
		if err := observability.Init(level, profile); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		observability.Sync()
	},
}

func flagOverrides() map[string]any {
	overrides := map[string]any{}
	if flagLogLevel != "" {
		overrides["logging.level"] = flagLogLevel
	}
	if flagLogProfile != "" {
		overrides["logging.profile"] = flagLogProfile
	}
	return overrides
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogProfile, "log-profile", "", "log encoder (STRUCTURED, CONSOLE)")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
