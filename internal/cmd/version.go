package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sentryal/sarpipe/internal/observability"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cli := observability.CLILogger
		cli.Info(fmt.Sprintf("sarpipe %s", versionInfo.Version))
		cli.Info(fmt.Sprintf("  commit:     %s", versionInfo.Commit))
		cli.Info(fmt.Sprintf("  built:      %s", versionInfo.BuildDate))
		cli.Info(fmt.Sprintf("  go version: %s", runtime.Version()))
		cli.Info(fmt.Sprintf("  platform:   %s/%s", runtime.GOOS, runtime.GOARCH))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
