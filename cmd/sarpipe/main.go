package main

import (
	"fmt"
	"os"

	"github.com/sentryal/sarpipe/internal/cmd"
)

// set via -ldflags at release time
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
