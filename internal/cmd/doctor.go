package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sentryal/sarpipe/internal/config"
	"github.com/sentryal/sarpipe/internal/observability"
	"github.com/sentryal/sarpipe/pkg/insar"
	"github.com/sentryal/sarpipe/pkg/jobstore"
	"github.com/sentryal/sarpipe/pkg/runpod"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the processing environment and suggest fixes
for common issues.

Examples:
  sarpipe doctor               # Full environment check`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) {
	cli := observability.CLILogger
	cli.Info("=== sarpipe doctor ===")
	cli.Info("")
	cli.Info("Running diagnostic checks...")
	cli.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 6
	if cfg.RunPod.Enabled() {
		totalChecks = 7
	}

	// Check 1: pipeline tools resolvable
	if err := checkTools(cfg.Pipeline); err != nil {
		cli.Error(fmt.Sprintf("[%d/%d] Checking pipeline tools... ❌ %v", checkNum, totalChecks, err))
		printToolsHelp()
		allChecks = false
	} else if cfg.Pipeline.CondaEnv != "" {
		cli.Info(fmt.Sprintf("[%d/%d] Checking pipeline tools... ✅ resolved via conda env %q", checkNum, totalChecks, cfg.Pipeline.CondaEnv))
	} else {
		cli.Info(fmt.Sprintf("[%d/%d] Checking pipeline tools... ✅ %d tools found", checkNum, totalChecks, len(pipelineTools())))
	}
	checkNum++

	// Check 2: conda, when a conda environment is configured
	if cfg.Pipeline.CondaEnv != "" {
		if _, err := exec.LookPath("conda"); err != nil {
			cli.Error(fmt.Sprintf("[%d/%d] Checking conda... ❌ conda_env is set but conda is not on PATH", checkNum, totalChecks))
			allChecks = false
		} else {
			cli.Info(fmt.Sprintf("[%d/%d] Checking conda... ✅ env %q", checkNum, totalChecks, cfg.Pipeline.CondaEnv))
		}
	} else {
		cli.Info(fmt.Sprintf("[%d/%d] Checking conda... ✅ not configured (native tools)", checkNum, totalChecks))
	}
	checkNum++

	// Check 3: DEM
	if cfg.Pipeline.DEMPath == "" {
		cli.Warn(fmt.Sprintf("[%d/%d] Checking DEM... ⚠️  dem_path not configured", checkNum, totalChecks))
		allChecks = false
	} else if info, err := os.Stat(cfg.Pipeline.DEMPath); err != nil {
		cli.Error(fmt.Sprintf("[%d/%d] Checking DEM... ❌ %s", checkNum, totalChecks, cfg.Pipeline.DEMPath),
			zap.Error(err))
		allChecks = false
	} else {
		cli.Info(fmt.Sprintf("[%d/%d] Checking DEM... ✅ %s (%d MB)", checkNum, totalChecks, cfg.Pipeline.DEMPath, info.Size()/(1<<20)))
	}
	checkNum++

	// Check 4: workspace
	if err := checkWritable(cfg.Pipeline.WorkspaceRoot); err != nil {
		cli.Error(fmt.Sprintf("[%d/%d] Checking workspace... ❌ %s not writable", checkNum, totalChecks, cfg.Pipeline.WorkspaceRoot),
			zap.Error(err))
		allChecks = false
	} else {
		cli.Info(fmt.Sprintf("[%d/%d] Checking workspace... ✅ %s", checkNum, totalChecks, cfg.Pipeline.WorkspaceRoot))
	}
	checkNum++

	// Check 5: job store
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if jobs, err := jobstore.Open(ctx, cfg.Store.Path); err != nil {
		cli.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ cannot open %s", checkNum, totalChecks, cfg.Store.Path),
			zap.Error(err))
		allChecks = false
	} else {
		jobs.Close()
		cli.Info(fmt.Sprintf("[%d/%d] Checking job store... ✅ %s", checkNum, totalChecks, cfg.Store.Path))
	}
	checkNum++

	// Check 6: webhook secret
	if cfg.RunPod.WebhookSecret == "" {
		cli.Warn(fmt.Sprintf("[%d/%d] Checking webhook secret... ⚠️  not set, deliveries will be accepted unverified", checkNum, totalChecks))
	} else {
		cli.Info(fmt.Sprintf("[%d/%d] Checking webhook secret... ✅ configured", checkNum, totalChecks))
	}
	checkNum++

	// Check 7: remote endpoint, when configured
	if cfg.RunPod.Enabled() {
		allChecks = runRemoteCheck(ctx, checkNum, totalChecks) && allChecks
	}

	cli.Info("")
	if allChecks {
		cli.Info("✅ All checks passed! Your sarpipe installation is healthy.")
	} else {
		cli.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	cli.Info("")
	cli.Info("=== End Diagnostics ===")
}

// runRemoteCheck probes the serverless endpoint health route.
func runRemoteCheck(ctx context.Context, checkNum, totalChecks int) bool {
	cli := observability.CLILogger
	client, err := runpod.NewClient(runpod.Config{
		BaseURL:    cfg.RunPod.BaseURL,
		EndpointID: cfg.RunPod.EndpointID,
		APIKey:     cfg.RunPod.APIKey,
	}, observability.Logger)
	if err != nil {
		cli.Error(fmt.Sprintf("[%d/%d] Checking remote endpoint... ❌ %v", checkNum, totalChecks, err))
		return false
	}
	health, err := client.Health(ctx)
	if err != nil {
		cli.Error(fmt.Sprintf("[%d/%d] Checking remote endpoint... ❌ unreachable", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	cli.Info(fmt.Sprintf("[%d/%d] Checking remote endpoint... ✅ %d workers idle, %d queued", checkNum, totalChecks, health.Workers.Idle, health.QueueDepth()),
		zap.String("endpoint_id", cfg.RunPod.EndpointID))
	return true
}

// checkTools verifies the external tool environment: every stage tool
// plus gmt resolvable on PATH, or a configured conda environment with
// conda itself available. Shared by doctor and the "tools" health check.
func checkTools(p config.PipelineConfig) error {
	if p.CondaEnv != "" {
		// Tools resolve inside `conda run`, not on the host PATH.
		if _, err := exec.LookPath("conda"); err != nil {
			return fmt.Errorf("conda_env %q is set but conda is not on PATH", p.CondaEnv)
		}
		return nil
	}
	var missing []string
	for _, tool := range pipelineTools() {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing tools: %s", strings.Join(missing, ", "))
	}
	return nil
}

// pipelineTools lists every external tool the stage sequence invokes,
// plus gmt for the displacement conversion.
func pipelineTools() []string {
	tools := make([]string, 0, len(insar.Stages)+1)
	seen := map[string]bool{}
	for _, def := range insar.Stages {
		cmd := def.Build(insar.StageParams{})
		if !seen[cmd.Tool] {
			seen[cmd.Tool] = true
			tools = append(tools, cmd.Tool)
		}
	}
	tools = append(tools, "gmt")
	return tools
}

func printToolsHelp() {
	cli := observability.CLILogger
	cli.Info("")
	cli.Info("To install the processing tool chain:")
	cli.Info("  1. Install GMTSAR and GMT (https://github.com/gmtsar/gmtsar), or")
	cli.Info("  2. Create a conda environment with the tools and set pipeline.conda_env")
	cli.Info("")
}
