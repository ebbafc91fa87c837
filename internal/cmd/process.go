package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sentryal/sarpipe/internal/observability"
	"github.com/sentryal/sarpipe/pkg/executor"
	"github.com/sentryal/sarpipe/pkg/insar"
	"github.com/sentryal/sarpipe/pkg/jobstore"
)

var (
	processReference string
	processSecondary string
	processDEM       string
	processKeepTree  bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one interferogram pair locally and exit",
	Long: `Run the full pipeline for a single granule pair in the foreground,
without the API server or job store. Useful for validating a tool
environment and for batch scripting.

Examples:
  sarpipe process --reference S1A_IW_SLC__1SDV_20240106T161310 \
                  --secondary S1A_IW_SLC__1SDV_20240118T161310`,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().StringVar(&processReference, "reference", "", "reference granule name (required)")
	processCmd.Flags().StringVar(&processSecondary, "secondary", "", "secondary granule name (required)")
	processCmd.Flags().StringVar(&processDEM, "dem", "", "DEM path override")
	processCmd.Flags().BoolVar(&processKeepTree, "keep-workspace", false, "keep the work tree after completion")
	_ = processCmd.MarkFlagRequired("reference")
	_ = processCmd.MarkFlagRequired("secondary")
}

func runProcess(cmd *cobra.Command, args []string) error {
	logger := observability.Logger
	cli := observability.CLILogger

	job := &jobstore.Job{
		ID:               uuid.NewString(),
		ReferenceGranule: processReference,
		SecondaryGranule: processSecondary,
		DEMPath:          processDEM,
		Mode:             jobstore.ModeLocal,
	}

	exec := executor.New(buildEnvironment(cfg.Pipeline), logger)
	controller := insar.NewController(exec, nil, insar.Config{
		WorkspaceRoot: cfg.Pipeline.WorkspaceRoot,
		DEMPath:       cfg.Pipeline.DEMPath,
		OrbitDir:      cfg.Pipeline.OrbitDir,
		StageTimeout:  cfg.Pipeline.StageTimeout,
	}, logger)

	cli.Info(fmt.Sprintf("Processing %s / %s (job %s)", job.ReferenceGranule, job.SecondaryGranule, job.ID))

	start := time.Now()
	result, err := controller.ProcessFullPipeline(cmd.Context(), job)
	if err != nil {
		return err
	}

	cli.Info(fmt.Sprintf("Pipeline completed in %s", time.Since(start).Round(time.Second)),
		zap.Int("temporal_baseline_days", result.TemporalBaselineDays))
	if result.UnwrappingSkipped {
		cli.Warn("Unwrapping was skipped: " + result.SkipReason)
	}
	cli.Info("Interferogram: " + result.Products.Interferogram)
	cli.Info("Coherence:     " + result.Products.Coherence)
	if result.Products.Unwrapped != "" {
		cli.Info("Unwrapped:     " + result.Products.Unwrapped)
	}
	if result.Products.Displacement != "" {
		cli.Info("Displacement:  " + result.Products.Displacement)
	}

	if !processKeepTree && cfg.Pipeline.CleanupWorkspace {
		ws := insar.NewWorkspace(cfg.Pipeline.WorkspaceRoot, job.ID)
		if err := ws.Remove(); err != nil {
			cli.Warn("Could not remove work tree", zap.Error(err))
		}
	}
	return nil
}
