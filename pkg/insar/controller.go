// Package insar sequences the interferometric processing pipeline for one
// job: preprocessing, alignment, topography removal, interferogram
// formation, optional unwrapping, and geocoding, followed by phase to
// displacement conversion.
//
// The controller owns ordering and the stage-history contract; actually
// running a tool is delegated to the executor, and retry policy lives
// with the orchestrator. The only error the controller absorbs is the
// documented non-fatal unwrapping skip.
package insar

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sentryal/sarpipe/pkg/executor"
	"github.com/sentryal/sarpipe/pkg/granule"
	"github.com/sentryal/sarpipe/pkg/jobstore"
)

// Sentinel-1 C-band: LOS displacement per radian of unwrapped phase,
// lambda / (4 pi), in millimeters.
const mmPerRadian = 4.4134

// Runner executes one external command. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, cmd executor.Command, opts executor.Options) (*executor.Result, error)
}

// Recorder persists stage history. *jobstore.Store satisfies it.
type Recorder interface {
	StartStage(ctx context.Context, jobID string, idx int, name string) error
	SealStage(ctx context.Context, jobID string, idx int, outcome jobstore.StageOutcome, output, errMsg, skipReason string) error
}

// Config bounds local pipeline execution.
type Config struct {
	WorkspaceRoot string
	DEMPath       string
	OrbitDir      string
	// StageTimeout bounds a single stage (tool invocations can run up to
	// an hour on large scenes).
	StageTimeout time.Duration
	// ConversionTimeout bounds the displacement conversion step.
	ConversionTimeout time.Duration
}

// Result is the outcome of a full pipeline run.
type Result struct {
	Products             Products
	TemporalBaselineDays int
	UnwrappingSkipped    bool
	SkipReason           string
	Duration             time.Duration
}

// Controller runs the fixed stage sequence for one job at a time.
type Controller struct {
	runner   Runner
	recorder Recorder
	cfg      Config
	logger   *zap.Logger
}

// NewController wires a controller. recorder may be nil when stage
// history is tracked elsewhere (one-shot CLI runs).
func NewController(runner Runner, recorder Recorder, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = executor.DefaultTimeout
	}
	if cfg.ConversionTimeout <= 0 {
		cfg.ConversionTimeout = 15 * time.Minute
	}
	return &Controller{runner: runner, recorder: recorder, cfg: cfg, logger: logger.Named("insar")}
}

// ProcessFullPipeline runs stages 1..6 in order, stopping at the first
// fatal failure, then converts phase to displacement and returns the
// final artifact paths plus the temporal baseline.
func (c *Controller) ProcessFullPipeline(ctx context.Context, job *jobstore.Job) (*Result, error) {
	start := time.Now()

	baselineDays, err := granule.TemporalBaselineDays(job.ReferenceGranule, job.SecondaryGranule)
	if err != nil {
		return nil, fmt.Errorf("temporal baseline: %w", err)
	}

	ws := NewWorkspace(c.cfg.WorkspaceRoot, job.ID)
	if err := ws.Ensure(); err != nil {
		return nil, err
	}

	demPath := job.DEMPath
	if demPath == "" {
		demPath = c.cfg.DEMPath
	}
	if demPath != "" && !fileExists(demPath) {
		return nil, &MissingInputError{What: "dem", Path: demPath}
	}

	params := StageParams{
		Workspace:        ws,
		ReferenceGranule: job.ReferenceGranule,
		SecondaryGranule: job.SecondaryGranule,
		DEMPath:          demPath,
		OrbitDir:         c.cfg.OrbitDir,
		BBox:             job.BBox,
	}

	result := &Result{TemporalBaselineDays: baselineDays}

	for _, def := range Stages {
		if err := c.runStage(ctx, job.ID, def, params, result); err != nil {
			return nil, err
		}
	}

	if err := c.convertToDisplacement(ctx, ws, result.UnwrappingSkipped); err != nil {
		return nil, fmt.Errorf("displacement conversion: %w", err)
	}

	products, err := DiscoverProducts(ws)
	if err != nil {
		return nil, err
	}
	result.Products = *products
	result.Duration = time.Since(start)

	c.logger.Info("pipeline complete",
		zap.String("job_id", job.ID),
		zap.Int("temporal_baseline_days", baselineDays),
		zap.Bool("unwrapping_skipped", result.UnwrappingSkipped),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func (c *Controller) runStage(ctx context.Context, jobID string, def StageDef, params StageParams, result *Result) error {
	if c.recorder != nil {
		if err := c.recorder.StartStage(ctx, jobID, def.Index, def.Name); err != nil {
			return fmt.Errorf("record stage %d start: %w", def.Index, err)
		}
	}

	cmd := def.Build(params)
	c.logger.Info("stage starting",
		zap.String("job_id", jobID),
		zap.Int("stage", def.Index),
		zap.String("name", def.Name))

	res, err := c.runner.Run(ctx, cmd, executor.Options{Timeout: c.cfg.StageTimeout})
	if err != nil {
		// Cancellation is not a stage outcome; the registry's cancel path
		// seals the running stage row.
		if errors.Is(err, context.Canceled) {
			return err
		}

		if def.Optional {
			// Unwrapping failure is a deliberate product decision: record
			// the skip, warn, and continue with the wrapped result.
			c.logger.Warn("optional stage failed, continuing without it",
				zap.String("job_id", jobID),
				zap.Int("stage", def.Index),
				zap.String("name", def.Name),
				zap.Error(err))
			result.UnwrappingSkipped = true
			result.SkipReason = err.Error()
			if c.recorder != nil {
				if sealErr := c.recorder.SealStage(ctx, jobID, def.Index,
					jobstore.OutcomeSkipped, "", err.Error(), "unwrapping failed, proceeding with wrapped phase"); sealErr != nil {
					return fmt.Errorf("record stage %d skip: %w", def.Index, sealErr)
				}
			}
			return nil
		}

		if c.recorder != nil {
			if sealErr := c.recorder.SealStage(ctx, jobID, def.Index,
				jobstore.OutcomeFailed, "", err.Error(), ""); sealErr != nil {
				c.logger.Error("failed to record stage failure",
					zap.String("job_id", jobID), zap.Int("stage", def.Index), zap.Error(sealErr))
			}
		}
		return &StageError{Index: def.Index, Name: def.Name, Err: err}
	}

	if c.recorder != nil {
		output := "completed in " + res.Duration.Round(time.Millisecond).String()
		if err := c.recorder.SealStage(ctx, jobID, def.Index,
			jobstore.OutcomeCompleted, output, "", ""); err != nil {
			return fmt.Errorf("record stage %d completion: %w", def.Index, err)
		}
	}
	return nil
}

// convertToDisplacement scales phase to line-of-sight millimeters. When
// unwrapping was skipped the wrapped interferogram is converted instead,
// matching the degraded-but-useful product the original pipeline ships.
func (c *Controller) convertToDisplacement(ctx context.Context, ws Workspace, unwrappingSkipped bool) error {
	input := filepath.Join(ws.IntfDir(), "unwrap_ll.grd")
	if unwrappingSkipped {
		input = filepath.Join(ws.IntfDir(), "phasefilt_ll.grd")
	}

	cmd := executor.Command{
		Tool: "gmt",
		Args: []string{
			"grdmath", input,
			strconv.FormatFloat(mmPerRadian, 'f', 4, 64), "MUL",
			"=", filepath.Join(ws.IntfDir(), "los_mm_ll.grd"),
		},
		Dir: ws.IntfDir(),
	}
	_, err := c.runner.Run(ctx, cmd, executor.Options{Timeout: c.cfg.ConversionTimeout})
	return err
}
