// Package orchestrator owns job lifecycle: it accepts submissions, runs
// each job's pipeline in its own goroutine under a per-job lock, consults
// the retry engine on failure, and schedules re-attempts without blocking
// a worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sentryal/sarpipe/internal/errors"
	"github.com/sentryal/sarpipe/pkg/executor"
	"github.com/sentryal/sarpipe/pkg/granule"
	"github.com/sentryal/sarpipe/pkg/insar"
	"github.com/sentryal/sarpipe/pkg/jobstore"
	"github.com/sentryal/sarpipe/pkg/retry"
	"github.com/sentryal/sarpipe/pkg/runpod"
	"github.com/sentryal/sarpipe/pkg/worklog"
)

// Pipeline runs the local stage sequence. *insar.Controller satisfies it.
type Pipeline interface {
	ProcessFullPipeline(ctx context.Context, job *jobstore.Job) (*insar.Result, error)
}

// Remote dispatches jobs to the serverless endpoint. *runpod.Client
// satisfies it. nil disables remote mode.
type Remote interface {
	SubmitAsync(ctx context.Context, input runpod.JobInput) (string, error)
	GetStatus(ctx context.Context, remoteJobID string) (*runpod.StatusResponse, error)
	Cancel(ctx context.Context, remoteJobID string) error
}

// ResultPublisher uploads local products and returns their URLs.
// *artifact.Uploader satisfies it. nil keeps local paths only.
type ResultPublisher interface {
	UploadProducts(ctx context.Context, jobID string, products insar.Products) (*jobstore.ResultSet, error)
}

// Config tunes the orchestrator.
type Config struct {
	WorkerName       string
	WorkspaceRoot    string
	WebhookURL       string
	CleanupWorkspace bool
	RemotePoll       time.Duration
	// MaxConcurrent bounds pipelines running at once; 0 means unbounded.
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.WorkerName == "" {
		c.WorkerName = "sarpipe-worker"
	}
	if c.RemotePoll <= 0 {
		c.RemotePoll = runpod.DefaultPollInterval
	}
	return c
}

// Orchestrator coordinates every in-flight job. Safe for concurrent use.
type Orchestrator struct {
	jobs      *jobstore.Store
	logs      *worklog.Store
	retry     *retry.Engine
	locks     *jobstore.Locks
	pipeline  Pipeline
	remote    Remote
	publisher ResultPublisher
	cfg       Config
	logger    *zap.Logger

	// sem bounds concurrent attempts when MaxConcurrent > 0.
	sem chan struct{}

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	timers  map[string]*time.Timer
	closed  bool
}

// New wires an orchestrator. remote and publisher may be nil.
func New(jobs *jobstore.Store, logs *worklog.Store, engine *retry.Engine,
	pipeline Pipeline, remote Remote, publisher ResultPublisher,
	cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()
	var sem chan struct{}
	if cfg.MaxConcurrent > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return &Orchestrator{
		jobs:      jobs,
		logs:      logs,
		retry:     engine,
		locks:     jobstore.NewLocks(),
		pipeline:  pipeline,
		remote:    remote,
		publisher: publisher,
		cfg:       cfg,
		sem:       sem,
		logger:    logger.Named("orchestrator"),
		baseCtx:   baseCtx,
		stop:      stop,
		cancels:   make(map[string]context.CancelFunc),
		timers:    make(map[string]*time.Timer),
	}
}

// ValidateSpec checks a submission before it is persisted.
func ValidateSpec(job *jobstore.Job) error {
	if job.ID == "" {
		return apperrors.Validation("jobId", "required")
	}
	if job.ReferenceGranule == "" {
		return apperrors.Validation("referenceGranule", "required")
	}
	if job.SecondaryGranule == "" {
		return apperrors.Validation("secondaryGranule", "required")
	}
	if _, err := granule.Parse(job.ReferenceGranule); err != nil {
		return apperrors.Validation("referenceGranule", err.Error())
	}
	if _, err := granule.Parse(job.SecondaryGranule); err != nil {
		return apperrors.Validation("secondaryGranule", err.Error())
	}
	if job.Mode == jobstore.ModeRemote && (job.ReferenceURL == "" || job.SecondaryURL == "") {
		return apperrors.Validation("mode", "remote jobs require referenceUrl and secondaryUrl")
	}
	return nil
}

// Submit persists the job as PENDING and begins execution asynchronously.
func (o *Orchestrator) Submit(ctx context.Context, job *jobstore.Job) error {
	if err := ValidateSpec(job); err != nil {
		return err
	}
	if job.Mode == "" {
		job.Mode = jobstore.ModeLocal
	}
	if job.Mode == jobstore.ModeRemote && o.remote == nil {
		return apperrors.Validation("mode", "remote execution is not configured")
	}

	if err := o.jobs.Create(ctx, job); err != nil {
		return err
	}
	o.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("mode", string(job.Mode)))
	o.launch(job.ID, 1)
	return nil
}

// launch starts one attempt in its own goroutine, provided no other
// execution context holds the job.
func (o *Orchestrator) launch(jobID string, attempt int) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	delete(o.timers, jobID)
	o.mu.Unlock()

	release, ok := o.locks.TryAcquire(jobID)
	if !ok {
		o.logger.Warn("job already active, attempt not started",
			zap.String("job_id", jobID), zap.Int("attempt", attempt))
		return
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.cancels[jobID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer release()
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.cancels, jobID)
			o.mu.Unlock()
		}()
		if o.sem != nil {
			select {
			case o.sem <- struct{}{}:
				defer func() { <-o.sem }()
			case <-ctx.Done():
				// Cancelled (or shut down) while queued for a slot; the
				// cancel path has already sealed the job.
				return
			}
		}
		o.runAttempt(ctx, jobID, attempt)
	}()
}

func (o *Orchestrator) runAttempt(ctx context.Context, jobID string, attempt int) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		o.logger.Error("cannot load job for attempt", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		return
	}
	if job.Status == jobstore.StatusPending {
		if err := o.jobs.MarkProcessing(ctx, jobID); err != nil {
			o.logger.Error("cannot mark job processing", zap.String("job_id", jobID), zap.Error(err))
			return
		}
	}

	o.audit(ctx, jobID, worklog.LevelInfo,
		fmt.Sprintf("attempt %d started (%s mode)", attempt, job.Mode), "")

	start := time.Now()
	var runErr error
	if job.Mode == jobstore.ModeRemote {
		runErr = o.runRemote(ctx, job)
	} else {
		runErr = o.runLocal(ctx, job, start)
	}

	if runErr == nil {
		o.audit(ctx, jobID, worklog.LevelInfo,
			fmt.Sprintf("attempt %d succeeded in %s", attempt, time.Since(start).Round(time.Millisecond)), "")
		o.cleanupWorkspace(jobID)
		return
	}

	if errors.Is(runErr, context.Canceled) {
		// Cancel() already moved the job to CANCELLED.
		o.cleanupWorkspace(jobID)
		return
	}

	o.audit(ctx, jobID, worklog.LevelError,
		fmt.Sprintf("attempt %d failed: %v", attempt, runErr), fmt.Sprintf("%+v", runErr))
	o.decideNext(jobID, attempt, runErr)
}

// runLocal executes the full local pipeline and finalizes the job.
func (o *Orchestrator) runLocal(ctx context.Context, job *jobstore.Job, start time.Time) error {
	result, err := o.pipeline.ProcessFullPipeline(ctx, job)
	if err != nil {
		return err
	}

	results := &jobstore.ResultSet{
		InterferogramURL: result.Products.Interferogram,
		CoherenceURL:     result.Products.Coherence,
		UnwrappedURL:     result.Products.Unwrapped,
		DisplacementURL:  result.Products.Displacement,
	}
	if o.publisher != nil {
		uploaded, err := o.publisher.UploadProducts(ctx, job.ID, result.Products)
		if err != nil {
			return fmt.Errorf("publish results: %w", err)
		}
		results = uploaded
	}

	return o.finalizeSuccess(ctx, job.ID, time.Since(start), result.TemporalBaselineDays, results)
}

// runRemote dispatches the job and polls the endpoint, keeping the
// remote handle's status snapshot current. A webhook may finalize the
// job first; the poll loop then observes the terminal state and stops.
func (o *Orchestrator) runRemote(ctx context.Context, job *jobstore.Job) error {
	remoteID, err := o.remote.SubmitAsync(ctx, runpod.InputForJob(job, o.cfg.WebhookURL))
	if err != nil {
		return err
	}
	if err := o.jobs.UpsertRemoteHandle(ctx, jobstore.RemoteHandle{
		JobID:        job.ID,
		RemoteJobID:  remoteID,
		RemoteStatus: runpod.RemoteInQueue,
	}); err != nil {
		return err
	}

	ticker := time.NewTicker(o.cfg.RemotePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		current, err := o.jobs.Get(ctx, job.ID)
		if err == nil && current.Status.Terminal() {
			// Finalized out of band (webhook or cancel).
			return nil
		}

		resp, err := o.remote.GetStatus(ctx, remoteID)
		if err != nil {
			return err
		}
		if err := o.jobs.UpsertRemoteHandle(ctx, jobstore.RemoteHandle{
			JobID:        job.ID,
			RemoteJobID:  remoteID,
			RemoteStatus: resp.Status,
		}); err != nil {
			o.logger.Warn("cannot update remote handle", zap.String("job_id", job.ID), zap.Error(err))
		}
		if !runpod.Terminal(resp.Status) {
			continue
		}

		out, err := runpod.OutputOf(resp)
		if err != nil {
			return err
		}
		return o.completeRemote(ctx, job, out)
	}
}

// completeRemote normalizes worker output and finalizes the job.
func (o *Orchestrator) completeRemote(ctx context.Context, job *jobstore.Job, out *runpod.JobOutput) error {
	results, err := runpod.NormalizeOutput(out)
	if err != nil {
		return err
	}
	baselineDays, err := granule.TemporalBaselineDays(job.ReferenceGranule, job.SecondaryGranule)
	if err != nil {
		baselineDays = 0
	}
	return o.finalizeSuccess(ctx, job.ID, runpod.ProcessingTime(out), baselineDays, results)
}

// CompleteFromWebhook finalizes a remote job from a verified webhook
// delivery. Terminal jobs are left untouched.
func (o *Orchestrator) CompleteFromWebhook(ctx context.Context, out *runpod.JobOutput) error {
	if out == nil || out.JobID == "" {
		return apperrors.Validation("job_id", "webhook payload has no job_id")
	}
	job, err := o.jobs.Get(ctx, out.JobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	results, err := runpod.NormalizeOutput(out)
	if err != nil {
		var failed *runpod.JobFailedError
		if errors.As(err, &failed) {
			o.audit(ctx, job.ID, worklog.LevelError,
				fmt.Sprintf("webhook reported failure: %s", failed.Message), "")
			// An active poll loop observes the same terminal remote state
			// and drives the retry decision; deciding here too would
			// schedule the attempt twice.
			if !o.locks.Held(job.ID) {
				o.decideNext(job.ID, job.RetryCount+1, err)
			}
			return nil
		}
		return err
	}

	baselineDays, berr := granule.TemporalBaselineDays(job.ReferenceGranule, job.SecondaryGranule)
	if berr != nil {
		baselineDays = 0
	}
	o.audit(ctx, job.ID, worklog.LevelInfo, "job completed via webhook", "")
	return o.finalizeSuccess(ctx, job.ID, runpod.ProcessingTime(out), baselineDays, results)
}

// finalizeSuccess tolerates the job having been finalized concurrently
// (webhook vs poll loop); terminal-state races are benign.
func (o *Orchestrator) finalizeSuccess(ctx context.Context, jobID string, elapsed time.Duration, baselineDays int, results *jobstore.ResultSet) error {
	err := o.jobs.MarkSucceeded(ctx, jobID, elapsed, baselineDays, results)
	if errors.Is(err, jobstore.ErrInvalidTransition) {
		return nil
	}
	return err
}

// decideNext consults the retry engine and either schedules another
// attempt or fails the job terminally. Fatal error classes never reach
// the engine.
func (o *Orchestrator) decideNext(jobID string, attempt int, runErr error) {
	ctx := o.baseCtx

	if isFatal(runErr) {
		o.failJob(ctx, jobID, runErr.Error())
		return
	}

	decision, err := o.retry.Decide(ctx, jobID, attempt)
	if err != nil {
		o.logger.Error("retry decision failed, failing job",
			zap.String("job_id", jobID), zap.Error(err))
		o.failJob(ctx, jobID, runErr.Error())
		return
	}

	if !decision.ShouldRetry {
		o.audit(ctx, jobID, worklog.LevelWarn,
			fmt.Sprintf("giving up after attempt %d: %s", attempt, decision.Reason), "")
		o.failJob(ctx, jobID, runErr.Error())
		return
	}

	o.audit(ctx, jobID, worklog.LevelWarn,
		fmt.Sprintf("retrying after %s (%s), next attempt %d", decision.Delay, decision.Reason, attempt+1), "")
	if err := o.jobs.IncrementRetry(ctx, jobID); err != nil {
		o.logger.Error("cannot increment retry count", zap.String("job_id", jobID), zap.Error(err))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.timers[jobID] = time.AfterFunc(decision.Delay, func() {
		o.launch(jobID, attempt+1)
	})
}

func (o *Orchestrator) failJob(ctx context.Context, jobID, msg string) {
	if err := o.jobs.MarkFailed(ctx, jobID, msg); err != nil && !errors.Is(err, jobstore.ErrInvalidTransition) {
		o.logger.Error("cannot mark job failed", zap.String("job_id", jobID), zap.Error(err))
	}
	o.cleanupWorkspace(jobID)
}

// isFatal reports error classes that no retry can fix and that must not
// consume retry budget.
func isFatal(err error) bool {
	return executor.IsToolNotInstalled(err) || errors.Is(err, insar.ErrMissingInput)
}

// Cancel stops a job: persists CANCELLED, signals the running attempt,
// drops any scheduled retry, and best-effort cancels the remote side.
// Idempotent; cancelling a terminal job returns its current record.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*jobstore.Job, error) {
	job, err := o.jobs.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if cancel, ok := o.cancels[jobID]; ok {
		cancel()
	}
	if timer, ok := o.timers[jobID]; ok {
		timer.Stop()
		delete(o.timers, jobID)
	}
	o.mu.Unlock()

	if o.remote != nil {
		if handle, err := o.jobs.GetRemoteHandle(ctx, jobID); err == nil && !runpod.Terminal(handle.RemoteStatus) {
			if err := o.remote.Cancel(ctx, handle.RemoteJobID); err != nil {
				o.logger.Warn("remote cancel failed",
					zap.String("job_id", jobID),
					zap.String("remote_job_id", handle.RemoteJobID),
					zap.Error(err))
			}
		}
	}

	o.audit(ctx, jobID, worklog.LevelWarn, jobstore.CancelledByUser, "")
	return job, nil
}

// cleanupWorkspace removes the job's work tree after a terminal state.
// Best effort; failures are logged, never surfaced.
func (o *Orchestrator) cleanupWorkspace(jobID string) {
	if !o.cfg.CleanupWorkspace || o.cfg.WorkspaceRoot == "" {
		return
	}
	ws := insar.NewWorkspace(o.cfg.WorkspaceRoot, jobID)
	if err := ws.Remove(); err != nil {
		o.logger.Warn("workspace cleanup failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) audit(ctx context.Context, jobID string, level worklog.Level, msg, stack string) {
	if o.logs == nil {
		return
	}
	err := o.logs.Append(ctx, worklog.Entry{
		JobID:      jobID,
		WorkerName: o.cfg.WorkerName,
		Level:      level,
		Message:    msg,
		ErrorStack: stack,
	})
	if err != nil {
		o.logger.Warn("worklog append failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Shutdown stops accepting work, drops scheduled retries, cancels
// running attempts, and waits for them up to ctx's deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for id, timer := range o.timers {
		timer.Stop()
		delete(o.timers, id)
	}
	o.mu.Unlock()

	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
