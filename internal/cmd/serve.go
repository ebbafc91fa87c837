package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sentryal/sarpipe/internal/config"
	"github.com/sentryal/sarpipe/internal/observability"
	"github.com/sentryal/sarpipe/internal/server"
	"github.com/sentryal/sarpipe/internal/server/handlers"
	"github.com/sentryal/sarpipe/pkg/artifact"
	"github.com/sentryal/sarpipe/pkg/executor"
	"github.com/sentryal/sarpipe/pkg/insar"
	"github.com/sentryal/sarpipe/pkg/jobstore"
	"github.com/sentryal/sarpipe/pkg/orchestrator"
	"github.com/sentryal/sarpipe/pkg/retry"
	"github.com/sentryal/sarpipe/pkg/runpod"
	"github.com/sentryal/sarpipe/pkg/worklog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the processing API server",
	Long: `Start the HTTP API and the job orchestrator. Jobs are accepted on
POST /process and executed asynchronously; state survives restarts in the
configured store.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.Logger

	jobs, err := jobstore.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobs.Close()

	logs, err := worklog.NewWithDB(ctx, jobs.DB())
	if err != nil {
		return fmt.Errorf("open worker log store: %w", err)
	}

	engine := retry.NewEngine(logs, retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	}, logger)

	env := buildEnvironment(cfg.Pipeline)
	exec := executor.New(env, logger)
	controller := insar.NewController(exec, jobs, insar.Config{
		WorkspaceRoot: cfg.Pipeline.WorkspaceRoot,
		DEMPath:       cfg.Pipeline.DEMPath,
		OrbitDir:      cfg.Pipeline.OrbitDir,
		StageTimeout:  cfg.Pipeline.StageTimeout,
	}, logger)

	var remote orchestrator.Remote
	var remoteClient *runpod.Client
	if cfg.RunPod.Enabled() {
		remoteClient, err = runpod.NewClient(runpod.Config{
			BaseURL:      cfg.RunPod.BaseURL,
			EndpointID:   cfg.RunPod.EndpointID,
			APIKey:       cfg.RunPod.APIKey,
			PollInterval: cfg.RunPod.PollInterval,
			SyncTimeout:  cfg.RunPod.SyncTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("configure remote endpoint: %w", err)
		}
		remote = remoteClient
		logger.Info("remote dispatch enabled", zap.String("endpoint_id", cfg.RunPod.EndpointID))
	}

	var publisher orchestrator.ResultPublisher
	if cfg.Artifacts.Enabled() {
		uploader, err := artifact.New(ctx, artifact.Config{
			Bucket:         cfg.Artifacts.Bucket,
			Region:         cfg.Artifacts.Region,
			Endpoint:       cfg.Artifacts.Endpoint,
			ForcePathStyle: cfg.Artifacts.ForcePathStyle,
			Prefix:         cfg.Artifacts.Prefix,
		}, logger)
		if err != nil {
			return fmt.Errorf("configure artifact storage: %w", err)
		}
		publisher = uploader
		logger.Info("artifact upload enabled", zap.String("bucket", cfg.Artifacts.Bucket))
	}

	orch := orchestrator.New(jobs, logs, engine, controller, remote, publisher, orchestrator.Config{
		WorkspaceRoot:    cfg.Pipeline.WorkspaceRoot,
		WebhookURL:       cfg.RunPod.WebhookURL,
		CleanupWorkspace: cfg.Pipeline.CleanupWorkspace,
		RemotePoll:       cfg.RunPod.PollInterval,
		MaxConcurrent:    cfg.Pipeline.MaxConcurrentJobs,
	}, logger)

	handlers.InitHealthManager(versionInfo.Version)
	registerHealthCheckers(jobs, remoteClient)

	verifier := runpod.NewVerifier(cfg.RunPod.WebhookSecret, logger)
	api := handlers.NewJobs(orch, jobs, logs, verifier, logger)
	srv := server.New(cfg.Server.Host, cfg.Server.Port, server.WithJobs(api))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func buildEnvironment(p config.PipelineConfig) executor.Environment {
	if p.CondaEnv != "" {
		return executor.CondaEnvironment{EnvName: p.CondaEnv}
	}
	return executor.NativeEnvironment{}
}

func registerHealthCheckers(jobs *jobstore.Store, remote *runpod.Client) {
	manager := handlers.GetHealthManager()

	manager.RegisterChecker("jobstore", handlers.CheckerFunc(func(ctx context.Context) error {
		return jobs.DB().PingContext(ctx)
	}))

	manager.RegisterChecker("workspace", handlers.CheckerFunc(func(ctx context.Context) error {
		return checkWritable(cfg.Pipeline.WorkspaceRoot)
	}))

	manager.RegisterChecker("tools", handlers.CheckerFunc(func(ctx context.Context) error {
		return checkTools(cfg.Pipeline)
	}))

	if remote != nil {
		manager.RegisterChecker("remote", handlers.CheckerFunc(func(ctx context.Context) error {
			_, err := remote.Health(ctx)
			return err
		}))
	}
}

func checkWritable(dir string) error {
	if dir == "" {
		return fmt.Errorf("workspace root not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".sarpipe-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}
