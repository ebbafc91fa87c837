// Package config loads sarpipe configuration from defaults, an optional
// YAML file, SARPIPE_* environment variables, and runtime overrides, in
// that order of increasing precedence.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the effective configuration for one sarpipe process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	RunPod    RunPodConfig    `mapstructure:"runpod" yaml:"runpod"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig controls log level and encoder profile.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// PipelineConfig controls local InSAR processing.
type PipelineConfig struct {
	// WorkspaceRoot holds one isolated work tree per job.
	WorkspaceRoot string `mapstructure:"workspace_root" yaml:"workspace_root"`
	// DEMPath is the absolute path of the digital elevation model grid.
	DEMPath string `mapstructure:"dem_path" yaml:"dem_path"`
	// OrbitDir holds precise orbit files for the granules.
	OrbitDir string `mapstructure:"orbit_dir" yaml:"orbit_dir"`
	// CondaEnv, when set, wraps tool invocations in `conda run -n <env>`.
	CondaEnv string `mapstructure:"conda_env" yaml:"conda_env"`
	// StageTimeout bounds a single processing stage.
	StageTimeout time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout"`
	// PipelineTimeout bounds a whole-pipeline step (data transfer included).
	PipelineTimeout time.Duration `mapstructure:"pipeline_timeout" yaml:"pipeline_timeout"`
	// CleanupWorkspace removes the job work tree after terminal states.
	CleanupWorkspace bool `mapstructure:"cleanup_workspace" yaml:"cleanup_workspace"`
	// MaxConcurrentJobs bounds pipelines running at once; 0 means unbounded.
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
}

// StoreConfig locates the sqlite database for jobs and worker logs.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RetryConfig tunes the retry strategy engine.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// RunPodConfig configures the remote serverless dispatcher.
type RunPodConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	EndpointID    string        `mapstructure:"endpoint_id" yaml:"endpoint_id"`
	APIKey        string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	WebhookSecret string        `mapstructure:"webhook_secret" yaml:"webhook_secret,omitempty"`
	WebhookURL    string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SyncTimeout   time.Duration `mapstructure:"sync_timeout" yaml:"sync_timeout"`
}

// Enabled reports whether remote dispatch is configured.
func (c RunPodConfig) Enabled() bool {
	return c.BaseURL != "" && c.EndpointID != ""
}

// ArtifactsConfig configures result raster uploads to S3-compatible storage.
type ArtifactsConfig struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Region         string `mapstructure:"region" yaml:"region"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
	Prefix         string `mapstructure:"prefix" yaml:"prefix"`
}

// Enabled reports whether artifact upload is configured.
func (c ArtifactsConfig) Enabled() bool { return c.Bucket != "" }

// YAML renders the effective configuration with secrets redacted. Used by
// `sarpipe doctor --verbose`.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.RunPod.APIKey != "" {
		out.RunPod.APIKey = "****"
	}
	if out.RunPod.WebhookSecret != "" {
		out.RunPod.WebhookSecret = "****"
	}
	return yaml.Marshal(&out)
}
