package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const envPrefix = "SARPIPE"

// Load builds the effective configuration: defaults, then the config file
// (if present), then SARPIPE_* environment variables, then any runtime
// override maps (highest precedence, applied in order).
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("sarpipe")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sarpipe")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	for _, override := range overrides {
		if err := v.MergeConfigMap(override); err != nil {
			return nil, fmt.Errorf("merge overrides: %w", err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("pipeline.workspace_root", "/tmp/sarpipe")
	v.SetDefault("pipeline.dem_path", "")
	v.SetDefault("pipeline.orbit_dir", "")
	v.SetDefault("pipeline.conda_env", "")
	v.SetDefault("pipeline.stage_timeout", time.Hour)
	v.SetDefault("pipeline.pipeline_timeout", 2*time.Hour)
	v.SetDefault("pipeline.cleanup_workspace", false)
	v.SetDefault("pipeline.max_concurrent_jobs", 0)

	v.SetDefault("store.path", "sarpipe.db")

	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.base_delay", 30*time.Second)
	v.SetDefault("retry.max_delay", 10*time.Minute)

	v.SetDefault("runpod.base_url", "")
	v.SetDefault("runpod.endpoint_id", "")
	v.SetDefault("runpod.poll_interval", 10*time.Second)
	v.SetDefault("runpod.sync_timeout", 2*time.Hour)

	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.region", "")
	v.SetDefault("artifacts.force_path_style", false)
	v.SetDefault("artifacts.prefix", "results")
}

// bindEnvAliases keeps short operator-friendly env names working alongside
// the replacer-derived ones (SARPIPE_SERVER_PORT etc).
func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SARPIPE_PORT", "SARPIPE_SERVER_PORT")
	_ = v.BindEnv("server.host", "SARPIPE_HOST", "SARPIPE_SERVER_HOST")
	_ = v.BindEnv("logging.level", "SARPIPE_LOG_LEVEL", "SARPIPE_LOGGING_LEVEL")
	_ = v.BindEnv("store.path", "SARPIPE_STORE_PATH")
	_ = v.BindEnv("pipeline.workspace_root", "SARPIPE_WORKSPACE_ROOT", "SARPIPE_PIPELINE_WORKSPACE_ROOT")
	_ = v.BindEnv("pipeline.dem_path", "SARPIPE_DEM_PATH", "SARPIPE_PIPELINE_DEM_PATH")
	_ = v.BindEnv("pipeline.orbit_dir", "SARPIPE_ORBIT_DIR", "SARPIPE_PIPELINE_ORBIT_DIR")
	_ = v.BindEnv("runpod.base_url", "SARPIPE_RUNPOD_BASE_URL")
	_ = v.BindEnv("runpod.endpoint_id", "SARPIPE_RUNPOD_ENDPOINT_ID")
	_ = v.BindEnv("runpod.api_key", "SARPIPE_RUNPOD_API_KEY")
	_ = v.BindEnv("runpod.webhook_secret", "SARPIPE_RUNPOD_WEBHOOK_SECRET")
	_ = v.BindEnv("runpod.webhook_url", "SARPIPE_RUNPOD_WEBHOOK_URL")
	_ = v.BindEnv("artifacts.bucket", "SARPIPE_ARTIFACTS_BUCKET")
	_ = v.BindEnv("artifacts.endpoint", "SARPIPE_ARTIFACTS_ENDPOINT")
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be >= 1, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry delays invalid: base=%s max=%s", cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	}
	if cfg.Pipeline.StageTimeout <= 0 || cfg.Pipeline.PipelineTimeout < cfg.Pipeline.StageTimeout {
		return fmt.Errorf("pipeline timeouts invalid: stage=%s pipeline=%s",
			cfg.Pipeline.StageTimeout, cfg.Pipeline.PipelineTimeout)
	}
	return nil
}
