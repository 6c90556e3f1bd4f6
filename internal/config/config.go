// Package config loads pipeline settings from the environment, after
// merging an optional .env file from the working directory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fpang/mv3d-pipeline/internal/checkpoints"
	"github.com/fpang/mv3d-pipeline/internal/reconstruct"
	"github.com/fpang/mv3d-pipeline/internal/runerr"
	"github.com/fpang/mv3d-pipeline/internal/segment"
	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvToolRoot      = "MV3D_TOOL_ROOT"
	EnvPython        = "MV3D_PYTHON"
	EnvScript        = "MV3D_SCRIPT"
	EnvCheckpointDir = "MV3D_CHECKPOINT_DIR"
	EnvHFRepo        = "MV3D_HF_REPO"
	EnvHFEndpoint    = "MV3D_HF_ENDPOINT"
	EnvFalApp        = "MV3D_FAL_APP"
	EnvFalQueueURL   = "MV3D_FAL_QUEUE_URL"
	EnvFalStorageURL = "MV3D_FAL_STORAGE_URL"
	EnvUploadMode    = "MV3D_UPLOAD_MODE"
	EnvHTTPTimeout   = "MV3D_HTTP_TIMEOUT"
	EnvWorkDir       = "MV3D_WORK_DIR"
	EnvBundleBucket  = "MV3D_BUNDLE_BUCKET"
	EnvBundlePrefix  = "MV3D_BUNDLE_PREFIX"
	EnvPresignTTL    = "MV3D_PRESIGN_TTL"
	EnvEmitMetrics   = "MV3D_EMIT_METRICS"
)

const (
	DefaultBundlePrefix = "mv3d"
	DefaultPresignTTL   = 24 * time.Hour
)

// Config holds every environment-provided setting.
type Config struct {
	ToolRoot string
	Python   string
	Script   string

	CheckpointDir string
	HFRepo        string
	HFEndpoint    string

	FalApp        string
	FalQueueURL   string
	FalStorageURL string
	UploadMode    segment.UploadMode
	HTTPTimeout   time.Duration

	// WorkDir is the parent of per-run staging directories; empty means
	// the OS temp directory.
	WorkDir string

	// BundleBucket enables publishing when set.
	BundleBucket string
	BundlePrefix string
	PresignTTL   time.Duration

	EmitMetrics bool
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	// A missing .env file is normal.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Invalid values are configuration errors.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		ToolRoot:      get(EnvToolRoot, reconstruct.DefaultRoot),
		Python:        get(EnvPython, reconstruct.DefaultInterpreter),
		Script:        get(EnvScript, reconstruct.DefaultScript),
		CheckpointDir: get(EnvCheckpointDir, checkpoints.DefaultCacheDir),
		HFRepo:        get(EnvHFRepo, checkpoints.DefaultRepo),
		HFEndpoint:    get(EnvHFEndpoint, checkpoints.DefaultEndpoint),
		FalApp:        get(EnvFalApp, segment.DefaultApp),
		FalQueueURL:   get(EnvFalQueueURL, segment.DefaultQueueURL),
		FalStorageURL: get(EnvFalStorageURL, segment.DefaultStorageURL),
		WorkDir:       get(EnvWorkDir, ""),
		BundleBucket:  get(EnvBundleBucket, ""),
		BundlePrefix:  get(EnvBundlePrefix, DefaultBundlePrefix),
	}

	var err error
	if cfg.UploadMode, err = segment.ParseUploadMode(getenv(EnvUploadMode)); err != nil {
		return nil, configErr(EnvUploadMode, err)
	}
	if cfg.HTTPTimeout, err = duration(getenv, EnvHTTPTimeout, segment.DefaultHTTPTimeout); err != nil {
		return nil, err
	}
	if cfg.PresignTTL, err = duration(getenv, EnvPresignTTL, DefaultPresignTTL); err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(getenv(EnvEmitMetrics)); v != "" {
		if cfg.EmitMetrics, err = strconv.ParseBool(v); err != nil {
			return nil, configErr(EnvEmitMetrics, err)
		}
	}
	return cfg, nil
}

func duration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, configErr(key, err)
	}
	if d <= 0 {
		return 0, configErr(key, fmt.Errorf("duration must be positive, got %s", v))
	}
	return d, nil
}

func configErr(key string, err error) error {
	return runerr.Wrap(runerr.KindConfiguration, "config", "invalid "+key, err)
}

// Tool returns the reconstruction tool location.
func (c *Config) Tool() reconstruct.Tool {
	return reconstruct.Tool{Root: c.ToolRoot, Interpreter: c.Python, Script: c.Script}
}

// Checkpoints returns the provisioner settings. token may be empty.
func (c *Config) Checkpoints(token string) checkpoints.Config {
	return checkpoints.Config{
		CacheDir:    c.CheckpointDir,
		Repo:        c.HFRepo,
		Endpoint:    c.HFEndpoint,
		Token:       token,
		HTTPTimeout: c.HTTPTimeout,
	}
}

// Fal returns the segmentation client settings.
func (c *Config) Fal() segment.ClientConfig {
	return segment.ClientConfig{
		App:         c.FalApp,
		QueueURL:    c.FalQueueURL,
		StorageURL:  c.FalStorageURL,
		UploadMode:  c.UploadMode,
		HTTPTimeout: c.HTTPTimeout,
	}
}

// Publishing reports whether bundles are uploaded to S3.
func (c *Config) Publishing() bool {
	return c.BundleBucket != ""
}
