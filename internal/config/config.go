// Package config loads the service configuration from YAML and watches it for
// changes to the runtime tunables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/fallback"
	"github.com/Brownie44l1/scrap-weight-api/internal/fusion"
	"github.com/Brownie44l1/scrap-weight-api/internal/health"
	"github.com/Brownie44l1/scrap-weight-api/internal/imageproc"
	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"gopkg.in/yaml.v3"
)

// Defaults applied when fields are absent from the file.
const (
	DefaultPort             = 8080
	DefaultModelsDir        = "models"
	DefaultImageRoot        = "images"
	DefaultInferenceTimeout = 10 * time.Second
	DefaultLearningPath     = "data/learning.jsonl"
	DefaultBatchConcurrency = 4
)

// Config mirrors config.example.yaml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Models     ModelsConfig     `yaml:"models"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Fallback   fallback.Policy  `yaml:"fallback"`
	Health     HealthConfig     `yaml:"health"`
	Learning   LearningConfig   `yaml:"learning"`
	Batch      BatchConfig      `yaml:"batch"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// ImageRoot bounds the image_path of JSON predictions. Empty disables
	// path-based predictions; uploads still work.
	ImageRoot string `yaml:"image_root"`
}

type LogConfig struct {
	// Level is one of debug | info | warn | error.
	Level       string `yaml:"level"`
	Environment string `yaml:"environment"`
}

// ModelsConfig locates the model assets. Relative paths are resolved against
// Dir; kinds without an entry use <dir>/<kind>.onnx and
// <dir>/<kind>_metadata.json.
type ModelsConfig struct {
	Dir               string                 `yaml:"dir"`
	SharedLibraryPath string                 `yaml:"shared_library_path"`
	InferenceTimeout  time.Duration          `yaml:"inference_timeout"`
	Assets            map[string]AssetConfig `yaml:"assets"`
	// Disabled lists kinds that are never loaded.
	Disabled []string `yaml:"disabled"`
}

type AssetConfig struct {
	Model    string `yaml:"model"`
	Metadata string `yaml:"metadata"`
}

type PreprocessConfig struct {
	InputSize    int   `yaml:"input_size"`
	MinFileBytes int64 `yaml:"min_file_bytes"`
	MaxFileBytes int64 `yaml:"max_file_bytes"`
	MinDimension int   `yaml:"min_dimension"`
	MaxDimension int   `yaml:"max_dimension"`
	ChunkRows    int   `yaml:"chunk_rows"`
}

type FusionConfig struct {
	DefaultPixelsPerInch float64 `yaml:"default_pixels_per_inch"`
	DefaultShapeFactor   float64 `yaml:"default_shape_factor"`
	fusion.Policy        `yaml:",inline"`
}

type HealthConfig struct {
	UnhealthyStreak int `yaml:"unhealthy_streak"`
}

type LearningConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// Load reads and parses the YAML config at path. An empty path returns the
// defaults. PORT overrides server.port.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("config: invalid PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	pre := imageproc.DefaultOptions()
	fus := fusion.DefaultConfig()
	return &Config{
		Server: ServerConfig{Port: DefaultPort, ImageRoot: DefaultImageRoot},
		Log:    LogConfig{Level: "info", Environment: "production"},
		Models: ModelsConfig{
			Dir:              DefaultModelsDir,
			InferenceTimeout: DefaultInferenceTimeout,
		},
		Preprocess: PreprocessConfig{
			InputSize:    pre.InputSize,
			MinFileBytes: pre.MinFileBytes,
			MaxFileBytes: pre.MaxFileBytes,
			MinDimension: pre.MinDimension,
			MaxDimension: pre.MaxDimension,
			ChunkRows:    pre.ChunkRows,
		},
		Fusion: FusionConfig{
			DefaultPixelsPerInch: fus.DefaultPixelsPerInch,
			DefaultShapeFactor:   fus.DefaultShapeFactor,
			Policy:               fusion.DefaultPolicy(),
		},
		Fallback: fallback.DefaultPolicy(),
		Health:   HealthConfig{UnhealthyStreak: health.DefaultStreakThreshold},
		Learning: LearningConfig{Enabled: true, Path: DefaultLearningPath},
		Batch:    BatchConfig{Concurrency: DefaultBatchConcurrency},
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", cfg.Log.Level)
	}
	for key := range cfg.Models.Assets {
		if _, err := model.ParseKind(key); err != nil {
			return fmt.Errorf("models.assets: %w", err)
		}
	}
	for _, key := range cfg.Models.Disabled {
		if _, err := model.ParseKind(key); err != nil {
			return fmt.Errorf("models.disabled: %w", err)
		}
	}
	if cfg.Models.InferenceTimeout < 0 {
		return fmt.Errorf("models.inference_timeout must not be negative")
	}

	p := cfg.Preprocess
	if p.InputSize <= 0 {
		return fmt.Errorf("preprocess.input_size must be positive")
	}
	if p.MinFileBytes < 0 || p.MaxFileBytes <= p.MinFileBytes {
		return fmt.Errorf("preprocess: max_file_bytes must exceed min_file_bytes")
	}
	if p.MinDimension <= 0 || p.MaxDimension < p.MinDimension {
		return fmt.Errorf("preprocess: max_dimension must be at least min_dimension")
	}

	f := cfg.Fusion
	if f.DefaultPixelsPerInch <= 0 {
		return fmt.Errorf("fusion.default_pixels_per_inch must be positive")
	}
	if f.DefaultShapeFactor <= 0 || f.DefaultShapeFactor > 1 {
		return fmt.Errorf("fusion.default_shape_factor must be in (0, 1]")
	}
	if f.DetectorBoost < 0 || f.DepthBoost < 0 || f.ShapeBoost < 0 || f.EnsembleThrottle < 0 {
		return fmt.Errorf("fusion: boosts must not be negative")
	}

	fb := cfg.Fallback
	if fb.MaxRetries <= 0 {
		return fmt.Errorf("fallback.max_retries must be positive")
	}
	if fb.BaseDelay < 0 {
		return fmt.Errorf("fallback.base_delay must not be negative")
	}
	if fb.PartialScale <= 0 || fb.PartialScale > 1 {
		return fmt.Errorf("fallback.partial_scale must be in (0, 1]")
	}
	if fb.EmergencyWeight <= 0 {
		return fmt.Errorf("fallback.emergency_weight must be positive")
	}

	if cfg.Health.UnhealthyStreak <= 0 {
		return fmt.Errorf("health.unhealthy_streak must be positive")
	}
	if cfg.Learning.Enabled && cfg.Learning.Path == "" {
		return fmt.Errorf("learning.path is required when learning is enabled")
	}
	if cfg.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be positive")
	}
	return nil
}

// ResolveAssets resolves the asset paths for every enabled kind.
func (m ModelsConfig) ResolveAssets() map[model.Kind]model.Asset {
	disabled := make(map[model.Kind]bool, len(m.Disabled))
	for _, key := range m.Disabled {
		if k, err := model.ParseKind(key); err == nil {
			disabled[k] = true
		}
	}
	configured := make(map[model.Kind]AssetConfig, len(m.Assets))
	for key, a := range m.Assets {
		if k, err := model.ParseKind(key); err == nil {
			configured[k] = a
		}
	}

	out := make(map[model.Kind]model.Asset, len(model.Kinds))
	for _, k := range model.Kinds {
		if disabled[k] {
			continue
		}
		a := configured[k]
		if a.Model == "" {
			a.Model = k.String() + ".onnx"
		}
		if a.Metadata == "" {
			a.Metadata = k.String() + "_metadata.json"
		}
		out[k] = model.Asset{
			ModelPath:    m.resolve(a.Model),
			MetadataPath: m.resolve(a.Metadata),
		}
	}
	return out
}

func (m ModelsConfig) resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// PreprocessOptions converts the section into imageproc options.
func (c *Config) PreprocessOptions() imageproc.Options {
	p := c.Preprocess
	return imageproc.Options{
		InputSize:    p.InputSize,
		MinFileBytes: p.MinFileBytes,
		MaxFileBytes: p.MaxFileBytes,
		MinDimension: p.MinDimension,
		MaxDimension: p.MaxDimension,
		ChunkRows:    p.ChunkRows,
	}
}

// EngineConfig converts the section into the engine geometry defaults.
func (c *Config) EngineConfig() fusion.Config {
	return fusion.Config{
		DefaultPixelsPerInch: c.Fusion.DefaultPixelsPerInch,
		DefaultShapeFactor:   c.Fusion.DefaultShapeFactor,
	}
}
