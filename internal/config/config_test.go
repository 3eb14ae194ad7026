package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Brownie44l1/scrap-weight-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  image_root: /srv/photos
log:
  level: debug
models:
  dir: /opt/models
  inference_timeout: 2s
  assets:
    detector:
      model: yolo.onnx
      metadata: yolo.json
  disabled: [shape]
fusion:
  default_pixels_per_inch: 200
  detector_boost: 2
fallback:
  max_retries: 4
  base_delay: 250ms
health:
  unhealthy_streak: 3
learning:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/srv/photos", cfg.Server.ImageRoot)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Models.InferenceTimeout)
	assert.Equal(t, 200.0, cfg.Fusion.DefaultPixelsPerInch)
	assert.Equal(t, 2.0, cfg.Fusion.DetectorBoost)
	assert.Equal(t, 1.3, cfg.Fusion.DepthBoost)
	assert.Equal(t, 4, cfg.Fallback.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Fallback.BaseDelay)
	assert.Equal(t, 0.85, cfg.Fallback.PartialScale)
	assert.Equal(t, 3, cfg.Health.UnhealthyStreak)
	assert.False(t, cfg.Learning.Enabled)

	assets := cfg.Models.ResolveAssets()
	assert.NotContains(t, assets, model.Shape)
	assert.Equal(t, "/opt/models/yolo.onnx", assets[model.Detector].ModelPath)
	assert.Equal(t, "/opt/models/depth.onnx", assets[model.Depth].ModelPath)
	assert.Equal(t, "/opt/models/ensemble_metadata.json", assets[model.Ensemble].MetadataPath)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultImageRoot, cfg.Server.ImageRoot)
	assert.Equal(t, 224, cfg.Preprocess.InputSize)
	assert.Equal(t, 3, cfg.Fallback.MaxRetries)
	assert.Equal(t, 150.0, cfg.EngineConfig().DefaultPixelsPerInch)
	assert.Equal(t, cfg.Preprocess.MaxFileBytes, cfg.PreprocessOptions().MaxFileBytes)
	assert.Len(t, cfg.Models.ResolveAssets(), len(model.Kinds))
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)

	def, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, def.Fallback, cfg.Fallback)
	assert.Equal(t, def.Fusion, cfg.Fusion)
	assert.Equal(t, def.Preprocess, cfg.Preprocess)
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, "models/weight_ensemble.onnx", cfg.Models.ResolveAssets()[model.Ensemble].ModelPath)
}

func TestLoad_PortEnvOverride(t *testing.T) {
	t.Setenv("PORT", "7000")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)

	t.Setenv("PORT", "abc")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown kind":   "models:\n  assets:\n    lidar: {model: x.onnx}\n",
		"bad level":      "log:\n  level: loud\n",
		"zero retries":   "fallback:\n  max_retries: -1\n",
		"bad scale":      "fallback:\n  partial_scale: 1.5\n",
		"bad shape":      "fusion:\n  default_shape_factor: 2\n",
		"bad dimensions": "preprocess:\n  min_dimension: 100\n  max_dimension: 50\n",
		"not yaml":       "server: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatch_Reloads(t *testing.T) {
	path := writeConfig(t, "fallback:\n  max_retries: 3\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c *Config) { changes <- c }) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("fallback:\n  max_retries: 5\n"), 0o644))

	// a single write may surface as several events, some seeing a truncated file
	deadline := time.After(5 * time.Second)
	for seen := false; !seen; {
		select {
		case c := <-changes:
			seen = c.Fallback.MaxRetries == 5
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestWatch_ReloadsAfterRenameSave(t *testing.T) {
	path := writeConfig(t, "fallback:\n  max_retries: 3\n")
	dir := filepath.Dir(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c *Config) { changes <- c }) }()
	time.Sleep(100 * time.Millisecond)

	// unrelated files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("server: ["), 0o644))

	save := func(retries string) {
		tmp := filepath.Join(dir, ".config.yaml.swp")
		require.NoError(t, os.WriteFile(tmp, []byte("fallback:\n  max_retries: "+retries+"\n"), 0o644))
		require.NoError(t, os.Rename(tmp, path))
	}
	wait := func(want int) {
		deadline := time.After(5 * time.Second)
		for {
			select {
			case c := <-changes:
				if c.Fallback.MaxRetries == want {
					return
				}
			case <-deadline:
				t.Fatalf("no reload to %d observed", want)
			}
		}
	}

	save("5")
	wait(5)
	// the replaced inode must not end the watch
	save("7")
	wait(7)

	cancel()
	assert.NoError(t, <-done)
}
