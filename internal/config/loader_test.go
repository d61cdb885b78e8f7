package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
model:
  model_name: xlnet-base-cased
  num_classes: 3
  topk: 7
  lamda: 0.1
  gamma: 0.2
encoder:
  backend: fixture
  hidden_dim: 64
  num_layers: 4
training:
  batch_size: 8
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "selfexplain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Model.NumClasses)
	assert.Equal(t, 7, cfg.Model.TopK)
	assert.Equal(t, 0.1, cfg.Model.Lamda)
	assert.Equal(t, 64, cfg.Encoder.HiddenDim)
	assert.Equal(t, 8, cfg.Training.BatchSize)

	// Unset fields fall back to defaults.
	assert.Equal(t, "Last", cfg.Model.Pooling)
	assert.Equal(t, 5e-4, cfg.Optimizer.LR)
	assert.Equal(t, 3, cfg.Training.Epochs)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SELFEXPLAIN_MODEL_TOPK", "9")
	cfg, err := Load(writeTempConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Model.TopK)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	bad := sampleYAML + "\nmetrics:\n  enabled: true\n"
	// Sanity: valid so far.
	_, err := Load(writeTempConfig(t, bad))
	require.NoError(t, err)

	_, err = Load(writeTempConfig(t, sampleYAML+"\noptimizer:\n  lr: -1\n"))
	require.Error(t, err)
}

func TestLoadFromEnv_DefaultsOnly(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Model.TopK)
}
