package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/born-ml/deep3d/internal/model"
	"github.com/born-ml/deep3d/internal/optim"
	"github.com/born-ml/deep3d/internal/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "deep3Dtrain_model_1", cfg.Name)
	assert.Equal(t, float32(1e-5), cfg.Training.LearningRate)
	assert.Equal(t, optim.ModeMomentum, cfg.TrainingMode())
	assert.Equal(t, 2, cfg.Training.PatchesPerBatch)
	assert.Equal(t, 3, cfg.Model.LabelsPerDim)

	arch := cfg.Architecture()
	assert.Equal(t, 8, arch.NumLayers())
	assert.Equal(t, float32(0), arch.Dropout, "dropout is off by default")
	assert.Equal(t, 57, arch.InputSizeFor(3))

	as := cfg.AutosaveConfig()
	assert.Equal(t, 60*time.Minute, as.Frequency)
	assert.Equal(t, 100, as.Files)
	assert.InDelta(t, 1e-6, as.LREnd, 1e-12)

	aug, on := cfg.AugmentationParams()
	assert.True(t, on)
	assert.Equal(t, patch.DefaultAugmentation, aug)

	assert.Equal(t, filepath.Join("deep3Dtrain_model_1", "end_deep3Dtrain_model_1.save"), cfg.FinalSavePath())
	assert.Equal(t, filepath.Join("deep3Dtrain_model_1", "LOG_deep3Dtrain_model_1.txt"), cfg.LogPath())
}

func TestParse_Overlay(t *testing.T) {
	base := Default()
	cfg, err := Parse([]byte(`
name: run2
model:
  filter_sizes: [3, 1]
  pooling_factors: [2, 1]
  channels: [8, 2]
  activations: [tanh, linear]
  dropout: true
training:
  mode: adam
schedule:
  max_training_time: 2h
augmentation:
  lesser: true
`), base)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "run2", cfg.Name)
	assert.Equal(t, optim.ModeAdam, cfg.TrainingMode())
	assert.Equal(t, 2*time.Hour, cfg.Schedule.MaxTrainingTime)
	assert.Equal(t, 0.5, cfg.Schedule.ScalingMagnitude, "unset keys keep the base value")

	arch := cfg.Architecture()
	assert.Equal(t, float32(0.5), arch.Dropout)
	acts, err := arch.Activations.Resolve(2)
	require.NoError(t, err)
	assert.Equal(t, "linear", acts[1].String())

	aug, _ := cfg.AugmentationParams()
	assert.Equal(t, patch.LesserAugmentation, aug)

	// The base record is untouched.
	assert.Equal(t, 8, len(base.Model.Channels))
	assert.Equal(t, "deep3Dtrain_model_1", base.Name)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil, Default())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_UnknownKey(t *testing.T) {
	_, err := Parse([]byte("trainig:\n  mode: sgd\n"), Default())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("training:\n  learning_rate: 0.001\n"), 0o600))

	cfg, err := Load(path, Default())
	require.NoError(t, err)
	assert.Equal(t, float32(0.001), cfg.Training.LearningRate)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), Default())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"nested name", func(c *Config) { c.Name = "a/b" }, ErrInvalid},
		{"empty name", func(c *Config) { c.Name = "" }, ErrInvalid},
		{"layer lengths", func(c *Config) { c.Model.Channels = []int{2} }, model.ErrLayerSpecLength},
		{"activation count", func(c *Config) { c.Model.Activations = []string{"relu"} }, model.ErrActivationCount},
		{"single class", func(c *Config) { c.Model.Channels[7] = 1 }, ErrInvalid},
		{"learning rate", func(c *Config) { c.Training.LearningRate = 0 }, ErrInvalid},
		{"momentum", func(c *Config) { c.Training.Momentum = 1 }, ErrInvalid},
		{"mode", func(c *Config) { c.Training.Mode = "rmsprop" }, ErrInvalid},
		{"multiplicity", func(c *Config) { c.Training.PatchesPerBatch = patch.MaxMultiplicity }, patch.ErrMultiplicity},
		{"labels per dim", func(c *Config) { c.Model.LabelsPerDim = 0 }, ErrInvalid},
		{"autosave files", func(c *Config) { c.Autosave.Files = 0 }, ErrInvalid},
		{"scaling", func(c *Config) { c.Schedule.ScalingMagnitude = 1 }, ErrInvalid},
		{"holdout without data", func(c *Config) { c.Evaluation.Mode = EvalHoldout }, ErrInvalid},
		{"evaluation mode", func(c *Config) { c.Evaluation.Mode = "offline" }, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidate_Holdout(t *testing.T) {
	cfg := Default()
	cfg.Evaluation.Mode = EvalHoldout
	cfg.Data.Test = []string{"test.safetensors"}
	assert.NoError(t, cfg.Validate())
}
