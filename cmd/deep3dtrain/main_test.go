package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/deep3d/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*options, error) {
	t.Helper()
	fs := flag.NewFlagSet("deep3dtrain", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseFlags(fs, args)
}

func TestStringsFlag(t *testing.T) {
	var s stringsFlag
	require.NoError(t, s.Set("a.safetensors, b.safetensors"))
	require.NoError(t, s.Set("dir/"))
	assert.Equal(t, stringsFlag{"a.safetensors", "b.safetensors", "dir/"}, s)
	assert.Equal(t, "a.safetensors,b.safetensors,dir/", s.String())
}

func TestResolve_Defaults(t *testing.T) {
	o, err := parse(t, "-data", "d", "-labels", "l")
	require.NoError(t, err)
	cfg, err := o.resolve()
	require.NoError(t, err)

	assert.Equal(t, "deep3Dtrain_model_1", cfg.Name)
	assert.Equal(t, float32(1e-5), cfg.Training.LearningRate)
	assert.True(t, cfg.Data.ConvertLabels)
	assert.Equal(t, config.EvalOnline, cfg.Evaluation.Mode)
}

func TestResolve_FlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: fromfile\ntraining:\n  learning_rate: 0.5\n"), 0o600))

	o, err := parse(t, "-config", path, "-data", "d", "-labels", "l",
		"-lr", "0.001", "-convertlabels", "0", "-test", "t", "-testlabels", "tl", "-load")
	require.NoError(t, err)
	cfg, err := o.resolve()
	require.NoError(t, err)

	assert.Equal(t, "fromfile", cfg.Name)
	assert.Equal(t, float32(0.001), cfg.Training.LearningRate)
	assert.False(t, cfg.Data.ConvertLabels)
	assert.True(t, cfg.Training.LoadPrevious)
	assert.Equal(t, config.EvalHoldout, cfg.Evaluation.Mode)
	assert.Equal(t, []string{"tl"}, cfg.Data.TestLabels)
}

func TestResolve_Errors(t *testing.T) {
	o, err := parse(t, "-data", "d")
	require.NoError(t, err)
	_, err = o.resolve()
	assert.ErrorIs(t, err, config.ErrInvalid)

	o, err = parse(t, "-data", "d", "-labels", "l", "-name", "a/b")
	require.NoError(t, err)
	_, err = o.resolve()
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = parse(t, "-bogus")
	assert.Error(t, err)
}
