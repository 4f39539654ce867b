// Package config holds the immutable configuration record of a training
// run.
//
// Default returns the settings of the original brain extraction trainer.
// Load overlays a YAML file on a base record; command-line flags are applied
// by the caller before Validate. The record is passed by value from then on.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/born-ml/deep3d/internal/autosave"
	"github.com/born-ml/deep3d/internal/model"
	"github.com/born-ml/deep3d/internal/optim"
	"github.com/born-ml/deep3d/internal/patch"
	"github.com/born-ml/deep3d/internal/schedule"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for configuration values out of range.
var ErrInvalid = errors.New("invalid configuration")

// Evaluation modes.
const (
	// EvalOnline trains without ever evaluating held-out data.
	EvalOnline = "online"
	// EvalHoldout periodically reports the loss on held-out volumes.
	EvalHoldout = "holdout"
)

// Config is the complete configuration of a training run.
type Config struct {
	Name         string             `yaml:"name"`
	Data         DataConfig         `yaml:"data"`
	Model        ModelConfig        `yaml:"model"`
	Training     TrainingConfig     `yaml:"training"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Autosave     AutosaveConfig     `yaml:"autosave"`
	Augmentation AugmentationConfig `yaml:"augmentation"`
	Evaluation   EvaluationConfig   `yaml:"evaluation"`
}

// DataConfig lists the input volumes.
type DataConfig struct {
	Train                  []string `yaml:"train"`
	Labels                 []string `yaml:"labels"`
	Test                   []string `yaml:"test"`
	TestLabels             []string `yaml:"test_labels"`
	ConvertLabels          bool     `yaml:"convert_labels"`
	PreserveChannelScaling bool     `yaml:"preserve_channel_scaling"`
	OneHotLabels           bool     `yaml:"one_hot_labels"`
}

// ModelConfig declares the network.
type ModelConfig struct {
	FilterSizes     []int    `yaml:"filter_sizes"`
	PoolingFactors  []int    `yaml:"pooling_factors"`
	Channels        []int    `yaml:"channels"`
	Activation      string   `yaml:"activation"`  // applied to every layer
	Activations     []string `yaml:"activations"` // one per layer, overrides Activation
	Dropout         bool     `yaml:"dropout"`
	DropoutRate     float32  `yaml:"dropout_rate"`
	FragmentPooling bool     `yaml:"fragment_pooling"`
	InitScale       float64  `yaml:"init_scale"`
	LabelsPerDim    int      `yaml:"labels_per_dim"`
}

// TrainingConfig controls the optimization loop.
type TrainingConfig struct {
	LearningRate    float32 `yaml:"learning_rate"`
	Momentum        float32 `yaml:"momentum"`
	Mode            string  `yaml:"mode"`
	PatchesPerBatch int     `yaml:"patches_per_batch"`
	LoadPrevious    bool    `yaml:"load_previous"`
	Seed            uint64  `yaml:"seed"`
	Workers         int     `yaml:"workers"` // 0 picks the number of physical cores
}

// ScheduleConfig is the learning-rate scheduler policy.
type ScheduleConfig struct {
	MaxTrainingTime           time.Duration `yaml:"max_training_time"`
	MaxSteps                  int           `yaml:"max_steps"`
	ScalingEnabled            bool          `yaml:"scaling_enabled"`
	ScalingMagnitude          float64       `yaml:"scaling_magnitude"`
	WaitSteps                 int           `yaml:"wait_steps"`
	MaxReductionFactor        float64       `yaml:"max_reduction_factor"`
	MinStepsBetweenReductions int           `yaml:"min_steps_between_reductions"`
	KillAfterUnchangedSteps   int           `yaml:"kill_after_unchanged_steps"`
	KillIfBad                 bool          `yaml:"kill_if_bad"`
	KillIfBadAfter            time.Duration `yaml:"kill_if_bad_after"`
	KillScore                 float64       `yaml:"kill_score"`
}

// AutosaveConfig is the autosave policy.
type AutosaveConfig struct {
	Frequency    time.Duration `yaml:"frequency"`
	Files        int           `yaml:"files"`
	TrainingTime time.Duration `yaml:"training_time"` // 0 disables learning-rate interpolation
}

// AugmentationConfig selects the grey-value augmentation.
type AugmentationConfig struct {
	Enabled bool `yaml:"enabled"`
	Lesser  bool `yaml:"lesser"`
}

// EvaluationConfig selects the evaluation mode.
type EvaluationConfig struct {
	Mode    string `yaml:"mode"`
	Every   int    `yaml:"every"`   // iterations between held-out evaluations
	Patches int    `yaml:"patches"` // batches averaged per evaluation
}

// Default returns the configuration of the original trainer.
func Default() Config {
	sched := schedule.DefaultConfig()
	return Config{
		Name: "deep3Dtrain_model_1",
		Data: DataConfig{ConvertLabels: true},
		Model: ModelConfig{
			FilterSizes:    []int{4, 5, 5, 5, 5, 5, 5, 1},
			PoolingFactors: []int{2, 1, 1, 1, 1, 1, 1, 1},
			Channels:       []int{16, 24, 28, 34, 42, 50, 50, 2},
			Activation:     "relu",
			DropoutRate:    0.5,
			InitScale:      model.DefaultInitScale,
			LabelsPerDim:   3,
		},
		Training: TrainingConfig{
			LearningRate:    1e-5,
			Momentum:        0.9,
			Mode:            optim.ModeMomentum.String(),
			PatchesPerBatch: 2,
			Seed:            1,
		},
		Schedule: ScheduleConfig{
			MaxTrainingTime:           sched.MaxTrainingTime,
			MaxSteps:                  sched.MaxSteps,
			ScalingEnabled:            sched.ScalingEnabled,
			ScalingMagnitude:          sched.ScalingMagnitude,
			WaitSteps:                 sched.WaitSteps,
			MaxReductionFactor:        sched.MaxReductionFactor,
			MinStepsBetweenReductions: sched.MinStepsBetweenReductions,
			KillAfterUnchangedSteps:   sched.KillAfterUnchangedSteps,
			KillIfBad:                 sched.KillIfBad,
			KillIfBadAfter:            sched.KillIfBadAfter,
			KillScore:                 sched.KillScore,
		},
		Autosave: AutosaveConfig{
			Frequency: 60 * time.Minute,
			Files:     100,
		},
		Augmentation: AugmentationConfig{Enabled: true},
		Evaluation:   EvaluationConfig{Mode: EvalOnline, Every: 1000, Patches: 10},
	}
}

// Load overlays the YAML file at path on base. Unknown keys are errors.
func Load(path string, base Config) (Config, error) {
	//nolint:gosec // G304: config path comes from the command line
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw, base)
}

// Parse overlays YAML document raw on base.
func Parse(raw []byte, base Config) (Config, error) {
	cfg := base.clone()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return base.clone(), nil
		}
		return base, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// clone deep-copies the slices so overlays never alias the base record.
func (c Config) clone() Config {
	ints := func(s []int) []int { return append([]int(nil), s...) }
	strs := func(s []string) []string { return append([]string(nil), s...) }
	c.Data.Train = strs(c.Data.Train)
	c.Data.Labels = strs(c.Data.Labels)
	c.Data.Test = strs(c.Data.Test)
	c.Data.TestLabels = strs(c.Data.TestLabels)
	c.Model.FilterSizes = ints(c.Model.FilterSizes)
	c.Model.PoolingFactors = ints(c.Model.PoolingFactors)
	c.Model.Channels = ints(c.Model.Channels)
	c.Model.Activations = strs(c.Model.Activations)
	return c
}

// Validate checks every setting that can be checked before touching data.
func (c Config) Validate() error {
	if c.Name == "" || strings.ContainsAny(c.Name, `/\`) || c.Name == "." || c.Name == ".." {
		return fmt.Errorf("%w: run name %q must be a plain directory name", ErrInvalid, c.Name)
	}
	if err := c.Architecture().Validate(); err != nil {
		return err
	}
	if c.Model.LabelsPerDim < 1 {
		return fmt.Errorf("%w: labels per dim %d", ErrInvalid, c.Model.LabelsPerDim)
	}
	if c.Model.Channels[len(c.Model.Channels)-1] < 2 {
		return fmt.Errorf("%w: output layer needs at least 2 classes", ErrInvalid)
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("%w: learning rate %v", ErrInvalid, c.Training.LearningRate)
	}
	if c.Training.Momentum < 0 || c.Training.Momentum >= 1 {
		return fmt.Errorf("%w: momentum %v outside [0, 1)", ErrInvalid, c.Training.Momentum)
	}
	if _, err := optim.ParseMode(c.Training.Mode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if n := c.Training.PatchesPerBatch; n < 1 || n >= patch.MaxMultiplicity {
		return fmt.Errorf("%w: got %d", patch.ErrMultiplicity, n)
	}
	if c.Training.Workers < 0 {
		return fmt.Errorf("%w: %d workers", ErrInvalid, c.Training.Workers)
	}
	if s := c.Schedule; s.ScalingEnabled && (s.ScalingMagnitude <= 0 || s.ScalingMagnitude >= 1) {
		return fmt.Errorf("%w: scaling magnitude %v outside (0, 1)", ErrInvalid, s.ScalingMagnitude)
	}
	if c.Autosave.Files < 1 || c.Autosave.Frequency < 0 {
		return fmt.Errorf("%w: autosave every %v over %d files", ErrInvalid, c.Autosave.Frequency, c.Autosave.Files)
	}
	switch c.Evaluation.Mode {
	case EvalOnline:
	case EvalHoldout:
		if len(c.Data.Test) == 0 {
			return fmt.Errorf("%w: holdout evaluation without test data", ErrInvalid)
		}
		if c.Evaluation.Every < 1 || c.Evaluation.Patches < 1 {
			return fmt.Errorf("%w: holdout evaluation every %d iterations over %d batches",
				ErrInvalid, c.Evaluation.Every, c.Evaluation.Patches)
		}
	default:
		return fmt.Errorf("%w: evaluation mode %q", ErrInvalid, c.Evaluation.Mode)
	}
	return nil
}

// Architecture returns the network declaration.
func (c Config) Architecture() model.Architecture {
	acts := model.Single(c.Model.Activation)
	if len(c.Model.Activations) > 0 {
		acts = model.PerLayer(c.Model.Activations...)
	}
	var dropout float32
	if c.Model.Dropout {
		dropout = c.Model.DropoutRate
	}
	return model.Architecture{
		FilterSizes:     append([]int(nil), c.Model.FilterSizes...),
		PoolingFactors:  append([]int(nil), c.Model.PoolingFactors...),
		Channels:        append([]int(nil), c.Model.Channels...),
		Activations:     acts,
		InputChannels:   1,
		Dropout:         dropout,
		FragmentPooling: c.Model.FragmentPooling,
	}
}

// TrainingMode returns the parsed update rule.
func (c Config) TrainingMode() optim.Mode {
	m, err := optim.ParseMode(c.Training.Mode)
	if err != nil {
		return optim.ModeMomentum
	}
	return m
}

// SchedulerConfig returns the scheduler policy.
func (c Config) SchedulerConfig() schedule.Config {
	s := c.Schedule
	return schedule.Config{
		MaxTrainingTime:           s.MaxTrainingTime,
		MaxSteps:                  s.MaxSteps,
		ScalingEnabled:            s.ScalingEnabled,
		ScalingMagnitude:          s.ScalingMagnitude,
		WaitSteps:                 s.WaitSteps,
		MaxReductionFactor:        s.MaxReductionFactor,
		MinStepsBetweenReductions: s.MinStepsBetweenReductions,
		KillAfterUnchangedSteps:   s.KillAfterUnchangedSteps,
		KillIfBad:                 s.KillIfBad,
		KillIfBadAfter:            s.KillIfBadAfter,
		KillScore:                 s.KillScore,
	}
}

// AutosaveConfig returns the autosave policy. The learning rate ends at a
// tenth of its start value.
func (c Config) AutosaveConfig() autosave.Config {
	return autosave.Config{
		Dir:          c.RunDir(),
		Name:         c.Name,
		Frequency:    c.Autosave.Frequency,
		Files:        c.Autosave.Files,
		TrainingTime: c.Autosave.TrainingTime,
		LRStart:      c.Training.LearningRate,
		LREnd:        c.Training.LearningRate / 10,
	}
}

// AugmentationParams returns the augmentation bounds and whether augmentation is
// enabled.
func (c Config) AugmentationParams() (patch.Augmentation, bool) {
	if c.Augmentation.Lesser {
		return patch.LesserAugmentation, c.Augmentation.Enabled
	}
	return patch.DefaultAugmentation, c.Augmentation.Enabled
}

// RunDir returns the directory receiving all files of the run.
func (c Config) RunDir() string {
	return c.Name
}

// FinalSavePath returns the end-of-training checkpoint path.
func (c Config) FinalSavePath() string {
	return filepath.Join(c.RunDir(), "end_"+c.Name+".save")
}

// LogPath returns the run log path.
func (c Config) LogPath() string {
	return filepath.Join(c.RunDir(), "LOG_"+c.Name+".txt")
}
