// Package trainer runs the training loop of a 3D segmentation network.
//
// A Trainer draws batches from a patch assembler, takes one optimizer step
// per batch and keeps an exponentially smoothed training loss. Every tenth
// iteration it gives the autosave controller and the learning-rate
// scheduler a chance to act. The loop ends when the scheduler says so, when
// the context is cancelled, or when an iteration fails. In all three cases
// the network is saved to <name>/end_<name>.save before Run returns.
package trainer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/born-ml/deep3d/internal/autosave"
	"github.com/born-ml/deep3d/internal/config"
	"github.com/born-ml/deep3d/internal/optim"
	"github.com/born-ml/deep3d/internal/patch"
	"github.com/born-ml/deep3d/internal/schedule"
	"github.com/born-ml/deep3d/internal/tensor"
	"github.com/born-ml/deep3d/internal/trainlog"
	"github.com/pkg/errors"
)

const (
	// InitialTrailingLoss seeds the smoothed loss, close to the loss of
	// an untrained two-class network.
	InitialTrailingLoss = 0.7

	// TickInterval is the number of iterations between scheduler and
	// autosave ticks.
	TickInterval = 10

	smoothing = 0.995
)

var (
	// ErrTrainingFault marks an error or panic that stopped the loop.
	ErrTrainingFault = errors.New("training fault")
	// ErrState is returned when Run is called more than once.
	ErrState = errors.New("trainer already ran")
	// ErrNoHoldout is returned for holdout evaluation without a source.
	ErrNoHoldout = errors.New("holdout evaluation needs a held-out batch source")
)

// Network is the model being trained.
type Network interface {
	TrainingStep(data *tensor.Tensor[float32], labels *tensor.Tensor[int32], mode optim.Mode) (float32, error)
	Loss(data *tensor.Tensor[float32], labels *tensor.Tensor[int32]) (float32, error)
	LearningRate() float32
	SetLearningRate(lr float32)
	SetMomentum(m float32)
	SaveParameters(path string) error
	SaveParametersLabeled(path, label string) error
	LoadParameters(path string) error
}

// BatchSource yields training batches.
type BatchSource interface {
	Next() (patch.Batch, error)
}

// Scheduler decides when to stop and adjusts the learning rate.
type Scheduler interface {
	Tick(iteration int, score float64) bool
}

// Autosaver writes periodic checkpoints.
type Autosaver interface {
	Tick(iteration int, label string, updateLR bool) error
}

// State is the lifecycle stage of a Trainer.
type State int

// Trainer states.
const (
	Initializing State = iota
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FaultError reports the iteration at which the loop failed. It matches
// ErrTrainingFault with errors.Is and unwraps to the cause, which carries a
// stack trace.
type FaultError struct {
	Iteration int
	Err       error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("training fault at iteration %d: %v", e.Iteration, e.Err)
}

// Unwrap returns the cause.
func (e *FaultError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTrainingFault.
func (e *FaultError) Is(target error) bool { return target == ErrTrainingFault }

// Option configures a Trainer.
type Option func(*Trainer)

// WithScheduler replaces the scheduler built from the configuration.
func WithScheduler(s Scheduler) Option {
	return func(t *Trainer) { t.scheduler = s }
}

// WithAutosaver replaces the autosave controller built from the
// configuration.
func WithAutosaver(a Autosaver) Option {
	return func(t *Trainer) { t.autosaver = a }
}

// WithLogger replaces the run log opened at Config.LogPath.
func WithLogger(l *trainlog.Logger) Option {
	return func(t *Trainer) { t.log = l }
}

// WithHoldout sets the held-out batch source used in holdout evaluation
// mode.
func WithHoldout(src BatchSource) Option {
	return func(t *Trainer) { t.holdout = src }
}

// Trainer owns one training run.
type Trainer struct {
	cfg     config.Config
	mode    optim.Mode
	net     Network
	batches BatchSource
	holdout BatchSource

	scheduler Scheduler
	autosaver Autosaver
	log       *trainlog.Logger

	state     State
	iteration int
	trailing  float64
	started   time.Time
}

// New creates a trainer. The learning rate and momentum of net are set from
// cfg right away, so a scheduler built here starts from them.
func New(cfg config.Config, net Network, batches BatchSource, opts ...Option) (*Trainer, error) {
	t := &Trainer{
		cfg:      cfg,
		mode:     cfg.TrainingMode(),
		net:      net,
		batches:  batches,
		trailing: InitialTrailingLoss,
	}
	for _, opt := range opts {
		opt(t)
	}
	if cfg.Evaluation.Mode == config.EvalHoldout && t.holdout == nil {
		return nil, ErrNoHoldout
	}

	net.SetLearningRate(cfg.Training.LearningRate)
	net.SetMomentum(cfg.Training.Momentum)
	if t.scheduler == nil {
		t.scheduler = schedule.New(net, cfg.SchedulerConfig())
	}
	if t.autosaver == nil {
		t.autosaver = autosave.New(net, cfg.AutosaveConfig())
	}
	return t, nil
}

// State returns the lifecycle stage.
func (t *Trainer) State() State {
	return t.state
}

// Iteration returns the number of completed iterations.
func (t *Trainer) Iteration() int {
	return t.iteration
}

// TrailingLoss returns the smoothed training loss.
func (t *Trainer) TrailingLoss() float64 {
	return t.trailing
}

// Run trains until the scheduler stops, ctx is cancelled or an iteration
// fails, then saves the network. It returns nil for the first two cases and
// an error matching ErrTrainingFault for the last, after the final save.
func (t *Trainer) Run(ctx context.Context) error {
	if t.state != Initializing {
		return ErrState
	}
	if err := t.initialize(); err != nil {
		t.state = Terminated
		return err
	}

	t.state = Running
	fault := t.loop(ctx)

	t.state = Stopping
	saveErr := t.finalize()
	t.state = Terminated

	if fault != nil {
		return fault
	}
	return saveErr
}

func (t *Trainer) initialize() error {
	if t.log == nil {
		l, err := trainlog.Open(t.cfg.LogPath(), os.Stdout)
		if err != nil {
			return fmt.Errorf("trainer: %w", err)
		}
		t.log = l
	}
	t.started = time.Now()
	t.log.Log("Training", t.cfg.Name, "with", t.mode, "updates, learning rate", t.net.LearningRate())

	if err := t.autosaver.Tick(0, "", false); err != nil {
		t.log.Warn(err)
	}
	if t.cfg.Training.LoadPrevious {
		path := t.cfg.FinalSavePath()
		if err := t.net.LoadParameters(path); err != nil {
			t.log.Warn("could not load previous parameters:", err)
		} else {
			t.log.Log("Loaded parameters from", path)
		}
	}
	return nil
}

// loop runs iterations until a stop. Cancellation is observed between
// iterations only.
func (t *Trainer) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			t.log.Log("Interrupted at iteration", t.iteration)
			return nil
		default:
		}

		stop, err := t.step()
		if err != nil {
			t.log.Warn(err)
			return err
		}
		if stop {
			t.log.Log("Scheduler stopped training at iteration", t.iteration)
			if r, ok := t.scheduler.(interface{ Reason() string }); ok {
				t.log.Log("Reason:", r.Reason())
			}
			return nil
		}
	}
}

// step runs one iteration. Panics are converted into faults.
func (t *Trainer) step() (stop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			stop, err = true, &FaultError{Iteration: t.iteration, Err: errors.Errorf("panic: %v", r)}
		}
	}()

	batch, err := t.batches.Next()
	if err != nil {
		return true, t.fault(errors.Wrap(err, "assemble batch"))
	}
	loss, err := t.net.TrainingStep(batch.Data, batch.Labels, t.mode)
	if err != nil {
		return true, t.fault(errors.Wrap(err, "training step"))
	}
	t.trailing = SmoothLoss(t.trailing, float64(loss))
	t.iteration++

	if t.iteration%TickInterval == 0 {
		var label string
		if t.cfg.Autosave.Frequency <= time.Minute {
			label = strconv.FormatFloat(t.trailing, 'g', -1, 64)
		}
		if err := t.autosaver.Tick(t.iteration, label, false); err != nil {
			return true, t.fault(errors.WithStack(err))
		}
		stop = t.scheduler.Tick(t.iteration, -t.trailing)
		t.log.Logf("Iteration = %d avg. NLL = %.6f", t.iteration, t.trailing)
	}

	if t.cfg.Evaluation.Mode == config.EvalHoldout && t.iteration%t.cfg.Evaluation.Every == 0 {
		if err := t.evaluate(); err != nil {
			return true, t.fault(err)
		}
	}
	return stop, nil
}

// evaluate logs the mean loss over held-out batches without training.
func (t *Trainer) evaluate() error {
	var sum float64
	n := t.cfg.Evaluation.Patches
	for range n {
		batch, err := t.holdout.Next()
		if err != nil {
			return errors.Wrap(err, "assemble held-out batch")
		}
		loss, err := t.net.Loss(batch.Data, batch.Labels)
		if err != nil {
			return errors.Wrap(err, "held-out loss")
		}
		sum += float64(loss)
	}
	t.log.Logf("Iteration = %d held-out NLL = %.6f", t.iteration, sum/float64(n))
	return nil
}

func (t *Trainer) fault(err error) error {
	return &FaultError{Iteration: t.iteration, Err: err}
}

// finalize writes the end checkpoint and closes the log.
func (t *Trainer) finalize() error {
	path := t.cfg.FinalSavePath()
	saveErr := t.net.SaveParameters(path)
	if saveErr != nil {
		saveErr = fmt.Errorf("final save: %w", saveErr)
		t.log.Warn(saveErr)
	} else {
		t.log.Log("Saved parameters to", path)
	}
	t.log.Logf("Training terminated after %d iterations (%s), avg. NLL = %.6f",
		t.iteration, time.Since(t.started).Round(time.Second), t.trailing)
	if err := t.log.Close(); err != nil && saveErr == nil {
		return fmt.Errorf("close log: %w", err)
	}
	return saveErr
}

// SmoothLoss returns the trailing loss after observing loss.
func SmoothLoss(trailing, loss float64) float64 {
	return smoothing*trailing + (1-smoothing)*loss
}
