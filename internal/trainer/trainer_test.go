package trainer

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/born-ml/deep3d/internal/config"
	"github.com/born-ml/deep3d/internal/model"
	"github.com/born-ml/deep3d/internal/optim"
	"github.com/born-ml/deep3d/internal/parallel"
	"github.com/born-ml/deep3d/internal/patch"
	"github.com/born-ml/deep3d/internal/tensor"
	"github.com/born-ml/deep3d/internal/trainlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNet struct {
	loss     float32
	stepErr  error
	failAt   int // 1-based step that fails; 0 never
	steps    int
	lossCall int
	lr, mom  float32
	saves    []string
	labeled  []string
	loadErr  error
	loads    []string
}

func (n *fakeNet) TrainingStep(_ *tensor.Tensor[float32], _ *tensor.Tensor[int32], _ optim.Mode) (float32, error) {
	n.steps++
	if n.failAt > 0 && n.steps == n.failAt {
		return 0, n.stepErr
	}
	return n.loss, nil
}

func (n *fakeNet) Loss(_ *tensor.Tensor[float32], _ *tensor.Tensor[int32]) (float32, error) {
	n.lossCall++
	return 2 * n.loss, nil
}

func (n *fakeNet) LearningRate() float32      { return n.lr }
func (n *fakeNet) SetLearningRate(lr float32) { n.lr = lr }
func (n *fakeNet) SetMomentum(m float32)      { n.mom = m }

func (n *fakeNet) SaveParameters(path string) error {
	n.saves = append(n.saves, path)
	return nil
}

func (n *fakeNet) SaveParametersLabeled(path, _ string) error {
	n.labeled = append(n.labeled, path)
	return nil
}

func (n *fakeNet) LoadParameters(path string) error {
	n.loads = append(n.loads, path)
	return n.loadErr
}

type fakeSource struct {
	calls   int
	onCall  func(n int)
	failErr error
}

func (s *fakeSource) Next() (patch.Batch, error) {
	s.calls++
	if s.onCall != nil {
		s.onCall(s.calls)
	}
	if s.failErr != nil {
		return patch.Batch{}, s.failErr
	}
	return patch.Batch{
		Data:   tensor.Zeros[float32](tensor.Shape{1, 1, 2, 2, 2}),
		Labels: tensor.Zeros[int32](tensor.Shape{8}),
	}, nil
}

type tick struct {
	iteration int
	score     float64
}

type fakeScheduler struct {
	stopAfter int // number of ticks before stopping; 0 never
	ticks     []tick
}

func (s *fakeScheduler) Tick(iteration int, score float64) bool {
	s.ticks = append(s.ticks, tick{iteration, score})
	return s.stopAfter > 0 && len(s.ticks) >= s.stopAfter
}

type saveTick struct {
	iteration int
	label     string
	updateLR  bool
}

type fakeAutosaver struct {
	ticks []saveTick
	err   error
}

func (a *fakeAutosaver) Tick(iteration int, label string, updateLR bool) error {
	a.ticks = append(a.ticks, saveTick{iteration, label, updateLR})
	if iteration > 0 {
		return a.err
	}
	return nil
}

type harness struct {
	cfg   config.Config
	net   *fakeNet
	src   *fakeSource
	sched *fakeScheduler
	saver *fakeAutosaver
	out   *bytes.Buffer
}

func newHarness() *harness {
	cfg := config.Default()
	cfg.Name = "run"
	return &harness{
		cfg:   cfg,
		net:   &fakeNet{loss: 0.5},
		src:   &fakeSource{},
		sched: &fakeScheduler{stopAfter: 2},
		saver: &fakeAutosaver{},
		out:   &bytes.Buffer{},
	}
}

func (h *harness) trainer(t *testing.T, opts ...Option) *Trainer {
	t.Helper()
	opts = append([]Option{
		WithScheduler(h.sched),
		WithAutosaver(h.saver),
		WithLogger(trainlog.New(h.out)),
	}, opts...)
	tr, err := New(h.cfg, h.net, h.src, opts...)
	require.NoError(t, err)
	return tr
}

func TestSmoothLoss(t *testing.T) {
	assert.InDelta(t, 0.6975, SmoothLoss(0.7, 0.2), 1e-12)

	// The exact recurrence from the initial trailing loss.
	trailing := InitialTrailingLoss
	want := 0.7
	for _, loss := range []float64{1.0, 0.0, 0.0} {
		trailing = SmoothLoss(trailing, loss)
		want = 0.995*want + 0.005*loss
		assert.Equal(t, want, trailing)
	}

	trailing = InitialTrailingLoss
	for range 1000 {
		trailing = SmoothLoss(trailing, 0.1)
	}
	assert.InDelta(t, 0.1+0.6*math.Pow(0.995, 1000), trailing, 1e-9)
}

func TestNew_SetsHyperparameters(t *testing.T) {
	h := newHarness()
	h.cfg.Training.LearningRate = 0.02
	h.cfg.Training.Momentum = 0.8
	h.trainer(t)
	assert.Equal(t, float32(0.02), h.net.lr)
	assert.Equal(t, float32(0.8), h.net.mom)
}

func TestRun_SchedulerStop(t *testing.T) {
	h := newHarness()
	tr := h.trainer(t)

	require.NoError(t, tr.Run(context.Background()))

	assert.Equal(t, Terminated, tr.State())
	assert.Equal(t, 20, tr.Iteration())
	assert.Equal(t, 20, h.net.steps)

	require.Len(t, h.sched.ticks, 2)
	assert.Equal(t, 10, h.sched.ticks[0].iteration)
	assert.Equal(t, 20, h.sched.ticks[1].iteration)
	assert.InDelta(t, -(0.5 + 0.2*math.Pow(0.995, 10)), h.sched.ticks[0].score, 1e-9)

	// One startup tick, then one per scheduler tick; labels stay empty with
	// hourly autosaves.
	assert.Equal(t, []saveTick{{0, "", false}, {10, "", false}, {20, "", false}}, h.saver.ticks)

	assert.Equal(t, []string{filepath.Join("run", "end_run.save")}, h.net.saves)
	assert.Contains(t, h.out.String(), "Iteration = 10 avg. NLL = ")
	assert.Contains(t, h.out.String(), "Iteration = 20 avg. NLL = ")
}

func TestRun_FrequentAutosaveLabel(t *testing.T) {
	h := newHarness()
	h.cfg.Autosave.Frequency = 30 * time.Second
	tr := h.trainer(t)
	require.NoError(t, tr.Run(context.Background()))

	require.Len(t, h.saver.ticks, 3)
	assert.NotEmpty(t, h.saver.ticks[1].label)
	assert.False(t, h.saver.ticks[1].updateLR)
}

func TestRun_Interrupt(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		h := newHarness()
		tr := h.trainer(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.NoError(t, tr.Run(ctx))
		assert.Equal(t, 0, tr.Iteration())
		assert.Len(t, h.net.saves, 1)
	})

	t.Run("mid run", func(t *testing.T) {
		h := newHarness()
		h.sched.stopAfter = 0
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h.src.onCall = func(n int) {
			if n == 15 {
				cancel()
			}
		}
		tr := h.trainer(t)

		require.NoError(t, tr.Run(ctx))
		// The iteration in progress completes.
		assert.Equal(t, 15, tr.Iteration())
		assert.Len(t, h.net.saves, 1)
		assert.Contains(t, h.out.String(), "Interrupted at iteration 15")
	})
}

func TestRun_FaultAfterFinalSave(t *testing.T) {
	cause := errors.New("out of memory")
	h := newHarness()
	h.sched.stopAfter = 0
	h.net.failAt = 5
	h.net.stepErr = cause
	tr := h.trainer(t)

	err := tr.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTrainingFault)
	assert.ErrorIs(t, err, cause)

	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 4, fe.Iteration)

	assert.Len(t, h.net.saves, 1)
	assert.Equal(t, Terminated, tr.State())
}

func TestRun_PanicIsFault(t *testing.T) {
	h := newHarness()
	h.sched.stopAfter = 0
	h.src.onCall = func(n int) {
		if n == 3 {
			panic("index out of range")
		}
	}
	tr := h.trainer(t)

	err := tr.Run(context.Background())
	assert.ErrorIs(t, err, ErrTrainingFault)
	assert.Contains(t, err.Error(), "index out of range")
	assert.Len(t, h.net.saves, 1)
}

func TestRun_AutosaveErrorIsFault(t *testing.T) {
	h := newHarness()
	h.saver.err = errors.New("disk full")
	tr := h.trainer(t)

	err := tr.Run(context.Background())
	assert.ErrorIs(t, err, ErrTrainingFault)
	assert.Equal(t, 10, tr.Iteration())
	assert.Len(t, h.net.saves, 1)
}

func TestRun_BatchErrorIsFault(t *testing.T) {
	h := newHarness()
	h.src.failErr = patch.ErrSampleShape
	tr := h.trainer(t)

	err := tr.Run(context.Background())
	assert.ErrorIs(t, err, ErrTrainingFault)
	assert.ErrorIs(t, err, patch.ErrSampleShape)
	assert.Equal(t, 0, h.net.steps)
}

func TestRun_LoadPreviousFailureProceeds(t *testing.T) {
	h := newHarness()
	h.cfg.Training.LoadPrevious = true
	h.net.loadErr = errors.New("incompatible")
	tr := h.trainer(t)

	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, []string{filepath.Join("run", "end_run.save")}, h.net.loads)
	assert.Contains(t, h.out.String(), "WARNING: could not load previous parameters: incompatible")
	assert.Equal(t, 20, tr.Iteration())
}

// networkSource feeds constant patches shaped for a real network.
type networkSource struct {
	net *model.Network
}

func (s networkSource) Next() (patch.Batch, error) {
	out := s.net.OutputShape()
	return patch.Batch{
		Data:   tensor.Full[float32](s.net.InputShape(), 1),
		Labels: tensor.Zeros[int32](tensor.Shape{out[0], 1, out[2], out[3], out[4]}),
	}, nil
}

func TestRun_IncompatibleCheckpointProceeds(t *testing.T) {
	t.Chdir(t.TempDir())
	geom := model.Geometry{BatchSize: 1, OutputPerDim: 1}
	opts := model.BuildOptions{RNG: rand.New(rand.NewPCG(1, 2)), Parallel: parallel.Sequential()}

	arch := model.Architecture{
		FilterSizes:    []int{2, 1},
		PoolingFactors: []int{2, 1},
		Channels:       []int{3, 2},
		Activations:    model.PerLayer("tanh", "linear"),
		InputChannels:  1,
	}
	deeper := arch
	deeper.FilterSizes = []int{2, 1, 1}
	deeper.PoolingFactors = []int{2, 1, 1}
	deeper.Channels = []int{3, 3, 2}
	deeper.Activations = model.Single("tanh")

	h := newHarness()
	h.cfg.Training.LoadPrevious = true
	h.cfg.Training.LearningRate = 0.1
	old, _, err := model.Build(deeper, geom, opts)
	require.NoError(t, err)
	require.NoError(t, old.SaveParameters(h.cfg.FinalSavePath()))

	net, params, err := model.Build(arch, geom, opts)
	require.NoError(t, err)
	before := params[0].Value().Clone()

	tr, err := New(h.cfg, net, networkSource{net},
		WithScheduler(h.sched), WithAutosaver(h.saver), WithLogger(trainlog.New(h.out)))
	require.NoError(t, err)
	require.NoError(t, tr.Run(context.Background()))

	assert.Contains(t, h.out.String(), "WARNING: could not load previous parameters:")
	assert.Equal(t, 20, tr.Iteration())
	assert.Equal(t, 20, net.Steps())
	assert.NotEqual(t, before.Data(), params[0].Value().Data(), "training ran from the fresh weights")

	// The end checkpoint now holds the trained network.
	require.NoError(t, net.LoadParameters(h.cfg.FinalSavePath()))
}

func TestRun_Holdout(t *testing.T) {
	h := newHarness()
	h.cfg.Evaluation = config.EvaluationConfig{Mode: config.EvalHoldout, Every: 10, Patches: 3}
	held := &fakeSource{}
	tr := h.trainer(t, WithHoldout(held))

	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, 6, held.calls)
	assert.Equal(t, 6, h.net.lossCall)
	assert.Contains(t, h.out.String(), "Iteration = 10 held-out NLL = 1.000000")
}

func TestNew_HoldoutNeedsSource(t *testing.T) {
	h := newHarness()
	h.cfg.Evaluation.Mode = config.EvalHoldout
	_, err := New(h.cfg, h.net, h.src)
	assert.ErrorIs(t, err, ErrNoHoldout)
}

func TestRun_Once(t *testing.T) {
	h := newHarness()
	tr := h.trainer(t)
	require.NoError(t, tr.Run(context.Background()))
	assert.ErrorIs(t, tr.Run(context.Background()), ErrState)
}

func TestRun_LogLines(t *testing.T) {
	h := newHarness()
	tr := h.trainer(t)
	require.NoError(t, tr.Run(context.Background()))

	lines := strings.Split(strings.TrimSpace(h.out.String()), "\n")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "Training terminated after 20 iterations")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "state(9)", State(9).String())
}
