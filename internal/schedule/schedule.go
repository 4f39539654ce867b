// Package schedule implements the adaptive learning-rate scheduler.
//
// The scheduler watches a performance score (higher is better). When the
// score has not improved for a while it scales the learning rate down, and
// it decides when training is done: after a time or step budget, after the
// learning rate has been reduced too far, after too many steps without
// improvement, or, optionally, when the score is still bad after a grace
// period.
package schedule

import (
	"fmt"
	"math"
	"time"
)

// Target is the network whose learning rate the scheduler controls.
type Target interface {
	LearningRate() float32
	SetLearningRate(lr float32)
}

// Config holds the scheduler policy.
type Config struct {
	MaxTrainingTime time.Duration // 0 disables the time budget
	MaxSteps        int           // 0 disables the step budget

	ScalingEnabled            bool
	ScalingMagnitude          float64 // factor applied to the learning rate per reduction
	WaitSteps                 int     // steps without improvement before a reduction
	MaxReductionFactor        float64 // stop once the learning rate fell by this factor
	MinStepsBetweenReductions int

	KillAfterUnchangedSteps int // 0 disables

	KillIfBad      bool
	KillIfBadAfter time.Duration
	KillScore      float64 // stop if the best score is below this after KillIfBadAfter
}

// DefaultConfig returns the policy of the original brain extraction trainer.
func DefaultConfig() Config {
	return Config{
		MaxTrainingTime:           30 * time.Hour,
		ScalingEnabled:            true,
		ScalingMagnitude:          0.5,
		WaitSteps:                 5000,
		MaxReductionFactor:        1000,
		MinStepsBetweenReductions: 4000,
		KillAfterUnchangedSteps:   15000,
		KillIfBad:                 false,
		KillIfBadAfter:            10 * time.Minute,
		KillScore:                 -0.9,
	}
}

// Scheduler is the adaptive learning-rate scheduler. It is bound to one
// target for its lifetime and is not safe for concurrent use.
type Scheduler struct {
	cfg    Config
	target Target
	now    func() time.Time

	start         time.Time
	best          float64
	lastImprove   int
	lastReduction int
	reduction     float64
	reductions    int
	done          bool
	reason        string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler for target. The time budget starts now.
func New(target Target, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		target:    target,
		now:       time.Now,
		best:      math.Inf(-1),
		reduction: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.start = s.now()
	return s
}

// Tick records the score at iteration and returns true once training should
// stop. After it has returned true it keeps returning true.
func (s *Scheduler) Tick(iteration int, score float64) bool {
	if s.done {
		return true
	}
	if score > s.best {
		s.best = score
		s.lastImprove = iteration
	}
	elapsed := s.now().Sub(s.start)
	unchanged := iteration - s.lastImprove

	switch {
	case s.cfg.MaxTrainingTime > 0 && elapsed >= s.cfg.MaxTrainingTime:
		return s.stop(fmt.Sprintf("training time limit %v reached", s.cfg.MaxTrainingTime))
	case s.cfg.MaxSteps > 0 && iteration >= s.cfg.MaxSteps:
		return s.stop(fmt.Sprintf("step limit %d reached", s.cfg.MaxSteps))
	case s.cfg.KillAfterUnchangedSteps > 0 && unchanged >= s.cfg.KillAfterUnchangedSteps:
		return s.stop(fmt.Sprintf("no improvement for %d steps", unchanged))
	case s.cfg.KillIfBad && elapsed >= s.cfg.KillIfBadAfter && s.best < s.cfg.KillScore:
		return s.stop(fmt.Sprintf("best score %.4g below %.4g after %v", s.best, s.cfg.KillScore, s.cfg.KillIfBadAfter))
	}

	if s.cfg.ScalingEnabled && unchanged >= s.cfg.WaitSteps &&
		iteration-s.lastReduction >= s.cfg.MinStepsBetweenReductions {
		s.target.SetLearningRate(s.target.LearningRate() * float32(s.cfg.ScalingMagnitude))
		s.reduction /= s.cfg.ScalingMagnitude
		s.reductions++
		s.lastReduction = iteration
		if s.cfg.MaxReductionFactor > 0 && s.reduction >= s.cfg.MaxReductionFactor {
			return s.stop(fmt.Sprintf("learning rate reduced by a factor of %.4g", s.reduction))
		}
	}
	return false
}

func (s *Scheduler) stop(reason string) bool {
	s.done = true
	s.reason = reason
	return true
}

// Best returns the best score seen so far.
func (s *Scheduler) Best() float64 {
	return s.best
}

// Reductions returns the number of learning-rate reductions so far.
func (s *Scheduler) Reductions() int {
	return s.reductions
}

// Reason explains why the scheduler stopped, or is empty while running.
func (s *Scheduler) Reason() string {
	return s.reason
}
