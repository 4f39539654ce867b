// Package autosave periodically persists the network during training.
package autosave

import (
	"fmt"
	"path/filepath"
	"time"
)

// Saver is the network being saved.
type Saver interface {
	SaveParametersLabeled(path, label string) error
	SetLearningRate(lr float32)
}

// Config holds the autosave policy.
type Config struct {
	Dir       string        // directory receiving the autosaves
	Name      string        // run name used in file names
	Frequency time.Duration // minimum time between two saves
	Files     int           // number of rotating autosave files

	// The learning rate is interpolated from LRStart to LREnd over
	// TrainingTime when Tick is asked to update it. A zero TrainingTime
	// disables interpolation.
	TrainingTime time.Duration
	LRStart      float32
	LREnd        float32
}

// Controller decides when to write autosaves. It is bound to one network
// and one directory for its lifetime.
type Controller struct {
	cfg   Config
	saver Saver
	now   func() time.Time

	start    time.Time
	lastSave time.Time
	saves    int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// New creates a controller. The first autosave is due one Frequency from
// now.
func New(saver Saver, cfg Config, opts ...Option) *Controller {
	if cfg.Files < 1 {
		cfg.Files = 1
	}
	c := &Controller{cfg: cfg, saver: saver, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.start = c.now()
	c.lastSave = c.start
	return c
}

// Tick writes an autosave if Frequency has passed since the last one and,
// with updateLR, moves the learning rate along its interpolation. label is
// recorded with the save.
func (c *Controller) Tick(iteration int, label string, updateLR bool) error {
	now := c.now()
	if updateLR && c.cfg.TrainingTime > 0 {
		frac := float32(now.Sub(c.start).Seconds() / c.cfg.TrainingTime.Seconds())
		frac = min(max(frac, 0), 1)
		c.saver.SetLearningRate(c.cfg.LRStart + (c.cfg.LREnd-c.cfg.LRStart)*frac)
	}
	if now.Sub(c.lastSave) < c.cfg.Frequency {
		return nil
	}
	path := c.Path(c.saves % c.cfg.Files)
	if err := c.saver.SaveParametersLabeled(path, label); err != nil {
		return fmt.Errorf("autosave at iteration %d: %w", iteration, err)
	}
	c.lastSave = now
	c.saves++
	return nil
}

// Path returns the file of autosave slot k.
func (c *Controller) Path(k int) string {
	return filepath.Join(c.cfg.Dir, fmt.Sprintf("autosave_%s_%d.save", c.cfg.Name, k))
}

// Saves returns the number of autosaves written.
func (c *Controller) Saves() int {
	return c.saves
}
