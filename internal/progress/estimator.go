// Package progress turns coarse per-block completion signals into a smooth
// progress fraction and time estimate.
//
// The engine only reports when a whole block is done, which can be many
// seconds apart. Between those events the block in flight is assumed to advance
// at the current smoothed rate, capped at its own length.
package progress

import (
	"math"
	"time"
)

// Config holds the estimator constants.
type Config struct {
	// PriorRate is the starting throughput, in characters per second.
	PriorRate float64 `yaml:"prior_rate"`
	// Smoothing is the weight of history in the moving average (alpha).
	Smoothing float64 `yaml:"smoothing"`
	// FloorRate keeps estimates finite when the engine stalls.
	FloorRate float64 `yaml:"floor_rate"`
	// MinElapsed guards the instantaneous rate against zero durations.
	MinElapsed time.Duration `yaml:"min_elapsed"`
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	return Config{
		PriorRate:  18,
		Smoothing:  0.8,
		FloorRate:  6,
		MinElapsed: time.Millisecond,
	}
}

// Rate is a smoothed throughput in characters per second.
type Rate float64

// Sample is the completion state of a job at one instant.
type Sample struct {
	DoneChars  int
	TotalChars int
	// InFlightLen is the length of the block being rendered, zero if none.
	InFlightLen int
	// InFlightStart is when that block started; zero if none is in flight.
	InFlightStart time.Time
}

// Estimator is stateless apart from its configuration and safe for concurrent use.
type Estimator struct {
	cfg Config
}

// NewEstimator builds an estimator, replacing out-of-range constants with defaults.
func NewEstimator(cfg Config) *Estimator {
	def := DefaultConfig()
	if cfg.PriorRate <= 0 {
		cfg.PriorRate = def.PriorRate
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = def.Smoothing
	}
	if cfg.FloorRate <= 0 {
		cfg.FloorRate = def.FloorRate
	}
	if cfg.MinElapsed <= 0 {
		cfg.MinElapsed = def.MinElapsed
	}
	return &Estimator{cfg: cfg}
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config { return e.cfg }

// Init returns the prior rate.
func (e *Estimator) Init() Rate {
	return e.floor(Rate(e.cfg.PriorRate))
}

// Update folds one completed block into the moving average.
func (e *Estimator) Update(prev Rate, blockLen int, elapsed time.Duration) Rate {
	secs := math.Max(elapsed.Seconds(), e.cfg.MinElapsed.Seconds())
	inst := float64(blockLen) / secs
	next := e.cfg.Smoothing*float64(prev) + (1-e.cfg.Smoothing)*inst
	return e.floor(Rate(next))
}

// Estimate returns the fraction of work done in [0, 1] and the remaining time.
func (e *Estimator) Estimate(s Sample, r Rate, now time.Time) (float64, time.Duration) {
	rate := float64(e.floor(r))
	done := float64(s.DoneChars)
	if s.InFlightLen > 0 && !s.InFlightStart.IsZero() {
		elapsed := math.Max(0, now.Sub(s.InFlightStart).Seconds())
		done += math.Min(float64(s.InFlightLen), elapsed*rate)
	}
	total := math.Max(1, float64(s.TotalChars))
	fraction := math.Min(1, done/total)
	remaining := math.Max(0, total-done)
	return fraction, seconds(remaining / rate)
}

// ETA converts an already reported fraction back into a remaining time.
func (e *Estimator) ETA(fraction float64, totalChars int, r Rate) time.Duration {
	total := math.Max(1, float64(totalChars))
	remaining := math.Max(0, (1-fraction)*total)
	return seconds(remaining / float64(e.floor(r)))
}

func (e *Estimator) floor(r Rate) Rate {
	if float64(r) < e.cfg.FloorRate || math.IsNaN(float64(r)) {
		return Rate(e.cfg.FloorRate)
	}
	return r
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
