// Package scheduler decides on which frames the classifier runs.
//
// The configured frequency counts frames between classifications, so a
// larger value means classifying less often. The effective frequency
// divides it by the simulation time scale, and a separate wall-clock window
// measures how many classifications actually ran per real second.
package scheduler

import (
	"fmt"
	"math"
	"time"
)

const (
	MinFrequency = 1
	MaxFrequency = 120

	// Simulation time scale bounds accepted from users.
	MinTimeScale = 0.1
	MaxTimeScale = 20.0

	DefaultWindow = 2 * time.Second
)

// EffectiveFrequency returns clamp(round(base/timeScale), 1, 120). A
// non-positive time scale is treated as 1.
func EffectiveFrequency(base int, timeScale float64) int {
	if timeScale <= 0 || math.IsNaN(timeScale) || math.IsInf(timeScale, 0) {
		timeScale = 1
	}
	f := math.Round(float64(base) / timeScale)
	if f < MinFrequency {
		return MinFrequency
	}
	if f > MaxFrequency {
		return MaxFrequency
	}
	return int(f)
}

type State struct {
	FrameCounter       int     `json:"frame_counter"`
	BaseFrequency      int     `json:"base_frequency"`
	TimeScale          float64 `json:"time_scale"`
	EffectiveFrequency int     `json:"effective_frequency"`
	MeasuredRate       float64 `json:"measured_rate"`
	Triggered          uint64  `json:"triggered_total"`
}

// Scheduler is not safe for concurrent use; the owning loop serialises ticks.
type Scheduler struct {
	base      int
	timeScale float64
	counter   int

	window        time.Duration
	windowElapsed time.Duration
	windowCount   int
	measuredRate  float64
	total         uint64
}

func New(baseFrequency int, window time.Duration) (*Scheduler, error) {
	if baseFrequency < MinFrequency {
		return nil, fmt.Errorf("base frequency must be >= %d, got %d", MinFrequency, baseFrequency)
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Scheduler{base: baseFrequency, timeScale: 1, window: window}, nil
}

func (s *Scheduler) SetBaseFrequency(f int) error {
	if f < MinFrequency {
		return fmt.Errorf("base frequency must be >= %d, got %d", MinFrequency, f)
	}
	s.base = f
	return nil
}

// Tick advances one frame. elapsedReal is the wall-clock time since the
// previous tick and feeds only the measured rate. It reports whether a
// classification cycle should run on this frame.
func (s *Scheduler) Tick(elapsedReal time.Duration, timeScale float64) bool {
	s.timeScale = timeScale
	s.counter++

	fire := false
	if s.counter >= EffectiveFrequency(s.base, timeScale) {
		s.counter = 0
		s.windowCount++
		s.total++
		fire = true
	}

	if elapsedReal > 0 {
		s.windowElapsed += elapsedReal
	}
	if s.windowElapsed >= s.window {
		s.measuredRate = float64(s.windowCount) / s.windowElapsed.Seconds()
		s.windowElapsed = 0
		s.windowCount = 0
	}
	return fire
}

// MeasuredRate is the classifications per real second over the last
// completed window.
func (s *Scheduler) MeasuredRate() float64 {
	return s.measuredRate
}

func (s *Scheduler) State() State {
	return State{
		FrameCounter:       s.counter,
		BaseFrequency:      s.base,
		TimeScale:          s.timeScale,
		EffectiveFrequency: EffectiveFrequency(s.base, s.timeScale),
		MeasuredRate:       s.measuredRate,
		Triggered:          s.total,
	}
}
