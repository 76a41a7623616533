package pipeline

import (
	"fmt"
	"math"
	"sync"

	"github.com/Brownie44l1/steer-api/internal/actuator"
	"github.com/Brownie44l1/steer-api/internal/scheduler"
)

// SettingsSnapshot is a consistent copy of the runtime settings.
type SettingsSnapshot struct {
	Actuator   actuator.Params   `json:"actuator"`
	Frequency  int               `json:"frequency"`
	TimeScale  float64           `json:"time_scale"`
	Autonomous bool              `json:"autonomous"`
	Keys       actuator.KeyInput `json:"keys"`
}

// Settings holds the values users may change while the loop runs. The
// setters are the only way to modify them.
type Settings struct {
	mu sync.RWMutex
	s  SettingsSnapshot
}

func NewSettings(initial SettingsSnapshot) (*Settings, error) {
	initial.TimeScale = clampTimeScale(initial.TimeScale)
	if err := validate(initial); err != nil {
		return nil, err
	}
	return &Settings{s: initial}, nil
}

func (st *Settings) Snapshot() SettingsSnapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Update applies fn to a copy of the settings and stores the copy only if
// every field is valid. On error nothing changes.
func (st *Settings) Update(fn func(*SettingsSnapshot)) (SettingsSnapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.s
	fn(&next)
	next.TimeScale = clampTimeScale(next.TimeScale)
	if err := validate(next); err != nil {
		return st.s, err
	}
	st.s = next
	return next, nil
}

func validate(s SettingsSnapshot) error {
	if err := nonNegative("base torque", s.Actuator.BaseTorque); err != nil {
		return err
	}
	if err := nonNegative("max steer angle", s.Actuator.MaxSteerAngle); err != nil {
		return err
	}
	if err := nonNegative("brake torque", s.Actuator.BrakeTorque); err != nil {
		return err
	}
	return validFrequency(s.Frequency)
}

func nonNegative(name string, v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a non-negative number, got %v", name, v)
	}
	return nil
}

func validFrequency(frames int) error {
	if frames < scheduler.MinFrequency || frames > scheduler.MaxFrequency {
		return fmt.Errorf("frequency must be between %d and %d, got %d", scheduler.MinFrequency, scheduler.MaxFrequency, frames)
	}
	return nil
}

func clampTimeScale(v float64) float64 {
	if math.IsNaN(v) {
		return 1
	}
	return math.Max(scheduler.MinTimeScale, math.Min(scheduler.MaxTimeScale, v))
}

func (st *Settings) SetBaseTorque(v float64) error {
	if err := nonNegative("base torque", v); err != nil {
		return err
	}
	st.mu.Lock()
	st.s.Actuator.BaseTorque = v
	st.mu.Unlock()
	return nil
}

func (st *Settings) SetMaxSteerAngle(v float64) error {
	if err := nonNegative("max steer angle", v); err != nil {
		return err
	}
	st.mu.Lock()
	st.s.Actuator.MaxSteerAngle = v
	st.mu.Unlock()
	return nil
}

func (st *Settings) SetBrakeTorque(v float64) error {
	if err := nonNegative("brake torque", v); err != nil {
		return err
	}
	st.mu.Lock()
	st.s.Actuator.BrakeTorque = v
	st.mu.Unlock()
	return nil
}

// SetFrequency sets the number of frames between classifications.
func (st *Settings) SetFrequency(frames int) error {
	if err := validFrequency(frames); err != nil {
		return err
	}
	st.mu.Lock()
	st.s.Frequency = frames
	st.mu.Unlock()
	return nil
}

// SetTimeScale clamps v to [0.1, 20] and returns the stored value.
func (st *Settings) SetTimeScale(v float64) float64 {
	v = clampTimeScale(v)
	st.mu.Lock()
	st.s.TimeScale = v
	st.mu.Unlock()
	return v
}

func (st *Settings) SetAutonomous(on bool) {
	st.mu.Lock()
	st.s.Autonomous = on
	st.mu.Unlock()
}

func (st *Settings) SetKeys(k actuator.KeyInput) {
	st.mu.Lock()
	st.s.Keys = k
	st.mu.Unlock()
}
