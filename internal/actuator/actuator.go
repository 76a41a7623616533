package actuator

import (
	"log/slog"
	"sync"

	"github.com/Brownie44l1/steer-api/internal/decision"
)

// DefaultBrakeTorque is applied when the command is Unknown.
const DefaultBrakeTorque = 500

// Turning commands get this multiple of the base torque.
const turnTorqueFactor = 3

type Params struct {
	BaseTorque    float64 `json:"base_torque"`
	MaxSteerAngle float64 `json:"max_steer_angle"`
	BrakeTorque   float64 `json:"brake_torque"`
}

type ControlOutput struct {
	MotorTorque float64 `json:"motor_torque"`
	SteerAngle  float64 `json:"steer_angle"`
	BrakeTorque float64 `json:"brake_torque"`
}

// Actuate maps a command to control outputs. It has no side effects.
func Actuate(cmd decision.Command, p Params) ControlOutput {
	switch cmd {
	case decision.Forward:
		return ControlOutput{MotorTorque: p.BaseTorque}
	case decision.Left:
		return ControlOutput{MotorTorque: turnTorqueFactor * p.BaseTorque, SteerAngle: -p.MaxSteerAngle}
	case decision.Right:
		return ControlOutput{MotorTorque: turnTorqueFactor * p.BaseTorque, SteerAngle: p.MaxSteerAngle}
	}
	return ControlOutput{BrakeTorque: p.BrakeTorque}
}

// KeyInput is the raw directional key state used in manual mode.
type KeyInput struct {
	Up    bool `json:"up"`
	Left  bool `json:"left"`
	Right bool `json:"right"`
}

// CommandFromKeys maps key state straight to a command, skipping the
// classifier. A single steering key wins; otherwise Up drives forward and no
// keys at all brake.
func CommandFromKeys(k KeyInput) decision.Command {
	switch {
	case k.Left && !k.Right:
		return decision.Left
	case k.Right && !k.Left:
		return decision.Right
	case k.Up:
		return decision.Forward
	}
	return decision.Unknown
}

// Sink applies control outputs to the vehicle.
type Sink interface {
	Apply(out ControlOutput) error
}

// LogSink writes every applied output to the logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Apply(out ControlOutput) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("apply control",
		"motor_torque", out.MotorTorque,
		"steer_angle", out.SteerAngle,
		"brake_torque", out.BrakeTorque)
	return nil
}

// RecordingSink remembers the last applied output and forwards to Next if set.
type RecordingSink struct {
	Next Sink

	mu    sync.Mutex
	last  ControlOutput
	count int
}

func (s *RecordingSink) Apply(out ControlOutput) error {
	s.mu.Lock()
	s.last = out
	s.count++
	s.mu.Unlock()

	if s.Next != nil {
		return s.Next.Apply(out)
	}
	return nil
}

// Last returns the most recent output and how many outputs were applied.
func (s *RecordingSink) Last() (ControlOutput, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.count
}
