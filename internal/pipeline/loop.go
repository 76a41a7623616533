// Package pipeline runs the perception-to-control loop: capture a frame,
// classify it and drive the vehicle from the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Brownie44l1/steer-api/internal/actuator"
	"github.com/Brownie44l1/steer-api/internal/decision"
	"github.com/Brownie44l1/steer-api/internal/model"
	"github.com/Brownie44l1/steer-api/internal/preprocess"
	"github.com/Brownie44l1/steer-api/internal/scheduler"
)

type Mode string

const (
	ModeAutonomous Mode = "autonomous"
	ModeManual     Mode = "manual"
)

// Result is one classification pass from frame to control output.
type Result struct {
	Decision      decision.Decision      `json:"decision"`
	Probabilities decision.Probabilities `json:"probabilities"`
	Logits        []float32              `json:"logits"`
	Control       actuator.ControlOutput `json:"control"`
}

// Step describes what a single Tick did.
type Step struct {
	Mode       Mode                   `json:"mode"`
	Classified bool                   `json:"classified"`
	Applied    bool                   `json:"applied"`
	Command    decision.Command       `json:"command"`
	Result     *Result                `json:"result,omitempty"`
	Control    actuator.ControlOutput `json:"control"`
}

type Loop struct {
	mu         sync.Mutex
	settings   *Settings
	pre        *preprocess.Preprocessor
	classifier model.Classifier
	source     FrameSource
	sink       actuator.Sink
	sched      *scheduler.Scheduler

	modelDisabled  bool
	cameraDisabled bool
	last           Step
}

type Options struct {
	Settings   *Settings
	ImageSize  int
	Classifier model.Classifier
	Source     FrameSource
	Sink       actuator.Sink
	RateWindow time.Duration
}

func New(opts Options) (*Loop, error) {
	if opts.Settings == nil {
		return nil, errors.New("settings are required")
	}
	if opts.Sink == nil {
		return nil, errors.New("actuator sink is required")
	}
	pre, err := preprocess.New(opts.ImageSize)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(opts.Settings.Snapshot().Frequency, opts.RateWindow)
	if err != nil {
		return nil, err
	}

	classifier := opts.Classifier
	if classifier == nil {
		classifier = model.Unavailable{}
	}
	_, unavailable := classifier.(model.Unavailable)
	if sized, ok := classifier.(interface{ InputSize() int }); ok {
		if got, want := tensorSize(pre.Shape()), sized.InputSize(); got != want {
			return nil, fmt.Errorf("%w: preprocessor shape %v holds %d values, classifier expects %d",
				model.ErrInputSize, pre.Shape(), got, want)
		}
	}

	return &Loop{
		settings:       opts.Settings,
		pre:            pre,
		classifier:     classifier,
		source:         opts.Source,
		sink:           opts.Sink,
		sched:          sched,
		modelDisabled:  unavailable,
		cameraDisabled: opts.Source == nil,
	}, nil
}

func tensorSize(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

func (l *Loop) Settings() *Settings {
	return l.settings
}

// ModelAvailable reports whether autonomous classification is enabled.
func (l *Loop) ModelAvailable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.modelDisabled
}

// CameraAvailable reports whether frames can still be captured.
func (l *Loop) CameraAvailable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.cameraDisabled
}

// Tick advances the loop by one frame. elapsed is the real time since the
// previous tick. Failures inside a classification cycle are recovered by
// braking; the returned error only reports what happened.
func (l *Loop) Tick(ctx context.Context, elapsed time.Duration) (Step, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := l.settings.Snapshot()

	if !snap.Autonomous {
		cmd := actuator.CommandFromKeys(snap.Keys)
		step := Step{Mode: ModeManual, Command: cmd}
		return l.apply(step, snap.Actuator)
	}

	if err := l.sched.SetBaseFrequency(snap.Frequency); err != nil {
		return l.last, err
	}
	if !l.sched.Tick(elapsed, snap.TimeScale) {
		step := l.last
		step.Mode = ModeAutonomous
		step.Classified = false
		step.Applied = false
		step.Result = nil
		return step, nil
	}

	step := Step{Mode: ModeAutonomous, Command: decision.Unknown}
	if l.modelDisabled || l.cameraDisabled {
		return l.apply(step, snap.Actuator)
	}

	res, err := l.cycle(ctx, snap.Actuator)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrModelUnavailable):
			l.modelDisabled = true
			slog.Warn("classification disabled", "error", err)
		case errors.Is(err, ErrCaptureFailure):
			l.cameraDisabled = true
			slog.Warn("camera lost, classification disabled", "error", err)
		default:
			slog.Error("classification cycle failed", "error", err)
		}
		var applyErr error
		step, applyErr = l.apply(step, snap.Actuator)
		return step, errors.Join(err, applyErr)
	}

	step.Classified = true
	step.Command = res.Decision.Command
	step.Result = res
	return l.apply(step, snap.Actuator)
}

func (l *Loop) apply(step Step, params actuator.Params) (Step, error) {
	step.Control = actuator.Actuate(step.Command, params)
	if err := l.sink.Apply(step.Control); err != nil {
		return step, fmt.Errorf("apply control: %w", err)
	}
	step.Applied = true
	l.last = step
	return step, nil
}

func (l *Loop) cycle(ctx context.Context, params actuator.Params) (*Result, error) {
	if l.source == nil {
		return nil, ErrCaptureFailure
	}
	frame, err := l.source.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return l.classify(ctx, frame, params)
}

func (l *Loop) classify(ctx context.Context, frame preprocess.Frame, params actuator.Params) (*Result, error) {
	tensor, err := l.pre.Process(frame)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	return l.classifyTensor(ctx, tensor, params)
}

func (l *Loop) classifyTensor(ctx context.Context, tensor []float32, params actuator.Params) (*Result, error) {
	logits, err := l.classifier.Classify(ctx, tensor)
	if err != nil {
		return nil, err
	}
	d, p := decision.FromLogits(logits)
	return &Result{
		Decision:      d,
		Probabilities: p,
		Logits:        logits,
		Control:       actuator.Actuate(d.Command, params),
	}, nil
}

// ClassifyFrame runs one pass on a supplied frame without touching the
// vehicle or the scheduler.
func (l *Loop) ClassifyFrame(ctx context.Context, frame preprocess.Frame) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.classify(ctx, frame, l.settings.Snapshot().Actuator)
}

// ClassifyTensor is ClassifyFrame for an already preprocessed tensor.
func (l *Loop) ClassifyTensor(ctx context.Context, tensor []float32) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.classifyTensor(ctx, tensor, l.settings.Snapshot().Actuator)
}

// Status is a point-in-time view for the HTTP status endpoint.
type Status struct {
	Settings        SettingsSnapshot `json:"settings"`
	Scheduler       scheduler.State  `json:"scheduler"`
	ModelAvailable  bool             `json:"model_available"`
	CameraAvailable bool             `json:"camera_available"`
	Last            Step             `json:"last"`
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Settings:        l.settings.Snapshot(),
		Scheduler:       l.sched.State(),
		ModelAvailable:  !l.modelDisabled,
		CameraAvailable: !l.cameraDisabled,
		Last:            l.last,
	}
}

func (l *Loop) ImageSize() int {
	return l.pre.ImageSize()
}

// Run drives Tick once per interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, clock Clock, interval time.Duration) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	prev := clock.Now()
	slog.Info("drive loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("drive loop stopped")
			return ctx.Err()
		case now := <-ticker.C():
			elapsed := now.Sub(prev)
			prev = now
			step, err := l.Tick(ctx, elapsed)
			if err != nil {
				slog.Debug("tick error", "error", err)
				continue
			}
			if step.Classified {
				slog.Debug("classified",
					"command", step.Command.String(),
					"confidence", step.Result.Decision.Confidence,
					"motor_torque", step.Control.MotorTorque,
					"steer_angle", step.Control.SteerAngle)
			}
		}
	}
}
