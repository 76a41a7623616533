package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/steer-api/internal/actuator"
	"github.com/Brownie44l1/steer-api/internal/decision"
	"github.com/Brownie44l1/steer-api/internal/model"
	"github.com/Brownie44l1/steer-api/internal/preprocess"
)

type fakeClassifier struct {
	mu     sync.Mutex
	logits []float32
	err    error
	calls  int
	sizes  []int
}

func (f *fakeClassifier) Classify(_ context.Context, input []float32) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sizes = append(f.sizes, len(input))
	if f.err != nil {
		return nil, f.err
	}
	return f.logits, nil
}

func (f *fakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSource struct {
	err   error
	calls int
}

func (s *fakeSource) Capture(context.Context) (preprocess.Frame, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 8), uint8(y * 10), 90, 255})
		}
	}
	return img, nil
}

func defaultSettings(t *testing.T, frequency int, autonomous bool) *Settings {
	t.Helper()
	st, err := NewSettings(SettingsSnapshot{
		Actuator:   actuator.Params{BaseTorque: 100, MaxSteerAngle: 30, BrakeTorque: actuator.DefaultBrakeTorque},
		Frequency:  frequency,
		TimeScale:  1,
		Autonomous: autonomous,
	})
	require.NoError(t, err)
	return st
}

func newLoop(t *testing.T, st *Settings, c model.Classifier, src FrameSource) (*Loop, *actuator.RecordingSink) {
	t.Helper()
	sink := &actuator.RecordingSink{}
	l, err := New(Options{
		Settings:   st,
		ImageSize:  16,
		Classifier: c,
		Source:     src,
		Sink:       sink,
		RateWindow: time.Second,
	})
	require.NoError(t, err)
	return l, sink
}

func TestTickEndToEndForward(t *testing.T) {
	c := &fakeClassifier{logits: []float32{2.0, 0.5, 0.1}}
	l, sink := newLoop(t, defaultSettings(t, 1, true), c, &fakeSource{})

	step, err := l.Tick(context.Background(), 16*time.Millisecond)
	require.NoError(t, err)

	e0, e1, e2 := math.Exp(2.0), math.Exp(0.5), math.Exp(0.1)
	assert.True(t, step.Classified)
	assert.True(t, step.Applied)
	assert.Equal(t, decision.Forward, step.Command)
	assert.InDelta(t, e0/(e0+e1+e2), step.Result.Decision.Confidence, 1e-5)
	assert.Equal(t, actuator.ControlOutput{MotorTorque: 100}, step.Control)
	assert.Equal(t, []int{16 * 16}, c.sizes)

	last, n := sink.Last()
	assert.Equal(t, 1, n)
	assert.Equal(t, step.Control, last)
}

func TestTickRespectsEffectiveFrequency(t *testing.T) {
	c := &fakeClassifier{logits: []float32{0.1, 3, 0.2}}
	st := defaultSettings(t, 10, true)
	st.SetTimeScale(2)
	l, sink := newLoop(t, st, c, &fakeSource{})

	for i := 1; i <= 4; i++ {
		step, err := l.Tick(context.Background(), time.Millisecond)
		require.NoError(t, err)
		assert.False(t, step.Classified, "tick %d", i)
	}
	step, err := l.Tick(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.True(t, step.Classified)
	assert.Equal(t, decision.Left, step.Command)
	assert.Equal(t, actuator.ControlOutput{MotorTorque: 300, SteerAngle: -30}, step.Control)

	// Non-firing ticks report the last control without re-applying it.
	step, err = l.Tick(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.False(t, step.Applied)
	assert.Equal(t, actuator.ControlOutput{MotorTorque: 300, SteerAngle: -30}, step.Control)

	_, n := sink.Last()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, c.Calls())
	assert.Equal(t, 5, l.Status().Scheduler.EffectiveFrequency)
}

func TestTickManualOverride(t *testing.T) {
	c := &fakeClassifier{logits: []float32{5, 0, 0}}
	st := defaultSettings(t, 1, false)
	st.SetKeys(actuator.KeyInput{Left: true})
	l, sink := newLoop(t, st, c, &fakeSource{})

	step, err := l.Tick(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ModeManual, step.Mode)
	assert.Equal(t, decision.Left, step.Command)
	assert.Equal(t, actuator.ControlOutput{MotorTorque: 300, SteerAngle: -30}, step.Control)
	assert.Equal(t, 0, c.Calls())

	st.SetKeys(actuator.KeyInput{})
	step, err = l.Tick(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, actuator.ControlOutput{BrakeTorque: actuator.DefaultBrakeTorque}, step.Control)

	_, n := sink.Last()
	assert.Equal(t, 2, n)
}

func TestTickModelUnavailableDisablesClassification(t *testing.T) {
	c := &fakeClassifier{err: model.ErrModelUnavailable}
	src := &fakeSource{}
	l, sink := newLoop(t, defaultSettings(t, 1, true), c, src)
	require.True(t, l.ModelAvailable())

	step, err := l.Tick(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, model.ErrModelUnavailable)
	assert.Equal(t, decision.Unknown, step.Command)
	assert.Equal(t, actuator.ControlOutput{BrakeTorque: actuator.DefaultBrakeTorque}, step.Control)
	assert.False(t, l.ModelAvailable())

	step, err = l.Tick(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, decision.Unknown, step.Command)
	assert.Equal(t, 1, c.Calls())
	assert.Equal(t, 1, src.calls)

	// manual control still works
	l.Settings().SetAutonomous(false)
	l.Settings().SetKeys(actuator.KeyInput{Up: true})
	step, err = l.Tick(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, actuator.ControlOutput{MotorTorque: 100}, step.Control)

	_, n := sink.Last()
	assert.Equal(t, 3, n)
}

func TestNewWithoutClassifierStartsDisabled(t *testing.T) {
	l, _ := newLoop(t, defaultSettings(t, 1, true), nil, &fakeSource{})
	assert.False(t, l.ModelAvailable())

	step, err := l.Tick(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, actuator.ControlOutput{BrakeTorque: actuator.DefaultBrakeTorque}, step.Control)
}

func TestTickCaptureFailureBrakes(t *testing.T) {
	c := &fakeClassifier{logits: []float32{1, 0, 0}}
	l, _ := newLoop(t, defaultSettings(t, 1, true), c, &fakeSource{err: errors.New("camera lost")})

	step, err := l.Tick(context.Background(), time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, decision.Unknown, step.Command)
	assert.True(t, step.Applied)
	assert.True(t, l.ModelAvailable())
	assert.Equal(t, 0, c.Calls())
	assert.True(t, l.CameraAvailable(), "a transient capture error does not disable the camera")
}

func TestTickWithoutCameraBrakesQuietly(t *testing.T) {
	c := &fakeClassifier{logits: []float32{1, 0, 0}}
	st := defaultSettings(t, 1, false)
	l, sink := newLoop(t, st, c, nil)
	assert.False(t, l.CameraAvailable())

	// autonomous switched on later, with no camera behind it
	st.SetAutonomous(true)
	for i := 0; i < 3; i++ {
		step, err := l.Tick(context.Background(), time.Millisecond)
		require.NoError(t, err)
		assert.False(t, step.Classified)
		assert.Equal(t, actuator.ControlOutput{BrakeTorque: actuator.DefaultBrakeTorque}, step.Control)
	}
	assert.Equal(t, 0, c.Calls())
	_, n := sink.Last()
	assert.Equal(t, 3, n)
	assert.False(t, l.Status().CameraAvailable)
	assert.True(t, l.Status().ModelAvailable)
}

func TestTickCaptureFailureDisablesCamera(t *testing.T) {
	c := &fakeClassifier{logits: []float32{1, 0, 0}}
	src := &fakeSource{err: fmt.Errorf("%w: device unplugged", ErrCaptureFailure)}
	l, _ := newLoop(t, defaultSettings(t, 1, true), c, src)
	require.True(t, l.CameraAvailable())

	step, err := l.Tick(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, ErrCaptureFailure)
	assert.Equal(t, decision.Unknown, step.Command)
	assert.False(t, l.CameraAvailable())

	for i := 0; i < 3; i++ {
		step, err = l.Tick(context.Background(), time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, actuator.ControlOutput{BrakeTorque: actuator.DefaultBrakeTorque}, step.Control)
	}
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 0, c.Calls())
}

func TestTickMalformedLogitsMapToUnknown(t *testing.T) {
	c := &fakeClassifier{logits: []float32{1, 2}}
	l, _ := newLoop(t, defaultSettings(t, 1, true), c, &fakeSource{})

	step, err := l.Tick(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.True(t, step.Classified)
	assert.Equal(t, decision.Unknown, step.Command)
	assert.Equal(t, actuator.ControlOutput{BrakeTorque: actuator.DefaultBrakeTorque}, step.Control)
}

func TestSettingsChangesApplyOnNextTick(t *testing.T) {
	c := &fakeClassifier{logits: []float32{0, 0, 4}}
	st := defaultSettings(t, 1, true)
	l, _ := newLoop(t, st, c, &fakeSource{})

	require.NoError(t, st.SetBaseTorque(50))
	require.NoError(t, st.SetMaxSteerAngle(15))

	step, err := l.Tick(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, actuator.ControlOutput{MotorTorque: 150, SteerAngle: 15}, step.Control)
}

func TestClassifyFrameDoesNotApply(t *testing.T) {
	c := &fakeClassifier{logits: []float32{0, 0, 4}}
	l, sink := newLoop(t, defaultSettings(t, 1, true), c, &fakeSource{})

	frame, err := (&fakeSource{}).Capture(context.Background())
	require.NoError(t, err)

	res, err := l.ClassifyFrame(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, decision.Right, res.Decision.Command)
	assert.Equal(t, actuator.ControlOutput{MotorTorque: 300, SteerAngle: 30}, res.Control)

	_, n := sink.Last()
	assert.Equal(t, 0, n)

	_, err = l.ClassifyFrame(context.Background(), nil)
	assert.ErrorIs(t, err, preprocess.ErrEmptyFrame)
}

func TestClassifyTensor(t *testing.T) {
	c := &fakeClassifier{logits: []float32{0, 3, 0}}
	l, _ := newLoop(t, defaultSettings(t, 1, true), c, nil)

	res, err := l.ClassifyTensor(context.Background(), make([]float32, 16*16))
	require.NoError(t, err)
	assert.Equal(t, decision.Left, res.Decision.Command)
	assert.InDelta(t, 1.0, float64(res.Probabilities[0]+res.Probabilities[1]+res.Probabilities[2]), 1e-5)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{ImageSize: 8, Sink: &actuator.RecordingSink{}})
	assert.Error(t, err)

	_, err = New(Options{Settings: defaultSettings(t, 1, true), ImageSize: 8})
	assert.Error(t, err)

	_, err = New(Options{Settings: defaultSettings(t, 1, true), ImageSize: 0, Sink: &actuator.RecordingSink{}})
	assert.Error(t, err)
}

type sizedClassifier struct {
	fakeClassifier
	size int
}

func (s *sizedClassifier) InputSize() int { return s.size }

func TestNewChecksClassifierInputSize(t *testing.T) {
	_, err := New(Options{
		Settings:   defaultSettings(t, 1, true),
		ImageSize:  16,
		Classifier: &sizedClassifier{size: 32 * 32},
		Sink:       &actuator.RecordingSink{},
	})
	assert.ErrorIs(t, err, model.ErrInputSize)

	l, err := New(Options{
		Settings:   defaultSettings(t, 1, true),
		ImageSize:  16,
		Classifier: &sizedClassifier{size: 16 * 16},
		Sink:       &actuator.RecordingSink{},
	})
	require.NoError(t, err)
	assert.True(t, l.ModelAvailable())
}

type fakeTicker struct {
	ch      chan time.Time
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped = true }

type fakeClock struct {
	start  time.Time
	ticker *fakeTicker
}

func (c *fakeClock) Now() time.Time                 { return c.start }
func (c *fakeClock) NewTicker(time.Duration) Ticker { return c.ticker }

func TestRunTicksUntilCancelled(t *testing.T) {
	c := &fakeClassifier{logits: []float32{2, 0, 0}}
	l, sink := newLoop(t, defaultSettings(t, 1, true), c, &fakeSource{})

	start := time.Unix(1000, 0)
	clock := &fakeClock{start: start, ticker: &fakeTicker{ch: make(chan time.Time)}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, clock, time.Second/60) }()

	for i := 1; i <= 3; i++ {
		clock.ticker.ch <- start.Add(time.Duration(i) * 500 * time.Millisecond)
	}
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, clock.ticker.stopped)
	_, n := sink.Last()
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, c.Calls())
}
