// Package charts lays out training metrics as 3D bar charts.
package charts

import (
	"errors"
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/gonum/floats"
)

var ErrEmptySeries = errors.New("metric series has no values")

// flatRange is the span below which a series counts as flat.
const flatRange = 1e-6

// MetricSeries is one metric's history for a training run. Train and
// Validation may differ in length.
type MetricSeries struct {
	Name       string    `json:"name"`
	Train      []float64 `json:"train"`
	Validation []float64 `json:"validation"`
}

type Layout struct {
	XSpacing       float64
	YScale         float64
	NumYLabels     int
	BaseColor      color.RGBA
	HighlightColor color.RGBA
}

func DefaultLayout() Layout {
	return Layout{
		XSpacing:       1.5,
		YScale:         10,
		NumYLabels:     5,
		BaseColor:      color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 0xff},
		HighlightColor: color.RGBA{R: 0xfd, G: 0xe7, B: 0x25, A: 0xff},
	}
}

type Bar struct {
	Epoch int        `json:"epoch"`
	X     float64    `json:"x"`
	Y     float64    `json:"y"`
	Value float64    `json:"value"`
	Color color.RGBA `json:"color"`
}

type AxisLabel struct {
	Position float64 `json:"position"`
	Text     string  `json:"text"`
}

type Chart struct {
	Name       string      `json:"name"`
	YMin       float64     `json:"y_min"`
	YMax       float64     `json:"y_max"`
	Train      []Bar       `json:"train"`
	Validation []Bar       `json:"validation"`
	XLabels    []AxisLabel `json:"x_labels"`
	YLabels    []AxisLabel `json:"y_labels"`
}

// Range returns the combined min and max of both histories, with max nudged
// up by one when the series is flat.
func Range(s MetricSeries) (yMin, yMax float64, err error) {
	all := make([]float64, 0, len(s.Train)+len(s.Validation))
	all = append(all, s.Train...)
	all = append(all, s.Validation...)
	if len(all) == 0 {
		return 0, 0, ErrEmptySeries
	}

	yMin, yMax = floats.Min(all), floats.Max(all)
	if math.Abs(yMax-yMin) < flatRange {
		yMax += 1.0
	}
	return yMin, yMax, nil
}

// Normalize maps v from [yMin, yMax] onto [0, yScale].
func Normalize(v, yMin, yMax, yScale float64) float64 {
	return (v - yMin) / (yMax - yMin) * yScale
}

// Lerp blends a toward b by t, clamped to [0, 1].
func Lerp(a, b color.RGBA, t float64) color.RGBA {
	if t < 0 || math.IsNaN(t) {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
}

// Map lays out a metric series: bar i (1-indexed) sits at i*XSpacing with a
// height normalized into [0, YScale].
func Map(s MetricSeries, l Layout) (Chart, error) {
	yMin, yMax, err := Range(s)
	if err != nil {
		return Chart{}, fmt.Errorf("%s: %w", s.Name, err)
	}
	if l.NumYLabels <= 0 {
		l.NumYLabels = 1
	}

	bars := func(values []float64) []Bar {
		out := make([]Bar, len(values))
		for i, v := range values {
			t := 0.0
			if yMax != 0 {
				t = v / yMax
			}
			out[i] = Bar{
				Epoch: i + 1,
				X:     float64(i+1) * l.XSpacing,
				Y:     Normalize(v, yMin, yMax, l.YScale),
				Value: v,
				Color: Lerp(l.BaseColor, l.HighlightColor, t),
			}
		}
		return out
	}

	c := Chart{
		Name:       s.Name,
		YMin:       yMin,
		YMax:       yMax,
		Train:      bars(s.Train),
		Validation: bars(s.Validation),
	}

	epochs := max(len(s.Train), len(s.Validation))
	for i := 1; i <= epochs; i++ {
		c.XLabels = append(c.XLabels, AxisLabel{
			Position: float64(i) * l.XSpacing,
			Text:     fmt.Sprintf("%d", i),
		})
	}
	for i := 0; i <= l.NumYLabels; i++ {
		frac := float64(i) / float64(l.NumYLabels)
		c.YLabels = append(c.YLabels, AxisLabel{
			Position: frac * l.YScale,
			Text:     fmt.Sprintf("%.2f", yMin+(yMax-yMin)*frac),
		})
	}
	return c, nil
}

func hexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}
