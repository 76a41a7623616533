package charts

import (
	"fmt"
	"image/color"
	"io"

	echarts "github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Depth rows of the 3D grid.
const (
	trainRow      = 0
	validationRow = 1
)

func bar3DData(bars []Bar, row int) []opts.Chart3DData {
	data := make([]opts.Chart3DData, 0, len(bars))
	for _, b := range bars {
		data = append(data, opts.Chart3DData{
			Name:      fmt.Sprintf("epoch %d: %.4f", b.Epoch, b.Value),
			Value:     []interface{}{b.X, row, b.Y},
			ItemStyle: &opts.ItemStyle{Color: hexColor(b.Color)},
		})
	}
	return data
}

func newBar3D(c Chart) *echarts.Bar3D {
	bar := echarts.NewBar3D()
	bar.SetGlobalOptions(
		echarts.WithInitializationOpts(opts.Initialization{PageTitle: "Training metrics", Theme: "dark", Width: "900px", Height: "600px"}),
		echarts.WithTitleOpts(opts.Title{Title: c.Name, Subtitle: fmt.Sprintf("min=%.4f max=%.4f", c.YMin, c.YMax)}),
		echarts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		echarts.WithXAxis3DOpts(opts.XAxis3D{Name: "epoch", Type: "value"}),
		echarts.WithYAxis3DOpts(opts.YAxis3D{Name: "series", Type: "category", Data: []string{"train", "validation"}}),
		echarts.WithZAxis3DOpts(opts.ZAxis3D{Name: c.Name, Type: "value"}),
		echarts.WithGrid3DOpts(opts.Grid3D{BoxWidth: 200, BoxDepth: 60}),
	)
	bar.AddSeries("train", bar3DData(c.Train, trainRow))
	bar.AddSeries("validation", bar3DData(c.Validation, validationRow))
	return bar
}

// RenderBar3D writes an HTML page with one 3D bar chart per metric.
func RenderBar3D(w io.Writer, cs ...Chart) error {
	page := components.NewPage()
	page.SetPageTitle("Training metrics")
	for _, c := range cs {
		page.AddCharts(newBar3D(c))
	}
	return page.Render(w)
}

// RenderCurvesPNG draws the raw train and validation histories as line plots.
func RenderCurvesPNG(w io.Writer, s MetricSeries, width, height int) error {
	if len(s.Train) == 0 && len(s.Validation) == 0 {
		return fmt.Errorf("%s: %w", s.Name, ErrEmptySeries)
	}

	p := plot.New()
	p.Title.Text = s.Name
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = s.Name
	p.Add(plotter.NewGrid())

	add := func(name string, values []float64, c color.Color) error {
		if len(values) == 0 {
			return nil
		}
		pts := make(plotter.XYs, len(values))
		for i, v := range values {
			pts[i].X = float64(i + 1)
			pts[i].Y = v
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("line %s: %w", name, err)
		}
		line.Color = c
		line.Width = vg.Points(2)
		p.Add(line)
		p.Legend.Add(name, line)
		return nil
	}

	if err := add("train", s.Train, color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 0xff}); err != nil {
		return err
	}
	if err := add("validation", s.Validation, color.RGBA{R: 0xe6, G: 0x55, B: 0x0d, A: 0xff}); err != nil {
		return err
	}

	wt, err := p.WriterTo(vg.Points(float64(width)), vg.Points(float64(height)), "png")
	if err != nil {
		return fmt.Errorf("render %s: %w", s.Name, err)
	}
	_, err = wt.WriteTo(w)
	return err
}
