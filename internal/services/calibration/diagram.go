package calibration

import (
	"fmt"
	"image/color"
	"io"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

const diagramSize = 6 * vg.Inch

// ReliabilityPoints bins scores into ten equal-width buckets and returns (mean score, observed
// coordinated frequency) for every non-empty bucket.
func ReliabilityPoints(scores []float64, labels []int) plotter.XYs {
	var cnt, conf, hits [eceBins]float64
	for i := 0; i < min(len(scores), len(labels)); i++ {
		b := bin(scores[i])
		cnt[b]++
		conf[b] += scores[i]
		hits[b] += float64(labels[i])
	}
	var pts plotter.XYs
	for b := range cnt {
		if cnt[b] == 0 {
			continue
		}
		pts = append(pts, plotter.XY{X: conf[b] / cnt[b], Y: hits[b] / cnt[b]})
	}
	return pts
}

func reliabilityPlot(raw, calibrated []float64, labels []int) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Reliability diagram"
	p.X.Label.Text = "Mean predicted confidence"
	p.Y.Label.Text = "Observed coordinated frequency"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	p.Add(plotter.NewGrid())

	ideal, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}})
	if err != nil {
		return nil, err
	}
	ideal.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	ideal.LineStyle.Color = color.Gray{Y: 128}
	p.Add(ideal)
	p.Legend.Add("perfect", ideal)

	series := []struct {
		name   string
		scores []float64
		col    color.Color
	}{
		{"raw", raw, color.RGBA{R: 200, A: 255}},
		{"calibrated", calibrated, color.RGBA{B: 200, A: 255}},
	}
	for _, s := range series {
		pts := ReliabilityPoints(s.scores, labels)
		if len(pts) == 0 {
			continue
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, fmt.Errorf("%s series: %w", s.name, err)
		}
		line.Color = s.col
		points.Color = s.col
		points.Shape = draw.CircleGlyph{}
		p.Add(line, points)
		p.Legend.Add(s.name, line, points)
	}
	p.Legend.Top = false
	p.Legend.Left = true
	return p, nil
}

// PlotReliabilityDiagram renders raw and calibrated reliability curves to path. The image
// format follows the extension (.png or .svg).
func PlotReliabilityDiagram(raw, calibrated []float64, labels []int, path string) error {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext != "png" && ext != "svg" {
		return fmt.Errorf("reliability diagram: unsupported format %q", ext)
	}
	p, err := reliabilityPlot(raw, calibrated, labels)
	if err != nil {
		return err
	}
	return p.Save(diagramSize, diagramSize, path)
}

// WriteReliabilityDiagram renders the diagram in format ("png" or "svg") to w.
func WriteReliabilityDiagram(w io.Writer, format string, raw, calibrated []float64, labels []int) error {
	p, err := reliabilityPlot(raw, calibrated, labels)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(diagramSize, diagramSize, format)
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
