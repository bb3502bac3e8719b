// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regression

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotPredictions saves a scatter plot of the predicted versus the true log consumption to filePath,
// with the line y = ŷ and dashed lines at ±margin around it.
// The image format is taken from the file extension (e.g. ".png").
func PlotPredictions(filePath string, y, yHat []float64, r2, margin float64) error {
	if len(y) == 0 || len(y) != len(yHat) {
		return errors.Errorf("cannot plot %d targets against %d predictions", len(y), len(yHat))
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Log consumption, r² = %.3f", r2)
	p.X.Label.Text = "True"
	p.Y.Label.Text = "Predicted"

	lo, hi := math.Inf(1), math.Inf(-1)
	xys := make(plotter.XYs, len(y))
	for ii := range y {
		xys[ii] = plotter.XY{X: y[ii], Y: yHat[ii]}
		lo, hi = min(lo, y[ii], yHat[ii]), max(hi, y[ii], yHat[ii])
	}
	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return errors.Wrap(err, "failed to create scatter plot")
	}
	scatter.GlyphStyle.Radius = vg.Points(2)
	scatter.GlyphStyle.Color = color.RGBA{B: 200, A: 255}
	p.Add(scatter, plotter.NewGrid())

	for _, offset := range []float64{0, margin, -margin} {
		line, err := plotter.NewLine(plotter.XYs{{X: lo, Y: lo + offset}, {X: hi, Y: hi + offset}})
		if err != nil {
			return errors.Wrap(err, "failed to create line")
		}
		line.Width = vg.Points(1)
		if offset != 0 {
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
			line.Color = color.Gray{Y: 128}
		}
		p.Add(line)
	}
	p.X.Min, p.X.Max = lo-margin, hi+margin
	p.Y.Min, p.Y.Max = lo-margin, hi+margin

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	if err := p.Save(6*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}
