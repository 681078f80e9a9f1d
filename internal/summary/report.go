// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"fmt"
	"image/color"
	"math"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Table renders the named values as a two-column table, with the title as the header.
func Table(title string, names []string, values []float64) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	valueStyle := cellStyle.Align(lipgloss.Right)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 1:
				return valueStyle
			}
			return cellStyle
		}).
		Headers(title, "")
	for ii, name := range names {
		table.Row(name, fmt.Sprintf("%.6g", values[ii]))
	}
	return table.String()
}

// lossSeries returns the (step, value) pairs of the finite points of the given metric.
func lossSeries(points []Point, metric string) plotter.XYs {
	var xys plotter.XYs
	for _, p := range points {
		if p.Metric != metric || math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(p.Step), Y: p.Value})
	}
	return xys
}

type lossCurve struct {
	name   string
	xys    plotter.XYs
	color  color.Color
	points bool
}

// PlotLosses draws the "loss" metric of the train and eval points into a PNG file.
// Points that are not finite are skipped, and it returns an error if there is nothing to plot.
func PlotLosses(title string, trainPoints, evalPoints []Point, filePath string) error {
	curves := []lossCurve{
		{"train", lossSeries(trainPoints, "loss"), color.RGBA{R: 0x70, G: 0x50, B: 0x90, A: 0xff}, false},
		{"eval", lossSeries(evalPoints, "loss"), color.RGBA{R: 0xd0, G: 0x60, B: 0x20, A: 0xff}, true},
	}
	if !slices.ContainsFunc(curves, func(c lossCurve) bool { return len(c.xys) > 0 }) {
		return errors.Errorf("no loss points to plot into %q", filePath)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())
	for _, c := range curves {
		if len(c.xys) == 0 {
			continue
		}
		line, scatter, err := plotter.NewLinePoints(c.xys)
		if err != nil {
			return errors.Wrapf(err, "failed to plot %s losses", c.name)
		}
		line.Color = c.color
		if c.points {
			scatter.Color = c.color
			p.Add(line, scatter)
		} else {
			p.Add(line)
		}
		p.Legend.Add(c.name, line)
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}
