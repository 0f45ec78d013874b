// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package stability

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	magnitudeColor = color.RGBA{B: 200, A: 255}
	phaseColor     = color.RGBA{R: 200, A: 255}
)

// WritePNG renders magnitude and phase panels stacked on one canvas.
// widthIn and heightIn are in inches.
func (b Bode) WritePNG(w io.Writer, widthIn, heightIn float64) error {
	mag, err := bodePanel("Magnitude", "Magnitude [dB]", b.Frequencies, b.MagnitudeDb, magnitudeColor)
	if err != nil {
		return err
	}
	phase, err := bodePanel("Phase", "Phase [deg]", b.Frequencies, b.PhaseDeg, phaseColor)
	if err != nil {
		return err
	}
	phase.X.Label.Text = "Frequency [rad/s]"

	c := vgimg.NewWith(
		vgimg.UseWH(vg.Length(widthIn)*vg.Inch, vg.Length(heightIn)*vg.Inch),
		vgimg.UseDPI(96),
	)
	dc := draw.New(c)
	tiles := draw.Tiles{
		Rows: 2,
		Cols: 1,
		PadY: vg.Points(12),
	}
	plots := [][]*plot.Plot{{mag}, {phase}}
	canvases := plot.Align(plots, tiles, dc)
	mag.Draw(canvases[0][0])
	phase.Draw(canvases[1][0])

	png := vgimg.PngCanvas{Canvas: c}
	if _, err := png.WriteTo(w); err != nil {
		return fmt.Errorf("cannot write png: %w", err)
	}
	return nil
}

func bodePanel(title, ylabel string, xs, ys []float64, col color.Color) (*plot.Plot, error) {
	if len(xs) != len(ys) || len(xs) == 0 {
		return nil, fmt.Errorf("bode plot: %d frequencies, %d values", len(xs), len(ys))
	}

	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = ylabel
	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(xs))
	for i := range xs {
		pts[i].X = xs[i]
		pts[i].Y = ys[i]
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("cannot create line plot: %w", err)
	}
	line.LineStyle.Width = vg.Points(2)
	line.LineStyle.Color = col
	p.Add(line)
	return p, nil
}
