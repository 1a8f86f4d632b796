/*
 * plot.go, part of catflow.
 *
 *
 * Copyright 2020 The catflow authors
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU Lesser General Public License as
 * published by the Free Software Foundation; either version 2.1 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU Lesser General
 * Public License along with this program.  If not, see
 * <http://www.gnu.org/licenses/>.
 *
 *
 */

package neb

import (
	chem "github.com/catflow/catflow"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

//SavePlot writes the energy profile of the band to filename, with the
//energies relative to the first image. The image format follows the
//file extension: png, svg, pdf, eps or tif.
func (B *Band) SavePlot(filename string) error {
	s, energies, err := B.Profile()
	if err != nil {
		return errDecorate(err, "SavePlot")
	}
	p := plot.New()
	p.Title.Text = "Minimum energy path"
	p.Title.Padding = vg.Millimeter * 3
	p.X.Label.Text = "Reaction coordinate (A)"
	p.Y.Label.Text = "Energy (eV)"
	p.Add(plotter.NewGrid())
	pts := make(plotter.XYs, len(energies))
	for i, e := range energies {
		pts[i].X = s[i]
		pts[i].Y = e - energies[0]
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return chem.NewError("neb: "+err.Error(), "SavePlot")
	}
	p.Add(line, points)
	if err := p.Save(5*vg.Inch, 4*vg.Inch, filename); err != nil {
		return chem.NewError("neb: "+err.Error(), "SavePlot")
	}
	return nil
}
