/*
 * interpolate.go, part of catflow.
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
	"fmt"
	"math"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/opt"
	"github.com/catflow/catflow/vec"
)

//Interpolation schemes for building the initial band.
const (
	Linear = "linear"
	IDPP   = "idpp"
)

//Interpolate builds a band of n images, endpoints included, between
//start and end. Both structures must hold the same atoms in the same
//order. The scheme is either Linear, a straight path in cartesian
//space, or IDPP, which bends the straight path so that the pairwise
//distances of each image follow the linear interpolation between the
//endpoint distances (Smidstrup et al., J. Chem. Phys. 140, 214106).
//IDPP avoids the absurdly close contacts straight interpolation
//produces, at no calculator cost. The interior images inherit the
//constraints and periodicity of start.
func Interpolate(start, end *chem.Structure, n int, scheme string) (*Band, error) {
	if start == nil || end == nil || start.Coords == nil || end.Coords == nil {
		return nil, chem.NewError("neb: nil endpoint given", "Interpolate")
	}
	if n < 3 {
		return nil, chem.NewError(fmt.Sprintf("neb: a band needs at least 3 images, got %d", n), "Interpolate")
	}
	if start.Len() != end.Len() {
		return nil, chem.NewError(fmt.Sprintf("neb: endpoints differ in size: %d and %d atoms", start.Len(), end.Len()), "Interpolate")
	}
	for i := 0; i < start.Len(); i++ {
		if start.Atom(i).Symbol != end.Atom(i).Symbol {
			return nil, chem.NewError(fmt.Sprintf("neb: endpoints differ at atom %d: %s and %s", i, start.Atom(i).Symbol, end.Atom(i).Symbol), "Interpolate")
		}
	}
	if scheme != Linear && scheme != IDPP {
		return nil, chem.NewError("neb: unknown interpolation scheme "+scheme, "Interpolate")
	}
	nat := start.Len()
	images := make([]*chem.Structure, n)
	images[0] = start.Copy()
	images[n-1] = end.Copy()
	delta := vec.Zeros(nat)
	delta.Sub(end.Coords, start.Coords)
	for i := 1; i < n-1; i++ {
		img := start.Copy()
		img.ClearResults()
		img.Coords.AddScaled(img.Coords, delta, float64(i)/float64(n-1))
		images[i] = img
	}
	if scheme == IDPP {
		d0 := pairDistances(start.Coords)
		d1 := pairDistances(end.Coords)
		target := make([]float64, len(d0))
		for i := 1; i < n-1; i++ {
			frac := float64(i) / float64(n-1)
			for j := range target {
				target[j] = d0[j] + frac*(d1[j]-d0[j])
			}
			//best effort: a partially relaxed guess is still a
			//better starting band than the straight path. The
			//threshold is tight because the 1/d^4 weights keep the
			//pair forces small.
			opt.Relax(images[i].Coords, idppEval(target, nat), images[i].FixedMask(), 1e-3, 500, nil)
		}
	}
	return NewBand(images, DefaultSpring)
}

//pairDistances returns the flattened matrix of pairwise distances of x.
func pairDistances(x *vec.Matrix) []float64 {
	nat := x.NVecs()
	d := make([]float64, nat*nat)
	for i := 0; i < nat; i++ {
		for j := i + 1; j < nat; j++ {
			var r2 float64
			for k := 0; k < 3; k++ {
				v := x.At(i, k) - x.At(j, k)
				r2 += v * v
			}
			r := math.Sqrt(r2)
			d[i*nat+j] = r
			d[j*nat+i] = r
		}
	}
	return d
}

//idppEval returns an evaluator for the image-dependent pair potential
//with the given target distances: every pair is pulled toward its
//target, weighted by the inverse fourth power of that target, so short
//contacts dominate.
func idppEval(target []float64, nat int) opt.Evaluator {
	return func(x *vec.Matrix) (float64, *vec.Matrix, error) {
		energy := 0.0
		fdata := make([]float64, 3*nat)
		for i := 0; i < nat; i++ {
			for j := i + 1; j < nat; j++ {
				d := target[i*nat+j]
				if d <= 0 {
					continue
				}
				var dv [3]float64
				var r2 float64
				for k := 0; k < 3; k++ {
					dv[k] = x.At(i, k) - x.At(j, k)
					r2 += dv[k] * dv[k]
				}
				r := math.Sqrt(r2)
				if r == 0 {
					continue
				}
				w := 1 / (d * d * d * d)
				energy += w * (r - d) * (r - d)
				g := -2 * w * (r - d) / r
				for k := 0; k < 3; k++ {
					fdata[3*i+k] += g * dv[k]
					fdata[3*j+k] -= g * dv[k]
				}
			}
		}
		f, _ := vec.NewMatrix(fdata)
		return energy, f, nil
	}
}
