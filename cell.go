/*
 * cell.go, part of catflow.
 *
 * Copyright 2019 The catflow authors
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
 */

package catflow

import (
	"math"

	"github.com/catflow/catflow/vec"
)

//Cell holds the three lattice vectors of a periodic cell, one per row,
//in Angstrom. The zero value means "no cell".
type Cell [3][3]float64

//CellFrom builds a Cell from the first three vectors of m.
func CellFrom(m *vec.Matrix) Cell {
	var C Cell
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			C[i][j] = m.At(i, j)
		}
	}
	return C
}

//Matrix returns the cell as a newly allocated 3x3 vec.Matrix.
func (C Cell) Matrix() *vec.Matrix {
	m := vec.Zeros(3)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, C[i][j])
		}
	}
	return m
}

//IsZero returns whether all components of the cell are zero.
func (C Cell) IsZero() bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if C[i][j] != 0 {
				return false
			}
		}
	}
	return true
}

//Det returns the determinant of the cell matrix.
func (C Cell) Det() float64 {
	return C[0][0]*(C[1][1]*C[2][2]-C[2][1]*C[1][2]) -
		C[1][0]*(C[0][1]*C[2][2]-C[2][1]*C[0][2]) +
		C[2][0]*(C[0][1]*C[1][2]-C[1][1]*C[0][2])
}

//Volume returns the volume of the cell, in cubic Angstrom.
func (C Cell) Volume() float64 {
	return math.Abs(C.Det())
}

//Lengths returns the lengths of the three lattice vectors.
func (C Cell) Lengths() [3]float64 {
	var l [3]float64
	for i := 0; i < 3; i++ {
		l[i] = math.Sqrt(C[i][0]*C[i][0] + C[i][1]*C[i][1] + C[i][2]*C[i][2])
	}
	return l
}

//Angles returns the three cell angles alpha, beta, gamma in degrees,
//where alpha is the angle between the second and third vectors, beta
//between the first and third, and gamma between the first and second.
func (C Cell) Angles() [3]float64 {
	l := C.Lengths()
	dot := func(i, j int) float64 {
		return C[i][0]*C[j][0] + C[i][1]*C[j][1] + C[i][2]*C[j][2]
	}
	var a [3]float64
	a[0] = math.Acos(dot(1, 2)/(l[1]*l[2])) * 180 / math.Pi
	a[1] = math.Acos(dot(0, 2)/(l[0]*l[2])) * 180 / math.Pi
	a[2] = math.Acos(dot(0, 1)/(l[0]*l[1])) * 180 / math.Pi
	return a
}

//VecMul returns v*C, with v taken as a row vector.
func (C Cell) VecMul(v [3]float64) [3]float64 {
	var r [3]float64
	for j := 0; j < 3; j++ {
		r[j] = v[0]*C[0][j] + v[1]*C[1][j] + v[2]*C[2][j]
	}
	return r
}

//Inverse returns the inverse of the cell matrix. It panics with
//ErrCellNotInvertible if the cell is singular, since asking for
//fractional coordinates in a degenerate cell means the program is wrong.
func (C Cell) Inverse() Cell {
	d := C.Det()
	if math.Abs(d) < 1e-14 {
		panic(ErrCellNotInvertible)
	}
	id := 1.0 / d
	var I Cell
	I[0][0] = (C[1][1]*C[2][2] - C[2][1]*C[1][2]) * id
	I[0][1] = (C[0][2]*C[2][1] - C[0][1]*C[2][2]) * id
	I[0][2] = (C[0][1]*C[1][2] - C[0][2]*C[1][1]) * id
	I[1][0] = (C[1][2]*C[2][0] - C[1][0]*C[2][2]) * id
	I[1][1] = (C[0][0]*C[2][2] - C[0][2]*C[2][0]) * id
	I[1][2] = (C[1][0]*C[0][2] - C[0][0]*C[1][2]) * id
	I[2][0] = (C[1][0]*C[2][1] - C[2][0]*C[1][1]) * id
	I[2][1] = (C[2][0]*C[0][1] - C[0][0]*C[2][1]) * id
	I[2][2] = (C[0][0]*C[1][1] - C[1][0]*C[0][1]) * id
	return I
}

//MIC applies the minimum image convention to the cartesian displacement
//d: the returned displacement is the shortest among all the periodic
//images of d along the directions marked periodic in pbc.
func (C Cell) MIC(d [3]float64, pbc [3]bool) [3]float64 {
	if C.IsZero() || (!pbc[0] && !pbc[1] && !pbc[2]) {
		return d
	}
	inv := C.Inverse()
	f := inv.VecMul(d)
	for i := 0; i < 3; i++ {
		if pbc[i] {
			f[i] -= math.Round(f[i])
		}
	}
	return C.VecMul(f)
}

//Wrap translates every coordinate of coords into the home cell along
//the periodic directions, in place.
func (C Cell) Wrap(coords *vec.Matrix, pbc [3]bool) {
	if C.IsZero() || (!pbc[0] && !pbc[1] && !pbc[2]) {
		return
	}
	inv := C.Inverse()
	n := coords.NVecs()
	for i := 0; i < n; i++ {
		d := [3]float64{coords.At(i, 0), coords.At(i, 1), coords.At(i, 2)}
		f := inv.VecMul(d)
		for j := 0; j < 3; j++ {
			if pbc[j] {
				f[j] -= math.Floor(f[j])
			}
		}
		c := C.VecMul(f)
		coords.Set(i, 0, c[0])
		coords.Set(i, 1, c[1])
		coords.Set(i, 2, c[2])
	}
}

//LatticeFamily returns the name of the crystal family the cell belongs
//to, judged from its lengths and angles with the tolerance tol (in the
//same units as the comparison: Angstrom for lengths, degrees for
//angles). The zero cell gives "none".
func (C Cell) LatticeFamily(tol float64) string {
	if C.IsZero() {
		return "none"
	}
	l := C.Lengths()
	a := C.Angles()
	feq := func(x, y float64) bool { return math.Abs(x-y) <= tol }
	allRight := feq(a[0], 90) && feq(a[1], 90) && feq(a[2], 90)
	switch {
	case allRight && feq(l[0], l[1]) && feq(l[1], l[2]):
		return "cubic"
	case feq(a[0], 90) && feq(a[1], 90) && feq(a[2], 120) && feq(l[0], l[1]):
		return "hexagonal"
	case allRight && feq(l[0], l[1]):
		return "tetragonal"
	case allRight:
		return "orthorhombic"
	case feq(l[0], l[1]) && feq(l[1], l[2]) && feq(a[0], a[1]) && feq(a[1], a[2]):
		return "rhombohedral"
	case feq(a[0], 90) && feq(a[2], 90):
		return "monoclinic"
	default:
		return "triclinic"
	}
}
