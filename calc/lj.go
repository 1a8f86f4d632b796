/*
 * lj.go, part of catflow.
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

package calc

import (
	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/opt"
	"github.com/catflow/catflow/vec"
)

func init() {
	Register(LJ, func() Calculator { return NewLJHandle() })
}

//LJHandle is an in-process Lennard-Jones calculator. It runs no
//external program and writes no files, which makes it the test double
//for everything that takes a Calculator, but the potential itself is a
//real one: shifted 12-6 pairs under minimum-image periodicity, with
//relaxations driven by the opt package. Epsilon, Sigma and Cutoff come
//from the parameters; their defaults are argon-like.
type LJHandle struct {
	name   string
	s      *chem.Structure
	params *Params
	images []*chem.Structure
	ran    bool
	built  bool
}

//NewLJHandle initializes and returns a Lennard-Jones handle.
func NewLJHandle() *LJHandle {
	run := new(LJHandle)
	run.SetDefaults()
	return run
}

//SetName sets the job name, used only in error messages.
func (O *LJHandle) SetName(name string) {
	O.name = name
}

//SetDefaults does nothing beyond clearing the handle. It exists for
//symmetry with the external drivers.
func (O *LJHandle) SetDefaults() {
	O.s = nil
	O.params = nil
	O.images = nil
	O.ran = false
	O.built = false
}

//BuildInput stores a copy of s and Q for the next Run.
func (O *LJHandle) BuildInput(s *chem.Structure, Q *Params) error {
	if s == nil || s.Coords == nil {
		return Error{ErrCantInput, LJ, O.name, "nil structure or coordinates", []string{"BuildInput"}, true}
	}
	if Q == nil {
		Q = new(Params)
	}
	if Q.Calculation == "vc-relax" {
		return Error{ErrCantInput, LJ, O.name, "the lj calculator cannot relax cells", []string{"BuildInput"}, true}
	}
	O.s = s.Copy()
	O.params = Q.Copy()
	if O.params.Epsilon == 0 {
		O.params.Epsilon = 0.0103 //eV, argon
	}
	if O.params.Sigma == 0 {
		O.params.Sigma = 3.4 //A, argon
	}
	if O.params.Cutoff == 0 && (s.PBC[0] || s.PBC[1] || s.PBC[2]) {
		O.params.Cutoff = 3 * O.params.Sigma
	}
	if O.params.Fmax == 0 {
		O.params.Fmax = 0.05
	}
	if O.params.MaxSteps == 0 {
		O.params.MaxSteps = 200
	}
	O.images = nil
	O.ran = false
	O.built = true
	return nil
}

//Run evaluates the potential, or relaxes the geometry when the
//calculation type asks for it. The lj calculator always runs in
//process, so wait is ignored.
func (O *LJHandle) Run(wait bool) error {
	if !O.built {
		return Error{ErrNotRunning, LJ, O.name, "Run called before BuildInput", []string{"Run"}, true}
	}
	Q := O.params
	s := O.s
	eval := func(x *vec.Matrix) (float64, *vec.Matrix, error) {
		e, f := ljEval(x, s.Cell, s.PBC, Q.Epsilon, Q.Sigma, Q.Cutoff)
		return e, f, nil
	}
	record := func(x *vec.Matrix) func(e float64, f *vec.Matrix) {
		return func(e float64, f *vec.Matrix) {
			frame := s.Copy()
			frame.ClearResults()
			frame.Coords = x.CopyOf()
			frame.SetEnergy(e)
			frame.Forces = f.CopyOf()
			O.images = append(O.images, frame)
		}
	}
	if Q.Calculation == "relax" {
		x := s.Coords //relaxed in place
		mask := s.FixedMask()
		for _, v := range Q.CConstraints {
			if v >= 0 && v < len(mask) {
				mask[v] = true
			}
		}
		if _, err := opt.Relax(x, eval, mask, Q.Fmax, Q.MaxSteps, record(x)); err != nil {
			return Error{ErrProbableProblem, LJ, O.name, err.Error(), []string{"opt.Relax", "Run"}, true}
		}
	} else {
		e, f, _ := eval(s.Coords)
		record(s.Coords)(e, f)
	}
	O.ran = true
	return nil
}

//Energy returns the potential energy, in eV, at the final geometry of
//the last run.
func (O *LJHandle) Energy() (float64, error) {
	if !O.ran || len(O.images) == 0 {
		return 0, Error{ErrNoEnergy, LJ, O.name, "no finished calculation", []string{"Energy"}, true}
	}
	energy, err := O.images[len(O.images)-1].Energy()
	if err != nil {
		return 0, errDecorate(err, "Energy")
	}
	return energy, nil
}

//Forces returns the forces, in eV/A, at the final geometry of the last
//run.
func (O *LJHandle) Forces(ref chem.Atomer) (*vec.Matrix, error) {
	if !O.ran || len(O.images) == 0 {
		return nil, Error{ErrNoForces, LJ, O.name, "no finished calculation", []string{"Forces"}, true}
	}
	last := O.images[len(O.images)-1]
	if last.Forces == nil {
		return nil, Error{ErrNoForces, LJ, O.name, "", []string{"Forces"}, true}
	}
	return last.Forces.CopyOf(), nil
}

//OptimizedGeometry returns the final geometry of the last run, in
//Angstrom.
func (O *LJHandle) OptimizedGeometry(ref chem.Atomer) (*vec.Matrix, error) {
	if !O.ran || len(O.images) == 0 {
		return nil, Error{ErrNoGeometry, LJ, O.name, "no finished calculation", []string{"OptimizedGeometry"}, true}
	}
	return O.images[len(O.images)-1].Coords.CopyOf(), nil
}

//Trajectory returns every step of the last run, one frame per
//evaluation, with energies and forces attached. Atom identities,
//constraints and periodicity come from ref.
func (O *LJHandle) Trajectory(ref *chem.Structure) ([]*chem.Structure, error) {
	if !O.ran || len(O.images) == 0 {
		return nil, Error{ErrNoTrajectory, LJ, O.name, "no finished calculation", []string{"Trajectory"}, true}
	}
	if ref == nil {
		return nil, Error{ErrNoTrajectory, LJ, O.name, "nil reference structure", []string{"Trajectory"}, true}
	}
	images := make([]*chem.Structure, 0, len(O.images))
	for _, img := range O.images {
		if img.Len() != ref.Len() {
			return nil, Error{ErrNoTrajectory, LJ, O.name, "reference does not match the calculation", []string{"Trajectory"}, true}
		}
		s := ref.Copy()
		s.ClearResults()
		s.Coords = img.Coords.CopyOf()
		if e, err := img.Energy(); err == nil {
			s.SetEnergy(e)
		}
		if img.Forces != nil {
			s.Forces = img.Forces.CopyOf()
		}
		images = append(images, s)
	}
	return images, nil
}

//ljEval computes the shifted Lennard-Jones energy, in eV, and forces,
//in eV/A, at the geometry x. Pair distances honor minimum-image
//periodicity along the periodic directions of cell; a zero cutoff
//means all pairs interact.
func ljEval(x *vec.Matrix, cell chem.Cell, pbc [3]bool, epsilon, sigma, cutoff float64) (float64, *vec.Matrix) {
	n := x.NVecs()
	fdata := make([]float64, 3*n)
	energy := 0.0
	periodic := pbc[0] || pbc[1] || pbc[2]
	shift := 0.0
	cut2 := cutoff * cutoff
	if cutoff > 0 {
		sc2 := sigma * sigma / cut2
		sc6 := sc2 * sc2 * sc2
		shift = 4 * epsilon * (sc6*sc6 - sc6)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var d [3]float64
			for k := 0; k < 3; k++ {
				d[k] = x.At(j, k) - x.At(i, k)
			}
			if periodic {
				d = cell.MIC(d, pbc)
			}
			r2 := d[0]*d[0] + d[1]*d[1] + d[2]*d[2]
			if cutoff > 0 && r2 > cut2 {
				continue
			}
			sr2 := sigma * sigma / r2
			sr6 := sr2 * sr2 * sr2
			sr12 := sr6 * sr6
			energy += 4*epsilon*(sr12-sr6) - shift
			fpair := 24 * epsilon * (2*sr12 - sr6) / r2
			for k := 0; k < 3; k++ {
				fdata[3*j+k] += fpair * d[k]
				fdata[3*i+k] -= fpair * d[k]
			}
		}
	}
	forces, _ := vec.NewMatrix(fdata)
	return energy, forces
}
