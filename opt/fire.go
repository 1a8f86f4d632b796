/*
 * fire.go, part of catflow.
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
 */

//Package opt relaxes geometries with the FIRE algorithm (fast inertial
//relaxation engine, Bitzek et al., PRL 97, 170201). The stepper works
//on any Nx3 degree-of-freedom matrix with matching forces, so both
//single structures and whole elastic bands can be driven with it.
package opt

import (
	"fmt"
	"math"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/vec"
)

//FIRE holds the state of one FIRE minimization. The zero value is not
//usable; get one from NewFIRE.
type FIRE struct {
	dt         float64
	dtMax      float64
	nMin       int
	fInc       float64
	fDec       float64
	alphaStart float64
	fAlpha     float64
	maxStep    float64

	alpha float64
	nUp   int
	v     *vec.Matrix
}

//NewFIRE returns a FIRE stepper for n vectors of degrees of freedom,
//with the standard parameters of the method. Forces are expected in
//eV/Angstrom and steps are taken in Angstrom.
func NewFIRE(n int) *FIRE {
	F := &FIRE{
		dt:         0.1,
		dtMax:      1.0,
		nMin:       5,
		fInc:       1.1,
		fDec:       0.5,
		alphaStart: 0.1,
		fAlpha:     0.99,
		maxStep:    0.2,
	}
	F.alpha = F.alphaStart
	F.v = vec.Zeros(n)
	return F
}

//SetMaxStep limits the displacement of any single vector in one step
//to d Angstrom.
func (F *FIRE) SetMaxStep(d float64) {
	F.maxStep = d
}

//Reset puts the stepper back in its initial state, forgetting any
//accumulated velocity.
func (F *FIRE) Reset() {
	F.alpha = F.alphaStart
	F.nUp = 0
	F.v.Scale(0, F.v)
}

//Step advances x one FIRE step under the given forces, in place.
//x and forces must have the number of vectors the stepper was built for.
func (F *FIRE) Step(x, forces *vec.Matrix) {
	n := F.v.NVecs()
	if x.NVecs() != n || forces.NVecs() != n {
		panic(vec.ErrShape)
	}
	//v = (1-a)*v + a*|v|*fhat
	p := F.v.Dot(forces)
	vnorm := F.v.Norm()
	fnorm := forces.Norm()
	if p > 0 {
		if fnorm > 0 {
			mix := F.alpha * vnorm / fnorm
			F.v.Scale(1-F.alpha, F.v)
			F.v.AddScaled(F.v, forces, mix)
		}
		F.nUp++
		if F.nUp > F.nMin {
			F.dt = math.Min(F.dt*F.fInc, F.dtMax)
			F.alpha *= F.fAlpha
		}
	} else {
		F.v.Scale(0, F.v)
		F.dt *= F.fDec
		F.alpha = F.alphaStart
		F.nUp = 0
	}
	F.v.AddScaled(F.v, forces, F.dt)
	//limit the per-vector displacement to maxStep
	dr := vec.Zeros(n)
	dr.Scale(F.dt, F.v)
	for i := 0; i < n; i++ {
		row := dr.VecView(i)
		if nr := row.Norm(); nr > F.maxStep {
			row.Scale(F.maxStep/nr, row)
		}
	}
	x.Add(x, dr)
}

//Fmax returns the largest per-vector norm of f, skipping the vectors
//marked true in mask. A nil mask considers every vector.
func Fmax(f *vec.Matrix, mask []bool) float64 {
	max := 0.0
	for i := 0; i < f.NVecs(); i++ {
		if mask != nil && i < len(mask) && mask[i] {
			continue
		}
		n := f.VecView(i).Norm()
		if n > max {
			max = n
		}
	}
	return max
}

//ZeroFixed zeroes, in place, the force vectors marked true in mask.
func ZeroFixed(f *vec.Matrix, mask []bool) {
	if mask == nil {
		return
	}
	for i := 0; i < f.NVecs() && i < len(mask); i++ {
		if mask[i] {
			row := f.VecView(i)
			row.Scale(0, row)
		}
	}
}

//Evaluator computes the potential energy and forces for the geometry x.
type Evaluator func(x *vec.Matrix) (float64, *vec.Matrix, error)

//Relax minimizes the energy of x, in place, until the largest force on
//a free vector drops below fmax (eV/Angstrom) or steps steps have been
//taken. Vectors marked true in fixed never move. If cb is not nil it
//is called after every evaluation with the current energy and forces,
//which is how callers record the relaxation trajectory. Relax returns
//the number of evaluations done, and an error if the evaluator fails
//or the relaxation does not converge within steps.
func Relax(x *vec.Matrix, eval Evaluator, fixed []bool, fmax float64, steps int, cb func(e float64, f *vec.Matrix)) (int, error) {
	fire := NewFIRE(x.NVecs())
	done := 0
	for i := 0; i <= steps; i++ {
		e, f, err := eval(x)
		if err != nil {
			return done, errDecorate(err, "Relax")
		}
		done++
		ZeroFixed(f, fixed)
		if cb != nil {
			cb(e, f)
		}
		if Fmax(f, nil) < fmax {
			return done, nil
		}
		if i == steps {
			break
		}
		fire.Step(x, f)
	}
	return done, chem.NewError(fmt.Sprintf("opt: relaxation not converged after %d steps", steps), "Relax")
}

//errDecorate decorates err with the caller's name when err implements
//the catflow Error interface, and returns it unchanged otherwise.
func errDecorate(err error, caller string) error {
	err2, ok := err.(chem.Error)
	if !ok {
		return err
	}
	err2.Decorate(caller)
	return err2
}
