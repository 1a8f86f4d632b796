/*
 * neb.go, part of catflow.
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

//Package neb finds minimum-energy reaction paths with the nudged
//elastic band method. A band of images between two relaxed endpoints
//is built by interpolation, then relaxed with the improved-tangent
//projection of Henkelman and Jonsson (J. Chem. Phys. 113, 9978),
//optionally letting the highest image climb to the saddle point.
package neb

import (
	"fmt"
	"io"
	"math"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/calc"
	"github.com/catflow/catflow/opt"
	"github.com/catflow/catflow/vec"
)

const (
	//DefaultImages is the number of band images, endpoints included,
	//built when the caller does not ask for a specific number.
	DefaultImages = 11
	//DefaultSpring is the spring constant between images, in eV/A^2.
	DefaultSpring = 0.1
	//DefaultFmax is the convergence threshold on the projected
	//forces, in eV/A.
	DefaultFmax = 0.05
)

//Band is a discretized reaction path: an ordered set of images whose
//first and last members are the fixed endpoints. Optimizing the band
//relaxes the interior images under the projected forces, with springs
//of constant K keeping them spread along the path. With Climb set, the
//highest interior image feels no spring and moves uphill along the
//path, converging onto the saddle point.
type Band struct {
	Images []*chem.Structure
	K      float64
	Climb  bool
}

//NewBand builds a band over the given images, which must be at least
//three structures with matching atoms. A non-positive k selects the
//default spring constant.
func NewBand(images []*chem.Structure, k float64) (*Band, error) {
	if len(images) < 3 {
		return nil, chem.NewError(fmt.Sprintf("neb: a band needs at least 3 images, got %d", len(images)), "NewBand")
	}
	first := images[0]
	if first == nil || first.Coords == nil {
		return nil, chem.NewError("neb: nil image given", "NewBand")
	}
	for i, img := range images {
		if img == nil || img.Coords == nil {
			return nil, chem.NewError(fmt.Sprintf("neb: image %d is nil", i), "NewBand")
		}
		if img.Len() != first.Len() {
			return nil, chem.NewError(fmt.Sprintf("neb: image %d has %d atoms, the first one %d", i, img.Len(), first.Len()), "NewBand")
		}
	}
	if k <= 0 {
		k = DefaultSpring
	}
	return &Band{Images: images, K: k}, nil
}

//Energies returns the energy of every image, in eV, erroring out if
//any image misses one.
func (B *Band) Energies() ([]float64, error) {
	energies := make([]float64, len(B.Images))
	for i, img := range B.Images {
		e, err := img.Energy()
		if err != nil {
			return nil, errDecorate(err, fmt.Sprintf("Energies: image %d", i))
		}
		energies[i] = e
	}
	return energies, nil
}

//Barrier returns the forward and reverse energy barriers of the band,
//in eV.
func (B *Band) Barrier() (float64, float64, error) {
	energies, err := B.Energies()
	if err != nil {
		return 0, 0, errDecorate(err, "Barrier")
	}
	max := energies[0]
	for _, e := range energies {
		if e > max {
			max = e
		}
	}
	return max - energies[0], max - energies[len(energies)-1], nil
}

//Profile returns the reaction coordinate, as the cumulative distance
//walked along the band in Angstrom, and the energy of every image.
func (B *Band) Profile() ([]float64, []float64, error) {
	energies, err := B.Energies()
	if err != nil {
		return nil, nil, errDecorate(err, "Profile")
	}
	s := make([]float64, len(B.Images))
	d := vec.Zeros(B.Images[0].Len())
	for i := 1; i < len(B.Images); i++ {
		d.Sub(B.Images[i].Coords, B.Images[i-1].Coords)
		s[i] = s[i-1] + d.Norm()
	}
	return s, energies, nil
}

//Optimize relaxes the interior images of the band with c until the
//largest projected force drops under fmax, in eV/A, or steps band
//steps have been taken. Every image is evaluated as a single point
//with the parameters Q at each step; the endpoints are evaluated once,
//only if they carry no energy yet. Progress is logged to w, one line
//per step, if w is not nil. On return the images hold the energies and
//raw forces of their last evaluation.
func (B *Band) Optimize(c calc.ForceCalculator, Q *calc.Params, fmax float64, steps int, w io.Writer) error {
	if w == nil {
		w = io.Discard
	}
	if fmax <= 0 {
		fmax = DefaultFmax
	}
	if steps <= 0 {
		steps = 300
	}
	if B.K <= 0 {
		B.K = DefaultSpring
	}
	n := len(B.Images)
	if n < 3 {
		return chem.NewError("neb: a band needs at least 3 images", "Optimize")
	}
	var Qsp *calc.Params
	if Q != nil {
		Qsp = Q.Copy()
	} else {
		Qsp = new(calc.Params)
	}
	Qsp.Calculation = "scf" //band images are never relaxed on their own
	for _, i := range []int{0, n - 1} {
		img := B.Images[i]
		if img.HasEnergy() {
			continue
		}
		e, f, err := singlePoint(c, img, Qsp, fmt.Sprintf("neb_%02d", i))
		if err != nil {
			return errDecorate(err, "Optimize")
		}
		img.SetEnergy(e)
		img.Forces = f
	}
	nat := B.Images[0].Len()
	dof := (n - 2) * nat
	x := vec.Zeros(dof)
	mask := make([]bool, 0, dof)
	for k := 1; k <= n-2; k++ {
		x.SetMatrix((k-1)*nat, B.Images[k].Coords)
		mask = append(mask, B.Images[k].FixedMask()...)
	}
	fire := opt.NewFIRE(dof)
	for step := 0; step <= steps; step++ {
		raw := make([]*vec.Matrix, n-2)
		for k := 1; k <= n-2; k++ {
			img := B.Images[k]
			e, f, err := singlePoint(c, img, Qsp, fmt.Sprintf("neb_%02d", k))
			if err != nil {
				return errDecorate(err, "Optimize")
			}
			img.SetEnergy(e)
			img.Forces = f
			raw[k-1] = f
		}
		forces, err := B.forces(raw)
		if err != nil {
			return errDecorate(err, "Optimize")
		}
		opt.ZeroFixed(forces, mask)
		fnow := opt.Fmax(forces, nil)
		forward, _, err := B.Barrier()
		if err != nil {
			return errDecorate(err, "Optimize")
		}
		fmt.Fprintf(w, "neb step %3d  fmax %10.6f eV/A  barrier %10.6f eV\n", step, fnow, forward)
		if fnow < fmax {
			return nil
		}
		if step == steps {
			break
		}
		fire.Step(x, forces)
		for k := 1; k <= n-2; k++ {
			B.Images[k].Coords.SetMatrix(0, x.View((k-1)*nat, nat))
		}
	}
	return chem.NewError(fmt.Sprintf("neb: band not converged after %d steps", steps), "Optimize")
}

//singlePoint evaluates s with c under the name given and returns its
//energy and forces.
func singlePoint(c calc.ForceCalculator, s *chem.Structure, Q *calc.Params, name string) (float64, *vec.Matrix, error) {
	c.SetName(name)
	if err := c.BuildInput(s, Q); err != nil {
		return 0, nil, err
	}
	if err := c.Run(true); err != nil {
		return 0, nil, err
	}
	e, err := c.Energy()
	if err != nil {
		return 0, nil, err
	}
	f, err := c.Forces(s)
	if err != nil {
		return 0, nil, err
	}
	return e, f, nil
}

//forces turns the raw forces on the interior images into the nudged
//band forces: the perpendicular part of the true force plus the spring
//force along the improved tangent. With Climb set, the highest image
//gets the full force with its parallel component inverted, and no
//spring.
func (B *Band) forces(raw []*vec.Matrix) (*vec.Matrix, error) {
	n := len(B.Images)
	nat := B.Images[0].Len()
	energies, err := B.Energies()
	if err != nil {
		return nil, errDecorate(err, "forces")
	}
	imax := 1
	for i := 2; i <= n-2; i++ {
		if energies[i] > energies[imax] {
			imax = i
		}
	}
	stacked := vec.Zeros((n - 2) * nat)
	dplus := vec.Zeros(nat)
	dminus := vec.Zeros(nat)
	for i := 1; i <= n-2; i++ {
		dplus.Sub(B.Images[i+1].Coords, B.Images[i].Coords)
		dminus.Sub(B.Images[i].Coords, B.Images[i-1].Coords)
		tau := tangent(dplus, dminus, energies[i-1], energies[i], energies[i+1])
		f := raw[i-1].CopyOf()
		fpar := f.Dot(tau)
		if B.Climb && i == imax {
			f.AddScaled(f, tau, -2*fpar)
		} else {
			f.AddScaled(f, tau, -fpar)
			f.AddScaled(f, tau, B.K*(dplus.Norm()-dminus.Norm()))
		}
		stacked.SetMatrix((i-1)*nat, f)
	}
	return stacked, nil
}

//tangent returns the normalized improved tangent at an image with the
//given neighbors. dplus and dminus are the displacements to the next
//and previous image; they are not modified.
func tangent(dplus, dminus *vec.Matrix, eminus, e, eplus float64) *vec.Matrix {
	nat := dplus.NVecs()
	tau := vec.Zeros(nat)
	switch {
	case eplus > e && e > eminus:
		tau.Add(tau, dplus)
	case eplus < e && e < eminus:
		tau.Add(tau, dminus)
	default:
		demax := math.Max(math.Abs(eplus-e), math.Abs(eminus-e))
		demin := math.Min(math.Abs(eplus-e), math.Abs(eminus-e))
		if eplus > eminus {
			tau.AddScaled(tau, dplus, demax)
			tau.AddScaled(tau, dminus, demin)
		} else {
			tau.AddScaled(tau, dplus, demin)
			tau.AddScaled(tau, dminus, demax)
		}
	}
	if norm := tau.Norm(); norm > 0 {
		tau.Scale(1/norm, tau)
	}
	return tau
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
