/*
 * neb_test.go, part of catflow.
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
	"os"
	"path/filepath"
	"testing"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/calc"
	"github.com/catflow/catflow/vec"
)

//twoAtoms returns a structure with a fixed atom at the origin and a
//second one at (x, y, z).
func twoAtoms(Te *testing.T, x, y, z float64) *chem.Structure {
	ats := []*chem.Atom{{Symbol: "Ar"}, {Symbol: "Ar"}}
	coords, err := vec.NewMatrix([]float64{0, 0, 0, x, y, z})
	if err != nil {
		Te.Fatal(err)
	}
	s, err := chem.MakeStructure(ats, coords)
	if err != nil {
		Te.Fatal(err)
	}
	s.SetFixed([]int{0})
	return s
}

func TestInterpolateLinear(Te *testing.T) {
	start := twoAtoms(Te, 4, 0, 0)
	end := twoAtoms(Te, 0, 4, 0)
	band, err := Interpolate(start, end, 5, Linear)
	if err != nil {
		Te.Fatal(err)
	}
	if len(band.Images) != 5 {
		Te.Fatalf("expected 5 images, got %d", len(band.Images))
	}
	mid := band.Images[2]
	if got := mid.Coords.At(1, 0); math.Abs(got-2) > 1e-12 {
		Te.Errorf("expected the middle image at x=2, got %g", got)
	}
	if got := mid.Coords.At(1, 1); math.Abs(got-2) > 1e-12 {
		Te.Errorf("expected the middle image at y=2, got %g", got)
	}
	for i, img := range band.Images {
		if len(img.Fixed) != 1 || img.Fixed[0] != 0 {
			Te.Errorf("image %d lost its constraints", i)
		}
	}
	//the endpoints are copies, not the originals
	band.Images[0].Coords.Set(0, 0, 99)
	if start.Coords.At(0, 0) == 99 {
		Te.Error("the band aliases the start structure")
	}
}

func TestInterpolateIDPP(Te *testing.T) {
	//the straight path brings the free atom within 0.25 A of the
	//fixed one; idpp should bend it away toward the endpoint distance
	start := twoAtoms(Te, 3, 0, 0)
	end := twoAtoms(Te, -3, 0.5, 0)
	band, err := Interpolate(start, end, 5, IDPP)
	if err != nil {
		Te.Fatal(err)
	}
	mid := band.Images[2]
	r := math.Hypot(mid.Coords.At(1, 0), mid.Coords.At(1, 1))
	fmt.Println("idpp middle-image distance:", r)
	if r < 1.5 {
		Te.Errorf("idpp left a close contact at r=%g", r)
	}
	for _, img := range band.Images {
		if img.Coords.At(0, 0) != 0 || img.Coords.At(0, 1) != 0 {
			Te.Error("idpp moved the fixed atom")
		}
	}
	if _, err := Interpolate(start, end, 5, "cubic"); err == nil {
		Te.Error("expected an error for an unknown scheme")
	}
}

func TestBarrierAndProfile(Te *testing.T) {
	images := make([]*chem.Structure, 4)
	for i := range images {
		images[i] = twoAtoms(Te, float64(i), 0, 0)
	}
	for i, e := range []float64{-1.0, -0.2, 0.5, -0.7} {
		images[i].SetEnergy(e)
	}
	band, err := NewBand(images, 0)
	if err != nil {
		Te.Fatal(err)
	}
	forward, reverse, err := band.Barrier()
	if err != nil {
		Te.Fatal(err)
	}
	if math.Abs(forward-1.5) > 1e-12 || math.Abs(reverse-1.2) > 1e-12 {
		Te.Errorf("expected barriers 1.5 and 1.2, got %g and %g", forward, reverse)
	}
	s, energies, err := band.Profile()
	if err != nil {
		Te.Fatal(err)
	}
	if len(s) != 4 || len(energies) != 4 {
		Te.Fatalf("profile has the wrong size")
	}
	for i, want := range []float64{0, 1, 2, 3} {
		if math.Abs(s[i]-want) > 1e-12 {
			Te.Errorf("reaction coordinate %d: expected %g, got %g", i, want, s[i])
		}
	}
}

//TestOptimizeValley relaxes a band across the radial valley of a
//single Lennard-Jones pair: the free atom travels a quarter turn
//around the fixed one, and the converged path must follow the minimum
//circle instead of the straight chord through the repulsive wall.
func TestOptimizeValley(Te *testing.T) {
	sigma := 3.4
	epsilon := 0.0103
	r0 := sigma * math.Pow(2, 1.0/6)
	start := twoAtoms(Te, r0, 0, 0)
	end := twoAtoms(Te, 0, r0, 0)
	band, err := Interpolate(start, end, 5, Linear)
	if err != nil {
		Te.Fatal(err)
	}
	ljc, err := calc.New(calc.LJ)
	if err != nil {
		Te.Fatal(err)
	}
	fc, ok := ljc.(calc.ForceCalculator)
	if !ok {
		Te.Fatal("the lj calculator should provide forces")
	}
	Q := &calc.Params{Epsilon: epsilon, Sigma: sigma}
	if err := band.Optimize(fc, Q, 0.002, 2000, os.Stdout); err != nil {
		Te.Fatal(err)
	}
	for i := 1; i < len(band.Images)-1; i++ {
		img := band.Images[i]
		r := math.Hypot(img.Coords.At(1, 0), img.Coords.At(1, 1))
		if math.Abs(r-r0) > 0.15*r0 {
			Te.Errorf("image %d sits at r=%g, expected about %g", i, r, r0)
		}
		e, err := img.Energy()
		if err != nil {
			Te.Fatal(err)
		}
		if e > -0.8*epsilon {
			Te.Errorf("image %d has energy %g, expected close to %g", i, e, -epsilon)
		}
		if img.Coords.At(0, 0) != 0 || img.Coords.At(0, 1) != 0 {
			Te.Errorf("image %d moved the fixed atom", i)
		}
	}
	forward, _, err := band.Barrier()
	if err != nil {
		Te.Fatal(err)
	}
	fmt.Println("valley barrier after relaxation:", forward)
	if forward > 0.3*epsilon {
		Te.Errorf("the relaxed path still climbs %g eV", forward)
	}
}

func TestSavePlot(Te *testing.T) {
	images := make([]*chem.Structure, 5)
	for i := range images {
		images[i] = twoAtoms(Te, float64(i), 0, 0)
		images[i].SetEnergy(math.Pow(float64(i)-2, 2))
	}
	band, err := NewBand(images, 0)
	if err != nil {
		Te.Fatal(err)
	}
	name := filepath.Join(Te.TempDir(), "profile.png")
	if err := band.SavePlot(name); err != nil {
		Te.Fatal(err)
	}
	st, err := os.Stat(name)
	if err != nil {
		Te.Fatal(err)
	}
	if st.Size() == 0 {
		Te.Error("the plot file is empty")
	}
}
