/*
 * calc_test.go, part of catflow.
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
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/vec"
)

func argonPair(Te *testing.T, d float64) *chem.Structure {
	ats := []*chem.Atom{{Symbol: "Ar"}, {Symbol: "Ar"}}
	coords, err := vec.NewMatrix([]float64{0, 0, 0, d, 0, 0})
	if err != nil {
		Te.Fatal(err)
	}
	s, err := chem.MakeStructure(ats, coords)
	if err != nil {
		Te.Fatal(err)
	}
	return s
}

func TestRegistry(Te *testing.T) {
	names := Available()
	for _, want := range []string{Espresso, XTB, LJ} {
		if !isInString(names, want) {
			Te.Errorf("calculator %s not registered, have %v", want, names)
		}
	}
	c, err := New(Espresso)
	if err != nil {
		Te.Fatal(err)
	}
	if _, ok := c.(*EspressoHandle); !ok {
		Te.Errorf("New(%s) returned a %T", Espresso, c)
	}
	if _, err := New("not-a-program"); err == nil {
		Te.Error("expected an error for an unregistered name")
	}
}

func TestParamsRoundTrip(Te *testing.T) {
	Q := &Params{
		CalculatorName: Espresso,
		Calculation:    "relax",
		XC:             "beef-vdw",
		Ecutwfc:        500,
		KPts:           [3]int{4, 4, 1},
		SpinPol:        true,
		Fmax:           0.03,
		CConstraints:   []int{0, 1},
		Pseudos:        map[string]string{"Pt": "Pt.pbe.UPF"},
		Others:         map[string]interface{}{"nbnd": 120},
	}
	info, err := Q.ToInfo()
	if err != nil {
		Te.Fatal(err)
	}
	back, err := ParamsFromInfo(map[string]interface{}{"calculator_parameters": info})
	if err != nil {
		Te.Fatal(err)
	}
	if back.CalculatorName != Q.CalculatorName || back.Calculation != Q.Calculation || back.XC != Q.XC {
		Te.Errorf("string fields lost: %+v", back)
	}
	if back.Ecutwfc != Q.Ecutwfc || back.Fmax != Q.Fmax || !back.SpinPol {
		Te.Errorf("numeric fields lost: %+v", back)
	}
	if back.KPts != Q.KPts {
		Te.Errorf("kpts lost: got %v", back.KPts)
	}
	if len(back.CConstraints) != 2 || back.CConstraints[1] != 1 {
		Te.Errorf("constraints lost: got %v", back.CConstraints)
	}
	if back.Pseudos["Pt"] != "Pt.pbe.UPF" {
		Te.Errorf("pseudos lost: got %v", back.Pseudos)
	}
}

func TestParamsFromEmptyInfo(Te *testing.T) {
	Q, err := ParamsFromInfo(nil)
	if err != nil {
		Te.Fatal(err)
	}
	if Q.Calculation != "" {
		Te.Errorf("expected empty params, got %+v", Q)
	}
	Q.SetDefaults()
	if Q.Calculation != "scf" || Q.Ecutwfc != 450 || Q.Ecutrho != 4500 {
		Te.Errorf("unexpected defaults: %+v", Q)
	}
}

func TestEspressoBuildInput(Te *testing.T) {
	s := argonPair(Te, 2.3)
	s.Cell = chem.Cell{{5, 0, 0}, {0, 5, 0}, {0, 0, 5}}
	s.PBC = [3]bool{true, true, true}
	s.SetFixed([]int{0})
	if err := s.FillMasses(); err != nil {
		Te.Fatal(err)
	}
	Q := &Params{Calculation: "relax", KPts: [3]int{2, 2, 2}}
	O := NewEspressoHandle()
	O.SetName(filepath.Join(Te.TempDir(), "pwtest"))
	if err := O.BuildInput(s, Q); err != nil {
		Te.Fatal(err)
	}
	raw, err := os.ReadFile(fmt.Sprintf("%s.pwi", O.inputname))
	if err != nil {
		Te.Fatal(err)
	}
	input := string(raw)
	fmt.Println(input)
	for _, want := range []string{
		"calculation      = 'relax'",
		"nat              = 2",
		"ntyp             = 1",
		"K_POINTS automatic",
		"2 2 2  0 0 0",
		"CELL_PARAMETERS angstrom",
		"&IONS",
	} {
		if !strings.Contains(input, want) {
			Te.Errorf("input file misses %q", want)
		}
	}
	//the fixed atom carries if_pos flags, the free one does not
	var fixedline, freeline string
	for _, line := range strings.Split(input, "\n") {
		if strings.HasPrefix(line, "Ar ") {
			if fixedline == "" {
				fixedline = line
			} else {
				freeline = line
			}
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(fixedline), "0 0 0") {
		Te.Errorf("fixed atom without if_pos flags: %q", fixedline)
	}
	if strings.HasSuffix(strings.TrimSpace(freeline), "0 0 0") {
		Te.Errorf("free atom with if_pos flags: %q", freeline)
	}
}

func TestEspressoNoCell(Te *testing.T) {
	s := argonPair(Te, 2.3)
	O := NewEspressoHandle()
	O.SetName(filepath.Join(Te.TempDir(), "pwfail"))
	if err := O.BuildInput(s, nil); err == nil {
		Te.Error("expected an error for a structure without a cell")
	}
}

//a trimmed-down pw.x relaxation output: the header echo, two ionic
//steps and the final coordinates block.
const pwoSample = `     Program PWSCF v.7.2 starts on 25Aug2026 at 10: 0: 0

     lattice parameter (alat)  =       8.6724  a.u.
     number of atoms/cell      =            2

     crystal axes: (cart. coord. in units of alat)
               a(1) = (   1.000000   0.000000   0.000000 )
               a(2) = (   0.000000   1.000000   0.000000 )
               a(3) = (   0.000000   0.000000   1.000000 )

     Cartesian axes

     site n.     atom                  positions (alat units)
         1           Ar  tau(   1) = (   0.0000000   0.0000000   0.0000000  )
         2           Ar  tau(   2) = (   0.5000000   0.0000000   0.0000000  )

     Magnetic moment per site:
     atom:    1    charge:    7.9413    magn:    0.3035    constr:    0.0000
     atom:    2    charge:    7.9413    magn:   -0.3035    constr:    0.0000

!    total energy              =     -31.50598773 Ry

     Forces acting on atoms (cartesian axes, Ry/au):

     atom    1 type  1   force =     0.00100000    0.00000000    0.00000000
     atom    2 type  1   force =    -0.00100000    0.00000000    0.00000000

     Total force =     0.0014142     Total SCF correction =   0.0000000

ATOMIC_POSITIONS (angstrom)
Ar            0.0000000000        0.0000000000        0.0000000000
Ar            2.2000000000        0.0000000000        0.0000000000

!    total energy              =     -31.50623412 Ry

     Forces acting on atoms (cartesian axes, Ry/au):

     atom    1 type  1   force =     0.00001000    0.00000000    0.00000000
     atom    2 type  1   force =    -0.00001000    0.00000000    0.00000000

     Total force =     0.0000141     Total SCF correction =   0.0000000

     bfgs converged in   2 scf cycles

Begin final coordinates
ATOMIC_POSITIONS (angstrom)
Ar            0.0000000000        0.0000000000        0.0000000000
Ar            2.2000000000        0.0000000000        0.0000000000
End final coordinates

     JOB DONE.
`

func TestEspressoTrajectory(Te *testing.T) {
	base := filepath.Join(Te.TempDir(), "pw0")
	if err := os.WriteFile(base+".pwo", []byte(pwoSample), 0644); err != nil {
		Te.Fatal(err)
	}
	ref := argonPair(Te, 2.3)
	ref.PBC = [3]bool{true, true, true}
	ref.SetFixed([]int{0})
	O := NewEspressoHandle()
	O.SetName(base)
	if !O.normalTermination() {
		Te.Error("sample output should terminate normally")
	}
	images, err := O.Trajectory(ref)
	if err != nil {
		Te.Fatal(err)
	}
	if len(images) != 2 {
		Te.Fatalf("expected 2 frames, got %d", len(images))
	}
	//the first frame's geometry comes from the header echo, in alat units
	wantx := 0.5 * 8.6724 * chem.Bohr2A
	if got := images[0].Coords.At(1, 0); math.Abs(got-wantx) > 1e-6 {
		Te.Errorf("echo geometry: expected x %g, got %g", wantx, got)
	}
	if got := images[1].Coords.At(1, 0); math.Abs(got-2.2) > 1e-12 {
		Te.Errorf("step geometry: expected x 2.2, got %g", got)
	}
	e0, err := images[0].Energy()
	if err != nil {
		Te.Fatal(err)
	}
	if want := -31.50598773 * chem.Ry2eV; math.Abs(e0-want) > 1e-8 {
		Te.Errorf("expected energy %g, got %g", want, e0)
	}
	if images[0].Forces == nil {
		Te.Fatal("first frame misses its forces")
	}
	wantf := 0.001 * chem.Ry2eV / chem.Bohr2A
	if got := images[0].Forces.At(0, 0); math.Abs(got-wantf) > 1e-10 {
		Te.Errorf("expected force %g, got %g", wantf, got)
	}
	if len(images[0].Magmoms) != 2 || math.Abs(images[0].Magmoms[0]-0.3035) > 1e-12 {
		Te.Errorf("moments not read: %v", images[0].Magmoms)
	}
	//frames keep the constraints and periodicity of the reference
	for i, img := range images {
		if len(img.Fixed) != 1 || img.Fixed[0] != 0 || !img.Bulk() {
			Te.Errorf("frame %d lost constraints or periodicity", i)
		}
	}
	//cell comes from the crystal axes echo
	want := 8.6724 * chem.Bohr2A
	if got := images[0].Cell[0][0]; math.Abs(got-want) > 1e-6 {
		Te.Errorf("expected cell %g, got %g", want, got)
	}
	e, err := O.Energy()
	if err != nil {
		Te.Fatal(err)
	}
	if want := -31.50623412 * chem.Ry2eV; math.Abs(e-want) > 1e-8 {
		Te.Errorf("Energy should report the last step: want %g, got %g", want, e)
	}
	forces, err := O.Forces(ref)
	if err != nil {
		Te.Fatal(err)
	}
	if got := forces.At(0, 0); math.Abs(got-0.00001*chem.Ry2eV/chem.Bohr2A) > 1e-12 {
		Te.Errorf("Forces should report the last step, got %g", got)
	}
}

func TestLJSinglePoint(Te *testing.T) {
	sigma := 3.4
	s := argonPair(Te, sigma*math.Pow(2, 1.0/6)) //the pair minimum
	O := NewLJHandle()
	if err := O.BuildInput(s, &Params{Calculation: "scf"}); err != nil {
		Te.Fatal(err)
	}
	if err := O.Run(true); err != nil {
		Te.Fatal(err)
	}
	energy, err := O.Energy()
	if err != nil {
		Te.Fatal(err)
	}
	if math.Abs(energy-(-0.0103)) > 1e-10 {
		Te.Errorf("expected the well depth at the minimum, got %g", energy)
	}
	forces, err := O.Forces(s)
	if err != nil {
		Te.Fatal(err)
	}
	if got := forces.At(1, 0); math.Abs(got) > 1e-10 {
		Te.Errorf("expected zero force at the minimum, got %g", got)
	}
}

func TestLJRelax(Te *testing.T) {
	s := argonPair(Te, 4.2)
	s.SetFixed([]int{0})
	O := NewLJHandle()
	if err := O.BuildInput(s, &Params{Calculation: "relax", Fmax: 0.001, MaxSteps: 500}); err != nil {
		Te.Fatal(err)
	}
	if err := O.Run(true); err != nil {
		Te.Fatal(err)
	}
	images, err := O.Trajectory(s)
	if err != nil {
		Te.Fatal(err)
	}
	fmt.Println("lj relaxation took", len(images), "steps")
	if len(images) < 2 {
		Te.Fatalf("expected several steps, got %d", len(images))
	}
	last := images[len(images)-1]
	if got := last.Coords.At(0, 0); got != 0 {
		Te.Errorf("the fixed atom moved to %g", got)
	}
	want := 3.4 * math.Pow(2, 1.0/6)
	if got := last.Coords.At(1, 0); math.Abs(got-want) > 0.01 {
		Te.Errorf("expected the pair distance to relax to %g, got %g", want, got)
	}
	e0, _ := images[0].Energy()
	e1, _ := last.Energy()
	if e1 >= e0 {
		Te.Errorf("relaxation did not lower the energy: %g -> %g", e0, e1)
	}
}

func TestSearchBackwards(Te *testing.T) {
	name := filepath.Join(Te.TempDir(), "needle.txt")
	content := "first marker A\nsecond line\nlast marker B\ntrailer\n"
	if err := os.WriteFile(name, []byte(content), 0644); err != nil {
		Te.Fatal(err)
	}
	if got := searchBackwards("marker", name); !strings.Contains(got, "marker B") {
		Te.Errorf("expected the last occurrence, got %q", got)
	}
	if got := searchBackwards("first", name); !strings.Contains(got, "marker A") {
		Te.Errorf("the first line should be reachable, got %q", got)
	}
	if got := searchBackwards("absent", name); got != "" {
		Te.Errorf("expected an empty string, got %q", got)
	}
}
