/*
 * xtb.go, part of catflow.
 *
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
 *
 */

//To use this driver you need the xtb program from Prof. Stefan Grimme's
//group. Please cite the xtb references if you use it.

package calc

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/traj"
	"github.com/catflow/catflow/vec"
)

func init() {
	Register(XTB, func() Calculator { return NewXTBHandle() })
}

//XTBHandle drives the xtb semiempirical tight-binding program, for
//single points and relaxations of non-periodic structures. The method
//(gfn0, gfn1, gfn2 or gfnff) goes in the XC field of the parameters;
//anything else selects gfn2. xtb writes its optimization files under
//fixed names, so only one xtb job can run per directory.
type XTBHandle struct {
	command   string
	inputname string
	nCPU      int
	options   []string
	gfnff     bool
	relax     bool
}

//NewXTBHandle initializes and returns an xtb handle.
func NewXTBHandle() *XTBHandle {
	run := new(XTBHandle)
	run.SetDefaults()
	return run
}

//SetnCPU sets the number of CPU to be used.
func (O *XTBHandle) SetnCPU(cpu int) {
	O.nCPU = cpu
}

//SetName sets the base name for the calculation files.
func (O *XTBHandle) SetName(name string) {
	O.inputname = name
}

//SetCommand sets the command to run xtb.
func (O *XTBHandle) SetCommand(name string) {
	O.command = name
}

//SetDefaults sets the handle to run xtb from the path, on half of the
//machine's CPUs.
func (O *XTBHandle) SetDefaults() {
	O.command = os.ExpandEnv("xtb")
	cpu := runtime.NumCPU() / 2
	O.nCPU = cpu
}

//BuildInput writes the geometry and the xcontrol file for a
//calculation on s. Charge and multiplicity come from the structure;
//frozen atoms, from the union of its Fixed list and Q.CConstraints,
//are restrained with a stiff force constant.
func (O *XTBHandle) BuildInput(s *chem.Structure, Q *Params) error {
	if O.inputname == "" {
		O.inputname = "xtb"
	}
	if s == nil || s.Coords == nil {
		return Error{ErrCantInput, XTB, O.inputname, "nil structure or coordinates", []string{"BuildInput"}, true}
	}
	if Q == nil {
		Q = new(Params)
	}
	if Q.Calculation == "vc-relax" {
		return Error{ErrCantInput, XTB, O.inputname, "xtb cannot relax cells", []string{"BuildInput"}, true}
	}
	if err := writePlainXYZ(O.inputname+".xyz", s); err != nil {
		return Error{ErrCantInput, XTB, O.inputname, err.Error(), []string{"BuildInput"}, true}
	}
	xcontrol, err := os.Create(O.inputname + ".inp")
	if err != nil {
		return Error{ErrCantInput, XTB, O.inputname, err.Error(), []string{"BuildInput"}, true}
	}
	defer xcontrol.Close()
	O.options = make([]string, 0, 6)
	method := Q.XC
	if method == "gfnff" {
		O.gfnff = true
	}
	O.options = append(O.options, fmt.Sprintf("-c %d", s.Charge()))
	unpaired := s.Multi() - 1
	if unpaired < 0 {
		unpaired = 0
	}
	O.options = append(O.options, fmt.Sprintf("-u %d", unpaired))
	if O.nCPU > 1 {
		O.options = append(O.options, fmt.Sprintf("-P %d", O.nCPU))
	}
	if !isInString([]string{"gfn1", "gfn2", "gfn0", "gfnff"}, method) {
		O.options = append(O.options, "--gfn 2") //default method
	} else if method != "gfnff" {
		m := strings.ReplaceAll(method, "gfn", "") //so m should be "0", "1" or "2"
		O.options = append(O.options, "--gfn "+m)
	}
	if Q.Dielectric > 0 && method != "gfn0" { //gfn0 doesn't support implicit solvation
		solvent, ok := dielectric2Solvent[int(Q.Dielectric)]
		if ok {
			O.options = append(O.options, "--alpb "+solvent)
		}
	}
	fixed := append([]int(nil), s.Fixed...)
	for _, v := range Q.CConstraints {
		if !isInInt(fixed, v) {
			fixed = append(fixed, v)
		}
	}
	if len(fixed) > 0 {
		list := make([]string, len(fixed))
		for i, v := range fixed {
			list[i] = strconv.Itoa(v + 1) //xtb atom lists are 1-based
		}
		xcontrol.Write([]byte("$fix\n"))
		xcontrol.Write([]byte("force constant=10000\n"))
		xcontrol.Write([]byte("atoms: " + strings.Join(list, ",") + "\n"))
		xcontrol.Write([]byte("$end\n"))
	}
	O.relax = false
	if Q.Calculation == "relax" {
		O.relax = true
		O.options = append(O.options, "-o normal")
		if Q.MaxSteps > 0 {
			fmt.Fprintf(xcontrol, "$opt\nmaxcycle=%d\n$end\n", Q.MaxSteps)
		}
	}
	return nil
}

//writePlainXYZ writes s to filename in plain XYZ, one symbol and three
//coordinates per line, which is the geometry format xtb reads.
func writePlainXYZ(filename string, s *chem.Structure) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(f, "%d\n\n", s.Len())
	for i := 0; i < s.Len(); i++ {
		v := s.Coords.VecView(i)
		fmt.Fprintf(f, "%-3s %12.6f %12.6f %12.6f\n", s.Atom(i).Symbol, v.At(0, 0), v.At(0, 1), v.At(0, 2))
	}
	return nil
}

//Run runs the xtb calculation, waiting for it or not. Not waiting
//works only on unix-compatible systems, as it goes through sh and
//nohup.
func (O *XTBHandle) Run(wait bool) (err error) {
	var com string
	if O.gfnff {
		com = fmt.Sprintf(" --gfnff %s.xyz --input %s.inp %s > %s.out 2>&1", O.inputname, O.inputname, strings.Join(O.options, " "), O.inputname)
	} else {
		com = fmt.Sprintf(" %s.xyz --input %s.inp %s > %s.out 2>&1", O.inputname, O.inputname, strings.Join(O.options, " "), O.inputname)
	}
	if wait == true {
		command := exec.Command("sh", "-c", O.command+com)
		err = command.Run()
	} else {
		command := exec.Command("sh", "-c", "nohup "+O.command+com+" &")
		err = command.Start()
	}
	if err != nil {
		return Error{ErrNotRunning, XTB, O.inputname, err.Error(), []string{"exec.Start", "Run"}, true}
	}
	if wait && !O.normalTermination() {
		return Error{ErrProbableProblem, XTB, O.inputname, "", []string{"Run"}, true}
	}
	os.Remove("xtbrestart")
	return nil
}

//normalTermination checks that the xtb calculation of the handle
//terminated normally.
func (O *XTBHandle) normalTermination() bool {
	return searchBackwards("normal termination of x", fmt.Sprintf("%s.out", O.inputname)) != ""
}

//Energy returns the total energy of the last xtb run, in eV. It
//recognizes both the current and the older energy report lines.
func (O *XTBHandle) Energy() (float64, error) {
	out := fmt.Sprintf("%s.out", O.inputname)
	energyline := searchBackwards("TOTAL ENERGY", out)
	if energyline == "" {
		energyline = searchBackwards("total E       :", out)
	}
	if energyline == "" {
		return 0, Error{ErrNoEnergy, XTB, O.inputname, "", []string{"searchBackwards", "Energy"}, true}
	}
	split := strings.Fields(energyline)
	if len(split) < 4 {
		return 0, Error{ErrNoEnergy, XTB, O.inputname, "malformed energy line", []string{"Energy"}, true}
	}
	energy, err := strconv.ParseFloat(split[3], 64)
	if err != nil {
		return 0, Error{ErrNoEnergy, XTB, O.inputname, err.Error(), []string{"strconv.ParseFloat", "Energy"}, true}
	}
	return energy * chem.Hartree2eV, nil
}

//OptimizedGeometry returns the latest geometry from an xtb
//optimization, in Angstrom. xtb always writes it to xtbopt.xyz.
func (O *XTBHandle) OptimizedGeometry(atoms chem.Atomer) (*vec.Matrix, error) {
	if !O.normalTermination() {
		return nil, Error{ErrNoGeometry, XTB, O.inputname, "calculation didn't end normally", []string{"OptimizedGeometry"}, true}
	}
	s, err := traj.Read("xtbopt.xyz")
	if err != nil {
		return nil, Error{ErrNoGeometry, XTB, O.inputname, err.Error(), []string{"OptimizedGeometry"}, true}
	}
	return s.Coords, nil
}

//Trajectory returns the frames of the last xtb run. For an
//optimization these are the steps logged in xtbopt.log with their
//energies; a single point yields one frame at the input geometry.
//Atom identities, constraints and periodicity come from ref.
func (O *XTBHandle) Trajectory(ref *chem.Structure) ([]*chem.Structure, error) {
	if ref == nil {
		return nil, Error{ErrNoTrajectory, XTB, O.inputname, "nil reference structure", []string{"Trajectory"}, true}
	}
	if !O.relax {
		energy, err := O.Energy()
		if err != nil {
			return nil, errDecorate(err, "Trajectory")
		}
		s := ref.Copy()
		s.ClearResults()
		s.SetEnergy(energy)
		return []*chem.Structure{s}, nil
	}
	steps, err := traj.ReadFile("xtbopt.log")
	if err != nil {
		return nil, Error{ErrNoTrajectory, XTB, O.inputname, err.Error(), []string{"Trajectory"}, true}
	}
	energies, err := xtbLogEnergies("xtbopt.log")
	if err != nil {
		return nil, errDecorate(err, "Trajectory")
	}
	images := make([]*chem.Structure, 0, len(steps))
	for i, st := range steps {
		if st.Len() != ref.Len() {
			return nil, Error{ErrNoTrajectory, XTB, O.inputname,
				fmt.Sprintf("log frame with %d atoms for %d in the reference", st.Len(), ref.Len()), []string{"Trajectory"}, true}
		}
		s := ref.Copy()
		s.ClearResults()
		s.Coords = st.Coords
		if i < len(energies) {
			s.SetEnergy(energies[i] * chem.Hartree2eV)
		}
		images = append(images, s)
	}
	if len(images) == 0 {
		return nil, Error{ErrNoTrajectory, XTB, O.inputname, "empty optimization log", []string{"Trajectory"}, true}
	}
	return images, nil
}

//xtbLogEnergies collects the per-frame energies, in Hartree, from the
//comment lines of an xtbopt.log file, which read
//  energy: -5.070544440612 gnorm: 0.000650 xtb: 6.4.1
func xtbLogEnergies(filename string) ([]float64, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, Error{ErrNoTrajectory, XTB, filename, err.Error(), []string{"xtbLogEnergies"}, true}
	}
	defer f.Close()
	var energies []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		natoms, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || natoms <= 0 {
			break
		}
		if !scanner.Scan() {
			break
		}
		fields := strings.Fields(scanner.Text())
		for i, v := range fields {
			if v == "energy:" && i+1 < len(fields) {
				e, err := strconv.ParseFloat(fields[i+1], 64)
				if err == nil {
					energies = append(energies, e)
				}
				break
			}
		}
		for i := 0; i < natoms && scanner.Scan(); i++ {
		}
	}
	return energies, scanner.Err()
}

var dielectric2Solvent = map[int]string{
	80: "h2o",
	5:  "chcl3",
	9:  "ch2cl2",
	21: "acetone",
	37: "acetonitrile",
	33: "methanol",
	2:  "toluene",
	7:  "thf",
	47: "dmso",
	38: "dmf",
}
