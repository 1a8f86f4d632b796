/*
 * calc.go, part of catflow.
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

//Package calc drives external electronic-structure and force-field
//programs. Each supported program implements the Calculator interface:
//the driver writes the input files, launches the program and recovers
//energies, forces and geometries from its output. Drivers register
//themselves by name, so workflows can build the calculator a structure
//asks for without knowing the concrete type.
package calc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/vec"
)

//Params is the set of parameters for a calculation. Not all fields are
//meaningful for every program; drivers use what applies to them and
//ignore the rest. A Params round-trips through JSON, which is also how
//it travels inside a Structure's Info under the "calculator_parameters"
//key.
type Params struct {
	//Name of the program to run, as known to the driver registry.
	//It rides along with the rest of the parameters but the drivers
	//themselves never look at it.
	CalculatorName string `json:"calculator_name,omitempty"`
	//scf, relax or vc-relax. Empty means scf.
	Calculation string `json:"calculation,omitempty"`
	//Exchange-correlation functional, program-specific spelling.
	XC string `json:"xc,omitempty"`
	//Wavefunction and density cutoffs, in Ry.
	Ecutwfc float64 `json:"ecutwfc,omitempty"`
	Ecutrho float64 `json:"ecutrho,omitempty"`
	//Monkhorst-Pack grid and offset. A zero grid means gamma only.
	KPts    [3]int `json:"kpts,omitempty"`
	KOffset [3]int `json:"koffset,omitempty"`
	//Occupation smearing: mv, gaussian or fermi-dirac, with the
	//width in Ry. Zero width means fixed occupations.
	Smearing string  `json:"smearing,omitempty"`
	Degauss  float64 `json:"degauss,omitempty"`
	//Spin-polarized calculation. Initial moments come from the
	//structure itself.
	SpinPol bool `json:"spin_polarized,omitempty"`
	//Force threshold for geometry relaxations, in eV/A, and the
	//maximum number of ionic steps.
	Fmax     float64 `json:"fmax,omitempty"`
	MaxSteps int     `json:"maxsteps,omitempty"`
	//Indexes of atoms whose Cartesian coordinates are frozen. Most
	//workflows take these from the structure instead.
	CConstraints []int `json:"cconstraints,omitempty"`
	//Pseudopotential directory and file per element.
	PseudoDir string            `json:"pseudo_dir,omitempty"`
	Pseudos   map[string]string `json:"pseudopotentials,omitempty"`
	//Implicit-solvation dielectric, for the programs that take one.
	Dielectric float64 `json:"dielectric,omitempty"`
	//Memory, in MB, and processors for the job.
	Memory int `json:"memory,omitempty"`
	NCPU   int `json:"ncpu,omitempty"`
	//Lennard-Jones well depth (eV), diameter (A) and cutoff (A).
	Epsilon float64 `json:"epsilon,omitempty"`
	Sigma   float64 `json:"sigma,omitempty"`
	Cutoff  float64 `json:"cutoff,omitempty"`
	//Extra program keywords, passed through verbatim.
	Others map[string]interface{} `json:"others,omitempty"`
}

//SetDefaults fills Q with reasonable defaults for a plane-wave single
//point: PBE, 450/4500 Ry cutoffs, gamma point, cold smearing. Fields
//already set are not touched, except Calculation, which defaults to
//scf only if empty.
func (Q *Params) SetDefaults() {
	if Q.Calculation == "" {
		Q.Calculation = "scf"
	}
	if Q.XC == "" {
		Q.XC = "pbe"
	}
	if Q.Ecutwfc == 0 {
		Q.Ecutwfc = 450
	}
	if Q.Ecutrho == 0 {
		Q.Ecutrho = 10 * Q.Ecutwfc
	}
	if Q.Smearing == "" {
		Q.Smearing = "mv"
	}
	if Q.Degauss == 0 {
		Q.Degauss = 0.01
	}
	if Q.Fmax == 0 {
		Q.Fmax = 0.05
	}
	if Q.MaxSteps == 0 {
		Q.MaxSteps = 200
	}
}

//Copy returns a deep copy of Q.
func (Q *Params) Copy() *Params {
	if Q == nil {
		return nil
	}
	r := *Q
	if Q.CConstraints != nil {
		r.CConstraints = make([]int, len(Q.CConstraints))
		copy(r.CConstraints, Q.CConstraints)
	}
	if Q.Pseudos != nil {
		r.Pseudos = make(map[string]string, len(Q.Pseudos))
		for k, v := range Q.Pseudos {
			r.Pseudos[k] = v
		}
	}
	if Q.Others != nil {
		r.Others = make(map[string]interface{}, len(Q.Others))
		for k, v := range Q.Others {
			r.Others[k] = v
		}
	}
	return &r
}

//ParamsFromInfo extracts the calculation parameters stored in a
//structure's Info under the "calculator_parameters" key. It returns an
//empty Params, not an error, when the key is absent. The stored value
//can be a JSON-decoded map or a Params left there by a previous run.
func ParamsFromInfo(info map[string]interface{}) (*Params, error) {
	Q := new(Params)
	if info == nil {
		return Q, nil
	}
	raw, ok := info["calculator_parameters"]
	if !ok {
		return Q, nil
	}
	switch v := raw.(type) {
	case *Params:
		return v.Copy(), nil
	case Params:
		return v.Copy(), nil
	default:
		//a map from JSON or anything structurally compatible:
		//round-trip it through the JSON encoder.
		buf, err := json.Marshal(v)
		if err != nil {
			return nil, Error{ErrCantParams, "", "", err.Error(), []string{"ParamsFromInfo"}, true}
		}
		dec := json.NewDecoder(bytes.NewReader(buf))
		dec.UseNumber()
		m := make(map[string]interface{})
		if err := dec.Decode(&m); err != nil {
			return nil, Error{ErrCantParams, "", "", err.Error(), []string{"ParamsFromInfo"}, true}
		}
		buf, err = json.Marshal(m)
		if err != nil {
			return nil, Error{ErrCantParams, "", "", err.Error(), []string{"ParamsFromInfo"}, true}
		}
		if err := json.Unmarshal(buf, Q); err != nil {
			return nil, Error{ErrCantParams, "", "", err.Error(), []string{"ParamsFromInfo"}, true}
		}
	}
	return Q, nil
}

//ToInfo returns Q as the map that goes into a structure's Info under
//"calculator_parameters", so the parameters survive a trip through the
//trajectory format or the database.
func (Q *Params) ToInfo() (map[string]interface{}, error) {
	buf, err := json.Marshal(Q)
	if err != nil {
		return nil, Error{ErrCantParams, "", "", err.Error(), []string{"Params.ToInfo"}, true}
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, Error{ErrCantParams, "", "", err.Error(), []string{"Params.ToInfo"}, true}
	}
	return m, nil
}

//Calculator is the interface for a driver around a calculation
//program. The cycle is always BuildInput, Run, then one or more of the
//result methods. Result methods must not be called before Run has
//finished.
type Calculator interface {
	//SetName sets the base name for the calculation files. The
	//driver derives input and output names from it.
	SetName(name string)

	//BuildInput writes the input files for a calculation on s with
	//the parameters Q.
	BuildInput(s *chem.Structure, Q *Params) error

	//Run runs the calculation. If wait is true it blocks until the
	//program finishes, otherwise it launches the job and returns.
	Run(wait bool) error

	//Energy returns the converged potential energy, in eV, from the
	//last run.
	Energy() (float64, error)

	//OptimizedGeometry returns the final geometry of the last run,
	//in Angstrom. ref supplies the atom identities.
	OptimizedGeometry(ref chem.Atomer) (*vec.Matrix, error)

	//Trajectory returns every ionic step of the last run as a
	//structure, copying atom identities from ref. A single-point
	//run yields one frame. Energies and, when the program prints
	//them, forces and magnetic moments are attached to each frame.
	Trajectory(ref *chem.Structure) ([]*chem.Structure, error)
}

//ForceCalculator is a Calculator that can also report the forces, in
//eV/A, at the geometry of the last run. Path optimizations need one.
type ForceCalculator interface {
	Calculator
	Forces(ref chem.Atomer) (*vec.Matrix, error)
}

var registry = make(map[string]func() Calculator)

//Register makes a calculator constructor available under the given
//name. Drivers call it from their init functions; calling it twice
//with the same name panics.
func Register(name string, ctor func() Calculator) {
	if _, dup := registry[name]; dup {
		panic(chem.PanicMsg("calc: Register called twice for " + name))
	}
	registry[name] = ctor
}

//New returns a fresh calculator for the program registered under name.
func New(name string) (Calculator, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, Error{ErrNoCalculator, name, "", "", []string{"New"}, true}
	}
	return ctor(), nil
}

//Available returns the names of the registered calculators, sorted.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

//searchBackwards looks for the last occurrence of str in the file
//filename, scanning line by line from the end, and returns the line
//that contains it. It returns an empty string if str is not in the
//file.
func searchBackwards(str, filename string) string {
	var ini int64 = 0
	var end int64 = 0
	buf := make([]byte, 1)
	f, err := os.Open(filename)
	if err != nil {
		return ""
	}
	defer f.Close()
	var i int64 = 1
	for ; ; i++ {
		if _, err := f.Seek(-1*i, 2); err != nil {
			//reached the top of the file, so what is left is its first line
			if _, err := f.Seek(0, 0); err != nil {
				return ""
			}
			bufF := make([]byte, i-1-end)
			if _, err := f.Read(bufF); err != nil {
				return ""
			}
			if strings.Contains(string(bufF), str) {
				return string(bufF)
			}
			return ""
		}
		if _, err := f.Read(buf); err != nil {
			return ""
		}
		if buf[0] != byte('\n') {
			continue
		}
		if end == 0 {
			end = i
			continue
		}
		ini = i
		f.Seek(-1*ini, 2)
		bufF := make([]byte, ini-end)
		f.Read(bufF)
		if strings.Contains(string(bufF), str) {
			return string(bufF)
		}
		//the start delimiter of this line ends the next one back
		end = ini
		ini = 0
	}
}

//isInString returns true if test is in container, false otherwise.
func isInString(container []string, test string) bool {
	if isIn(container, test) != -1 {
		return true
	}
	return false
}

//isIn returns the position of test in the slice container,
//or -1 if test is not present.
func isIn(container []string, test string) int {
	for i, c := range container {
		if test == c {
			return i
		}
	}
	return -1
}

//isInInt returns true if test is in container, false otherwise.
func isInInt(container []int, test int) bool {
	for _, c := range container {
		if test == c {
			return true
		}
	}
	return false
}

//Error is the concrete error type of the calc package. It gives access
//to the program and input file involved, to whether the error is
//critical and to any additional information. It fulfills the chem.Error
//interface.
type Error struct {
	message    string
	program    string
	inputname  string
	additional string
	deco       []string
	critical   bool
}

func (err Error) Error() string {
	msg := fmt.Sprintf("%s. Program: %s, Input file: %s", err.message, err.program, err.inputname)
	if err.additional != "" {
		msg = msg + ". Additional info: " + err.additional
	}
	return msg
}

//Decorate adds the dec string to the decoration of the error and
//returns the resulting decoration slice.
func (err Error) Decorate(dec string) []string {
	if dec != "" {
		err.deco = append(err.deco, dec)
	}
	return err.deco
}

//Program returns the name of the program the error refers to.
func (err Error) Program() string { return err.program }

//FileName returns the name of the input file for the offending job.
func (err Error) FileName() string { return err.inputname }

//Critical returns whether the error is critical or can be ignored.
func (err Error) Critical() bool { return err.critical }

//errDecorate decorates err with the caller and returns it. It wraps
//errors from other packages into a calc Error.
func errDecorate(err error, caller string) error {
	err2, ok := err.(chem.Error)
	if !ok {
		return Error{err.Error(), "", "", "", []string{caller}, true}
	}
	err2.Decorate(caller)
	return err2
}

//Errors the calc drivers adorn their Error type with.
const (
	ErrNotRunning      = "calc: Calculation is not running"
	ErrNoEnergy        = "calc: No energy found in the program's output"
	ErrNoForces        = "calc: No forces found in the program's output"
	ErrNoGeometry      = "calc: No geometry found in the program's output"
	ErrNoTrajectory    = "calc: No complete frame found in the program's output"
	ErrProbableProblem = "calc: Probable problem with the calculation"
	ErrNotImplemented  = "calc: The driver does not support this operation"
	ErrCantInput       = "calc: Can't build the input file"
	ErrCantRun         = "calc: Can't run the program"
	ErrNoCalculator    = "calc: No calculator registered under that name"
	ErrCantParams      = "calc: Can't parse the calculation parameters"
)

//Names of the programs the package has drivers for.
const (
	Espresso = "espresso"
	XTB      = "xtb"
	LJ       = "lj"
)
