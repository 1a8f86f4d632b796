/*
 * espresso.go, part of catflow.
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

package calc

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/vec"
)

func init() {
	Register(Espresso, func() Calculator { return NewEspressoHandle() })
}

//EspressoHandle drives the pw.x program of Quantum ESPRESSO. It
//supports single points, relaxations and variable-cell relaxations,
//spin polarization with per-atom starting moments, and frozen atoms
//through the if_pos flags. Energies, forces and site moments are read
//back from the .pwo output, one frame per ionic step.
type EspressoHandle struct {
	command   string
	inputname string
	nCPU      int
}

//NewEspressoHandle initializes and returns a pw.x handle.
func NewEspressoHandle() *EspressoHandle {
	run := new(EspressoHandle)
	run.SetDefaults()
	return run
}

//SetName sets the base name for the input and output files, so the
//calculation will use name.pwi and name.pwo.
func (O *EspressoHandle) SetName(name string) {
	O.inputname = name
}

//SetCommand sets the command to run pw.x.
func (O *EspressoHandle) SetCommand(name string) {
	O.command = name
}

//SetnCPU sets the number of MPI ranks to run pw.x with. With more than
//one, the command is launched through mpirun.
func (O *EspressoHandle) SetnCPU(cpu int) {
	O.nCPU = cpu
}

//SetDefaults sets the handle to run pw.x serially, taking the command
//from ESPRESSO_COMMAND if that is defined in the environment.
func (O *EspressoHandle) SetDefaults() {
	O.command = os.Getenv("ESPRESSO_COMMAND")
	if O.command == "" {
		O.command = "pw.x"
	}
	O.nCPU = 1
}

//names pw.x wants for the smearing schemes, from the spellings the
//rest of the ecosystem uses.
var smearingNames = map[string]string{
	"mv":                 "marzari-vanderbilt",
	"cold":               "marzari-vanderbilt",
	"marzari-vanderbilt": "marzari-vanderbilt",
	"gauss":              "gaussian",
	"gaussian":           "gaussian",
	"fd":                 "fermi-dirac",
	"fermi-dirac":        "fermi-dirac",
	"mp":                 "methfessel-paxton",
	"methfessel-paxton":  "methfessel-paxton",
}

//BuildInput writes a pw.x input file for a calculation on s with the
//parameters Q. The structure must have a periodic cell; pw.x cannot
//run without one. Frozen atoms come from the union of the structure's
//Fixed list and Q.CConstraints.
func (O *EspressoHandle) BuildInput(s *chem.Structure, Q *Params) error {
	if s == nil || s.Coords == nil {
		return Error{ErrCantInput, Espresso, O.inputname, "nil structure or coordinates", []string{"BuildInput"}, true}
	}
	if err := s.Corrupted(); err != nil {
		return Error{ErrCantInput, Espresso, O.inputname, err.Error(), []string{"BuildInput"}, true}
	}
	if O.inputname == "" {
		O.inputname = "pw"
	}
	if Q == nil {
		Q = new(Params)
	}
	Q.SetDefaults()
	if s.Cell.IsZero() {
		return Error{ErrCantInput, Espresso, O.inputname, "pw.x requires a periodic cell", []string{"BuildInput"}, true}
	}
	calculation := Q.Calculation
	if !isInString([]string{"scf", "relax", "vc-relax"}, calculation) {
		return Error{ErrCantInput, Espresso, O.inputname, "unsupported calculation type " + calculation, []string{"BuildInput"}, true}
	}
	smearing, ok := smearingNames[Q.Smearing]
	if !ok {
		return Error{ErrCantInput, Espresso, O.inputname, "unsupported smearing scheme " + Q.Smearing, []string{"BuildInput"}, true}
	}
	//species in order of first appearance, with their mean starting moment
	species := make([]string, 0, 4)
	moments := make(map[string]float64)
	counts := make(map[string]int)
	spin := Q.SpinPol
	for i := 0; i < s.Len(); i++ {
		at := s.Atom(i)
		if !isInString(species, at.Symbol) {
			species = append(species, at.Symbol)
		}
		moments[at.Symbol] += at.Magmom
		counts[at.Symbol]++
		if at.Magmom != 0 {
			spin = true
		}
	}
	fixed := s.FixedMask()
	for _, v := range Q.CConstraints {
		if v >= 0 && v < len(fixed) {
			fixed[v] = true
		}
	}
	pseudodir := Q.PseudoDir
	if pseudodir == "" {
		pseudodir = os.Getenv("ESPRESSO_PSEUDO")
	}
	if pseudodir == "" {
		pseudodir = "."
	}
	file, err := os.Create(fmt.Sprintf("%s.pwi", O.inputname))
	if err != nil {
		return Error{ErrCantInput, Espresso, O.inputname, err.Error(), []string{"os.Create", "BuildInput"}, true}
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	defer w.Flush()
	fmt.Fprintf(w, "&CONTROL\n")
	fmt.Fprintf(w, "   calculation      = '%s'\n", calculation)
	fmt.Fprintf(w, "   prefix           = '%s'\n", O.inputname)
	fmt.Fprintf(w, "   outdir           = './'\n")
	fmt.Fprintf(w, "   pseudo_dir       = '%s'\n", pseudodir)
	fmt.Fprintf(w, "   tprnfor          = .true.\n")
	if calculation == "vc-relax" {
		fmt.Fprintf(w, "   tstress          = .true.\n")
	}
	if calculation != "scf" {
		fmt.Fprintf(w, "   forc_conv_thr    = %.8f\n", Q.Fmax*chem.Bohr2A/chem.Ry2eV)
		fmt.Fprintf(w, "   nstep            = %d\n", Q.MaxSteps)
	}
	fmt.Fprintf(w, "/\n&SYSTEM\n")
	fmt.Fprintf(w, "   ibrav            = 0\n")
	fmt.Fprintf(w, "   nat              = %d\n", s.Len())
	fmt.Fprintf(w, "   ntyp             = %d\n", len(species))
	fmt.Fprintf(w, "   ecutwfc          = %.4f\n", Q.Ecutwfc)
	fmt.Fprintf(w, "   ecutrho          = %.4f\n", Q.Ecutrho)
	if Q.XC != "" {
		fmt.Fprintf(w, "   input_dft        = '%s'\n", Q.XC)
	}
	if Q.Degauss > 0 {
		fmt.Fprintf(w, "   occupations      = 'smearing'\n")
		fmt.Fprintf(w, "   smearing         = '%s'\n", smearing)
		fmt.Fprintf(w, "   degauss          = %.6f\n", Q.Degauss)
	} else {
		fmt.Fprintf(w, "   occupations      = 'fixed'\n")
	}
	if s.Charge() != 0 {
		fmt.Fprintf(w, "   tot_charge       = %.4f\n", float64(s.Charge()))
	}
	if spin {
		fmt.Fprintf(w, "   nspin            = 2\n")
		for i, sym := range species {
			if m := moments[sym] / float64(counts[sym]); m != 0 {
				fmt.Fprintf(w, "   starting_magnetization(%d) = %.4f\n", i+1, m)
			}
		}
	}
	if Q.Others != nil {
		keys := make([]string, 0, len(Q.Others))
		for k := range Q.Others {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "   %-16s = %s\n", k, namelistValue(Q.Others[k]))
		}
	}
	fmt.Fprintf(w, "/\n&ELECTRONS\n")
	fmt.Fprintf(w, "   conv_thr         = 1.0e-06\n")
	fmt.Fprintf(w, "/\n")
	if calculation != "scf" {
		fmt.Fprintf(w, "&IONS\n   ion_dynamics     = 'bfgs'\n/\n")
	}
	if calculation == "vc-relax" {
		fmt.Fprintf(w, "&CELL\n   cell_dynamics    = 'bfgs'\n/\n")
	}
	fmt.Fprintf(w, "ATOMIC_SPECIES\n")
	for _, sym := range species {
		mass, _ := chem.MassOf(sym)
		pseudo := ""
		if Q.Pseudos != nil {
			pseudo = Q.Pseudos[sym]
		}
		if pseudo == "" {
			pseudo = sym + ".UPF"
		}
		fmt.Fprintf(w, "%-3s %10.4f  %s\n", sym, mass, pseudo)
	}
	fmt.Fprintf(w, "ATOMIC_POSITIONS angstrom\n")
	for i := 0; i < s.Len(); i++ {
		v := s.Coords.VecView(i)
		fmt.Fprintf(w, "%-3s %16.10f %16.10f %16.10f", s.Atom(i).Symbol, v.At(0, 0), v.At(0, 1), v.At(0, 2))
		if fixed[i] {
			fmt.Fprintf(w, "  0 0 0")
		}
		fmt.Fprintf(w, "\n")
	}
	if Q.KPts == [3]int{} {
		fmt.Fprintf(w, "K_POINTS gamma\n")
	} else {
		fmt.Fprintf(w, "K_POINTS automatic\n%d %d %d  %d %d %d\n", Q.KPts[0], Q.KPts[1], Q.KPts[2],
			Q.KOffset[0], Q.KOffset[1], Q.KOffset[2])
	}
	fmt.Fprintf(w, "CELL_PARAMETERS angstrom\n")
	for _, row := range s.Cell {
		fmt.Fprintf(w, "%16.10f %16.10f %16.10f\n", row[0], row[1], row[2])
	}
	return nil
}

//namelistValue renders v in Fortran namelist syntax.
func namelistValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return "'" + t + "'"
	case bool:
		if t {
			return ".true."
		}
		return ".false."
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (O *EspressoHandle) runCommand() string {
	cmd := O.command
	if O.nCPU > 1 {
		cmd = fmt.Sprintf("mpirun -np %d %s", O.nCPU, O.command)
	}
	return fmt.Sprintf("%s -in %s.pwi > %s.pwo 2>&1", cmd, O.inputname, O.inputname)
}

//Run runs the previously built pw.x calculation. If wait is true it
//blocks until pw.x exits and checks that the output reports a clean
//termination; otherwise it launches the job and returns at once.
func (O *EspressoHandle) Run(wait bool) (err error) {
	var command *exec.Cmd
	if wait == true {
		command = exec.Command("sh", "-c", O.runCommand())
		err = command.Run()
	} else {
		command = exec.Command("sh", "-c", "nohup "+O.runCommand()+" &")
		err = command.Start()
	}
	if err != nil {
		return Error{ErrNotRunning, Espresso, O.inputname, err.Error(), []string{"exec.Run", "Run"}, true}
	}
	if wait && !O.normalTermination() {
		return Error{ErrProbableProblem, Espresso, O.inputname, "the output does not report a clean termination", []string{"Run"}, true}
	}
	return nil
}

func (O *EspressoHandle) normalTermination() bool {
	return searchBackwards("JOB DONE", fmt.Sprintf("%s.pwo", O.inputname)) != ""
}

//Energy returns the last converged total energy in the output of the
//last run, in eV.
func (O *EspressoHandle) Energy() (float64, error) {
	line := searchBackwards("!    total energy", fmt.Sprintf("%s.pwo", O.inputname))
	if line == "" {
		return 0, Error{ErrNoEnergy, Espresso, O.inputname, "", []string{"Energy"}, true}
	}
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "=" && i+1 < len(fields) {
			energy, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				break
			}
			return energy * chem.Ry2eV, nil
		}
	}
	return 0, Error{ErrNoEnergy, Espresso, O.inputname, "malformed energy line: " + line, []string{"Energy"}, true}
}

//OptimizedGeometry returns the geometry of the last ionic step of the
//last run, in Angstrom.
func (O *EspressoHandle) OptimizedGeometry(ref chem.Atomer) (*vec.Matrix, error) {
	frames, err := O.parseOutput(ref.Len())
	if err != nil {
		return nil, errDecorate(err, "OptimizedGeometry")
	}
	coords, err := vec.NewMatrix(frames[len(frames)-1].coords)
	if err != nil {
		return nil, errDecorate(err, "OptimizedGeometry")
	}
	return coords, nil
}

//Forces returns the forces at the last ionic step of the last run, in
//eV/A.
func (O *EspressoHandle) Forces(ref chem.Atomer) (*vec.Matrix, error) {
	frames, err := O.parseOutput(ref.Len())
	if err != nil {
		return nil, errDecorate(err, "Forces")
	}
	last := frames[len(frames)-1]
	if last.forces == nil {
		return nil, Error{ErrNoForces, Espresso, O.inputname, "", []string{"Forces"}, true}
	}
	forces, err := vec.NewMatrix(last.forces)
	if err != nil {
		return nil, errDecorate(err, "Forces")
	}
	return forces, nil
}

//Trajectory returns every ionic step of the last run as a structure.
//Atom identities, constraints and periodicity are copied from ref, and
//each frame carries the energy, forces and, in spin-polarized runs,
//the site magnetic moments pw.x reported for that geometry.
func (O *EspressoHandle) Trajectory(ref *chem.Structure) ([]*chem.Structure, error) {
	if ref == nil {
		return nil, Error{ErrNoTrajectory, Espresso, O.inputname, "nil reference structure", []string{"Trajectory"}, true}
	}
	frames, err := O.parseOutput(ref.Len())
	if err != nil {
		return nil, errDecorate(err, "Trajectory")
	}
	images := make([]*chem.Structure, 0, len(frames))
	for _, fr := range frames {
		s := ref.Copy()
		s.ClearResults()
		coords, err := vec.NewMatrix(fr.coords)
		if err != nil {
			return nil, errDecorate(err, "Trajectory")
		}
		s.Coords = coords
		if !fr.cell.IsZero() {
			s.Cell = fr.cell
		}
		s.SetEnergy(fr.energy)
		if fr.forces != nil {
			f, err := vec.NewMatrix(fr.forces)
			if err != nil {
				return nil, errDecorate(err, "Trajectory")
			}
			s.Forces = f
		}
		if len(fr.magmoms) == ref.Len() {
			s.Magmoms = fr.magmoms
		}
		images = append(images, s)
	}
	return images, nil
}

//pwFrame is one ionic step as read from a .pwo file: cartesian
//coordinates in Angstrom, the cell at that step, and whatever results
//pw.x printed for the geometry.
type pwFrame struct {
	coords  []float64
	cell    chem.Cell
	energy  float64
	hasE    bool
	forces  []float64
	magmoms []float64
}

//parseOutput reads the whole .pwo output and pairs each geometry with
//the results computed at it. The starting geometry comes from the echo
//pw.x prints in its header, so the frames stand on their own even if
//the input file has since changed. A geometry printed without a
//following converged energy, like the duplicate inside the final
//coordinates block, yields no frame.
func (O *EspressoHandle) parseOutput(natoms int) ([]pwFrame, error) {
	filename := fmt.Sprintf("%s.pwo", O.inputname)
	file, err := os.Open(filename)
	if err != nil {
		return nil, Error{ErrNoTrajectory, Espresso, O.inputname, err.Error(), []string{"os.Open", "parseOutput"}, true}
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	var (
		alat     float64 //in bohr
		frames   []pwFrame
		cur      pwFrame
		nextCell chem.Cell
		haveNext bool
	)
	flush := func() {
		if cur.hasE {
			frames = append(frames, cur)
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "lattice parameter (alat)"):
			alat = floatAfter(line, "=")
		case strings.Contains(line, "crystal axes:"):
			cell, err := readPWAxes(scanner, alat*chem.Bohr2A)
			if err != nil {
				return nil, errDecorate(err, "parseOutput")
			}
			cur.cell = cell
		case strings.Contains(line, "site n.") && strings.Contains(line, "positions"):
			coords, err := readPWEcho(scanner, natoms, line, alat, cur.cell)
			if err != nil {
				return nil, errDecorate(err, "parseOutput")
			}
			cur.coords = coords
		case strings.HasPrefix(strings.TrimSpace(line), "!") && strings.Contains(line, "total energy"):
			cur.energy = floatAfter(line, "=") * chem.Ry2eV
			cur.hasE = true
		case strings.Contains(line, "Forces acting on atoms"):
			forces, err := readPWForces(scanner, natoms)
			if err != nil {
				return nil, errDecorate(err, "parseOutput")
			}
			cur.forces = forces
		case strings.Contains(line, "magn:") || strings.Contains(line, "magn="):
			idx, m, ok := siteMoment(line)
			if ok {
				if cur.magmoms == nil {
					cur.magmoms = make([]float64, natoms)
				}
				if idx >= 1 && idx <= natoms {
					cur.magmoms[idx-1] = m
				}
			}
		case strings.Contains(line, "CELL_PARAMETERS"):
			cell, err := readPWCell(scanner, line, alat)
			if err != nil {
				return nil, errDecorate(err, "parseOutput")
			}
			nextCell = cell
			haveNext = true
		case strings.Contains(line, "ATOMIC_POSITIONS"):
			flush()
			prev := cur
			cur = pwFrame{cell: prev.cell}
			if haveNext {
				cur.cell = nextCell
				haveNext = false
			}
			coords, err := readPWPositions(scanner, natoms, line, alat, cur.cell)
			if err != nil {
				return nil, errDecorate(err, "parseOutput")
			}
			cur.coords = coords
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, Error{ErrNoTrajectory, Espresso, O.inputname, err.Error(), []string{"parseOutput"}, true}
	}
	flush()
	if len(frames) == 0 {
		return nil, Error{ErrNoTrajectory, Espresso, O.inputname, "no converged frame in " + filename, []string{"parseOutput"}, true}
	}
	for _, fr := range frames {
		if len(fr.coords) != 3*natoms {
			return nil, Error{ErrNoTrajectory, Espresso, O.inputname,
				fmt.Sprintf("frame with %d coordinates for %d atoms", len(fr.coords), natoms), []string{"parseOutput"}, true}
		}
	}
	return frames, nil
}

//floatAfter returns the first parseable float following the token sep
//in line, or 0.
func floatAfter(line, sep string) float64 {
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == sep && i+1 < len(fields) {
			v, err := strconv.ParseFloat(fields[i+1], 64)
			if err == nil {
				return v
			}
		}
	}
	return 0
}

//parenVec extracts the three floats inside the last parenthesized
//group of line, for the tau and crystal-axes echo format.
func parenVec(line string) ([3]float64, error) {
	var r [3]float64
	open := strings.LastIndex(line, "(")
	end := strings.LastIndex(line, ")")
	if open < 0 || end < open {
		return r, Error{ErrNoTrajectory, Espresso, "", "malformed vector line: " + line, []string{"parenVec"}, true}
	}
	fields := strings.Fields(line[open+1 : end])
	if len(fields) < 3 {
		return r, Error{ErrNoTrajectory, Espresso, "", "malformed vector line: " + line, []string{"parenVec"}, true}
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return r, Error{ErrNoTrajectory, Espresso, "", err.Error(), []string{"parenVec"}, true}
		}
		r[i] = v
	}
	return r, nil
}

//readPWAxes reads the three crystal-axes lines of the pw.x header and
//returns the cell in Angstrom. scale is alat in Angstrom.
func readPWAxes(scanner *bufio.Scanner, scale float64) (chem.Cell, error) {
	var cell chem.Cell
	for i := 0; i < 3; i++ {
		if !scanner.Scan() {
			return cell, Error{ErrNoTrajectory, Espresso, "", "truncated crystal axes block", []string{"readPWAxes"}, true}
		}
		v, err := parenVec(scanner.Text())
		if err != nil {
			return cell, errDecorate(err, "readPWAxes")
		}
		for j := 0; j < 3; j++ {
			cell[i][j] = v[j] * scale
		}
	}
	return cell, nil
}

//readPWEcho reads the initial-positions echo of the pw.x header and
//returns cartesian coordinates in Angstrom. The header line tells the
//units: alat or crystal.
func readPWEcho(scanner *bufio.Scanner, natoms int, header string, alat float64, cell chem.Cell) ([]float64, error) {
	crystal := strings.Contains(header, "cryst")
	coords := make([]float64, 0, 3*natoms)
	for len(coords) < 3*natoms {
		if !scanner.Scan() {
			return nil, Error{ErrNoTrajectory, Espresso, "", "truncated positions echo", []string{"readPWEcho"}, true}
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.Contains(line, "tau(") {
			return nil, Error{ErrNoTrajectory, Espresso, "", "unexpected line in positions echo: " + line, []string{"readPWEcho"}, true}
		}
		v, err := parenVec(line)
		if err != nil {
			return nil, errDecorate(err, "readPWEcho")
		}
		var cart [3]float64
		if crystal {
			cart = cell.VecMul(v)
		} else {
			for i := 0; i < 3; i++ {
				cart[i] = v[i] * alat * chem.Bohr2A
			}
		}
		coords = append(coords, cart[0], cart[1], cart[2])
	}
	return coords, nil
}

//readPWForces reads the per-atom force block and returns the forces
//flattened, in eV/A.
func readPWForces(scanner *bufio.Scanner, natoms int) ([]float64, error) {
	conv := chem.Ry2eV / chem.Bohr2A
	forces := make([]float64, 0, 3*natoms)
	for len(forces) < 3*natoms {
		if !scanner.Scan() {
			return nil, Error{ErrNoTrajectory, Espresso, "", "truncated force block", []string{"readPWForces"}, true}
		}
		line := scanner.Text()
		if strings.Contains(line, "Total force") {
			return nil, Error{ErrNoTrajectory, Espresso, "", "incomplete force block", []string{"readPWForces"}, true}
		}
		if !strings.Contains(line, "force =") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		for i := len(fields) - 3; i < len(fields); i++ {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, Error{ErrNoTrajectory, Espresso, "", err.Error(), []string{"readPWForces"}, true}
			}
			forces = append(forces, v*conv)
		}
	}
	return forces, nil
}

//siteMoment parses one line of the per-site magnetization report,
//which depending on the pw.x version reads
//  atom:    1    charge:   1.8341    magn:    0.2308 ...
//or uses = instead of :. It returns the 1-based atom index and moment.
func siteMoment(line string) (int, float64, bool) {
	clean := strings.NewReplacer(":", " ", "=", " ").Replace(line)
	fields := strings.Fields(clean)
	idx := -1
	m := 0.0
	found := false
	for i, f := range fields {
		if f == "atom" && i+1 < len(fields) {
			v, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return 0, 0, false
			}
			idx = v
		}
		if f == "magn" && i+1 < len(fields) {
			v, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return 0, 0, false
			}
			m = v
			found = true
		}
	}
	if idx < 0 || !found {
		return 0, 0, false
	}
	return idx, m, true
}

//positionUnits parses the units out of an ATOMIC_POSITIONS or
//CELL_PARAMETERS header line.
func positionUnits(header string) string {
	clean := strings.NewReplacer("(", " ", ")", " ", "{", " ", "}", " ", "=", " ").Replace(header)
	fields := strings.Fields(clean)
	for _, f := range fields[1:] {
		switch strings.ToLower(f) {
		case "angstrom":
			return "angstrom"
		case "crystal":
			return "crystal"
		case "bohr":
			return "bohr"
		case "alat":
			return "alat"
		}
	}
	return "alat"
}

//readPWCell reads a CELL_PARAMETERS block and returns the cell in
//Angstrom. For alat units, pw.x prints the scale inside the header, as
//CELL_PARAMETERS (alat= 10.20); when absent the header alat is used.
func readPWCell(scanner *bufio.Scanner, header string, alat float64) (chem.Cell, error) {
	var cell chem.Cell
	scale := 1.0
	switch positionUnits(header) {
	case "bohr":
		scale = chem.Bohr2A
	case "alat":
		a := floatAfter(strings.NewReplacer("(", " ", ")", " ", "=", " = ").Replace(header), "=")
		if a == 0 {
			a = alat
		}
		scale = a * chem.Bohr2A
	}
	for i := 0; i < 3; i++ {
		if !scanner.Scan() {
			return cell, Error{ErrNoTrajectory, Espresso, "", "truncated cell block", []string{"readPWCell"}, true}
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			return cell, Error{ErrNoTrajectory, Espresso, "", "malformed cell line", []string{"readPWCell"}, true}
		}
		for j := 0; j < 3; j++ {
			v, err := strconv.ParseFloat(fields[j], 64)
			if err != nil {
				return cell, Error{ErrNoTrajectory, Espresso, "", err.Error(), []string{"readPWCell"}, true}
			}
			cell[i][j] = v * scale
		}
	}
	return cell, nil
}

//readPWPositions reads an ATOMIC_POSITIONS block and returns cartesian
//coordinates in Angstrom.
func readPWPositions(scanner *bufio.Scanner, natoms int, header string, alat float64, cell chem.Cell) ([]float64, error) {
	units := positionUnits(header)
	coords := make([]float64, 0, 3*natoms)
	for len(coords) < 3*natoms {
		if !scanner.Scan() {
			return nil, Error{ErrNoTrajectory, Espresso, "", "truncated positions block", []string{"readPWPositions"}, true}
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 4 {
			return nil, Error{ErrNoTrajectory, Espresso, "", "malformed position line", []string{"readPWPositions"}, true}
		}
		var v [3]float64
		for i := 0; i < 3; i++ {
			f, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return nil, Error{ErrNoTrajectory, Espresso, "", err.Error(), []string{"readPWPositions"}, true}
			}
			v[i] = f
		}
		var cart [3]float64
		switch units {
		case "angstrom":
			cart = v
		case "bohr":
			for i := 0; i < 3; i++ {
				cart[i] = v[i] * chem.Bohr2A
			}
		case "alat":
			for i := 0; i < 3; i++ {
				cart[i] = v[i] * alat * chem.Bohr2A
			}
		case "crystal":
			cart = cell.VecMul(v)
		}
		coords = append(coords, cart[0], cart[1], cart[2])
	}
	return coords, nil
}
