/*
 * flow.go, part of catflow.
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

//Package flow implements the workflow operations of catflow: potential
//energies, geometry relaxations and nudged-elastic-band reaction paths.
//Each operation is a linear sequence: read the input structure from a
//trajectory file in the working directory, drive a calculator on it,
//collect the resulting trajectory and hand it back encoded as flowjson
//images. Every image returned carries the constraints and periodicity
//of the input structure, whatever the calculator wrote in its output.
//Relaxations are additionally persisted to the shared database, keyed
//by the prototype tag of their final structure.
package flow

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/calc"
	"github.com/catflow/catflow/db"
	"github.com/catflow/catflow/flowjson"
	"github.com/catflow/catflow/neb"
	"github.com/catflow/catflow/traj"
)

//Default filenames of the operations. The input-side defaults,
//"input.traj" and "final.traj", live in the traj package.
const (
	//DefaultOutput is the calculation output a single-point run reads
	//its trajectory back from.
	DefaultOutput = "pw.pwo"
	//DefaultNEBOut is the trajectory file an optimized band is
	//written to.
	DefaultNEBOut = "neb.traj"
	//nebLog logs the band optimization, one line per step.
	nebLog = "neb.log"
	//relaxBase and scfBase are the base names of a relaxation run and
	//of the confirmation single point on a relaxed bulk structure.
	relaxBase = "pw0"
	scfBase   = "pw1"
)

//Calculator holds how one calculator runs on this machine: the
//command to invoke, the processors it gets, and the pseudopotentials
//plane-wave runs fall back on when the structure metadata carries
//none.
type Calculator struct {
	Command   string
	NCPU      int
	PseudoDir string
	Pseudos   map[string]string
}

//Process-wide calculation settings. The command line and the queue
//worker fill them in from the configuration, once, before running any
//operation; the zero values leave every driver on its own defaults.
var (
	//DatabaseDSN locates the shared database relaxations are
	//persisted to.
	DatabaseDSN = "catflow.db"
	//Calculators maps lowercase calculator names to their machine
	//settings.
	Calculators = map[string]Calculator{}
)

//buildCalculator returns a fresh calculator for the program registered
//under name, configured with the machine command and processor
//settings when its driver takes them.
func buildCalculator(name string) (calc.Calculator, error) {
	name = strings.ToLower(name)
	c, err := calc.New(name)
	if err != nil {
		return nil, err
	}
	set := Calculators[name]
	if set.Command != "" {
		if h, ok := c.(interface{ SetCommand(string) }); ok {
			h.SetCommand(set.Command)
		}
	}
	if set.NCPU > 0 {
		if h, ok := c.(interface{ SetnCPU(int) }); ok {
			h.SetnCPU(set.NCPU)
		}
	}
	return c, nil
}

//applyPseudos fills the pseudopotential settings configured for the
//named calculator into parameters that leave them out. Explicit
//parameters always win over the machine configuration.
func applyPseudos(name string, Q *calc.Params) {
	set := Calculators[strings.ToLower(name)]
	if set.PseudoDir != "" && Q.PseudoDir == "" {
		Q.PseudoDir = set.PseudoDir
	}
	if len(set.Pseudos) > 0 && Q.Pseudos == nil {
		Q.Pseudos = make(map[string]string, len(set.Pseudos))
	}
	for sym, file := range set.Pseudos {
		if _, ok := Q.Pseudos[sym]; !ok {
			Q.Pseudos[sym] = file
		}
	}
}

//GetPotentialEnergy runs the calculator registered under the given
//name on the first structure of inFile and returns the resulting
//trajectory encoded as flowjson images. The calculation parameters
//come from the structure's own metadata, so the run is a single point
//or a full relaxation depending on what they ask for. inFile defaults
//to "input.traj"; outFile, whose name without the extension becomes
//the base name for the calculation files, defaults to "pw.pwo".
func GetPotentialEnergy(calculator, inFile, outFile string) ([]byte, error) {
	if inFile == "" {
		inFile = traj.DefaultIn
	}
	if outFile == "" {
		outFile = DefaultOutput
	}
	s, err := traj.Read(inFile)
	if err != nil {
		return nil, errDecorate(err, "GetPotentialEnergy")
	}
	Q, err := calc.ParamsFromInfo(s.Info)
	if err != nil {
		return nil, errDecorate(err, "GetPotentialEnergy")
	}
	c, err := buildCalculator(calculator)
	if err != nil {
		return nil, errDecorate(err, "GetPotentialEnergy")
	}
	applyPseudos(calculator, Q)
	c.SetName(strings.TrimSuffix(outFile, filepath.Ext(outFile)))
	if err := c.BuildInput(s, Q); err != nil {
		return nil, errDecorate(err, "GetPotentialEnergy")
	}
	if err := c.Run(true); err != nil {
		return nil, errDecorate(err, "GetPotentialEnergy")
	}
	images, err := c.Trajectory(s)
	if err != nil {
		return nil, errDecorate(err, "GetPotentialEnergy")
	}
	chem.PatchConstraints(images, s)
	payload, err := flowjson.EncodeImages(images)
	if err != nil {
		return nil, errDecorate(err, "GetPotentialEnergy")
	}
	return payload, nil
}

//Relax drives a geometry relaxation under the catflow database
//conventions. Every argument may be zero: a nil s is read from
//"input.traj", nil parameters come from the structure's metadata, and
//an empty calculator name is consumed from the parameters themselves.
//The relaxation runs under the base name "pw0". A structure periodic
//in all three directions gets, at its relaxed geometry, a confirmation
//single point under "pw1", appended to the trajectory as a last image.
//The input's metadata, captured before the run, is restored onto the
//first image, and every image carries the constraints and periodicity
//of the input. The trajectory is then persisted to the shared database
//at DatabaseDSN and returned encoded as flowjson images.
func Relax(s *chem.Structure, calculator string, Q *calc.Params) ([]byte, error) {
	var err error
	if s == nil {
		s, err = traj.Read(traj.DefaultIn)
		if err != nil {
			return nil, errDecorate(err, "Relax")
		}
	}
	fromInfo := Q == nil
	if Q == nil {
		Q, err = calc.ParamsFromInfo(s.Info)
		if err != nil {
			return nil, errDecorate(err, "Relax")
		}
	} else {
		Q = Q.Copy()
	}
	if calculator == "" {
		calculator = Q.CalculatorName
		//the name rides with the parameters without being one of
		//them; once consumed it leaves the stored metadata too.
		Q.CalculatorName = ""
		if fromInfo {
			if m, ok := s.Info["calculator_parameters"].(map[string]interface{}); ok {
				delete(m, "calculator_name")
			}
		}
	}
	data := s.CopyInfo()
	c, err := buildCalculator(calculator)
	if err != nil {
		return nil, errDecorate(err, "Relax")
	}
	applyPseudos(calculator, Q)
	c.SetName(relaxBase)
	if err := c.BuildInput(s, Q); err != nil {
		return nil, errDecorate(err, "Relax")
	}
	if err := c.Run(true); err != nil {
		return nil, errDecorate(err, "Relax")
	}
	images, err := c.Trajectory(s)
	if err != nil {
		return nil, errDecorate(err, "Relax")
	}
	images[0].Info = data
	if s.Bulk() {
		conf, err := confirm(images[len(images)-1], calculator, Q)
		if err != nil {
			return nil, errDecorate(err, "Relax")
		}
		images = append(images, conf)
	}
	chem.PatchConstraints(images, s)
	d, err := db.Connect(DatabaseDSN)
	if err != nil {
		return nil, errDecorate(err, "Relax")
	}
	defer d.Close()
	if _, err := d.UpdateBulkEntry(context.Background(), images); err != nil {
		return nil, errDecorate(err, "Relax")
	}
	payload, err := flowjson.EncodeImages(images)
	if err != nil {
		return nil, errDecorate(err, "Relax")
	}
	return payload, nil
}

//confirm runs a static single point on the relaxed structure s, the
//way bulk relaxations are checked before they enter the database, and
//returns its frame.
func confirm(s *chem.Structure, calculator string, Q *calc.Params) (*chem.Structure, error) {
	sp := s.Copy()
	Qs := Q.Copy()
	Qs.Calculation = "scf"
	c, err := buildCalculator(calculator)
	if err != nil {
		return nil, err
	}
	c.SetName(scfBase)
	if err := c.BuildInput(sp, Qs); err != nil {
		return nil, err
	}
	if err := c.Run(true); err != nil {
		return nil, err
	}
	frames, err := c.Trajectory(sp)
	if err != nil {
		return nil, err
	}
	return frames[len(frames)-1], nil
}

//RunNEB finds the minimum-energy path between the first structures of
//startFile and endFile, which default to "input.traj" and
//"final.traj". The band holds nImages images, endpoints included, 11
//when not positive, built with the named interpolation scheme, "idpp"
//when empty; with restart set the band resumes instead from the last
//one written to outFile, falling back to a fresh interpolation when
//the file is missing or too short. The calculator and its parameters
//come from the start structure's metadata, and the band is optimized
//with a climbing image until the parameters' force threshold, logging
//each step to "neb.log". The final band goes to outFile, "neb.traj"
//when empty, even if the optimization fails, so a later run can
//restart from it; on success an energy profile lands next to it as a
//PNG. The returned flowjson images carry the constraints and
//periodicity of the start structure.
func RunNEB(startFile, endFile, outFile string, nImages int, scheme string, restart bool) ([]byte, error) {
	if startFile == "" {
		startFile = traj.DefaultIn
	}
	if endFile == "" {
		endFile = traj.DefaultFinal
	}
	if outFile == "" {
		outFile = DefaultNEBOut
	}
	if nImages <= 0 {
		nImages = neb.DefaultImages
	}
	if scheme == "" {
		scheme = "idpp"
	}
	start, err := traj.Read(startFile)
	if err != nil {
		return nil, errDecorate(err, "RunNEB")
	}
	Q, err := calc.ParamsFromInfo(start.Info)
	if err != nil {
		return nil, errDecorate(err, "RunNEB")
	}
	name := Q.CalculatorName
	Q.CalculatorName = ""
	c, err := buildCalculator(name)
	if err != nil {
		return nil, errDecorate(err, "RunNEB")
	}
	fc, ok := c.(calc.ForceCalculator)
	if !ok {
		return nil, chem.NewError("flow: the "+name+" calculator reports no forces, so it cannot optimize a band", "RunNEB")
	}
	applyPseudos(name, Q)
	band, err := buildBand(start, endFile, outFile, nImages, scheme, restart)
	if err != nil {
		return nil, errDecorate(err, "RunNEB")
	}
	band.Climb = true
	var w io.Writer
	if f, err := os.Create(nebLog); err == nil {
		defer f.Close()
		w = f
	} else {
		log.Printf("flow: can't open %s, the band optimization will not be logged: %v", nebLog, err)
	}
	optErr := band.Optimize(fc, Q, Q.Fmax, Q.MaxSteps, w)
	chem.PatchConstraints(band.Images, start)
	//the band is written out even when the optimization fails, so a
	//restarted run picks up where this one stopped.
	if err := traj.WriteFile(outFile, band.Images); err != nil {
		if optErr == nil {
			return nil, errDecorate(err, "RunNEB")
		}
		log.Printf("flow: can't write the band to %s: %v", outFile, err)
	}
	if optErr != nil {
		return nil, errDecorate(optErr, "RunNEB")
	}
	if err := band.SavePlot(strings.TrimSuffix(outFile, filepath.Ext(outFile)) + ".png"); err != nil {
		log.Printf("flow: can't plot the energy profile: %v", err)
	}
	payload, err := flowjson.EncodeImages(band.Images)
	if err != nil {
		return nil, errDecorate(err, "RunNEB")
	}
	return payload, nil
}

//buildBand builds the starting band for RunNEB: the last nImages
//frames of outFile when restarting over a band at least that long, a
//fresh interpolation between start and the end structure otherwise.
func buildBand(start *chem.Structure, endFile, outFile string, nImages int, scheme string, restart bool) (*neb.Band, error) {
	if restart {
		if images, err := traj.ReadFile(outFile); err == nil && len(images) >= nImages {
			return neb.NewBand(images[len(images)-nImages:], 0)
		}
	}
	end, err := traj.Read(endFile)
	if err != nil {
		return nil, err
	}
	return neb.Interpolate(start, end, nImages, scheme)
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
