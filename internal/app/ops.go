package app

import (
	"context"
	"fmt"
	"io"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/flow"
	"github.com/catflow/catflow/flowjson"
	"github.com/catflow/catflow/neb"
	"github.com/catflow/catflow/traj"
)

// cmdEnergy runs a calculator on the input structure, in the working
// directory, the way a queued energy job would.
func cmdEnergy(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, conf := flags("energy", stderr)
	name := fs.String("calc", "", "calculator to run (required)")
	in := fs.String("in", traj.DefaultIn, "input trajectory")
	out := fs.String("out", flow.DefaultOutput, "calculation output to read the images back from")
	asJSON := fs.Bool("json", false, "print the images as flowjson instead of a summary")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if *name == "" {
		fmt.Fprintln(stderr, "catflow energy: -calc is required")
		return exitUsage
	}
	if _, err := setup(*conf); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	payload, err := flow.GetPotentialEnergy(*name, *in, *out)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	_, code := report(payload, *asJSON, stdout, stderr)
	return code
}

func cmdRelax(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, conf := flags("relax", stderr)
	name := fs.String("calc", "", "calculator to run (default the one named in the input's metadata)")
	in := fs.String("in", traj.DefaultIn, "input trajectory")
	asJSON := fs.Bool("json", false, "print the images as flowjson instead of a summary")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if _, err := setup(*conf); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	s, err := traj.Read(*in)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	payload, err := flow.Relax(s, *name, nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	images, code := report(payload, *asJSON, stdout, stderr)
	if code == exitOK && !*asJSON {
		tag := images[len(images)-1].PrototypeTag(1e-2)
		fmt.Fprintf(stdout, "stored as %s\n", tag)
	}
	return code
}

func cmdNEB(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, conf := flags("neb", stderr)
	start := fs.String("start", traj.DefaultIn, "trajectory holding the starting endpoint")
	end := fs.String("end", traj.DefaultFinal, "trajectory holding the final endpoint")
	out := fs.String("out", flow.DefaultNEBOut, "file the optimized band is written to")
	n := fs.Int("n", neb.DefaultImages, "number of band images, endpoints included")
	interp := fs.String("interpolation", "idpp", "interpolation scheme: idpp or linear")
	restart := fs.Bool("restart", false, "resume the band written by an earlier run")
	asJSON := fs.Bool("json", false, "print the images as flowjson instead of a summary")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	if _, err := setup(*conf); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	payload, err := flow.RunNEB(*start, *end, *out, *n, *interp, *restart)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	images, code := report(payload, *asJSON, stdout, stderr)
	if code == exitOK && !*asJSON {
		fmt.Fprintf(stdout, "barrier: %.6f eV\n", barrier(images))
	}
	return code
}

// report prints the images of a finished operation: one line per image
// with its energy, or the raw flowjson payload. It returns the decoded
// images for any extra summary the command wants to add.
func report(payload []byte, asJSON bool, stdout, stderr io.Writer) ([]*chem.Structure, int) {
	if asJSON {
		stdout.Write(payload)
		io.WriteString(stdout, "\n")
		return nil, exitOK
	}
	images, err := flowjson.DecodeImages(payload)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, exitError
	}
	for i, img := range images {
		if img.HasEnergy() {
			e, _ := img.Energy()
			fmt.Fprintf(stdout, "image %3d  %14.8f eV\n", i, e)
		} else {
			fmt.Fprintf(stdout, "image %3d  %14s\n", i, "-")
		}
	}
	return images, exitOK
}

// barrier is the highest image energy over the first one.
func barrier(images []*chem.Structure) float64 {
	var first, top float64
	for i, img := range images {
		if !img.HasEnergy() {
			continue
		}
		e, _ := img.Energy()
		if i == 0 {
			first, top = e, e
		}
		if e > top {
			top = e
		}
	}
	return top - first
}
