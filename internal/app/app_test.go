package app

import (
	"bytes"
	"os"
	"strings"
	"testing"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/config"
	"github.com/catflow/catflow/flowjson"
	"github.com/catflow/catflow/traj"
	"github.com/catflow/catflow/vec"
)

// run executes one command and returns its exit code and outputs.
func run(args ...string) (int, string, string) {
	var out, errb bytes.Buffer
	code := Run(args, &out, &errb)
	return code, out.String(), errb.String()
}

// setupDir moves the test into a fresh directory and shields it from
// any configuration of the machine running the tests.
func setupDir(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv(config.EnvConfig, "")
}

// writeArgons writes a trajectory of argon atoms lined up along x into
// the working directory, the listed ones fixed.
func writeArgons(t *testing.T, name string, params map[string]interface{}, fixed []int, xs ...float64) {
	t.Helper()
	ats := make([]*chem.Atom, len(xs))
	flat := make([]float64, 0, 3*len(xs))
	for i, x := range xs {
		ats[i] = &chem.Atom{Symbol: "Ar"}
		flat = append(flat, x, 0, 0)
	}
	coords, err := vec.NewMatrix(flat)
	if err != nil {
		t.Fatal(err)
	}
	s, err := chem.MakeStructure(ats, coords)
	if err != nil {
		t.Fatal(err)
	}
	s.SetFixed(fixed)
	if params != nil {
		s.Info = map[string]interface{}{"calculator_parameters": params}
	}
	if err := traj.WriteFile(name, []*chem.Structure{s}); err != nil {
		t.Fatal(err)
	}
}

func TestUsageAndVersion(t *testing.T) {
	code, out, _ := run()
	if code != exitOK || !strings.Contains(out, "Usage") {
		t.Errorf("bare invocation: exit %d, output %q", code, out)
	}
	code, out, _ = run("version")
	if code != exitOK || !strings.Contains(out, "catflow version") {
		t.Errorf("version: exit %d, output %q", code, out)
	}
	code, _, errb := run("transmogrify")
	if code != exitUsage || !strings.Contains(errb, "unknown command") {
		t.Errorf("unknown command: exit %d, stderr %q", code, errb)
	}
}

func TestUsageErrors(t *testing.T) {
	setupDir(t)
	cases := [][]string{
		{"energy"},                         // -calc is required
		{"energy", "-bogus"},               // unknown flag
		{"queue"},                          // subcommand required
		{"queue", "add", "-kind", "bake"},  // unknown kind
		{"queue", "ls", "-state", "maybe"}, // unknown state
		{"db"},                             // subcommand required
		{"db", "rm"},                       // unknown subcommand
	}
	for _, argv := range cases {
		if code, _, _ := run(argv...); code != exitUsage {
			t.Errorf("%v: exit %d, want %d", argv, code, exitUsage)
		}
	}
}

func TestEnergyCommand(t *testing.T) {
	setupDir(t)
	writeArgons(t, traj.DefaultIn, nil, []int{0}, 0, 3.9)
	code, out, errb := run("energy", "-calc", "lj")
	if code != exitOK {
		t.Fatalf("exit %d, stderr %s", code, errb)
	}
	if !strings.Contains(out, "image   0") || !strings.Contains(out, "-0.0101") {
		t.Errorf("summary output off:\n%s", out)
	}
	code, out, errb = run("energy", "-calc", "lj", "-json")
	if code != exitOK {
		t.Fatalf("json run: exit %d, stderr %s", code, errb)
	}
	images, err := flowjson.DecodeImages([]byte(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 1 || !images[0].HasEnergy() {
		t.Errorf("json output should decode to the evaluated frame, got %d images", len(images))
	}
	if code, _, _ := run("energy", "-calc", "mopac"); code != exitError {
		t.Errorf("unregistered calculator: exit %d, want %d", code, exitError)
	}
}

func TestRelaxThenDBLs(t *testing.T) {
	setupDir(t)
	writeArgons(t, traj.DefaultIn, map[string]interface{}{
		"calculator_name": "lj",
		"calculation":     "relax",
		"fmax":            0.001,
		"maxsteps":        500,
	}, []int{0}, 0, 3.0)
	code, out, errb := run("relax")
	if code != exitOK {
		t.Fatalf("exit %d, stderr %s", code, errb)
	}
	if !strings.Contains(out, "stored as ") {
		t.Errorf("relax should report the stored tag:\n%s", out)
	}
	code, out, errb = run("db", "ls")
	if code != exitOK {
		t.Fatalf("db ls: exit %d, stderr %s", code, errb)
	}
	if !strings.Contains(out, "Ar2") {
		t.Errorf("db ls should list the relaxed dimer:\n%s", out)
	}
}

func TestNEBCommand(t *testing.T) {
	setupDir(t)
	params := map[string]interface{}{
		"calculator_name": "lj",
		"fmax":            0.002,
		"maxsteps":        1000,
	}
	writeArgons(t, traj.DefaultIn, params, []int{0, 2}, 0, 3.8163, 9.5)
	writeArgons(t, traj.DefaultFinal, params, []int{0, 2}, 0, 5.6837, 9.5)
	code, out, errb := run("neb", "-n", "5", "-interpolation", "linear")
	if code != exitOK {
		t.Fatalf("exit %d, stderr %s", code, errb)
	}
	if !strings.Contains(out, "barrier: 0.002") {
		t.Errorf("band summary off:\n%s", out)
	}
	if _, err := os.Stat("neb.traj"); err != nil {
		t.Error("the optimized band was not written")
	}
}

func TestQueueRoundTrip(t *testing.T) {
	setupDir(t)
	writeArgons(t, traj.DefaultIn, map[string]interface{}{
		"calculator_name": "lj",
		"calculation":     "relax",
		"fmax":            0.001,
		"maxsteps":        500,
	}, []int{0}, 0, 3.0)

	code, out, errb := run("queue", "add", "-kind", "relax")
	if code != exitOK {
		t.Fatalf("queue add: exit %d, stderr %s", code, errb)
	}
	if !strings.Contains(out, "queued job 1 (relax)") {
		t.Errorf("queue add output off: %q", out)
	}
	code, out, _ = run("queue", "ls")
	if code != exitOK || !strings.Contains(out, "queued") {
		t.Errorf("queue ls: exit %d\n%s", code, out)
	}
	code, out, _ = run("queue", "ls", "-state", "done")
	if code != exitOK || !strings.Contains(out, "no jobs") {
		t.Errorf("queue ls -state done before launch: exit %d\n%s", code, out)
	}

	code, _, errb = run("launch", "-once")
	if code != exitOK {
		t.Fatalf("launch -once: exit %d, stderr %s", code, errb)
	}
	code, out, _ = run("queue", "ls", "-state", "done")
	if code != exitOK || !strings.Contains(out, "relax") {
		t.Errorf("the job did not finish: exit %d\n%s", code, out)
	}
	code, out, _ = run("db", "ls")
	if code != exitOK || !strings.Contains(out, "Ar2") {
		t.Errorf("the relaxation did not reach the database: exit %d\n%s", code, out)
	}

	code, out, errb = run("launch", "-once")
	if code != exitOK || !strings.Contains(out, "empty") {
		t.Errorf("launch -once on an empty queue: exit %d, %q, stderr %s", code, out, errb)
	}
}

func TestBadConfig(t *testing.T) {
	setupDir(t)
	if err := os.WriteFile("bad.yaml", []byte("worker:\n  poll_interval: soon\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if code, _, _ := run("db", "ls", "-config", "bad.yaml"); code != exitError {
		t.Errorf("bad configuration: exit %d, want %d", code, exitError)
	}
}
