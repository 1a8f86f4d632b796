package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	chem "github.com/catflow/catflow"
	"github.com/catflow/catflow/db"
	"github.com/catflow/catflow/flow"
	"github.com/catflow/catflow/flowjson"
	"github.com/catflow/catflow/traj"
	"github.com/catflow/catflow/vec"
	"github.com/prometheus/client_golang/prometheus"
)

//The jobs below all run the lj calculator, so no external programs are
//needed. Workers change into the job directory before running, so the
//shared database has to sit at an absolute path.

//testQueue opens a job database in a fresh directory and points the
//workflow operations at the same file, so relaxation results land next
//to the jobs.
func testQueue(t *testing.T) *db.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "catflow.db")
	d, err := db.Connect(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	old := flow.DatabaseDSN
	flow.DatabaseDSN = dsn
	t.Cleanup(func() { flow.DatabaseDSN = old })
	return d
}

func quiet() *log.Logger {
	return log.New(io.Discard, "", 0)
}

//write stores the structures as a trajectory under dir.
func write(t *testing.T, dir, name string, images ...*chem.Structure) {
	t.Helper()
	if err := traj.WriteFile(filepath.Join(dir, name), images); err != nil {
		t.Fatal(err)
	}
}

//argons lines up argon atoms along x, the listed ones fixed.
func argons(t *testing.T, params map[string]interface{}, fixed []int, xs ...float64) *chem.Structure {
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
	return s
}

//metricValue digs one sample out of the registry: counter or gauge
//value, or the observation count for a histogram.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	fams, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range fams {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			pairs := m.GetLabel()
			if len(pairs) != len(labels) {
				continue
			}
			for _, lp := range pairs {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				return float64(h.GetSampleCount())
			}
		}
	}
	return 0
}

func TestNewWorkerDefaults(t *testing.T) {
	w := NewWorker(nil, Options{})
	if w.Name() == "" || !strings.Contains(w.Name(), "-") {
		t.Errorf("default worker name %q, want hostname-pid", w.Name())
	}
	if w.poll != DefaultPoll {
		t.Errorf("default poll %s, want %s", w.poll, DefaultPoll)
	}
	if w.logger == nil {
		t.Error("the default logger is unset")
	}
}

func TestWorkerRunOne(t *testing.T) {
	d := testQueue(t)
	ctx := context.Background()
	work := t.TempDir()
	write(t, work, traj.DefaultIn, argons(t, nil, []int{0}, 0, 3.9))
	id, err := d.Enqueue(ctx, db.KindEnergy, Payload{Workdir: work, Calculator: "lj"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWorker(d, Options{Name: "test-1", Logger: quiet()})
	if err := w.RunOne(ctx); err != nil {
		t.Fatal(err)
	}
	job, err := d.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != db.JobDone {
		t.Fatalf("job state %q (%s), want done", job.State, job.Error)
	}
	if job.Worker != "test-1" {
		t.Errorf("job claimed by %q, want test-1", job.Worker)
	}
	images, err := flowjson.DecodeImages(job.Result)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 1 || !images[0].HasEnergy() {
		t.Error("the stored result should be the evaluated frame")
	}
	if err := w.RunOne(ctx); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("empty queue: %v, want ErrNotFound", err)
	}
}

//TestWorkerJobDir checks that a job without a directory of its own
//runs in a job-<id> subdirectory of the worker's base directory, and
//that the worker comes back to where it started.
func TestWorkerJobDir(t *testing.T) {
	d := testQueue(t)
	ctx := context.Background()
	base := t.TempDir()
	id, err := d.Enqueue(ctx, db.KindRelax, Payload{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	//the input exists only inside the job's own directory, so the
	//job can only succeed by running there
	jobdir := filepath.Join(base, fmt.Sprintf("job-%d", id))
	if err := os.MkdirAll(jobdir, 0755); err != nil {
		t.Fatal(err)
	}
	write(t, jobdir, traj.DefaultIn, argons(t, map[string]interface{}{
		"calculator_name": "lj",
		"calculation":     "relax",
		"fmax":            0.001,
		"maxsteps":        500,
	}, []int{0}, 0, 3.0))
	before, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	w := NewWorker(d, Options{Workdir: base, Logger: quiet()})
	if err := w.RunOne(ctx); err != nil {
		t.Fatal(err)
	}
	after, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Errorf("the worker moved from %s to %s", before, after)
	}
	job, err := d.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != db.JobDone {
		t.Fatalf("job state %q (%s), want done", job.State, job.Error)
	}
	images, err := flowjson.DecodeImages(job.Result)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) < 2 {
		t.Errorf("relaxing a strained dimer should take several steps, got %d frames", len(images))
	}
	//the relaxation went through the shared database even though the
	//job ran elsewhere
	systems, err := d.ListSystems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(systems) != 1 {
		t.Errorf("%d stored systems, want 1", len(systems))
	}
}

func TestWorkerNEBJob(t *testing.T) {
	d := testQueue(t)
	ctx := context.Background()
	work := t.TempDir()
	params := map[string]interface{}{
		"calculator_name": "lj",
		"fmax":            0.002,
		"maxsteps":        1000,
	}
	write(t, work, traj.DefaultIn, argons(t, params, []int{0, 2}, 0, 3.8163, 9.5))
	write(t, work, traj.DefaultFinal, argons(t, params, []int{0, 2}, 0, 5.6837, 9.5))
	id, err := d.Enqueue(ctx, db.KindNEB, Payload{Workdir: work, NImages: 5, Interpolation: "linear"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWorker(d, Options{Logger: quiet()})
	if err := w.RunOne(ctx); err != nil {
		t.Fatal(err)
	}
	job, err := d.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != db.JobDone {
		t.Fatalf("job state %q (%s), want done", job.State, job.Error)
	}
	images, err := flowjson.DecodeImages(job.Result)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 5 {
		t.Errorf("%d band images, want 5", len(images))
	}
	//the band files stayed in the job's directory
	saved, err := traj.ReadFile(filepath.Join(work, flow.DefaultNEBOut))
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 5 {
		t.Errorf("the saved band has %d frames, want 5", len(saved))
	}
	if _, err := os.Stat(filepath.Join(work, "neb.png")); err != nil {
		t.Error("no energy profile was plotted in the job directory")
	}
}

func TestWorkerFailures(t *testing.T) {
	d := testQueue(t)
	ctx := context.Background()
	empty := t.TempDir()
	relax, err := d.Enqueue(ctx, db.KindRelax, Payload{Workdir: empty}, 0)
	if err != nil {
		t.Fatal(err)
	}
	bake, err := d.Enqueue(ctx, "bake", Payload{Workdir: empty}, 0)
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	w := NewWorker(d, Options{Logger: quiet(), Metrics: NewMetrics(reg)})
	for i := 0; i < 2; i++ {
		//a failed job is recorded on its row, not returned
		if err := w.RunOne(ctx); err != nil {
			t.Fatal(err)
		}
	}
	job, err := d.GetJob(ctx, relax)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != db.JobFailed {
		t.Fatalf("job state %q, want failed", job.State)
	}
	if !strings.Contains(job.Error, traj.DefaultIn) {
		t.Errorf("job error %q should name the missing input", job.Error)
	}
	if len(job.Result) != 0 {
		t.Errorf("a failed job stored a result: %s", job.Result)
	}
	job, err = d.GetJob(ctx, bake)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != db.JobFailed || !strings.Contains(job.Error, "unknown kind") {
		t.Errorf("unknown kind: state %q, error %q", job.State, job.Error)
	}
	for _, kind := range []string{db.KindRelax, "bake"} {
		got := metricValue(t, reg, "catflow_queue_jobs_total", map[string]string{"kind": kind, "state": db.JobFailed})
		if got != 1 {
			t.Errorf("jobs_total{%s,failed} = %v, want 1", kind, got)
		}
	}
}

func TestWorkerRun(t *testing.T) {
	d := testQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	work := t.TempDir()
	write(t, work, traj.DefaultIn, argons(t, nil, []int{0}, 0, 3.9))
	id, err := d.Enqueue(ctx, db.KindEnergy, Payload{Workdir: work, Calculator: "lj"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	w := NewWorker(d, Options{Poll: time.Millisecond, Logger: quiet(), Metrics: NewMetrics(reg)})
	ret := make(chan error, 1)
	go func() { ret <- w.Run(ctx) }()
	//wait for the job to finish and for the next poll to see the
	//empty queue
	deadline := time.Now().Add(10 * time.Second)
	for {
		job, err := d.GetJob(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if job.State == db.JobFailed {
			t.Fatalf("job failed: %s", job.Error)
		}
		if job.State == db.JobDone && metricValue(t, reg, "catflow_queue_depth", nil) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("the worker never drained the queue")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-ret:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("the worker did not stop on cancel")
	}
	if got := metricValue(t, reg, "catflow_queue_jobs_total", map[string]string{"kind": db.KindEnergy, "state": db.JobDone}); got != 1 {
		t.Errorf("jobs_total{energy,done} = %v, want 1", got)
	}
	if got := metricValue(t, reg, "catflow_queue_job_seconds", map[string]string{"kind": db.KindEnergy}); got != 1 {
		t.Errorf("job_seconds{energy} observations = %v, want 1", got)
	}
}
