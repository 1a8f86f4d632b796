package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/catflow/catflow/db"
	"github.com/catflow/catflow/queue"
	"github.com/prometheus/client_golang/prometheus"
)

func cmdQueue(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "catflow queue: add or ls is required")
		return exitUsage
	}
	switch args[0] {
	case "add":
		return cmdQueueAdd(ctx, args[1:], stdout, stderr)
	case "ls":
		return cmdQueueLs(ctx, args[1:], stdout, stderr)
	}
	fmt.Fprintf(stderr, "catflow queue: unknown subcommand %q\n", args[0])
	return exitUsage
}

func cmdQueueAdd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, conf := flags("queue add", stderr)
	kind := fs.String("kind", "", "job kind: energy, relax or neb (required)")
	workdir := fs.String("workdir", "", "directory the job runs in (default the current one)")
	name := fs.String("calc", "", "calculator to run, for kinds that take one")
	in := fs.String("in", "", "input trajectory")
	out := fs.String("out", "", "output file")
	end := fs.String("end", "", "trajectory holding the final endpoint of a band")
	n := fs.Int("n", 0, "number of band images")
	interp := fs.String("interpolation", "", "band interpolation scheme")
	restart := fs.Bool("restart", false, "resume the band written by an earlier run")
	priority := fs.Int("priority", 0, "jobs with higher priority run first")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	switch *kind {
	case db.KindEnergy, db.KindRelax, db.KindNEB:
	default:
		fmt.Fprintf(stderr, "catflow queue add: -kind must be %s, %s or %s\n",
			db.KindEnergy, db.KindRelax, db.KindNEB)
		return exitUsage
	}
	cfg, err := setup(*conf)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	// jobs run wherever the worker lives, so the directory with the
	// input files has to travel as an absolute path
	dir := *workdir
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitError
		}
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	d, err := db.Connect(cfg.Database)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer d.Close()
	id, err := d.Enqueue(ctx, *kind, queue.Payload{
		Workdir:       dir,
		Calculator:    *name,
		InFile:        *in,
		OutFile:       *out,
		EndFile:       *end,
		NImages:       *n,
		Interpolation: *interp,
		Restart:       *restart,
	}, *priority)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	fmt.Fprintf(stdout, "queued job %d (%s) in %s\n", id, *kind, dir)
	return exitOK
}

func cmdQueueLs(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, conf := flags("queue ls", stderr)
	state := fs.String("state", "", "only jobs in this state: queued, running, done or failed")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	switch *state {
	case "", db.JobQueued, db.JobRunning, db.JobDone, db.JobFailed:
	default:
		fmt.Fprintf(stderr, "catflow queue ls: unknown state %q\n", *state)
		return exitUsage
	}
	cfg, err := setup(*conf)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	d, err := db.Connect(cfg.Database)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer d.Close()
	jobs, err := d.ListJobs(ctx, *state)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if len(jobs) == 0 {
		fmt.Fprintln(stdout, "no jobs")
		return exitOK
	}
	fmt.Fprintf(stdout, "%6s  %-6s  %-8s  %8s  %-16s  %s\n",
		"ID", "KIND", "STATE", "PRIORITY", "WORKER", "ERROR")
	for _, j := range jobs {
		msg := j.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		fmt.Fprintf(stdout, "%6d  %-6s  %-8s  %8d  %-16s  %s\n",
			j.ID, j.Kind, j.State, j.Priority, j.Worker, msg)
	}
	return exitOK
}

// cmdLaunch starts a worker on the shared queue. It runs until
// interrupted, or with -once runs at most one job and exits, which is
// what batch schedulers want.
func cmdLaunch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, conf := flags("launch", stderr)
	once := fs.Bool("once", false, "run a single job and exit")
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cfg, err := setup(*conf)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	logger, closeLog, err := openLogger(cfg.LogFile, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer closeLog()
	d, err := db.Connect(cfg.Database)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer d.Close()
	var m *queue.Metrics
	if cfg.Worker.Metrics != "" {
		m = queue.NewMetrics(prometheus.NewRegistry())
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := &http.Server{Addr: cfg.Worker.Metrics, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
		logger.Printf("serving metrics on %s/metrics", cfg.Worker.Metrics)
	}
	w := queue.NewWorker(d, queue.Options{
		Name:    cfg.Worker.Name,
		Poll:    cfg.Worker.Poll(),
		Workdir: cfg.Worker.WorkDir,
		Logger:  logger,
		Metrics: m,
	})
	if *once {
		err := w.RunOne(ctx)
		if errors.Is(err, db.ErrNotFound) {
			fmt.Fprintln(stdout, "the queue is empty")
			return exitOK
		}
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitError
		}
		return exitOK
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	return exitOK
}
