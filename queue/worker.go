//Package queue runs catflow workflow jobs from the shared database.
//A worker claims one job at a time, runs the operation the job names
//inside the job's working directory and writes the encoded result, or
//the failure, back to the job row. Workers on different machines can
//share a queue: the claim is a transactional state flip, so a job is
//never picked up twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/catflow/catflow/db"
	"github.com/catflow/catflow/flow"
)

//DefaultPoll is how long an idle worker sleeps between claim attempts.
const DefaultPoll = 10 * time.Second

//Payload is the argument bundle a job carries, mirroring the arguments
//of the flow operation its kind names. Zero fields mean the
//operation's own defaults.
type Payload struct {
	//Workdir is the directory the job runs in. The flow operations
	//and their calculators work on files relative to it, so it should
	//hold the input trajectories the job expects. Empty means a fresh
	//subdirectory under the worker's base directory.
	Workdir string `json:"workdir,omitempty"`
	//Calculator names the program to run, for the kinds that take it
	//as an argument rather than from the structure metadata.
	Calculator string `json:"calculator,omitempty"`
	//InFile is the input trajectory, and for a band the starting
	//endpoint.
	InFile string `json:"in_file,omitempty"`
	//OutFile is the calculation output, and for a band the file the
	//optimized band is written to.
	OutFile string `json:"out_file,omitempty"`
	//EndFile is the final endpoint of a band.
	EndFile string `json:"end_file,omitempty"`
	//NImages, Interpolation and Restart configure a band the way
	//flow.RunNEB takes them.
	NImages       int    `json:"n_images,omitempty"`
	Interpolation string `json:"interpolation,omitempty"`
	Restart       bool   `json:"restart,omitempty"`
}

//Options configure a Worker beyond its database connection.
type Options struct {
	//Name identifies the worker in job rows and logs. Empty means
	//hostname-pid.
	Name string
	//Poll is how long an idle worker sleeps between claim attempts.
	//Zero means DefaultPoll.
	Poll time.Duration
	//Workdir is where jobs without a directory of their own run, one
	//subdirectory each. Empty means the process working directory.
	Workdir string
	//Logger receives one line per finished job. Nil means the
	//standard logger.
	Logger *log.Logger
	//Metrics, when set, is updated as jobs finish.
	Metrics *Metrics
}

//Worker claims jobs from the shared database and runs them, one at a
//time.
type Worker struct {
	db      *db.DB
	name    string
	poll    time.Duration
	workdir string
	logger  *log.Logger
	metrics *Metrics
}

//NewWorker returns a worker that takes its jobs from d.
func NewWorker(d *db.DB, opts Options) *Worker {
	W := &Worker{
		db:      d,
		name:    opts.Name,
		poll:    opts.Poll,
		workdir: opts.Workdir,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if W.name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		W.name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if W.poll <= 0 {
		W.poll = DefaultPoll
	}
	if W.logger == nil {
		W.logger = log.Default()
	}
	return W
}

//Name returns the name the worker claims jobs under.
func (W *Worker) Name() string { return W.name }

//Run claims and executes jobs until ctx is done, sleeping the poll
//interval whenever the queue is empty. Only the claim and the job
//state updates watch ctx: a calculation that has started always runs
//to its end. Run returns ctx.Err() on shutdown and any database error
//it cannot work past.
func (W *Worker) Run(ctx context.Context) error {
	W.logger.Printf("queue: worker %s running, polling every %s", W.name, W.poll)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if n, err := W.db.Depth(ctx); err == nil {
			W.metrics.polled(n)
		}
		err := W.RunOne(ctx)
		switch {
		case errors.Is(err, db.ErrNotFound):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(W.poll):
			}
		case err != nil:
			return err
		}
	}
}

//RunOne claims and executes a single job. It returns db.ErrNotFound
//when the queue holds nothing to run; a job that fails is recorded on
//its row and is not an error of the worker itself.
func (W *Worker) RunOne(ctx context.Context) error {
	job, err := W.db.Claim(ctx, W.name)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return err
		}
		return fmt.Errorf("queue: claim: %w", err)
	}
	W.execute(ctx, job)
	return nil
}

func (W *Worker) execute(ctx context.Context, job *db.Job) {
	start := time.Now()
	result, err := W.runJob(job)
	elapsed := time.Since(start)
	if err != nil {
		W.metrics.finished(job.Kind, db.JobFailed, elapsed)
		W.logger.Printf("queue: job %d (%s) failed after %s: %v", job.ID, job.Kind, elapsed.Round(time.Millisecond), err)
		if ferr := W.db.Fail(ctx, job.ID, err.Error()); ferr != nil {
			W.logger.Printf("queue: can't mark job %d failed: %v", job.ID, ferr)
		}
		return
	}
	W.metrics.finished(job.Kind, db.JobDone, elapsed)
	W.logger.Printf("queue: job %d (%s) done in %s", job.ID, job.Kind, elapsed.Round(time.Millisecond))
	if cerr := W.db.Complete(ctx, job.ID, result); cerr != nil {
		W.logger.Printf("queue: can't mark job %d done: %v", job.ID, cerr)
	}
}

//runJob decodes the job's payload and runs the operation its kind
//names, inside the job's working directory. A panic in the operation
//comes back as an error, so one broken job cannot take the worker
//down with it.
func (W *Worker) runJob(job *db.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: job %d panicked: %v", job.ID, r)
		}
	}()
	var args Payload
	if err := json.Unmarshal(job.Payload, &args); err != nil {
		return nil, fmt.Errorf("queue: job %d payload: %w", job.ID, err)
	}
	dir := args.Workdir
	if dir == "" && W.workdir != "" {
		dir = filepath.Join(W.workdir, fmt.Sprintf("job-%d", job.ID))
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("queue: job %d: %w", job.ID, err)
		}
		prev, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("queue: job %d: %w", job.ID, err)
		}
		if err := os.Chdir(dir); err != nil {
			return nil, fmt.Errorf("queue: job %d: %w", job.ID, err)
		}
		defer os.Chdir(prev)
	}
	switch job.Kind {
	case db.KindEnergy:
		return flow.GetPotentialEnergy(args.Calculator, args.InFile, args.OutFile)
	case db.KindRelax:
		return flow.Relax(nil, args.Calculator, nil)
	case db.KindNEB:
		return flow.RunNEB(args.InFile, args.EndFile, args.OutFile, args.NImages, args.Interpolation, args.Restart)
	}
	return nil, fmt.Errorf("queue: job %d has unknown kind %q", job.ID, job.Kind)
}
