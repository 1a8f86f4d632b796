package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestQueueLifecycle(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	low, err := d.Enqueue(ctx, KindRelax, map[string]string{"in_file": "input.traj"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	high, err := d.Enqueue(ctx, KindNEB, map[string]string{"start": "input.traj", "end": "final.traj"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	depth, err := d.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 2 {
		t.Fatalf("depth %d, want 2", depth)
	}

	// the high priority job goes first
	j, err := d.Claim(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.ID != high {
		t.Errorf("claimed job %d, want %d", j.ID, high)
	}
	if j.Kind != KindNEB || j.State != JobRunning || j.Attempts != 1 || j.Worker != "worker-1" {
		t.Errorf("claimed job fields off: %+v", j)
	}
	var args map[string]string
	if err := json.Unmarshal(j.Payload, &args); err != nil {
		t.Fatal(err)
	}
	if args["end"] != "final.traj" {
		t.Errorf("payload %v, want end=final.traj", args)
	}
	if err := d.Complete(ctx, j.ID, []byte(`[{"symbols":[]}]`)); err != nil {
		t.Fatal(err)
	}
	done, err := d.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.State != JobDone || done.Result == nil {
		t.Errorf("completed job fields off: %+v", done)
	}

	j, err = d.Claim(ctx, "worker-2")
	if err != nil {
		t.Fatal(err)
	}
	if j.ID != low {
		t.Errorf("claimed job %d, want %d", j.ID, low)
	}
	if err := d.Fail(ctx, j.ID, "pw.x exited with status 1"); err != nil {
		t.Fatal(err)
	}
	failed, err := d.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if failed.State != JobFailed || failed.Error != "pw.x exited with status 1" {
		t.Errorf("failed job fields off: %+v", failed)
	}

	depth, err = d.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("depth %d, want 0", depth)
	}
	if _, err := d.Claim(ctx, "worker-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("claim on an empty queue: %v, want ErrNotFound", err)
	}
}

func TestListJobs(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	if _, err := d.Enqueue(ctx, KindEnergy, nil, 0); err != nil {
		t.Fatal(err)
	}
	id, err := d.Enqueue(ctx, KindRelax, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	all, err := d.ListJobs(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("%d jobs, want 2", len(all))
	}
	if all[0].ID != id {
		t.Errorf("newest job first: got %d, want %d", all[0].ID, id)
	}
	queued, err := d.ListJobs(ctx, JobQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Errorf("%d queued jobs, want 2", len(queued))
	}
	if _, err := d.Claim(ctx, "w"); err != nil {
		t.Fatal(err)
	}
	queued, err = d.ListJobs(ctx, JobQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 {
		t.Errorf("%d queued jobs after a claim, want 1", len(queued))
	}
}

func TestFinishMissingJob(t *testing.T) {
	d := openTestDB(t)
	if err := d.Complete(context.Background(), 12345, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("complete on a missing job: %v, want ErrNotFound", err)
	}
	if err := d.Fail(context.Background(), 12345, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("fail on a missing job: %v, want ErrNotFound", err)
	}
}
