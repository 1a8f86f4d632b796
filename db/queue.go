package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Job states. A job moves queued -> running -> done or failed; there
// are no retries, a failed job stays failed with its error recorded.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job kinds understood by the workers.
const (
	KindEnergy = "energy"
	KindRelax  = "relax"
	KindNEB    = "neb"
)

// Job is one queued workflow operation. Payload holds the operation
// arguments as JSON; Result, once done, the flowjson trajectory the
// operation returned.
type Job struct {
	ID       int64
	Kind     string
	Payload  json.RawMessage
	State    string
	Priority int
	Attempts int
	Worker   string
	Error    string
	Result   json.RawMessage
}

// Enqueue adds a job to the queue and returns its id. payload is
// marshaled to JSON; higher priority jobs are claimed first.
func (d *DB) Enqueue(ctx context.Context, kind string, payload interface{}, priority int) (int64, error) {
	if err := d.open(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("db: marshal payload: %w", err)
	}
	now := timestamp()
	res, err := d.conn.ExecContext(ctx,
		`INSERT INTO jobs (kind, payload, state, priority, attempts, worker, error, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, '', '', '', ?, ?)`,
		kind, string(data), JobQueued, priority, now, now)
	if err != nil {
		return 0, fmt.Errorf("db: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("db: enqueue: %w", err)
	}
	return id, nil
}

// Claim atomically takes the next queued job for the named worker and
// marks it running. Jobs are handed out by descending priority, ties
// by insertion order. Returns ErrNotFound when the queue is empty.
func (d *DB) Claim(ctx context.Context, worker string) (*Job, error) {
	if err := d.open(); err != nil {
		return nil, err
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	query := "SELECT id FROM jobs WHERE state = ? ORDER BY priority DESC, id ASC LIMIT 1"
	if d.driver == driverMySQL {
		query += " FOR UPDATE"
	}
	var id int64
	err = tx.QueryRowContext(ctx, query, JobQueued).Scan(&id)
	if err == sql.ErrNoRows {
		err = nil
		tx.Rollback()
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db: claim: %w", err)
	}
	var res sql.Result
	res, err = tx.ExecContext(ctx,
		"UPDATE jobs SET state = ?, worker = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND state = ?",
		JobRunning, worker, timestamp(), id, JobQueued)
	if err != nil {
		return nil, fmt.Errorf("db: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("db: claim: %w", err)
	}
	if n == 0 {
		// raced by another worker between select and update
		tx.Rollback()
		return nil, ErrNotFound
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("db: claim: %w", err)
	}
	return d.GetJob(ctx, id)
}

// GetJob retrieves one job by id. Returns ErrNotFound if it does not
// exist.
func (d *DB) GetJob(ctx context.Context, id int64) (*Job, error) {
	if err := d.open(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx,
		"SELECT id, kind, payload, state, priority, attempts, worker, error, result FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db: get job %d: %w", id, err)
	}
	return j, nil
}

// ListJobs returns jobs in the given state, newest first. An empty
// state returns every job.
func (d *DB) ListJobs(ctx context.Context, state string) ([]*Job, error) {
	if err := d.open(); err != nil {
		return nil, err
	}
	query := "SELECT id, kind, payload, state, priority, attempts, worker, error, result FROM jobs"
	args := []interface{}{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, state)
	}
	query += " ORDER BY id DESC"
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db: list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("db: list jobs: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: list jobs: %w", err)
	}
	return jobs, nil
}

// Complete marks a running job done and stores the result payload.
func (d *DB) Complete(ctx context.Context, id int64, result []byte) error {
	return d.finish(ctx, id, JobDone, "", result)
}

// Fail marks a running job failed and records the error message.
func (d *DB) Fail(ctx context.Context, id int64, msg string) error {
	return d.finish(ctx, id, JobFailed, msg, nil)
}

func (d *DB) finish(ctx context.Context, id int64, state, msg string, result []byte) error {
	if err := d.open(); err != nil {
		return err
	}
	res, err := d.conn.ExecContext(ctx,
		"UPDATE jobs SET state = ?, error = ?, result = ?, updated_at = ? WHERE id = ?",
		state, msg, string(result), timestamp(), id)
	if err != nil {
		return fmt.Errorf("db: finish job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db: finish job %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Depth returns the number of queued jobs.
func (d *DB) Depth(ctx context.Context) (int, error) {
	if err := d.open(); err != nil {
		return 0, err
	}
	var n int
	err := d.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE state = ?", JobQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db: depth: %w", err)
	}
	return n, nil
}

func scanJob(row scanner) (*Job, error) {
	var (
		j       Job
		payload string
		result  string
	)
	err := row.Scan(&j.ID, &j.Kind, &payload, &j.State, &j.Priority, &j.Attempts, &j.Worker, &j.Error, &result)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	if result != "" {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}
