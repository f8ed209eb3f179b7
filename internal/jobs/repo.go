package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/venue-scheduler/internal/db"
)

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const jobCols = `id,kind,name,spec,state,status,pid,log_path,last_error,created_at,started_at,stopped_at`

func (r *Repo) Create(ctx context.Context, spec Spec) (Job, error) {
	if err := spec.Validate(); err != nil {
		return Job{}, err
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return Job{}, err
	}
	stateJSON, _ := json.Marshal(State{})

	j := Job{
		ID:     uuid.NewString(),
		Kind:   spec.Kind,
		Name:   spec.Name,
		Spec:   spec,
		Status: StatusPending,
	}
	err = r.db.QueryRow(ctx, `
INSERT INTO background_jobs(id,kind,name,spec,state,status)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING created_at`,
		j.ID, j.Kind, j.Name, specJSON, stateJSON, j.Status,
	).Scan(&j.CreatedAt)
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

func (r *Repo) Get(ctx context.Context, id string) (Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobCols+` FROM background_jobs WHERE id=$1`, id)
	return scanJob(row)
}

func (r *Repo) List(ctx context.Context) ([]Job, error) {
	rows, err := r.db.Query(ctx, `SELECT `+jobCols+` FROM background_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *Repo) ListByStatus(ctx context.Context, statuses ...Status) ([]Job, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+jobCols+` FROM background_jobs WHERE status = ANY($1) ORDER BY created_at`,
		statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *Repo) SetStatus(ctx context.Context, id string, status Status) error {
	var stopped any
	if status.Terminal() {
		stopped = time.Now()
	}
	tag, err := r.db.Exec(ctx, `
UPDATE background_jobs SET status=$2, stopped_at=COALESCE($3,stopped_at) WHERE id=$1`,
		id, status, stopped)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// SetRunning records the child process that now owns the job.
func (r *Repo) SetRunning(ctx context.Context, id string, pid int, logPath string) error {
	tag, err := r.db.Exec(ctx, `
UPDATE background_jobs
SET status=$2, pid=$3, log_path=$4, started_at=now(), stopped_at=NULL, last_error=''
WHERE id=$1`,
		id, StatusRunning, pid, logPath)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *Repo) SetError(ctx context.Context, id string, msg string) error {
	_, err := r.db.Exec(ctx, `UPDATE background_jobs SET last_error=$2 WHERE id=$1`, id, msg)
	return err
}

// SaveState overwrites the job's runtime snapshot. Callers persist after every
// state mutation so a crashed process loses at most the in-flight check.
func (r *Repo) SaveState(ctx context.Context, id string, st State) error {
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE background_jobs SET state=$2 WHERE id=$1`, id, stateJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM background_jobs WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// MarkAttempt appends one submission record to the job's audit trail.
func (r *Repo) MarkAttempt(ctx context.Context, a Attempt) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO job_attempts(job_id,account,slot_date,slot_window,outcome,order_id,message)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.JobID, a.Account, a.SlotDate, a.SlotWindow, a.Outcome, a.OrderID, a.Message)
	return err
}

func (r *Repo) ListAttempts(ctx context.Context, jobID string) ([]Attempt, error) {
	rows, err := r.db.Query(ctx, `
SELECT job_id,account,slot_date,slot_window,outcome,order_id,message
FROM job_attempts WHERE job_id=$1 ORDER BY attempted_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.JobID, &a.Account, &a.SlotDate, &a.SlotWindow, &a.Outcome, &a.OrderID, &a.Message); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanJob(row db.Row) (Job, error) {
	var j Job
	var specJSON, stateJSON []byte
	var pid *int
	var logPath, lastErr *string
	var started, stopped *time.Time
	err := row.Scan(&j.ID, &j.Kind, &j.Name, &specJSON, &stateJSON, &j.Status,
		&pid, &logPath, &lastErr, &j.CreatedAt, &started, &stopped)
	if err != nil {
		return Job{}, db.WrapNotFound(err)
	}
	if err := json.Unmarshal(specJSON, &j.Spec); err != nil {
		return Job{}, fmt.Errorf("decode spec for job %s: %w", j.ID, err)
	}
	if err := json.Unmarshal(stateJSON, &j.State); err != nil {
		return Job{}, fmt.Errorf("decode state for job %s: %w", j.ID, err)
	}
	if pid != nil {
		j.PID = *pid
	}
	if logPath != nil {
		j.LogPath = *logPath
	}
	if lastErr != nil {
		j.LastError = *lastErr
	}
	j.StartedAt = started
	j.StoppedAt = stopped
	return j, nil
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
