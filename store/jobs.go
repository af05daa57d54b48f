package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pullsmith/pullsmith/job"
	"github.com/pullsmith/pullsmith/tenant"
)

// JobStore persists jobs through the scoped client. It implements
// job.Store. Transitions are serialized per job by a row lock plus a
// conditional write on the observed status, so of two concurrent events on
// one job exactly one wins and the loser gets InvalidTransition or a
// conflict, never a silent overwrite.
type JobStore struct {
	db *TenantDB
}

var _ job.Store = (*JobStore)(nil)

// NewJobStore returns a JobStore on the scoped client.
func NewJobStore(db *TenantDB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts the job row under the current tenant.
func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	j.TenantID = scope.TenantID
	if err := j.Validate(); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	return s.db.Insert(ctx, "jobs", Row{
		"id":            j.ID,
		"tenant_id":     j.TenantID,
		"repository_id": j.RepositoryID,
		"status":        string(j.Status),
		"metadata":      j.Metadata,
		"created_at":    j.CreatedAt,
		"updated_at":    j.UpdatedAt,
	})
}

// Get returns the job visible in the caller's scope.
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := s.db.Get(ctx, &j, "jobs", Eq{"id": id}); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("get job %s: %w", id, job.ErrNotFound)
		}
		return nil, err
	}
	return &j, nil
}

// CurrentStatus returns the job's status.
func (s *JobStore) CurrentStatus(ctx context.Context, id string) (job.Status, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return j.Status, nil
}

// Transition applies ev atomically: lock the row, compute the next status
// from the freshest one, write status and patched metadata conditionally on
// the observed status, and append the history record, all in one
// transaction.
func (s *JobStore) Transition(ctx context.Context, id string, ev job.Event, opts ...job.TransitionOption) (*job.Job, error) {
	var settings job.TransitionSettings
	settings.Apply(opts)

	var updated *job.Job
	err := s.db.Tx(ctx, func(tx *TenantTx) error {
		var row job.Job
		if err := tx.Get(ctx, &row, "jobs", Eq{"id": id}, forUpdate()); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("transition job %s: %w", id, job.ErrNotFound)
			}
			return err
		}

		next, err := job.NextStatus(row.Status, ev)
		if err != nil {
			return fmt.Errorf("transition job %s: %w", id, err)
		}

		now := time.Now().UTC()
		md := settings.Patch(row.Metadata)
		n, err := tx.Update(ctx, "jobs",
			Row{"status": string(next), "metadata": md, "updated_at": now},
			Eq{"id": id, "status": string(row.Status)})
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("transition job %s: status changed concurrently", id)
		}

		if err := tx.Insert(ctx, "job_transitions", Row{
			"job_id":      id,
			"from_status": string(row.Status),
			"to_status":   string(next),
			"event":       string(ev),
			"reason":      settings.Reason,
			"created_at":  now,
		}); err != nil {
			return err
		}

		row.Status = next
		row.Metadata = md
		row.UpdatedAt = now
		updated = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// History returns the applied transitions for a job, oldest first.
func (s *JobStore) History(ctx context.Context, id string) ([]job.Transition, error) {
	var transitions []job.Transition
	if err := s.db.Select(ctx, &transitions, "job_transitions", Eq{"job_id": id}, OrderBy("id")); err != nil {
		return nil, err
	}
	return transitions, nil
}

// List returns the tenant's jobs in the given status, oldest first. An
// empty status lists all of the tenant's jobs.
func (s *JobStore) List(ctx context.Context, status job.Status) ([]job.Job, error) {
	cond := Eq{}
	if status != "" {
		cond["status"] = string(status)
	}
	var jobs []job.Job
	if err := s.db.Select(ctx, &jobs, "jobs", cond, OrderBy("created_at")); err != nil {
		return nil, err
	}
	return jobs, nil
}
