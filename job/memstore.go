package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pullsmith/pullsmith/tenant"
)

// MemoryStore is an in-process Store used by tests and local development.
// It enforces the same discipline as the SQL plane: every call requires a
// tenant scope, rows are only visible to their owner, and transitions are
// serialized under one lock.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	history map[string][]Transition
	seq     int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		history: make(map[string][]Transition),
	}
}

// Create persists the job under the caller's tenant, overwriting any tenant
// id the caller set on the row.
func (s *MemoryStore) Create(ctx context.Context, j *Job) error {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	row := *j
	row.TenantID = scope.TenantID
	if err := row.Validate(); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[row.ID]; ok {
		return fmt.Errorf("create job: job %s already exists", row.ID)
	}
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now
	s.jobs[row.ID] = &row
	return nil
}

// Get returns the job if it is visible in the caller's tenant scope. Jobs
// owned by other tenants return ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible(scope.TenantID, id)
}

// CurrentStatus returns the status of a job visible in the caller's scope.
func (s *MemoryStore) CurrentStatus(ctx context.Context, id string) (Status, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return j.Status, nil
}

// Transition applies ev against the freshest status under the store lock.
func (s *MemoryStore) Transition(ctx context.Context, id string, ev Event, opts ...TransitionOption) (*Job, error) {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("transition job %s: %w", id, err)
	}

	var settings TransitionSettings
	settings.Apply(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[id]
	if !ok || row.TenantID != scope.TenantID {
		return nil, fmt.Errorf("transition job %s: %w", id, ErrNotFound)
	}

	next, err := NextStatus(row.Status, ev)
	if err != nil {
		return nil, fmt.Errorf("transition job %s: %w", id, err)
	}

	from := row.Status
	row.Status = next
	row.Metadata = settings.Patch(row.Metadata)
	row.UpdatedAt = time.Now().UTC()

	s.seq++
	s.history[id] = append(s.history[id], Transition{
		ID:        s.seq,
		TenantID:  row.TenantID,
		JobID:     id,
		From:      from,
		To:        next,
		Event:     ev,
		Reason:    settings.Reason,
		CreatedAt: row.UpdatedAt,
	})

	out := *row
	return &out, nil
}

// History returns the applied transitions, oldest first.
func (s *MemoryStore) History(ctx context.Context, id string) ([]Transition, error) {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("job history %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.visible(scope.TenantID, id); err != nil {
		return nil, err
	}
	out := make([]Transition, len(s.history[id]))
	copy(out, s.history[id])
	return out, nil
}

// List returns the tenant's jobs in the given status, oldest first. An
// empty status lists all of the tenant's jobs.
func (s *MemoryStore) List(ctx context.Context, status Status) ([]Job, error) {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, row := range s.jobs {
		if row.TenantID != scope.TenantID {
			continue
		}
		if status != "" && row.Status != status {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// visible returns a copy of the row when it belongs to tenantID. Callers
// hold s.mu.
func (s *MemoryStore) visible(tenantID, id string) (*Job, error) {
	row, ok := s.jobs[id]
	if !ok || row.TenantID != tenantID {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	out := *row
	return &out, nil
}
