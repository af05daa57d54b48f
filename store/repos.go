package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/pullsmith/pullsmith/tenant"
)

// RepoStore manages repository rows through the scoped client. Every
// operation requires a tenant scope and only ever sees the caller's rows.
type RepoStore struct {
	db *TenantDB
}

// NewRepoStore returns a RepoStore on the scoped client.
func NewRepoStore(db *TenantDB) *RepoStore {
	return &RepoStore{db: db}
}

// Add inserts a repository under the current tenant. Whatever tenant id the
// caller put on the struct is overwritten by the scope.
func (s *RepoStore) Add(ctx context.Context, r *Repository) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.PolicyOverrides == nil {
		r.PolicyOverrides = types.JSONText("{}")
	}
	if err := s.db.Insert(ctx, "repositories", Row{
		"id":               r.ID,
		"tenant_id":        r.TenantID,
		"github_repo_id":   r.GitHubRepoID,
		"owner":            r.Owner,
		"name":             r.Name,
		"full_name":        r.FullName,
		"enabled":          r.Enabled,
		"policy_overrides": r.PolicyOverrides,
		"created_at":       r.CreatedAt,
		"updated_at":       r.UpdatedAt,
	}); err != nil {
		return err
	}
	// Reflect what was actually persisted.
	if id, err := tenant.CurrentTenantID(ctx); err == nil {
		r.TenantID = id
	}
	return nil
}

// Get returns a repository by id, visible only to its owner.
func (s *RepoStore) Get(ctx context.Context, id string) (*Repository, error) {
	var r Repository
	if err := s.db.Get(ctx, &r, "repositories", Eq{"id": id}); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetByGitHubID returns a repository by its platform id.
func (s *RepoStore) GetByGitHubID(ctx context.Context, githubRepoID int64) (*Repository, error) {
	var r Repository
	if err := s.db.Get(ctx, &r, "repositories", Eq{"github_repo_id": githubRepoID}); err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns the tenant's repositories, stable by full name.
func (s *RepoStore) List(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	if err := s.db.Select(ctx, &repos, "repositories", nil, OrderBy("full_name")); err != nil {
		return nil, err
	}
	return repos, nil
}

// ListEnabled returns the tenant's enabled repositories.
func (s *RepoStore) ListEnabled(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	if err := s.db.Select(ctx, &repos, "repositories", Eq{"enabled": true}, OrderBy("full_name")); err != nil {
		return nil, err
	}
	return repos, nil
}

// SetEnabled flips monitoring for one repository and reports how many rows
// matched: zero when the id belongs to another tenant or nobody.
func (s *RepoStore) SetEnabled(ctx context.Context, id string, enabled bool) (int64, error) {
	return s.db.Update(ctx, "repositories",
		Row{"enabled": enabled, "updated_at": time.Now().UTC()},
		Eq{"id": id})
}

// Remove hard-deletes one repository. Same zero-rows semantics as
// SetEnabled for foreign ids.
func (s *RepoStore) Remove(ctx context.Context, id string) (int64, error) {
	return s.db.Delete(ctx, "repositories", Eq{"id": id})
}
