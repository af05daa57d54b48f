package store

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/job"
	"github.com/pullsmith/pullsmith/tenant"
)

// openIntegrationDB connects to the database named by
// PULLSMITH_TEST_DATABASE_DSN, applies the schema, and clears the fixtures
// this file creates so reruns are deterministic.
func openIntegrationDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("PULLSMITH_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("set PULLSMITH_TEST_DATABASE_DSN to run database integration tests")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, EnsureSchema(ctx, db))

	_, err = db.ExecContext(ctx, `DELETE FROM tenants WHERE github_installation_id IN (12345, 67890)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM plans WHERE name = 'test-plan'`)
	require.NoError(t, err)
	return db
}

type integrationFixture struct {
	db       *sqlx.DB
	scoped   *TenantDB
	repos    *RepoStore
	jobs     *JobStore
	tenantA  string
	tenantB  string
	scopeCtx func(tenantID string) context.Context
}

func setupIntegration(t *testing.T) *integrationFixture {
	t.Helper()
	ctx := context.Background()
	db := openIntegrationDB(t)

	// Table classification runs against the real information_schema here.
	scoped, err := NewTenantDB(ctx, db)
	require.NoError(t, err)
	assert.True(t, scoped.IsTenantTable("repositories"))
	assert.True(t, scoped.IsTenantTable("jobs"))
	assert.False(t, scoped.IsTenantTable("plans"))

	plan := &Plan{ID: uuid.NewString(), Name: "test-plan", DisplayName: "Test Plan", IsActive: true, MaxRepos: 10}
	require.NoError(t, NewPlanStore(scoped).Create(ctx, plan))

	tenants := NewTenantStore(db)
	a := &Tenant{
		ID:                   uuid.NewString(),
		GitHubInstallationID: 12345,
		GitHubAccountLogin:   "tenant-a",
		GitHubAccountType:    "Organization",
		InstallationStatus:   InstallationActive,
		PlanID:               plan.ID,
	}
	b := &Tenant{
		ID:                   uuid.NewString(),
		GitHubInstallationID: 67890,
		GitHubAccountLogin:   "tenant-b",
		GitHubAccountType:    "Organization",
		InstallationStatus:   InstallationActive,
		PlanID:               plan.ID,
	}
	require.NoError(t, tenants.Create(ctx, a))
	require.NoError(t, tenants.Create(ctx, b))

	return &integrationFixture{
		db:      db,
		scoped:  scoped,
		repos:   NewRepoStore(scoped),
		jobs:    NewJobStore(scoped),
		tenantA: a.ID,
		tenantB: b.ID,
		scopeCtx: func(tenantID string) context.Context {
			return tenant.WithScope(context.Background(), tenant.Scope{TenantID: tenantID})
		},
	}
}

func (f *integrationFixture) addRepo(t *testing.T, ctx context.Context, ghID int64, fullName string) *Repository {
	t.Helper()
	r := &Repository{
		ID:           uuid.NewString(),
		GitHubRepoID: ghID,
		Owner:        "acme",
		Name:         fullName,
		FullName:     "acme/" + fullName,
		Enabled:      true,
	}
	require.NoError(t, f.repos.Add(ctx, r))
	return r
}

func TestIntegration_TenantIsolation(t *testing.T) {
	f := setupIntegration(t)
	ctxA := f.scopeCtx(f.tenantA)
	ctxB := f.scopeCtx(f.tenantB)

	f.addRepo(t, ctxA, 1001, "one")
	f.addRepo(t, ctxA, 1002, "two")
	f.addRepo(t, ctxA, 1003, "three")
	f.addRepo(t, ctxB, 2001, "other")

	reposA, err := f.repos.List(ctxA)
	require.NoError(t, err)
	require.Len(t, reposA, 3)
	for _, r := range reposA {
		assert.Equal(t, f.tenantA, r.TenantID)
	}

	reposB, err := f.repos.List(ctxB)
	require.NoError(t, err)
	require.Len(t, reposB, 1)
	assert.Equal(t, f.tenantB, reposB[0].TenantID)
	assert.Equal(t, int64(2001), reposB[0].GitHubRepoID)
}

func TestIntegration_CrossTenantImmunity(t *testing.T) {
	f := setupIntegration(t)
	ctxA := f.scopeCtx(f.tenantA)
	ctxB := f.scopeCtx(f.tenantB)

	f.addRepo(t, ctxA, 1001, "one")
	repoB := f.addRepo(t, ctxB, 2001, "other")

	// Tenant A tries to disable tenant B's repository.
	n, err := f.repos.SetEnabled(ctxA, repoB.ID, false)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Raw-client check: the row is untouched.
	var enabled bool
	require.NoError(t, f.db.GetContext(context.Background(), &enabled,
		`SELECT enabled FROM repositories WHERE id = $1`, repoB.ID))
	assert.True(t, enabled)
}

func TestIntegration_InsertSelectRoundTrip(t *testing.T) {
	f := setupIntegration(t)
	ctxA := f.scopeCtx(f.tenantA)

	inserted := f.addRepo(t, ctxA, 1001, "one")
	got, err := f.repos.Get(ctxA, inserted.ID)
	require.NoError(t, err)

	assert.Equal(t, inserted.ID, got.ID)
	assert.Equal(t, f.tenantA, got.TenantID)
	assert.Equal(t, inserted.GitHubRepoID, got.GitHubRepoID)
	assert.Equal(t, inserted.FullName, got.FullName)
	assert.True(t, got.Enabled)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestIntegration_JobLifecycle(t *testing.T) {
	f := setupIntegration(t)
	ctxA := f.scopeCtx(f.tenantA)
	ctxB := f.scopeCtx(f.tenantB)

	repo := f.addRepo(t, ctxA, 1001, "one")
	j := &job.Job{
		ID:           uuid.NewString(),
		RepositoryID: repo.ID,
		Status:       job.StatusQueued,
		Metadata:     job.Metadata{IssueNumber: 123, IssueTitle: "Test Issue"},
	}
	require.NoError(t, f.jobs.Create(ctxA, j))

	// Invisible to the other tenant.
	_, err := f.jobs.Get(ctxB, j.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)

	updated, err := f.jobs.Transition(ctxA, j.ID, job.EventStartPlanning)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPlanning, updated.Status)

	updated, err = f.jobs.Transition(ctxA, j.ID, job.EventPlanFailed,
		job.WithReason("agent error"),
		job.WithError("boom", job.StatusPlanning))
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, updated.Status)
	assert.Equal(t, "boom", updated.Metadata.ErrorDetails)

	history, err := f.jobs.History(ctxA, j.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, job.StatusQueued, history[0].From)
	assert.Equal(t, job.StatusFailed, history[1].To)

	// Terminal: any further event is rejected.
	_, err = f.jobs.Transition(ctxA, j.ID, job.EventCancel)
	var invalid *job.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}
