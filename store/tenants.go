package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

// TenantStore manages tenant rows. It deliberately runs on the raw client:
// tenant lifecycle is driven by platform install webhooks, which arrive
// before any tenant scope exists.
type TenantStore struct {
	db *sqlx.DB
}

// NewTenantStore returns a TenantStore on the raw handle.
func NewTenantStore(db *sqlx.DB) *TenantStore {
	return &TenantStore{db: db}
}

const insertTenant = `
INSERT INTO tenants (
	id, github_installation_id, github_account_login, github_account_type,
	installed_at, settings, installation_status, plan_id, created_at, updated_at
) VALUES (
	:id, :github_installation_id, :github_account_login, :github_account_type,
	:installed_at, :settings, :installation_status, :plan_id, :created_at, :updated_at
)`

// Create inserts a tenant for a fresh installation. Installation id
// uniqueness is enforced by the schema; a duplicate surfaces as a
// constraint error.
func (s *TenantStore) Create(ctx context.Context, t *Tenant) error {
	now := time.Now().UTC()
	if t.InstalledAt.IsZero() {
		t.InstalledAt = now
	}
	if t.InstallationStatus == "" {
		t.InstallationStatus = InstallationPending
	}
	if t.Settings == nil {
		t.Settings = types.JSONText("{}")
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	if _, err := sqlx.NamedExecContext(ctx, s.db, insertTenant, t); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

// Get returns a tenant by id.
func (s *TenantStore) Get(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tenants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return &t, nil
}

// GetByInstallation returns the tenant for a platform installation id.
func (s *TenantStore) GetByInstallation(ctx context.Context, installationID int64) (*Tenant, error) {
	var t Tenant
	err := s.db.GetContext(ctx, &t,
		`SELECT * FROM tenants WHERE github_installation_id = $1`, installationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get tenant by installation %d: %w", installationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant by installation %d: %w", installationID, err)
	}
	return &t, nil
}

// SetInstallationStatus moves a tenant between pending, active, and
// suspended.
func (s *TenantStore) SetInstallationStatus(ctx context.Context, id, status string) error {
	switch status {
	case InstallationPending, InstallationActive, InstallationSuspended:
	default:
		return fmt.Errorf("set installation status: unknown status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET installation_status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set installation status: %w", err)
	}
	return oneRow(res, "tenant", id)
}

// SetPlan changes the tenant's plan and stamps plan_changed_at.
func (s *TenantStore) SetPlan(ctx context.Context, id, planID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET plan_id = $2, plan_changed_at = $3, updated_at = $3 WHERE id = $1`,
		id, planID, now)
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	return oneRow(res, "tenant", id)
}

// Uninstall soft-deletes the tenant: the row stays for audit, flagged with
// an uninstall timestamp and suspended status.
func (s *TenantStore) Uninstall(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET uninstalled_at = $2, installation_status = $3, updated_at = $2 WHERE id = $1`,
		id, now, InstallationSuspended)
	if err != nil {
		return fmt.Errorf("uninstall tenant: %w", err)
	}
	return oneRow(res, "tenant", id)
}

// ListActive returns installed tenants that have not been uninstalled.
func (s *TenantStore) ListActive(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	err := s.db.SelectContext(ctx, &tenants,
		`SELECT * FROM tenants WHERE installation_status = $1 AND uninstalled_at IS NULL ORDER BY created_at`,
		InstallationActive)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	return tenants, nil
}

// oneRow converts a zero-row write against an id lookup into ErrNotFound.
func oneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
