package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Plan is a subscription descriptor. Plans are owned by the billing
// subsystem and immutable here; rows exist so tenants can reference them
// and tests can seed them. Not tenant-scoped.
type Plan struct {
	ID                  string         `db:"id"`
	Name                string         `db:"name"`
	DisplayName         string         `db:"display_name"`
	PriceUSD            int            `db:"price_usd"`
	BillingInterval     string         `db:"billing_interval"`
	MaxRepos            int            `db:"max_repos"`
	MaxPRsPerMonth      int            `db:"max_prs_per_month"`
	MaxTokensPerMonth   int64          `db:"max_tokens_per_month"`
	MaxLLMCallsPerMonth int64          `db:"max_llm_calls_per_month"`
	Features            types.JSONText `db:"features"`
	IsActive            bool           `db:"is_active"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

// Installation statuses for a tenant.
const (
	InstallationPending   = "pending"
	InstallationActive    = "active"
	InstallationSuspended = "suspended"
)

// Tenant is the isolation boundary: one row per platform installation.
// Tenant rows are managed through the raw client (lifecycle is driven by
// platform webhooks, outside any tenant scope).
type Tenant struct {
	ID                   string         `db:"id"`
	GitHubInstallationID int64          `db:"github_installation_id"`
	GitHubAccountLogin   string         `db:"github_account_login"`
	GitHubAccountType    string         `db:"github_account_type"`
	InstalledAt          time.Time      `db:"installed_at"`
	UninstalledAt        *time.Time     `db:"uninstalled_at"`
	Settings             types.JSONText `db:"settings"`
	InstallationStatus   string         `db:"installation_status"`
	PlanID               string         `db:"plan_id"`
	PlanChangedAt        *time.Time     `db:"plan_changed_at"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

// Repository is a monitored repository, owned by exactly one tenant.
type Repository struct {
	ID              string         `db:"id"`
	TenantID        string         `db:"tenant_id"`
	GitHubRepoID    int64          `db:"github_repo_id"`
	Owner           string         `db:"owner"`
	Name            string         `db:"name"`
	FullName        string         `db:"full_name"`
	Enabled         bool           `db:"enabled"`
	PolicyOverrides types.JSONText `db:"policy_overrides"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// OwnerTenantID implements TenantOwned.
func (r *Repository) OwnerTenantID() string {
	return r.TenantID
}

// RepositoryPolicy is the parsed form of policy_overrides. Absent fields
// take the zero-value defaults here.
type RepositoryPolicy struct {
	// BaseBranch is the branch pull requests target. Empty means the
	// caller's default (normally "main").
	BaseBranch string `json:"baseBranch,omitempty"`

	// ProtectedPaths are doublestar globs the pipeline refuses to touch.
	// A change set hitting any of them fails the pr-open stage.
	ProtectedPaths []string `json:"protectedPaths,omitempty"`
}

// Policy parses the repository's policy overrides. An empty or null column
// yields the zero policy.
func (r *Repository) Policy() (RepositoryPolicy, error) {
	var p RepositoryPolicy
	if len(r.PolicyOverrides) == 0 || string(r.PolicyOverrides) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(r.PolicyOverrides, &p); err != nil {
		return p, fmt.Errorf("parse policy overrides for %s: %w", r.FullName, err)
	}
	return p, nil
}
