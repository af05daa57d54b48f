package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration is one schema version step. Steps only ever get appended;
// EnsureSchema applies the ones past the recorded version.
type migration struct {
	version int
	ddl     string
}

var migrations = []migration{
	{
		version: 1,
		ddl: `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	price_usd INTEGER NOT NULL DEFAULT 0,
	billing_interval TEXT NOT NULL DEFAULT 'month',
	max_repos INTEGER NOT NULL DEFAULT 0,
	max_prs_per_month INTEGER NOT NULL DEFAULT 0,
	max_tokens_per_month BIGINT NOT NULL DEFAULT 0,
	max_llm_calls_per_month BIGINT NOT NULL DEFAULT 0,
	features JSONB NOT NULL DEFAULT '[]',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	github_installation_id BIGINT NOT NULL UNIQUE,
	github_account_login TEXT NOT NULL,
	github_account_type TEXT NOT NULL DEFAULT 'Organization',
	installed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	uninstalled_at TIMESTAMPTZ,
	settings JSONB NOT NULL DEFAULT '{}',
	installation_status TEXT NOT NULL DEFAULT 'pending',
	plan_id TEXT NOT NULL REFERENCES plans(id),
	plan_changed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tenants_installation_status ON tenants(installation_status);

CREATE TABLE IF NOT EXISTS repositories (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	github_repo_id BIGINT NOT NULL UNIQUE,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	full_name TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	policy_overrides JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_repositories_tenant_id ON repositories(tenant_id);
CREATE INDEX IF NOT EXISTS idx_repositories_github_repo_id ON repositories(github_repo_id);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	status TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant_id ON jobs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_transitions (
	id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	event TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_job_transitions_job_id ON job_transitions(job_id);
`,
	},
}

// EnsureSchema brings the database up to the current schema version. All
// pending steps run inside one transaction, so a failed upgrade leaves the
// previous version intact.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := schemaVersion(ctx, tx)
	if err != nil {
		return err
	}

	applied := current
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("apply schema version %d: %w", m.version, err)
		}
		applied = m.version
	}

	if applied != current {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_meta (key, value) VALUES ('schema_version', $1)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
			fmt.Sprintf("%d", applied)); err != nil {
			return fmt.Errorf("record schema version %d: %w", applied, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func schemaVersion(ctx context.Context, tx *sqlx.Tx) (int, error) {
	var raw string
	err := tx.GetContext(ctx, &raw, `SELECT value FROM schema_meta WHERE key = 'schema_version'`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return v, nil
}
