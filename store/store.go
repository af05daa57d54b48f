// Package store is the SQL storage plane. It has two layers: the raw
// *sqlx.DB handle with full SQL power, reserved for schema management,
// tenant lifecycle, and tests, and the TenantDB wrapper that every access
// to tenant-owned tables goes through. The wrapper conjoins the caller's
// tenant onto every read, overwrites it into every insert, and refuses to
// run at all outside a tenant scope, so cross-tenant leakage is not
// expressible through it.
package store

import (
	"context"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"

	"github.com/pullsmith/pullsmith/tenant"
)

// ErrNotFound is returned when a single-row lookup matches nothing visible
// in the caller's scope.
var ErrNotFound = errors.New("row not found")

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// TenantOwned is any row that knows which tenant owns it.
type TenantOwned interface {
	OwnerTenantID() string
}

// TenantAccessDeniedError reports a row whose owner is not the current
// tenant. It deliberately does not say who the owner is.
type TenantAccessDeniedError struct {
	Kind string
}

func (e *TenantAccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s belongs to another tenant", e.Kind)
}

// VerifyOwnership asserts that row belongs to the current tenant. It is a
// defensive check for rows obtained through paths that bypass TenantDB,
// such as raw-client reads or queue payloads.
func VerifyOwnership(ctx context.Context, kind string, row TenantOwned) error {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return fmt.Errorf("verify %s ownership: %w", kind, err)
	}
	if row.OwnerTenantID() != scope.TenantID {
		return &TenantAccessDeniedError{Kind: kind}
	}
	return nil
}
