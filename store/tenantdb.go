package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/pullsmith/pullsmith/tenant"
)

// tenantTablesQuery discovers which tables carry a tenant_id column. The
// classification drives the scoping discipline: listed tables are scoped,
// everything else passes through.
const tenantTablesQuery = `SELECT table_name FROM information_schema.columns WHERE table_schema = current_schema() AND column_name = 'tenant_id'`

// Row is a column-to-value map for inserts and update sets.
type Row map[string]any

// TenantDB wraps the raw handle with the tenant discipline. For tables
// classified as multi-tenant:
//
//   - reads conjoin tenant_id = <current scope> onto the caller's predicate
//   - inserts overwrite tenant_id in every row, whatever the caller set
//   - updates and deletes require a caller predicate and AND the tenant
//     predicate onto it; rows of other tenants simply count as zero matched
//   - any call outside a tenant scope fails before SQL is sent
//
// Non-tenant tables pass through untouched. All operations are safe for
// concurrent use.
type TenantDB struct {
	ops
	db *sqlx.DB
}

// ops carries the pieces shared between TenantDB and TenantTx.
type ops struct {
	q            sqlx.ExtContext
	tenantTables map[string]bool
	logger       *slog.Logger
}

// TenantDBOption configures NewTenantDB.
type TenantDBOption func(*TenantDB)

// WithTenantTables fixes the multi-tenant table set instead of discovering
// it from information_schema. Used by tests and by callers that manage
// schema out of band.
func WithTenantTables(tables ...string) TenantDBOption {
	return func(d *TenantDB) {
		d.tenantTables = make(map[string]bool, len(tables))
		for _, t := range tables {
			d.tenantTables[t] = true
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) TenantDBOption {
	return func(d *TenantDB) { d.logger = logger }
}

// NewTenantDB classifies tables and returns the scoped client. Run schema
// setup first: tables created later are not seen until a new client is
// built.
func NewTenantDB(ctx context.Context, db *sqlx.DB, opts ...TenantDBOption) (*TenantDB, error) {
	d := &TenantDB{db: db}
	d.q = db
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tenantTables == nil {
		var names []string
		if err := db.SelectContext(ctx, &names, tenantTablesQuery); err != nil {
			return nil, fmt.Errorf("classify tenant tables: %w", err)
		}
		d.tenantTables = make(map[string]bool, len(names))
		for _, n := range names {
			d.tenantTables[n] = true
		}
		d.logger.Debug("classified tenant tables", "tables", names)
	}
	return d, nil
}

// Raw returns the unscoped handle. Reserved for schema management, tenant
// lifecycle, and tests.
func (d *TenantDB) Raw() *sqlx.DB {
	return d.db
}

// IsTenantTable reports whether the table is scoped by the discipline.
func (d *TenantDB) IsTenantTable(table string) bool {
	return d.tenantTables[table]
}

// Tx runs fn inside a transaction whose operations follow the same
// discipline. fn returning an error rolls back; otherwise the transaction
// commits.
func (d *TenantDB) Tx(ctx context.Context, fn func(tx *TenantTx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	scoped := &TenantTx{ops: ops{q: tx, tenantTables: d.tenantTables, logger: d.logger}, tx: tx}
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// TenantTx is a transaction handle with the same scoping discipline.
type TenantTx struct {
	ops
	tx *sqlx.Tx
}

// QueryOption adjusts a single read.
type QueryOption func(*queryParams)

type queryParams struct {
	orderBy   string
	forUpdate bool
}

// OrderBy appends an ORDER BY clause to a Select or Get.
func OrderBy(expr string) QueryOption {
	return func(p *queryParams) { p.orderBy = expr }
}

// forUpdate locks the selected rows until the transaction ends. Only
// meaningful inside Tx.
func forUpdate() QueryOption {
	return func(p *queryParams) { p.forUpdate = true }
}

// scoped returns the effective predicate for the table: the caller's
// predicate AND'ed with the tenant predicate for multi-tenant tables, the
// caller's predicate untouched otherwise. The tenant lookup happens before
// any SQL so a missing scope can never reach the database.
func (o ops) scoped(ctx context.Context, table string, where Cond) (Cond, error) {
	if !o.tenantTables[table] {
		return where, nil
	}
	id, err := tenant.CurrentTenantID(ctx)
	if err != nil {
		return nil, err
	}
	if where == nil {
		return Eq{"tenant_id": id}, nil
	}
	return And{Eq{"tenant_id": id}, where}, nil
}

// Select reads all matching rows into dest (a pointer to a slice).
func (o ops) Select(ctx context.Context, dest any, table string, where Cond, opts ...QueryOption) error {
	query, args, err := o.selectQuery(ctx, table, where, opts)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	if err := sqlx.SelectContext(ctx, o.q, dest, query, args...); err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	return nil
}

// Get reads exactly one matching row into dest. No visible match returns
// ErrNotFound; a row owned by another tenant is indistinguishable from a
// missing one.
func (o ops) Get(ctx context.Context, dest any, table string, where Cond, opts ...QueryOption) error {
	query, args, err := o.selectQuery(ctx, table, where, opts)
	if err != nil {
		return fmt.Errorf("get %s: %w", table, err)
	}
	if err := sqlx.GetContext(ctx, o.q, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get %s: %w", table, ErrNotFound)
		}
		return fmt.Errorf("get %s: %w", table, err)
	}
	return nil
}

func (o ops) selectQuery(ctx context.Context, table string, where Cond, opts []QueryOption) (string, []any, error) {
	var params queryParams
	for _, opt := range opts {
		opt(&params)
	}
	cond, err := o.scoped(ctx, table, where)
	if err != nil {
		return "", nil, err
	}
	argn := 1
	var args []any
	query := "SELECT * FROM " + table + whereClause(cond, &argn, &args)
	if params.orderBy != "" {
		query += " ORDER BY " + params.orderBy
	}
	if params.forUpdate {
		query += " FOR UPDATE"
	}
	return query, args, nil
}

// Insert writes the given rows. On a multi-tenant table the current tenant
// id is forced into every row, element-wise, regardless of what the caller
// supplied. All rows must share one column set.
func (o ops) Insert(ctx context.Context, table string, rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}

	var tenantID string
	if o.tenantTables[table] {
		id, err := tenant.CurrentTenantID(ctx)
		if err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
		tenantID = id
	}

	cols := make([]string, 0, len(rows[0])+1)
	for col := range rows[0] {
		if col == "tenant_id" && tenantID != "" {
			continue
		}
		cols = append(cols, col)
	}
	if tenantID != "" {
		cols = append(cols, "tenant_id")
	}
	sort.Strings(cols)

	argn := 1
	args := make([]any, 0, len(rows)*len(cols))
	values := make([]string, 0, len(rows))
	for i, row := range rows {
		if err := checkColumns(row, cols, tenantID != ""); err != nil {
			return fmt.Errorf("insert %s: row %d: %w", table, i, err)
		}
		marks := make([]string, 0, len(cols))
		for _, col := range cols {
			v := row[col]
			if col == "tenant_id" && tenantID != "" {
				v = tenantID
			}
			marks = append(marks, fmt.Sprintf("$%d", argn))
			argn++
			args = append(args, v)
		}
		values = append(values, "("+strings.Join(marks, ", ")+")")
	}

	query := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES " + strings.Join(values, ", ")
	if _, err := o.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// checkColumns verifies the row covers exactly the column set derived from
// the first row, tolerating a missing tenant_id when the discipline will
// supply it.
func checkColumns(row Row, cols []string, scoped bool) error {
	want := len(cols)
	have := len(row)
	if scoped {
		if _, ok := row["tenant_id"]; !ok {
			have++
		}
	}
	if have != want {
		return fmt.Errorf("expected columns %v", cols)
	}
	for _, col := range cols {
		if col == "tenant_id" && scoped {
			continue
		}
		if _, ok := row[col]; !ok {
			return fmt.Errorf("missing column %s", col)
		}
	}
	return nil
}

// Update applies set to all matching rows and returns how many matched.
// A predicate is required on every table; on multi-tenant tables it is
// AND'ed with the tenant predicate, so targeting another tenant's rows
// matches zero without failing. tenant_id itself cannot be reassigned.
func (o ops) Update(ctx context.Context, table string, set Row, where Cond) (int64, error) {
	if len(set) == 0 {
		return 0, fmt.Errorf("update %s: empty set", table)
	}
	if where == nil {
		return 0, fmt.Errorf("update %s: predicate required", table)
	}
	if _, ok := set["tenant_id"]; ok && o.tenantTables[table] {
		return 0, fmt.Errorf("update %s: tenant_id cannot be updated", table)
	}

	cond, err := o.scoped(ctx, table, where)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}

	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	argn := 1
	var args []any
	assigns := make([]string, 0, len(cols))
	for _, col := range cols {
		assigns = append(assigns, fmt.Sprintf("%s = $%d", col, argn))
		argn++
		args = append(args, set[col])
	}

	query := "UPDATE " + table + " SET " + strings.Join(assigns, ", ") + whereClause(cond, &argn, &args)
	res, err := o.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update %s: rows affected: %w", table, err)
	}
	return n, nil
}

// Delete removes all matching rows and returns how many matched. Same
// predicate discipline as Update.
func (o ops) Delete(ctx context.Context, table string, where Cond) (int64, error) {
	if where == nil {
		return 0, fmt.Errorf("delete %s: predicate required", table)
	}
	cond, err := o.scoped(ctx, table, where)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}

	argn := 1
	var args []any
	query := "DELETE FROM " + table + whereClause(cond, &argn, &args)
	res, err := o.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s: rows affected: %w", table, err)
	}
	return n, nil
}
