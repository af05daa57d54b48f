package store

import (
	"fmt"
	"sort"
	"strings"
)

// Cond is a SQL predicate fragment. Conditions render deterministically
// (column order is sorted) so generated SQL is stable across runs, which
// keeps query logs greppable and lets tests match on exact statements.
type Cond interface {
	// build appends the fragment's arguments to args and returns its SQL,
	// numbering placeholders from *argn.
	build(argn *int, args *[]any) string
}

// Eq matches columns to values, conjoined with AND. A nil value renders as
// IS NULL.
type Eq map[string]any

func (e Eq) build(argn *int, args *[]any) string {
	cols := make([]string, 0, len(e))
	for col := range e {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		v := e[col]
		if v == nil {
			parts = append(parts, col+" IS NULL")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = $%d", col, *argn))
		*argn++
		*args = append(*args, v)
	}
	return strings.Join(parts, " AND ")
}

// And conjoins conditions. Nil and empty elements are skipped.
type And []Cond

func (a And) build(argn *int, args *[]any) string {
	parts := make([]string, 0, len(a))
	for _, c := range a {
		if c == nil {
			continue
		}
		sql := c.build(argn, args)
		if sql == "" {
			continue
		}
		parts = append(parts, "("+sql+")")
	}
	return strings.Join(parts, " AND ")
}

// whereClause renders " WHERE ..." for the condition, or "" when the
// condition is nil or empty. Placeholder numbering continues from *argn.
func whereClause(c Cond, argn *int, args *[]any) string {
	if c == nil {
		return ""
	}
	sql := c.build(argn, args)
	if sql == "" {
		return ""
	}
	return " WHERE " + sql
}
