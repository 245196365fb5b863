// Package groups resolves a caller identity (user, domain) to the caller
// group used as the second key of every routing lookup.
package groups

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sebas/drouter/internal/drouting/loader"
)

// ErrNotFound is returned when the caller has no group.
var ErrNotFound = errors.New("caller group not found")

// Resolver maps a caller identity to a group.
type Resolver interface {
	ResolveGroup(ctx context.Context, user, domain string) (int, error)
}

// Fixed resolves every caller to the same group.
type Fixed int

// ResolveGroup returns the fixed group.
func (f Fixed) ResolveGroup(context.Context, string, string) (int, error) {
	return int(f), nil
}

// SQLResolver reads groups from the dr_groups table.
type SQLResolver struct {
	db        *sql.DB
	useDomain bool
	query     string
}

// NewSQLResolver creates a resolver over tbl. With useDomain the lookup is
// keyed by user and domain, otherwise by user only.
func NewSQLResolver(db *sql.DB, dialect loader.Dialect, tbl string, useDomain bool) (*SQLResolver, error) {
	tables := loader.DefaultTables()
	tables.Groups = tbl
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT groupid FROM %s WHERE username = %s", tbl, dialect.Placeholder(1))
	if useDomain {
		query += fmt.Sprintf(" AND domain = %s", dialect.Placeholder(2))
	}
	query += " ORDER BY id LIMIT 1"
	return &SQLResolver{db: db, useDomain: useDomain, query: query}, nil
}

// ResolveGroup looks the caller up.
func (r *SQLResolver) ResolveGroup(ctx context.Context, user, domain string) (int, error) {
	args := []any{user}
	if r.useDomain {
		args = append(args, strings.ToLower(domain))
	}
	var group int
	err := r.db.QueryRowContext(ctx, r.query, args...).Scan(&group)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query caller group: %w", err)
	}
	return group, nil
}

// Key builds the cache key of a caller identity.
func Key(user, domain string, useDomain bool) string {
	if useDomain {
		return user + "@" + strings.ToLower(domain)
	}
	return user
}
