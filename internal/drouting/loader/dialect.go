package loader

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect is the SQL flavour of the routing database.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// ParseDialect maps a driver name to a dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	default:
		return SQLite, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

func (d Dialect) String() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite3"
}

// Placeholder returns the bind marker for the n-th (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Open connects to the routing database.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, SQLite, err
	}

	var db *sql.DB
	switch dialect {
	case Postgres:
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			return nil, dialect, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
		}
		db = stdlib.OpenDB(*cfg)
	default:
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, dialect, fmt.Errorf("failed to open SQLite database: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, dialect, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, dialect, nil
}

// Tables names the routing tables.
type Tables struct {
	Gateways string
	Rules    string
	GwLists  string
	Groups   string
}

// DefaultTables returns the conventional table names.
func DefaultTables() Tables {
	return Tables{
		Gateways: "dr_gateways",
		Rules:    "dr_rules",
		GwLists:  "dr_gw_lists",
		Groups:   "dr_groups",
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate rejects table names that are not plain identifiers.
func (t Tables) Validate() error {
	for _, name := range []string{t.Gateways, t.Rules, t.GwLists, t.Groups} {
		if !identRe.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// Migrate creates the routing tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, t Tables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t.Gateways + ` (
			gwid INTEGER PRIMARY KEY,
			type INTEGER NOT NULL DEFAULT 0,
			address TEXT NOT NULL,
			strip INTEGER NOT NULL DEFAULT 0,
			pri_prefix TEXT,
			attrs TEXT,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS ` + t.Rules + ` (
			ruleid INTEGER PRIMARY KEY,
			groupid TEXT NOT NULL,
			prefix TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			routeid TEXT,
			gwlist TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS ` + t.GwLists + ` (
			id INTEGER PRIMARY KEY,
			gwlist TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + t.Groups + ` (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			groupid INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
