// Package loader reads gateways, gateway lists and rules from the routing
// database and assembles them into a table snapshot. A load either produces
// a complete snapshot or fails with a LoadError.
package loader

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/sebas/drouter/internal/drouting/gateway"
	"github.com/sebas/drouter/internal/drouting/table"
)

// DefaultFetchRows is the default page size used when reading tables.
const DefaultFetchRows = 1000

// Resolver resolves gateway host names when ForceDNS is set.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Options configures a Loader.
type Options struct {
	Tables    Tables
	FetchRows int
	ForceDNS  bool
	Resolver  Resolver
	// Source labels the snapshots produced (e.g. the DSN without credentials).
	Source string
}

// Loader produces snapshots from SQL tables.
type Loader struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
}

// New creates a loader over db.
func New(db *sql.DB, dialect Dialect, opts Options) (*Loader, error) {
	if opts.Tables == (Tables{}) {
		opts.Tables = DefaultTables()
	}
	if err := opts.Tables.Validate(); err != nil {
		return nil, err
	}
	if opts.FetchRows <= 0 {
		opts.FetchRows = DefaultFetchRows
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Source == "" {
		opts.Source = dialect.String()
	}
	return &Loader{db: db, dialect: dialect, opts: opts}, nil
}

// Load reads every table and builds a snapshot.
func (l *Loader) Load(ctx context.Context) (*table.Snapshot, error) {
	start := time.Now()
	b := table.NewBuilder(l.opts.Source)

	gateways, err := l.loadGateways(ctx, b)
	if err != nil {
		return nil, err
	}
	lists, err := l.loadLists(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := l.loadRules(ctx, b, lists)
	if err != nil {
		return nil, err
	}

	snap, err := b.Build()
	if err != nil {
		return nil, l.fail("", 0, "build snapshot", err)
	}

	slog.Info("[Loader] Routing data loaded",
		"source", l.opts.Source,
		"gateways", gateways,
		"gw_lists", len(lists),
		"rules", rules,
		"snapshot_id", snap.ID,
		"duration", time.Since(start))
	return snap, nil
}

func (l *Loader) fail(tbl string, row int, reason string, cause error) error {
	return &LoadError{Source: l.opts.Source, Table: tbl, Row: row, Reason: reason, Cause: cause}
}

// page runs a keyset-paginated query: rows with id greater than the last id
// seen, ordered by id, fetchRows at a time. scan returns the row id.
func (l *Loader) page(ctx context.Context, tbl, idCol, cols string, scan func(*sql.Rows) (int, error)) error {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > %s ORDER BY %s LIMIT %s",
		cols, tbl, idCol, l.dialect.Placeholder(1), idCol, l.dialect.Placeholder(2))

	last := -1 << 31
	for {
		rows, err := l.db.QueryContext(ctx, query, last, l.opts.FetchRows)
		if err != nil {
			return l.fail(tbl, 0, "query failed", err)
		}
		n := 0
		for rows.Next() {
			id, err := scan(rows)
			if err != nil {
				rows.Close()
				return err
			}
			last = id
			n++
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return l.fail(tbl, 0, "read failed", err)
		}
		if n < l.opts.FetchRows {
			return nil
		}
	}
}

func (l *Loader) loadGateways(ctx context.Context, b *table.Builder) (int, error) {
	tbl := l.opts.Tables.Gateways
	count := 0
	err := l.page(ctx, tbl, "gwid", "gwid, type, address, strip, pri_prefix, attrs, description",
		func(rows *sql.Rows) (int, error) {
			var (
				id, typ, strip     sql.NullInt64
				address, prefix    sql.NullString
				attrs, description sql.NullString
			)
			if err := rows.Scan(&id, &typ, &address, &strip, &prefix, &attrs, &description); err != nil {
				return 0, l.fail(tbl, 0, "scan failed", err)
			}
			gwid := int(id.Int64)

			addr, err := gateway.ParseAddress(address.String)
			if err != nil {
				return gwid, l.fail(tbl, gwid, "bad address", err)
			}
			if strip.Int64 < 0 {
				return gwid, l.fail(tbl, gwid, fmt.Sprintf("negative strip %d", strip.Int64), nil)
			}
			gw := &gateway.Gateway{
				ID:          gwid,
				Type:        int(typ.Int64),
				Address:     addr,
				Strip:       int(strip.Int64),
				Prefix:      strings.TrimSpace(prefix.String),
				Attrs:       attrs.String,
				Description: description.String,
			}
			if gw.IP, err = l.resolve(ctx, addr.Host); err != nil {
				return gwid, l.fail(tbl, gwid, "cannot resolve "+addr.Host, err)
			}
			if err := b.AddGateway(gw); err != nil {
				return gwid, l.fail(tbl, gwid, "rejected", err)
			}
			count++
			return gwid, nil
		})
	return count, err
}

// resolve returns the IP of host. Host names are only resolved with ForceDNS;
// otherwise they yield the zero address.
func (l *Loader) resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}
	if !l.opts.ForceDNS {
		return netip.Addr{}, nil
	}
	ips, err := l.opts.Resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("no address for %s", host)
	}
	return ips[0].Unmap(), nil
}

func (l *Loader) loadLists(ctx context.Context) (map[int]string, error) {
	tbl := l.opts.Tables.GwLists
	lists := make(map[int]string)
	err := l.page(ctx, tbl, "id", "id, gwlist", func(rows *sql.Rows) (int, error) {
		var (
			id     int
			gwlist sql.NullString
		)
		if err := rows.Scan(&id, &gwlist); err != nil {
			return 0, l.fail(tbl, 0, "scan failed", err)
		}
		lists[id] = gwlist.String
		return id, nil
	})
	return lists, err
}

func (l *Loader) loadRules(ctx context.Context, b *table.Builder, lists map[int]string) (int, error) {
	tbl := l.opts.Tables.Rules
	count := 0
	err := l.page(ctx, tbl, "ruleid", "ruleid, groupid, prefix, priority, routeid, gwlist, description",
		func(rows *sql.Rows) (int, error) {
			var (
				id, priority             sql.NullInt64
				groupid, prefix, routeid sql.NullString
				gwlist, description      sql.NullString
			)
			if err := rows.Scan(&id, &groupid, &prefix, &priority, &routeid, &gwlist, &description); err != nil {
				return 0, l.fail(tbl, 0, "scan failed", err)
			}
			ruleid := int(id.Int64)

			groups, err := parseGroups(groupid.String)
			if err != nil {
				return ruleid, l.fail(tbl, ruleid, "bad groupid", err)
			}
			runs, err := parseGwList(gwlist.String, lists)
			if err != nil {
				return ruleid, l.fail(tbl, ruleid, "bad gwlist", err)
			}
			err = b.AddRule(table.RuleSpec{
				ID:          ruleid,
				Groups:      groups,
				Prefix:      strings.TrimSpace(prefix.String),
				Priority:    int(priority.Int64),
				RouteID:     strings.TrimSpace(routeid.String),
				Runs:        runs,
				Description: description.String,
			})
			if err != nil {
				return ruleid, l.fail(tbl, ruleid, "rejected", err)
			}
			count++
			return ruleid, nil
		})
	return count, err
}
