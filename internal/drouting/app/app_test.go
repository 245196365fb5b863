package app

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebas/drouter/internal/drouting/config"
	"github.com/sebas/drouter/internal/drouting/gateway"
	"github.com/sebas/drouter/internal/drouting/loader"
	"github.com/sebas/drouter/internal/drouting/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) (*config.Config, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dr.db")
	db, _, err := loader.Open(context.Background(), "sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, loader.Migrate(context.Background(), db, loader.DefaultTables()))

	_, err = db.Exec(`INSERT INTO dr_gateways (gwid, type, address, strip, pri_prefix, attrs, description) VALUES
		(1, 0, '10.0.0.1:5060', 0, '', 'carrier=a', ''),
		(2, 0, '10.0.0.2:5060', 0, '', 'carrier=b', '')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO dr_rules (ruleid, groupid, prefix, priority, routeid, gwlist, description) VALUES
		(1, '1', '44', 0, '', '1;2', 'uk')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO dr_groups (id, username, domain, groupid) VALUES (1, 'alice', '', 1)`)
	require.NoError(t, err)

	return &config.Config{
		Port:          5060,
		BindAddr:      "127.0.0.1",
		AdvertiseAddr: "127.0.0.1",
		DBDriver:      "sqlite3",
		DBURL:         path,
		Tables:        loader.DefaultTables(),
		FetchRows:     100,
		SortOrder:     "sequential",
		MaxGwList:     32,
		GroupCacheTTL: time.Minute,
		ReloadTimeout: 5 * time.Second,
	}, db
}

func TestRouteThroughAssembledService(t *testing.T) {
	cfg, _ := testConfig(t)
	d, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer d.Close()

	call := router.NewCall("sip:4420@proxy.local", "sip:alice@example.com")
	dec, err := d.Router().Route(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, "sip:4420@10.0.0.1:5060", call.URI)
	assert.Equal(t, "carrier=a", call.Failover().Attrs)
	require.Len(t, dec.Reserve, 1)
	assert.Equal(t, 2, dec.Reserve[0].GatewayID)

	// bob has no group
	_, err = d.Router().Route(context.Background(), router.NewCall("sip:4420@proxy.local", "sip:bob@example.com"))
	assert.ErrorIs(t, err, router.ErrGroupResolution)
}

func TestReloadCarriesStateAndInvalidatesGroups(t *testing.T) {
	cfg, db := testConfig(t)
	d, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer d.Close()

	gw1, ok := d.coord.Current().Gateways().Get(1)
	require.True(t, ok)
	gw1.SetState(gateway.StateDown)

	// warm the group cache, then move alice to another group
	_, err = d.Router().Route(context.Background(), router.NewCall("sip:4420@proxy.local", "sip:alice@example.com"))
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE dr_groups SET groupid = 2 WHERE username = 'alice'`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO dr_rules (ruleid, groupid, prefix, priority, routeid, gwlist, description) VALUES
		(2, '2', '44', 0, '', '1,2', 'uk group 2')`)
	require.NoError(t, err)

	out, err := d.Trigger().Reload(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), out.Generation)

	next, ok := d.coord.Current().Gateways().Get(1)
	require.True(t, ok)
	assert.NotSame(t, gw1, next)
	assert.Equal(t, gateway.StateDown, next.State())

	call := router.NewCall("sip:4420@proxy.local", "sip:alice@example.com")
	dec, err := d.Router().Route(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, 2, dec.RuleID)
	assert.Equal(t, "sip:4420@10.0.0.2:5060", call.URI)
	assert.Empty(t, dec.Reserve)
}

func TestNewFailsOnBadData(t *testing.T) {
	cfg, db := testConfig(t)
	_, err := db.Exec(`INSERT INTO dr_rules (ruleid, groupid, prefix, priority, routeid, gwlist, description) VALUES
		(3, '0', '1', 0, '', '99', 'unknown gateway')`)
	require.NoError(t, err)

	_, err = New(context.Background(), cfg)
	assert.ErrorIs(t, err, loader.ErrLoad)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.ReloadSchedule = "every so often"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
