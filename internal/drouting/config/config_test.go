package config

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/sebas/drouter/internal/drouting/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args []string, env map[string]string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("drouter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return Parse(fs, args, func(k string) string { return env[k] })
}

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(t, []string{"-db-url", "routes.db", "-advertise", "192.0.2.10"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 5060, cfg.Port)
	assert.Equal(t, "0.0.0.0:5060", cfg.SIPAddr())
	assert.Equal(t, "192.0.2.10", cfg.AdvertiseAddr)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "dr_gateways", cfg.Tables.Gateways)
	assert.Equal(t, "dr_groups", cfg.Tables.Groups)
	assert.Equal(t, 1000, cfg.FetchRows)
	assert.True(t, cfg.ForceDNS)
	assert.Equal(t, time.Minute, cfg.GroupCacheTTL)
	assert.Equal(t, 10*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, selector.Options{Order: selector.Sequential, MaxEntries: 32}, cfg.Selector())
}

func TestEnvOverridesFlags(t *testing.T) {
	cfg, err := parse(t, []string{"-db-url", "flag.db"}, map[string]string{
		"DB_URL":              "postgres://u:p@db/routes",
		"DB_DRIVER":           "pgx",
		"SORT_ORDER":          "2",
		"APPEND_REST":         "true",
		"DEDUP_ACROSS_GROUPS": "1",
		"DR_RULES_TABLE":      "routes",
		"FETCH_ROWS":          "50",
		"KEEPALIVE_INTERVAL":  "3s",
		"ENABLE_KEEPALIVE":    "true",
		"SIP_PORT":            "5080",
		"FORCE_DNS":           "false",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/routes", cfg.DBURL)
	assert.Equal(t, "routes", cfg.Tables.Rules)
	assert.Equal(t, 50, cfg.FetchRows)
	assert.Equal(t, 5080, cfg.Port)
	assert.True(t, cfg.Keepalive)
	assert.Equal(t, 3*time.Second, cfg.KeepaliveInterval)
	assert.False(t, cfg.ForceDNS)

	opts := cfg.Selector()
	assert.Equal(t, selector.RandomOnePerGroup, opts.Order)
	assert.True(t, opts.AppendRest)
	assert.True(t, opts.Dedup)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"missing db url", nil, nil},
		{"unknown sort order", []string{"-db-url", "x.db", "-sort-order", "fastest"}, nil},
		{"unknown driver", []string{"-db-url", "x.db", "-db-driver", "oracle"}, nil},
		{"zero fetch rows", []string{"-db-url", "x.db", "-fetch-rows", "0"}, nil},
		{"gwlist cap too large", []string{"-db-url", "x.db", "-max-gwlist", "64"}, nil},
		{"bad table name", []string{"-db-url", "x.db"}, map[string]string{"DR_GROUPS_TABLE": "groups;drop"}},
		{"bad env int", []string{"-db-url", "x.db"}, map[string]string{"FETCH_ROWS": "many"}},
		{"bad env bool", []string{"-db-url", "x.db"}, map[string]string{"ENABLE_KEEPALIVE": "yes"}},
		{"bad env duration", []string{"-db-url", "x.db"}, map[string]string{"GROUP_CACHE_TTL": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.args, tt.env)
			assert.Error(t, err)
		})
	}
}
