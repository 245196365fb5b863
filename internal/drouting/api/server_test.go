package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sebas/drouter/internal/drouting/gateway"
	"github.com/sebas/drouter/internal/drouting/groups"
	"github.com/sebas/drouter/internal/drouting/keepalive"
	"github.com/sebas/drouter/internal/drouting/reload"
	"github.com/sebas/drouter/internal/drouting/router"
	"github.com/sebas/drouter/internal/drouting/selector"
	"github.com/sebas/drouter/internal/drouting/store"
	"github.com/sebas/drouter/internal/drouting/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSnapshot(t *testing.T, host string) *table.Snapshot {
	t.Helper()
	b := table.NewBuilder("test")
	require.NoError(t, b.AddGateway(&gateway.Gateway{ID: 1, Address: gateway.Address{Host: host, Port: 5060}, Attrs: "a"}))
	require.NoError(t, b.AddGateway(&gateway.Gateway{ID: 2, Address: gateway.Address{Host: "10.0.0.2"}}))
	require.NoError(t, b.AddRule(table.RuleSpec{ID: 5, Groups: []int{0}, Prefix: "49", Priority: 3, Runs: [][]int{{1, 2}}, Description: "germany"}))
	snap, err := b.Build()
	require.NoError(t, err)
	return snap
}

type testEnv struct {
	server  *Server
	coord   *reload.Coordinator
	trigger *reload.Trigger
	loadErr error
}

type staticProbes []keepalive.Status

func (s staticProbes) Status() []keepalive.Status { return s }

type staticCache store.Stats

func (s staticCache) Stats() store.Stats { return store.Stats(s) }

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{coord: reload.NewCoordinator(buildSnapshot(t, "10.0.0.1"))}
	env.trigger = reload.NewTrigger(env.coord, func(context.Context) (*table.Snapshot, error) {
		if env.loadErr != nil {
			return nil, env.loadErr
		}
		return buildSnapshot(t, "10.0.0.9"), nil
	})
	rt := router.New(env.coord, selector.New(selector.Options{}, nil), groups.Fixed(0))
	env.server = NewServer(":0", env.coord, env.trigger, rt)
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	rec, body := env.do(t, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["generation"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestReload(t *testing.T) {
	env := newEnv(t)
	before := env.coord.Current()

	env.loadErr = errors.New("no such table: dr_rules")
	rec, body := env.do(t, "POST", "/api/v1/reload", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, body["error"], "no such table")
	assert.Same(t, before, env.coord.Current())

	env.loadErr = nil
	rec, body = env.do(t, "POST", "/api/v1/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reload ok", body["status"])
	assert.Equal(t, env.coord.Current().ID.String(), body["snapshot"])
	assert.NotSame(t, before, env.coord.Current())

	rec, _ = env.do(t, "GET", "/api/v1/reload", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGateways(t *testing.T) {
	env := newEnv(t)
	rec, body := env.do(t, "GET", "/api/v1/gateways", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	gws := body["gateways"].([]interface{})
	first := gws[0].(map[string]interface{})
	assert.Equal(t, float64(1), first["id"])
	assert.Equal(t, "sip:10.0.0.1:5060", first["address"])
	assert.Equal(t, "unknown", first["state"])
}

func TestSetGatewayState(t *testing.T) {
	env := newEnv(t)

	rec, body := env.do(t, "PUT", "/api/v1/gateways/1/state", `{"state":"down"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "down", body["state"])
	gw, _ := env.coord.Current().Gateways().Get(1)
	assert.True(t, gw.IsDown())

	rec, _ = env.do(t, "PUT", "/api/v1/gateways/1/state?state=up", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, gateway.StateUp, gw.State())

	rec, _ = env.do(t, "PUT", "/api/v1/gateways/1/state", `{"state":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, "PUT", "/api/v1/gateways/1/state", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, "PUT", "/api/v1/gateways/42/state?state=down", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, "PUT", "/api/v1/gateways/abc/state?state=down", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLookup(t *testing.T) {
	env := newEnv(t)

	rec, body := env.do(t, "GET", "/api/v1/lookup?number=4930123&group=0", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(5), body["rule_id"])
	assert.Equal(t, "49", body["prefix"])
	assert.Len(t, body["selected"], 2)

	rec, _ = env.do(t, "GET", "/api/v1/lookup?number=1234", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, "GET", "/api/v1/lookup", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, "GET", "/api/v1/lookup?number=49&group=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	env := newEnv(t)
	env.server.SetProbeStatusProvider(staticProbes{{Address: "sip:10.0.0.1:5060", State: "up"}})
	env.server.SetCacheStatsProvider(staticCache{Entries: 3, Hits: 10})

	_, err := env.trigger.Reload(context.Background(), "test")
	require.NoError(t, err)

	rec, body := env.do(t, "GET", "/api/v1/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	snap := body["snapshot"].(map[string]interface{})
	assert.Equal(t, float64(2), snap["gateways"])
	assert.Equal(t, float64(1), snap["rules"])

	rl := body["reload"].(map[string]interface{})
	assert.Equal(t, float64(2), rl["generation"])

	last := body["last_reload"].(map[string]interface{})
	assert.Equal(t, "test", last["trigger"])

	assert.Len(t, body["keepalive"], 1)
	cache := body["group_cache"].(map[string]interface{})
	assert.Equal(t, float64(10), cache["hits"])
}

func TestTokenAuth(t *testing.T) {
	env := newEnv(t)
	env.server.SetTokenSecret("s3cret")

	rec, _ := env.do(t, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := env.do(t, "GET", "/api/v1/gateways", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "bearer token required", body["error"])

	call := func(token string) int {
		req := httptest.NewRequest("GET", "/api/v1/gateways", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	good, err := IssueToken("s3cret", "ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, call(good))

	wrongKey, err := IssueToken("other", "ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(wrongKey))

	expired, err := IssueToken("s3cret", "ops", -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(expired))

	assert.Equal(t, http.StatusUnauthorized, call("not.a.token"))
}
