package groups

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sebas/drouter/internal/drouting/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openGroupsDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, _, err := loader.Open(ctx, "sqlite3", filepath.Join(t.TempDir(), "groups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, loader.Migrate(ctx, db, loader.DefaultTables()))
	_, err = db.Exec(`INSERT INTO dr_groups (id, username, domain, groupid) VALUES
		(1, 'alice', 'example.com', 1),
		(2, 'alice', 'other.org', 2),
		(3, 'bob', 'example.com', 3)`)
	require.NoError(t, err)
	return db
}

func TestSQLResolver(t *testing.T) {
	db := openGroupsDB(t)
	ctx := context.Background()

	byUser, err := NewSQLResolver(db, loader.SQLite, "dr_groups", false)
	require.NoError(t, err)
	g, err := byUser.ResolveGroup(ctx, "alice", "whatever")
	require.NoError(t, err)
	assert.Equal(t, 1, g)

	byDomain, err := NewSQLResolver(db, loader.SQLite, "dr_groups", true)
	require.NoError(t, err)
	g, err = byDomain.ResolveGroup(ctx, "alice", "Other.ORG")
	require.NoError(t, err)
	assert.Equal(t, 2, g)

	_, err = byDomain.ResolveGroup(ctx, "bob", "other.org")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewSQLResolver(db, loader.SQLite, "groups where 1=1", false)
	assert.Error(t, err)
}

func TestFixed(t *testing.T) {
	g, err := Fixed(4).ResolveGroup(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, 4, g)
}

type countingResolver struct {
	calls  atomic.Int32
	groups map[string]int
	delay  time.Duration
}

func (r *countingResolver) ResolveGroup(_ context.Context, user, _ string) (int, error) {
	r.calls.Add(1)
	time.Sleep(r.delay)
	g, ok := r.groups[user]
	if !ok {
		return 0, ErrNotFound
	}
	return g, nil
}

func newRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc, err := NewRedisCache(context.Background(), mr.Addr(), time.Minute)
	require.NoError(t, err)
	return rc, mr
}

func TestRedisCache(t *testing.T) {
	rc, mr := newRedis(t)
	defer rc.Close()
	ctx := context.Background()

	_, ok, err := rc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rc.Set(ctx, "alice", 7))
	g, ok, err := rc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, g)
	assert.Equal(t, time.Minute, mr.TTL("drouter:group:alice"))

	require.NoError(t, mr.Set("drouter:group:bad", "x"))
	_, _, err = rc.Get(ctx, "bad")
	assert.Error(t, err)

	require.NoError(t, mr.Set("unrelated", "1"))
	n, err := rc.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists("unrelated"))
	assert.NoError(t, rc.Health(ctx))
}

func TestNewRedisCacheUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisCache(context.Background(), addr, time.Minute)
	assert.Error(t, err)
}

func TestCachedLayers(t *testing.T) {
	rc, mr := newRedis(t)
	next := &countingResolver{groups: map[string]int{"alice": 1}}
	c := NewCached(next, rc, time.Minute, false)
	defer c.Close()
	ctx := context.Background()

	g, err := c.ResolveGroup(ctx, "alice", "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, g)
	assert.Equal(t, int32(1), next.calls.Load())

	got, err := mr.Get("drouter:group:alice")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	g, err = c.ResolveGroup(ctx, "alice", "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, g)
	assert.Equal(t, int32(1), next.calls.Load(), "served from the local cache")

	// another node populated redis
	require.NoError(t, mr.Set("drouter:group:carol", "9"))
	g, err = c.ResolveGroup(ctx, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, 9, g)
	assert.Equal(t, int32(1), next.calls.Load())

	_, err = c.ResolveGroup(ctx, "mallory", "")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Invalidate(ctx))
	assert.False(t, mr.Exists("drouter:group:alice"))
	_, err = c.ResolveGroup(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), next.calls.Load())
}

func TestCachedCollapsesConcurrentMisses(t *testing.T) {
	next := &countingResolver{groups: map[string]int{"alice": 1}, delay: 20 * time.Millisecond}
	c := NewCached(next, nil, time.Minute, true)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := c.ResolveGroup(context.Background(), "alice", "example.com")
			assert.NoError(t, err)
			assert.Equal(t, 1, g)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, next.calls.Load(), int32(2))
}

func TestCachedRedisDownFallsBack(t *testing.T) {
	rc, mr := newRedis(t)
	next := &countingResolver{groups: map[string]int{"alice": 5}}
	c := NewCached(next, rc, time.Minute, false)
	defer c.Close()

	mr.Close()
	g, err := c.ResolveGroup(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 5, g)

	err = c.Invalidate(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "alice", Key("alice", "Example.com", false))
	assert.Equal(t, "alice@example.com", Key("alice", "Example.com", true))
}
