package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(ttl time.Duration, max int) (*TTLStore[string, int], *clock) {
	c := &clock{t: time.Unix(1700000000, 0)}
	s := NewTTLStore[string, int](ttl, 0, max)
	s.now = c.now
	return s, c
}

func TestGetSetExpiry(t *testing.T) {
	s, c := newTestStore(time.Minute, 0)
	defer s.Close()

	s.Set("alice", 1)
	v, ok := s.Get("alice")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.advance(59 * time.Second)
	_, ok = s.Get("alice")
	assert.True(t, ok)

	c.advance(2 * time.Second)
	_, ok = s.Get("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestSetTTLAndDelete(t *testing.T) {
	s, c := newTestStore(time.Minute, 0)
	s.SetTTL("bob", 2, time.Second)
	c.advance(2 * time.Second)
	_, ok := s.Get("bob")
	assert.False(t, ok)

	s.Set("carol", 3)
	assert.True(t, s.Delete("carol"))
	assert.False(t, s.Delete("carol"))

	s.Set("dave", 4)
	s.Purge()
	assert.Equal(t, 0, s.Len())
}

func TestMaxEntriesEvictsClosestToExpiry(t *testing.T) {
	s, c := newTestStore(time.Minute, 2)

	s.Set("a", 1)
	c.advance(time.Second)
	s.Set("b", 2)
	c.advance(time.Second)
	s.Set("c", 3)

	_, ok := s.Get("a")
	assert.False(t, ok)
	_, ok = s.Get("b")
	assert.True(t, ok)
	_, ok = s.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Evicted)

	// overwriting an existing key never evicts
	s.Set("c", 30)
	assert.Equal(t, 2, s.Len())
}

func TestMaxEntriesPrefersExpired(t *testing.T) {
	s, c := newTestStore(time.Minute, 2)
	s.SetTTL("short", 1, time.Second)
	s.Set("long", 2)
	c.advance(2 * time.Second)
	s.Set("new", 3)

	_, ok := s.Get("long")
	assert.True(t, ok)
	_, ok = s.Get("new")
	assert.True(t, ok)
}

func TestSweepLoop(t *testing.T) {
	s := NewTTLStore[string, int](time.Millisecond, 5*time.Millisecond, 0)
	defer s.Close()
	s.Set("x", 1)

	require.Eventually(t, func() bool { return s.Stats().Evicted == 1 }, time.Second, 5*time.Millisecond)
	s.Close() // idempotent
}
