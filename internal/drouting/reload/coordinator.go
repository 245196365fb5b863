// Package reload arbitrates between concurrent routing lookups and the rare,
// serialized installation of a new routing snapshot.
//
// Readers enter through a short critical section that increments an in-flight
// counter unless a reload is pending. A writer raises the pending flag, waits
// on a condition variable until the counter drains to zero, swaps the current
// pointer and releases the readers. A reader that entered is guaranteed its
// snapshot stays current until it exits.
package reload

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/drouter/internal/drouting/table"
)

// ErrClosed is returned by Enter after Close.
var ErrClosed = errors.New("reload coordinator closed")

// InstallHook runs after a snapshot is installed, outside the critical section.
type InstallHook func(prev, next *table.Snapshot)

// PrepareHook runs before the new snapshot becomes visible, with no lock held.
type PrepareHook func(prev, next *table.Snapshot)

// Coordinator holds the current snapshot.
type Coordinator struct {
	mu       sync.Mutex
	drained  *sync.Cond // in-flight reached zero, or pending cleared
	inFlight int
	pending  bool
	closed   bool

	writer  sync.Mutex
	current atomic.Pointer[Generation]

	installs atomic.Uint64
	lastWait atomic.Int64

	hookMu   sync.RWMutex
	prepares []PrepareHook
	hooks    []InstallHook
}

// NewCoordinator creates a coordinator whose first generation is initial.
// A nil initial snapshot installs an empty table.
func NewCoordinator(initial *table.Snapshot) *Coordinator {
	if initial == nil {
		initial = table.Empty()
	}
	c := &Coordinator{}
	c.drained = sync.NewCond(&c.mu)
	gen := &Generation{Number: 1, Snapshot: initial, InstalledAt: time.Now()}
	gen.setState(StateLive)
	c.current.Store(gen)
	return c
}

// OnPrepare registers a hook run before each swap (e.g. carrying liveness).
func (c *Coordinator) OnPrepare(h PrepareHook) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.prepares = append(c.prepares, h)
}

// OnInstall registers a hook run after each successful swap.
func (c *Coordinator) OnInstall(h InstallHook) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Current returns the current snapshot without entering. Callers that need
// the snapshot to stay current for the duration of a call use Enter.
func (c *Coordinator) Current() *table.Snapshot {
	gen := c.current.Load()
	if gen == nil {
		return nil
	}
	return gen.Snapshot
}

// Generation returns the current generation.
func (c *Coordinator) Generation() *Generation {
	return c.current.Load()
}

// Reader is an entered reference to one generation. Exit must be called
// exactly once.
type Reader struct {
	c      *Coordinator
	gen    *Generation
	exited atomic.Bool
}

// Snapshot returns the snapshot captured at entry.
func (r *Reader) Snapshot() *table.Snapshot {
	return r.gen.Snapshot
}

// Generation returns the generation number captured at entry.
func (r *Reader) Generation() uint64 {
	return r.gen.Number
}

// Exit releases the reference. Extra calls are ignored.
func (r *Reader) Exit() {
	if !r.exited.CompareAndSwap(false, true) {
		return
	}
	r.c.exit()
}

// Enter waits out any pending reload and registers an in-flight reader.
func (c *Coordinator) Enter() (*Reader, error) {
	c.mu.Lock()
	for c.pending && !c.closed {
		c.drained.Wait()
	}
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.inFlight++
	gen := c.current.Load()
	c.mu.Unlock()

	return &Reader{c: c, gen: gen}, nil
}

func (c *Coordinator) exit() {
	c.mu.Lock()
	c.inFlight--
	if c.inFlight == 0 {
		c.drained.Broadcast()
	}
	c.mu.Unlock()
}

// View runs fn against a consistent snapshot.
func (c *Coordinator) View(fn func(snap *table.Snapshot) error) error {
	r, err := c.Enter()
	if err != nil {
		return err
	}
	defer r.Exit()
	return fn(r.Snapshot())
}

// Install makes next the current snapshot once all in-flight readers of the
// previous one have exited. Installs are serialized. Install does not
// validate next; a malformed snapshot must be rejected before this call.
func (c *Coordinator) Install(next *table.Snapshot) (InstallResult, error) {
	if next == nil {
		next = table.Empty()
	}

	c.writer.Lock()
	defer c.writer.Unlock()

	prev := c.current.Load()
	c.runPrepares(prev.Snapshot, next)

	start := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return InstallResult{}, ErrClosed
	}
	c.pending = true
	prev.setState(StateRetiring)
	for c.inFlight > 0 {
		c.drained.Wait()
	}

	gen := &Generation{Number: prev.Number + 1, Snapshot: next, InstalledAt: time.Now()}
	gen.setState(StateLive)
	c.current.Store(gen)
	c.pending = false
	c.drained.Broadcast()
	c.mu.Unlock()

	waited := time.Since(start)
	prev.setState(StateReclaimed)
	c.installs.Add(1)
	c.lastWait.Store(int64(waited))

	slog.Info("[Reload] Snapshot installed",
		"generation", gen.Number,
		"snapshot_id", next.ID,
		"previous_id", prev.Snapshot.ID,
		"gateways", next.Gateways().Len(),
		"rules", len(next.Rules()),
		"waited", waited)

	c.runHooks(prev.Snapshot, next)

	return InstallResult{
		Generation: gen.Number,
		SnapshotID: next.ID,
		Previous:   prev.Snapshot.ID,
		Waited:     waited,
	}, nil
}

func (c *Coordinator) runPrepares(prev, next *table.Snapshot) {
	c.hookMu.RLock()
	prepares := c.prepares
	c.hookMu.RUnlock()
	for _, h := range prepares {
		h(prev, next)
	}
}

func (c *Coordinator) runHooks(prev, next *table.Snapshot) {
	c.hookMu.RLock()
	hooks := c.hooks
	c.hookMu.RUnlock()
	for _, h := range hooks {
		h(prev, next)
	}
}

// Close blocks new readers, waits for in-flight ones and marks the current
// generation reclaimed.
func (c *Coordinator) Close() {
	c.writer.Lock()
	defer c.writer.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.drained.Broadcast()
	for c.inFlight > 0 {
		c.drained.Wait()
	}
	c.mu.Unlock()

	if gen := c.current.Load(); gen != nil {
		gen.setState(StateReclaimed)
	}
	slog.Info("[Reload] Coordinator closed")
}

// Stats returns a point-in-time view of coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	inFlight, pending := c.inFlight, c.pending
	c.mu.Unlock()

	gen := c.current.Load()
	return Stats{
		Generation:  gen.Number,
		SnapshotID:  gen.Snapshot.ID.String(),
		InstalledAt: gen.InstalledAt,
		InFlight:    inFlight,
		Pending:     pending,
		Installs:    c.installs.Load(),
		LastWait:    time.Duration(c.lastWait.Load()),
	}
}
